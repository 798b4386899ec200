package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultTimeout          = 10 * time.Second
	defaultMaxResponseBytes = 1 << 20
)

// endpoint is the JSON-over-HTTP plumbing shared by both adapters.
type endpoint struct {
	name             string
	url              string
	apiKey           string
	client           *http.Client
	maxResponseBytes int64
}

func newEndpoint(name, url, apiKey string, timeout time.Duration) endpoint {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return endpoint{
		name:             name,
		url:              url,
		apiKey:           apiKey,
		maxResponseBytes: defaultMaxResponseBytes,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// post sends payload and decodes a 2xx JSON body into out. A single attempt
// is made; every failure is reported as ErrUnavailable.
func (e endpoint) post(ctx context.Context, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", e.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: create %s request: %v", ErrUnavailable, e.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: call %s: %w", ErrUnavailable, e.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, e.maxResponseBytes+1))
	if err != nil {
		return fmt.Errorf("%w: read %s response: %w", ErrUnavailable, e.name, err)
	}
	if int64(len(respBody)) > e.maxResponseBytes {
		return fmt.Errorf("%w: %s response exceeded limit (%d bytes)", ErrUnavailable, e.name, e.maxResponseBytes)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s status %d", ErrUnavailable, e.name, resp.StatusCode)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: decode %s response: %w", ErrUnavailable, e.name, err)
	}
	return nil
}

// IsTimeout reports whether err came from a deadline rather than a bad response.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
