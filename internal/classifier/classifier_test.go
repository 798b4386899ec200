package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tullo/moderation/internal/models"
)

func TestRuleBasedClassify(t *testing.T) {
	var got ruleRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"matches": {"weapon": {"intensity": "Medium"}, "drug": {"intensity": "low"}}}`))
	}))
	defer srv.Close()

	c := NewRuleBased(srv.URL, "secret", time.Second)
	findings, err := c.Classify(context.Background(), "hello", Options{
		Language:     "en",
		Categories:   []string{"weapon", "drug"},
		CountryHints: []string{"DE"},
	})
	require.NoError(t, err)

	assert.Equal(t, "hello", got.Text)
	assert.Equal(t, "en", got.Language)
	assert.Equal(t, []string{"weapon", "drug"}, got.Categories)
	assert.Equal(t, []string{"DE"}, got.CountryHints)

	require.Len(t, findings, 2)
	assert.Equal(t, Finding{Category: "drug", Intensity: "low", Source: "rule-classifier"}, findings[0])
	assert.Equal(t, Finding{Category: "weapon", Intensity: "medium", Source: "rule-classifier"}, findings[1])
	assert.Equal(t, models.CategoryRuleBased, c.Category())
}

func TestMLClassify(t *testing.T) {
	var got mlRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"toxicity": 0.91, "harassment": 0.1}`))
	}))
	defer srv.Close()

	c := NewML(srv.URL, "", time.Second)
	findings, err := c.Classify(context.Background(), "hi", Options{Language: "es", Models: []string{"toxicity"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"toxicity"}, got.Models)
	assert.Equal(t, "es", got.Language)
	require.Len(t, findings, 2)
	assert.Equal(t, "harassment", findings[0].Category)
	assert.InDelta(t, 0.91, findings[1].Score, 1e-9)
	assert.Equal(t, models.CategoryMLBased, c.Category())
}

func TestClassifyUnavailable(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"rate limited", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"slow down"}`))
		}},
		{"garbage body", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		}},
		{"score out of range", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"toxicity": 1.7}`))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := NewML(srv.URL, "", time.Second).Classify(context.Background(), "x", Options{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrUnavailable), "got %v", err)
		})
	}
}

func TestClassifyTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewRuleBased(srv.URL, "", 50*time.Millisecond)
	start := time.Now()
	_, err := c.Classify(context.Background(), "x", Options{})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, IsTimeout(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClassifyConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewRuleBased(url, "", time.Second).Classify(context.Background(), "x", Options{})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestFake(t *testing.T) {
	f := NewFakeML(Finding{Category: "toxicity", Score: 0.95})
	findings, err := f.Classify(context.Background(), "x", Options{})
	require.NoError(t, err)
	assert.Equal(t, "fake-ml-classifier", findings[0].Source)
	assert.Equal(t, 1, f.Calls())

	f.Error = ErrUnavailable
	_, err = f.Classify(context.Background(), "x", Options{})
	assert.ErrorIs(t, err, ErrUnavailable)

	slow := NewFakeRuleBased()
	slow.Delay = time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = slow.Classify(ctx, "x", Options{})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, IsTimeout(err))
}
