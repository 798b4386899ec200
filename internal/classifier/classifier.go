// Package classifier holds the external content classifiers consulted by the
// moderation orchestrator. Every adapter reports outages as ErrUnavailable so
// the caller can degrade instead of failing the message.
package classifier

import (
	"context"
	"errors"

	"github.com/tullo/moderation/internal/models"
)

// ErrUnavailable is returned (wrapped) on timeout, transport failure, non-2xx
// status or an unreadable response.
var ErrUnavailable = errors.New("classifier unavailable")

// Finding is the raw, unnormalized output of a classifier for one category.
type Finding struct {
	Category string
	// Intensity is set by rule-based classifiers (low, medium, high).
	Intensity string
	// Score is set by ML classifiers, in [0,1].
	Score  float64
	Source string
}

// Options are the per-call knobs forwarded to the remote classifier.
type Options struct {
	Language     string
	Categories   []string
	Models       []string
	CountryHints []string
}

// Classifier is implemented by the rule-based and ML adapters.
type Classifier interface {
	Name() string
	Category() models.ViolationCategory
	Classify(ctx context.Context, text string, opts Options) ([]Finding, error)
}
