package workspace

import (
	"context"
	"errors"
	"log/slog"

	"github.com/marqly/studio/pkg/client"
)

// SuggestAPI is the slice of the API client the suggestion adapter needs.
type SuggestAPI interface {
	Suggest(ctx context.Context, content string) ([]string, error)
}

// Suggester fetches content suggestions for the edit buffer. Suggestions are
// advisory: any failure degrades to an empty result instead of surfacing.
type Suggester struct {
	api    SuggestAPI
	logger *slog.Logger
}

// NewSuggester wraps the API client for advisory use.
func NewSuggester(api SuggestAPI, logger *slog.Logger) *Suggester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Suggester{api: api, logger: logger}
}

// Fetch returns suggestion candidates for the buffer content, or an error
// for callers that want to distinguish failure from no results.
func (s *Suggester) Fetch(ctx context.Context, content string) ([]string, error) {
	if content == "" {
		return nil, nil
	}
	return s.api.Suggest(ctx, content)
}

// ForBuffer returns suggestion candidates, swallowing failures. Editing is
// never blocked on the suggestion service.
func (s *Suggester) ForBuffer(ctx context.Context, content string) []string {
	suggestions, err := s.Fetch(ctx, content)
	if err != nil {
		if errors.Is(err, client.ErrUnavailable) || errors.Is(err, client.ErrNetwork) {
			s.logger.Debug("suggestion service unreachable", "error", err)
		} else {
			s.logger.Warn("suggestion request failed", "error", err)
		}
		return nil
	}
	return suggestions
}
