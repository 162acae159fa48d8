package suggest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/marqly/studio/pkg/config"
)

// ErrServiceUnavailable indicates the suggestion backend could not be
// reached or produced no usable answer. Callers degrade to "no suggestions".
var ErrServiceUnavailable = errors.New("suggest: service unavailable")

const systemPrompt = `You are a code improvement assistant for a web project workspace.
Given the full contents of a source file, produce improved candidate versions of the ENTIRE file.
Return each candidate as a complete file, separated by a line containing only "---CANDIDATE---".
Do not add commentary outside the candidates.`

const candidateSeparator = "---CANDIDATE---"

// Service produces full-content replacement candidates for an edit buffer.
type Service struct {
	client    *anthropic.Client
	model     string
	maxTokens int
	count     int
	logger    *slog.Logger
}

// New returns a suggestion service backed by the Anthropic API.
func New(cfg config.StudioConfig, logger *slog.Logger) Service {
	client := anthropic.NewClient(option.WithAPIKey(cfg.AnthropicAPIKey))
	return Service{
		client:    &client,
		model:     cfg.SuggestionModel,
		maxTokens: cfg.SuggestionMaxTok,
		count:     cfg.SuggestionCount,
		logger:    logger,
	}
}

// GetSuggestions sends the buffer content to the model and returns candidate
// replacements. Suggestions are advisory only; the caller decides whether to
// apply one.
func (s Service) GetSuggestions(ctx context.Context, content string) ([]string, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}
	prompt := fmt.Sprintf("Produce up to %d improved candidates for this file:\n\n%s", s.count, content)
	message, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: int64(s.maxTokens),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		s.logger.Warn("suggestion request failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(tb.Text)
		}
	}
	return splitCandidates(text.String(), s.count), nil
}

func splitCandidates(raw string, limit int) []string {
	var candidates []string
	for _, part := range strings.Split(raw, candidateSeparator) {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		candidates = append(candidates, trimmed)
		if limit > 0 && len(candidates) == limit {
			break
		}
	}
	return candidates
}
