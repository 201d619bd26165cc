package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	genai "google.golang.org/genai"
)

// GeminiClient is a thin wrapper around the official genai client. It only
// focuses on the API call itself; cross-cutting concerns (admission, timeouts,
// release) are applied by the relay.
type GeminiClient struct {
	cli          *genai.Client
	defaultModel string
}

func NewGeminiClient(ctx context.Context, apiKey, defaultModel string) (*GeminiClient, error) {
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &GeminiClient{cli: cli, defaultModel: defaultModel}, nil
}

func (g *GeminiClient) Name() string { return "Gemini:" + g.defaultModel }
func (g *GeminiClient) Close() error { return nil }

func (g *GeminiClient) GenerateStream(ctx context.Context, model string, messages []Message, params Params) (Stream, error) {
	if strings.TrimSpace(model) == "" {
		model = g.defaultModel
	}

	// Gemini expects plain text; flatten role-tagged messages into parts.
	parts := make([]*genai.Part, 0, len(messages))
	for _, m := range messages {
		role := m.Role
		if role == "" {
			role = "user"
		}
		parts = append(parts, &genai.Part{Text: role + ": " + m.Content})
	}

	cfg := &genai.GenerateContentConfig{
		Temperature: params.Temperature,
		TopP:        params.TopP,
		TopK:        params.TopK,
	}

	seq := g.cli.Models.GenerateContentStream(ctx, model,
		[]*genai.Content{{Parts: parts}}, cfg)
	return newGeminiStream(seq), nil
}

type geminiStream struct {
	next func() (*genai.GenerateContentResponse, error, bool)
	stop func()
}

func newGeminiStream(seq iter.Seq2[*genai.GenerateContentResponse, error]) *geminiStream {
	next, stop := iter.Pull2(seq)
	return &geminiStream{next: next, stop: stop}
}

func (s *geminiStream) Recv() (string, error) {
	for {
		resp, err, ok := s.next()
		if !ok {
			return "", io.EOF
		}
		if err != nil {
			return "", classifyGeminiErr(err)
		}
		if text := resp.Text(); text != "" {
			return text, nil
		}
		// Skip empty keep-alive chunks.
	}
}

func (s *geminiStream) Close() { s.stop() }

// classifyGeminiErr maps provider errors onto the upstream taxonomy: 4xx API
// responses are rejections, everything else is unavailability.
func classifyGeminiErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code >= 400 && apiErr.Code < 500 {
			return fmt.Errorf("%w: %v", ErrRejected, err)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
