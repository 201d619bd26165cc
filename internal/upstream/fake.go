package upstream

import (
	"context"
	"io"
	"strings"
)

// FakeClient returns deterministic chunked output for offline runs and tests.
// It echoes the last user message word by word.
type FakeClient struct{}

func NewFakeClient() *FakeClient { return &FakeClient{} }

func (f *FakeClient) Name() string { return "FakeLLM" }
func (f *FakeClient) Close() error { return nil }

func (f *FakeClient) GenerateStream(ctx context.Context, model string, messages []Message, _ Params) (Stream, error) {
	last := ""
	for _, m := range messages {
		if m.Content != "" {
			last = m.Content
		}
	}
	chunks := strings.Fields(last)
	if len(chunks) == 0 {
		chunks = []string{"ok"}
	}
	return &fakeStream{ctx: ctx, chunks: chunks}, nil
}

type fakeStream struct {
	ctx    context.Context
	chunks []string
	pos    int
}

func (s *fakeStream) Recv() (string, error) {
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if s.pos >= len(s.chunks) {
		return "", io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *fakeStream) Close() { s.pos = len(s.chunks) }
