// Package upstream wraps the external generative-model provider. It only
// covers the API call itself; admission, quotas, and release discipline live
// in the gateway packages.
package upstream

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable indicates a transport-level failure reaching the
	// provider.
	ErrUnavailable = errors.New("upstream unavailable")

	// ErrRejected indicates the provider refused the request at the
	// application level (bad model id, safety block, quota on their side).
	ErrRejected = errors.New("upstream rejected request")
)

// Message is one role-tagged conversation entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Params are optional generation parameters; nil fields use provider
// defaults.
type Params struct {
	Temperature *float32
	TopP        *float32
	TopK        *float32
}

// Stream yields text fragments one at a time. Recv returns io.EOF after the
// final fragment. A Stream is single-consumption; Close releases provider
// resources and is safe to call more than once.
type Stream interface {
	Recv() (string, error)
	Close()
}

// Client is a chat-capable model provider.
type Client interface {
	Name() string
	Close() error

	// GenerateStream opens a streaming generation call. Errors are
	// classified as ErrUnavailable or ErrRejected (wrapped).
	GenerateStream(ctx context.Context, model string, messages []Message, params Params) (Stream, error)
}
