// Package relay forwards an admitted conversation to the upstream provider
// and streams its output back, releasing the admission lease exactly once on
// every termination path.
package relay

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"modelgate/internal/gateway/admission"
	"modelgate/internal/upstream"
)

var (
	// ErrTimeout means the upstream made no progress within the configured
	// window (first byte or between chunks).
	ErrTimeout = errors.New("upstream timeout")

	// ErrCancelled means the caller abandoned consumption or the inbound
	// connection dropped.
	ErrCancelled = errors.New("relay cancelled")
)

// Config holds the progress timeouts. Zero disables the respective timeout.
type Config struct {
	FirstByteTimeout time.Duration
	ChunkTimeout     time.Duration
}

// State is the relay lifecycle, for observability and tests.
type State int32

const (
	StateStreaming State = iota
	StateCompleted
	StateFailed
	StateCancelled
)

// Relay drives one upstream call per admitted lease.
//
// Failed relays are not retried here, and the quota debit is not refunded:
// a unit of quota pays for an attempted request, not a successful one. The
// calling endpoint may retry, which debits again.
type Relay struct {
	upstream upstream.Client
	gate     *admission.Gate
	cfg      Config
}

func New(client upstream.Client, gate *admission.Gate, cfg Config) *Relay {
	return &Relay{upstream: client, gate: gate, cfg: cfg}
}

// Stream is the caller-facing chunk sequence. Single consumption: range over
// Chunks until closed, then inspect Err. Close abandons consumption early and
// is safe to call any number of times.
type Stream struct {
	chunks    chan string
	cancel    context.CancelFunc
	closeOnce sync.Once
	state     atomic.Int32
	err       error // written before chunks is closed, read after
}

func (s *Stream) Chunks() <-chan string { return s.chunks }

// Err reports the terminal error, valid once Chunks has been closed. Nil
// means the upstream stream was exhausted normally.
func (s *Stream) Err() error { return s.err }

func (s *Stream) State() State { return State(s.state.Load()) }

// Close abandons the stream. The worker stops consuming upstream output and
// the lease is released by its finalizer as usual.
func (s *Stream) Close() { s.closeOnce.Do(s.cancel) }

// Run starts the relay for an admitted lease and returns the stream
// immediately. The lease is completed exactly once when the stream reaches a
// terminal state, whichever path gets it there: exhaustion, upstream failure,
// timeout, or cancellation.
func (r *Relay) Run(ctx context.Context, lease *admission.Lease, model string, messages []upstream.Message, params upstream.Params) *Stream {
	wctx, cancel := context.WithCancel(ctx)
	s := &Stream{chunks: make(chan string), cancel: cancel}
	go r.run(wctx, cancel, lease, s, model, messages, params)
	return s
}

// Collect drains a stream into one aggregated string, for the non-streaming
// response path.
func Collect(s *Stream) (string, error) {
	var b strings.Builder
	for chunk := range s.Chunks() {
		b.WriteString(chunk)
	}
	return b.String(), s.Err()
}

func (r *Relay) run(ctx context.Context, cancel context.CancelFunc, lease *admission.Lease, s *Stream, model string, messages []upstream.Message, params upstream.Params) {
	var termErr error

	// The single finalizer: every exit path of this function runs it, so the
	// slot reservation is released exactly once no matter how the relay ends.
	defer func() {
		s.err = termErr
		s.state.Store(int32(terminalState(termErr)))
		close(s.chunks)
		cancel()
		r.gate.Complete(context.WithoutCancel(ctx), lease)
	}()

	us, err := r.upstream.GenerateStream(ctx, model, messages, params)
	if err != nil {
		termErr = classify(err)
		return
	}

	// The puller owns the upstream stream; it is the only goroutine calling
	// Recv/Close, which keeps single-consumer stream implementations safe.
	type item struct {
		text string
		err  error
	}
	recv := make(chan item)
	go func() {
		defer us.Close()
		for {
			text, err := us.Recv()
			select {
			case recv <- item{text: text, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	timer, timeoutC := startTimer(r.cfg.FirstByteTimeout)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			termErr = classify(ctx.Err())
			return
		case <-timeoutC:
			termErr = ErrTimeout
			return
		case it := <-recv:
			if errors.Is(it.err, io.EOF) {
				return
			}
			if it.err != nil {
				termErr = classify(it.err)
				return
			}
			select {
			case s.chunks <- it.text:
			case <-ctx.Done():
				termErr = classify(ctx.Err())
				return
			}
			timer, timeoutC = resetTimer(timer, timeoutC, r.cfg.ChunkTimeout)
		}
	}
}

func startTimer(d time.Duration) (*time.Timer, <-chan time.Time) {
	if d <= 0 {
		return nil, nil
	}
	t := time.NewTimer(d)
	return t, t.C
}

func resetTimer(t *time.Timer, c <-chan time.Time, d time.Duration) (*time.Timer, <-chan time.Time) {
	if t != nil {
		t.Stop()
	}
	if d <= 0 {
		return nil, nil
	}
	return startTimer(d)
}

func terminalState(err error) State {
	switch {
	case err == nil:
		return StateCompleted
	case errors.Is(err, ErrCancelled):
		return StateCancelled
	default:
		return StateFailed
	}
}

// classify maps raw errors onto the relay taxonomy. Upstream errors arrive
// pre-classified from the provider wrapper and pass through.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, upstream.ErrRejected), errors.Is(err, upstream.ErrUnavailable):
		return err
	case errors.Is(err, context.Canceled):
		return ErrCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	default:
		return errors.Join(upstream.ErrUnavailable, err)
	}
}
