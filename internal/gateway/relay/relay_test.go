package relay

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"modelgate/internal/gateway/admission"
	"modelgate/internal/gateway/auth"
	"modelgate/internal/gateway/entity"
	"modelgate/internal/gateway/repository/ledger"
	"modelgate/internal/tester"
	"modelgate/internal/upstream"
)

// step scripts one Recv outcome of the fake upstream stream.
type step struct {
	text  string
	err   error
	delay time.Duration
}

type scriptClient struct {
	openErr error
	steps   []step
}

func (c *scriptClient) Name() string { return "script" }
func (c *scriptClient) Close() error { return nil }

func (c *scriptClient) GenerateStream(ctx context.Context, _ string, _ []upstream.Message, _ upstream.Params) (upstream.Stream, error) {
	if c.openErr != nil {
		return nil, c.openErr
	}
	return &scriptStream{ctx: ctx, steps: c.steps}, nil
}

type scriptStream struct {
	ctx   context.Context
	steps []step
	pos   int
}

func (s *scriptStream) Recv() (string, error) {
	if s.pos >= len(s.steps) {
		return "", io.EOF
	}
	st := s.steps[s.pos]
	s.pos++
	if st.delay > 0 {
		select {
		case <-time.After(st.delay):
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		}
	}
	return st.text, st.err
}

func (s *scriptStream) Close() { s.pos = len(s.steps) }

type releaseCounter struct {
	*ledger.MemoryStore

	mu       sync.Mutex
	releases int
}

func (c *releaseCounter) Release(ctx context.Context, id entity.UserID) error {
	c.mu.Lock()
	c.releases++
	c.mu.Unlock()
	return c.MemoryStore.Release(ctx, id)
}

func (c *releaseCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releases
}

func fixture(t *testing.T, client upstream.Client, cfg Config) (*Relay, *admission.Gate, *releaseCounter) {
	t.Helper()
	store := &releaseCounter{MemoryStore: ledger.NewMemoryStore(ledger.Defaults{RequestLimit: 100, ConcurrencyCap: 4})}
	_, err := store.Register(context.Background(), []ledger.UserSpec{{Email: "u@example.com"}})
	tester.NoErr(t, err)
	gate := admission.NewGate(auth.Resolver{AllowIdentifierOnly: true}, store)
	return New(client, gate, cfg), gate, store
}

func admit(t *testing.T, gate *admission.Gate) *admission.Lease {
	t.Helper()
	lease, err := gate.Admit(context.Background(), auth.Credential{FallbackEmail: "u@example.com"})
	tester.NoErr(t, err)
	return lease
}

func waitReleases(t *testing.T, store *releaseCounter, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if store.count() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("releases=%d, want %d", store.count(), want)
}

func TestRun_SuccessStreamsAllChunksAndReleasesOnce(t *testing.T) {
	client := &scriptClient{steps: []step{{text: "hello "}, {text: "world"}}}
	rel, gate, store := fixture(t, client, Config{})
	lease := admit(t, gate)

	stream := rel.Run(context.Background(), lease, "m", []upstream.Message{{Role: "user", Content: "hi"}}, upstream.Params{})
	text, err := Collect(stream)
	tester.NoErr(t, err)
	tester.Eq(t, text, "hello world")
	tester.Eq(t, stream.State(), StateCompleted)
	waitReleases(t, store, 1)
	tester.True(t, lease.Consumed())
}

func TestRun_OpenFailureReleasesOnce(t *testing.T) {
	client := &scriptClient{openErr: upstream.ErrUnavailable}
	rel, gate, store := fixture(t, client, Config{})
	lease := admit(t, gate)

	stream := rel.Run(context.Background(), lease, "m", nil, upstream.Params{})
	_, err := Collect(stream)
	tester.ErrIs(t, err, upstream.ErrUnavailable)
	tester.Eq(t, stream.State(), StateFailed)
	waitReleases(t, store, 1)
}

func TestRun_MidStreamFailureDeliversPartialThenError(t *testing.T) {
	client := &scriptClient{steps: []step{
		{text: "partial"},
		{err: upstream.ErrRejected},
	}}
	rel, gate, store := fixture(t, client, Config{})
	lease := admit(t, gate)

	stream := rel.Run(context.Background(), lease, "m", nil, upstream.Params{})
	var got []string
	for chunk := range stream.Chunks() {
		got = append(got, chunk)
	}
	tester.Eq(t, got, []string{"partial"})
	tester.ErrIs(t, stream.Err(), upstream.ErrRejected)
	tester.Eq(t, stream.State(), StateFailed)
	waitReleases(t, store, 1)

	// The active count is back to its pre-call value.
	rec, err := store.Get(context.Background(), "u@example.com")
	tester.NoErr(t, err)
	tester.Eq(t, rec.ActiveStreams, 0)
}

func TestRun_CallerCancelReleasesOnce(t *testing.T) {
	client := &scriptClient{steps: []step{
		{text: "a"},
		{text: "b", delay: 10 * time.Second},
	}}
	rel, gate, store := fixture(t, client, Config{})
	lease := admit(t, gate)

	ctx, cancel := context.WithCancel(context.Background())
	stream := rel.Run(ctx, lease, "m", nil, upstream.Params{})

	first, ok := <-stream.Chunks()
	tester.True(t, ok)
	tester.Eq(t, first, "a")

	cancel()
	for range stream.Chunks() {
	}
	tester.ErrIs(t, stream.Err(), ErrCancelled)
	tester.Eq(t, stream.State(), StateCancelled)
	waitReleases(t, store, 1)
}

func TestRun_CloseAbandonsAndReleasesOnce(t *testing.T) {
	client := &scriptClient{steps: []step{
		{text: "a"},
		{text: "b", delay: 10 * time.Second},
	}}
	rel, gate, store := fixture(t, client, Config{})
	lease := admit(t, gate)

	stream := rel.Run(context.Background(), lease, "m", nil, upstream.Params{})
	<-stream.Chunks()
	stream.Close()
	stream.Close() // idempotent
	for range stream.Chunks() {
	}
	tester.ErrIs(t, stream.Err(), ErrCancelled)
	waitReleases(t, store, 1)
}

func TestRun_FirstByteTimeout(t *testing.T) {
	client := &scriptClient{steps: []step{
		{text: "late", delay: 10 * time.Second},
	}}
	rel, gate, store := fixture(t, client, Config{FirstByteTimeout: 30 * time.Millisecond})
	lease := admit(t, gate)

	stream := rel.Run(context.Background(), lease, "m", nil, upstream.Params{})
	_, err := Collect(stream)
	tester.ErrIs(t, err, ErrTimeout)
	tester.Eq(t, stream.State(), StateFailed)
	waitReleases(t, store, 1)
}

func TestRun_ChunkTimeout(t *testing.T) {
	client := &scriptClient{steps: []step{
		{text: "fast"},
		{text: "slow", delay: 10 * time.Second},
	}}
	rel, gate, store := fixture(t, client, Config{FirstByteTimeout: time.Second, ChunkTimeout: 30 * time.Millisecond})
	lease := admit(t, gate)

	stream := rel.Run(context.Background(), lease, "m", nil, upstream.Params{})
	var got []string
	for chunk := range stream.Chunks() {
		got = append(got, chunk)
	}
	tester.Eq(t, got, []string{"fast"})
	tester.ErrIs(t, stream.Err(), ErrTimeout)
	waitReleases(t, store, 1)
}

func TestCollect_AggregatesNonStreamingPath(t *testing.T) {
	client := &scriptClient{steps: []step{{text: "a"}, {text: "b"}, {text: "c"}}}
	rel, gate, store := fixture(t, client, Config{})
	lease := admit(t, gate)

	stream := rel.Run(context.Background(), lease, "m", nil, upstream.Params{})
	text, err := Collect(stream)
	tester.NoErr(t, err)
	tester.Eq(t, text, "abc")
	waitReleases(t, store, 1)
}

func TestClassify_Taxonomy(t *testing.T) {
	tester.ErrIs(t, classify(context.Canceled), ErrCancelled)
	tester.ErrIs(t, classify(context.DeadlineExceeded), ErrTimeout)
	tester.ErrIs(t, classify(upstream.ErrRejected), upstream.ErrRejected)
	tester.ErrIs(t, classify(errors.New("weird transport glitch")), upstream.ErrUnavailable)
	tester.Eq(t, classify(nil), nil)
}
