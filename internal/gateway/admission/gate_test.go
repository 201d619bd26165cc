package admission

import (
	"context"
	"sync"
	"testing"
	"time"

	"modelgate/internal/gateway/auth"
	"modelgate/internal/gateway/entity"
	"modelgate/internal/gateway/repository/ledger"
	"modelgate/internal/tester"
)

// countingStore instruments admit/release call counts around a MemoryStore.
type countingStore struct {
	*ledger.MemoryStore

	mu       sync.Mutex
	admits   int
	releases int
}

func (c *countingStore) TryAdmit(ctx context.Context, id entity.UserID, now time.Time) (entity.UserRecord, error) {
	c.mu.Lock()
	c.admits++
	c.mu.Unlock()
	return c.MemoryStore.TryAdmit(ctx, id, now)
}

func (c *countingStore) Release(ctx context.Context, id entity.UserID) error {
	c.mu.Lock()
	c.releases++
	c.mu.Unlock()
	return c.MemoryStore.Release(ctx, id)
}

func (c *countingStore) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.admits, c.releases
}

func newGateFixture(t *testing.T, users ...ledger.UserSpec) (*Gate, *countingStore, auth.Issuer) {
	t.Helper()
	store := &countingStore{MemoryStore: ledger.NewMemoryStore(ledger.Defaults{RequestLimit: 15000, ConcurrencyCap: 1})}
	if len(users) > 0 {
		_, err := store.Register(context.Background(), users)
		tester.NoErr(t, err)
	}
	resolver := auth.Resolver{Secret: "s3cret", AllowIdentifierOnly: true}
	return NewGate(resolver, store), store, auth.Issuer{Secret: "s3cret", TTL: time.Hour}
}

func TestAdmit_SuccessReturnsLiveSnapshot(t *testing.T) {
	gate, _, _ := newGateFixture(t, ledger.UserSpec{Email: "u@example.com", RequestLimit: 3, ConcurrencyCap: 2})

	lease, err := gate.Admit(context.Background(), auth.Credential{FallbackEmail: "u@example.com"})
	tester.NoErr(t, err)
	tester.Eq(t, lease.Email(), entity.UserID("u@example.com"))
	tester.Eq(t, lease.Snapshot().RequestsUsed, 1)
	tester.Eq(t, lease.Snapshot().ActiveStreams, 1)
	tester.False(t, lease.Consumed())
}

func TestAdmit_DenialPerformsNoMutation(t *testing.T) {
	gate, store, _ := newGateFixture(t)

	_, err := gate.Admit(context.Background(), auth.Credential{FallbackEmail: "ghost@example.com"})
	reason, ok := ledger.Denied(err)
	tester.True(t, ok)
	tester.Eq(t, reason, ledger.ReasonNotRegistered)

	_, releases := store.counts()
	tester.Eq(t, releases, 0)
}

func TestAdmit_AuthFailureNeverReachesLedger(t *testing.T) {
	gate, store, _ := newGateFixture(t, ledger.UserSpec{Email: "u@example.com"})

	_, err := gate.Admit(context.Background(), auth.Credential{Authorization: "Bearer junk"})
	tester.ErrIs(t, err, auth.ErrInvalidToken)
	admits, _ := store.counts()
	tester.Eq(t, admits, 0)
}

func TestComplete_ConsumesLeaseExactlyOnce(t *testing.T) {
	gate, store, _ := newGateFixture(t, ledger.UserSpec{Email: "u@example.com", RequestLimit: 5, ConcurrencyCap: 2})
	ctx := context.Background()

	lease, err := gate.Admit(ctx, auth.Credential{FallbackEmail: "u@example.com"})
	tester.NoErr(t, err)

	gate.Complete(ctx, lease)
	gate.Complete(ctx, lease)
	gate.Complete(ctx, lease)

	tester.True(t, lease.Consumed())
	_, releases := store.counts()
	tester.Eq(t, releases, 1, "lease must release exactly once")

	rec, err := store.Get(ctx, "u@example.com")
	tester.NoErr(t, err)
	tester.Eq(t, rec.ActiveStreams, 0)
}

func TestComplete_ConcurrentCallsReleaseOnce(t *testing.T) {
	gate, store, _ := newGateFixture(t, ledger.UserSpec{Email: "u@example.com", RequestLimit: 5, ConcurrencyCap: 2})
	ctx := context.Background()

	lease, err := gate.Admit(ctx, auth.Credential{FallbackEmail: "u@example.com"})
	tester.NoErr(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gate.Complete(ctx, lease)
		}()
	}
	wg.Wait()

	_, releases := store.counts()
	tester.Eq(t, releases, 1)
}

func TestAdmit_StaleCredentialSnapshotDoesNotOverrideLiveRecord(t *testing.T) {
	// Token issued when the limit was generous; the live record has since
	// been tightened and exhausted. Admission must deny on the live record.
	gate, store, issuer := newGateFixture(t, ledger.UserSpec{Email: "u@example.com", RequestLimit: 100, ConcurrencyCap: 5})
	ctx := context.Background()

	token, _, err := issuer.Issue(entity.UserRecord{
		Email:          "u@example.com",
		RequestLimit:   15000,
		ConcurrencyCap: 5,
	}, time.Now())
	tester.NoErr(t, err)

	// Exhaust the live quota out-of-band.
	_, err = store.Register(ctx, []ledger.UserSpec{{Email: "u@example.com", RequestLimit: 1, ConcurrencyCap: 5}})
	tester.NoErr(t, err)
	_, err = store.TryAdmit(ctx, "u@example.com", time.Now())
	tester.NoErr(t, err)
	tester.NoErr(t, store.Release(ctx, "u@example.com"))

	_, err = gate.Admit(ctx, auth.Credential{Authorization: "Bearer " + token})
	reason, ok := ledger.Denied(err)
	tester.True(t, ok, "expected a denial despite the generous token snapshot")
	tester.Eq(t, reason, ledger.ReasonQuotaExhausted)
}
