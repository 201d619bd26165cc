// Package admission couples identity resolution with the ledger's atomic
// debit+reserve decision and hands out consumed-once leases.
package admission

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"modelgate/internal/gateway/auth"
	"modelgate/internal/gateway/entity"
	"modelgate/internal/gateway/repository/ledger"
)

// Lease represents one reserved concurrency slot plus one debited quota unit.
// It is consumed by the first Complete call; later calls are no-ops, so the
// release can never fire twice however many exit paths reach it.
type Lease struct {
	id       string
	email    entity.UserID
	snapshot entity.UserRecord
	gate     *Gate
	done     atomic.Bool
}

func (l *Lease) ID() string { return l.id }

func (l *Lease) Email() entity.UserID { return l.email }

// Snapshot is the post-admission record, for observability only.
func (l *Lease) Snapshot() entity.UserRecord { return l.snapshot }

// Consumed reports whether Complete already ran.
func (l *Lease) Consumed() bool { return l.done.Load() }

// Gate is the admission coordinator. Identity is resolved first, then the
// ledger performs debit+reserve as one transaction; the gate itself never
// partially applies either side.
type Gate struct {
	resolver auth.Resolver
	ledger   ledger.Store
}

func NewGate(resolver auth.Resolver, store ledger.Store) *Gate {
	return &Gate{resolver: resolver, ledger: store}
}

// Admit authenticates the credential and runs the atomic admission
// transaction against the live ledger record. Signed credentials carry limit
// snapshots, but those are hints only; enforcement always re-reads the
// record here.
func (g *Gate) Admit(ctx context.Context, cred auth.Credential) (*Lease, error) {
	identity, err := g.resolver.Resolve(cred)
	if err != nil {
		return nil, err
	}
	return g.AdmitIdentity(ctx, identity)
}

// AdmitIdentity admits an already-resolved identity.
func (g *Gate) AdmitIdentity(ctx context.Context, identity auth.Identity) (*Lease, error) {
	rec, err := g.ledger.TryAdmit(ctx, identity.Email, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return &Lease{
		id:       uuid.NewString(),
		email:    identity.Email,
		snapshot: rec,
		gate:     g,
	}, nil
}

// Complete releases the lease's concurrency slot exactly once. The quota
// debit stands: a unit of quota pays for an attempted request, not a
// successful one.
func (g *Gate) Complete(ctx context.Context, lease *Lease) {
	if lease == nil || lease.gate != g {
		return
	}
	if !lease.done.CompareAndSwap(false, true) {
		return
	}
	if err := g.ledger.Release(ctx, lease.email); err != nil {
		log.Printf("ledger release failed for %s: %v", lease.email, err)
	}
}
