// Package ledger is the durable per-user admission ledger. All quota and
// concurrency accounting goes through TryAdmit/Release; callers never
// read-modify-write a record themselves.
package ledger

import (
	"context"
	"errors"
	"time"

	"modelgate/internal/gateway/entity"
)

// ErrNotFound is returned by Get when no record exists for the identifier.
var ErrNotFound = errors.New("user not found")

// Reason is a machine-readable denial reason, stable on the wire.
type Reason string

const (
	ReasonNotRegistered       Reason = "user_not_registered"
	ReasonBlocked             Reason = "user_blocked"
	ReasonQuotaExhausted      Reason = "quota_exhausted"
	ReasonConcurrencyExceeded Reason = "concurrency_exceeded"
)

// DenialError is returned by TryAdmit when admission is refused. No mutation
// has happened when a DenialError comes back.
type DenialError struct {
	Reason Reason
}

func (e *DenialError) Error() string { return string(e.Reason) }

// Denied extracts the denial reason from an error, if any.
func Denied(err error) (Reason, bool) {
	var d *DenialError
	if errors.As(err, &d) {
		return d.Reason, true
	}
	return "", false
}

// UserSpec is the registration input for one user. Zero Limit/ConcurrencyCap
// mean "use the store defaults".
type UserSpec struct {
	Email          entity.UserID
	Alias          string
	RequestLimit   int
	ConcurrencyCap int
}

// UsageAction tags one usage-log event.
type UsageAction string

const (
	UsageReserve UsageAction = "reserve"
	UsageRelease UsageAction = "release"
)

// UsageEvent is one append-only usage-log entry.
type UsageEvent struct {
	ID     string        `json:"id"`
	Email  entity.UserID `json:"email"`
	Action UsageAction   `json:"action"`
	At     time.Time     `json:"ts"`
}

// Store is a durable key-value ledger keyed by canonical user identifier.
//
// TryAdmit and Release must be linearizable per identifier: concurrent calls
// for the same user never let requests_used exceed request_limit or
// active_streams exceed concurrency_cap. Calls for different identifiers must
// not block each other.
type Store interface {
	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, id entity.UserID) (entity.UserRecord, error)

	// TryAdmit runs the single atomic admission transaction. Check order is
	// fixed: not-registered, blocked, quota, concurrency. On success both
	// requests_used and active_streams are incremented and the
	// post-transaction record is returned. On denial it returns *DenialError
	// and mutates nothing.
	TryAdmit(ctx context.Context, id entity.UserID, now time.Time) (entity.UserRecord, error)

	// Release decrements active_streams, floored at zero. Releasing a deleted
	// record is a no-op, not an error.
	Release(ctx context.Context, id entity.UserID) error

	// Register upserts the given users and returns how many were written.
	Register(ctx context.Context, users []UserSpec) (int, error)

	// Delete removes a record; reports whether it existed.
	Delete(ctx context.Context, id entity.UserID) (bool, error)

	Close() error
}

// Defaults applied by backends when a UserSpec leaves fields zero.
type Defaults struct {
	RequestLimit   int
	ConcurrencyCap int
}

func (d Defaults) apply(spec UserSpec) UserSpec {
	if spec.RequestLimit <= 0 {
		spec.RequestLimit = d.RequestLimit
	}
	if spec.ConcurrencyCap <= 0 {
		spec.ConcurrencyCap = d.ConcurrencyCap
	}
	return spec
}
