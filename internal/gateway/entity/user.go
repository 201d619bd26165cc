package entity

import (
	"strings"
	"time"
)

// UserID is the canonical user identifier: a lower-cased, trimmed email.
type UserID string

func NormalizeUserID(raw string) UserID {
	return UserID(strings.ToLower(strings.TrimSpace(raw)))
}

func (id UserID) String() string { return string(id) }

func (id UserID) IsZero() bool { return string(id) == "" }

// UserRecord is one ledger row per user. RequestsUsed and ActiveStreams are
// mutated only through the ledger's atomic operations; everything else is
// owned by the registration endpoints.
type UserRecord struct {
	Email          UserID    `json:"email"`
	Alias          string    `json:"alias,omitempty"`
	RequestLimit   int       `json:"request_limit"`
	RequestsUsed   int       `json:"requests_used"`
	ConcurrencyCap int       `json:"concurrency_cap"`
	ActiveStreams  int       `json:"active_streams"`
	Blocked        bool      `json:"blocked"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// QuotaExhausted reports whether another admission would exceed the limit.
func (u UserRecord) QuotaExhausted() bool {
	return u.RequestsUsed >= u.RequestLimit
}

// AtConcurrencyCap reports whether another in-flight relay would exceed the cap.
func (u UserRecord) AtConcurrencyCap() bool {
	return u.ActiveStreams >= u.ConcurrencyCap
}
