package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"modelgate/internal/gateway/entity"
)

const usageRingSize = 1024

// MemoryStore keeps the ledger in process memory with a per-record critical
// section. Used for local runs and tests; the admission contract is identical
// to the durable backends.
type MemoryStore struct {
	defaults Defaults

	mu   sync.RWMutex
	byID map[entity.UserID]*memoryRecord

	usageMu sync.Mutex
	usage   []UsageEvent
}

type memoryRecord struct {
	mu  sync.Mutex
	rec entity.UserRecord
}

func NewMemoryStore(defaults Defaults) *MemoryStore {
	return &MemoryStore{
		defaults: defaults,
		byID:     make(map[entity.UserID]*memoryRecord),
	}
}

func (s *MemoryStore) lookup(id entity.UserID) (*memoryRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	return r, ok
}

func (s *MemoryStore) Get(_ context.Context, id entity.UserID) (entity.UserRecord, error) {
	r, ok := s.lookup(id)
	if !ok {
		return entity.UserRecord{}, ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec, nil
}

func (s *MemoryStore) TryAdmit(_ context.Context, id entity.UserID, now time.Time) (entity.UserRecord, error) {
	r, ok := s.lookup(id)
	if !ok {
		return entity.UserRecord{}, &DenialError{Reason: ReasonNotRegistered}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.rec.Blocked:
		return entity.UserRecord{}, &DenialError{Reason: ReasonBlocked}
	case r.rec.QuotaExhausted():
		return entity.UserRecord{}, &DenialError{Reason: ReasonQuotaExhausted}
	case r.rec.AtConcurrencyCap():
		return entity.UserRecord{}, &DenialError{Reason: ReasonConcurrencyExceeded}
	}
	r.rec.RequestsUsed++
	r.rec.ActiveStreams++
	r.rec.UpdatedAt = now
	s.logUsage(id, UsageReserve, now)
	return r.rec, nil
}

func (s *MemoryStore) Release(_ context.Context, id entity.UserID) error {
	r, ok := s.lookup(id)
	if !ok {
		// Record deleted while a relay was in flight.
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rec.ActiveStreams > 0 {
		r.rec.ActiveStreams--
	}
	now := time.Now().UTC()
	r.rec.UpdatedAt = now
	s.logUsage(id, UsageRelease, now)
	return nil
}

func (s *MemoryStore) Register(_ context.Context, users []UserSpec) (int, error) {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, spec := range users {
		spec = s.defaults.apply(spec)
		if spec.Email.IsZero() {
			continue
		}
		if r, ok := s.byID[spec.Email]; ok {
			r.mu.Lock()
			r.rec.Alias = spec.Alias
			r.rec.RequestLimit = spec.RequestLimit
			r.rec.ConcurrencyCap = spec.ConcurrencyCap
			r.rec.UpdatedAt = now
			r.mu.Unlock()
		} else {
			s.byID[spec.Email] = &memoryRecord{rec: entity.UserRecord{
				Email:          spec.Email,
				Alias:          spec.Alias,
				RequestLimit:   spec.RequestLimit,
				ConcurrencyCap: spec.ConcurrencyCap,
				UpdatedAt:      now,
			}}
		}
		count++
	}
	return count, nil
}

func (s *MemoryStore) Delete(_ context.Context, id entity.UserID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return false, nil
	}
	delete(s.byID, id)
	return true, nil
}

// SetBlocked flips the blocked flag. Test/admin convenience; not part of the
// Store interface because only the registration surface uses it.
func (s *MemoryStore) SetBlocked(id entity.UserID, blocked bool) bool {
	r, ok := s.lookup(id)
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rec.Blocked = blocked
	return true
}

func (s *MemoryStore) Close() error { return nil }

// UsageLog returns a snapshot of the retained usage events, newest last.
func (s *MemoryStore) UsageLog() []UsageEvent {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()
	out := make([]UsageEvent, len(s.usage))
	copy(out, s.usage)
	return out
}

func (s *MemoryStore) logUsage(id entity.UserID, action UsageAction, at time.Time) {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()
	s.usage = append(s.usage, UsageEvent{
		ID:     uuid.NewString(),
		Email:  id,
		Action: action,
		At:     at,
	})
	if len(s.usage) > usageRingSize {
		s.usage = s.usage[len(s.usage)-usageRingSize:]
	}
}
