package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"modelgate/internal/gateway/entity"
)

// admitRetries bounds the optimistic-transaction retry budget. Exceeding it
// surfaces as an internal fault, never as a denial.
const admitRetries = 16

const usageLogKey = "modelgate:usage"
const usageLogCap = 4096

// ErrConflict is returned when an optimistic transaction kept colliding past
// its retry budget.
var ErrConflict = errors.New("ledger transaction conflict")

// RedisStore backs the ledger with one JSON value per user and WATCH-based
// compare-and-swap transactions, the optimistic-retry flavor of the per-key
// linearizability contract.
type RedisStore struct {
	rdb      *redis.Client
	prefix   string
	defaults Defaults
}

func NewRedisStore(rdb *redis.Client, defaults Defaults) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: "modelgate:user:", defaults: defaults}
}

func (s *RedisStore) key(id entity.UserID) string { return s.prefix + id.String() }

func (s *RedisStore) Get(ctx context.Context, id entity.UserID) (entity.UserRecord, error) {
	raw, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return entity.UserRecord{}, ErrNotFound
	}
	if err != nil {
		return entity.UserRecord{}, err
	}
	var rec entity.UserRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return entity.UserRecord{}, err
	}
	return rec, nil
}

func (s *RedisStore) TryAdmit(ctx context.Context, id entity.UserID, now time.Time) (entity.UserRecord, error) {
	key := s.key(id)
	var admitted entity.UserRecord

	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return &DenialError{Reason: ReasonNotRegistered}
		}
		if err != nil {
			return err
		}
		var rec entity.UserRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		switch {
		case rec.Blocked:
			return &DenialError{Reason: ReasonBlocked}
		case rec.QuotaExhausted():
			return &DenialError{Reason: ReasonQuotaExhausted}
		case rec.AtConcurrencyCap():
			return &DenialError{Reason: ReasonConcurrencyExceeded}
		}
		rec.RequestsUsed++
		rec.ActiveStreams++
		rec.UpdatedAt = now.UTC()
		buf, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, buf, 0)
			appendUsage(ctx, pipe, id, UsageReserve, rec.UpdatedAt)
			return nil
		})
		if err != nil {
			return err
		}
		admitted = rec
		return nil
	}

	for i := 0; i < admitRetries; i++ {
		err := s.rdb.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return entity.UserRecord{}, err
		}
		return admitted, nil
	}
	return entity.UserRecord{}, ErrConflict
}

func (s *RedisStore) Release(ctx context.Context, id entity.UserID) error {
	key := s.key(id)

	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			// Deleted mid-flight; nothing to release.
			return nil
		}
		if err != nil {
			return err
		}
		var rec entity.UserRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if rec.ActiveStreams > 0 {
			rec.ActiveStreams--
		}
		rec.UpdatedAt = time.Now().UTC()
		buf, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, buf, 0)
			appendUsage(ctx, pipe, id, UsageRelease, rec.UpdatedAt)
			return nil
		})
		return err
	}

	for i := 0; i < admitRetries; i++ {
		err := s.rdb.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflict
}

func (s *RedisStore) Register(ctx context.Context, users []UserSpec) (int, error) {
	now := time.Now().UTC()
	count := 0
	for _, spec := range users {
		spec = s.defaults.apply(spec)
		if spec.Email.IsZero() {
			continue
		}
		key := s.key(spec.Email)

		txn := func(tx *redis.Tx) error {
			rec := entity.UserRecord{
				Email:          spec.Email,
				Alias:          spec.Alias,
				RequestLimit:   spec.RequestLimit,
				ConcurrencyCap: spec.ConcurrencyCap,
				UpdatedAt:      now,
			}
			raw, err := tx.Get(ctx, key).Bytes()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if err == nil {
				// Existing counters survive re-registration.
				var cur entity.UserRecord
				if err := json.Unmarshal(raw, &cur); err == nil {
					rec.RequestsUsed = cur.RequestsUsed
					rec.ActiveStreams = cur.ActiveStreams
					rec.Blocked = cur.Blocked
				}
			}
			buf, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, buf, 0)
				return nil
			})
			return err
		}

		var err error
		for i := 0; i < admitRetries; i++ {
			err = s.rdb.Watch(ctx, txn, key)
			if !errors.Is(err, redis.TxFailedErr) {
				break
			}
		}
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (s *RedisStore) Delete(ctx context.Context, id entity.UserID) (bool, error) {
	n, err := s.rdb.Del(ctx, s.key(id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

func appendUsage(ctx context.Context, pipe redis.Pipeliner, id entity.UserID, action UsageAction, at time.Time) {
	buf, err := json.Marshal(UsageEvent{
		ID:     uuid.NewString(),
		Email:  id,
		Action: action,
		At:     at,
	})
	if err != nil {
		return
	}
	pipe.LPush(ctx, usageLogKey, buf)
	pipe.LTrim(ctx, usageLogKey, 0, usageLogCap-1)
}
