package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// keyPrefix namespaces ledger records in the shared Redis keyspace.
const keyPrefix = "rezgate:ledger:"

// casRetries bounds optimistic-concurrency retries when the record is
// modified between read and write.
const casRetries = 8

// ErrConflict is returned when a compare-and-set update keeps losing the
// race after its retry budget.
var ErrConflict = errors.New("ledger: update conflict, retries exhausted")

// RecordStore persists daily spend records. Update applies fn atomically:
// concurrent writers never clobber each other, they re-read and re-apply.
type RecordStore interface {
	// Get loads a record. A missing record returns (nil, nil).
	Get(ctx context.Context, id string) (*Record, error)

	// Update atomically transforms the record identified by id. fn
	// receives nil when no record exists and returns the record to
	// persist; returning an error aborts without writing.
	Update(ctx context.Context, id string, fn func(*Record) (*Record, error)) (*Record, error)
}

// RedisRecordStore is the Redis-backed store. Updates use WATCH/MULTI so
// a record changed mid-transaction fails the EXEC and the transform is
// re-applied against the fresh value.
type RedisRecordStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisRecordStore wraps an existing client.
func NewRedisRecordStore(client *redis.Client, logger *zap.Logger) *RedisRecordStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRecordStore{
		client: client,
		logger: logger.With(zap.String("component", "ledger_store")),
	}
}

func recordKey(id string) string {
	return keyPrefix + id
}

func decodeRecord(raw string) (*Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode ledger record: %w", err)
	}
	return &rec, nil
}

// Get implements RecordStore.
func (s *RedisRecordStore) Get(ctx context.Context, id string) (*Record, error) {
	raw, err := s.client.Get(ctx, recordKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load ledger record: %w", err)
	}
	return decodeRecord(raw)
}

// Update implements RecordStore using WATCH/MULTI compare-and-set.
func (s *RedisRecordStore) Update(ctx context.Context, id string, fn func(*Record) (*Record, error)) (*Record, error) {
	key := recordKey(id)
	var result *Record

	txn := func(tx *redis.Tx) error {
		var current *Record
		raw, err := tx.Get(ctx, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			current = nil
		case err != nil:
			return fmt.Errorf("load ledger record: %w", err)
		default:
			current, err = decodeRecord(raw)
			if err != nil {
				return err
			}
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			// Transform declined to write; keep the value we read.
			result = current
			return nil
		}

		payload, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode ledger record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		if err != nil {
			return err
		}
		result = next
		return nil
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			s.logger.Debug("ledger record changed mid-update, retrying",
				zap.String("id", id),
				zap.Int("attempt", attempt+1),
			)
			continue
		}
		return nil, err
	}
	return nil, ErrConflict
}
