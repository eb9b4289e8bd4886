// Package redisstore implements storage.Store on Redis.
//
// Each record is a JSON string under <prefix>:event:<fingerprint>, created
// only when absent. Pending retries are indexed in the sorted set <prefix>:retry
// (score: next attempt, unix milliseconds), records still awaiting their
// first outcome in <prefix>:received (score: last update) and finished
// records in <prefix>:finished (score: receipt time) for retention cleanup.
// A record and its first index entry are written by a single Lua script.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/overtonx/inbox/storage"
)

const defaultPrefix = "inbox"

type Option func(*Store)

func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

type Store struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: defaultPrefix,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) eventKey(fingerprint string) string {
	return s.prefix + ":event:" + fingerprint
}

func (s *Store) retryKey() string    { return s.prefix + ":retry" }
func (s *Store) finishedKey() string { return s.prefix + ":finished" }
func (s *Store) receivedKey() string { return s.prefix + ":received" }

func (s *Store) Get(ctx context.Context, fingerprint string) (storage.EventRecord, error) {
	raw, err := s.client.Get(ctx, s.eventKey(fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return storage.EventRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.EventRecord{}, fmt.Errorf("get inbox event: %w", err)
	}
	return decode(raw)
}

// insertScript creates the record and its index entry in one step. The
// index is written first so a failing ZADD aborts the script before the
// record exists; Redis does not roll back writes made earlier in a script.
var insertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
if #KEYS > 1 then
  redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
end
redis.call('SET', KEYS[1], ARGV[1])
return 1
`)

func (s *Store) InsertIfAbsent(ctx context.Context, record storage.EventRecord) (bool, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("encode inbox event: %w", err)
	}

	keys := []string{s.eventKey(record.Fingerprint)}
	args := []interface{}{raw}
	if indexKey, score, ok := s.insertIndex(record); ok {
		keys = append(keys, indexKey)
		args = append(args, strconv.FormatInt(score, 10), record.Fingerprint)
	}

	inserted, err := insertScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return false, fmt.Errorf("insert inbox event: %w", err)
	}
	return inserted == 1, nil
}

// insertIndex picks the sorted set a new record belongs to.
func (s *Store) insertIndex(rec storage.EventRecord) (string, int64, bool) {
	switch {
	case rec.Status == storage.StatusReceived:
		return s.receivedKey(), rec.UpdatedAt.UnixMilli(), true
	case rec.Status == storage.StatusPendingRetry && rec.NextAttemptAt != nil:
		return s.retryKey(), rec.NextAttemptAt.UnixMilli(), true
	case rec.Status == storage.StatusProcessed || rec.Status == storage.StatusRejected:
		return s.finishedKey(), rec.ReceivedAt.UnixMilli(), true
	}
	return "", 0, false
}

func (s *Store) CompareAndSwap(ctx context.Context, expected storage.Version, next storage.EventRecord) (bool, error) {
	raw, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("encode inbox event: %w", err)
	}
	key := s.eventKey(next.Fingerprint)
	swapped := false

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		currentRaw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		current, err := decode(currentRaw)
		if err != nil {
			return err
		}
		if current.Version() != expected {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			return s.index(ctx, pipe, next)
		})
		if err != nil {
			return err
		}
		swapped = true
		return nil
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		s.logger.Debug("Inbox event changed during swap", zap.String("fingerprint", next.Fingerprint))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("update inbox event: %w", err)
	}
	return swapped, nil
}

func (s *Store) FetchDueForRetry(ctx context.Context, now time.Time, batchSize int) ([]string, error) {
	fingerprints, err := s.client.ZRangeByScore(ctx, s.retryKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(batchSize),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("query due events: %w", err)
	}
	return fingerprints, nil
}

func (s *Store) FetchStale(ctx context.Context, updatedBefore time.Time, batchSize int) ([]string, error) {
	fingerprints, err := s.client.ZRangeByScore(ctx, s.receivedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(updatedBefore.UnixMilli(), 10),
		Count: int64(batchSize),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("query stale events: %w", err)
	}
	return fingerprints, nil
}

func (s *Store) DeleteFinished(ctx context.Context, before time.Time) (int64, error) {
	fingerprints, err := s.client.ZRangeByScore(ctx, s.finishedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("query finished events: %w", err)
	}
	if len(fingerprints) == 0 {
		return 0, nil
	}

	keys := make([]string, len(fingerprints))
	members := make([]interface{}, len(fingerprints))
	for i, fp := range fingerprints {
		keys[i] = s.eventKey(fp)
		members[i] = fp
	}

	var deleted *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, s.finishedKey(), members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete finished events: %w", err)
	}
	return deleted.Val(), nil
}

// EnsureTables is a no-op: Redis keys need no schema.
func (s *Store) EnsureTables(context.Context) error { return nil }

// index keeps the sorted sets in line with the record status.
func (s *Store) index(ctx context.Context, c redis.Cmdable, rec storage.EventRecord) error {
	if rec.Status != storage.StatusReceived {
		if err := c.ZRem(ctx, s.receivedKey(), rec.Fingerprint).Err(); err != nil {
			return err
		}
	}
	switch {
	case rec.Status == storage.StatusReceived:
		return c.ZAdd(ctx, s.receivedKey(), redis.Z{
			Score:  float64(rec.UpdatedAt.UnixMilli()),
			Member: rec.Fingerprint,
		}).Err()
	case rec.Status == storage.StatusPendingRetry && rec.NextAttemptAt != nil:
		return c.ZAdd(ctx, s.retryKey(), redis.Z{
			Score:  float64(rec.NextAttemptAt.UnixMilli()),
			Member: rec.Fingerprint,
		}).Err()
	case rec.Status == storage.StatusProcessed || rec.Status == storage.StatusRejected:
		if err := c.ZRem(ctx, s.retryKey(), rec.Fingerprint).Err(); err != nil {
			return err
		}
		return c.ZAdd(ctx, s.finishedKey(), redis.Z{
			Score:  float64(rec.ReceivedAt.UnixMilli()),
			Member: rec.Fingerprint,
		}).Err()
	default:
		return c.ZRem(ctx, s.retryKey(), rec.Fingerprint).Err()
	}
}

func decode(raw []byte) (storage.EventRecord, error) {
	var rec storage.EventRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return storage.EventRecord{}, fmt.Errorf("decode inbox event: %w", err)
	}
	return rec, nil
}
