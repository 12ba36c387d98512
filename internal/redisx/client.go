package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const inFlight = ""

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

// Store groups the key conventions used by the API and the tracker.
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// ClaimIdempotency reserves key for a new order. When the key was already
// claimed it returns the order id recorded for it, which is empty while the
// first request is still running.
func (s *Store) ClaimIdempotency(ctx context.Context, key string) (orderID string, claimed bool, err error) {
	k := fmt.Sprintf(KeyIdemOrderCreate, key)
	ok, err := s.rdb.SetNX(ctx, k, inFlight, TTLIdemInFlight).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis setnx: %w", err)
	}
	if ok {
		return "", true, nil
	}
	id, err := s.rdb.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// expired between the two calls
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return id, false, nil
}

func (s *Store) CompleteIdempotency(ctx context.Context, key, orderID string) error {
	return s.rdb.Set(ctx, fmt.Sprintf(KeyIdemOrderCreate, key), orderID, TTLIdempotency).Err()
}

// ReleaseIdempotency frees a claim whose order was not created, so the
// client may retry with the same key.
func (s *Store) ReleaseIdempotency(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, fmt.Sprintf(KeyIdemOrderCreate, key)).Err()
}

type StatusEntry struct {
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// setNewerStatus writes the entry unless the stored one carries a later
// timestamp. Comparison and write run as one script so concurrent writers
// cannot interleave between them.
var setNewerStatus = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ts')
if cur and tonumber(cur) > tonumber(ARGV[3]) then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updated_at', ARGV[2], 'ts', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// SetOrderStatus keeps the newest entry: an older event arriving late does
// not overwrite a fresher status.
func (s *Store) SetOrderStatus(ctx context.Context, orderID string, e StatusEntry) error {
	err := setNewerStatus.Run(ctx, s.rdb, []string{fmt.Sprintf(KeyOrderStatus, orderID)},
		e.Status,
		e.UpdatedAt.UTC().Format(time.RFC3339Nano),
		e.UpdatedAt.UnixMicro(),
		TTLStatusCache.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("redis set status: %w", err)
	}
	return nil
}

func (s *Store) OrderStatus(ctx context.Context, orderID string) (StatusEntry, bool, error) {
	fields, err := s.rdb.HGetAll(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Result()
	if err != nil {
		return StatusEntry{}, false, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		return StatusEntry{}, false, nil
	}
	at, err := time.Parse(time.RFC3339Nano, fields["updated_at"])
	if err != nil {
		return StatusEntry{}, false, fmt.Errorf("decode status entry: %w", err)
	}
	return StatusEntry{Status: fields["status"], UpdatedAt: at}, true, nil
}

func (s *Store) DropOrderStatus(ctx context.Context, orderID string) error {
	return s.rdb.Del(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Err()
}

// MarkSeen records eventID for service and reports whether this was the
// first time it was seen.
func (s *Store) MarkSeen(ctx context.Context, service, eventID string) (bool, error) {
	first, err := s.rdb.SetNX(ctx, fmt.Sprintf(KeyDedup, service, eventID), "1", TTLDedup).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return first, nil
}

// ForgetSeen undoes MarkSeen when processing failed and the event will be
// redelivered.
func (s *Store) ForgetSeen(ctx context.Context, service, eventID string) error {
	return s.rdb.Del(ctx, fmt.Sprintf(KeyDedup, service, eventID)).Err()
}
