package redisstore

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	kerrors "github.com/jrsteele09/go-session-keeper/internal/errors"
	"github.com/jrsteele09/go-session-keeper/store"
)

// Store implements store.Store on Redis. Schedule indexes are sorted sets
// scored by unix seconds; outcome windows are capped lists.
type Store struct {
	client redis.UniversalClient
}

var _ store.Store = (*Store)(nil)

// New wraps an existing Redis client.
func New(client redis.UniversalClient) (*Store, error) {
	if client == nil {
		return nil, errors.New("[redisstore.New] client is required")
	}
	return &Store{client: client}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, kerrors.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "[redisstore.Get]")
	}
	return val, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return errors.Wrap(err, "[redisstore.Set]")
	}
	return nil
}

func (s *Store) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "[redisstore.SetIfAbsent]")
	}
	return ok, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return errors.Wrap(err, "[redisstore.Delete]")
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, errors.Wrap(err, "[redisstore.Exists]")
	}
	return n > 0, nil
}

func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, errors.Wrap(err, "[redisstore.Incr]")
	}
	if n == 1 && ttl > 0 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return n, errors.Wrap(err, "[redisstore.Incr] expire")
		}
	}
	return n, nil
}

func (s *Store) ScheduleUpsert(ctx context.Context, set, member string, at time.Time) error {
	err := s.client.ZAdd(ctx, set, redis.Z{
		Score:  unixScore(at),
		Member: member,
	}).Err()
	if err != nil {
		return errors.Wrap(err, "[redisstore.ScheduleUpsert]")
	}
	return nil
}

func (s *Store) ScheduleDefer(ctx context.Context, set, member string, delta time.Duration) error {
	// XX: never create an entry at epoch+delta for a member that was pruned.
	err := s.client.ZAddArgsIncr(ctx, set, redis.ZAddArgs{
		XX:      true,
		Members: []redis.Z{{Score: delta.Seconds(), Member: member}},
	}).Err()
	if err != nil && err != redis.Nil {
		return errors.Wrap(err, "[redisstore.ScheduleDefer]")
	}
	return nil
}

func (s *Store) ScheduleDue(ctx context.Context, set string, now time.Time, limit int64) ([]store.ScheduleEntry, error) {
	rangeBy := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(unixScore(now), 'f', -1, 64),
	}
	if limit > 0 {
		rangeBy.Count = limit
	}
	zs, err := s.client.ZRangeByScoreWithScores(ctx, set, rangeBy).Result()
	if err != nil {
		return nil, errors.Wrap(err, "[redisstore.ScheduleDue]")
	}
	entries := make([]store.ScheduleEntry, 0, len(zs))
	for _, z := range zs {
		entries = append(entries, zToEntry(z))
	}
	return entries, nil
}

func (s *Store) ScheduleEarliest(ctx context.Context, set string) (*store.ScheduleEntry, error) {
	zs, err := s.client.ZRangeWithScores(ctx, set, 0, 0).Result()
	if err != nil {
		return nil, errors.Wrap(err, "[redisstore.ScheduleEarliest]")
	}
	if len(zs) == 0 {
		return nil, nil
	}
	entry := zToEntry(zs[0])
	return &entry, nil
}

func (s *Store) ScheduleRemove(ctx context.Context, set, member string) error {
	if err := s.client.ZRem(ctx, set, member).Err(); err != nil {
		return errors.Wrap(err, "[redisstore.ScheduleRemove]")
	}
	return nil
}

func (s *Store) WindowPush(ctx context.Context, key string, success bool, maxLen int64) error {
	val := "0"
	if success {
		val = "1"
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, val)
	pipe.LTrim(ctx, key, 0, maxLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "[redisstore.WindowPush]")
	}
	return nil
}

func (s *Store) WindowSnapshot(ctx context.Context, key string) ([]bool, error) {
	vals, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "[redisstore.WindowSnapshot]")
	}
	outcomes := make([]bool, 0, len(vals))
	for _, v := range vals {
		outcomes = append(outcomes, v == "1")
	}
	return outcomes, nil
}

func unixScore(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000.0
}

func zToEntry(z redis.Z) store.ScheduleEntry {
	member, _ := z.Member.(string)
	return store.ScheduleEntry{
		Member: member,
		At:     time.UnixMilli(int64(z.Score * 1000.0)).UTC(),
	}
}
