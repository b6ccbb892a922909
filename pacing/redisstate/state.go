// Package redisstate keeps a pacing gate's shared cells in Redis so that
// several processes protecting the same resource pace against one virtual
// issue clock.
//
// Reservations and rollbacks map to INCRBY, the fast-path reset to SET, and
// the rate compare-and-swap to a small Lua script, so every operation stays
// atomic on the server without client-side locking.
package redisstate

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/lym-ifae/Sentinel/pacing"
	"github.com/redis/go-redis/v9"
)

// casRate swaps the rate only if it still holds the expected encoding.
var casRate = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2])
	return 1
end
return 0
`)

// State implements [pacing.State] on a Redis server.
type State struct {
	rdb         redis.UniversalClient
	rateKey     string
	lastKey     string
	initialRate float64
}

var _ pacing.State = (*State)(nil)

// New returns a State storing its cells under "<key>:rate" and "<key>:last".
// The rate cell is seeded with initialRate on first use.
func New(rdb redis.UniversalClient, key string, initialRate float64) *State {
	return &State{
		rdb:         rdb,
		rateKey:     key + ":rate",
		lastKey:     key + ":last",
		initialRate: initialRate,
	}
}

// encode gives every float a single canonical string so the Lua comparison
// is exact.
func encode(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func (s *State) Rate(ctx context.Context) (float64, error) {
	raw, err := s.rdb.Get(ctx, s.rateKey).Result()
	if errors.Is(err, redis.Nil) {
		if err := s.rdb.SetNX(ctx, s.rateKey, encode(s.initialRate), 0).Err(); err != nil {
			return 0, fmt.Errorf("redisstate: seed rate: %w", err)
		}
		raw, err = s.rdb.Get(ctx, s.rateKey).Result()
	}
	if err != nil {
		return 0, fmt.Errorf("redisstate: get rate: %w", err)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("redisstate: parse rate %q: %w", raw, err)
	}
	return v, nil
}

func (s *State) CompareAndSwapRate(ctx context.Context, old, next float64) (bool, error) {
	n, err := casRate.Run(ctx, s.rdb, []string{s.rateKey}, encode(old), encode(next)).Int()
	if err != nil {
		return false, fmt.Errorf("redisstate: swap rate: %w", err)
	}
	return n == 1, nil
}

func (s *State) LastIssue(ctx context.Context) (int64, error) {
	v, err := s.rdb.Get(ctx, s.lastKey).Int64()
	if errors.Is(err, redis.Nil) {
		return pacing.NoIssue, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redisstate: get last issue: %w", err)
	}
	return v, nil
}

func (s *State) StoreLastIssue(ctx context.Context, ms int64) error {
	if err := s.rdb.Set(ctx, s.lastKey, ms, 0).Err(); err != nil {
		return fmt.Errorf("redisstate: set last issue: %w", err)
	}
	return nil
}

func (s *State) AddLastIssue(ctx context.Context, delta int64) (int64, error) {
	v, err := s.rdb.IncrBy(ctx, s.lastKey, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("redisstate: add last issue: %w", err)
	}
	return v, nil
}

// Reset deletes both cells.
func (s *State) Reset(ctx context.Context) error {
	return s.rdb.Del(ctx, s.rateKey, s.lastKey).Err()
}
