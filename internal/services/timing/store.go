// Package timing implements the duration oracle: an exponential moving
// average per unit ID kept in its own Redis hash, with a JSON file and a
// constant as degradation fallbacks.
package timing

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/bobmcallan/ciqueue/internal/common"
)

// Smoothing factors. The EMA is asymmetric: a slower-than-estimate sample
// moves the estimate quickly, a faster one barely at all, so estimates trend
// toward worst case: the safer direction for deadline budgeting.
const (
	alphaFast = 0.2
	alphaSlow = 0.01
)

// updateScript applies the asymmetric EMA server-side for a batch of
// (id, duration_ms) pairs in one round trip.
//
// KEYS: timing hash
// ARGV: alpha_fast, alpha_slow, id1, duration1, id2, duration2, ...
var updateScript = redis.NewScript(`
local fast = tonumber(ARGV[1])
local slow = tonumber(ARGV[2])
local updated = 0
for i = 3, #ARGV, 2 do
	local id = ARGV[i]
	local duration = tonumber(ARGV[i + 1])
	local current = tonumber(redis.call('hget', KEYS[1], id))
	local value
	if not current then
		value = duration
	elseif duration >= current then
		value = fast * duration + (1 - fast) * current
	else
		value = slow * duration + (1 - slow) * current
	end
	redis.call('hset', KEYS[1], id, value)
	updated = updated + 1
end
return updated
`)

// Store is the EMA oracle backed by a Redis hash.
type Store struct {
	rdb    *redis.Client
	key    string
	logger *common.Logger
}

// NewStore creates the timing store handle.
func NewStore(rdb *redis.Client, key string, logger *common.Logger) *Store {
	return &Store{rdb: rdb, key: key, logger: logger}
}

// Update folds one observed duration (ms) into the unit's EMA.
func (s *Store) Update(ctx context.Context, id string, durationMS float64) error {
	return s.RecordBatch(ctx, map[string]float64{id: durationMS})
}

// RecordBatch folds a batch of observed durations in a single script call.
// Implements interfaces.TimingRecorder.
func (s *Store) RecordBatch(ctx context.Context, durations map[string]float64) error {
	if len(durations) == 0 {
		return nil
	}

	args := make([]interface{}, 0, 2+2*len(durations))
	args = append(args, strconv.FormatFloat(alphaFast, 'f', -1, 64), strconv.FormatFloat(alphaSlow, 'f', -1, 64))
	for id, d := range durations {
		args = append(args, id, strconv.FormatFloat(d, 'f', -1, 64))
	}

	if err := updateScript.Run(ctx, s.rdb, []string{s.key}, args...).Err(); err != nil {
		return fmt.Errorf("timing update failed: %w", err)
	}
	return nil
}

// LoadAll reads the complete oracle with an incremental cursor scan.
func (s *Store) LoadAll(ctx context.Context, count int64) (map[string]float64, error) {
	if count <= 0 {
		count = 1000
	}

	durations := make(map[string]float64)
	var cursor uint64
	for {
		pairs, next, err := s.rdb.HScan(ctx, s.key, cursor, "*", count).Result()
		if err != nil {
			return nil, fmt.Errorf("timing scan failed: %w", err)
		}
		for i := 0; i+1 < len(pairs); i += 2 {
			value, err := strconv.ParseFloat(pairs[i+1], 64)
			if err != nil {
				s.logger.Warn().Str("id", pairs[i]).Str("value", pairs[i+1]).Msg("Skipping corrupt timing entry")
				continue
			}
			durations[pairs[i]] = value
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return durations, nil
}

// Size returns the number of units the oracle knows.
func (s *Store) Size(ctx context.Context) (int64, error) {
	n, err := s.rdb.HLen(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("timing size failed: %w", err)
	}
	return n, nil
}

// Exists reports whether the oracle holds any data at all.
func (s *Store) Exists(ctx context.Context) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.key).Result()
	if err != nil {
		return false, fmt.Errorf("timing existence check failed: %w", err)
	}
	return n == 1, nil
}

// LoadFile reads a JSON {id: duration_ms} timing file.
func LoadFile(path string) (map[string]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read timing file %s: %w", path, err)
	}
	var durations map[string]float64
	if err := json.Unmarshal(data, &durations); err != nil {
		return nil, fmt.Errorf("failed to parse timing file %s: %w", path, err)
	}
	return durations, nil
}
