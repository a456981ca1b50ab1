package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key pattern helpers.
//
// Key pattern: tessera:{namespace}:{entity}[:{id}...]

// RunKey returns the Redis key for a run record.
// Pattern: tessera:{namespace}:run:{run_id}
func RunKey(namespace, runID string) string {
	return fmt.Sprintf("tessera:%s:run:%s", namespace, runID)
}

// RunsIndexKey returns the Redis key of the ZSET indexing runs by creation time.
// Pattern: tessera:{namespace}:runs
func RunsIndexKey(namespace string) string {
	return fmt.Sprintf("tessera:%s:runs", namespace)
}

// CheckpointKey returns the Redis key for one checkpoint hash.
// Pattern: tessera:{namespace}:checkpoint:{run_id}:{cycle}
func CheckpointKey(namespace, runID string, cycle int) string {
	return fmt.Sprintf("tessera:%s:checkpoint:%s:%d", namespace, runID, cycle)
}

// CheckpointIndexKey returns the Redis key of the ZSET indexing a run's checkpoints by cycle.
// Pattern: tessera:{namespace}:checkpoints:{run_id}
func CheckpointIndexKey(namespace, runID string) string {
	return fmt.Sprintf("tessera:%s:checkpoints:%s", namespace, runID)
}

// RedisStore implements Store on Redis. Each checkpoint is a hash; a sorted
// set per run indexes checkpoints by cycle.
type RedisStore struct {
	rdb       *redis.Client
	namespace string
}

// NewRedisStore creates a Redis-backed store. The connection is verified in Init.
func NewRedisStore(cfg Config) (*RedisStore, error) {
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "default"
	}

	return &RedisStore{
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}),
		namespace: ns,
	}, nil
}

// Init verifies Redis connectivity.
func (s *RedisStore) Init(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// SaveCheckpoint writes a checkpoint hash and indexes it. The checksum field
// is claimed with HSETNX so a (run, cycle) is written at most once.
func (s *RedisStore) SaveCheckpoint(ctx context.Context, rec *CheckpointRecord) error {
	key := CheckpointKey(s.namespace, rec.RunID, rec.Cycle)

	claimed, err := s.rdb.HSetNX(ctx, key, "checksum", rec.Checksum).Result()
	if err != nil {
		return fmt.Errorf("failed to write checkpoint to Redis: %w", err)
	}
	if !claimed {
		return fmt.Errorf("checkpoint %s@%d: %w", rec.RunID, rec.Cycle, ErrAlreadyExists)
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"run_id", rec.RunID,
		"cycle", rec.Cycle,
		"created_at", rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		"payload", rec.Payload,
	)
	pipe.ZAdd(ctx, CheckpointIndexKey(s.namespace, rec.RunID), redis.Z{
		Score:  float64(rec.Cycle),
		Member: strconv.Itoa(rec.Cycle),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index checkpoint: %w", err)
	}

	return nil
}

// LoadCheckpoint reads one checkpoint; a negative cycle selects the latest.
func (s *RedisStore) LoadCheckpoint(ctx context.Context, runID string, cycle int) (*CheckpointRecord, error) {
	if cycle < 0 {
		members, err := s.rdb.ZRevRange(ctx, CheckpointIndexKey(s.namespace, runID), 0, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read checkpoint index: %w", err)
		}
		if len(members) == 0 {
			return nil, fmt.Errorf("checkpoint %s@latest: %w", runID, ErrNotFound)
		}
		cycle, err = strconv.Atoi(members[0])
		if err != nil {
			return nil, fmt.Errorf("corrupt checkpoint index entry %q: %w", members[0], err)
		}
	}

	hash, err := s.rdb.HGetAll(ctx, CheckpointKey(s.namespace, runID, cycle)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint from Redis: %w", err)
	}
	// HGetAll returns an empty map for non-existent keys
	if len(hash) == 0 {
		return nil, fmt.Errorf("checkpoint %s@%d: %w", runID, cycle, ErrNotFound)
	}

	return hashToCheckpoint(runID, cycle, hash)
}

func hashToCheckpoint(runID string, cycle int, hash map[string]string) (*CheckpointRecord, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, hash["created_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid created_at in checkpoint %s@%d: %w", runID, cycle, err)
	}
	return &CheckpointRecord{
		RunID:     runID,
		Cycle:     cycle,
		CreatedAt: createdAt,
		Checksum:  hash["checksum"],
		Payload:   []byte(hash["payload"]),
	}, nil
}

// ListCheckpoints lists a run's checkpoints in cycle order.
func (s *RedisStore) ListCheckpoints(ctx context.Context, runID string) ([]CheckpointInfo, error) {
	members, err := s.rdb.ZRange(ctx, CheckpointIndexKey(s.namespace, runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	infos := make([]CheckpointInfo, 0, len(members))
	for _, m := range members {
		cycle, err := strconv.Atoi(m)
		if err != nil {
			return nil, fmt.Errorf("corrupt checkpoint index entry %q: %w", m, err)
		}
		rec, err := s.LoadCheckpoint(ctx, runID, cycle)
		if err != nil {
			return nil, err
		}
		infos = append(infos, rec.Info())
	}
	return infos, nil
}

// SaveRun writes a run record as JSON and indexes it by creation time.
func (s *RedisStore) SaveRun(ctx context.Context, run *RunRecord) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, RunKey(s.namespace, run.ID), data, 0)
	pipe.ZAdd(ctx, RunsIndexKey(s.namespace), redis.Z{
		Score:  float64(run.CreatedAt.UnixNano()),
		Member: run.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetRun reads a run record.
func (s *RedisStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	data, err := s.rdb.Get(ctx, RunKey(s.namespace, id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	var run RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", id, err)
	}
	return &run, nil
}

// ListRuns lists runs newest first.
func (s *RedisStore) ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error) {
	ids, err := s.rdb.ZRevRange(ctx, RunsIndexKey(s.namespace), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := make([]*RunRecord, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
