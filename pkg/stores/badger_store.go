package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

// BadgerStore implements Store on an embedded Badger database.
//
// Keys:
//
//	{namespace}/run/{run_id}                  -> RunRecord JSON
//	{namespace}/checkpoint/{run_id}/{cycle}   -> CheckpointRecord JSON (cycle zero-padded)
type BadgerStore struct {
	db        *badger.DB
	path      string
	namespace string
	logger    zerolog.Logger
}

// badgerLogger adapts zerolog to Badger's Logger interface.
type badgerLogger struct {
	logger zerolog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace().Msgf(format, args...)
}

// NewBadgerStore creates a Badger-backed store. Path ":memory:" opens an
// in-memory database.
func NewBadgerStore(cfg Config, logger zerolog.Logger) (*BadgerStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "default"
	}
	return &BadgerStore{
		path:      cfg.Path,
		namespace: ns,
		logger:    logger.With().Str("component", "badger").Logger(),
	}, nil
}

// Init opens the database.
func (s *BadgerStore) Init(_ context.Context) error {
	var opts badger.Options
	if s.path == MemoryPath {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(s.path, 0750); err != nil {
			return fmt.Errorf("create database directory %s: %w", s.path, err)
		}
		opts = badger.DefaultOptions(s.path)
	}
	opts = opts.WithLogger(&badgerLogger{logger: s.logger})

	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("open badger database: %w", err)
	}
	s.db = db
	return nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *BadgerStore) runKey(id string) []byte {
	return []byte(fmt.Sprintf("%s/run/%s", s.namespace, id))
}

func (s *BadgerStore) checkpointPrefix(runID string) []byte {
	return []byte(fmt.Sprintf("%s/checkpoint/%s/", s.namespace, runID))
}

func (s *BadgerStore) checkpointKey(runID string, cycle int) []byte {
	return []byte(fmt.Sprintf("%s/checkpoint/%s/%010d", s.namespace, runID, cycle))
}

// SaveCheckpoint writes a checkpoint once.
func (s *BadgerStore) SaveCheckpoint(ctx context.Context, rec *CheckpointRecord) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	key := s.checkpointKey(rec.RunID, rec.Cycle)

	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("checkpoint %s@%d: %w", rec.RunID, rec.Cycle, ErrAlreadyExists)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return err
		}
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint reads one checkpoint; a negative cycle selects the latest.
func (s *BadgerStore) LoadCheckpoint(ctx context.Context, runID string, cycle int) (*CheckpointRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	var rec CheckpointRecord
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		var item *badger.Item
		if cycle < 0 {
			opts := badger.DefaultIteratorOptions
			opts.Reverse = true
			it := txn.NewIterator(opts)
			defer it.Close()

			prefix := s.checkpointPrefix(runID)
			it.Seek(append(append([]byte(nil), prefix...), 0xFF))
			if !it.ValidForPrefix(prefix) {
				return nil
			}
			item = it.Item()
		} else {
			var err error
			item, err = txn.Get(s.checkpointKey(runID, cycle))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("checkpoint %s@%d: %w", runID, cycle, ErrNotFound)
	}
	return &rec, nil
}

// ListCheckpoints lists a run's checkpoints in cycle order.
func (s *BadgerStore) ListCheckpoints(ctx context.Context, runID string) ([]CheckpointInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	infos := []CheckpointInfo{}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := s.checkpointPrefix(runID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec CheckpointRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			infos = append(infos, rec.Info())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return infos, nil
}

// SaveRun inserts or updates a run record.
func (s *BadgerStore) SaveRun(_ context.Context, run *RunRecord) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.runKey(run.ID), data)
	}); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetRun reads a run record.
func (s *BadgerStore) GetRun(_ context.Context, id string) (*RunRecord, error) {
	var run RunRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.runKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &run)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

// ListRuns lists runs newest first.
func (s *BadgerStore) ListRuns(_ context.Context, limit, offset int) ([]*RunRecord, error) {
	var runs []*RunRecord
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(fmt.Sprintf("%s/run/", s.namespace))
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var run RunRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &run)
			}); err != nil {
				return err
			}
			runs = append(runs, &run)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if offset >= len(runs) {
		return []*RunRecord{}, nil
	}
	runs = runs[offset:]
	if limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	return runs, nil
}

// HealthCheck reports whether the database is open.
func (s *BadgerStore) HealthCheck(_ context.Context) error {
	if s.db == nil || s.db.IsClosed() {
		return fmt.Errorf("database not initialized")
	}
	return nil
}
