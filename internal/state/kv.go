package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/ShayCichocki/taskweave/pkg/models"
)

// KVConfig holds configuration for the Badger-backed store.
type KVConfig struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string
	// InMemory keeps everything in RAM. Useful for testing.
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
}

// DefaultKVConfig returns durable settings for a store at path.
func DefaultKVConfig(path string) KVConfig {
	return KVConfig{Path: path, SyncWrites: true}
}

// InMemoryKVConfig returns settings for an ephemeral test store.
func InMemoryKVConfig() KVConfig {
	return KVConfig{InMemory: true}
}

// KV stores each workflow as a single JSON document keyed by its id, with
// execution records under a per-workflow prefix.
type KV struct {
	db  *badger.DB
	seq *badger.Sequence
	// mu serializes read-modify-write cycles so badger never reports
	// transaction conflicts between our own writers.
	mu sync.Mutex
}

const (
	workflowPrefix = "wf/"
	recordPrefix   = "rec/"
	sequenceKey    = "seq/records"
)

func workflowKey(id string) []byte { return []byte(workflowPrefix + id) }

func recordPrefixFor(id string) []byte { return []byte(recordPrefix + id + "/") }

func recordKey(id string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", recordPrefix, id, seq))
}

// OpenKV opens a Badger store.
func OpenKV(cfg KVConfig) (*KV, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	seq, err := db.GetSequence([]byte(sequenceKey), 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open record sequence: %w", err)
	}

	return &KV{db: db, seq: seq}, nil
}

// Close releases the sequence and closes the database.
func (s *KV) Close() error {
	var errs []error
	if err := s.seq.Release(); err != nil {
		errs = append(errs, err)
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func getSnapshot(txn *badger.Txn, id string) (*models.Snapshot, error) {
	item, err := txn.Get(workflowKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", id, err)
	}

	var snap models.Snapshot
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &snap)
	}); err != nil {
		return nil, fmt.Errorf("decode workflow %s: %w", id, err)
	}
	return &snap, nil
}

func putSnapshot(txn *badger.Txn, snap *models.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode workflow %s: %w", snap.Workflow.ID, err)
	}
	return txn.Set(workflowKey(snap.Workflow.ID), b)
}

// CreateWorkflow stores the workflow document.
func (s *KV) CreateWorkflow(ctx context.Context, wf *models.Workflow, tasks []models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(workflowKey(wf.ID)); err == nil {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, wf.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("check workflow: %w", err)
		}
		snap := &models.Snapshot{Workflow: *wf, Tasks: append([]models.Task(nil), tasks...)}
		return putSnapshot(txn, snap)
	})
}

// Load reads the workflow document.
func (s *KV) Load(ctx context.Context, id string) (*models.Snapshot, error) {
	var snap *models.Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		snap, err = getSnapshot(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	snap.SortTasks()
	return snap, nil
}

// List returns summaries of every workflow, oldest first.
func (s *KV) List(ctx context.Context) ([]models.WorkflowSummary, error) {
	var out []models.WorkflowSummary
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(workflowPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var snap models.Snapshot
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &snap)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, snap.Summary())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Delete removes the workflow document and its records.
func (s *KV) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := getSnapshot(txn, id); err != nil {
			return err
		}

		var keys [][]byte
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = recordPrefixFor(id)
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return fmt.Errorf("delete record: %w", err)
			}
		}
		return txn.Delete(workflowKey(id))
	})
}

// PurgeFinished deletes terminal workflows last updated before the cutoff.
func (s *KV) PurgeFinished(ctx context.Context, olderThan time.Duration) (int64, error) {
	list, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)

	var n int64
	for _, sum := range list {
		if !sum.Status.Terminal() || !sum.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := s.Delete(ctx, sum.ID); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return n, fmt.Errorf("purge %s: %w", sum.ID, err)
		}
		n++
	}
	return n, nil
}

// Commit applies transitions atomically.
func (s *KV) Commit(ctx context.Context, trs ...Transition) error {
	if len(trs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		snaps := make(map[string]*models.Snapshot)
		for _, tr := range trs {
			snap, ok := snaps[tr.WorkflowID]
			if !ok {
				var err error
				if snap, err = getSnapshot(txn, tr.WorkflowID); err != nil {
					return err
				}
				snaps[tr.WorkflowID] = snap
			}

			task := snap.Task(tr.TaskID)
			if task == nil {
				return fmt.Errorf("%w: %s", models.ErrUnknownTask, tr.TaskID)
			}
			if err := applyTransition(&snap.Workflow, task, tr, now); err != nil {
				return err
			}

			if tr.Record != nil {
				n, err := s.seq.Next()
				if err != nil {
					return fmt.Errorf("next record sequence: %w", err)
				}
				b, err := json.Marshal(tr.Record)
				if err != nil {
					return fmt.Errorf("encode record: %w", err)
				}
				if err := txn.Set(recordKey(tr.WorkflowID, n), b); err != nil {
					return fmt.Errorf("write record: %w", err)
				}
			}
		}

		for _, snap := range snaps {
			if err := putSnapshot(txn, snap); err != nil {
				return err
			}
		}
		return nil
	})
}

// Records returns the execution log for a workflow in append order.
func (s *KV) Records(ctx context.Context, id string) ([]models.ExecutionRecord, error) {
	var out []models.ExecutionRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = recordPrefixFor(id)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var r models.ExecutionRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return out, nil
}

// SetPaused sets or clears the pause marker.
func (s *KV) SetPaused(ctx context.Context, id string, paused bool) error {
	return s.updateHeader(id, func(wf *models.Workflow) error {
		wf.Paused = paused
		if wf.Status.Terminal() {
			return nil
		}
		switch {
		case paused:
			wf.Status = models.WorkflowStatusPaused
		case wf.Status == models.WorkflowStatusPaused:
			wf.Status = models.WorkflowStatusRunning
		}
		return nil
	})
}

// SetStatus records a workflow status and optional reason.
func (s *KV) SetStatus(ctx context.Context, id string, status models.WorkflowStatus, reason string) error {
	return s.updateHeader(id, func(wf *models.Workflow) error {
		wf.Status = status
		wf.Error = reason
		return nil
	})
}

// SetConcurrency changes the durable concurrency limit.
func (s *KV) SetConcurrency(ctx context.Context, id string, limit int) error {
	if limit < 1 {
		return fmt.Errorf("concurrency limit must be at least 1, got %d", limit)
	}
	return s.updateHeader(id, func(wf *models.Workflow) error {
		wf.ConcurrencyLimit = limit
		return nil
	})
}

// ClaimOwner records owner as the holder of the control loop for lease.
func (s *KV) ClaimOwner(ctx context.Context, id, owner string, lease time.Duration, force bool) error {
	return s.updateHeader(id, func(wf *models.Workflow) error {
		return claim(wf, owner, lease, force, time.Now().UTC())
	})
}

// RenewOwner extends the lease of owner.
func (s *KV) RenewOwner(ctx context.Context, id, owner string, lease time.Duration) error {
	return s.updateHeader(id, func(wf *models.Workflow) error {
		return renew(wf, owner, lease, time.Now().UTC())
	})
}

// ReleaseOwner clears owner if it still holds the workflow.
func (s *KV) ReleaseOwner(ctx context.Context, id, owner string) error {
	return s.updateHeader(id, func(wf *models.Workflow) error {
		release(wf, owner)
		return nil
	})
}

func (s *KV) updateHeader(id string, fn func(wf *models.Workflow) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		snap, err := getSnapshot(txn, id)
		if err != nil {
			return err
		}
		if err := fn(&snap.Workflow); err != nil {
			return err
		}
		snap.Workflow.UpdatedAt = time.Now().UTC()
		return putSnapshot(txn, snap)
	})
}
