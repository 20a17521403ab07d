package embedded

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore implements Store using BadgerDB.
// Jobs are keyed by big-endian id so that badger's key order is id order.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens a BadgerDB store.
// An empty path runs badger in in-memory mode; otherwise the directory is
// created if it doesn't exist.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil // badger uses its own logger interface

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close closes the database
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

const keyPrefixJob = "job:"

// jobKey returns the key for a job
func jobKey(id uint64) []byte {
	key := make([]byte, 0, len(keyPrefixJob)+8)
	key = append(key, keyPrefixJob...)
	return binary.BigEndian.AppendUint64(key, id)
}

// retryUpdate retries an update on transaction conflicts.
func (s *BadgerStore) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxRetries = 20
	const retryDelay = time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(retryDelay)
		}

		err := s.db.Update(fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, badger.ErrConflict) {
			lastErr = err
			continue
		}
		return err
	}
	return fmt.Errorf("transaction conflict after %d retries: %w", maxRetries, lastErr)
}

// Insert stores a new job
func (s *BadgerStore) Insert(ctx context.Context, job *Job) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return s.retryUpdate(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(jobKey(job.ID)); err == nil {
			return fmt.Errorf("job already exists: %d", job.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("failed to check job: %w", err)
		}
		return txn.Set(jobKey(job.ID), data)
	})
}

// Get retrieves a job by id
func (s *BadgerStore) Get(ctx context.Context, id uint64) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var job *Job
	err = s.db.View(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		item, err := txn.Get(jobKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get job: %w", err)
		}
		job, err = decodeItem(item)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Update replaces an existing job
func (s *BadgerStore) Update(ctx context.Context, job *Job) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return s.retryUpdate(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(jobKey(job.ID)); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrJobNotFound
		} else if err != nil {
			return fmt.Errorf("failed to get job: %w", err)
		}
		return txn.Set(jobKey(job.ID), data)
	})
}

// Delete removes a job by id
func (s *BadgerStore) Delete(ctx context.Context, id uint64) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	return s.retryUpdate(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(jobKey(id)); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrJobNotFound
		} else if err != nil {
			return fmt.Errorf("failed to get job: %w", err)
		}
		return txn.Delete(jobKey(id))
	})
}

// Ascend visits jobs with id >= from in increasing order
func (s *BadgerStore) Ascend(ctx context.Context, from uint64, fn func(*Job) bool) error {
	return s.iterate(ctx, false, jobKey(from), fn)
}

// Descend visits jobs from the highest id downwards
func (s *BadgerStore) Descend(ctx context.Context, fn func(*Job) bool) error {
	// In reverse mode Seek lands on the largest key <= the seek key.
	seek := append([]byte(keyPrefixJob), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
	return s.iterate(ctx, true, seek, fn)
}

func (s *BadgerStore) iterate(ctx context.Context, reverse bool, seek []byte, fn func(*Job) bool) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = reverse
		opts.Prefix = []byte(keyPrefixJob)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seek); it.ValidForPrefix(opts.Prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			job, err := decodeItem(it.Item())
			if err != nil {
				return err
			}
			if !fn(job) {
				return nil
			}
		}
		return nil
	})
}

func decodeItem(item *badger.Item) (*Job, error) {
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to copy job data: %w", err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}
