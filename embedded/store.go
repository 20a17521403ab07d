package embedded

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrJobNotFound is returned when a job id is unknown to the store or server.
	ErrJobNotFound = errors.New("job not found")
	// ErrStoreClosed is returned by a store after Close.
	ErrStoreClosed = errors.New("store is closed")
)

// Store holds the job table of a server.
// Ascend and Descend visit jobs ordered by id; fn returns false to stop.
// fn must not call back into the store.
type Store interface {
	// Insert stores a new job. Ids must be inserted in increasing order.
	Insert(ctx context.Context, job *Job) error

	// Get retrieves a job by id, or ErrJobNotFound
	Get(ctx context.Context, id uint64) (*Job, error)

	// Update replaces an existing job
	Update(ctx context.Context, job *Job) error

	// Delete removes a job; deleting an unknown id returns ErrJobNotFound
	Delete(ctx context.Context, id uint64) error

	// Ascend visits jobs with id >= from in increasing id order
	Ascend(ctx context.Context, from uint64, fn func(*Job) bool) error

	// Descend visits jobs from the highest id downwards
	Descend(ctx context.Context, fn func(*Job) bool) error

	// Close releases the store's resources
	Close() error
}

// StoreOpener opens a store at path; an empty path selects an in-memory variant when supported.
type StoreOpener func(path string) (Store, error)

var storeOpeners = map[string]StoreOpener{
	"memory": func(string) (Store, error) { return NewMemoryStore(), nil },
	"badger": func(path string) (Store, error) { return NewBadgerStore(path) },
}

// OpenStore opens a store of the given kind ("memory", "badger", or "sqlite" when built with -tags sqlite).
func OpenStore(kind, path string) (Store, error) {
	if kind == "" {
		kind = "memory"
	}
	opener, ok := storeOpeners[kind]
	if !ok {
		return nil, fmt.Errorf("unknown store kind %q", kind)
	}
	return opener(path)
}

// StoreKinds lists the store kinds compiled into this binary.
func StoreKinds() []string {
	kinds := make([]string, 0, len(storeOpeners))
	for kind := range storeOpeners {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// MemoryStore implements Store with an id-ordered slice.
// It uses a single mutex for thread-safety.
type MemoryStore struct {
	mu     sync.RWMutex
	jobs   []*Job
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Close closes the store and prevents further operations.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.jobs = nil
	return nil
}

// Insert appends a job; its id must be above every stored id.
func (s *MemoryStore) Insert(ctx context.Context, job *Job) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if n := len(s.jobs); n > 0 && s.jobs[n-1].ID >= job.ID {
		return fmt.Errorf("job %d inserted out of order after %d", job.ID, s.jobs[n-1].ID)
	}
	s.jobs = append(s.jobs, cloneJob(job))
	return nil
}

// Get retrieves a copy of a job by id.
func (s *MemoryStore) Get(ctx context.Context, id uint64) (*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	idx, ok := s.indexLocked(id)
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(s.jobs[idx]), nil
}

// Update replaces the stored copy of a job.
func (s *MemoryStore) Update(ctx context.Context, job *Job) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	idx, ok := s.indexLocked(job.ID)
	if !ok {
		return ErrJobNotFound
	}
	s.jobs[idx] = cloneJob(job)
	return nil
}

// Delete removes a job by id.
func (s *MemoryStore) Delete(ctx context.Context, id uint64) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	idx, ok := s.indexLocked(id)
	if !ok {
		return ErrJobNotFound
	}
	copy(s.jobs[idx:], s.jobs[idx+1:])
	s.jobs[len(s.jobs)-1] = nil
	s.jobs = s.jobs[:len(s.jobs)-1]
	return nil
}

// Ascend visits copies of jobs with id >= from in increasing order.
func (s *MemoryStore) Ascend(ctx context.Context, from uint64, fn func(*Job) bool) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	start := sort.Search(len(s.jobs), func(i int) bool { return s.jobs[i].ID >= from })
	for _, job := range s.jobs[start:] {
		if !fn(cloneJob(job)) {
			return nil
		}
	}
	return nil
}

// Descend visits copies of jobs from the tail of the table.
func (s *MemoryStore) Descend(ctx context.Context, fn func(*Job) bool) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	for i := len(s.jobs) - 1; i >= 0; i-- {
		if !fn(cloneJob(s.jobs[i])) {
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) indexLocked(id uint64) (int, bool) {
	idx := sort.Search(len(s.jobs), func(i int) bool { return s.jobs[i].ID >= id })
	if idx < len(s.jobs) && s.jobs[idx].ID == id {
		return idx, true
	}
	return 0, false
}

func normalizeContext(ctx context.Context) (context.Context, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ctx, nil
}
