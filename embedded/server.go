package embedded

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

var (
	// ErrServerClosed is returned by every operation after Close.
	ErrServerClosed = errors.New("server closed")
	// ErrTimedOut is returned by Reserve when no job became ready in time.
	ErrTimedOut = errors.New("timed out")
	// ErrNotIgnored is returned when ignoring the last watched tube.
	ErrNotIgnored = errors.New("not ignored")
	// ErrTubeNotFound is returned for tubes that do not exist.
	ErrTubeNotFound = errors.New("tube not found")
	// ErrJobTooBig is returned by Put when the body exceeds the maximum job size.
	ErrJobTooBig = errors.New("job too big")
	// ErrBadFormat is returned for malformed arguments such as invalid tube names.
	ErrBadFormat = errors.New("bad format")
)

const (
	// DefaultTube is the tube every session uses and watches initially.
	DefaultTube = "default"
	// DefaultMaxJobSize is the largest accepted job body, in bytes.
	DefaultMaxJobSize = 65535
	// Version is reported by the stats command.
	Version = "1.13-embedded"

	maxTubeNameLength = 200
)

type tube struct {
	name      string
	using     int
	watching  int
	jobs      int
	totalJobs uint64
	cmdDelete uint64
	cmdPause  uint64
	pause     time.Duration
	unpauseAt time.Time
}

func (t *tube) paused(now time.Time) bool {
	return t.pause > 0 && now.Before(t.unpauseAt)
}

type session struct {
	id      uint64
	use     string
	watch   []string
	waiting bool
}

func (sess *session) watches(name string) bool {
	for _, w := range sess.watch {
		if w == name {
			return true
		}
	}
	return false
}

// Server is an in-process beanstalkd-compatible server.
// All state transitions are serialised by a single mutex.
type Server struct {
	mu          sync.Mutex
	store       Store
	logger      *slog.Logger
	now         func() time.Time
	maxJobSize  int
	started     time.Time
	lastID      uint64
	totalJobs   uint64
	tubes       map[string]*tube
	tubeOrder   []string
	sessions    map[uint64]*session
	nextSession uint64
	timed       map[uint64]time.Time // delayed and reserved jobs -> next transition
	changed     chan struct{}        // closed and replaced on every wake-worthy change
	done        chan struct{}
	closed      bool

	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewServer creates a server over store. A nil store selects a MemoryStore,
// a nil logger discards output. Jobs already present in store are restored:
// ids continue after the highest stored id and reservations held by sessions
// of a previous server return to ready.
func NewServer(store Store, logger *slog.Logger) (*Server, error) {
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		store:      store,
		logger:     logger,
		now:        time.Now,
		maxJobSize: DefaultMaxJobSize,
		started:    time.Now(),
		tubes:      make(map[string]*tube),
		sessions:   make(map[uint64]*session),
		timed:      make(map[uint64]time.Time),
		changed:    make(chan struct{}),
		done:       make(chan struct{}),
		conns:      make(map[net.Conn]struct{}),
	}
	s.ensureTubeLocked(DefaultTube)
	if err := s.restore(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// restore rebuilds the id counter, tube counts and timers from the store.
func (s *Server) restore(ctx context.Context) error {
	var orphaned []*Job
	err := s.store.Ascend(ctx, 0, func(job *Job) bool {
		s.lastID = max(s.lastID, job.ID)
		s.totalJobs++
		t := s.ensureTubeLocked(job.Tube)
		t.jobs++
		t.totalJobs++
		switch job.State {
		case StateDelayed:
			s.timed[job.ID] = job.ReadyAt
		case StateReserved:
			orphaned = append(orphaned, job)
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("failed to restore jobs: %w", err)
	}
	for _, job := range orphaned {
		job.State = StateReady
		job.Reserver = 0
		job.Deadline = time.Time{}
		if err := s.store.Update(ctx, job); err != nil {
			return fmt.Errorf("failed to release job %d: %w", job.ID, err)
		}
	}
	if s.totalJobs > 0 {
		s.logger.Debug("restored jobs", "jobs", s.totalJobs, "max_id", s.lastID, "released", len(orphaned))
	}
	return nil
}

// SetMaxJobSize changes the largest accepted job body.
func (s *Server) SetMaxJobSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxJobSize = n
}

func (s *Server) jobSizeLimit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxJobSize
}

// Close stops accepting connections, disconnects every client and closes the store.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	listener := s.listener
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
	s.wg.Wait()
	s.logger.Debug("embedded server closed")
	return s.store.Close()
}

// MaxJobID returns the highest job id ever assigned, 0 when no job was created.
func (s *Server) MaxJobID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

// Jobs returns every live job in increasing id order.
func (s *Server) Jobs(ctx context.Context) ([]JobSnapshot, error) {
	var jobs []JobSnapshot
	err := s.locked(ctx, func(ctx context.Context, now time.Time) error {
		return s.store.Ascend(ctx, 0, func(job *Job) bool {
			jobs = append(jobs, JobSnapshot{Stats: job.stats(now), Body: job.Body})
			return true
		})
	})
	return jobs, err
}

// DescendJobs visits live jobs from the highest id downwards until fn returns false.
// fn runs with the server locked and must not call back into the server.
func (s *Server) DescendJobs(ctx context.Context, fn func(JobSnapshot) bool) error {
	return s.locked(ctx, func(ctx context.Context, now time.Time) error {
		return s.store.Descend(ctx, func(job *Job) bool {
			return fn(JobSnapshot{Stats: job.stats(now), Body: job.Body})
		})
	})
}

// TubeNames lists existing tubes in creation order.
func (s *Server) TubeNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.tubeOrder))
	copy(names, s.tubeOrder)
	return names
}

// StatsJob returns the stats of one job.
func (s *Server) StatsJob(ctx context.Context, id uint64) (JobStats, error) {
	var st JobStats
	err := s.locked(ctx, func(ctx context.Context, now time.Time) error {
		job, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		st = job.stats(now)
		return nil
	})
	return st, err
}

// StatsTube returns the stats of one tube, or ErrTubeNotFound.
func (s *Server) StatsTube(ctx context.Context, name string) (TubeStats, error) {
	var st TubeStats
	err := s.locked(ctx, func(ctx context.Context, now time.Time) error {
		t, ok := s.tubes[name]
		if !ok {
			return ErrTubeNotFound
		}
		st = TubeStats{
			Name:            t.name,
			TotalJobs:       t.totalJobs,
			CurrentUsing:    uint64(t.using),
			CurrentWatching: uint64(t.watching),
			CmdDelete:       t.cmdDelete,
			CmdPauseTube:    t.cmdPause,
		}
		if t.paused(now) {
			st.Pause = seconds(t.pause)
			st.PauseTimeLeft = seconds(t.unpauseAt.Sub(now))
		}
		for _, sess := range s.sessions {
			if sess.waiting && sess.watches(name) {
				st.CurrentWaiting++
			}
		}
		return s.store.Ascend(ctx, 0, func(job *Job) bool {
			if job.Tube != name {
				return true
			}
			switch job.State {
			case StateReady:
				st.CurrentJobsReady++
				if job.Pri < UrgentPriority {
					st.CurrentJobsUrgent++
				}
			case StateReserved:
				st.CurrentJobsReserved++
			case StateDelayed:
				st.CurrentJobsDelayed++
			case StateBuried:
				st.CurrentJobsBuried++
			}
			return true
		})
	})
	return st, err
}

// Stats returns server-wide counters.
func (s *Server) Stats(ctx context.Context) (ServerStats, error) {
	var st ServerStats
	err := s.locked(ctx, func(ctx context.Context, now time.Time) error {
		st = ServerStats{
			TotalJobs:          s.totalJobs,
			CurrentTubes:       uint64(len(s.tubes)),
			CurrentConnections: uint64(len(s.sessions)),
			Uptime:             seconds(now.Sub(s.started)),
			Version:            Version,
		}
		for _, sess := range s.sessions {
			if sess.waiting {
				st.CurrentWaiting++
			}
		}
		return s.store.Ascend(ctx, 0, func(job *Job) bool {
			switch job.State {
			case StateReady:
				st.CurrentJobsReady++
				if job.Pri < UrgentPriority {
					st.CurrentJobsUrgent++
				}
			case StateReserved:
				st.CurrentJobsReserved++
			case StateDelayed:
				st.CurrentJobsDelayed++
			case StateBuried:
				st.CurrentJobsBuried++
			}
			return true
		})
	})
	return st, err
}

// PauseTube stops reservations from a tube for delay.
func (s *Server) PauseTube(ctx context.Context, name string, delay time.Duration) error {
	return s.locked(ctx, func(ctx context.Context, now time.Time) error {
		t, ok := s.tubes[name]
		if !ok {
			return ErrTubeNotFound
		}
		t.cmdPause++
		t.pause = delay
		t.unpauseAt = now.Add(delay)
		s.notifyLocked()
		return nil
	})
}

// locked runs fn with the server locked after due delays and TTRs have been applied.
func (s *Server) locked(ctx context.Context, fn func(ctx context.Context, now time.Time) error) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	now := s.now()
	if err := s.promoteLocked(ctx, now); err != nil {
		return err
	}
	return fn(ctx, now)
}

// promoteLocked moves delayed jobs whose delay elapsed and reserved jobs whose TTR
// elapsed back to ready, and lifts expired tube pauses.
func (s *Server) promoteLocked(ctx context.Context, now time.Time) error {
	changed := false
	for id, at := range s.timed {
		if at.After(now) {
			continue
		}
		job, err := s.store.Get(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			delete(s.timed, id)
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load timed job %d: %w", id, err)
		}
		switch job.State {
		case StateDelayed:
			job.State = StateReady
			job.ReadyAt = time.Time{}
		case StateReserved:
			job.State = StateReady
			job.Timeouts++
			job.Reserver = 0
			job.Deadline = time.Time{}
			s.logger.Debug("job reservation timed out", "id", id)
		}
		if err := s.store.Update(ctx, job); err != nil {
			return fmt.Errorf("failed to promote job %d: %w", id, err)
		}
		delete(s.timed, id)
		changed = true
	}
	for _, t := range s.tubes {
		if t.pause > 0 && !now.Before(t.unpauseAt) {
			t.pause = 0
			t.unpauseAt = time.Time{}
			changed = true
		}
	}
	if changed {
		s.notifyLocked()
	}
	return nil
}

// nextWakeLocked returns the earliest pending delay, TTR or pause expiry.
func (s *Server) nextWakeLocked() time.Time {
	var wake time.Time
	consider := func(at time.Time) {
		if wake.IsZero() || at.Before(wake) {
			wake = at
		}
	}
	for _, at := range s.timed {
		consider(at)
	}
	for _, t := range s.tubes {
		if t.pause > 0 {
			consider(t.unpauseAt)
		}
	}
	return wake
}

func (s *Server) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Server) ensureTubeLocked(name string) *tube {
	if t, ok := s.tubes[name]; ok {
		return t
	}
	t := &tube{name: name}
	s.tubes[name] = t
	s.tubeOrder = append(s.tubeOrder, name)
	return t
}

// gcTubeLocked drops a tube that holds no jobs and is neither used nor watched.
func (s *Server) gcTubeLocked(name string) {
	t, ok := s.tubes[name]
	if !ok || name == DefaultTube || t.using > 0 || t.watching > 0 || t.jobs > 0 {
		return
	}
	delete(s.tubes, name)
	for i, n := range s.tubeOrder {
		if n == name {
			s.tubeOrder = append(s.tubeOrder[:i], s.tubeOrder[i+1:]...)
			break
		}
	}
}

func (s *Server) openSession() (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrServerClosed
	}
	s.nextSession++
	sess := &session{id: s.nextSession, use: DefaultTube, watch: []string{DefaultTube}}
	t := s.ensureTubeLocked(DefaultTube)
	t.using++
	t.watching++
	s.sessions[sess.id] = sess
	return sess, nil
}

// closeSession returns jobs reserved by the session to ready and drops its tube references.
func (s *Server) closeSession(sess *session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.id]; !ok {
		return nil
	}
	delete(s.sessions, sess.id)
	if t, ok := s.tubes[sess.use]; ok {
		t.using--
		s.gcTubeLocked(sess.use)
	}
	for _, name := range sess.watch {
		if t, ok := s.tubes[name]; ok {
			t.watching--
			s.gcTubeLocked(name)
		}
	}
	if s.closed {
		return nil
	}

	ctx := context.Background()
	for id := range s.timed {
		job, err := s.store.Get(ctx, id)
		if err != nil {
			continue
		}
		if job.State != StateReserved || job.Reserver != sess.id {
			continue
		}
		job.State = StateReady
		job.Reserver = 0
		job.Deadline = time.Time{}
		if err := s.store.Update(ctx, job); err != nil {
			return fmt.Errorf("failed to release job %d: %w", id, err)
		}
		delete(s.timed, id)
	}
	s.notifyLocked()
	return nil
}

func validTubeName(name string) bool {
	if name == "" || len(name) > maxTubeNameLength || name[0] == '-' {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '+' || c == '/' || c == ';' || c == '.' || c == '$' || c == '_' || c == '(' || c == ')':
		default:
			return false
		}
	}
	return true
}
