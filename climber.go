package beancounter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/beanstalkd/go-beanstalk"
	"github.com/google/uuid"
)

// DefaultTestTube is the tube the climber strategy puts its probe jobs in.
const DefaultTestTube = "bean_counter_stalk_climber_test"

const probeTTR = 2 * time.Minute

// ClimberStrategy discovers jobs by crawling each server's id space.
// It works against any beanstalkd server: the highest assigned id is found by
// putting and deleting a probe job, and jobs are fetched one id at a time.
type ClimberStrategy struct {
	conns    []*climberConn
	testTube string
	logger   *slog.Logger
}

// climberConn is one server connection plus its crawl cache.
type climberConn struct {
	addr string

	mu    sync.Mutex
	conn  *beanstalk.Conn
	floor uint64 // every id <= floor is known to be gone
}

// NewClimberStrategy connects to every server in urls, in order.
// An empty testTube selects DefaultTestTube.
func NewClimberStrategy(ctx context.Context, urls []string, testTube string, logger *slog.Logger) (*ClimberStrategy, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if len(urls) == 0 {
		return nil, ErrNoServers
	}
	if testTube == "" {
		testTube = DefaultTestTube
	}
	if logger == nil {
		logger = discardLogger()
	}

	s := &ClimberStrategy{testTube: testTube, logger: logger}
	var dialer net.Dialer
	for _, raw := range urls {
		addr, err := ParseURL(raw)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		nc, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
		}
		s.conns = append(s.conns, &climberConn{addr: addr, conn: beanstalk.NewConn(nc)})
		logger.Debug("climber connected", "addr", addr)
	}
	return s, nil
}

// Close closes every server connection.
func (s *ClimberStrategy) Close() error {
	var errs []error
	for _, c := range s.conns {
		c.mu.Lock()
		if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", c.addr, err))
		}
		c.mu.Unlock()
	}
	s.conns = nil
	return errors.Join(errs...)
}

// TestTube returns the tube probe jobs are put in.
func (s *ClimberStrategy) TestTube() string {
	return s.testTube
}

// Jobs climbs every server's ids in ascending order, skipping ids that are gone.
func (s *ClimberStrategy) Jobs(ctx context.Context) iter.Seq2[*Job, error] {
	return func(yield func(*Job, error) bool) {
		for _, c := range s.conns {
			maxID, err := c.maxJobID(ctx, s.testTube)
			if err != nil {
				yield(nil, err)
				return
			}
			contiguous := true
			for id := c.currentFloor() + 1; id <= maxID; id++ {
				job, err := c.fetchJob(ctx, id)
				if err != nil {
					yield(nil, err)
					return
				}
				if job == nil {
					if contiguous {
						c.raiseFloor(id)
					}
					continue
				}
				contiguous = false
				if !yield(job, nil) {
					return
				}
			}
		}
	}
}

// Tubes yields every tube name known to any server, in first-seen order.
func (s *ClimberStrategy) Tubes(ctx context.Context) iter.Seq2[*Tube, error] {
	return func(yield func(*Tube, error) bool) {
		var names []string
		seen := make(map[string]bool)
		for _, c := range s.conns {
			list, err := c.listTubes(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, name := range list {
				if !seen[name] {
					seen[name] = true
					names = append(names, name)
				}
			}
		}
		for _, name := range names {
			tube := &Tube{Name: name, source: s}
			exists, err := tube.Exists(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			if !exists {
				continue
			}
			if !yield(tube, nil) {
				return
			}
		}
	}
}

// JobMatches refreshes job and tests attrs against it.
func (s *ClimberStrategy) JobMatches(ctx context.Context, job *Job, attrs Attrs) (bool, error) {
	return matchJob(ctx, job, attrs)
}

// TubeMatches refreshes tube and tests attrs against it.
func (s *ClimberStrategy) TubeMatches(ctx context.Context, tube *Tube, attrs Attrs) (bool, error) {
	if tube == nil {
		return false, nil
	}
	return matchTube(ctx, tube, attrs)
}

// DeleteJob deletes job on its server.
func (s *ClimberStrategy) DeleteJob(ctx context.Context, job *Job) (bool, error) {
	if job == nil || job.State == JobStateDeleted {
		return true, nil
	}
	if job.source == nil {
		return false, fmt.Errorf("job %d has no connection", job.ID)
	}
	return job.source.deleteJob(ctx, job)
}

// CollectNewJobs brackets fn with probe jobs on every server and fetches every id in
// between.
func (s *ClimberStrategy) CollectNewJobs(ctx context.Context, fn func() error) ([]*Job, error) {
	if fn == nil {
		return nil, ErrCallbackRequired
	}
	minIDs := make([]uint64, len(s.conns))
	for i, c := range s.conns {
		id, err := c.maxJobID(ctx, s.testTube)
		if err != nil {
			return nil, err
		}
		minIDs[i] = id
	}

	if err := fn(); err != nil {
		return nil, err
	}

	var jobs []*Job
	for i, c := range s.conns {
		maxID, err := c.maxJobID(ctx, s.testTube)
		if err != nil {
			return nil, err
		}
		s.logger.Debug("climber collecting", "addr", c.addr, "min_id", minIDs[i], "max_id", maxID)
		for id := minIDs[i] + 1; id <= maxID; id++ {
			job, err := c.fetchJob(ctx, id)
			if err != nil {
				return nil, err
			}
			if job != nil {
				jobs = append(jobs, job)
			}
		}
	}
	return jobs, nil
}

// PrettyPrintJob renders every attribute of job, its connection included.
func (s *ClimberStrategy) PrettyPrintJob(job *Job) string {
	return renderFields(jobFields(job, true))
}

// PrettyPrintTube renders every attribute of tube.
func (s *ClimberStrategy) PrettyPrintTube(tube *Tube) string {
	return renderFields(tubeFields(tube))
}

// refreshTube sums the tube's stats over every server that has it.
func (s *ClimberStrategy) refreshTube(ctx context.Context, tube *Tube) (bool, error) {
	var total TubeStats
	found := false
	for _, c := range s.conns {
		stats, ok, err := c.tubeStats(ctx, tube.Name)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		found = true
		total.add(stats)
	}
	if found {
		tube.TubeStats = total
	}
	return found, nil
}

func (c *climberConn) currentFloor() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.floor
}

func (c *climberConn) raiseFloor(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id > c.floor {
		c.floor = id
	}
}

// maxJobID puts and deletes a probe job; its id is the highest id on the server.
func (c *climberConn) maxJobID(ctx context.Context, testTube string) (uint64, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	tube := &beanstalk.Tube{Conn: c.conn, Name: testTube}
	id, err := tube.Put([]byte(uuid.NewString()), 0, 0, probeTTR)
	if err != nil {
		return 0, fmt.Errorf("failed to put probe job on %s: %w", c.addr, err)
	}
	if err := c.conn.Delete(id); err != nil && !isNotFound(err) {
		return 0, fmt.Errorf("failed to delete probe job %d on %s: %w", id, c.addr, err)
	}
	return id, nil
}

// fetchJob loads one job; a nil job means the id is gone.
func (c *climberConn) fetchJob(ctx context.Context, id uint64) (*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, err := c.conn.StatsJob(id)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat job %d on %s: %w", id, c.addr, err)
	}
	body, err := c.conn.Peek(id)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to peek job %d on %s: %w", id, c.addr, err)
	}
	job := &Job{ID: id, Body: body, Server: c.addr, source: c}
	if err := applyJobStats(job, stats); err != nil {
		return nil, err
	}
	return job, nil
}

func (c *climberConn) refreshJob(ctx context.Context, job *Job) (bool, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, err := c.conn.StatsJob(job.ID)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat job %d on %s: %w", job.ID, c.addr, err)
	}
	return true, applyJobStats(job, stats)
}

func (c *climberConn) deleteJob(ctx context.Context, job *Job) (bool, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return false, err
	}
	c.mu.Lock()
	err := c.conn.Delete(job.ID)
	c.mu.Unlock()
	if err == nil {
		job.State = JobStateDeleted
		return true, nil
	}
	if !isNotFound(err) {
		return false, fmt.Errorf("failed to delete job %d on %s: %w", job.ID, c.addr, err)
	}
	// NOT_FOUND also answers a job reserved by another connection.
	exists, err := job.Exists(ctx)
	if err != nil {
		return false, err
	}
	return !exists, nil
}

func (c *climberConn) listTubes(ctx context.Context) ([]string, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	names, err := c.conn.ListTubes()
	if err != nil {
		return nil, fmt.Errorf("failed to list tubes on %s: %w", c.addr, err)
	}
	return names, nil
}

func (c *climberConn) tubeStats(ctx context.Context, name string) (TubeStats, bool, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return TubeStats{}, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	tube := &beanstalk.Tube{Conn: c.conn, Name: name}
	stats, err := tube.Stats()
	if isNotFound(err) {
		return TubeStats{}, false, nil
	}
	if err != nil {
		return TubeStats{}, false, fmt.Errorf("failed to stat tube %s on %s: %w", name, c.addr, err)
	}
	ts, err := parseTubeStats(stats)
	if err != nil {
		return TubeStats{}, false, err
	}
	return ts, true, nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, beanstalk.ErrNotFound) {
		return true
	}
	var connErr beanstalk.ConnError
	return errors.As(err, &connErr) && connErr.Err == beanstalk.ErrNotFound
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
