package embedded

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Client is a session on a Server. The TCP protocol handler drives one Client per
// connection; DirectClient hands one out for in-process use.
// A Client is not safe for concurrent use.
type Client struct {
	s    *Server
	sess *session
}

// DirectClient opens an in-process session on the server.
// Jobs it reserves are held by this session exactly like jobs reserved over TCP.
func (s *Server) DirectClient() (*Client, error) {
	sess, err := s.openSession()
	if err != nil {
		return nil, err
	}
	return &Client{s: s, sess: sess}, nil
}

// Close ends the session, returning its reserved jobs to ready.
func (c *Client) Close() error {
	return c.s.closeSession(c.sess)
}

// Use selects the tube Put and the peek commands operate on.
func (c *Client) Use(ctx context.Context, name string) error {
	if !validTubeName(name) {
		return ErrBadFormat
	}
	return c.s.locked(ctx, func(ctx context.Context, now time.Time) error {
		if c.sess.use == name {
			return nil
		}
		old := c.sess.use
		if t, ok := c.s.tubes[old]; ok {
			t.using--
		}
		c.s.ensureTubeLocked(name).using++
		c.sess.use = name
		c.s.gcTubeLocked(old)
		return nil
	})
}

// Used returns the tube in use.
func (c *Client) Used() string {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.sess.use
}

// Watch adds a tube to the watch list and returns the number of watched tubes.
func (c *Client) Watch(ctx context.Context, name string) (int, error) {
	if !validTubeName(name) {
		return 0, ErrBadFormat
	}
	var count int
	err := c.s.locked(ctx, func(ctx context.Context, now time.Time) error {
		if !c.sess.watches(name) {
			c.s.ensureTubeLocked(name).watching++
			c.sess.watch = append(c.sess.watch, name)
		}
		count = len(c.sess.watch)
		return nil
	})
	return count, err
}

// Ignore removes a tube from the watch list; the last watched tube cannot be ignored.
func (c *Client) Ignore(ctx context.Context, name string) (int, error) {
	if !validTubeName(name) {
		return 0, ErrBadFormat
	}
	var count int
	err := c.s.locked(ctx, func(ctx context.Context, now time.Time) error {
		if !c.sess.watches(name) {
			count = len(c.sess.watch)
			return nil
		}
		if len(c.sess.watch) == 1 {
			return ErrNotIgnored
		}
		for i, w := range c.sess.watch {
			if w == name {
				c.sess.watch = append(c.sess.watch[:i], c.sess.watch[i+1:]...)
				break
			}
		}
		if t, ok := c.s.tubes[name]; ok {
			t.watching--
			c.s.gcTubeLocked(name)
		}
		count = len(c.sess.watch)
		return nil
	})
	return count, err
}

// Watched lists the watched tubes.
func (c *Client) Watched() []string {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	names := make([]string, len(c.sess.watch))
	copy(names, c.sess.watch)
	return names
}

// Put creates a job in the used tube and returns its id.
// A TTR below one second is raised to one second.
func (c *Client) Put(ctx context.Context, body []byte, pri uint32, delay, ttr time.Duration) (uint64, error) {
	if ttr < time.Second {
		ttr = time.Second
	}
	var id uint64
	err := c.s.locked(ctx, func(ctx context.Context, now time.Time) error {
		if len(body) > c.s.maxJobSize {
			return ErrJobTooBig
		}
		job := &Job{
			ID:        c.s.lastID + 1,
			Tube:      c.sess.use,
			Body:      copyBytes(body),
			State:     StateReady,
			Pri:       pri,
			Delay:     delay,
			TTR:       ttr,
			CreatedAt: now,
		}
		if delay > 0 {
			job.State = StateDelayed
			job.ReadyAt = now.Add(delay)
		}
		if err := c.s.store.Insert(ctx, job); err != nil {
			return fmt.Errorf("failed to store job: %w", err)
		}
		c.s.lastID = job.ID
		c.s.totalJobs++
		t := c.s.ensureTubeLocked(job.Tube)
		t.jobs++
		t.totalJobs++
		if job.State == StateDelayed {
			c.s.timed[job.ID] = job.ReadyAt
		}
		c.s.notifyLocked()
		id = job.ID
		return nil
	})
	return id, err
}

// Reserve waits for a ready job in a watched tube. A negative timeout waits forever.
func (c *Client) Reserve(ctx context.Context, timeout time.Duration) (uint64, []byte, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return 0, nil, err
	}
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var deadline time.Time
	if timeout >= 0 {
		deadline = s.now().Add(timeout)
	}
	for {
		if s.closed {
			return 0, nil, ErrServerClosed
		}
		now := s.now()
		if err := s.promoteLocked(ctx, now); err != nil {
			return 0, nil, err
		}
		job, err := c.findReadyLocked(ctx, now)
		if err != nil {
			return 0, nil, err
		}
		if job != nil {
			if err := c.reserveLocked(ctx, job, now); err != nil {
				return 0, nil, err
			}
			return job.ID, job.Body, nil
		}
		if timeout >= 0 && !now.Before(deadline) {
			return 0, nil, ErrTimedOut
		}

		wake := s.nextWakeLocked()
		if timeout >= 0 && (wake.IsZero() || deadline.Before(wake)) {
			wake = deadline
		}
		changed := s.changed
		c.sess.waiting = true
		s.mu.Unlock()
		err = s.wait(ctx, changed, wake)
		s.mu.Lock()
		c.sess.waiting = false
		if err != nil {
			return 0, nil, err
		}
	}
}

// ReserveJob reserves a specific job that is not reserved already.
func (c *Client) ReserveJob(ctx context.Context, id uint64) ([]byte, error) {
	var body []byte
	err := c.s.locked(ctx, func(ctx context.Context, now time.Time) error {
		job, err := c.s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if job.State == StateReserved {
			return ErrJobNotFound
		}
		if err := c.reserveLocked(ctx, job, now); err != nil {
			return err
		}
		body = job.Body
		return nil
	})
	return body, err
}

// Delete removes a job. A job reserved by another session is reported as not found.
func (c *Client) Delete(ctx context.Context, id uint64) error {
	return c.s.locked(ctx, func(ctx context.Context, now time.Time) error {
		job, err := c.s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if job.State == StateReserved && job.Reserver != c.sess.id {
			return ErrJobNotFound
		}
		if err := c.s.store.Delete(ctx, id); err != nil {
			return err
		}
		delete(c.s.timed, id)
		if t, ok := c.s.tubes[job.Tube]; ok {
			t.jobs--
			t.cmdDelete++
			c.s.gcTubeLocked(job.Tube)
		}
		return nil
	})
}

// Release returns a job reserved by this session to ready, or to delayed when delay > 0.
func (c *Client) Release(ctx context.Context, id uint64, pri uint32, delay time.Duration) error {
	return c.reservedJob(ctx, id, func(job *Job, now time.Time) {
		job.Pri = pri
		job.Releases++
		job.Reserver = 0
		job.Deadline = time.Time{}
		delete(c.s.timed, id)
		if delay > 0 {
			job.State = StateDelayed
			job.Delay = delay
			job.ReadyAt = now.Add(delay)
			c.s.timed[id] = job.ReadyAt
		} else {
			job.State = StateReady
		}
	})
}

// Bury parks a job reserved by this session.
func (c *Client) Bury(ctx context.Context, id uint64, pri uint32) error {
	return c.reservedJob(ctx, id, func(job *Job, now time.Time) {
		job.Pri = pri
		job.Buries++
		job.State = StateBuried
		job.Reserver = 0
		job.Deadline = time.Time{}
		delete(c.s.timed, id)
	})
}

// Touch restarts the TTR of a job reserved by this session.
func (c *Client) Touch(ctx context.Context, id uint64) error {
	return c.reservedJob(ctx, id, func(job *Job, now time.Time) {
		job.Deadline = now.Add(job.TTR)
		c.s.timed[id] = job.Deadline
	})
}

// Peek returns the body of any job.
func (c *Client) Peek(ctx context.Context, id uint64) ([]byte, error) {
	var body []byte
	err := c.s.locked(ctx, func(ctx context.Context, now time.Time) error {
		job, err := c.s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		body = job.Body
		return nil
	})
	return body, err
}

// PeekState returns the next job in the used tube with the given state:
// the most urgent ready job, the delayed job closest to ready, or the oldest buried job.
func (c *Client) PeekState(ctx context.Context, state State) (uint64, []byte, error) {
	var found *Job
	err := c.s.locked(ctx, func(ctx context.Context, now time.Time) error {
		return c.s.store.Ascend(ctx, 0, func(job *Job) bool {
			if job.Tube != c.sess.use || job.State != state {
				return true
			}
			switch {
			case found == nil:
				found = job
			case state == StateReady && job.Pri < found.Pri:
				found = job
			case state == StateDelayed && job.ReadyAt.Before(found.ReadyAt):
				found = job
			}
			return state != StateBuried
		})
	})
	if err != nil {
		return 0, nil, err
	}
	if found == nil {
		return 0, nil, ErrJobNotFound
	}
	return found.ID, found.Body, nil
}

// Kick moves up to bound buried jobs of the used tube to ready, or delayed jobs
// when none are buried, and returns how many moved.
func (c *Client) Kick(ctx context.Context, bound int) (int, error) {
	var kicked int
	if bound <= 0 {
		return 0, nil
	}
	err := c.s.locked(ctx, func(ctx context.Context, now time.Time) error {
		collect := func(state State) ([]*Job, error) {
			var jobs []*Job
			err := c.s.store.Ascend(ctx, 0, func(job *Job) bool {
				if job.Tube == c.sess.use && job.State == state {
					jobs = append(jobs, job)
				}
				return len(jobs) < bound
			})
			return jobs, err
		}
		jobs, err := collect(StateBuried)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			if jobs, err = collect(StateDelayed); err != nil {
				return err
			}
		}
		for _, job := range jobs {
			if err := c.s.kickLocked(ctx, job); err != nil {
				return err
			}
			kicked++
		}
		if kicked > 0 {
			c.s.notifyLocked()
		}
		return nil
	})
	return kicked, err
}

// KickJob moves a buried or delayed job to ready.
func (c *Client) KickJob(ctx context.Context, id uint64) error {
	return c.s.locked(ctx, func(ctx context.Context, now time.Time) error {
		job, err := c.s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if job.State != StateBuried && job.State != StateDelayed {
			return ErrJobNotFound
		}
		if err := c.s.kickLocked(ctx, job); err != nil {
			return err
		}
		c.s.notifyLocked()
		return nil
	})
}

// StatsJob returns the stats of one job.
func (c *Client) StatsJob(ctx context.Context, id uint64) (JobStats, error) {
	return c.s.StatsJob(ctx, id)
}

// StatsTube returns the stats of one tube.
func (c *Client) StatsTube(ctx context.Context, name string) (TubeStats, error) {
	return c.s.StatsTube(ctx, name)
}

// Stats returns server-wide counters.
func (c *Client) Stats(ctx context.Context) (ServerStats, error) {
	return c.s.Stats(ctx)
}

// ListTubes lists existing tubes.
func (c *Client) ListTubes(ctx context.Context) ([]string, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	return c.s.TubeNames(), nil
}

// PauseTube stops reservations from a tube for delay.
func (c *Client) PauseTube(ctx context.Context, name string, delay time.Duration) error {
	if !validTubeName(name) {
		return ErrBadFormat
	}
	return c.s.PauseTube(ctx, name, delay)
}

func (c *Client) reservedJob(ctx context.Context, id uint64, mutate func(job *Job, now time.Time)) error {
	return c.s.locked(ctx, func(ctx context.Context, now time.Time) error {
		job, err := c.s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if job.State != StateReserved || job.Reserver != c.sess.id {
			return ErrJobNotFound
		}
		mutate(job, now)
		if err := c.s.store.Update(ctx, job); err != nil {
			return err
		}
		c.s.notifyLocked()
		return nil
	})
}

func (c *Client) findReadyLocked(ctx context.Context, now time.Time) (*Job, error) {
	var best *Job
	err := c.s.store.Ascend(ctx, 0, func(job *Job) bool {
		if job.State != StateReady || !c.sess.watches(job.Tube) {
			return true
		}
		if t, ok := c.s.tubes[job.Tube]; ok && t.paused(now) {
			return true
		}
		if best == nil || job.Pri < best.Pri {
			best = job
		}
		return true
	})
	return best, err
}

func (c *Client) reserveLocked(ctx context.Context, job *Job, now time.Time) error {
	job.State = StateReserved
	job.Reserver = c.sess.id
	job.Reserves++
	job.ReadyAt = time.Time{}
	job.Deadline = now.Add(job.TTR)
	if err := c.s.store.Update(ctx, job); err != nil {
		return fmt.Errorf("failed to reserve job %d: %w", job.ID, err)
	}
	c.s.timed[job.ID] = job.Deadline
	return nil
}

func (s *Server) kickLocked(ctx context.Context, job *Job) error {
	job.State = StateReady
	job.Kicks++
	job.ReadyAt = time.Time{}
	delete(s.timed, job.ID)
	if err := s.store.Update(ctx, job); err != nil {
		return fmt.Errorf("failed to kick job %d: %w", job.ID, err)
	}
	return nil
}

// wait blocks until the server state changes, wake passes, the server closes or ctx ends.
func (s *Server) wait(ctx context.Context, changed <-chan struct{}, wake time.Time) error {
	var timer <-chan time.Time
	if !wake.IsZero() {
		d := time.Until(wake)
		if d <= 0 {
			return nil
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrServerClosed
	case <-changed:
		return nil
	case <-timer:
		return nil
	}
}

// IsNotFound reports whether err means a job or tube does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrTubeNotFound)
}
