package beancounter

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"

	"github.com/VsevolodSauta/beancounter/embedded"
)

// EmbeddedStrategy hosts one in-process server per configured address and reads
// their job and tube tables directly. Code under test reaches the servers over TCP
// as usual; the strategy itself never goes through the network.
type EmbeddedStrategy struct {
	servers []*embeddedServer
	logger  *slog.Logger
}

// embeddedServer is one hosted server and the strategy's direct session on it.
type embeddedServer struct {
	addr   string
	server *embedded.Server
	client *embedded.Client
}

// EmbeddedOptions selects the job table the hosted servers use.
type EmbeddedOptions struct {
	Store     string // "memory" (default), "badger" or "sqlite"
	StorePath string // base directory for on-disk stores; empty keeps them in memory
}

// NewEmbeddedStrategy starts a server listening at every address in urls.
// Port 0 picks a free port; Addrs reports the bound addresses.
func NewEmbeddedStrategy(urls []string, opts EmbeddedOptions, logger *slog.Logger) (*EmbeddedStrategy, error) {
	if len(urls) == 0 {
		return nil, ErrNoServers
	}
	if logger == nil {
		logger = discardLogger()
	}

	s := &EmbeddedStrategy{logger: logger}
	for _, raw := range urls {
		addr, err := ParseURL(raw)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		if err := s.start(addr, opts); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *EmbeddedStrategy) start(addr string, opts EmbeddedOptions) error {
	path := ""
	if opts.StorePath != "" {
		name := strings.NewReplacer(":", "_", "/", "_").Replace(addr)
		path = filepath.Join(opts.StorePath, fmt.Sprintf("%d-%s", len(s.servers), name))
	}
	store, err := embedded.OpenStore(opts.Store, path)
	if err != nil {
		return fmt.Errorf("failed to open store for %s: %w", addr, err)
	}

	server, err := embedded.NewServer(store, s.logger.With("server", addr))
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to start embedded server %s: %w", addr, err)
	}
	if err := server.Listen(addr); err != nil {
		_ = server.Close()
		return err
	}
	client, err := server.DirectClient()
	if err != nil {
		_ = server.Close()
		return err
	}
	bound := server.Addr().String()
	s.servers = append(s.servers, &embeddedServer{addr: bound, server: server, client: client})
	s.logger.Debug("embedded server started", "addr", bound, "store", opts.Store)
	return nil
}

// Close stops every hosted server.
func (s *EmbeddedStrategy) Close() error {
	var errs []error
	for _, es := range s.servers {
		_ = es.client.Close()
		if err := es.server.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close server %s: %w", es.addr, err))
		}
	}
	s.servers = nil
	return errors.Join(errs...)
}

// Addrs returns the bound address of every hosted server, in declared order.
func (s *EmbeddedStrategy) Addrs() []string {
	addrs := make([]string, len(s.servers))
	for i, es := range s.servers {
		addrs[i] = es.addr
	}
	return addrs
}

// Servers returns the hosted servers, in declared order.
func (s *EmbeddedStrategy) Servers() []*embedded.Server {
	servers := make([]*embedded.Server, len(s.servers))
	for i, es := range s.servers {
		servers[i] = es.server
	}
	return servers
}

// Jobs yields the live job table of every server.
func (s *EmbeddedStrategy) Jobs(ctx context.Context) iter.Seq2[*Job, error] {
	return func(yield func(*Job, error) bool) {
		for _, es := range s.servers {
			snapshots, err := es.server.Jobs(ctx)
			if err != nil {
				yield(nil, fmt.Errorf("failed to list jobs on %s: %w", es.addr, err))
				return
			}
			for _, snap := range snapshots {
				if !yield(es.job(snap), nil) {
					return
				}
			}
		}
	}
}

// Tubes yields every tube of every server, merged by name.
func (s *EmbeddedStrategy) Tubes(ctx context.Context) iter.Seq2[*Tube, error] {
	return func(yield func(*Tube, error) bool) {
		var names []string
		for _, es := range s.servers {
			for _, name := range es.server.TubeNames() {
				if !slices.Contains(names, name) {
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
func (s *EmbeddedStrategy) JobMatches(ctx context.Context, job *Job, attrs Attrs) (bool, error) {
	return matchJob(ctx, job, attrs)
}

// TubeMatches refreshes tube and tests attrs against it.
func (s *EmbeddedStrategy) TubeMatches(ctx context.Context, tube *Tube, attrs Attrs) (bool, error) {
	if tube == nil {
		return false, nil
	}
	return matchTube(ctx, tube, attrs)
}

// DeleteJob deletes job through the strategy's direct session.
func (s *EmbeddedStrategy) DeleteJob(ctx context.Context, job *Job) (bool, error) {
	if job == nil || job.State == JobStateDeleted {
		return true, nil
	}
	if job.source == nil {
		return false, fmt.Errorf("job %d has no connection", job.ID)
	}
	return job.source.deleteJob(ctx, job)
}

// CollectNewJobs records every server's highest job id, runs fn, then walks each
// job table back from its tail down to the recorded id.
func (s *EmbeddedStrategy) CollectNewJobs(ctx context.Context, fn func() error) ([]*Job, error) {
	if fn == nil {
		return nil, ErrCallbackRequired
	}
	minIDs := make([]uint64, len(s.servers))
	for i, es := range s.servers {
		minIDs[i] = es.server.MaxJobID()
	}

	if err := fn(); err != nil {
		return nil, err
	}

	var jobs []*Job
	for i, es := range s.servers {
		var found []*Job
		err := es.server.DescendJobs(ctx, func(snap embedded.JobSnapshot) bool {
			if snap.Stats.ID <= minIDs[i] {
				return false
			}
			found = append(found, es.job(snap))
			return true
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk jobs on %s: %w", es.addr, err)
		}
		slices.Reverse(found)
		s.logger.Debug("embedded collecting", "addr", es.addr, "min_id", minIDs[i], "found", len(found))
		jobs = append(jobs, found...)
	}
	return jobs, nil
}

// PrettyPrintJob renders every attribute of job except its connection.
func (s *EmbeddedStrategy) PrettyPrintJob(job *Job) string {
	return renderFields(jobFields(job, false))
}

// PrettyPrintTube renders every attribute of tube.
func (s *EmbeddedStrategy) PrettyPrintTube(tube *Tube) string {
	return renderFields(tubeFields(tube))
}

// refreshTube sums the tube's stats over every server that has it.
func (s *EmbeddedStrategy) refreshTube(ctx context.Context, tube *Tube) (bool, error) {
	var total TubeStats
	found := false
	for _, es := range s.servers {
		st, err := es.server.StatsTube(ctx, tube.Name)
		if errors.Is(err, embedded.ErrTubeNotFound) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("failed to stat tube %s on %s: %w", tube.Name, es.addr, err)
		}
		found = true
		total.add(tubeStatsFrom(st))
	}
	if found {
		tube.TubeStats = total
	}
	return found, nil
}

func (es *embeddedServer) job(snap embedded.JobSnapshot) *Job {
	job := &Job{Body: snap.Body, Server: es.addr, source: es}
	applyEmbeddedStats(job, snap.Stats)
	return job
}

func (es *embeddedServer) refreshJob(ctx context.Context, job *Job) (bool, error) {
	st, err := es.client.StatsJob(ctx, job.ID)
	if errors.Is(err, embedded.ErrJobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat job %d on %s: %w", job.ID, es.addr, err)
	}
	applyEmbeddedStats(job, st)
	return true, nil
}

func (es *embeddedServer) deleteJob(ctx context.Context, job *Job) (bool, error) {
	err := es.client.Delete(ctx, job.ID)
	if err == nil {
		job.State = JobStateDeleted
		return true, nil
	}
	if !errors.Is(err, embedded.ErrJobNotFound) {
		return false, fmt.Errorf("failed to delete job %d on %s: %w", job.ID, es.addr, err)
	}
	exists, err := job.Exists(ctx)
	if err != nil {
		return false, err
	}
	return !exists, nil
}

func applyEmbeddedStats(job *Job, st embedded.JobStats) {
	job.ID = st.ID
	job.Tube = st.Tube
	job.State = JobState(st.State)
	job.Pri = uint64(st.Pri)
	job.Age = st.Age
	job.Delay = st.Delay
	job.TTR = st.TTR
	job.TimeLeft = st.TimeLeft
	job.File = st.File
	job.Reserves = st.Reserves
	job.Timeouts = st.Timeouts
	job.Releases = st.Releases
	job.Buries = st.Buries
	job.Kicks = st.Kicks
}

func tubeStatsFrom(st embedded.TubeStats) TubeStats {
	return TubeStats{
		CmdDelete:           st.CmdDelete,
		CmdPauseTube:        st.CmdPauseTube,
		CurrentJobsBuried:   st.CurrentJobsBuried,
		CurrentJobsDelayed:  st.CurrentJobsDelayed,
		CurrentJobsReady:    st.CurrentJobsReady,
		CurrentJobsReserved: st.CurrentJobsReserved,
		CurrentJobsUrgent:   st.CurrentJobsUrgent,
		CurrentUsing:        st.CurrentUsing,
		CurrentWaiting:      st.CurrentWaiting,
		CurrentWatching:     st.CurrentWatching,
		PauseTime:           st.Pause,
		PauseTimeLeft:       st.PauseTimeLeft,
		TotalJobs:           st.TotalJobs,
	}
}
