// Package beancounter lets tests assert facts about the jobs and tubes held by one
// or more beanstalkd servers, and about the jobs a piece of code enqueues.
//
// The library supports:
//   - Pluggable strategies: a crawling strategy for any beanstalkd server pool and
//     an embedded strategy that hosts in-process servers and reads their tables directly
//   - Attribute predicates with exact, range, regular expression and function matchers
//   - Windowed collection of the jobs created while a callback runs
//   - Count constraints on the number of matching jobs
//   - testing.TB assertions and gomega matchers
//
// Example usage:
//
//	strategy, _ := beancounter.NewClimberStrategy(ctx, []string{"localhost:11300"}, "", logger)
//	defer strategy.Close()
//
//	expectation := beancounter.NewEnqueuedExpectation(strategy, beancounter.Attrs{
//	    "tube":  "mailer",
//	    "body":  regexp.MustCompile(`welcome`),
//	    "count": 1,
//	})
//	ok, err := expectation.Matches(ctx, func() error {
//	    return signUp(ctx, "someone@example.com")
//	})
package beancounter

import (
	"context"
)

// JobState represents the state of a job on its server.
type JobState string

const (
	// JobStateReady indicates the job is waiting to be reserved.
	JobStateReady JobState = "ready"
	// JobStateDelayed indicates the job is waiting for its delay to elapse.
	JobStateDelayed JobState = "delayed"
	// JobStateReserved indicates a worker holds the job.
	JobStateReserved JobState = "reserved"
	// JobStateBuried indicates the job is parked until kicked.
	JobStateBuried JobState = "buried"
	// JobStateDeleted is a local, terminal state: the job no longer exists on its server.
	// Its remaining attributes are a stale snapshot.
	JobStateDeleted JobState = "deleted"
)

// Job is a handle to one job on one server.
// Attribute fields hold the snapshot taken by the last refresh.
type Job struct {
	ID       uint64   // Per-server job id
	Body     []byte   // Job payload
	Tube     string   // Tube the job was put in
	State    JobState // Current state
	Pri      uint64   // Priority, lower is more urgent
	Age      uint64   // Seconds since creation
	Delay    uint64   // Delay in seconds
	TTR      uint64   // Time-to-run in seconds
	TimeLeft uint64   // Seconds until a delayed job is ready or a reservation expires
	File     uint64   // Binlog file number
	Reserves uint64
	Timeouts uint64
	Releases uint64
	Buries   uint64
	Kicks    uint64
	Server   string // Address of the server holding the job

	source jobSource
}

// jobSource is the server connection a job lives on.
type jobSource interface {
	// refreshJob re-reads the job's stats; false means the job is gone.
	refreshJob(ctx context.Context, job *Job) (bool, error)
	// deleteJob deletes the job; false means the server refused.
	deleteJob(ctx context.Context, job *Job) (bool, error)
}

// Exists refreshes the job and reports whether it still exists.
// Once a job is found gone it stays deleted without further round trips.
func (j *Job) Exists(ctx context.Context) (bool, error) {
	if j == nil || j.State == JobStateDeleted {
		return false, nil
	}
	if j.source == nil {
		return true, nil
	}
	ok, err := j.source.refreshJob(ctx, j)
	if err != nil {
		return false, err
	}
	if !ok {
		j.State = JobStateDeleted
	}
	return ok, nil
}

// TubeStats holds the numeric counters of a tube.
type TubeStats struct {
	CmdDelete           uint64
	CmdPauseTube        uint64
	CurrentJobsBuried   uint64
	CurrentJobsDelayed  uint64
	CurrentJobsReady    uint64
	CurrentJobsReserved uint64
	CurrentJobsUrgent   uint64
	CurrentUsing        uint64
	CurrentWaiting      uint64
	CurrentWatching     uint64
	PauseTime           uint64 // seconds the tube was paused for ("pause")
	PauseTimeLeft       uint64
	TotalJobs           uint64
}

// Tube is a named queue across a server pool. Counters are summed over every
// server that currently has the tube.
type Tube struct {
	Name string
	TubeStats

	source tubeSource
}

// tubeSource aggregates a tube over a server pool.
type tubeSource interface {
	// refreshTube re-reads and sums the tube's stats; false means no server has it.
	refreshTube(ctx context.Context, tube *Tube) (bool, error)
}

// Exists refreshes the tube and reports whether any server has it.
func (t *Tube) Exists(ctx context.Context) (bool, error) {
	if t == nil {
		return false, nil
	}
	if t.source == nil {
		return true, nil
	}
	return t.source.refreshTube(ctx, t)
}
