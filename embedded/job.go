// Package embedded provides an in-process beanstalkd-compatible server.
//
// The server speaks the beanstalk text protocol over TCP so that ordinary clients
// can talk to it, and additionally exposes introspection methods (job and tube
// tables, maximum assigned job id) plus an in-process Client that issues commands
// without going through the network. Jobs live in a Store, which is
// memory-backed by default; a server opened over a non-empty store continues
// from the jobs it finds there.
//
// Example usage:
//
//	srv, err := embedded.NewServer(embedded.NewMemoryStore(), logger)
//	if err != nil {
//	    return err
//	}
//	if err := srv.Listen("127.0.0.1:11300"); err != nil {
//	    return err
//	}
//	defer srv.Close()
//
//	client, _ := srv.DirectClient()
//	id, _ := client.Put(ctx, []byte("hello"), 0, 0, time.Minute)
package embedded

import (
	"time"
)

// State is the state of a job inside the server.
type State string

const (
	// StateReady indicates the job is waiting to be reserved.
	StateReady State = "ready"
	// StateDelayed indicates the job becomes ready once its delay elapses.
	StateDelayed State = "delayed"
	// StateReserved indicates a client holds the job.
	StateReserved State = "reserved"
	// StateBuried indicates the job is parked until kicked.
	StateBuried State = "buried"
)

// UrgentPriority is the priority below which a ready job counts as urgent.
const UrgentPriority = 1024

// Job is the stored representation of a job.
type Job struct {
	ID        uint64        `json:"id"`
	Tube      string        `json:"tube"`
	Body      []byte        `json:"body"`
	State     State         `json:"state"`
	Pri       uint32        `json:"pri"`
	Delay     time.Duration `json:"delay"`
	TTR       time.Duration `json:"ttr"`
	CreatedAt time.Time     `json:"created_at"`
	ReadyAt   time.Time     `json:"ready_at"` // end of the delay while delayed
	Deadline  time.Time     `json:"deadline"` // end of the TTR while reserved
	Reserver  uint64        `json:"reserver"` // session holding the reservation
	Reserves  uint64        `json:"reserves"`
	Timeouts  uint64        `json:"timeouts"`
	Releases  uint64        `json:"releases"`
	Buries    uint64        `json:"buries"`
	Kicks     uint64        `json:"kicks"`
}

// JobStats is the stats-job view of a job.
type JobStats struct {
	ID       uint64
	Tube     string
	State    State
	Pri      uint32
	Age      uint64
	Delay    uint64
	TTR      uint64
	TimeLeft uint64
	File     uint64
	Reserves uint64
	Timeouts uint64
	Releases uint64
	Buries   uint64
	Kicks    uint64
}

// JobSnapshot pairs a job's stats with its body.
type JobSnapshot struct {
	Stats JobStats
	Body  []byte
}

// TubeStats is the stats-tube view of a tube.
type TubeStats struct {
	Name                string
	CurrentJobsUrgent   uint64
	CurrentJobsReady    uint64
	CurrentJobsReserved uint64
	CurrentJobsDelayed  uint64
	CurrentJobsBuried   uint64
	TotalJobs           uint64
	CurrentUsing        uint64
	CurrentWatching     uint64
	CurrentWaiting      uint64
	CmdDelete           uint64
	CmdPauseTube        uint64
	Pause               uint64
	PauseTimeLeft       uint64
}

// ServerStats is a subset of the stats command output.
type ServerStats struct {
	CurrentJobsUrgent   uint64
	CurrentJobsReady    uint64
	CurrentJobsReserved uint64
	CurrentJobsDelayed  uint64
	CurrentJobsBuried   uint64
	TotalJobs           uint64
	CurrentTubes        uint64
	CurrentConnections  uint64
	CurrentWaiting      uint64
	Uptime              uint64
	Version             string
}

func (j *Job) stats(now time.Time) JobStats {
	st := JobStats{
		ID:       j.ID,
		Tube:     j.Tube,
		State:    j.State,
		Pri:      j.Pri,
		Age:      seconds(now.Sub(j.CreatedAt)),
		Delay:    seconds(j.Delay),
		TTR:      seconds(j.TTR),
		Reserves: j.Reserves,
		Timeouts: j.Timeouts,
		Releases: j.Releases,
		Buries:   j.Buries,
		Kicks:    j.Kicks,
	}
	switch j.State {
	case StateDelayed:
		st.TimeLeft = seconds(j.ReadyAt.Sub(now))
	case StateReserved:
		st.TimeLeft = seconds(j.Deadline.Sub(now))
	}
	return st
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	clone := *job
	clone.Body = copyBytes(job.Body)
	return &clone
}

func copyBytes(src []byte) []byte {
	if src == nil {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

func seconds(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d / time.Second)
}
