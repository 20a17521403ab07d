package embedded

import (
	"bytes"
	"fmt"
	"os"
)

// Stats replies are YAML dictionaries in the fixed key order beanstalkd uses.

func formatJobStats(st JobStats) []byte {
	var b bytes.Buffer
	b.WriteString("---\n")
	fmt.Fprintf(&b, "id: %d\n", st.ID)
	fmt.Fprintf(&b, "tube: %s\n", st.Tube)
	fmt.Fprintf(&b, "state: %s\n", st.State)
	fmt.Fprintf(&b, "pri: %d\n", st.Pri)
	fmt.Fprintf(&b, "age: %d\n", st.Age)
	fmt.Fprintf(&b, "delay: %d\n", st.Delay)
	fmt.Fprintf(&b, "ttr: %d\n", st.TTR)
	fmt.Fprintf(&b, "time-left: %d\n", st.TimeLeft)
	fmt.Fprintf(&b, "file: %d\n", st.File)
	fmt.Fprintf(&b, "reserves: %d\n", st.Reserves)
	fmt.Fprintf(&b, "timeouts: %d\n", st.Timeouts)
	fmt.Fprintf(&b, "releases: %d\n", st.Releases)
	fmt.Fprintf(&b, "buries: %d\n", st.Buries)
	fmt.Fprintf(&b, "kicks: %d\n", st.Kicks)
	return b.Bytes()
}

func formatTubeStats(st TubeStats) []byte {
	var b bytes.Buffer
	b.WriteString("---\n")
	fmt.Fprintf(&b, "name: %s\n", st.Name)
	fmt.Fprintf(&b, "current-jobs-urgent: %d\n", st.CurrentJobsUrgent)
	fmt.Fprintf(&b, "current-jobs-ready: %d\n", st.CurrentJobsReady)
	fmt.Fprintf(&b, "current-jobs-reserved: %d\n", st.CurrentJobsReserved)
	fmt.Fprintf(&b, "current-jobs-delayed: %d\n", st.CurrentJobsDelayed)
	fmt.Fprintf(&b, "current-jobs-buried: %d\n", st.CurrentJobsBuried)
	fmt.Fprintf(&b, "total-jobs: %d\n", st.TotalJobs)
	fmt.Fprintf(&b, "current-using: %d\n", st.CurrentUsing)
	fmt.Fprintf(&b, "current-watching: %d\n", st.CurrentWatching)
	fmt.Fprintf(&b, "current-waiting: %d\n", st.CurrentWaiting)
	fmt.Fprintf(&b, "cmd-delete: %d\n", st.CmdDelete)
	fmt.Fprintf(&b, "cmd-pause-tube: %d\n", st.CmdPauseTube)
	fmt.Fprintf(&b, "pause: %d\n", st.Pause)
	fmt.Fprintf(&b, "pause-time-left: %d\n", st.PauseTimeLeft)
	return b.Bytes()
}

func formatServerStats(st ServerStats) []byte {
	var b bytes.Buffer
	b.WriteString("---\n")
	fmt.Fprintf(&b, "current-jobs-urgent: %d\n", st.CurrentJobsUrgent)
	fmt.Fprintf(&b, "current-jobs-ready: %d\n", st.CurrentJobsReady)
	fmt.Fprintf(&b, "current-jobs-reserved: %d\n", st.CurrentJobsReserved)
	fmt.Fprintf(&b, "current-jobs-delayed: %d\n", st.CurrentJobsDelayed)
	fmt.Fprintf(&b, "current-jobs-buried: %d\n", st.CurrentJobsBuried)
	fmt.Fprintf(&b, "total-jobs: %d\n", st.TotalJobs)
	fmt.Fprintf(&b, "current-tubes: %d\n", st.CurrentTubes)
	fmt.Fprintf(&b, "current-connections: %d\n", st.CurrentConnections)
	fmt.Fprintf(&b, "current-waiting: %d\n", st.CurrentWaiting)
	fmt.Fprintf(&b, "pid: %d\n", os.Getpid())
	fmt.Fprintf(&b, "version: %q\n", st.Version)
	fmt.Fprintf(&b, "uptime: %d\n", st.Uptime)
	return b.Bytes()
}

func formatList(names []string) []byte {
	var b bytes.Buffer
	b.WriteString("---\n")
	for _, name := range names {
		fmt.Fprintf(&b, "- %s\n", name)
	}
	return b.Bytes()
}
