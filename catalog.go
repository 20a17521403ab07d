package beancounter

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// counter binds a wire-level stat name to a numeric field.
type counter[T any] struct {
	wire  string
	field func(T) *uint64
}

// jobCounters lists every numeric stats-job field.
var jobCounters = []counter[*Job]{
	{"age", func(j *Job) *uint64 { return &j.Age }},
	{"buries", func(j *Job) *uint64 { return &j.Buries }},
	{"delay", func(j *Job) *uint64 { return &j.Delay }},
	{"file", func(j *Job) *uint64 { return &j.File }},
	{"id", func(j *Job) *uint64 { return &j.ID }},
	{"kicks", func(j *Job) *uint64 { return &j.Kicks }},
	{"pri", func(j *Job) *uint64 { return &j.Pri }},
	{"releases", func(j *Job) *uint64 { return &j.Releases }},
	{"reserves", func(j *Job) *uint64 { return &j.Reserves }},
	{"time-left", func(j *Job) *uint64 { return &j.TimeLeft }},
	{"timeouts", func(j *Job) *uint64 { return &j.Timeouts }},
	{"ttr", func(j *Job) *uint64 { return &j.TTR }},
}

// tubeCounters lists every numeric stats-tube field. "pause" is read through PauseTime.
var tubeCounters = []counter[*TubeStats]{
	{"cmd-delete", func(s *TubeStats) *uint64 { return &s.CmdDelete }},
	{"cmd-pause-tube", func(s *TubeStats) *uint64 { return &s.CmdPauseTube }},
	{"current-jobs-buried", func(s *TubeStats) *uint64 { return &s.CurrentJobsBuried }},
	{"current-jobs-delayed", func(s *TubeStats) *uint64 { return &s.CurrentJobsDelayed }},
	{"current-jobs-ready", func(s *TubeStats) *uint64 { return &s.CurrentJobsReady }},
	{"current-jobs-reserved", func(s *TubeStats) *uint64 { return &s.CurrentJobsReserved }},
	{"current-jobs-urgent", func(s *TubeStats) *uint64 { return &s.CurrentJobsUrgent }},
	{"current-using", func(s *TubeStats) *uint64 { return &s.CurrentUsing }},
	{"current-waiting", func(s *TubeStats) *uint64 { return &s.CurrentWaiting }},
	{"current-watching", func(s *TubeStats) *uint64 { return &s.CurrentWatching }},
	{"pause", func(s *TubeStats) *uint64 { return &s.PauseTime }},
	{"pause-time-left", func(s *TubeStats) *uint64 { return &s.PauseTimeLeft }},
	{"total-jobs", func(s *TubeStats) *uint64 { return &s.TotalJobs }},
}

// catalog maps a matchable attribute name to its accessor.
type catalog[T any] map[string]func(T) any

// jobAttributes is the closed set of attributes a job predicate may name.
var jobAttributes = func() catalog[*Job] {
	c := catalog[*Job]{
		"body":       func(j *Job) any { return string(j.Body) },
		"connection": func(j *Job) any { return j.Server },
		"state":      func(j *Job) any { return string(j.State) },
		"tube":       func(j *Job) any { return j.Tube },
	}
	for _, ctr := range jobCounters {
		if ctr.wire == "file" {
			continue
		}
		field := ctr.field
		c[ctr.wire] = func(j *Job) any { return *field(j) }
	}
	return c
}()

// tubeAttributes is the closed set of attributes a tube predicate may name.
var tubeAttributes = func() catalog[*Tube] {
	c := catalog[*Tube]{
		"name": func(t *Tube) any { return t.Name },
	}
	for _, ctr := range tubeCounters {
		field := ctr.field
		c[ctr.wire] = func(t *Tube) any { return *field(&t.TubeStats) }
	}
	return c
}()

// JobAttributes lists the attribute names accepted in job predicates.
func JobAttributes() []string {
	return jobAttributes.names()
}

// TubeAttributes lists the attribute names accepted in tube predicates.
func TubeAttributes() []string {
	return tubeAttributes.names()
}

func (c catalog[T]) names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// lookup returns the accessor for a predicate key, if the key names a catalogued attribute.
func (c catalog[T]) lookup(key string) (func(T) any, bool) {
	get, ok := c[NormalizeAttribute(key)]
	return get, ok
}

// NormalizeAttribute maps a predicate key to its wire-level stat name:
// keys are case-insensitive and "_" may stand in for "-".
func NormalizeAttribute(key string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), "_", "-")
}

// applyJobStats copies a stats-job dictionary into job.
func applyJobStats(job *Job, stats map[string]string) error {
	for _, ctr := range jobCounters {
		raw, ok := stats[ctr.wire]
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid job stat %s=%q: %w", ctr.wire, raw, err)
		}
		*ctr.field(job) = n
	}
	if tube, ok := stats["tube"]; ok {
		job.Tube = tube
	}
	if state, ok := stats["state"]; ok {
		job.State = JobState(state)
	}
	return nil
}

// parseTubeStats reads a stats-tube dictionary.
func parseTubeStats(stats map[string]string) (TubeStats, error) {
	var ts TubeStats
	for _, ctr := range tubeCounters {
		raw, ok := stats[ctr.wire]
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return TubeStats{}, fmt.Errorf("invalid tube stat %s=%q: %w", ctr.wire, raw, err)
		}
		*ctr.field(&ts) = n
	}
	return ts, nil
}

// add sums other's counters into s.
func (s *TubeStats) add(other TubeStats) {
	for _, ctr := range tubeCounters {
		*ctr.field(s) += *ctr.field(&other)
	}
}
