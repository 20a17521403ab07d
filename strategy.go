package beancounter

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrNotImplemented is returned by UnimplementedStrategy: no concrete strategy was selected.
	ErrNotImplemented = errors.New("strategy operation not implemented")
	// ErrCallbackRequired is returned by CollectNewJobs when called without a callback.
	ErrCallbackRequired = errors.New("callback required")
	// ErrNoServers is returned when a strategy is built without server URLs.
	ErrNoServers = errors.New("no beanstalkd servers configured")
)

// Strategy is the backend abstraction every assertion is built on.
// A strategy owns its server connections and is not safe for concurrent use.
type Strategy interface {
	// Jobs lazily yields every job visible to the strategy: ascending id per
	// server, servers in declared order.
	Jobs(ctx context.Context) iter.Seq2[*Job, error]

	// Tubes yields one entry per distinct tube name with stats summed across servers
	Tubes(ctx context.Context) iter.Seq2[*Tube, error]

	// JobMatches refreshes job and reports whether it exists and satisfies attrs
	JobMatches(ctx context.Context, job *Job, attrs Attrs) (bool, error)

	// TubeMatches refreshes tube and reports whether it exists and satisfies attrs
	TubeMatches(ctx context.Context, tube *Tube, attrs Attrs) (bool, error)

	// DeleteJob deletes job. It returns true when the job was deleted or was already
	// gone and false when the server refused, e.g. because another connection holds
	// a reservation on it.
	DeleteJob(ctx context.Context, job *Job) (bool, error)

	// CollectNewJobs runs fn once and returns the jobs created on any server while
	// it ran that still exist afterwards, in ascending (server, id) order.
	// Jobs created concurrently by other clients in that window are included.
	CollectNewJobs(ctx context.Context, fn func() error) ([]*Job, error)

	// PrettyPrintJob renders every attribute of job, keys sorted
	PrettyPrintJob(job *Job) string

	// PrettyPrintTube renders every attribute of tube, keys sorted
	PrettyPrintTube(tube *Tube) string

	// Close closes the strategy's connections and servers
	Close() error
}

// UnimplementedStrategy answers every operation with ErrNotImplemented.
// Embed it to satisfy Strategy while only some operations exist.
type UnimplementedStrategy struct{}

func (UnimplementedStrategy) Jobs(context.Context) iter.Seq2[*Job, error] {
	return func(yield func(*Job, error) bool) { yield(nil, ErrNotImplemented) }
}

func (UnimplementedStrategy) Tubes(context.Context) iter.Seq2[*Tube, error] {
	return func(yield func(*Tube, error) bool) { yield(nil, ErrNotImplemented) }
}

func (UnimplementedStrategy) JobMatches(context.Context, *Job, Attrs) (bool, error) {
	return false, ErrNotImplemented
}

func (UnimplementedStrategy) TubeMatches(context.Context, *Tube, Attrs) (bool, error) {
	return false, ErrNotImplemented
}

func (UnimplementedStrategy) DeleteJob(context.Context, *Job) (bool, error) {
	return false, ErrNotImplemented
}

func (UnimplementedStrategy) CollectNewJobs(context.Context, func() error) ([]*Job, error) {
	return nil, ErrNotImplemented
}

func (UnimplementedStrategy) PrettyPrintJob(*Job) string { return ErrNotImplemented.Error() }

func (UnimplementedStrategy) PrettyPrintTube(*Tube) string { return ErrNotImplemented.Error() }

func (UnimplementedStrategy) Close() error { return nil }

// matchJob is the shared predicate matcher for jobs: refresh, fail closed when gone,
// then test every catalogued attribute.
func matchJob(ctx context.Context, job *Job, attrs Attrs) (bool, error) {
	exists, err := job.Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to refresh job %d: %w", job.ID, err)
	}
	if !exists {
		return false, nil
	}
	return matchAttributes(jobAttributes, job, attrs), nil
}

// matchTube is the shared predicate matcher for tubes.
func matchTube(ctx context.Context, tube *Tube, attrs Attrs) (bool, error) {
	exists, err := tube.Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to refresh tube %s: %w", tube.Name, err)
	}
	if !exists {
		return false, nil
	}
	return matchAttributes(tubeAttributes, tube, attrs), nil
}

// jobFields returns the rendered attributes of a job, keyed by wire name.
func jobFields(job *Job, withConnection bool) map[string]string {
	fields := map[string]string{
		"body":  strconv.Quote(string(job.Body)),
		"state": strconv.Quote(string(job.State)),
		"tube":  strconv.Quote(job.Tube),
	}
	if withConnection {
		fields["connection"] = strconv.Quote(job.Server)
	}
	for _, ctr := range jobCounters {
		if ctr.wire == "file" {
			continue
		}
		fields[ctr.wire] = strconv.FormatUint(*ctr.field(job), 10)
	}
	return fields
}

// tubeFields returns the rendered attributes of a tube, keyed by wire name.
func tubeFields(tube *Tube) map[string]string {
	fields := map[string]string{"name": strconv.Quote(tube.Name)}
	for _, ctr := range tubeCounters {
		fields[ctr.wire] = strconv.FormatUint(*ctr.field(&tube.TubeStats), 10)
	}
	return fields
}

// renderFields renders {key: value, ...} with keys sorted.
func renderFields(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(fields[k])
	}
	b.WriteByte('}')
	return b.String()
}
