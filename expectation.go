package beancounter

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"strings"
)

// EnqueuedExpectation expects jobs matching a predicate, optionally a specific
// number of them, optionally only among the jobs created while a callback runs.
type EnqueuedExpectation struct {
	strategy Strategy
	expected Attrs
	count    Matcher
	found    []*Job
}

// NewEnqueuedExpectation builds an expectation for jobs matching attrs.
// A "count" entry (int, Range or any Matcher) is split off as the count constraint;
// the exact key "count" takes precedence over other spellings such as "Count".
func NewEnqueuedExpectation(strategy Strategy, attrs Attrs) *EnqueuedExpectation {
	expected, count := splitCount(attrs)
	return &EnqueuedExpectation{strategy: strategy, expected: expected, count: count}
}

func splitCount(attrs Attrs) (Attrs, Matcher) {
	expected := maps.Clone(attrs)
	if expected == nil {
		expected = Attrs{}
	}
	var count any
	if v, ok := expected[CountKey]; ok {
		count = v
	}
	for key, v := range expected {
		if NormalizeAttribute(key) != CountKey {
			continue
		}
		if count == nil {
			count = v
		}
		delete(expected, key)
	}
	if count == nil {
		return expected, nil
	}
	return expected, MatcherFor(count)
}

// Expected returns the attribute predicate, count excluded.
func (e *EnqueuedExpectation) Expected() Attrs {
	return e.expected
}

// ExpectedCount returns the count constraint, or nil when any positive number of matches will do.
func (e *EnqueuedExpectation) ExpectedCount() Matcher {
	return e.count
}

// Found returns the jobs found by the last evaluation.
func (e *EnqueuedExpectation) Found() []*Job {
	return e.found
}

// Matches evaluates the expectation. With a nil fn every job of the strategy is
// considered; otherwise only the jobs created while fn runs.
// Without a count the search stops at the first match.
func (e *EnqueuedExpectation) Matches(ctx context.Context, fn func() error) (bool, error) {
	if e.strategy == nil {
		return false, ErrNotImplemented
	}
	e.found = nil

	var candidates iter.Seq2[*Job, error]
	if fn != nil {
		jobs, err := e.strategy.CollectNewJobs(ctx, fn)
		if err != nil {
			return false, err
		}
		candidates = func(yield func(*Job, error) bool) {
			for _, job := range jobs {
				if !yield(job, nil) {
					return
				}
			}
		}
	} else {
		candidates = e.strategy.Jobs(ctx)
	}

	for job, err := range candidates {
		if err != nil {
			return false, err
		}
		ok, err := e.strategy.JobMatches(ctx, job, e.expected)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		e.found = append(e.found, job)
		if e.count == nil {
			break
		}
	}

	if e.count == nil {
		return len(e.found) > 0, nil
	}
	return e.count.Accepts(len(e.found)), nil
}

// FailureMessage explains a failed positive expectation.
func (e *EnqueuedExpectation) FailureMessage() string {
	want := "any number of"
	if e.count != nil {
		want = e.count.String()
	}
	msg := fmt.Sprintf("expected %s jobs matching %s, found ", want, e.expected)
	if len(e.found) == 0 && e.count == nil {
		return msg + "none"
	}
	return msg + fmt.Sprintf("%d: %s", len(e.found), e.renderFound())
}

// NegativeFailureMessage explains a failed negative expectation. It is empty when
// nothing was found.
func (e *EnqueuedExpectation) NegativeFailureMessage() string {
	if len(e.found) == 0 {
		return ""
	}
	count, noun := "any", "jobs"
	if e.count != nil {
		count = e.count.String()
		if exact, ok := e.count.(Exact); ok && exact.Accepts(1) {
			noun = "job"
		}
	}
	return fmt.Sprintf("did not expect %s %s matching %s, found %d: %s",
		count, noun, e.expected, len(e.found), e.renderFound())
}

func (e *EnqueuedExpectation) renderFound() string {
	lines := make([]string, len(e.found))
	for i, job := range e.found {
		lines[i] = e.strategy.PrettyPrintJob(job)
	}
	return strings.Join(lines, "\n")
}

// TubeExpectation expects at least one tube matching a predicate.
type TubeExpectation struct {
	strategy Strategy
	expected Attrs
	found    *Tube
}

// NewTubeExpectation builds an expectation for a tube matching attrs.
func NewTubeExpectation(strategy Strategy, attrs Attrs) *TubeExpectation {
	expected := maps.Clone(attrs)
	if expected == nil {
		expected = Attrs{}
	}
	return &TubeExpectation{strategy: strategy, expected: expected}
}

// Expected returns the tube predicate.
func (e *TubeExpectation) Expected() Attrs {
	return e.expected
}

// Found returns the tube found by the last evaluation, or nil.
func (e *TubeExpectation) Found() *Tube {
	return e.found
}

// Matches reports whether any tube matches. The search stops at the first match.
func (e *TubeExpectation) Matches(ctx context.Context) (bool, error) {
	if e.strategy == nil {
		return false, ErrNotImplemented
	}
	e.found = nil
	for tube, err := range e.strategy.Tubes(ctx) {
		if err != nil {
			return false, err
		}
		ok, err := e.strategy.TubeMatches(ctx, tube, e.expected)
		if err != nil {
			return false, err
		}
		if ok {
			e.found = tube
			return true, nil
		}
	}
	return false, nil
}

// FailureMessage explains a failed positive expectation. It is empty when a tube was found.
func (e *TubeExpectation) FailureMessage() string {
	if e.found != nil {
		return ""
	}
	return fmt.Sprintf("expected tube matching %s, found none.", e.expected)
}

// NegativeFailureMessage explains a failed negative expectation. It is empty when
// no tube was found.
func (e *TubeExpectation) NegativeFailureMessage() string {
	if e.found == nil {
		return ""
	}
	return fmt.Sprintf("expected no tubes matching %s, found %s", e.expected, e.strategy.PrettyPrintTube(e.found))
}
