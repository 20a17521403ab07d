package beancounter

import (
	"context"
	"testing"
)

// AssertEnqueued fails t unless jobs matching attrs exist on the current strategy.
// With a "count" entry the number of matching jobs must satisfy it.
//
//	beancounter.AssertEnqueued(t, beancounter.Attrs{"body": regexp.MustCompile(`test`), "count": 5})
//	beancounter.AssertEnqueued(t, beancounter.Attrs{"state": "buried", "count": 3})
func AssertEnqueued(t testing.TB, attrs Attrs) bool {
	t.Helper()
	return enqueueExpectation(t, true, attrs, nil)
}

// RefuteEnqueued fails t if any job matching attrs exists.
func RefuteEnqueued(t testing.TB, attrs Attrs) bool {
	t.Helper()
	return enqueueExpectation(t, false, attrs, nil)
}

// AssertEnqueues fails t unless fn enqueues jobs matching attrs. Only jobs created
// while fn runs are considered.
func AssertEnqueues(t testing.TB, attrs Attrs, fn func()) bool {
	t.Helper()
	if fn == nil {
		t.Fatalf("beancounter: %v", ErrCallbackRequired)
		return false
	}
	return enqueueExpectation(t, true, attrs, fn)
}

// RefuteEnqueues fails t if fn enqueues any job matching attrs.
func RefuteEnqueues(t testing.TB, attrs Attrs, fn func()) bool {
	t.Helper()
	if fn == nil {
		t.Fatalf("beancounter: %v", ErrCallbackRequired)
		return false
	}
	return enqueueExpectation(t, false, attrs, fn)
}

// AssertTube fails t unless a tube matching attrs exists.
//
//	beancounter.AssertTube(t, beancounter.Attrs{"name": "mailer", "current-jobs-ready": beancounter.Between(1, 10)})
func AssertTube(t testing.TB, attrs Attrs) bool {
	t.Helper()
	return tubeExpectation(t, true, attrs)
}

// RefuteTube fails t if a tube matching attrs exists. With no attrs it always fails.
func RefuteTube(t testing.TB, attrs Attrs) bool {
	t.Helper()
	return tubeExpectation(t, false, attrs)
}

func enqueueExpectation(t testing.TB, positive bool, attrs Attrs, fn func()) bool {
	t.Helper()
	ctx := context.Background()
	strategy, err := CurrentStrategy(ctx)
	if err != nil {
		t.Fatalf("beancounter: %v", err)
		return false
	}

	var callback func() error
	if fn != nil {
		callback = func() error {
			fn()
			return nil
		}
	}
	expectation := NewEnqueuedExpectation(strategy, attrs)
	matched, err := expectation.Matches(ctx, callback)
	if err != nil {
		t.Fatalf("beancounter: %v", err)
		return false
	}
	if positive && !matched {
		t.Error(expectation.FailureMessage())
		return false
	}
	if !positive && matched {
		t.Error(expectation.NegativeFailureMessage())
		return false
	}
	return true
}

func tubeExpectation(t testing.TB, positive bool, attrs Attrs) bool {
	t.Helper()
	ctx := context.Background()
	strategy, err := CurrentStrategy(ctx)
	if err != nil {
		t.Fatalf("beancounter: %v", err)
		return false
	}

	expectation := NewTubeExpectation(strategy, attrs)
	matched, err := expectation.Matches(ctx)
	if err != nil {
		t.Fatalf("beancounter: %v", err)
		return false
	}
	if positive && !matched {
		t.Error(expectation.FailureMessage())
		return false
	}
	if !positive && matched {
		t.Error(expectation.NegativeFailureMessage())
		return false
	}
	return true
}
