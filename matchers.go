package beancounter

import (
	"context"
	"fmt"

	"github.com/onsi/gomega/format"
	"github.com/onsi/gomega/types"
)

// HaveEnqueued succeeds when the Strategy it is applied to holds jobs matching attrs.
//
//	Expect(strategy).To(beancounter.HaveEnqueued(beancounter.Attrs{"tube": "mailer", "count": 1}))
func HaveEnqueued(attrs Attrs) types.GomegaMatcher {
	return &enqueuedMatcher{attrs: attrs}
}

// Enqueue succeeds when the function it is applied to, a func() or func() error,
// enqueues jobs matching attrs on strategy.
//
//	Expect(func() error { return signUp(ctx) }).To(beancounter.Enqueue(strategy, beancounter.Attrs{"tube": "mailer"}))
func Enqueue(strategy Strategy, attrs Attrs) types.GomegaMatcher {
	return &enqueuedMatcher{strategy: strategy, attrs: attrs, withCallback: true}
}

// HaveTube succeeds when the Strategy it is applied to has a tube matching attrs.
func HaveTube(attrs Attrs) types.GomegaMatcher {
	return &tubeMatcher{attrs: attrs}
}

type enqueuedMatcher struct {
	strategy     Strategy
	attrs        Attrs
	withCallback bool

	expectation *EnqueuedExpectation
}

func (m *enqueuedMatcher) Match(actual any) (bool, error) {
	ctx := context.Background()
	if !m.withCallback {
		strategy, ok := actual.(Strategy)
		if !ok {
			return false, fmt.Errorf("HaveEnqueued expects a Strategy, got:\n%s", format.Object(actual, 1))
		}
		m.expectation = NewEnqueuedExpectation(strategy, m.attrs)
		return m.expectation.Matches(ctx, nil)
	}

	var fn func() error
	switch f := actual.(type) {
	case func() error:
		fn = f
	case func():
		fn = func() error {
			f()
			return nil
		}
	default:
		return false, fmt.Errorf("Enqueue expects a func() or func() error, got:\n%s", format.Object(actual, 1))
	}
	if fn == nil {
		return false, ErrCallbackRequired
	}
	m.expectation = NewEnqueuedExpectation(m.strategy, m.attrs)
	return m.expectation.Matches(ctx, fn)
}

func (m *enqueuedMatcher) FailureMessage(any) string {
	return m.expectation.FailureMessage()
}

func (m *enqueuedMatcher) NegatedFailureMessage(any) string {
	return m.expectation.NegativeFailureMessage()
}

type tubeMatcher struct {
	attrs       Attrs
	expectation *TubeExpectation
}

func (m *tubeMatcher) Match(actual any) (bool, error) {
	strategy, ok := actual.(Strategy)
	if !ok {
		return false, fmt.Errorf("HaveTube expects a Strategy, got:\n%s", format.Object(actual, 1))
	}
	m.expectation = NewTubeExpectation(strategy, m.attrs)
	return m.expectation.Matches(context.Background())
}

func (m *tubeMatcher) FailureMessage(any) string {
	return m.expectation.FailureMessage()
}

func (m *tubeMatcher) NegatedFailureMessage(any) string {
	return m.expectation.NegativeFailureMessage()
}
