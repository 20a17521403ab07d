package beancounter_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/VsevolodSauta/beancounter"
)

var _ = Describe("EnqueuedExpectation", func() {
	var strategy *fakeStrategy
	var ctx context.Context

	BeforeEach(func() {
		strategy = &fakeStrategy{}
		ctx = context.Background()
	})

	Describe("count extraction", func() {
		It("should split the count off the predicate", func() {
			e := beancounter.NewEnqueuedExpectation(strategy, beancounter.Attrs{"body": "X", "count": 2})
			Expect(e.Expected()).To(Equal(beancounter.Attrs{"body": "X"}))
			Expect(e.ExpectedCount()).To(Equal(beancounter.Exact{Value: 2}))
		})

		It("should prefer the exact count key over other spellings", func() {
			e := beancounter.NewEnqueuedExpectation(strategy, beancounter.Attrs{"Count": 5, "count": 2})
			Expect(e.Expected()).To(BeEmpty())
			Expect(e.ExpectedCount()).To(Equal(beancounter.Exact{Value: 2}))
		})

		It("should accept other spellings when the exact key is absent", func() {
			e := beancounter.NewEnqueuedExpectation(strategy, beancounter.Attrs{"COUNT": beancounter.Between(1, 3)})
			Expect(e.ExpectedCount()).To(Equal(beancounter.Range{Min: 1, Max: 3}))
		})

		It("should not modify the caller's predicate", func() {
			attrs := beancounter.Attrs{"body": "X", "count": 2}
			beancounter.NewEnqueuedExpectation(strategy, attrs)
			Expect(attrs).To(HaveKey("count"))
		})

		It("should have no count when none is given", func() {
			Expect(beancounter.NewEnqueuedExpectation(strategy, nil).ExpectedCount()).To(BeNil())
		})
	})

	Describe("Matches", func() {
		It("should succeed on the first match without a count", func() {
			strategy.jobs = fakeJobs("X", "X", "X")
			e := beancounter.NewEnqueuedExpectation(strategy, beancounter.Attrs{"body": "X"})
			Expect(e.Matches(ctx, nil)).To(BeTrue())
			Expect(strategy.matchCalls).To(Equal(1))
			Expect(e.Found()).To(HaveLen(1))
		})

		It("should visit every job with a count", func() {
			strategy.jobs = fakeJobs("X", "X", "Y")
			e := beancounter.NewEnqueuedExpectation(strategy, beancounter.Attrs{"body": "X", "count": 2})
			Expect(e.Matches(ctx, nil)).To(BeTrue())
			Expect(strategy.matchCalls).To(Equal(3))
		})

		It("should fail when the count differs", func() {
			strategy.jobs = fakeJobs("X", "X", "X")
			e := beancounter.NewEnqueuedExpectation(strategy, beancounter.Attrs{"body": "X", "count": 2})
			Expect(e.Matches(ctx, nil)).To(BeFalse())
			Expect(e.Found()).To(HaveLen(3))
		})

		It("should accept a count range", func() {
			strategy.jobs = fakeJobs("X", "X", "X")
			e := beancounter.NewEnqueuedExpectation(strategy, beancounter.Attrs{"count": beancounter.Between(1, 3)})
			Expect(e.Matches(ctx, nil)).To(BeTrue())
		})

		It("should accept a count of zero", func() {
			strategy.jobs = fakeJobs("Y")
			e := beancounter.NewEnqueuedExpectation(strategy, beancounter.Attrs{"body": "X", "count": 0})
			Expect(e.Matches(ctx, nil)).To(BeTrue())
		})

		It("should fail without jobs", func() {
			e := beancounter.NewEnqueuedExpectation(strategy, beancounter.Attrs{})
			Expect(e.Matches(ctx, nil)).To(BeFalse())
		})

		It("should only consider jobs created by the callback", func() {
			strategy.jobs = fakeJobs("X")
			strategy.created = fakeJobs("Y")
			called := 0
			e := beancounter.NewEnqueuedExpectation(strategy, beancounter.Attrs{"body": "X"})
			Expect(e.Matches(ctx, func() error {
				called++
				return nil
			})).To(BeFalse())
			Expect(called).To(Equal(1))
		})

		It("should propagate callback errors", func() {
			boom := errors.New("boom")
			e := beancounter.NewEnqueuedExpectation(strategy, beancounter.Attrs{})
			_, err := e.Matches(ctx, func() error { return boom })
			Expect(err).To(MatchError(boom))
		})

		It("should report a missing strategy", func() {
			_, err := beancounter.NewEnqueuedExpectation(nil, nil).Matches(ctx, nil)
			Expect(err).To(MatchError(beancounter.ErrNotImplemented))
		})

		It("should surface errors of an unimplemented strategy", func() {
			e := beancounter.NewEnqueuedExpectation(beancounter.UnimplementedStrategy{}, nil)
			_, err := e.Matches(ctx, nil)
			Expect(err).To(MatchError(beancounter.ErrNotImplemented))
		})
	})

	Describe("messages", func() {
		It("should describe a failed search without count", func() {
			e := beancounter.NewEnqueuedExpectation(strategy, beancounter.Attrs{"body": "X"})
			Expect(e.Matches(ctx, nil)).To(BeFalse())
			Expect(e.FailureMessage()).To(Equal(`expected any number of jobs matching {body: "X"}, found none`))
			Expect(e.NegativeFailureMessage()).To(BeEmpty())
		})

		It("should describe a failed count", func() {
			strategy.jobs = fakeJobs("X", "X")
			e := beancounter.NewEnqueuedExpectation(strategy, beancounter.Attrs{"body": "X", "count": 3})
			Expect(e.Matches(ctx, nil)).To(BeFalse())
			Expect(e.FailureMessage()).To(Equal("expected 3 jobs matching {body: \"X\"}, found 2: {body: \"X\"}\n{body: \"X\"}"))
		})

		It("should describe unexpected jobs", func() {
			strategy.jobs = fakeJobs("X")
			e := beancounter.NewEnqueuedExpectation(strategy, beancounter.Attrs{"body": "X"})
			Expect(e.Matches(ctx, nil)).To(BeTrue())
			Expect(e.NegativeFailureMessage()).To(Equal(`did not expect any jobs matching {body: "X"}, found 1: {body: "X"}`))
		})

		It("should use the singular for a count of one", func() {
			strategy.jobs = fakeJobs("X")
			e := beancounter.NewEnqueuedExpectation(strategy, beancounter.Attrs{"body": "X", "count": 1})
			Expect(e.Matches(ctx, nil)).To(BeTrue())
			Expect(e.NegativeFailureMessage()).To(Equal(`did not expect 1 job matching {body: "X"}, found 1: {body: "X"}`))
		})
	})
})

var _ = Describe("TubeExpectation", func() {
	var strategy *fakeStrategy
	var ctx context.Context

	BeforeEach(func() {
		strategy = &fakeStrategy{tubes: []*beancounter.Tube{{Name: "default"}, {Name: "mailer"}, {Name: "mailer-2"}}}
		ctx = context.Background()
	})

	It("should find the first matching tube", func() {
		e := beancounter.NewTubeExpectation(strategy, beancounter.Attrs{"name": beancounter.Matching("^mailer")})
		Expect(e.Matches(ctx)).To(BeTrue())
		Expect(e.Found().Name).To(Equal("mailer"))
		Expect(e.FailureMessage()).To(BeEmpty())
		Expect(e.NegativeFailureMessage()).To(Equal(`expected no tubes matching {name: /^mailer/}, found {name: "mailer"}`))
	})

	It("should describe a missing tube", func() {
		e := beancounter.NewTubeExpectation(strategy, beancounter.Attrs{"name": "reports"})
		Expect(e.Matches(ctx)).To(BeFalse())
		Expect(e.Found()).To(BeNil())
		Expect(e.FailureMessage()).To(Equal(`expected tube matching {name: "reports"}, found none.`))
		Expect(e.NegativeFailureMessage()).To(BeEmpty())
	})

	It("should match any tube with an empty predicate", func() {
		Expect(beancounter.NewTubeExpectation(strategy, nil).Matches(ctx)).To(BeTrue())
	})
})
