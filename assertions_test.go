package beancounter_test

import (
	"fmt"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/VsevolodSauta/beancounter"
)

// recordingT captures failures instead of failing the running test.
type recordingT struct {
	testing.TB
	errors []string
	fatals []string
}

func (t *recordingT) Helper() {}

func (t *recordingT) Error(args ...any) {
	t.errors = append(t.errors, fmt.Sprint(args...))
}

func (t *recordingT) Fatalf(format string, args ...any) {
	t.fatals = append(t.fatals, fmt.Sprintf(format, args...))
}

var _ = Describe("testing.TB assertions", func() {
	var strategy *fakeStrategy
	var t *recordingT

	BeforeEach(func() {
		strategy = &fakeStrategy{
			jobs:  fakeJobs("X", "Y"),
			tubes: []*beancounter.Tube{{Name: "default"}, {Name: "mailer"}},
		}
		t = &recordingT{}
		Expect(beancounter.UseStrategy(strategy)).To(Succeed())
	})

	AfterEach(func() {
		Expect(beancounter.ClearStrategy()).To(Succeed())
	})

	It("should pass and fail AssertEnqueued", func() {
		Expect(beancounter.AssertEnqueued(t, beancounter.Attrs{"body": "X"})).To(BeTrue())
		Expect(beancounter.AssertEnqueued(t, beancounter.Attrs{"body": "Z"})).To(BeFalse())
		Expect(t.errors).To(Equal([]string{`expected any number of jobs matching {body: "Z"}, found none`}))
	})

	It("should pass and fail RefuteEnqueued", func() {
		Expect(beancounter.RefuteEnqueued(t, beancounter.Attrs{"body": "Z"})).To(BeTrue())
		Expect(beancounter.RefuteEnqueued(t, beancounter.Attrs{"body": "X"})).To(BeFalse())
		Expect(t.errors).To(Equal([]string{`did not expect any jobs matching {body: "X"}, found 1: {body: "X"}`}))
	})

	It("should run the callback for AssertEnqueues and RefuteEnqueues", func() {
		strategy.created = fakeJobs("new")
		calls := 0
		fn := func() { calls++ }

		Expect(beancounter.AssertEnqueues(t, beancounter.Attrs{"body": "new"}, fn)).To(BeTrue())
		Expect(beancounter.RefuteEnqueues(t, beancounter.Attrs{"body": "X"}, fn)).To(BeTrue())
		Expect(calls).To(Equal(2))
		Expect(t.errors).To(BeEmpty())
	})

	It("should fail fatally without a callback", func() {
		Expect(beancounter.AssertEnqueues(t, nil, nil)).To(BeFalse())
		Expect(beancounter.RefuteEnqueues(t, nil, nil)).To(BeFalse())
		Expect(t.fatals).To(HaveLen(2))
		Expect(t.fatals[0]).To(ContainSubstring("callback required"))
	})

	It("should pass and fail tube assertions", func() {
		Expect(beancounter.AssertTube(t, beancounter.Attrs{"name": "mailer"})).To(BeTrue())
		Expect(beancounter.RefuteTube(t, beancounter.Attrs{"name": "reports"})).To(BeTrue())
		Expect(t.errors).To(BeEmpty())

		Expect(beancounter.AssertTube(t, beancounter.Attrs{"name": "reports"})).To(BeFalse())
		Expect(beancounter.RefuteTube(t, nil)).To(BeFalse())
		Expect(t.errors).To(Equal([]string{
			`expected tube matching {name: "reports"}, found none.`,
			`expected no tubes matching {}, found {name: "default"}`,
		}))
	})

	It("should fail fatally when the strategy errors", func() {
		Expect(beancounter.UseStrategy(beancounter.UnimplementedStrategy{})).To(Succeed())
		Expect(beancounter.AssertEnqueued(t, nil)).To(BeFalse())
		Expect(beancounter.AssertTube(t, nil)).To(BeFalse())
		Expect(t.fatals).To(HaveLen(2))
	})
})
