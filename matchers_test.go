package beancounter_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/VsevolodSauta/beancounter"
)

var _ = Describe("gomega matchers", func() {
	var strategy *beancounter.EmbeddedStrategy
	var addr string
	var p *producer

	BeforeEach(func() {
		var err error
		strategy, err = beancounter.NewEmbeddedStrategy([]string{"127.0.0.1:0"}, beancounter.EmbeddedOptions{}, testLogger())
		Expect(err).NotTo(HaveOccurred())
		addr = strategy.Addrs()[0]
		p = newProducer()
	})

	AfterEach(func() {
		p.close()
		_ = strategy.Close()
	})

	It("should match enqueued jobs", func() {
		p.put(addr, "mailer", "welcome")
		Expect(strategy).To(beancounter.HaveEnqueued(beancounter.Attrs{"tube": "mailer", "count": 1}))
		Expect(strategy).NotTo(beancounter.HaveEnqueued(beancounter.Attrs{"tube": "reports"}))
	})

	It("should match jobs enqueued by a function", func() {
		p.put(addr, "mailer", "before")
		Expect(func() {
			p.put(addr, "mailer", "during")
		}).To(beancounter.Enqueue(strategy, beancounter.Attrs{"body": "during", "count": 1}))

		Expect(func() error { return nil }).NotTo(beancounter.Enqueue(strategy, beancounter.Attrs{}))
	})

	It("should surface callback errors", func() {
		boom := errors.New("boom")
		matched, err := beancounter.Enqueue(strategy, nil).Match(func() error { return boom })
		Expect(err).To(MatchError(boom))
		Expect(matched).To(BeFalse())
	})

	It("should match tubes", func() {
		p.put(addr, "reports", "x")
		Expect(strategy).To(beancounter.HaveTube(beancounter.Attrs{"name": "reports", "current-jobs-ready": 1}))
		Expect(strategy).NotTo(beancounter.HaveTube(beancounter.Attrs{"name": "nope"}))
	})

	It("should explain failures", func() {
		m := beancounter.HaveEnqueued(beancounter.Attrs{"body": "missing"})
		Expect(m.Match(beancounter.Strategy(strategy))).To(BeFalse())
		Expect(m.FailureMessage(strategy)).To(Equal(`expected any number of jobs matching {body: "missing"}, found none`))
	})

	It("should reject the wrong actual values", func() {
		_, err := beancounter.HaveEnqueued(nil).Match("not a strategy")
		Expect(err).To(HaveOccurred())
		_, err = beancounter.Enqueue(strategy, nil).Match(42)
		Expect(err).To(HaveOccurred())
		_, err = beancounter.HaveTube(nil).Match(context.Background())
		Expect(err).To(HaveOccurred())
	})
})

