package beancounter_test

import (
	"context"
	"log/slog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/VsevolodSauta/beancounter"
)

var _ = Describe("Current strategy", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
		cfg := beancounter.DefaultConfig()
		cfg.URLs = []string{"127.0.0.1:0"}
		cfg.Strategy = beancounter.EmbeddedStrategyName
		beancounter.Configure(cfg, testLogger())
	})

	AfterEach(func() {
		Expect(beancounter.ClearStrategy()).To(Succeed())
		beancounter.Configure(nil, nil)
	})

	It("should build the configured default on first use", func() {
		s, err := beancounter.CurrentStrategy(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(s).To(BeAssignableToTypeOf(&beancounter.EmbeddedStrategy{}))

		again, err := beancounter.CurrentStrategy(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(again).To(BeIdenticalTo(s))
	})

	It("should install and close strategies", func() {
		first, second := &fakeStrategy{}, &fakeStrategy{}
		Expect(beancounter.UseStrategy(first)).To(Succeed())
		Expect(beancounter.CurrentStrategy(ctx)).To(BeIdenticalTo(first))

		Expect(beancounter.UseStrategy(second)).To(Succeed())
		Expect(first.closed).To(Equal(1))
		Expect(beancounter.CurrentStrategy(ctx)).To(BeIdenticalTo(second))

		Expect(beancounter.ClearStrategy()).To(Succeed())
		Expect(second.closed).To(Equal(1))
	})

	It("should keep the current strategy when a name is unknown", func() {
		current := &fakeStrategy{}
		Expect(beancounter.UseStrategy(current)).To(Succeed())

		err := beancounter.SetStrategy(ctx, "gemerald")
		Expect(err).To(MatchError(beancounter.ErrUnknownStrategy))
		Expect(beancounter.CurrentStrategy(ctx)).To(BeIdenticalTo(current))
		Expect(current.closed).To(BeZero())
	})

	It("should switch to registered strategies by name", func() {
		built := &fakeStrategy{}
		err := beancounter.RegisterStrategy("core-test-fake", func(context.Context, *beancounter.Config, *slog.Logger) (beancounter.Strategy, error) {
			return built, nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(beancounter.Strategies()).To(ContainElement("core-test-fake"))

		Expect(beancounter.SetStrategy(ctx, "core-test-fake")).To(Succeed())
		Expect(beancounter.CurrentStrategy(ctx)).To(BeIdenticalTo(built))
	})
})
