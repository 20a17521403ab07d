package beancounter_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/VsevolodSauta/beancounter"
)

func setEnv(key, value string) {
	old, had := os.LookupEnv(key)
	Expect(os.Setenv(key, value)).To(Succeed())
	DeferCleanup(func() {
		if had {
			_ = os.Setenv(key, old)
		} else {
			_ = os.Unsetenv(key)
		}
	})
}

var _ = Describe("Config", func() {
	BeforeEach(func() {
		for _, key := range []string{"BEANSTALKD_URL", "BEANCOUNTER_STRATEGY", "BEANCOUNTER_TEST_TUBE", "BEANCOUNTER_STORE", "BEANCOUNTER_STORE_PATH"} {
			setEnv(key, "")
		}
	})

	It("should use defaults", func() {
		cfg := beancounter.LoadConfig()
		Expect(cfg.URLs).To(Equal([]string{"localhost:11300"}))
		Expect(cfg.Strategy).To(Equal("climber"))
		Expect(cfg.TestTube).To(Equal(beancounter.DefaultTestTube))
		Expect(cfg.Store).To(Equal("memory"))
		Expect(cfg.StorePath).To(BeEmpty())
	})

	It("should read the environment", func() {
		setEnv("BEANSTALKD_URL", "127.0.0.1, beanstalk://localhost:11300 ,localhost:11301")
		setEnv("BEANCOUNTER_STRATEGY", "embedded")
		setEnv("BEANCOUNTER_STORE", "badger")

		cfg := beancounter.LoadConfig()
		Expect(cfg.URLs).To(Equal([]string{"127.0.0.1", "beanstalk://localhost:11300", "localhost:11301"}))
		Expect(cfg.Strategy).To(Equal("embedded"))
		Expect(cfg.Store).To(Equal("badger"))
	})

	It("should load YAML and let the environment win", func() {
		path := filepath.Join(GinkgoT().TempDir(), "beancounter.yaml")
		Expect(os.WriteFile(path, []byte("urls:\n  - beanstalk://queue:11301\nstrategy: embedded\ntest_tube: probes\n"), 0o644)).To(Succeed())
		setEnv("BEANCOUNTER_TEST_TUBE", "env-probes")

		cfg, err := beancounter.LoadConfigFile(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.URLs).To(Equal([]string{"beanstalk://queue:11301"}))
		Expect(cfg.Strategy).To(Equal("embedded"))
		Expect(cfg.TestTube).To(Equal("env-probes"))
		Expect(cfg.Store).To(Equal("memory"))
	})

	It("should reject invalid files", func() {
		dir := GinkgoT().TempDir()
		_, err := beancounter.LoadConfigFile(filepath.Join(dir, "missing.yaml"))
		Expect(err).To(HaveOccurred())

		path := filepath.Join(dir, "bad.yaml")
		Expect(os.WriteFile(path, []byte("urls:\n  - http://queue\n"), 0o644)).To(Succeed())
		_, err = beancounter.LoadConfigFile(path)
		Expect(err).To(MatchError(ContainSubstring("unsupported scheme")))
	})

	It("should require a server", func() {
		cfg := beancounter.DefaultConfig()
		cfg.URLs = nil
		Expect(cfg.Validate()).To(MatchError(beancounter.ErrNoServers))
	})

	DescribeTable("ParseURL",
		func(raw, want string) {
			Expect(beancounter.ParseURL(raw)).To(Equal(want))
		},
		Entry("host", "localhost", "localhost:11300"),
		Entry("host and port", "192.168.1.100:11301", "192.168.1.100:11301"),
		Entry("beanstalk URI", "beanstalk://127.0.0.1:11302", "127.0.0.1:11302"),
		Entry("beanstalk URI without port", "beanstalk://localhost", "localhost:11300"),
		Entry("IPv6 with port", "[::1]:11303", "[::1]:11303"),
		Entry("IPv6 URI", "beanstalk://[::1]", "[::1]:11300"),
		Entry("surrounding space", " localhost ", "localhost:11300"),
	)

	DescribeTable("ParseURL errors",
		func(raw string) {
			_, err := beancounter.ParseURL(raw)
			Expect(err).To(HaveOccurred())
		},
		Entry("empty", ""),
		Entry("other scheme", "http://localhost:11300"),
		Entry("bad port", "localhost:port"),
		Entry("port out of range", "localhost:70000"),
		Entry("missing host", ":11300"),
	)
})
