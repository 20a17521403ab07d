package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/beanstalkd/go-beanstalk"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/VsevolodSauta/beancounter"
)

var _ = Describe("commands", func() {
	var server *beancounter.EmbeddedStrategy
	var addr string
	var conn *beanstalk.Conn

	put := func(tube, body string) uint64 {
		t := &beanstalk.Tube{Conn: conn, Name: tube}
		id, err := t.Put([]byte(body), 0, 0, time.Minute)
		Expect(err).NotTo(HaveOccurred())
		return id
	}

	run := func(args ...string) (string, error) {
		cmd := newRootCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(io.Discard)
		cmd.SetArgs(append([]string{"--url", addr, "--strategy", beancounter.ClimberStrategyName}, args...))
		err := cmd.Execute()
		return out.String(), err
	}

	BeforeEach(func() {
		for _, key := range []string{"BEANSTALKD_URL", "BEANCOUNTER_STRATEGY", "BEANCOUNTER_TEST_TUBE", "BEANCOUNTER_STORE", "BEANCOUNTER_STORE_PATH"} {
			old, had := os.LookupEnv(key)
			Expect(os.Setenv(key, "")).To(Succeed())
			DeferCleanup(func() {
				if had {
					_ = os.Setenv(key, old)
				} else {
					_ = os.Unsetenv(key)
				}
			})
		}

		var err error
		logger := slog.New(slog.NewTextHandler(GinkgoWriter, &slog.HandlerOptions{Level: slog.LevelError}))
		server, err = beancounter.NewEmbeddedStrategy([]string{"127.0.0.1:0"}, beancounter.EmbeddedOptions{}, logger)
		Expect(err).NotTo(HaveOccurred())
		addr = server.Addrs()[0]
		conn, err = beanstalk.Dial("tcp", addr)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		_ = conn.Close()
		_ = server.Close()
	})

	Describe("jobs", func() {
		It("should list matching jobs", func() {
			put("mailer", "welcome")
			put("mailer", "goodbye")
			put("reports", "weekly")

			out, err := run("jobs", "tube=mailer")
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(ContainSubstring(`body: "welcome"`))
			Expect(out).To(ContainSubstring(`body: "goodbye"`))
			Expect(out).NotTo(ContainSubstring("weekly"))
			Expect(out).To(HaveSuffix("2 jobs\n"))
		})

		It("should match numeric bodies as text", func() {
			put("mailer", "123")
			put("mailer", "1234")

			out, err := run("jobs", "body=123")
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(ContainSubstring(`body: "123"`))
			Expect(out).To(HaveSuffix("1 jobs\n"))
		})

		It("should print zero when nothing matches", func() {
			out, err := run("jobs", "tube=nope")
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal("0 jobs\n"))
		})

		It("should fail when the count is not met", func() {
			put("mailer", "welcome")
			out, err := run("jobs", "tube=mailer", "count=5")
			Expect(err).To(MatchError(ContainSubstring("expected 5 jobs matching")))
			Expect(out).To(HaveSuffix("1 jobs\n"))
		})

		It("should reject malformed attributes", func() {
			_, err := run("jobs", "tube")
			Expect(err).To(MatchError(ContainSubstring("expected key=value")))
		})
	})

	Describe("tubes", func() {
		It("should list matching tubes", func() {
			put("mailer", "welcome")
			out, err := run("tubes", "name=mailer", "current-jobs-ready=1")
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(ContainSubstring(`name: "mailer"`))
			Expect(out).To(HaveSuffix("1 tubes\n"))
		})

		It("should fail when no tube matches", func() {
			_, err := run("tubes", "name=nope")
			Expect(err).To(MatchError(ContainSubstring("expected tube matching")))
		})
	})

	Describe("reset", func() {
		It("should delete the jobs of one tube", func() {
			put("mailer", "welcome")
			put("reports", "weekly")

			out, err := run("reset", "--tube", "mailer")
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal("reset complete\n"))

			out, err = run("jobs")
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(ContainSubstring("weekly"))
			Expect(out).To(HaveSuffix("1 jobs\n"))
		})

		It("should report jobs it could not delete", func() {
			put("mailer", "welcome")
			_, _, err := beanstalk.NewTubeSet(conn, "mailer").Reserve(time.Second)
			Expect(err).NotTo(HaveOccurred())

			_, err = run("reset")
			Expect(err).To(MatchError(ContainSubstring("could not be deleted")))
		})
	})

	Describe("serve", func() {
		It("should start servers and stop with its context", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			cmd := newRootCmd()
			var out bytes.Buffer
			cmd.SetOut(&out)
			cmd.SetArgs([]string{"--url", "127.0.0.1:0", "serve", "--store", "memory"})
			Expect(cmd.ExecuteContext(ctx)).To(Succeed())
			Expect(out.String()).To(HavePrefix("listening on 127.0.0.1:"))
		})

		It("should reject unknown stores", func() {
			cmd := newRootCmd()
			cmd.SetOut(io.Discard)
			cmd.SetArgs([]string{"--url", "127.0.0.1:0", "serve", "--store", "etcd"})
			Expect(cmd.Execute()).To(MatchError(ContainSubstring("unknown store kind")))
		})
	})

	Describe("configuration", func() {
		It("should read a YAML file and let flags override it", func() {
			path := filepath.Join(GinkgoT().TempDir(), "beancounter.yaml")
			Expect(os.WriteFile(path, []byte("urls: [\"beanstalk://nowhere.invalid\"]\nstrategy: climber\n"), 0o600)).To(Succeed())
			put("mailer", "welcome")

			out, err := run("--config", path, "jobs")
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(HaveSuffix("1 jobs\n"))
		})

		It("should reject an unknown strategy", func() {
			cmd := newRootCmd()
			cmd.SetOut(io.Discard)
			cmd.SetArgs([]string{"--url", addr, "--strategy", "bogus", "jobs"})
			Expect(cmd.Execute()).To(MatchError(beancounter.ErrUnknownStrategy))
		})

		It("should reject invalid URLs", func() {
			cmd := newRootCmd()
			cmd.SetOut(io.Discard)
			cmd.SetArgs([]string{"--url", "http://queue", "jobs"})
			Expect(cmd.Execute()).To(MatchError(ContainSubstring("unsupported scheme")))
		})
	})
})
