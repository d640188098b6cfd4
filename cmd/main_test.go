package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"

	"github.com/okian/irtengine/internal/config"
	"github.com/okian/irtengine/internal/simulate"
	"github.com/okian/irtengine/pkg/logger"
)

func init() {
	_ = logger.InitWithOptions(logger.Options{Writer: io.Discard})
}

// runCLI executes the root command with args and returns what it printed.
func runCLI(args ...string) (string, error) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestLoadConfig(t *testing.T) {
	convey.Convey("Given configuration in the environment", t, func() {
		t.Setenv("IRT_ADDR", ":8081")
		t.Setenv("IRT_WORKER_COUNT", "3")
		t.Setenv("IRT_STORE__DRIVER", "sqlite")
		t.Setenv("IRT_STORE__DSN", ":memory:")
		t.Setenv("IRT_LOG_LEVEL", "warn")

		convey.Convey("When the command loads it", func() {
			cfg, err := loadConfig(rootCmd)

			convey.Convey("Then the environment overrides the defaults", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":8081")
				convey.So(cfg.WorkerCount, convey.ShouldEqual, 3)
				convey.So(cfg.Store.Driver, convey.ShouldEqual, "sqlite")
				convey.So(cfg.LogLevel, convey.ShouldEqual, "warn")
			})
		})

		convey.Convey("When the environment is invalid", func() {
			t.Setenv("IRT_STORE__DRIVER", "oracle")
			_, err := loadConfig(rootCmd)

			convey.Convey("Then loading fails", func() {
				convey.So(err, convey.ShouldNotBeNil)
			})
		})
	})
}

func TestBuildService(t *testing.T) {
	convey.Convey("Given the default configuration", t, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		cfg := config.New()
		cfg.WorkerCount = 2

		convey.Convey("When the service is built and started", func() {
			svc, closeSvc, err := buildService(ctx, cfg)
			convey.So(err, convey.ShouldBeNil)
			defer closeSvc()
			convey.So(svc.Start(ctx), convey.ShouldBeNil)

			convey.Convey("Then it reports its worker pool", func() {
				st, err := svc.GetStats(ctx)
				convey.So(err, convey.ShouldBeNil)
				convey.So(st.Started, convey.ShouldBeTrue)
				convey.So(st.WorkerCount, convey.ShouldEqual, 2)
			})
		})

		convey.Convey("When the redis deduper cannot be reached", func() {
			cfg.Dedupe.Backend = "redis"
			cfg.Dedupe.RedisAddr = "127.0.0.1:1"
			_, _, err := buildService(ctx, cfg)

			convey.Convey("Then building fails", func() {
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(err.Error(), convey.ShouldContainSubstring, "127.0.0.1:1")
			})
		})
	})
}

func TestPercentileCommand(t *testing.T) {
	convey.Convey("Given the percentile command", t, func() {
		convey.Convey("When it is run for theta 1", func() {
			out, err := runCLI("percentile", "--theta", "1")

			convey.Convey("Then both conversions are printed", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(out, convey.ShouldContainSubstring, "percentile: 84.13")
				convey.So(out, convey.ShouldContainSubstring, "legacy:     69.67")
			})
		})
	})
}

func TestVersionCommand(t *testing.T) {
	convey.Convey("Given the version command", t, func() {
		out, err := runCLI("version")

		convey.So(err, convey.ShouldBeNil)
		convey.So(out, convey.ShouldStartWith, "irtengine ")
	})
}

func TestSimulateAndRecomputeCommands(t *testing.T) {
	convey.Convey("Given a sqlite store", t, func() {
		t.Setenv("IRT_STORE__DRIVER", "sqlite")
		t.Setenv("IRT_STORE__DSN", filepath.Join(t.TempDir(), "irt.db"))
		t.Setenv("IRT_WORKER_COUNT", "2")

		convey.Convey("When a simulation runs in process", func() {
			out, err := runCLI("simulate",
				"--students", "6", "--questions", "6", "--items-per-topic", "8",
				"--topics", "kinematics,algebra", "--workers", "2", "--seed", "3", "--timeout", "1m")
			convey.So(err, convey.ShouldBeNil)

			var report simulate.Report
			convey.So(json.Unmarshal([]byte(out), &report), convey.ShouldBeNil)

			convey.Convey("Then every answer is stored", func() {
				convey.So(report.Students, convey.ShouldEqual, 6)
				convey.So(report.Responses, convey.ShouldEqual, 36)
				convey.So(report.Failures, convey.ShouldEqual, 0)
			})

			convey.Convey("And a replay recompute rebuilds every student", func() {
				out, err := runCLI("recompute", "--replay")
				convey.So(err, convey.ShouldBeNil)

				var rep struct {
					RunID     string `json:"run_id"`
					Processed int    `json:"processed"`
					Failed    int    `json:"failed"`
				}
				convey.So(json.Unmarshal([]byte(out), &rep), convey.ShouldBeNil)
				convey.So(rep.RunID, convey.ShouldNotBeEmpty)
				convey.So(rep.Processed, convey.ShouldEqual, 6)
				convey.So(rep.Failed, convey.ShouldEqual, 0)
			})
		})
	})
}
