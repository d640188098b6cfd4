package config_test

import (
	"errors"
	"math"
	"runtime"
	"testing"
	"time"

	"github.com/okian/irtengine/internal/config"
	"github.com/okian/irtengine/internal/domain/scoring"
	"github.com/smartystreets/goconvey/convey"
)

func TestConfig_New(t *testing.T) {
	convey.Convey("Given a new config with default options", t, func() {
		cfg := config.New()

		convey.Convey("Then it should have sensible defaults", func() {
			convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
			convey.So(cfg.WorkerCount, convey.ShouldEqual, runtime.NumCPU())
			convey.So(cfg.Store.Driver, convey.ShouldEqual, "memory")
			convey.So(cfg.Dedupe.Backend, convey.ShouldEqual, "memory")
			convey.So(cfg.Estimator.LearningRate, convey.ShouldEqual, 0.4)
			convey.So(cfg.Estimator.DecayFactor, convey.ShouldEqual, 0.95)
			convey.So(cfg.Selector.RecencyWindow, convey.ShouldEqual, 30*24*time.Hour)
			convey.So(cfg.Selector.Thresholds, convey.ShouldResemble, []float64{0.5, 1.0, 1.5})
			convey.So(cfg.Weights.Default, convey.ShouldEqual, 0.5)
			convey.So(cfg.Scoring.MarkingScheme(), convey.ShouldResemble, scoring.MarkingScheme{Correct: 4, Incorrect: -1, Unattempted: 0})
			convey.So(cfg.Scoring.NumericTolerance, convey.ShouldEqual, 0.01)
		})

		convey.Convey("Then the defaults validate", func() {
			convey.So(cfg.Validate(), convey.ShouldBeNil)
		})
	})
}

func TestConfig_Validate(t *testing.T) {
	convey.Convey("Given configs with bad values", t, func() {
		cases := []struct {
			name   string
			mutate func(*config.Config)
		}{
			{"empty addr", func(c *config.Config) { c.Addr = "" }},
			{"unknown log level", func(c *config.Config) { c.LogLevel = "loud" }},
			{"zero workers", func(c *config.Config) { c.WorkerCount = 0 }},
			{"sqlite without dsn", func(c *config.Config) { c.Store.Driver = "sqlite" }},
			{"unknown driver", func(c *config.Config) { c.Store.Driver = "mongo" }},
			{"redis without addr", func(c *config.Config) { c.Dedupe.Backend = "redis" }},
			{"zero learning rate", func(c *config.Config) { c.Estimator.LearningRate = 0 }},
			{"empty threshold ladder", func(c *config.Config) { c.Selector.Thresholds = nil }},
			{"unknown relax order", func(c *config.Config) { c.Selector.RelaxOrder = "random" }},
			{"weight above one", func(c *config.Config) { c.Weights.Topics = map[string]float64{"kinematics": 1.5} }},
			{"weight keys colliding on one topic", func(c *config.Config) {
				c.Taxonomy.Aliases = map[string]string{"mechanics-1d": "kinematics"}
				c.Weights.Topics = map[string]float64{"Kinematics": 1.0, "mechanics-1d": 0.6}
			}},
			{"nan correct marks", func(c *config.Config) { c.Scoring.Correct = math.NaN() }},
			{"infinite incorrect marks", func(c *config.Config) { c.Scoring.Incorrect = math.Inf(-1) }},
			{"alias chain", func(c *config.Config) { c.Taxonomy.Aliases = map[string]string{"a": "b", "b": "c"} }},
			{"falling score table", func(c *config.Config) {
				c.Scoring.PercentileTable = []scoring.Entry{{Score: 0, Percentile: 50}, {Score: 10, Percentile: 40}}
			}},
		}

		for _, tc := range cases {
			convey.Convey("When the config has "+tc.name, func() {
				cfg := config.New()
				tc.mutate(cfg)

				convey.Convey("Then validation fails with ErrInvalidConfig", func() {
					convey.So(errors.Is(cfg.Validate(), config.ErrInvalidConfig), convey.ShouldBeTrue)
				})
			})
		}
	})
}
