package selection_test

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/okian/irtengine/internal/domain/irt"
	"github.com/okian/irtengine/internal/domain/model"
	"github.com/okian/irtengine/internal/domain/selection"
	"github.com/okian/irtengine/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func item(id string, b, a float64) model.Item {
	return model.Item{ID: id, TopicKey: "kinematics", Difficulty: b, Discrimination: a, Guessing: 0.25, Active: true}
}

func shown(ids ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func captureLogger() (logger.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	if err := logger.InitWithOptions(logger.Options{Format: logger.FormatJSON, Writer: &buf}); err != nil {
		panic(err)
	}
	return logger.Named("selector"), &buf
}

func TestSelectNext(t *testing.T) {
	Convey("Given a selector with default policy", t, func() {
		sel := selection.New()
		ctx := context.Background()

		Convey("When several items sit inside the tightest window", func() {
			req := selection.Request{
				Theta:    0.2,
				TopicKey: "kinematics",
				Candidates: []model.Item{
					item("i-low-a", 0.2, 0.8),
					item("i-high-a", 0.3, 2.0),
					item("i-far", 2.5, 2.5),
					{ID: "i-other", TopicKey: "optics", Difficulty: 0.2, Discrimination: 2.5, Active: true},
					{ID: "i-retired", TopicKey: "kinematics", Difficulty: 0.2, Discrimination: 2.5, Active: false},
				},
				Now: now,
			}
			got, err := sel.SelectNext(ctx, req)

			Convey("Then the most informative item of the topic wins without relaxation", func() {
				So(err, ShouldBeNil)
				So(got.Item.ID, ShouldEqual, "i-high-a")
				So(got.Threshold, ShouldEqual, 0.5)
				So(got.Relaxed(), ShouldBeFalse)
			})

			Convey("Then the score is Fisher information weighted by discrimination", func() {
				info, err := irt.FisherInformation(0.2, 2.0, 0.3, 0.25)
				So(err, ShouldBeNil)
				So(got.Score, ShouldAlmostEqual, info*2.0, 1e-12)
			})
		})

		Convey("When two items score identically", func() {
			req := selection.Request{
				Theta:      0,
				TopicKey:   "kinematics",
				Candidates: []model.Item{item("b-2", 0.1, 1.2), item("a-1", 0.1, 1.2), item("c-3", 0.1, 1.2)},
				Now:        now,
			}

			Convey("Then the lowest id wins every time", func() {
				for range 5 {
					got, err := sel.SelectNext(ctx, req)
					So(err, ShouldBeNil)
					So(got.Item.ID, ShouldEqual, "a-1")
				}
			})
		})

		Convey("When only a wider rung of the ladder has items", func() {
			req := selection.Request{
				Theta:      0,
				TopicKey:   "kinematics",
				Candidates: []model.Item{item("i-1", 1.2, 1)},
				Now:        now,
			}
			got, err := sel.SelectNext(ctx, req)

			Convey("Then it is found on that rung without relaxation", func() {
				So(err, ShouldBeNil)
				So(got.Item.ID, ShouldEqual, "i-1")
				So(got.Threshold, ShouldEqual, 1.5)
				So(got.Relaxations, ShouldBeEmpty)
			})
		})

		Convey("When recently shown items are in the pool", func() {
			req := selection.Request{
				Theta:         0,
				TopicKey:      "kinematics",
				Candidates:    []model.Item{item("i-best", 0, 2.5), item("i-ok", 0.4, 1)},
				RecentlyShown: shown("i-best"),
				Now:           now,
			}
			got, err := sel.SelectNext(ctx, req)

			Convey("Then they are never picked while a fresh item qualifies", func() {
				So(err, ShouldBeNil)
				So(got.Item.ID, ShouldEqual, "i-ok")
				So(got.Relaxed(), ShouldBeFalse)
			})
		})

		Convey("When an item was shown inside the window by timestamp", func() {
			recent := item("i-best", 0, 2.5)
			recent.LastShownAt = now.Add(-24 * time.Hour)
			old := item("i-old", 0, 2.0)
			old.LastShownAt = now.Add(-31 * 24 * time.Hour)
			got, err := sel.SelectNext(ctx, selection.Request{
				Theta: 0, TopicKey: "kinematics", Candidates: []model.Item{recent, old}, Now: now,
			})

			Convey("Then only the item outside the 30 day window qualifies", func() {
				So(err, ShouldBeNil)
				So(got.Item.ID, ShouldEqual, "i-old")
			})
		})

		Convey("When every in-window item was recently shown", func() {
			l, buf := captureLogger()
			sel := selection.New(selection.WithLogger(l))
			req := selection.Request{
				Theta:         0,
				TopicKey:      "kinematics",
				Candidates:    []model.Item{item("i-1", 0.2, 1), item("i-far", 2.8, 1)},
				RecentlyShown: shown("i-1"),
				Now:           now,
			}
			got, err := sel.SelectNext(ctx, req)

			Convey("Then recency is relaxed first and the step is logged", func() {
				So(err, ShouldBeNil)
				So(got.Item.ID, ShouldEqual, "i-1")
				So(got.Relaxations, ShouldResemble, []selection.Relaxation{selection.RelaxRecency})
				So(buf.String(), ShouldContainSubstring, `"step":"recency"`)
				So(buf.String(), ShouldContainSubstring, `"level":"WARN"`)
			})
		})

		Convey("When no item lies inside any rung", func() {
			l, buf := captureLogger()
			sel := selection.New(selection.WithLogger(l))
			req := selection.Request{
				Theta:         -2,
				TopicKey:      "kinematics",
				Candidates:    []model.Item{item("i-hard", 2.5, 1), item("i-harder", 3, 1)},
				RecentlyShown: shown("i-hard"),
				Now:           now,
			}
			got, err := sel.SelectNext(ctx, req)

			Convey("Then both filters are relaxed in order and logged", func() {
				So(err, ShouldBeNil)
				So(got.Relaxations, ShouldResemble, []selection.Relaxation{selection.RelaxRecency, selection.RelaxThreshold})
				So(math.IsInf(got.Threshold, 1), ShouldBeTrue)
				So(got.Item.ID, ShouldEqual, "i-hard")
				So(strings.Count(buf.String(), "relaxing item selection filter"), ShouldEqual, 2)
			})
		})

		Convey("When the topic has no active items", func() {
			_, err := sel.SelectNext(ctx, selection.Request{Theta: 0, TopicKey: "kinematics", Now: now})

			Convey("Then it reports no candidate", func() {
				So(errors.Is(err, selection.ErrNoCandidate), ShouldBeTrue)
			})
		})

		Convey("When the pool holds an item with broken parameters", func() {
			broken := item("a-broken", 0, 0)
			got, err := sel.SelectNext(ctx, selection.Request{
				Theta: 0, TopicKey: "kinematics", Candidates: []model.Item{broken, item("b-ok", 0, 1)}, Now: now,
			})

			Convey("Then the broken item is skipped", func() {
				So(err, ShouldBeNil)
				So(got.Item.ID, ShouldEqual, "b-ok")
			})
		})

		Convey("When theta is out of range", func() {
			_, err := sel.SelectNext(ctx, selection.Request{Theta: math.NaN(), TopicKey: "kinematics"})
			So(errors.Is(err, irt.ErrInvalidParameter), ShouldBeTrue)
		})
	})
}

func TestSelectNextThresholdFirst(t *testing.T) {
	Convey("Given a selector that relaxes the threshold first", t, func() {
		sel := selection.New(selection.WithRelaxOrder(selection.ThresholdFirst))
		ctx := context.Background()

		Convey("When the only in-window item was recently shown", func() {
			req := selection.Request{
				Theta:         0,
				TopicKey:      "kinematics",
				Candidates:    []model.Item{item("i-near", 0.1, 1), item("i-far", 2.8, 1)},
				RecentlyShown: shown("i-near"),
				Now:           now,
			}
			got, err := sel.SelectNext(ctx, req)

			Convey("Then a fresh item at any difficulty beats the repeat", func() {
				So(err, ShouldBeNil)
				So(got.Item.ID, ShouldEqual, "i-far")
				So(got.Relaxations, ShouldResemble, []selection.Relaxation{selection.RelaxThreshold})
			})
		})

		Convey("When every item was recently shown", func() {
			req := selection.Request{
				Theta:         0,
				TopicKey:      "kinematics",
				Candidates:    []model.Item{item("i-near", 0.1, 1)},
				RecentlyShown: shown("i-near"),
				Now:           now,
			}
			got, err := sel.SelectNext(ctx, req)

			Convey("Then a repeat is returned only after every relaxation", func() {
				So(err, ShouldBeNil)
				So(got.Item.ID, ShouldEqual, "i-near")
				So(got.Relaxations, ShouldResemble, []selection.Relaxation{selection.RelaxThreshold, selection.RelaxRecency})
			})
		})
	})
}

func TestSelectorConfig(t *testing.T) {
	Convey("Given selector options", t, func() {
		Convey("When a custom ladder is unsorted and has junk", func() {
			sel := selection.New(selection.WithThresholds(1.0, -1, 0.25, 1.0))
			So(sel.Config().Thresholds, ShouldResemble, []float64{0.25, 1.0})
		})

		Convey("When no options are given", func() {
			cfg := selection.New().Config()
			So(cfg.RecencyWindow, ShouldEqual, 30*24*time.Hour)
			So(cfg.Thresholds, ShouldResemble, []float64{0.5, 1.0, 1.5})
			So(cfg.RelaxOrder, ShouldEqual, selection.RecencyFirst)
		})
	})
}

func TestLeastRecentlyUsed(t *testing.T) {
	Convey("Given a fallback pool", t, func() {
		a := item("a", 0, 1)
		a.LastShownAt = now.Add(-time.Hour)
		b := item("b", 0, 1)
		b.LastShownAt = now.Add(-48 * time.Hour)
		c := item("c", 0, 1)
		c.Active = false

		Convey("When picking the least recently used item", func() {
			got, err := selection.LeastRecentlyUsed([]model.Item{a, b, c})
			So(err, ShouldBeNil)
			So(got.ID, ShouldEqual, "b")
		})

		Convey("When some items were never shown", func() {
			got, err := selection.LeastRecentlyUsed([]model.Item{a, item("z", 0, 1), item("y", 0, 1)})
			So(err, ShouldBeNil)
			So(got.ID, ShouldEqual, "y")
		})

		Convey("When nothing is active", func() {
			_, err := selection.LeastRecentlyUsed([]model.Item{c})
			So(errors.Is(err, selection.ErrNoCandidate), ShouldBeTrue)
		})
	})
}
