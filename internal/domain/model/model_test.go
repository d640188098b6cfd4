package model_test

import (
	"errors"
	"testing"

	"github.com/okian/irtengine/internal/domain/irt"
	"github.com/okian/irtengine/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func validItem() model.Item {
	return model.Item{ID: "i-1", TopicKey: "kinematics", Difficulty: 0.4, Discrimination: 1.2, Guessing: 0.25, Format: model.FormatMCQ, OptionCount: 4}
}

func TestItemValidate(t *testing.T) {
	Convey("Given catalog items", t, func() {
		Convey("When the item is within every range", func() {
			Convey("Then it validates", func() {
				So(validItem().Validate(), ShouldBeNil)
			})
		})

		Convey("When a parameter is out of range", func() {
			mutations := map[string]func(*model.Item){
				"empty id":            func(it *model.Item) { it.ID = "" },
				"no topic":            func(it *model.Item) { it.TopicKey = "" },
				"difficulty too high": func(it *model.Item) { it.Difficulty = 3.5 },
				"low discrimination":  func(it *model.Item) { it.Discrimination = 0.2 },
				"high guessing":       func(it *model.Item) { it.Guessing = 0.6 },
				"unknown format":      func(it *model.Item) { it.Format = "essay" },
			}

			Convey("Then it fails with ErrInvalidParameter", func() {
				for _, mutate := range mutations {
					it := validItem()
					mutate(&it)
					err := it.Validate()
					So(err, ShouldNotBeNil)
					So(errors.Is(err, irt.ErrInvalidParameter), ShouldBeTrue)
				}
			})
		})
	})
}

func TestDefaultGuessing(t *testing.T) {
	Convey("Given item formats", t, func() {
		So(model.DefaultGuessing(model.FormatMCQ, 4), ShouldEqual, 0.25)
		So(model.DefaultGuessing(model.FormatMCQ, 0), ShouldEqual, 0.25)
		So(model.DefaultGuessing(model.FormatMCQ, 5), ShouldEqual, 0.2)
		So(model.DefaultGuessing(model.FormatMCQ, 2), ShouldEqual, 0.5)
		So(model.DefaultGuessing(model.FormatMCQ, 1), ShouldEqual, 0.5)
		So(model.DefaultGuessing(model.FormatNumeric, 0), ShouldEqual, 0)
		So(model.DefaultGuessing(model.FormatMultiSelect, 4), ShouldEqual, 0)
	})
}

func TestEstimateSet(t *testing.T) {
	Convey("Given an empty estimate set", t, func() {
		set := model.NewEstimateSet("s-1")

		Convey("When reading an unseen topic", func() {
			est := set.Topic("optics")

			Convey("Then it gets the first-response defaults", func() {
				So(est.Scope, ShouldEqual, model.ScopeTopic)
				So(est.Theta, ShouldEqual, 0)
				So(est.StandardError, ShouldEqual, model.InitialStandardError)
				So(est.AttemptCount, ShouldEqual, 0)
			})
		})

		Convey("When a clone is mutated", func() {
			set.Topics["optics"] = model.AbilityEstimate{Scope: model.ScopeTopic, Key: "optics", Theta: 1}
			set.Subjects["physics"] = model.AbilityEstimate{Scope: model.ScopeSubject, Key: "physics", Sources: []string{"optics"}}
			clone := set.Clone()
			clone.Topics["optics"] = model.AbilityEstimate{Theta: -1}
			clone.Subjects["physics"].Sources[0] = "changed"

			Convey("Then the original is untouched", func() {
				So(set.Topics["optics"].Theta, ShouldEqual, 1)
				So(set.Subjects["physics"].Sources[0], ShouldEqual, "optics")
			})
		})
	})
}
