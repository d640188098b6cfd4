package irt_test

import (
	"errors"
	"math"
	"testing"

	"github.com/okian/irtengine/internal/domain/irt"
	. "github.com/smartystreets/goconvey/convey"
)

func TestProbability(t *testing.T) {
	Convey("Given the 3PL model", t, func() {
		Convey("When evaluating the reference item without guessing", func() {
			p, err := irt.Probability(0.5, 1.5, 0.8, 0)

			Convey("Then the probability matches the fixed regression value", func() {
				So(err, ShouldBeNil)
				So(p, ShouldAlmostEqual, 0.317, 0.001)
			})
		})

		Convey("When the same item has a 0.25 guessing floor", func() {
			p, err := irt.Probability(0.5, 1.5, 0.8, 0.25)

			Convey("Then the floor lifts the curve to c + (1-c)·0.317", func() {
				So(err, ShouldBeNil)
				So(p, ShouldAlmostEqual, 0.25+0.75*0.31737, 0.0005)
			})
		})

		Convey("When theta equals difficulty", func() {
			p, err := irt.Probability(1.2, 0.9, 1.2, 0.2)

			Convey("Then p sits halfway between c and 1", func() {
				So(err, ShouldBeNil)
				So(p, ShouldAlmostEqual, 0.6, 1e-12)
			})
		})

		Convey("When sweeping theta across [-3,3] for many items", func() {
			Convey("Then p stays in (0,1) and strictly increases", func() {
				for _, a := range []float64{0.5, 1.0, 1.7, 2.5} {
					for _, c := range []float64{0, 0.2, 0.25, 0.5} {
						for _, b := range []float64{-3, -1, 0, 1.5, 3} {
							prev := -1.0
							for theta := -3.0; theta <= 3.0; theta += 0.05 {
								p, err := irt.Probability(theta, a, b, c)
								So(err, ShouldBeNil)
								So(p, ShouldBeGreaterThan, 0)
								So(p, ShouldBeLessThan, 1)
								So(p, ShouldBeGreaterThanOrEqualTo, c)
								So(p, ShouldBeGreaterThan, prev)
								prev = p
							}
						}
					}
				}
			})
		})

		Convey("When theta runs to the extremes", func() {
			low, errLow := irt.Probability(-50, 1.2, 0, 0.25)
			high, errHigh := irt.Probability(50, 1.2, 0, 0.25)

			Convey("Then p approaches c below and 1 above", func() {
				So(errLow, ShouldBeNil)
				So(errHigh, ShouldBeNil)
				So(low, ShouldAlmostEqual, 0.25, 1e-9)
				So(high, ShouldAlmostEqual, 1, 1e-9)
			})
		})

		Convey("When parameters are out of range", func() {
			cases := []struct {
				name           string
				theta, a, b, c float64
			}{
				{"zero discrimination", 0, 0, 0, 0},
				{"negative discrimination", 0, -1, 0, 0},
				{"guessing at one", 0, 1, 0, 1},
				{"negative guessing", 0, 1, 0, -0.1},
				{"nan difficulty", 0, 1, math.NaN(), 0},
				{"infinite theta", math.Inf(1), 1, 0, 0},
			}

			Convey("Then every case fails with ErrInvalidParameter", func() {
				for _, tc := range cases {
					_, err := irt.Probability(tc.theta, tc.a, tc.b, tc.c)
					So(errors.Is(err, irt.ErrInvalidParameter), ShouldBeTrue)
				}
			})
		})
	})
}

func TestFisherInformation(t *testing.T) {
	Convey("Given the Fisher information of a 2PL item", t, func() {
		Convey("When theta equals difficulty", func() {
			info, err := irt.FisherInformation(0, 1.5, 0, 0)

			Convey("Then I = a²·p·(1-p) = a²/4", func() {
				So(err, ShouldBeNil)
				So(info, ShouldAlmostEqual, 1.5*1.5/4, 1e-12)
			})
		})

		Convey("When moving away from the difficulty", func() {
			center, _ := irt.FisherInformation(0, 1.5, 0, 0)
			off, _ := irt.FisherInformation(1.5, 1.5, 0, 0)

			Convey("Then information drops", func() {
				So(off, ShouldBeLessThan, center)
			})
		})

		Convey("When the item has a guessing floor", func() {
			plain, _ := irt.FisherInformation(0, 1.2, 0, 0)
			guessy, _ := irt.FisherInformation(0, 1.2, 0, 0.25)

			Convey("Then guessing lowers the information", func() {
				So(guessy, ShouldBeLessThan, plain)
				So(guessy, ShouldBeGreaterThan, 0)
			})
		})

		Convey("When the item is invalid", func() {
			_, err := irt.FisherInformation(0, 0, 0, 0)

			Convey("Then the error propagates", func() {
				So(errors.Is(err, irt.ErrInvalidParameter), ShouldBeTrue)
			})
		})
	})
}
