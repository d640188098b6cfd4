// Package irt implements the three-parameter logistic (3PL) item response model.
//
// All functions are pure: they read only their arguments and return new values.
package irt

import (
	"fmt"
	"math"
)

// ScalingConstant brings the logistic curve within 0.01 of the normal ogive.
const ScalingConstant = 1.702

// Probability returns the chance that a learner with ability theta answers an
// item with discrimination a, difficulty b and guessing floor c correctly:
//
//	p = c + (1-c) / (1 + exp(-1.702·a·(theta-b)))
//
// The result lies strictly inside (c, 1) for finite inputs.
func Probability(theta, a, b, c float64) (float64, error) {
	if err := Validate(a, b, c); err != nil {
		return 0, err
	}
	if !isFinite(theta) {
		return 0, fmt.Errorf("%w: theta=%v", ErrInvalidParameter, theta)
	}
	return c + (1-c)*logistic(ScalingConstant*a*(theta-b)), nil
}

// FisherInformation returns how much a response to the item reduces the
// uncertainty of theta:
//
//	I(theta) = a²·(p-c)²·(1-p) / ((1-c)²·p)
func FisherInformation(theta, a, b, c float64) (float64, error) {
	p, err := Probability(theta, a, b, c)
	if err != nil {
		return 0, err
	}
	if p <= 0 || p >= 1 {
		// Saturated tails carry no information.
		return 0, nil
	}
	num := a * a * (p - c) * (p - c) * (1 - p)
	den := (1 - c) * (1 - c) * p
	return num / den, nil
}

// Validate checks item parameters: a > 0, b finite and c in [0, 1).
func Validate(a, b, c float64) error {
	switch {
	case !isFinite(a) || a <= 0:
		return fmt.Errorf("%w: discrimination a=%v must be > 0", ErrInvalidParameter, a)
	case !isFinite(b):
		return fmt.Errorf("%w: difficulty b=%v", ErrInvalidParameter, b)
	case math.IsNaN(c) || c < 0 || c >= 1:
		return fmt.Errorf("%w: guessing c=%v must be in [0,1)", ErrInvalidParameter, c)
	}
	return nil
}

// logistic is 1/(1+e^-x), evaluated without overflow on either tail.
func logistic(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
