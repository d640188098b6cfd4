package selection

import (
	"time"

	"github.com/okian/irtengine/pkg/logger"
)

// Option configures a Selector.
type Option func(*Selector)

// WithRecencyWindow sets how long a shown item stays excluded.
func WithRecencyWindow(d time.Duration) Option {
	return func(s *Selector) {
		if d > 0 {
			s.cfg.RecencyWindow = d
		}
	}
}

// WithThresholds sets the difficulty window ladder. Values are sorted ascending
// and non-positive entries are dropped.
func WithThresholds(ladder ...float64) Option {
	return func(s *Selector) {
		if l := normalizeLadder(ladder); len(l) > 0 {
			s.cfg.Thresholds = l
		}
	}
}

// WithRelaxOrder sets which filter gives way first when nothing qualifies.
func WithRelaxOrder(order RelaxOrder) Option {
	return func(s *Selector) {
		if order == RecencyFirst || order == ThresholdFirst {
			s.cfg.RelaxOrder = order
		}
	}
}

// WithConfig replaces the whole configuration. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(s *Selector) {
		WithRecencyWindow(cfg.RecencyWindow)(s)
		WithThresholds(cfg.Thresholds...)(s)
		WithRelaxOrder(cfg.RelaxOrder)(s)
	}
}

// WithLogger sets the logger relaxation steps are reported to.
func WithLogger(l logger.Logger) Option {
	return func(s *Selector) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock sets the time source used when a request carries no Now.
func WithClock(now func() time.Time) Option {
	return func(s *Selector) {
		if now != nil {
			s.now = now
		}
	}
}
