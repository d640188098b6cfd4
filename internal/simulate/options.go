package simulate

import "github.com/okian/irtengine/pkg/logger"

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger used for progress reports.
func WithLogger(l logger.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l.Named("simulate")
		}
	}
}
