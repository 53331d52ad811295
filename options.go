package btreeindex

import "go.uber.org/zap"

// defaultCacheSize is the out-of-the-box PageCache capacity (spec §3).
const defaultCacheSize = 16

// Option configures a Tree at construction time, following
// iamNilotpal-ignite/pkg/options's functional-options pattern
// (OptionFunc / WithXxx(...) / a defaults split between behavior and
// constants).
type Option func(*treeConfig)

type treeConfig struct {
	cacheSize int
	logger    *zap.SugaredLogger
}

func newDefaultTreeConfig() treeConfig {
	return treeConfig{
		cacheSize: defaultCacheSize,
		logger:    zap.NewNop().Sugar(),
	}
}

// WithCacheSize sets the PageCache capacity, floored at 2 (spec §4.3).
func WithCacheSize(n int) Option {
	return func(c *treeConfig) {
		if n < minCacheSize {
			n = minCacheSize
		}
		c.cacheSize = n
	}
}

// WithLogger supplies a structured logger; by default a no-op logger is
// used, matching how iamNilotpal-ignite requires an explicit logger but
// this engine tolerates its absence since logging is an ambient concern,
// not a correctness dependency.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(c *treeConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}
