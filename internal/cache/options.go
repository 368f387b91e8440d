package cache

import "go.uber.org/zap"

const (
	DefaultMinimumKeep = 256
	DefaultMultiplier  = 3
	defaultShards      = 16
)

type config struct {
	minimumKeep int
	multiplier  int
	shards      int
	logger      *zap.Logger
	onEvict     func(key any)
}

// Option configures a Store.
type Option func(*config)

// WithMinimumKeep sets the number of entries that survive eviction no matter
// how few were used in the last iteration.
func WithMinimumKeep(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.minimumKeep = n
		}
	}
}

// WithMultiplier sets how many times the last iteration's working set is kept.
func WithMultiplier(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.multiplier = n
		}
	}
}

// WithShards sets the number of independently locked partitions.
func WithShards(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.shards = n
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithOnEvict registers a hook called with the key of every entry removed by
// UpdateCache, after the entry has left the store.
func WithOnEvict(fn func(key any)) Option {
	return func(c *config) {
		c.onEvict = fn
	}
}

func getConfig(opts []Option) config {
	cfg := config{
		minimumKeep: DefaultMinimumKeep,
		multiplier:  DefaultMultiplier,
		shards:      defaultShards,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
