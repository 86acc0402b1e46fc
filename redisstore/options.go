package redisstore

import (
	"time"

	"github.com/google/uuid"

	"github.com/velmie/delivery"
)

const (
	defaultPrefix          = "delivery"
	defaultGroup           = "delivery-machine"
	defaultBlock           = time.Second
	defaultReadCount       = 50
	defaultMaxRedeliveries = 5
	defaultStreamMaxLen    = 100000
)

// Config defines Redis store behavior.
type Config struct {
	// Prefix namespaces every key written by the store.
	Prefix string
	// Group is the consumer group shared by all watchers of a collection.
	Group string
	// Consumer names this watcher inside the group. Defaults to a random id.
	Consumer string
	// Block bounds how long a watcher waits for new changes per read.
	Block time.Duration
	// ReadCount caps the changes read per call.
	ReadCount int64
	// MaxRedeliveries is how many times a failing change is handed to the handler before it
	// is acknowledged and dropped.
	MaxRedeliveries int
	// StreamMaxLen trims change streams to roughly this many entries.
	StreamMaxLen int64
	Clock        delivery.Clock
	Logger       delivery.Logger
	Tx           delivery.TxConfig
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	if c.Group == "" {
		c.Group = defaultGroup
	}
	if c.Consumer == "" {
		c.Consumer = uuid.NewString()
	}
	if c.Block <= 0 {
		c.Block = defaultBlock
	}
	if c.ReadCount <= 0 {
		c.ReadCount = defaultReadCount
	}
	if c.MaxRedeliveries <= 0 {
		c.MaxRedeliveries = defaultMaxRedeliveries
	}
	if c.StreamMaxLen <= 0 {
		c.StreamMaxLen = defaultStreamMaxLen
	}
	if c.Clock == nil {
		c.Clock = delivery.SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = delivery.NopLogger{}
	}
	if c.Tx.Logger == nil {
		c.Tx.Logger = c.Logger
	}

	return c
}

// Option configures the Redis store.
type Option func(*Config)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(c *Config) {
		c.Prefix = prefix
	}
}

// WithGroup sets the consumer group name.
func WithGroup(group string) Option {
	return func(c *Config) {
		c.Group = group
	}
}

// WithConsumer sets the consumer name used by Watch.
func WithConsumer(consumer string) Option {
	return func(c *Config) {
		c.Consumer = consumer
	}
}

// WithBlock sets the blocking read timeout.
func WithBlock(d time.Duration) Option {
	return func(c *Config) {
		c.Block = d
	}
}

// WithMaxRedeliveries sets how often a failing change is retried.
func WithMaxRedeliveries(n int) Option {
	return func(c *Config) {
		c.MaxRedeliveries = n
	}
}

// WithClock sets the clock used to timestamp changes.
func WithClock(clock delivery.Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithLogger sets the store logger.
func WithLogger(logger delivery.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}
