package mysql

import "github.com/velmie/delivery"

const (
	defaultTable       = "delivery_documents"
	defaultChangeTable = "delivery_changes"
	defaultMaxAttempts = 5
)

// Config defines MySQL store behavior.
type Config struct {
	// Table holds the documents.
	Table string
	// ChangeTable holds the change log consumed by Fetch and Watch.
	ChangeTable string
	// MaxAttempts is the number of failed deliveries of a change before it is marked dead.
	MaxAttempts int
	Clock       delivery.Clock
	Logger      delivery.Logger
	Tx          delivery.TxConfig
	// Relay configures the relay started by Watch.
	Relay []delivery.RelayOption
}

func (c Config) withDefaults() Config {
	if c.Table == "" {
		c.Table = defaultTable
	}
	if c.ChangeTable == "" {
		c.ChangeTable = defaultChangeTable
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
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

// Option configures the MySQL store.
type Option func(*Config)

// WithTable sets the document table name.
func WithTable(name string) Option {
	return func(c *Config) {
		c.Table = name
	}
}

// WithChangeTable sets the change log table name.
func WithChangeTable(name string) Option {
	return func(c *Config) {
		c.ChangeTable = name
	}
}

// WithMaxAttempts sets the retry limit before a change is marked dead.
func WithMaxAttempts(attempts int) Option {
	return func(c *Config) {
		c.MaxAttempts = attempts
	}
}

// WithClock sets the time source used by the store.
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

// WithTxRetry sets conflict retry limits for Create and Update.
func WithTxRetry(cfg delivery.TxConfig) Option {
	return func(c *Config) {
		c.Tx = cfg
	}
}

// WithRelayOptions configures the relay that Watch runs over the change log.
func WithRelayOptions(opts ...delivery.RelayOption) Option {
	return func(c *Config) {
		c.Relay = append(c.Relay, opts...)
	}
}
