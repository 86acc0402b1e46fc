package delivery

import (
	"context"
	"time"
)

const (
	defaultBatchSize    = 50
	defaultPollInterval = 50 * time.Millisecond
	defaultWorkers      = 1
	defaultPendingCheck = 0
)

// FinishErrorHandler is called when the terminal write of a run cannot be committed.
type FinishErrorHandler func(ctx context.Context, ref Ref, outcome Outcome, err error)

// Config defines Machine behavior.
type Config struct {
	LeaseDuration time.Duration
	Clock         Clock
	Logger        Logger
	Metrics       Metrics
	FinishError   FinishErrorHandler
	Tx            TxConfig
}

func (c Config) withDefaults() Config {
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = DefaultLeaseDuration
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}
	if c.Tx.Logger == nil {
		c.Tx.Logger = c.Logger
	}
	if c.Tx.Metrics == nil {
		c.Tx.Metrics = c.Metrics
	}
	c.Tx = c.Tx.withDefaults()

	return c
}

// Option configures Machine behavior.
type Option func(*Config)

// WithLeaseDuration sets how long a claim owns a job.
func WithLeaseDuration(d time.Duration) Option {
	return func(c *Config) {
		c.LeaseDuration = d
	}
}

// WithClock sets the machine clock.
func WithClock(clock Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithLogger sets the machine logger.
func WithLogger(logger Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMetrics sets the machine metrics recorder.
func WithMetrics(metrics Metrics) Option {
	return func(c *Config) {
		c.Metrics = metrics
	}
}

// WithFinishErrorHandler registers a callback for terminal writes that fail.
func WithFinishErrorHandler(handler FinishErrorHandler) Option {
	return func(c *Config) {
		c.FinishError = handler
	}
}

// WithTxRetry sets conflict retry limits for document transactions.
func WithTxRetry(maxAttempts int, baseDelay, maxDelay time.Duration) Option {
	return func(c *Config) {
		c.Tx.MaxAttempts = maxAttempts
		c.Tx.BaseDelay = baseDelay
		c.Tx.MaxDelay = maxDelay
	}
}

// RelayConfig defines how the Relay polls a Feed and dispatches changes.
type RelayConfig struct {
	BatchSize         int
	PollInterval      time.Duration
	Workers           int
	Window            time.Duration
	Clock             Clock
	ErrorHandler      RelayErrorHandler
	Logger            Logger
	Metrics           Metrics
	FailureClassifier FailureClassifier
	HandlerTimeout    time.Duration
	PendingInterval   time.Duration
	// DocumentParallelism bounds how many documents of one batch are handled at once.
	// Changes of the same document are always handled one after another.
	DocumentParallelism int
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.DocumentParallelism <= 0 {
		c.DocumentParallelism = 1
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}
	if c.FailureClassifier == nil {
		c.FailureClassifier = defaultFailureClassifier
	}
	if c.PendingInterval <= 0 {
		c.PendingInterval = defaultPendingCheck
	}

	return c
}

// RelayOption configures Relay behavior.
type RelayOption func(*RelayConfig)

// WithBatchSize sets the number of changes processed per batch.
func WithBatchSize(size int) RelayOption {
	return func(c *RelayConfig) {
		c.BatchSize = size
	}
}

// WithPollInterval sets the delay between empty polls.
func WithPollInterval(interval time.Duration) RelayOption {
	return func(c *RelayConfig) {
		c.PollInterval = interval
	}
}

// WithWorkers sets the number of concurrent polling workers.
func WithWorkers(count int) RelayOption {
	return func(c *RelayConfig) {
		c.Workers = count
	}
}

// WithDocumentParallelism lets up to n documents of a batch be handled concurrently.
// The error handler and failure classifier must then be safe for concurrent use.
func WithDocumentParallelism(n int) RelayOption {
	return func(c *RelayConfig) {
		c.DocumentParallelism = n
	}
}

// WithWindow limits polling to changes newer than now-window.
func WithWindow(window time.Duration) RelayOption {
	return func(c *RelayConfig) {
		c.Window = window
	}
}

// WithRelayClock sets the Relay clock.
func WithRelayClock(clock Clock) RelayOption {
	return func(c *RelayConfig) {
		c.Clock = clock
	}
}

// WithErrorHandler registers a callback for handler failures.
func WithErrorHandler(handler RelayErrorHandler) RelayOption {
	return func(c *RelayConfig) {
		c.ErrorHandler = handler
	}
}

// WithRelayLogger sets the relay logger.
func WithRelayLogger(logger Logger) RelayOption {
	return func(c *RelayConfig) {
		c.Logger = logger
	}
}

// WithRelayMetrics sets the relay metrics recorder.
func WithRelayMetrics(metrics Metrics) RelayOption {
	return func(c *RelayConfig) {
		c.Metrics = metrics
	}
}

// WithFailureClassifier sets the classifier deciding redelivery vs dead-lettering.
func WithFailureClassifier(classifier FailureClassifier) RelayOption {
	return func(c *RelayConfig) {
		c.FailureClassifier = classifier
	}
}

// WithHandlerTimeout bounds how long a handler may take per change.
// It does not bound delivery actions, which run detached from the handler.
func WithHandlerTimeout(timeout time.Duration) RelayOption {
	return func(c *RelayConfig) {
		c.HandlerTimeout = timeout
	}
}

// WithPendingInterval sets the minimum interval between pending count samples.
// Zero keeps sampling disabled.
func WithPendingInterval(interval time.Duration) RelayOption {
	return func(c *RelayConfig) {
		c.PendingInterval = interval
	}
}
