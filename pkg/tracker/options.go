package tracker

import (
	"log"
	"time"
)

// builder accumulates functional-option state before New validates and
// freezes it into a Tracker.
type builder struct {
	cfg                Config
	maxKeys            int64
	storage            Storage
	strategy           Strategy
	processor          Processor
	processingInterval time.Duration
	maxRetries         int
	retryDelay         time.Duration
	debug              bool
	logger             *log.Logger
	recorder           MetricsRecorder
}

// Option configures a Tracker at construction time.
type Option func(*builder)

// WithLimit sets the fixed-window / sliding-window event limit. Default 5.
func WithLimit(n int64) Option { return func(b *builder) { b.cfg.Limit = n } }

// WithDeferInterval sets how long a deferred record stays held before its
// scheduled release. Default 1h.
func WithDeferInterval(d time.Duration) Option { return func(b *builder) { b.cfg.DeferInterval = d } }

// WithExpireTime sets the per-record TTL refreshed on every accepted or
// ignored event. Default 24h.
func WithExpireTime(d time.Duration) Option { return func(b *builder) { b.cfg.ExpireTime = d } }

// WithMaxKeys caps the number of distinct live identities. 0 (default)
// means unlimited.
func WithMaxKeys(n int64) Option { return func(b *builder) { b.maxKeys = n } }

// WithBucketSize sets the token bucket capacity for TokenBucketStrategy.
func WithBucketSize(n int64) Option { return func(b *builder) { b.cfg.BucketSize = n } }

// WithRefillRate sets the token bucket refill rate in tokens/second.
func WithRefillRate(tokensPerSecond float64) Option {
	return func(b *builder) { b.cfg.RefillRate = tokensPerSecond }
}

// WithWindowSize sets the window length for SlidingWindowStrategy.
func WithWindowSize(d time.Duration) Option { return func(b *builder) { b.cfg.WindowSize = d } }

// WithStorage overrides the default in-process adapter. Tracker.Close calls
// the adapter's Close method; RedisStorage.Close leaves the Redis client
// open, since the host application owns that connection.
func WithStorage(s Storage) Option { return func(b *builder) { b.storage = s } }

// WithStrategy overrides the default SimpleCounterStrategy.
func WithStrategy(s Strategy) Option { return func(b *builder) { b.strategy = s } }

// WithProcessor installs a batch processor for deferred events, starting the
// processing loop once New returns.
func WithProcessor(p Processor) Option { return func(b *builder) { b.processor = p } }

// WithProcessingInterval sets the deferred-processing poll interval.
// Clamped to a minimum of 10ms. Default 10s.
func WithProcessingInterval(d time.Duration) Option {
	return func(b *builder) { b.processingInterval = d }
}

// WithMaxRetries sets the processor retry budget. Default 3.
func WithMaxRetries(n int) Option { return func(b *builder) { b.maxRetries = n } }

// WithRetryDelay sets the base exponential-backoff delay. Default 1s.
func WithRetryDelay(d time.Duration) Option { return func(b *builder) { b.retryDelay = d } }

// WithDebug enables verbose tracker: diagnostics via the configured logger.
func WithDebug(on bool) Option { return func(b *builder) { b.debug = on } }

// WithLogger overrides the default log.Default() diagnostic sink.
func WithLogger(l *log.Logger) Option { return func(b *builder) { b.logger = l } }

// WithRecorder installs a MetricsRecorder. Default is a no-op.
func WithRecorder(r MetricsRecorder) Option { return func(b *builder) { b.recorder = r } }
