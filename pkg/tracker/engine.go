package tracker

import (
	"context"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Notification is one lifecycle event published by a Tracker. Name is one
// of the strings documented in the package doc (immediate, deferred,
// ignored, processed, retry, process_failed, config_updated, error); Data
// carries the payload described for that name.
type Notification struct {
	Name string
	Data any
}

// RetryPayload is the Data of a "retry" notification.
type RetryPayload struct {
	Attempt    int
	MaxRetries int
	Delay      time.Duration
	Events     []*Record
}

// ProcessFailedPayload is the Data of a "process_failed" notification.
type ProcessFailedPayload struct {
	Error    error
	Events   []*Record
	Attempts int
}

// Processor consumes a batch of due deferred records. A non-nil error
// triggers the retry-with-backoff behavior of the processing loop.
type Processor func(ctx context.Context, batch []*Record) error

// Tracker is the throttling engine: it validates configuration, routes
// events through a Storage adapter and Strategy, and drives the deferred
// processing loop.
type Tracker struct {
	cfg      Config
	maxKeys  int64
	storage  Storage
	strategy Strategy
	recorder MetricsRecorder
	logger   *log.Logger
	debug    bool

	processor          atomic.Pointer[Processor]
	processingInterval time.Duration
	maxRetries         int
	retryDelay         time.Duration

	subsMu sync.Mutex
	subs   map[string][]func(Notification)

	timerMu     sync.Mutex
	timer       *time.Timer
	running     atomic.Bool
	closed      atomic.Bool
	ownsStorage bool
	inFlight    sync.WaitGroup
}

// New constructs a Tracker. All numeric fields of Config are validated
// eagerly; a *ConfigError is returned synchronously and no resource (in
// particular the default in-process adapter's purge timer) is left running.
func New(opts ...Option) (*Tracker, error) {
	b := &builder{
		cfg: Config{
			Limit:         5,
			DeferInterval: time.Hour,
			ExpireTime:    24 * time.Hour,
		},
		processingInterval: 10 * time.Second,
		maxRetries:         3,
		retryDelay:         time.Second,
		logger:             log.Default(),
		recorder:           NoOpMetricsRecorder{},
	}
	for _, opt := range opts {
		opt(b)
	}

	if err := validateConfig(b); err != nil {
		return nil, err
	}

	if b.processingInterval < 10*time.Millisecond {
		b.processingInterval = 10 * time.Millisecond
	}

	ownsStorage := false
	storage := b.storage
	if storage == nil {
		storage = NewMemoryStorage()
		ownsStorage = true
	}

	strategy := b.strategy
	if strategy == nil {
		strategy = NewSimpleCounterStrategy()
	}
	if strategy.TypeTag() == "" {
		if ownsStorage {
			_ = storage.Close(context.Background())
		}
		return nil, &ConfigError{Field: "Strategy", Reason: "must report a non-empty type tag"}
	}
	strategy.BindTracker(b.cfg)

	t := &Tracker{
		cfg:                b.cfg,
		maxKeys:            b.maxKeys,
		storage:            storage,
		strategy:           strategy,
		recorder:           b.recorder,
		logger:             b.logger,
		debug:              b.debug,
		processingInterval: b.processingInterval,
		maxRetries:         b.maxRetries,
		retryDelay:         b.retryDelay,
		subs:               make(map[string][]func(Notification)),
		ownsStorage:        ownsStorage,
	}

	if b.processor != nil {
		t.SetProcessor(b.processor)
	}

	return t, nil
}

func validateConfig(b *builder) error {
	numeric := map[string]float64{
		"Limit":              float64(b.cfg.Limit),
		"DeferInterval":      float64(b.cfg.DeferInterval),
		"ExpireTime":         float64(b.cfg.ExpireTime),
		"MaxKeys":            float64(b.maxKeys),
		"BucketSize":         float64(b.cfg.BucketSize),
		"RefillRate":         b.cfg.RefillRate,
		"WindowSize":         float64(b.cfg.WindowSize),
		"ProcessingInterval": float64(b.processingInterval),
		"MaxRetries":         float64(b.maxRetries),
		"RetryDelay":         float64(b.retryDelay),
	}
	for field, v := range numeric {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &ConfigError{Field: field, Reason: "must be a finite number"}
		}
		if v < 0 {
			return &ConfigError{Field: field, Reason: "must be non-negative"}
		}
	}
	return nil
}

func (t *Tracker) debugf(format string, args ...any) {
	if t.debug {
		t.logger.Printf("tracker: "+format, args...)
	}
}

func (t *Tracker) publish(name string, data any) {
	t.subsMu.Lock()
	fns := append([]func(Notification){}, t.subs[name]...)
	t.subsMu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn(Notification{Name: name, Data: data})
		}
	}
}

// Subscribe registers fn to be called for every notification named event.
// It returns an unsubscribe function.
func (t *Tracker) Subscribe(event string, fn func(Notification)) func() {
	t.subsMu.Lock()
	t.subs[event] = append(t.subs[event], fn)
	idx := len(t.subs[event]) - 1
	t.subsMu.Unlock()

	return func() {
		t.subsMu.Lock()
		defer t.subsMu.Unlock()
		fns := t.subs[event]
		if idx < len(fns) {
			fns[idx] = nil
		}
	}
}

// TrackEvent routes one event through the configured strategy and adapter.
func (t *Tracker) TrackEvent(ctx context.Context, category, id string, details any) (Outcome, *Record, error) {
	if t.closed.Load() {
		return "", nil, ErrClosed
	}
	if category == "" {
		return "", nil, &ValidationError{Field: "category", Reason: "must be a non-empty string"}
	}
	if id == "" {
		return "", nil, &ValidationError{Field: "id", Reason: "must be a non-empty string"}
	}

	key := GenerateCompositeKey(category, id)
	event := Event{Category: category, ID: id, Details: details}

	start := time.Now()
	result, err := t.storage.Track(ctx, key, event, t.cfg, t.strategy, t.maxKeys)
	t.recorder.Add("tracker.track", 1, map[string]string{"outcome": string(result.Outcome)})
	t.recorder.Observe("tracker.track.latency", time.Since(start).Seconds(), nil)
	if err != nil {
		t.publish("error", err)
		return "", nil, err
	}

	switch result.Outcome {
	case OutcomeImmediate:
		t.publish("immediate", result.Record)
	case OutcomeDeferred:
		t.publish("deferred", result.Record)
	case OutcomeIgnored:
		t.publish("ignored", IgnoredPayload{Reason: result.Reason, Category: category, ID: id, Details: details})
	}

	t.debugf("track %s/%s -> %s (reason=%q)", category, id, result.Outcome, result.Reason)
	return result.Outcome, result.Record, nil
}

// GetDeferredEvents returns a snapshot of every currently deferred record.
func (t *Tracker) GetDeferredEvents(ctx context.Context) ([]*Record, error) {
	return t.storage.FindAllDeferred(ctx)
}

// UpdateConfig merges newConfig's non-zero fields into the identity's stored
// Config snapshot. It returns false if the identity has no live record.
func (t *Tracker) UpdateConfig(ctx context.Context, category, id string, newConfig Config) (bool, error) {
	key := GenerateCompositeKey(category, id)

	var updated *Record
	ok, err := t.storage.Update(ctx, key, func(rec *Record) (*Record, error) {
		merged := mergeConfig(rec.Config, newConfig)
		rec.Config = merged
		updated = rec
		return rec, nil
	})
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	t.publish("config_updated", updated)
	return true, nil
}

// mergeConfig overlays every non-zero field of patch onto base, so a caller
// can update a single tuning parameter without restating the rest.
func mergeConfig(base, patch Config) Config {
	out := base
	if patch.Limit != 0 {
		out.Limit = patch.Limit
	}
	if patch.DeferInterval != 0 {
		out.DeferInterval = patch.DeferInterval
	}
	if patch.ExpireTime != 0 {
		out.ExpireTime = patch.ExpireTime
	}
	if patch.BucketSize != 0 {
		out.BucketSize = patch.BucketSize
	}
	if patch.RefillRate != 0 {
		out.RefillRate = patch.RefillRate
	}
	if patch.WindowSize != 0 {
		out.WindowSize = patch.WindowSize
	}
	return out
}

// SetProcessor installs the batch processor and, on first call, starts the
// recursive processing timer.
func (t *Tracker) SetProcessor(p Processor) {
	t.processor.Store(&p)
	t.timerMu.Lock()
	defer t.timerMu.Unlock()
	if t.timer == nil && !t.closed.Load() {
		t.scheduleProcessingLocked()
	}
}

func (t *Tracker) scheduleProcessingLocked() {
	t.timer = time.AfterFunc(t.processingInterval, t.runProcessingTick)
}

func (t *Tracker) runProcessingTick() {
	if t.closed.Load() {
		return
	}
	if t.running.CompareAndSwap(false, true) {
		t.inFlight.Add(1)
		func() {
			defer t.inFlight.Done()
			defer t.running.Store(false)
			ctx := context.Background()
			if _, err := t.ProcessDeferredEvents(ctx); err != nil {
				t.publish("error", err)
			}
		}()
	}
	t.timerMu.Lock()
	defer t.timerMu.Unlock()
	if !t.closed.Load() {
		t.scheduleProcessingLocked()
	}
}

// ProcessDeferredEvents harvests due deferred records. With no processor
// configured it is a non-destructive peek; with one configured it pops the
// batch and hands it to the processor, retrying on failure with exponential
// backoff.
func (t *Tracker) ProcessDeferredEvents(ctx context.Context) ([]*Record, error) {
	now := NowMillis()

	procPtr := t.processor.Load()
	if procPtr == nil {
		return t.storage.FindDueDeferred(ctx, now)
	}
	proc := *procPtr

	batch, err := t.storage.PopDueDeferred(ctx, now)
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return batch, nil
	}

	t.recorder.Add("tracker.process", float64(len(batch)), nil)

	var lastErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		lastErr = proc(ctx, batch)
		if lastErr == nil {
			for _, rec := range batch {
				t.publish("processed", rec)
			}
			return batch, nil
		}

		if attempt < t.maxRetries {
			delay := t.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
			t.publish("retry", RetryPayload{Attempt: attempt + 1, MaxRetries: t.maxRetries, Delay: delay, Events: batch})
			select {
			case <-ctx.Done():
				return batch, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	t.publish("process_failed", ProcessFailedPayload{Error: lastErr, Events: batch, Attempts: t.maxRetries + 1})
	t.publish("error", lastErr)
	return batch, nil
}

// Close stops the processing timer, waits for any in-flight processor
// invocation to finish, closes the storage adapter, and drops all
// subscriptions. After Close, TrackEvent returns ErrClosed.
func (t *Tracker) Close(ctx context.Context) error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.timerMu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timerMu.Unlock()

	t.inFlight.Wait()

	err := t.storage.Close(ctx)

	t.subsMu.Lock()
	t.subs = make(map[string][]func(Notification))
	t.subsMu.Unlock()

	return err
}
