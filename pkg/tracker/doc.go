// Package tracker implements an event aggregation and throttling engine.
//
// It accepts a stream of events tagged by (category, id) and, for each
// distinct identity, decides whether to let an event through immediately,
// defer it for later batch processing, or ignore it outright. The decision
// is made by a pluggable Strategy (SimpleCounterStrategy,
// TokenBucketStrategy, SlidingWindowStrategy) operating on a per-identity
// Record persisted in a Storage adapter.
//
// # Quick start
//
//	t, err := tracker.New(tracker.WithLimit(5), tracker.WithDeferInterval(time.Hour))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer t.Close(context.Background())
//
//	outcome, rec, err := t.TrackEvent(ctx, "auth", "login_fail", map[string]any{"ip": "1.1.1.1"})
//
// # Backends
//
// MemoryStorage is the default: an in-process adapter good for a single
// replica, tests, and local development. RedisStorage backs the same
// Storage contract with go-redis/v9, replaying every strategy decision
// inside a server-side Lua script so that many replicas can share one view
// of an identity's state without racing.
//
// # Strategies
//
// SimpleCounterStrategy defers once an identity's event count exceeds a
// limit, and stays deferred until the record expires or is popped.
// TokenBucketStrategy allows bursts up to a bucket size and refills over
// time, clearing deferred state as soon as a token becomes available again.
// SlidingWindowStrategy estimates the request rate across the boundary
// between two fixed windows to avoid the burst-at-the-boundary problem of a
// plain fixed window.
//
// # Deferred processing
//
// Call SetProcessor to install a batch consumer; the Tracker then polls its
// Storage adapter on a recursive single-shot timer, popping due deferred
// records and handing them to the processor with exponential-backoff retry.
// Without a processor, ProcessDeferredEvents is a non-destructive peek.
//
// # Notifications
//
// Subscribe to lifecycle events (immediate, deferred, ignored, processed,
// retry, process_failed, config_updated, error) to observe what the engine
// is doing without polling it.
package tracker
