package tracker

import "context"

// Storage is the adapter contract both the in-process and Redis-backed
// implementations satisfy. Every operation carries a context.Context, the
// idiomatic Go substitute for "this may suspend."
type Storage interface {
	Get(ctx context.Context, key string) (*Record, error)
	Set(ctx context.Context, key string, rec *Record) error
	Delete(ctx context.Context, key string) error

	// Update atomically applies fn to the current record. It returns false
	// (with a nil error) if no record exists for key.
	Update(ctx context.Context, key string, fn func(*Record) (*Record, error)) (bool, error)

	Size(ctx context.Context) (int64, error)

	// AcquireKeySlot reports whether key already has a live record, or
	// whether a new one could be admitted under maxKeys. maxKeys <= 0 means
	// unlimited. This is advisory; Track re-checks atomically.
	AcquireKeySlot(ctx context.Context, key string, maxKeys int64) (bool, error)

	// Track is the atomic compound operation of this package: load, apply
	// the freshness rule, run the strategy, write, and maintain the
	// deferred index, all as one indivisible step from any other caller's
	// perspective.
	Track(ctx context.Context, key string, event Event, cfg Config, strategy Strategy, maxKeys int64) (TrackResult, error)

	// FindDueDeferred returns, without removing them, every deferred record
	// whose ScheduledSendAt is <= nowMs.
	FindDueDeferred(ctx context.Context, nowMs int64) ([]*Record, error)

	// PopDueDeferred atomically removes and returns the same set.
	PopDueDeferred(ctx context.Context, nowMs int64) ([]*Record, error)

	// FindAllDeferred returns a snapshot of every currently deferred record
	// regardless of schedule.
	FindAllDeferred(ctx context.Context) ([]*Record, error)

	Close(ctx context.Context) error
}
