package tracker

import (
	"time"

	"github.com/manenim/gateway-rate-limiter/internal/clone"
)

// StrategyType is the wire-safe tag identifying which throttling policy a
// record is bound to. The distributed adapter dispatches on this tag inside
// its Lua scripts, so it must never be derived from Go type identity.
type StrategyType string

const (
	StrategyTypeSimple        StrategyType = "simple"
	StrategyTypeTokenBucket   StrategyType = "token-bucket"
	StrategyTypeSlidingWindow StrategyType = "sliding-window"
)

// Outcome is the result of routing one event through a strategy.
type Outcome string

const (
	OutcomeImmediate Outcome = "immediate"
	OutcomeDeferred  Outcome = "deferred"
	OutcomeIgnored   Outcome = "ignored"
)

// Ignore reasons. These are the only two reasons Track ever reports.
const (
	ReasonAlreadyDeferred  = "already_deferred"
	ReasonKeyLimitReached  = "key_limit_reached"
)

// Event is one incoming occurrence to be routed through the engine.
type Event struct {
	Category string
	ID       string
	Details  any
}

// Config is the tuning snapshot carried by a record and, at the tracker
// level, the set of defaults applied to newly created records. Fields are
// shared across all three strategies; each strategy reads only the subset
// it needs and ignores the rest.
type Config struct {
	Limit         int64
	DeferInterval time.Duration
	ExpireTime    time.Duration
	BucketSize    int64
	RefillRate    float64
	WindowSize    time.Duration
}

// StrategyData is strategy-private state. A record is bound to exactly one
// StrategyType for its lifetime, so only the fields belonging to that
// strategy are ever populated; the others stay zero and unread.
type StrategyData struct {
	// Token bucket.
	Tokens     float64
	LastRefill int64

	// Sliding weighted window.
	CurrentCount  int64
	PreviousCount int64
	WindowStart   int64
}

// Record is the durable, per-identity state the engine and its adapters
// operate on. All timestamps are milliseconds since the Unix epoch, matching
// the wire representation used by the distributed adapter.
type Record struct {
	Key             string
	Category        string
	ID              string
	Details         any
	DetailsHash     string
	Count           int64
	LastEventTime   int64
	ExpiresAt       int64
	Deferred        bool
	ScheduledSendAt int64
	Config          Config
	StrategyType    StrategyType
	StrategyData    StrategyData
}

// Clone returns a deep copy of r. It is the client-facing counterpart to the
// adapters' internal deep-clone boundary: safe even when r.Details holds
// nested maps or slices, at the cost of a recursive walk.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Details, _ = clone.Value(r.Details)
	return &cp
}

// NowMillis returns the current time as milliseconds since the Unix epoch,
// the resolution the record model and both adapters agree on.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// TrackResult is what Storage.Track and the engine hand back to a caller.
type TrackResult struct {
	Outcome Outcome
	Record  *Record
	Reason  string
}

// IgnoredPayload is the notification body published for OutcomeIgnored,
// uniform regardless of which of the two reasons produced it.
type IgnoredPayload struct {
	Reason   string
	Category string
	ID       string
	Details  any
}
