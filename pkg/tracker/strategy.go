package tracker

// Strategy is a pluggable throttling policy. Implementations are stateless;
// all mutable state lives in the Record they are handed.
//
// Decide never mutates prior; it returns a fresh *Record reflecting the
// outcome. fresh supplies the Config to snapshot into a brand-new record
// (prior == nil, or prior being reinitialized by the caller's freshness
// check); an existing record instead uses its own prior.Config, since
// per-identity config updates must not retroactively change other
// identities' behavior.
type Strategy interface {
	// TypeTag identifies this strategy across the network boundary. The
	// distributed adapter switches on this same string inside its Lua
	// scripts, so it must be one of the StrategyType constants.
	TypeTag() StrategyType

	// Decide computes the next record state and outcome for one event.
	// key and detailsHash are precomputed by the caller (the storage
	// adapter's Track); nowMs is milliseconds since the Unix epoch. reason
	// is only set when outcome is OutcomeIgnored. prior is nil when the
	// caller's freshness check decided the identity should start over,
	// whether because it never existed, expired, or its details changed.
	Decide(prior *Record, event Event, key, detailsHash string, nowMs int64, fresh Config) (outcome Outcome, next *Record, reason string)

	// BindTracker lets the strategy retain a copy of the tracker-wide
	// defaults, primarily so implementations that need them for anything
	// beyond fresh-record creation (none of the three built-ins currently
	// do) have somewhere to keep them.
	BindTracker(defaults Config)
}

// newBaseRecord builds the record shared scaffolding common to all three
// strategies for a brand-new identity.
func newBaseRecord(key string, event Event, detailsHash string, nowMs int64, cfg Config, strategyType StrategyType) *Record {
	return &Record{
		Key:           key,
		Category:      event.Category,
		ID:            event.ID,
		Details:       event.Details,
		DetailsHash:   detailsHash,
		Count:         1,
		LastEventTime: nowMs,
		ExpiresAt:     nowMs + cfg.ExpireTime.Milliseconds(),
		Deferred:      false,
		Config:        cfg,
		StrategyType:  strategyType,
	}
}
