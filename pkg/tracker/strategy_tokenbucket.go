package tracker

// TokenBucketStrategy allows bursts up to Config.BucketSize and refills at
// Config.RefillRate tokens/second. Unlike SimpleCounterStrategy, a
// successful event clears any previously deferred state — recovery here is
// time-driven, not tied to expiry or the pop loop.
type TokenBucketStrategy struct {
	defaults Config
}

// NewTokenBucketStrategy returns the token-bucket strategy.
func NewTokenBucketStrategy() *TokenBucketStrategy {
	return &TokenBucketStrategy{}
}

func (s *TokenBucketStrategy) TypeTag() StrategyType { return StrategyTypeTokenBucket }

func (s *TokenBucketStrategy) BindTracker(defaults Config) { s.defaults = defaults }

func (s *TokenBucketStrategy) Decide(prior *Record, event Event, key, detailsHash string, nowMs int64, fresh Config) (Outcome, *Record, string) {
	if prior == nil {
		next := newBaseRecord(key, event, detailsHash, nowMs, fresh, StrategyTypeTokenBucket)
		next.StrategyData.Tokens = float64(fresh.BucketSize) - 1
		next.StrategyData.LastRefill = nowMs
		return OutcomeImmediate, next, ""
	}

	next := prior.Clone()
	next.Details = event.Details
	next.DetailsHash = detailsHash

	cfg := next.Config
	elapsedMs := nowMs - next.StrategyData.LastRefill
	if elapsedMs < 0 {
		elapsedMs = 0
	}
	tokens := next.StrategyData.Tokens + (float64(elapsedMs)/1000)*cfg.RefillRate
	if tokens > float64(cfg.BucketSize) {
		tokens = float64(cfg.BucketSize)
	}
	next.StrategyData.LastRefill = nowMs

	next.ExpiresAt = nowMs + cfg.ExpireTime.Milliseconds()

	if tokens >= 1 {
		next.StrategyData.Tokens = tokens - 1
		next.Count++
		next.LastEventTime = nowMs
		next.Deferred = false
		next.ScheduledSendAt = 0
		return OutcomeImmediate, next, ""
	}

	next.StrategyData.Tokens = tokens
	next.Deferred = true
	waitMs := (1 - tokens) * (1000 / cfg.RefillRate)
	if waitMs < 1 {
		waitMs = 1
	}
	next.ScheduledSendAt = nowMs + int64(waitMs)
	next.LastEventTime = nowMs
	return OutcomeDeferred, next, ""
}
