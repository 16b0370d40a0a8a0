package tracker

// SimpleCounterStrategy defers an identity once its event count exceeds
// Config.Limit, and stays deferred until the record expires or is popped.
// It never clears Deferred on its own; see the package doc for why this is
// asymmetric with TokenBucketStrategy.
type SimpleCounterStrategy struct {
	defaults Config
}

// NewSimpleCounterStrategy returns the fixed-window counter strategy.
func NewSimpleCounterStrategy() *SimpleCounterStrategy {
	return &SimpleCounterStrategy{}
}

func (s *SimpleCounterStrategy) TypeTag() StrategyType { return StrategyTypeSimple }

func (s *SimpleCounterStrategy) BindTracker(defaults Config) { s.defaults = defaults }

func (s *SimpleCounterStrategy) Decide(prior *Record, event Event, key, detailsHash string, nowMs int64, fresh Config) (Outcome, *Record, string) {
	if prior == nil {
		next := newBaseRecord(key, event, detailsHash, nowMs, fresh, StrategyTypeSimple)
		if next.Count > next.Config.Limit {
			next.Deferred = true
			next.ScheduledSendAt = nowMs + next.Config.DeferInterval.Milliseconds()
			return OutcomeDeferred, next, ""
		}
		return OutcomeImmediate, next, ""
	}

	next := prior.Clone()
	next.Details = event.Details
	next.DetailsHash = detailsHash
	next.ExpiresAt = nowMs + next.Config.ExpireTime.Milliseconds()

	if next.Deferred {
		return OutcomeIgnored, next, ReasonAlreadyDeferred
	}

	next.Count++
	next.LastEventTime = nowMs

	if next.Count > next.Config.Limit {
		next.Deferred = true
		next.ScheduledSendAt = nowMs + next.Config.DeferInterval.Milliseconds()
		return OutcomeDeferred, next, ""
	}

	return OutcomeImmediate, next, ""
}
