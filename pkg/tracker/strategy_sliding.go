package tracker

import "math"

// SlidingWindowStrategy estimates request rate across the boundary between
// the previous and current fixed window, weighting the previous window's
// count by how much of it still overlaps the current instant. This avoids
// the burst-at-the-boundary problem of a plain fixed window without the
// bookkeeping cost of a true sliding log.
type SlidingWindowStrategy struct {
	defaults Config
}

// NewSlidingWindowStrategy returns the sliding weighted window strategy.
func NewSlidingWindowStrategy() *SlidingWindowStrategy {
	return &SlidingWindowStrategy{}
}

func (s *SlidingWindowStrategy) TypeTag() StrategyType { return StrategyTypeSlidingWindow }

func (s *SlidingWindowStrategy) BindTracker(defaults Config) { s.defaults = defaults }

func (s *SlidingWindowStrategy) Decide(prior *Record, event Event, key, detailsHash string, nowMs int64, fresh Config) (Outcome, *Record, string) {
	if prior == nil {
		next := newBaseRecord(key, event, detailsHash, nowMs, fresh, StrategyTypeSlidingWindow)
		next.StrategyData.CurrentCount = 1
		next.StrategyData.PreviousCount = 0
		next.StrategyData.WindowStart = nowMs
		return OutcomeImmediate, next, ""
	}

	next := prior.Clone()
	next.Details = event.Details
	next.DetailsHash = detailsHash

	cfg := next.Config
	windowMs := cfg.WindowSize.Milliseconds()
	sd := &next.StrategyData

	elapsed := nowMs - sd.WindowStart
	if elapsed >= windowMs {
		if elapsed >= 2*windowMs {
			sd.PreviousCount = 0
		} else {
			sd.PreviousCount = sd.CurrentCount
		}
		sd.CurrentCount = 0
		sd.WindowStart = nowMs - mod64(elapsed, windowMs)
	}

	weight := float64(windowMs-(nowMs-sd.WindowStart)) / float64(windowMs)
	if weight < 0 {
		weight = 0
	}
	if weight > 1 {
		weight = 1
	}
	estimated := float64(sd.CurrentCount) + float64(sd.PreviousCount)*weight

	next.ExpiresAt = nowMs + cfg.ExpireTime.Milliseconds()

	if estimated < float64(cfg.Limit) {
		sd.CurrentCount++
		next.Count = int64(math.Floor(estimated + 1))
		next.LastEventTime = nowMs
		next.Deferred = false
		next.ScheduledSendAt = 0
		return OutcomeImmediate, next, ""
	}

	next.Deferred = true
	next.ScheduledSendAt = nowMs + cfg.DeferInterval.Milliseconds()
	next.LastEventTime = nowMs
	return OutcomeDeferred, next, ""
}

func mod64(a, b int64) int64 {
	if b == 0 {
		return 0
	}
	return a % b
}
