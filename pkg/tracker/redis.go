package tracker

import (
	_ "embed"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed scripts/track.lua
var trackScriptSrc string

//go:embed scripts/pop_due.lua
var popDueScriptSrc string

//go:embed scripts/acquire_slot.lua
var acquireSlotScriptSrc string

var (
	trackScript       = redis.NewScript(trackScriptSrc)
	popDueScript      = redis.NewScript(popDueScriptSrc)
	acquireSlotScript = redis.NewScript(acquireSlotScriptSrc)
)

// RedisStorage is the distributed Storage adapter. Every mutation goes
// through server-side Lua scripts (or, where a script would be overkill,
// go-redis transactions) so that concurrent processes never race on the
// same identity. RedisStorage does not own client; the host application
// created it and must close it itself.
type RedisStorage struct {
	client     redis.UniversalClient
	prefix     string
	timeout    time.Duration
	maxRetries int
	recorder   MetricsRecorder
	logger     *log.Logger
}

// RedisOption configures a RedisStorage at construction time.
type RedisOption func(*RedisStorage)

// WithPrefix sets the key prefix applied to every Redis key this adapter
// touches. Default "".
func WithPrefix(prefix string) RedisOption {
	return func(r *RedisStorage) { r.prefix = prefix }
}

// WithTimeout bounds every Redis round trip issued by this adapter when the
// caller's context carries no deadline of its own. Default 5s.
func WithTimeout(d time.Duration) RedisOption {
	return func(r *RedisStorage) { r.timeout = d }
}

// WithRedisRecorder installs a MetricsRecorder for this adapter. Default is
// a no-op.
func WithRedisRecorder(rec MetricsRecorder) RedisOption {
	return func(r *RedisStorage) { r.recorder = rec }
}

// WithRedisMaxRetries bounds the optimistic-concurrency retry loop used by
// Update when another client's write races it. Default 3.
func WithRedisMaxRetries(n int) RedisOption {
	return func(r *RedisStorage) { r.maxRetries = n }
}

// WithRedisLogger overrides the default log.Default() diagnostic sink.
func WithRedisLogger(l *log.Logger) RedisOption {
	return func(r *RedisStorage) { r.logger = l }
}

// NewRedisStorage wraps an existing client. It does not ping or take
// ownership of client's lifecycle.
func NewRedisStorage(client redis.UniversalClient, opts ...RedisOption) *RedisStorage {
	r := &RedisStorage{
		client:     client,
		timeout:    5 * time.Second,
		maxRetries: 3,
		recorder:   NoOpMetricsRecorder{},
		logger:     log.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisStorage) recordKey(key string) string {
	return r.prefix + "event-tracker:" + key
}

func (r *RedisStorage) recordKeyPrefix() string {
	return r.prefix + "event-tracker:"
}

func (r *RedisStorage) deferredSetKey() string {
	return r.prefix + "event-tracker:deferred-set"
}

func (r *RedisStorage) sizeKey() string {
	return r.prefix + "event-tracker:size"
}

func (r *RedisStorage) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

// wireConfig is the JSON schema shared between this file and track.lua for
// the per-record tuning snapshot.
type wireConfig struct {
	Limit           int64   `json:"limit"`
	DeferIntervalMs int64   `json:"deferIntervalMs"`
	ExpireTimeMs    int64   `json:"expireTimeMs"`
	BucketSize      int64   `json:"bucketSize"`
	RefillRate      float64 `json:"refillRate"`
	WindowSizeMs    int64   `json:"windowSizeMs"`
}

func encodeConfig(cfg Config) string {
	b, _ := json.Marshal(wireConfig{
		Limit:           cfg.Limit,
		DeferIntervalMs: cfg.DeferInterval.Milliseconds(),
		ExpireTimeMs:    cfg.ExpireTime.Milliseconds(),
		BucketSize:      cfg.BucketSize,
		RefillRate:      cfg.RefillRate,
		WindowSizeMs:    cfg.WindowSize.Milliseconds(),
	})
	return string(b)
}

func decodeConfig(raw string) (Config, error) {
	var wc wireConfig
	if raw == "" {
		return Config{}, nil
	}
	if err := json.Unmarshal([]byte(raw), &wc); err != nil {
		return Config{}, err
	}
	return Config{
		Limit:         wc.Limit,
		DeferInterval: time.Duration(wc.DeferIntervalMs) * time.Millisecond,
		ExpireTime:    time.Duration(wc.ExpireTimeMs) * time.Millisecond,
		BucketSize:    wc.BucketSize,
		RefillRate:    wc.RefillRate,
		WindowSize:    time.Duration(wc.WindowSizeMs) * time.Millisecond,
	}, nil
}

type wireStrategyData struct {
	Tokens        float64 `json:"tokens,omitempty"`
	LastRefill    int64   `json:"lastRefill,omitempty"`
	CurrentCount  int64   `json:"currentCount,omitempty"`
	PreviousCount int64   `json:"previousCount,omitempty"`
	WindowStart   int64   `json:"windowStart,omitempty"`
}

func encodeStrategyData(sd StrategyData) string {
	b, _ := json.Marshal(wireStrategyData{
		Tokens:        sd.Tokens,
		LastRefill:    sd.LastRefill,
		CurrentCount:  sd.CurrentCount,
		PreviousCount: sd.PreviousCount,
		WindowStart:   sd.WindowStart,
	})
	return string(b)
}

func decodeStrategyData(raw string) (StrategyData, error) {
	var wd wireStrategyData
	if raw == "" || raw == "{}" {
		return StrategyData{}, nil
	}
	if err := json.Unmarshal([]byte(raw), &wd); err != nil {
		return StrategyData{}, err
	}
	return StrategyData{
		Tokens:        wd.Tokens,
		LastRefill:    wd.LastRefill,
		CurrentCount:  wd.CurrentCount,
		PreviousCount: wd.PreviousCount,
		WindowStart:   wd.WindowStart,
	}, nil
}

// decodeRecordFields parses one HGETALL result into a Record. An
// unparseable count, lastEventTime, expiresAt, config or strategyData field
// results in (nil, err); callers treat that as "absent" rather than
// propagating a fatal storage error. An unparseable scheduledSendAt decodes
// as 0 and unparseable details as nil.
func decodeRecordFields(fields map[string]string) (*Record, error) {
	count, err := strconv.ParseInt(fields["count"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("tracker/redis: corrupt count: %w", err)
	}
	lastEventTime, err := strconv.ParseInt(fields["lastEventTime"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("tracker/redis: corrupt lastEventTime: %w", err)
	}
	expiresAt, err := strconv.ParseInt(fields["expiresAt"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("tracker/redis: corrupt expiresAt: %w", err)
	}
	scheduledSendAt, _ := strconv.ParseInt(fields["scheduledSendAt"], 10, 64)

	cfg, err := decodeConfig(fields["config"])
	if err != nil {
		return nil, fmt.Errorf("tracker/redis: corrupt config: %w", err)
	}
	sd, err := decodeStrategyData(fields["strategyData"])
	if err != nil {
		return nil, fmt.Errorf("tracker/redis: corrupt strategyData: %w", err)
	}

	var details any
	if raw := fields["details"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &details)
	}

	return &Record{
		Key:             fields["key"],
		Category:        fields["category"],
		ID:              fields["id"],
		Details:         details,
		DetailsHash:     fields["detailsHash"],
		Count:           count,
		LastEventTime:   lastEventTime,
		ExpiresAt:       expiresAt,
		Deferred:        fields["deferred"] == "true",
		ScheduledSendAt: scheduledSendAt,
		Config:          cfg,
		StrategyType:    StrategyType(fields["strategyType"]),
		StrategyData:    sd,
	}, nil
}

func fieldsFromFlatArray(flat []interface{}) map[string]string {
	out := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		out[k] = v
	}
	return out
}

func (r *RedisStorage) Get(ctx context.Context, key string) (*Record, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	fields, err := r.client.HGetAll(ctx, r.recordKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("tracker/redis: get: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	rec, err := decodeRecordFields(fields)
	if err != nil {
		r.logger.Printf("tracker/redis: get: treating corrupt record %s as absent: %v", key, err)
		return nil, nil
	}
	return rec, nil
}

func recordToFields(rec *Record) map[string]interface{} {
	detailsJSON, err := json.Marshal(rec.Details)
	if err != nil {
		detailsJSON = []byte("null")
	}
	return map[string]interface{}{
		"key":             rec.Key,
		"category":        rec.Category,
		"id":              rec.ID,
		"details":         string(detailsJSON),
		"detailsHash":     rec.DetailsHash,
		"count":           rec.Count,
		"lastEventTime":   rec.LastEventTime,
		"expiresAt":       rec.ExpiresAt,
		"deferred":        strconv.FormatBool(rec.Deferred),
		"scheduledSendAt": rec.ScheduledSendAt,
		"strategyType":    string(rec.StrategyType),
		"strategyData":    encodeStrategyData(rec.StrategyData),
		"config":          encodeConfig(rec.Config),
	}
}

func (r *RedisStorage) Set(ctx context.Context, key string, rec *Record) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	rk := r.recordKey(key)
	existed, err := r.client.Exists(ctx, rk).Result()
	if err != nil {
		return fmt.Errorf("tracker/redis: set: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, rk, recordToFields(rec))
		pipe.PExpireAt(ctx, rk, time.UnixMilli(rec.ExpiresAt))
		if rec.Deferred {
			pipe.ZAdd(ctx, r.deferredSetKey(), redis.Z{Score: float64(rec.ScheduledSendAt), Member: key})
		} else {
			pipe.ZRem(ctx, r.deferredSetKey(), key)
		}
		if existed == 0 {
			pipe.Incr(ctx, r.sizeKey())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("tracker/redis: set: %w", err)
	}
	return nil
}

func (r *RedisStorage) Delete(ctx context.Context, key string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	rk := r.recordKey(key)
	existed, err := r.client.Exists(ctx, rk).Result()
	if err != nil {
		return fmt.Errorf("tracker/redis: delete: %w", err)
	}
	if existed == 0 {
		return nil
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, rk)
		pipe.ZRem(ctx, r.deferredSetKey(), key)
		pipe.Decr(ctx, r.sizeKey())
		return nil
	})
	if err != nil {
		return fmt.Errorf("tracker/redis: delete: %w", err)
	}
	return nil
}

// Update applies fn under optimistic concurrency: it watches the record
// key, reads the current value inside the watch, applies fn client-side,
// then commits through a transaction. It retries up to maxRetries times
// when redis.TxFailedErr indicates the watched key changed mid-transaction.
func (r *RedisStorage) Update(ctx context.Context, key string, fn func(*Record) (*Record, error)) (bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	rk := r.recordKey(key)

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		var found bool
		var applyErr error

		txErr := r.client.Watch(ctx, func(tx *redis.Tx) error {
			fields, err := tx.HGetAll(ctx, rk).Result()
			if err != nil {
				return err
			}
			if len(fields) == 0 {
				found = false
				return nil
			}
			prior, err := decodeRecordFields(fields)
			if err != nil {
				found = false
				return nil
			}
			found = true

			next, err := fn(prior)
			if err != nil {
				applyErr = err
				return err
			}
			next.Key = key

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, rk, recordToFields(next))
				pipe.PExpireAt(ctx, rk, time.UnixMilli(next.ExpiresAt))
				if next.Deferred {
					pipe.ZAdd(ctx, r.deferredSetKey(), redis.Z{Score: float64(next.ScheduledSendAt), Member: key})
				} else {
					pipe.ZRem(ctx, r.deferredSetKey(), key)
				}
				return nil
			})
			return err
		}, rk)

		if applyErr != nil {
			return false, applyErr
		}
		if txErr == nil {
			return found, nil
		}
		if errors.Is(txErr, redis.TxFailedErr) {
			continue
		}
		return false, fmt.Errorf("tracker/redis: update: %w", txErr)
	}
	return false, fmt.Errorf("tracker/redis: update: exceeded %d retries on concurrent modification", r.maxRetries)
}

func (r *RedisStorage) Size(ctx context.Context) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	val, err := r.client.Get(ctx, r.sizeKey()).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("tracker/redis: size: %w", err)
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (r *RedisStorage) AcquireKeySlot(ctx context.Context, key string, maxKeys int64) (bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	res, err := acquireSlotScript.Run(ctx, r.client, []string{r.recordKey(key), r.sizeKey()}, maxKeys).Result()
	if err != nil {
		return false, fmt.Errorf("tracker/redis: acquire_slot: %w", err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (r *RedisStorage) Track(ctx context.Context, key string, event Event, cfg Config, strategy Strategy, maxKeys int64) (TrackResult, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	detailsJSON, err := json.Marshal(event.Details)
	if err != nil {
		detailsJSON = []byte("null")
	}
	detailsHash := GenerateDetailsHash(event.Details)
	now := NowMillis()

	start := time.Now()
	res, err := trackScript.Run(ctx, r.client,
		[]string{r.recordKey(key), r.deferredSetKey(), r.sizeKey()},
		now, event.Category, event.ID, string(detailsJSON), detailsHash,
		string(strategy.TypeTag()), cfg.Limit, cfg.DeferInterval.Milliseconds(), cfg.ExpireTime.Milliseconds(),
		cfg.BucketSize, cfg.RefillRate, cfg.WindowSize.Milliseconds(), maxKeys, key,
	).Result()
	r.recorder.Observe("tracker.redis.track.latency", time.Since(start).Seconds(), nil)
	if err != nil {
		return TrackResult{}, fmt.Errorf("tracker/redis: track: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 8 {
		return TrackResult{}, fmt.Errorf("tracker/redis: track: unexpected script response shape")
	}

	outcome := Outcome(fmt.Sprintf("%v", vals[0]))
	reason, _ := vals[4].(string)

	if outcome == OutcomeIgnored && reason == ReasonKeyLimitReached {
		return TrackResult{Outcome: OutcomeIgnored, Reason: ReasonKeyLimitReached}, nil
	}

	count := toInt64(vals[1])
	scheduledSendAt := toInt64(vals[2])
	expiresAt := toInt64(vals[3])
	configJSON, _ := vals[5].(string)
	strategyDataJSON, _ := vals[6].(string)
	lastEventTime := toInt64(vals[7])

	decodedCfg, _ := decodeConfig(configJSON)
	decodedSD, _ := decodeStrategyData(strategyDataJSON)

	rec := &Record{
		Key:             key,
		Category:        event.Category,
		ID:              event.ID,
		Details:         event.Details,
		DetailsHash:     detailsHash,
		Count:           count,
		LastEventTime:   lastEventTime,
		ExpiresAt:       expiresAt,
		Deferred:        outcome == OutcomeDeferred || (outcome == OutcomeIgnored && reason == ReasonAlreadyDeferred),
		ScheduledSendAt: scheduledSendAt,
		Config:          decodedCfg,
		StrategyType:    strategy.TypeTag(),
		StrategyData:    decodedSD,
	}

	return TrackResult{Outcome: outcome, Record: rec, Reason: reason}, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

func (r *RedisStorage) loadDeferredRecords(ctx context.Context, members []string) []*Record {
	out := make([]*Record, 0, len(members))
	for _, member := range members {
		fields, err := r.client.HGetAll(ctx, r.recordKey(member)).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		rec, err := decodeRecordFields(fields)
		if err != nil {
			r.logger.Printf("tracker/redis: skipping corrupt deferred record %s: %v", member, err)
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (r *RedisStorage) FindDueDeferred(ctx context.Context, nowMs int64) ([]*Record, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	members, err := r.client.ZRangeByScore(ctx, r.deferredSetKey(), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(nowMs, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("tracker/redis: find_due_deferred: %w", err)
	}
	return r.loadDeferredRecords(ctx, members), nil
}

func (r *RedisStorage) FindAllDeferred(ctx context.Context) ([]*Record, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	members, err := r.client.ZRange(ctx, r.deferredSetKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("tracker/redis: find_all_deferred: %w", err)
	}
	return r.loadDeferredRecords(ctx, members), nil
}

func (r *RedisStorage) PopDueDeferred(ctx context.Context, nowMs int64) ([]*Record, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	res, err := popDueScript.Run(ctx, r.client,
		[]string{r.deferredSetKey(), r.sizeKey()}, nowMs, r.recordKeyPrefix(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("tracker/redis: pop_due_deferred: %w", err)
	}

	rows, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("tracker/redis: pop_due_deferred: unexpected script response shape")
	}

	out := make([]*Record, 0, len(rows))
	for _, row := range rows {
		flat, ok := row.([]interface{})
		if !ok {
			continue
		}
		rec, err := decodeRecordFields(fieldsFromFlatArray(flat))
		if err != nil {
			r.logger.Printf("tracker/redis: dropping corrupt popped record: %v", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close is a no-op: the host application owns the *redis.Client and must
// close it itself.
func (r *RedisStorage) Close(ctx context.Context) error {
	return nil
}
