package tracker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func dialTestRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping integration test: redis not available (%v)", err)
	}
	return client
}

func TestRedisStorage_Integration(t *testing.T) {
	client := dialTestRedis(t)
	defer client.Close()

	prefix := fmt.Sprintf("tracker_it_%d:", time.Now().UnixNano())
	store := NewRedisStorage(client, WithPrefix(prefix))
	defer func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
	}()

	ctx := context.Background()
	strat := NewSimpleCounterStrategy()
	cfg := Config{Limit: 2, DeferInterval: time.Minute, ExpireTime: time.Hour}

	t.Run("BasicFlow", func(t *testing.T) {
		key := GenerateCompositeKey("integration", "basic")
		event := Event{Category: "integration", ID: "basic"}

		res, err := store.Track(ctx, key, event, cfg, strat, 0)
		if err != nil {
			t.Fatalf("Track: %v", err)
		}
		if res.Outcome != OutcomeImmediate || res.Record.Count != 1 {
			t.Fatalf("expected immediate/count=1, got %s/%d", res.Outcome, res.Record.Count)
		}

		res, err = store.Track(ctx, key, event, cfg, strat, 0)
		if err != nil {
			t.Fatalf("Track 2: %v", err)
		}
		if res.Outcome != OutcomeImmediate || res.Record.Count != 2 {
			t.Fatalf("expected immediate/count=2, got %s/%d", res.Outcome, res.Record.Count)
		}

		res, err = store.Track(ctx, key, event, cfg, strat, 0)
		if err != nil {
			t.Fatalf("Track 3: %v", err)
		}
		if res.Outcome != OutcomeDeferred {
			t.Fatalf("expected the third event over limit=2 to defer, got %s", res.Outcome)
		}

		got, err := store.Get(ctx, key)
		if err != nil || got == nil {
			t.Fatalf("Get: %v, %v", got, err)
		}
		if !got.Deferred {
			t.Errorf("expected the stored record to be marked deferred")
		}
	})

	t.Run("DistributedStateSharedAcrossClients", func(t *testing.T) {
		key := GenerateCompositeKey("integration", "distributed")
		event := Event{Category: "integration", ID: "distributed"}
		limit := Config{Limit: 1, DeferInterval: time.Minute, ExpireTime: time.Hour}

		storeA := NewRedisStorage(client, WithPrefix(prefix))
		storeA.Track(ctx, key, event, limit, strat, 0)

		storeB := NewRedisStorage(client, WithPrefix(prefix))
		res, err := storeB.Track(ctx, key, event, limit, strat, 0)
		if err != nil {
			t.Fatalf("Track from second client: %v", err)
		}
		if res.Outcome != OutcomeDeferred {
			t.Fatalf("expected a second adapter instance to see the same server-side state, got %s", res.Outcome)
		}
	})

	t.Run("MaxKeysExhaustion", func(t *testing.T) {
		p2 := fmt.Sprintf("tracker_it_maxkeys_%d:", time.Now().UnixNano())
		s := NewRedisStorage(client, WithPrefix(p2))
		defer func() {
			keys, _ := client.Keys(ctx, p2+"*").Result()
			if len(keys) > 0 {
				client.Del(ctx, keys...)
			}
		}()

		for _, id := range []string{"1", "2"} {
			key := GenerateCompositeKey("mk", id)
			res, err := s.Track(ctx, key, Event{Category: "mk", ID: id}, cfg, strat, 2)
			if err != nil || res.Outcome != OutcomeImmediate {
				t.Fatalf("expected identity %s admitted, got %v %v", id, res, err)
			}
		}

		res, err := s.Track(ctx, GenerateCompositeKey("mk", "3"), Event{Category: "mk", ID: "3"}, cfg, strat, 2)
		if err != nil {
			t.Fatalf("Track: %v", err)
		}
		if res.Outcome != OutcomeIgnored || res.Reason != ReasonKeyLimitReached {
			t.Fatalf("expected the third identity to be ignored under maxKeys=2, got %s/%s", res.Outcome, res.Reason)
		}
	})

	t.Run("PopDueDeferredRemovesRecord", func(t *testing.T) {
		p3 := fmt.Sprintf("tracker_it_popdue_%d:", time.Now().UnixNano())
		s := NewRedisStorage(client, WithPrefix(p3))
		defer func() {
			keys, _ := client.Keys(ctx, p3+"*").Result()
			if len(keys) > 0 {
				client.Del(ctx, keys...)
			}
		}()

		key := GenerateCompositeKey("pd", "1")
		zeroDefer := Config{Limit: 0, DeferInterval: 0, ExpireTime: time.Hour}
		if _, err := s.Track(ctx, key, Event{Category: "pd", ID: "1"}, zeroDefer, strat, 0); err != nil {
			t.Fatalf("Track: %v", err)
		}

		due, err := s.PopDueDeferred(ctx, NowMillis()+1)
		if err != nil {
			t.Fatalf("PopDueDeferred: %v", err)
		}
		if len(due) != 1 {
			t.Fatalf("expected 1 due record, got %d", len(due))
		}

		if got, _ := s.Get(ctx, key); got != nil {
			t.Errorf("expected record removed after pop, still present: %+v", got)
		}
	})
}
