package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/manenim/gateway-rate-limiter/pkg/tracker"
	"github.com/redis/go-redis/v9"
)

func main() {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: redisAddr})

	store := tracker.NewRedisStorage(client,
		tracker.WithPrefix("demo:"),
		tracker.WithTimeout(100*time.Millisecond),
	)

	t, err := tracker.New(
		tracker.WithStorage(store),
		tracker.WithStrategy(tracker.NewTokenBucketStrategy()),
		tracker.WithBucketSize(10),
		tracker.WithRefillRate(5),
		tracker.WithDeferInterval(time.Second),
		tracker.WithExpireTime(time.Hour),
		tracker.WithDebug(os.Getenv("TRACKER_DEBUG") != ""),
	)
	if err != nil {
		log.Fatal(err)
	}
	t.SetProcessor(func(ctx context.Context, batch []*tracker.Record) error {
		log.Printf("releasing %d deferred event(s)", len(batch))
		return nil
	})
	defer t.Close(context.Background())

	http.HandleFunc("/track", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		category := r.URL.Query().Get("category")
		if category == "" {
			category = "http"
		}
		id := r.RemoteAddr

		outcome, rec, err := t.TrackEvent(ctx, category, id, map[string]any{"path": r.URL.Path})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if outcome == tracker.OutcomeDeferred {
			w.WriteHeader(http.StatusTooManyRequests)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"outcome":  outcome,
			"count":    rec.Count,
			"deferred": rec.Deferred,
		})
	})

	http.HandleFunc("/deferred", func(w http.ResponseWriter, r *http.Request) {
		events, err := t.GetDeferredEvents(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(events)
	})

	http.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := client.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis unreachable: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok\n"))
	})

	log.Printf("server listening on :8080 (redis: %s)", redisAddr)
	log.Fatal(http.ListenAndServe(":8080", nil))
}
