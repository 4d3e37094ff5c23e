//go:build integration

package ratelimit

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: endpoint,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestTracker_Integration_Ledger(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	tracker := NewTracker(redisClient, map[string]int{"dandok": 5}, logger)
	ctx := context.Background()

	// Empty ledger
	state, err := tracker.Usage(ctx, "dandok")
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if state.Used != 0 || !state.IsHealthy {
		t.Errorf("fresh ledger = %+v, want 0 used and healthy", state)
	}

	for i := 0; i < 5; i++ {
		if _, err := tracker.Reserve(ctx, "dandok"); err != nil {
			t.Fatalf("Reserve() #%d error = %v", i+1, err)
		}
	}
	if _, err := tracker.Reserve(ctx, "dandok"); !errors.Is(err, ErrDailyQuotaExhausted) {
		t.Fatalf("Reserve() over limit error = %v", err)
	}

	key := LedgerKey("dandok", QuotaDay(time.Now()))
	used, err := redisClient.Get(ctx, key).Int()
	if err != nil {
		t.Fatalf("GET %s: %v", key, err)
	}
	if used != 5 {
		t.Errorf("ledger value = %d, want 5", used)
	}

	ttl, err := redisClient.TTL(ctx, key).Result()
	if err != nil {
		t.Fatalf("TTL %s: %v", key, err)
	}
	if ttl <= 0 || ttl > LedgerTTL {
		t.Errorf("TTL = %v, want within (0, %v]", ttl, LedgerTTL)
	}
}

func TestTracker_Integration_SharedAcrossTrackers(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	limits := map[string]int{"yeonlip": 50}
	a := NewTracker(redisClient, limits, logger)
	b := NewTracker(redisClient, limits, logger)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	refused := 0
	for i := 0; i < 60; i++ {
		tracker := a
		if i%2 == 1 {
			tracker = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tracker.Reserve(ctx, "yeonlip"); errors.Is(err, ErrDailyQuotaExhausted) {
				mu.Lock()
				refused++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if refused != 10 {
		t.Errorf("refused = %d, want 10", refused)
	}

	state, err := b.Usage(ctx, "yeonlip")
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if state.Used != 50 {
		t.Errorf("Used = %d, want 50", state.Used)
	}
}
