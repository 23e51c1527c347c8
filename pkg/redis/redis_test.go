package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/komuji/ticketing/pkg/config"
)

func newMiniClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Host != "localhost" {
		t.Errorf("Expected host 'localhost', got '%s'", cfg.Host)
	}
	if cfg.Port != 6379 {
		t.Errorf("Expected port 6379, got %d", cfg.Port)
	}
	if cfg.PoolSize != 100 {
		t.Errorf("Expected pool size 100, got %d", cfg.PoolSize)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("Expected max retries 3, got %d", cfg.MaxRetries)
	}
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.RedisConfig{Host: "cache", Port: 6380, PoolSize: 7})

	if cfg.Addr() != "cache:6380" {
		t.Errorf("Expected addr 'cache:6380', got '%s'", cfg.Addr())
	}
	if cfg.PoolSize != 7 {
		t.Errorf("Expected pool size 7, got %d", cfg.PoolSize)
	}
	if cfg.DialTimeout != 5*time.Second {
		t.Errorf("Expected default dial timeout to be kept, got %v", cfg.DialTimeout)
	}
}

func TestNewClient_InvalidConfig(t *testing.T) {
	cfg := &Config{
		Host:          "invalid-host-that-does-not-exist",
		Port:          9999,
		MaxRetries:    0,
		RetryInterval: 100 * time.Millisecond,
		DialTimeout:   500 * time.Millisecond,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := NewClient(ctx, cfg); err == nil {
		t.Error("Expected error for invalid config, got nil")
	}
}

func TestComputeSHA1(t *testing.T) {
	sha := computeSHA1("return 1")

	if len(sha) != 40 {
		t.Errorf("Expected SHA1 length 40, got %d", len(sha))
	}
	if sha != computeSHA1("return 1") {
		t.Error("Same script should produce same SHA")
	}
	if sha == computeSHA1("return 2") {
		t.Error("Different scripts should produce different SHAs")
	}
}

func TestIsNoScriptError(t *testing.T) {
	tests := []struct {
		err      error
		expected bool
	}{
		{nil, false},
		{fmt.Errorf("some error"), false},
		{fmt.Errorf("NOSCRIPT No matching script. Please use EVAL."), true},
		{fmt.Errorf("NOSCRIPT some other message"), true},
	}

	for _, tt := range tests {
		if result := isNoScriptError(tt.err); result != tt.expected {
			t.Errorf("isNoScriptError(%v) = %v, want %v", tt.err, result, tt.expected)
		}
	}
}

func TestClient_HealthCheck(t *testing.T) {
	c, _ := newMiniClient(t)

	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}

func TestClient_LoadScript(t *testing.T) {
	c, _ := newMiniClient(t)
	ctx := context.Background()

	info, err := c.LoadScript(ctx, "test_add", `return tonumber(ARGV[1]) + tonumber(ARGV[2])`)
	if err != nil {
		t.Fatalf("LoadScript failed: %v", err)
	}

	sha, ok := c.GetScriptSHA("test_add")
	if !ok {
		t.Fatal("Expected script SHA to be cached")
	}
	if sha != info.SHA {
		t.Error("Cached SHA should match loaded SHA")
	}
}

func TestClient_EvalWithFallback(t *testing.T) {
	c, _ := newMiniClient(t)
	ctx := context.Background()

	script := `return tonumber(ARGV[1]) * 2`

	result, err := c.EvalWithFallback(ctx, "test_double", script, nil, 7).Int()
	if err != nil {
		t.Fatalf("EvalWithFallback failed: %v", err)
	}
	if result != 14 {
		t.Errorf("Expected result 14, got %d", result)
	}

	// Server forgets the script; the cached SHA must be reloaded transparently
	if err := c.Client().ScriptFlush(ctx).Err(); err != nil {
		t.Fatalf("ScriptFlush failed: %v", err)
	}

	result, err = c.EvalWithFallback(ctx, "test_double", script, nil, 10).Int()
	if err != nil {
		t.Fatalf("EvalWithFallback after flush failed: %v", err)
	}
	if result != 20 {
		t.Errorf("Expected result 20, got %d", result)
	}
}

func TestClient_BasicOperations(t *testing.T) {
	c, mr := newMiniClient(t)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "k", "v1", time.Minute).Result()
	if err != nil || !ok {
		t.Fatalf("SetNX failed: ok=%v err=%v", ok, err)
	}
	ok, _ = c.SetNX(ctx, "k", "v2", time.Minute).Result()
	if ok {
		t.Error("Second SetNX should not overwrite")
	}

	val, err := c.Get(ctx, "k").Result()
	if err != nil || val != "v1" {
		t.Errorf("Expected 'v1', got '%s' (%v)", val, err)
	}

	mr.FastForward(2 * time.Minute)
	if _, err := c.Get(ctx, "k").Result(); err != Nil {
		t.Errorf("Expected Nil after expiry, got %v", err)
	}
}

// Integration test - requires Redis to be running

func TestNewClient_Integration(t *testing.T) {
	if os.Getenv("INTEGRATION_TEST") != "true" {
		t.Skip("Skipping integration test. Set INTEGRATION_TEST=true to run")
	}

	cfg := DefaultConfig()
	if host := os.Getenv("TEST_REDIS_HOST"); host != "" {
		cfg.Host = host
	}
	if password := os.Getenv("TEST_REDIS_PASSWORD"); password != "" {
		cfg.Password = password
	}

	ctx := context.Background()
	client, err := NewClient(ctx, cfg)
	if err != nil {
		t.Fatalf("Failed to connect to redis: %v", err)
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}
