package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/redis/go-redis/v9/internal/pool.startGlobalTimeCache.func1"),
	)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, rules map[Surface]Rule) (*Limiter, *MemoryStore, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	store := newMemoryStore(time.Hour, clock.Now)
	t.Cleanup(func() { store.Close() })
	return New(store, rules, WithClock(clock.Now)), store, clock
}

func TestCheckRejectsOnlyTheCallOverBudget(t *testing.T) {
	limiter, _, clock := newTestLimiter(t, nil)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		res, err := limiter.Check(ctx, SurfaceAuth, "ip:127.0.0.1")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "call %d", i)
		assert.Equal(t, 5-i, res.Remaining)
		assert.Zero(t, res.RetryAfter)
		clock.Advance(time.Second)
	}

	res, err := limiter.Check(ctx, SurfaceAuth, "ip:127.0.0.1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.InDelta(t, 900, res.RetryAfter, 6)
	assert.Greater(t, res.RetryAfter, 0)
}

func TestCheckResetsAfterWindow(t *testing.T) {
	rules := map[Surface]Rule{SurfaceAPI: {Max: 2, Window: time.Minute, KeyBy: KeyByUser}}
	limiter, _, clock := newTestLimiter(t, rules)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := limiter.Check(ctx, SurfaceAPI, "user:7")
		require.NoError(t, err)
	}

	clock.Advance(time.Minute)
	res, err := limiter.Check(ctx, SurfaceAPI, "user:7")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Count)
	assert.Equal(t, 1, res.Remaining)
}

func TestRetryAfterRoundsUp(t *testing.T) {
	rules := map[Surface]Rule{SurfaceSMS: {Max: 1, Window: time.Minute, KeyBy: KeyByGlobal}}
	limiter, _, clock := newTestLimiter(t, rules)
	ctx := context.Background()

	_, err := limiter.Check(ctx, SurfaceSMS, GlobalSMSKey)
	require.NoError(t, err)
	clock.Advance(59*time.Second + 500*time.Millisecond)

	res, err := limiter.Check(ctx, SurfaceSMS, GlobalSMSKey)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 1, res.RetryAfter)
}

func TestKeysAreIndependent(t *testing.T) {
	limiter, _, _ := newTestLimiter(t, nil)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := limiter.Check(ctx, SurfaceAuth, "ip:10.0.0.1")
		require.NoError(t, err)
	}

	res, err := limiter.Check(ctx, SurfaceAuth, "ip:10.0.0.2")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 4, res.Remaining)
}

func TestSurfacesAreIndependent(t *testing.T) {
	limiter, _, _ := newTestLimiter(t, nil)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := limiter.Check(ctx, SurfaceAuth, "ip:10.0.0.1")
		require.NoError(t, err)
	}
	res, err := limiter.Check(ctx, SurfacePublicAPI, "ip:10.0.0.1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 99, res.Remaining)
}

func TestUnknownSurface(t *testing.T) {
	limiter, _, _ := newTestLimiter(t, nil)
	_, err := limiter.Check(context.Background(), Surface("nope"), "k")
	assert.Error(t, err)
}

func TestSweepEvictsExpiredBuckets(t *testing.T) {
	rules := map[Surface]Rule{
		SurfaceAuth:   {Max: 5, Window: time.Minute, KeyBy: KeyByIP},
		SurfaceUpload: {Max: 5, Window: time.Hour, KeyBy: KeyByUser},
	}
	limiter, store, clock := newTestLimiter(t, rules)
	ctx := context.Background()

	_, _ = limiter.Check(ctx, SurfaceAuth, "a")
	_, _ = limiter.Check(ctx, SurfaceUpload, "b")
	require.Equal(t, 2, store.Len())

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, store.Sweep())
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStoreCloseStopsSweeper(t *testing.T) {
	store := NewMemoryStore(time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.Close())
}

func TestLoadRulesOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
surfaces:
  auth:
    max: 3
  sms:
    window: 30m
`), 0o600))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	assert.Equal(t, 3, rules[SurfaceAuth].Max)
	assert.Equal(t, 15*time.Minute, rules[SurfaceAuth].Window)
	assert.Equal(t, 30*time.Minute, rules[SurfaceSMS].Window)
	assert.Equal(t, 50, rules[SurfaceSMS].Max)
	assert.Equal(t, KeyByGlobal, rules[SurfaceSMS].KeyBy)

	defaults, err := LoadRules("")
	require.NoError(t, err)
	assert.Equal(t, DefaultRules(), defaults)
}

func TestClientKeyDerivation(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.9:5555"
	assert.Equal(t, "user:42", ClientKey(r, "42"))
	assert.Equal(t, "ip:192.0.2.9", ClientKey(r, ""))

	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "ip:203.0.113.5", ClientKey(r, ""))

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = ""
	assert.Equal(t, "unknown", ClientIP(r))
}

func TestMiddlewareWritesRejection(t *testing.T) {
	rules := map[Surface]Rule{SurfaceAuth: {Max: 1, Window: 15 * time.Minute, KeyBy: KeyByIP}}
	limiter, _, _ := newTestLimiter(t, rules)

	h := limiter.Middleware(SurfaceAuth, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		r.RemoteAddr = "127.0.0.1:1234"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	first := req()
	assert.Equal(t, http.StatusNoContent, first.Code)
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", first.Header().Get("X-RateLimit-Remaining"))
	assert.Empty(t, first.Header().Get("Retry-After"))

	second := req()
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "900", second.Header().Get("Retry-After"))
	assert.NotEmpty(t, second.Header().Get("X-RateLimit-Reset"))

	var body struct {
		Error      string `json:"error"`
		Message    string `json:"message"`
		RetryAfter int    `json:"retryAfter"`
	}
	require.NoError(t, json.NewDecoder(second.Body).Decode(&body))
	assert.Equal(t, 900, body.RetryAfter)
	assert.NotEmpty(t, body.Error)
	assert.NotEmpty(t, body.Message)
}

func TestMiddlewareKeysByUserWhenAuthenticated(t *testing.T) {
	rules := map[Surface]Rule{SurfaceUpload: {Max: 1, Window: time.Hour, KeyBy: KeyByUser}}
	limiter, _, _ := newTestLimiter(t, rules)

	user := ""
	h := limiter.Middleware(SurfaceUpload, func(*http.Request) string { return user })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	do := func() int {
		r := httptest.NewRequest(http.MethodPost, "/api/uploads", nil)
		r.RemoteAddr = "127.0.0.1:1"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do())
	assert.Equal(t, http.StatusTooManyRequests, do())
	user = "17"
	assert.Equal(t, http.StatusOK, do())
}

type failingStore struct{}

func (failingStore) Hit(context.Context, string, time.Duration, time.Time) (Bucket, error) {
	return Bucket{}, errors.New("connection refused")
}
func (failingStore) Close() error { return nil }

func TestMiddlewareFailsOpen(t *testing.T) {
	limiter := New(failingStore{}, nil)
	called := false
	h := limiter.Middleware(SurfaceAPI, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/x", nil))
	assert.True(t, called)
}

func TestRedisStoreSharesBuckets(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()
	key := "test-" + uuid.NewString()
	t.Cleanup(func() { client.Del(ctx, "ratelimit:"+key) })

	now := time.Now()
	a := NewRedisStore(client)
	b := NewRedisStore(client)

	first, err := a.Hit(ctx, key, time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Count)
	assert.WithinDuration(t, now.Add(time.Minute), first.ResetAt, time.Second)

	second, err := b.Hit(ctx, key, time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Count)
}
