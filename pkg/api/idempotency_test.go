package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingHandler(hits *atomic.Int64, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"n":` + strings.Repeat("1", int(hits.Load())) + `}`))
	})
}

func TestIdempotency_ReplaysCachedResponse(t *testing.T) {
	var hits atomic.Int64
	h := Idempotency(NewIdempotencyStore(time.Minute))(countingHandler(&hits, http.StatusCreated))

	first := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/solutions", nil)
	req.Header.Set("Idempotency-Key", "key-1")
	h.ServeHTTP(first, req)
	require.Equal(t, http.StatusCreated, first.Code)

	second := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/v1/solutions", nil)
	req2.Header.Set("Idempotency-Key", "key-1")
	h.ServeHTTP(second, req2)

	assert.Equal(t, int64(1), hits.Load(), "handler must run once per key")
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("X-Idempotent-Replay"))
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
}

func TestIdempotency_DistinctKeysProcessedSeparately(t *testing.T) {
	var hits atomic.Int64
	h := Idempotency(NewIdempotencyStore(time.Minute))(countingHandler(&hits, http.StatusCreated))

	for _, key := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/solutions", nil)
		req.Header.Set("Idempotency-Key", key)
		h.ServeHTTP(rec, req)
	}
	assert.Equal(t, int64(2), hits.Load())
}

func TestIdempotency_FailuresNotCached(t *testing.T) {
	var hits atomic.Int64
	h := Idempotency(NewIdempotencyStore(time.Minute))(countingHandler(&hits, http.StatusBadGateway))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/solutions", nil)
		req.Header.Set("Idempotency-Key", "retry-me")
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	}
	assert.Equal(t, int64(2), hits.Load(), "failed responses must be retried")
}

func TestIdempotency_NoKeyBypasses(t *testing.T) {
	var hits atomic.Int64
	h := Idempotency(NewIdempotencyStore(time.Minute))(countingHandler(&hits, http.StatusCreated))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/solutions", nil))
	}
	assert.Equal(t, int64(2), hits.Load())
}

func TestIdempotencyStore_Expiry(t *testing.T) {
	now := time.Now()
	store := NewIdempotencyStore(time.Minute).WithClock(func() time.Time { return now })

	store.Put("k", http.StatusCreated, http.Header{}, []byte("body"))
	_, ok := store.Get("k")
	require.True(t, ok)

	now = now.Add(61 * time.Second)
	_, ok = store.Get("k")
	assert.False(t, ok, "entry must expire after ttl")

	// A later Put sweeps the expired entry out of the map.
	store.Put("k2", http.StatusCreated, http.Header{}, nil)
	store.mu.RLock()
	_, stillThere := store.entries["k"]
	store.mu.RUnlock()
	assert.False(t, stillThere)
}
