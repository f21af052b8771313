package api

import (
	"bytes"
	"net/http"
	"sync"
	"time"
)

// cachedResponse is one replayable response.
type cachedResponse struct {
	status   int
	header   http.Header
	body     []byte
	storedAt time.Time
}

// IdempotencyStore caches successful mutating responses by Idempotency-Key so
// retried requests replay the original outcome instead of assembling twice.
type IdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*cachedResponse
	ttl     time.Duration
	clock   func() time.Time
}

// NewIdempotencyStore creates an in-memory store whose entries expire after ttl.
func NewIdempotencyStore(ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{
		entries: make(map[string]*cachedResponse),
		ttl:     ttl,
		clock:   time.Now,
	}
}

// WithClock overrides the time source for tests.
func (s *IdempotencyStore) WithClock(clock func() time.Time) *IdempotencyStore {
	s.clock = clock
	return s
}

// Get returns the cached response for key, if present and unexpired.
func (s *IdempotencyStore) Get(key string) (*cachedResponse, bool) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || s.clock().Sub(entry.storedAt) >= s.ttl {
		return nil, false
	}
	return entry, true
}

// Put stores a response and sweeps expired entries while holding the lock.
func (s *IdempotencyStore) Put(key string, status int, header http.Header, body []byte) {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.entries {
		if now.Sub(v.storedAt) >= s.ttl {
			delete(s.entries, k)
		}
	}
	s.entries[key] = &cachedResponse{
		status:   status,
		header:   header,
		body:     body,
		storedAt: now,
	}
}

// responseRecorder tees the response so it can be cached after the handler runs.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// Idempotency replays cached responses for mutating requests that carry an
// Idempotency-Key header. Only 2xx responses are cached; failures are retried
// normally.
func Idempotency(store *IdempotencyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			if cached, ok := store.Get(key); ok {
				for name, values := range cached.header {
					// Headers set by outer middleware (request IDs) stay
					// fresh; everything else comes from the cached response.
					if w.Header().Get(name) != "" {
						continue
					}
					for _, v := range values {
						w.Header().Add(name, v)
					}
				}
				w.Header().Set("X-Idempotent-Replay", "true")
				w.WriteHeader(cached.status)
				_, _ = w.Write(cached.body)
				return
			}

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status >= 200 && rec.status < 300 {
				store.Put(key, rec.status, w.Header().Clone(), rec.body.Bytes())
			}
		})
	}
}
