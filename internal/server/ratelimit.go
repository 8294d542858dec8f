package server

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL    = 10 * time.Minute
	limiterSweepEvery = 5 * time.Minute
)

// runLimiter holds one token bucket per client on run submission. Each
// client may burst up to perMin runs and refills at perMin per minute.
type runLimiter struct {
	mu        sync.Mutex
	clients   map[string]*clientLimiter
	limit     rate.Limit
	burst     int
	now       func() time.Time
	lastSweep time.Time
}

type clientLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newRunLimiter(perMin int, now func() time.Time) *runLimiter {
	if now == nil {
		now = time.Now
	}
	return &runLimiter{
		clients:   make(map[string]*clientLimiter),
		limit:     rate.Limit(float64(perMin) / 60.0),
		burst:     perMin,
		now:       now,
		lastSweep: now(),
	}
}

// allow takes one token for client. When none is left it reports how long
// until the next one.
func (l *runLimiter) allow(client string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > limiterSweepEvery {
		for k, c := range l.clients {
			if now.Sub(c.lastSeen) > limiterIdleTTL {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}

	c, ok := l.clients[client]
	if !ok {
		c = &clientLimiter{lim: rate.NewLimiter(l.limit, l.burst)}
		l.clients[client] = c
	}
	c.lastSeen = now

	res := c.lim.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Minute
	}
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return false, wait
	}
	return true, 0
}

// limitRuns rejects run submissions over the per-client rate with 429.
func (s *Server) limitRuns(next http.HandlerFunc) http.HandlerFunc {
	if s.limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ok, wait := s.limiter.allow(clientKey(r))
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
			writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "run rate limit exceeded", Kind: "rate_limited"})
			return
		}
		next(w, r)
	}
}

// retryAfterSeconds rounds wait up to whole seconds, ignoring sub-millisecond
// float noise from the limiter.
func retryAfterSeconds(wait time.Duration) int {
	return int(math.Ceil(wait.Round(time.Millisecond).Seconds()))
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
