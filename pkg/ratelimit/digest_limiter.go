// Package ratelimit implements admission control for the classify and digest
// endpoints: per-identity windows with two budgets (requests and emails), a
// hard-capped identity table with LRU eviction, and no I/O on the hot path.
package ratelimit

import (
	"container/list"
	"sync"
	"time"

	"digest_server/pkg/clock"
)

// Config holds limiter configuration. An identity is the authenticated
// principal when present, otherwise the trusted client IP.
type Config struct {
	RequestsPerMinute int // request budget per window
	EmailsPerMinute   int // email budget per window (expensive endpoints count payload)
	EmailsPerHour     int // longer email budget
	MaxTrackedIdents  int // hard cap on the identity table
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		EmailsPerMinute:   500,
		EmailsPerHour:     5000,
		MaxTrackedIdents:  10000,
	}
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Limit      string // which budget tripped: requests_per_minute, emails_per_minute, emails_per_hour
}

type window struct {
	start time.Time
	used  int
}

func (w *window) take(now time.Time, span time.Duration, n, limit int) (bool, time.Duration) {
	if now.Sub(w.start) >= span {
		w.start = now
		w.used = 0
	}
	if w.used+n > limit {
		return false, w.start.Add(span).Sub(now)
	}
	w.used += n
	return true, 0
}

type identState struct {
	key      string
	requests window
	emailMin window
	emailHr  window
}

// Limiter tracks per-identity budgets. The identity table is bounded; when
// full, the least recently used identity is evicted. Eviction is a plain LRU,
// not probabilistic, so an attacker cannot reset a hot identity by churning
// cold ones faster than they age out.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	clk     clock.Clock
	idents  map[string]*list.Element
	lru     *list.List // front = most recent
	breachN int64
}

// New creates a limiter.
func New(cfg Config, clk clock.Clock) *Limiter {
	if cfg.MaxTrackedIdents <= 0 {
		cfg.MaxTrackedIdents = DefaultConfig().MaxTrackedIdents
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Limiter{
		cfg:    cfg,
		clk:    clk,
		idents: make(map[string]*list.Element),
		lru:    list.New(),
	}
}

// Admit checks one request carrying emailCount emails against all budgets.
// All budgets are checked before any is consumed, so a rejected request has
// no side effect on the counters.
func (l *Limiter) Admit(identity string, emailCount int) Decision {
	now := l.clk.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.touch(identity, now)

	checks := []struct {
		w     *window
		span  time.Duration
		n     int
		limit int
		name  string
	}{
		{&st.requests, time.Minute, 1, l.cfg.RequestsPerMinute, "requests_per_minute"},
		{&st.emailMin, time.Minute, emailCount, l.cfg.EmailsPerMinute, "emails_per_minute"},
		{&st.emailHr, time.Hour, emailCount, l.cfg.EmailsPerHour, "emails_per_hour"},
	}

	// Dry-run pass first.
	for _, c := range checks {
		if c.limit <= 0 {
			continue
		}
		w := *c.w
		if ok, wait := w.take(now, c.span, c.n, c.limit); !ok {
			l.breachN++
			return Decision{Allowed: false, RetryAfter: wait, Limit: c.name}
		}
	}
	for _, c := range checks {
		if c.limit <= 0 {
			continue
		}
		c.w.take(now, c.span, c.n, c.limit)
	}
	return Decision{Allowed: true}
}

// touch returns the identity state, creating and LRU-promoting as needed.
// Caller holds the lock.
func (l *Limiter) touch(identity string, now time.Time) *identState {
	if el, ok := l.idents[identity]; ok {
		l.lru.MoveToFront(el)
		return el.Value.(*identState)
	}
	for len(l.idents) >= l.cfg.MaxTrackedIdents {
		oldest := l.lru.Back()
		if oldest == nil {
			break
		}
		l.lru.Remove(oldest)
		delete(l.idents, oldest.Value.(*identState).key)
	}
	st := &identState{
		key:      identity,
		requests: window{start: now},
		emailMin: window{start: now},
		emailHr:  window{start: now},
	}
	l.idents[identity] = l.lru.PushFront(st)
	return st
}

// TrackedIdentities returns the current table size.
func (l *Limiter) TrackedIdentities() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.idents)
}

// BreachCount returns the number of rejected admissions since start.
func (l *Limiter) BreachCount() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.breachN
}
