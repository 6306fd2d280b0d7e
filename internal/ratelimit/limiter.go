// Package ratelimit gates conversation turns per identity with two
// sliding windows over request timestamps. State lives only in process
// memory; this is deliberately not a distributed limiter.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned by CheckAndReserve when either window is at
// capacity. Callers surface it as a distinct rate-limited signal, not a
// generic failure.
var ErrRateLimited = errors.New("rate limit exceeded")

const (
	ShortHorizon = time.Minute
	LongHorizon  = time.Hour
)

// window holds one identity's request timestamps for both horizons. Its
// mutex makes prune-then-append atomic per identity; identities never
// contend with each other past the map lookup.
type window struct {
	mu    sync.Mutex
	short []time.Time
	long  []time.Time
}

type Limiter struct {
	mu       sync.Mutex
	windows  map[string]*window
	shortCap int
	longCap  int
}

func NewLimiter(shortCap, longCap int) *Limiter {
	return &Limiter{
		windows:  make(map[string]*window),
		shortCap: shortCap,
		longCap:  longCap,
	}
}

func (l *Limiter) windowFor(identity string) *window {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[identity]
	if !ok {
		w = &window{}
		l.windows[identity] = w
	}
	return w
}

// prune drops timestamps that have fallen out of their horizon. Cost is
// bounded by shortCap+longCap because acceptance is gated on the caps.
func prune(timestamps []time.Time, cutoff time.Time) []time.Time {
	kept := timestamps[:0]
	for _, t := range timestamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// CheckAndReserve admits the request at now, recording it in both
// windows, or rejects it leaving state unchanged beyond pruning. If
// either window is at cap the request is rejected outright (fail-closed;
// there is no warn-but-allow path — see DESIGN.md).
func (l *Limiter) CheckAndReserve(identity string, now time.Time) error {
	w := l.windowFor(identity)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.short = prune(w.short, now.Add(-ShortHorizon))
	w.long = prune(w.long, now.Add(-LongHorizon))

	if len(w.short) >= l.shortCap || len(w.long) >= l.longCap {
		return ErrRateLimited
	}

	w.short = append(w.short, now)
	w.long = append(w.long, now)
	return nil
}

// RemainingQuota reports how many requests the identity could still make
// in each window as of now. It prunes but never appends, so calling it
// consumes no quota.
func (l *Limiter) RemainingQuota(identity string, now time.Time) (shortLeft, longLeft int) {
	w := l.windowFor(identity)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.short = prune(w.short, now.Add(-ShortHorizon))
	w.long = prune(w.long, now.Add(-LongHorizon))

	shortLeft = l.shortCap - len(w.short)
	if shortLeft < 0 {
		shortLeft = 0
	}
	longLeft = l.longCap - len(w.long)
	if longLeft < 0 {
		longLeft = 0
	}
	return shortLeft, longLeft
}
