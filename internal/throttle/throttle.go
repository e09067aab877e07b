// Package throttle bounds authentication attempts per request source to
// mitigate credential guessing: a sliding window with a hard attempt limit,
// plus escalating bans keyed on a cumulative per-source counter that a
// successful login never resets.
package throttle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RateLimitedError rejects an attempt and carries the remaining wait so the
// API layer can surface it.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many login attempts, retry in %s", e.RetryAfter.Round(time.Second))
}

type entry struct {
	windowStart time.Time
	windowCount int
	cumulative  int
	bannedUntil time.Time
	lastAttempt time.Time
}

// Limiter tracks attempts per source address. Entries are pruned by the
// janitor once their ban has lapsed and they have been idle past the
// retention window, keeping memory bounded.
type Limiter struct {
	window      time.Duration
	maxAttempts int
	retention   time.Duration
	log         zerolog.Logger
	now         func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

func NewLimiter(window time.Duration, maxAttempts int, retention time.Duration, log zerolog.Logger) *Limiter {
	if window <= 0 {
		window = 15 * time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Limiter{
		window:      window,
		maxAttempts: maxAttempts,
		retention:   retention,
		log:         log.With().Str("component", "login_throttle").Logger(),
		now:         time.Now,
	}
}

// Allow records one authentication attempt from the source and decides
// whether it may proceed. While a ban is active the attempt is rejected
// immediately without touching the counters. Once a window's limit is
// exceeded, the extra cooldown escalates with the source's cumulative
// attempt count.
func (l *Limiter) Allow(source string) error {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.entries == nil {
		l.entries = make(map[string]*entry)
	}
	e, ok := l.entries[source]
	if !ok {
		e = &entry{windowStart: now}
		l.entries[source] = e
	}
	if e.bannedUntil.After(now) {
		// Rejected attempts during a ban do not increment the counter.
		e.lastAttempt = now
		return &RateLimitedError{RetryAfter: e.bannedUntil.Sub(now)}
	}
	if now.Sub(e.windowStart) >= l.window {
		e.windowStart = now
		e.windowCount = 0
	}
	e.lastAttempt = now
	e.windowCount++
	e.cumulative++
	if e.windowCount <= l.maxAttempts {
		return nil
	}

	extra := EscalationCooldown(e.cumulative)
	if extra > 0 {
		e.bannedUntil = now.Add(extra)
	} else {
		e.bannedUntil = e.windowStart.Add(l.window)
	}
	l.log.Warn().
		Str("source", source).
		Int("cumulative_attempts", e.cumulative).
		Dur("banned_for", e.bannedUntil.Sub(now)).
		Msg("login attempts throttled")
	return &RateLimitedError{RetryAfter: e.bannedUntil.Sub(now)}
}

// Attempts reports the cumulative attempt count recorded for a source.
func (l *Limiter) Attempts(source string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[source]; ok {
		return e.cumulative
	}
	return 0
}

// EscalationCooldown maps a source's cumulative attempt count to the extra
// cooldown applied once the window limit is exceeded.
func EscalationCooldown(cumulativeAttempts int) time.Duration {
	switch {
	case cumulativeAttempts <= 7:
		return 0
	case cumulativeAttempts <= 15:
		return 5 * time.Minute
	case cumulativeAttempts <= 23:
		return 15 * time.Minute
	default:
		return 30 * time.Minute
	}
}

// Prune drops entries whose ban has lapsed and that have been idle longer
// than the retention window. Returns how many were removed.
func (l *Limiter) Prune() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for source, e := range l.entries {
		if e.bannedUntil.After(now) {
			continue
		}
		if now.Sub(e.lastAttempt) > l.retention {
			delete(l.entries, source)
			removed++
		}
	}
	return removed
}

// Run prunes on a fixed interval until the context is cancelled.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Prune(); n > 0 {
				l.log.Info().Int("pruned", n).Msg("throttle entries pruned")
			}
		}
	}
}
