// Package ratelimit implements a per-(principal,resource) rolling
// window rate limiter. A token bucket cannot serve
// time_until_capacity's FIFO-expiry estimate, which needs individual
// record ages, so this is a windowed deque instead.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/r3e-labs/ecocore/domain"
	"github.com/r3e-labs/ecocore/infrastructure/metrics"
)

type key struct {
	principal string
	resource  string
}

// Limiter gates metered resource consumption within a shared rolling window.
type Limiter struct {
	mu            sync.Mutex
	windowSeconds float64
	limits        map[string]float64 // resource -> max_per_window; absent = unlimited
	usage         map[key][]domain.UsageRecord
	clock         Clock
}

// New creates a Limiter with the given shared window and clock.
func New(windowSeconds float64, clock Clock) *Limiter {
	if clock == nil {
		clock = RealClock{}
	}
	return &Limiter{
		windowSeconds: windowSeconds,
		limits:        make(map[string]float64),
		usage:         make(map[key][]domain.UsageRecord),
		clock:         clock,
	}
}

// ConfigureLimit sets resource's max_per_window. max < 0 is rejected
// silently as "unlimited"; a resource never configured is treated as
// unlimited.
func (l *Limiter) ConfigureLimit(resource string, maxPerWindow float64) {
	if maxPerWindow < 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[resource] = maxPerWindow
}

func (l *Limiter) prune(k key, now time.Time) []domain.UsageRecord {
	recs := l.usage[k]
	cutoff := now.Add(-time.Duration(l.windowSeconds * float64(time.Second)))
	i := 0
	for i < len(recs) && recs[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		recs = append([]domain.UsageRecord(nil), recs[i:]...)
	}
	l.usage[k] = recs
	return recs
}

// GetUsage returns the sum of non-expired usage for (id, resource).
func (l *Limiter) GetUsage(id, resource string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	recs := l.prune(key{id, resource}, l.clock.Now())
	var total float64
	for _, r := range recs {
		total += r.Amount
	}
	return total
}

// GetRemaining returns the configured limit minus current usage, or
// +Inf if the resource is unconfigured (unlimited).
func (l *Limiter) GetRemaining(id, resource string) float64 {
	l.mu.Lock()
	max, limited := l.limits[resource]
	l.mu.Unlock()
	if !limited {
		return math.Inf(1)
	}
	used := l.GetUsage(id, resource)
	remaining := max - used
	if remaining < 0 {
		return 0
	}
	return remaining
}

// HasCapacity reports whether amount more of resource can be consumed
// by id right now, without consuming it.
func (l *Limiter) HasCapacity(id, resource string, amount float64) bool {
	if amount < 0 {
		return false
	}
	if amount == 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	max, limited := l.limits[resource]
	if !limited {
		return true
	}
	recs := l.prune(key{id, resource}, l.clock.Now())
	var used float64
	for _, r := range recs {
		used += r.Amount
	}
	return used+amount <= max
}

// Consume performs an atomic check-and-append: if capacity is
// available it records the usage and returns true; otherwise it
// returns false without recording anything. amount < 0 always fails;
// amount == 0 always succeeds without recording.
func (l *Limiter) Consume(id, resource string, amount float64) bool {
	if amount < 0 {
		return false
	}
	if amount == 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	k := key{id, resource}
	max, limited := l.limits[resource]
	recs := l.prune(k, now)

	if limited {
		var used float64
		for _, r := range recs {
			used += r.Amount
		}
		if used+amount > max {
			metrics.RateLimiterDenials.WithLabelValues(resource).Inc()
			return false
		}
	}

	l.usage[k] = append(recs, domain.UsageRecord{Timestamp: now, Amount: amount})
	return true
}

// TimeUntilCapacity returns a lower-bound estimate, in seconds, until
// enough records have aged out of the window for amount to fit. It
// accumulates from the oldest record forward (FIFO) until enough usage
// has expired to make room. Returns 0 immediately if capacity is
// already available.
func (l *Limiter) TimeUntilCapacity(id, resource string, amount float64) float64 {
	if amount <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	k := key{id, resource}
	max, limited := l.limits[resource]
	recs := l.prune(k, now)

	if !limited {
		return 0
	}

	var used float64
	for _, r := range recs {
		used += r.Amount
	}
	if used+amount <= max {
		return 0
	}

	// Accumulate expirations from the oldest record until the excess
	// has aged out.
	excess := used + amount - max
	var freed float64
	for _, r := range recs {
		freed += r.Amount
		if freed >= excess {
			expiresAt := r.Timestamp.Add(time.Duration(l.windowSeconds * float64(time.Second)))
			wait := expiresAt.Sub(now).Seconds()
			if wait < 0 {
				wait = 0
			}
			return wait
		}
	}
	// Every current record must expire and it is still not enough
	// (amount itself exceeds the limit) — report the last record's expiry
	// as the best lower bound.
	if len(recs) > 0 {
		last := recs[len(recs)-1]
		expiresAt := last.Timestamp.Add(time.Duration(l.windowSeconds * float64(time.Second)))
		wait := expiresAt.Sub(now).Seconds()
		if wait < 0 {
			wait = 0
		}
		return wait
	}
	return 0
}

// WaitForCapacity cooperatively waits (via the injected Clock) until
// amount of resource can be consumed by id, then performs a final
// atomic Consume. Returns true on success, false on timeout. amount<=0
// returns true immediately without consuming. timeout<=0 means no
// timeout (wait indefinitely, bounded by the estimate loop).
func (l *Limiter) WaitForCapacity(id, resource string, amount float64, timeout time.Duration) bool {
	if amount <= 0 {
		return true
	}
	deadline := l.clock.Now().Add(timeout)
	hasDeadline := timeout > 0

	for {
		wait := l.TimeUntilCapacity(id, resource, amount)
		if wait <= 0 {
			if l.Consume(id, resource, amount) {
				return true
			}
			// another consumer raced us; re-estimate.
			wait = 0.05
		}
		if hasDeadline {
			remaining := deadline.Sub(l.clock.Now()).Seconds()
			if remaining <= 0 {
				return false
			}
			if wait > remaining {
				wait = remaining
			}
		}
		l.clock.Sleep(time.Duration(wait * float64(time.Second)))
		if hasDeadline && !l.clock.Now().Before(deadline) {
			if l.Consume(id, resource, amount) {
				return true
			}
			return false
		}
	}
}

// Reset clears usage records. agent=="" means all agents; resource==""
// means all resources (for the matching agent selector).
func (l *Limiter) Reset(agent, resource string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.usage {
		if agent != "" && k.principal != agent {
			continue
		}
		if resource != "" && k.resource != resource {
			continue
		}
		delete(l.usage, k)
	}
}
