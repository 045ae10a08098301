package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConsume_RollingWindowExpiry(t *testing.T) {
	vc := NewVirtualClock(time.Unix(0, 0))
	l := New(60, vc)
	l.ConfigureLimit("llm_calls", 10)

	for i := 0; i < 10; i++ {
		assert.True(t, l.Consume("a", "llm_calls", 1))
	}
	assert.False(t, l.HasCapacity("a", "llm_calls", 1))

	vc.Advance(61 * time.Second)

	assert.Equal(t, 10.0, l.GetRemaining("a", "llm_calls"))
	assert.True(t, l.Consume("a", "llm_calls", 1))
}

func TestConsume_NegativeAmountFails(t *testing.T) {
	l := New(60, NewVirtualClock(time.Unix(0, 0)))
	l.ConfigureLimit("x", 5)
	assert.False(t, l.Consume("a", "x", -1))
}

func TestConsume_ZeroAlwaysSucceedsWithoutRecording(t *testing.T) {
	l := New(60, NewVirtualClock(time.Unix(0, 0)))
	l.ConfigureLimit("x", 0)
	assert.True(t, l.Consume("a", "x", 0))
	assert.Equal(t, 0.0, l.GetUsage("a", "x"))
}

func TestUnconfiguredResourceIsUnlimited(t *testing.T) {
	l := New(60, NewVirtualClock(time.Unix(0, 0)))
	assert.True(t, l.Consume("a", "unbounded", 1_000_000))
	assert.True(t, l.HasCapacity("a", "unbounded", 1_000_000))
}

// Testable property 5: at most one of two interleaved calls exceeding
// the limit succeeds.
func TestConsume_AtomicUnderConcurrency(t *testing.T) {
	l := New(60, RealClock{})
	l.ConfigureLimit("x", 1)

	results := make(chan bool, 2)
	go func() { results <- l.Consume("a", "x", 1) }()
	go func() { results <- l.Consume("a", "x", 1) }()

	r1, r2 := <-results, <-results
	assert.True(t, r1 != r2 || (!r1 && !r2))
	assert.LessOrEqual(t, boolToInt(r1)+boolToInt(r2), 1)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func TestTimeUntilCapacity_ZeroWhenAvailable(t *testing.T) {
	l := New(60, NewVirtualClock(time.Unix(0, 0)))
	l.ConfigureLimit("x", 5)
	assert.Equal(t, 0.0, l.TimeUntilCapacity("a", "x", 1))
}

func TestWaitForCapacity_TimesOut(t *testing.T) {
	vc := NewVirtualClock(time.Unix(0, 0))
	l := New(60, vc)
	l.ConfigureLimit("x", 1)
	assert.True(t, l.Consume("a", "x", 1))

	done := make(chan bool, 1)
	go func() { done <- l.WaitForCapacity("a", "x", 1, 5*time.Second) }()

	// advance past the wait timeout, but short of the window expiry.
	time.Sleep(10 * time.Millisecond)
	vc.Advance(10 * time.Second)
	assert.False(t, <-done)
}

func TestWaitForCapacity_SucceedsAfterWindowExpires(t *testing.T) {
	vc := NewVirtualClock(time.Unix(0, 0))
	l := New(60, vc)
	l.ConfigureLimit("x", 1)
	assert.True(t, l.Consume("a", "x", 1))

	done := make(chan bool, 1)
	go func() { done <- l.WaitForCapacity("a", "x", 1, 0) }()

	time.Sleep(10 * time.Millisecond)
	vc.Advance(61 * time.Second)
	assert.True(t, <-done)
}
