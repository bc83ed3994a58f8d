package limits

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func newTestLimiter(rate int) *MessageRateLimiter {
	return NewMessageRateLimiter(rate, zerolog.Nop())
}

func TestTryAcquireBurstCapacity(t *testing.T) {
	l := newTestLimiter(100)
	defer l.Stop()

	// A full bucket admits exactly ratePerSecond acquisitions back to back.
	granted := 0
	for i := 0; i < 150; i++ {
		if l.TryAcquire("sensor-001") {
			granted++
		}
	}
	assert.Equal(t, 100, granted)
}

func TestRefillOnlyAtWindowBoundary(t *testing.T) {
	l := newTestLimiter(5)
	defer l.Stop()

	base := time.Date(2026, 3, 1, 10, 0, 0, int(400*time.Millisecond), time.UTC)
	now := base
	l.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		assert.True(t, l.TryAcquire("sensor-001"))
	}

	// Nothing trickles back mid-window, no matter how often the device
	// retries before the second rolls over.
	for _, ahead := range []time.Duration{0, 100 * time.Millisecond, 550 * time.Millisecond} {
		now = base.Add(ahead)
		assert.False(t, l.TryAcquire("sensor-001"), "refill %v into the window", ahead)
	}

	// The next window grants exactly ratePerSecond again.
	now = base.Add(time.Second)
	granted := 0
	for i := 0; i < 20; i++ {
		if l.TryAcquire("sensor-001") {
			granted++
		}
	}
	assert.Equal(t, 5, granted)
}

func TestBucketsAreIndependent(t *testing.T) {
	l := newTestLimiter(5)
	defer l.Stop()

	for i := 0; i < 5; i++ {
		assert.True(t, l.TryAcquire("a"))
	}
	assert.False(t, l.TryAcquire("a"))
	assert.True(t, l.TryAcquire("b"), "draining one bucket does not affect another")
}

func TestReset(t *testing.T) {
	l := newTestLimiter(3)
	defer l.Stop()

	for i := 0; i < 3; i++ {
		l.TryAcquire("sensor-001")
	}
	assert.False(t, l.TryAcquire("sensor-001"))

	l.Reset("sensor-001")
	assert.True(t, l.TryAcquire("sensor-001"), "reset refills the bucket")
}

func TestSnapshot(t *testing.T) {
	l := newTestLimiter(10)
	defer l.Stop()

	l.TryAcquire("sensor-001")
	l.TryAcquire("conveyor-a")

	snap := l.Snapshot()
	assert.Len(t, snap, 2)
	for _, b := range snap {
		assert.Equal(t, 10, b.Rate)
		assert.LessOrEqual(t, b.Tokens, 10.0)
	}
}
