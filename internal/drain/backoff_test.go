// ABOUTME: Tests for exponential backoff with jitter
// ABOUTME: Checks growth, the cap and that jitter is only ever added

package drain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_NonDecreasingAndCapped(t *testing.T) {
	b := Backoff{Base: 250 * time.Millisecond, Cap: 30 * time.Second}

	// Real jitter: the doubling outruns 20% jitter, so order holds for any draw.
	for run := 0; run < 50; run++ {
		prev := time.Duration(0)
		for attempts := 0; attempts <= 10; attempts++ {
			d := b.Delay(attempts)
			assert.GreaterOrEqual(t, d, prev, "attempts=%d", attempts)
			assert.LessOrEqual(t, d, b.Cap, "attempts=%d", attempts)
			prev = d
		}
	}
}

func TestBackoff_Exponential(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Cap: time.Second, Rand: func() float64 { return 0 }}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for attempts, w := range want {
		assert.Equal(t, w, b.Delay(attempts), "attempts=%d", attempts)
	}
}

func TestBackoff_JitterOnlyAdds(t *testing.T) {
	low := Backoff{Base: 100 * time.Millisecond, Cap: time.Minute, Rand: func() float64 { return 0 }}
	high := Backoff{Base: 100 * time.Millisecond, Cap: time.Minute, Rand: func() float64 { return 0.999 }}

	for attempts := 0; attempts <= 5; attempts++ {
		floor := low.Delay(attempts)
		d := high.Delay(attempts)
		assert.GreaterOrEqual(t, d, floor)
		assert.LessOrEqual(t, d, floor+floor/5)
	}
}

func TestBackoff_JitterClampedToCap(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 5 * time.Second, Rand: func() float64 { return 0.999 }}
	assert.Equal(t, 5*time.Second, b.Delay(3))
	assert.Equal(t, 5*time.Second, b.Delay(100))
}

func TestBackoff_Edges(t *testing.T) {
	assert.Zero(t, Backoff{}.Delay(3))

	b := Backoff{Base: time.Second, Cap: time.Minute, Rand: func() float64 { return 0 }}
	assert.Equal(t, time.Second, b.Delay(-1))
}

func TestBackoff_ZeroCapStaysBounded(t *testing.T) {
	b := Backoff{Base: time.Second, Rand: func() float64 { return 0.999 }}

	prev := time.Duration(0)
	for _, attempts := range []int{0, 5, 11, 12, 40, 63, 64, 1000} {
		d := b.Delay(attempts)
		assert.Positive(t, d, "attempts=%d", attempts)
		assert.LessOrEqual(t, d, maxUncapped, "attempts=%d", attempts)
		assert.GreaterOrEqual(t, d, prev, "attempts=%d", attempts)
		prev = d
	}
	assert.Equal(t, maxUncapped, b.Delay(1000))
}
