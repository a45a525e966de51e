package timing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lazypower/companion/internal/random"
)

func TestBaseDelayMonotonicAndCapped(t *testing.T) {
	m := Default(nil)
	prev := time.Duration(0)
	for n := 0; n <= 500; n++ {
		d := m.BaseDelay(n)
		assert.GreaterOrEqual(t, d, prev, "length %d", n)
		assert.LessOrEqual(t, d, m.Max, "length %d", n)
		prev = d
	}
	assert.Equal(t, m.Max, m.BaseDelay(10_000))
	assert.Equal(t, time.Duration(0), m.BaseDelay(0))
	assert.Equal(t, DefaultBase+5*DefaultPerChar, m.BaseDelay(5))
}

func TestComputeDelayJitterBounded(t *testing.T) {
	m := Default(random.New(3))
	for i := 0; i < 200; i++ {
		d := m.ComputeDelay(10)
		base := m.BaseDelay(10)
		assert.GreaterOrEqual(t, d, base)
		assert.Less(t, d, base+m.Jitter)
	}
	for i := 0; i < 50; i++ {
		assert.LessOrEqual(t, m.ComputeDelay(5000), m.Max)
	}
}

func TestComputeDelayWithoutJitterIsDeterministic(t *testing.T) {
	m := New(100*time.Millisecond, 10*time.Millisecond, time.Second, 0, random.New(1))
	assert.Equal(t, 150*time.Millisecond, m.ComputeDelay(5))
	assert.Equal(t, 150*time.Millisecond, m.ComputeDelay(5))
}

func TestDelayForCountsRunes(t *testing.T) {
	m := New(0, time.Millisecond, time.Second, 0, nil)
	assert.Equal(t, 3*time.Millisecond, m.DelayFor("día"))
}

func TestNewClampsMax(t *testing.T) {
	m := New(time.Second, 0, time.Millisecond, 0, nil)
	assert.Equal(t, time.Second, m.Max)
}

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	assert.False(t, Sleep(ctx, time.Minute))
	assert.Less(t, time.Since(start), time.Second)
}

func TestSleepCompletes(t *testing.T) {
	assert.True(t, Sleep(context.Background(), time.Millisecond))
	assert.True(t, Sleep(context.Background(), 0))
}
