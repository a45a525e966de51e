// Package timing simulates human typing latency before a reply goes out.
package timing

import (
	"context"
	"time"

	"github.com/lazypower/companion/internal/random"
)

const (
	DefaultBase    = 350 * time.Millisecond
	DefaultPerChar = 40 * time.Millisecond
	DefaultMax     = 4 * time.Second
	DefaultJitter  = 250 * time.Millisecond
)

// Model turns a reply length into a send delay.
type Model struct {
	Base    time.Duration
	PerChar time.Duration
	Max     time.Duration
	Jitter  time.Duration

	rng *random.Source
}

// New returns a model. A nil rng disables jitter.
func New(base, perChar, max, jitter time.Duration, rng *random.Source) *Model {
	if max < base {
		max = base
	}
	return &Model{Base: base, PerChar: perChar, Max: max, Jitter: jitter, rng: rng}
}

// Default returns a model with the built-in constants.
func Default(rng *random.Source) *Model {
	return New(DefaultBase, DefaultPerChar, DefaultMax, DefaultJitter, rng)
}

// BaseDelay is the deterministic part of the delay for a reply of length
// runes, capped at Max. It is non-decreasing in length.
func (m *Model) BaseDelay(length int) time.Duration {
	if length <= 0 {
		return 0
	}
	d := m.Base + time.Duration(length)*m.PerChar
	if d > m.Max || d < 0 {
		return m.Max
	}
	return d
}

// ComputeDelay adds jitter in [0, Jitter) to BaseDelay, never exceeding Max.
func (m *Model) ComputeDelay(length int) time.Duration {
	d := m.BaseDelay(length)
	if d == 0 {
		return 0
	}
	if m.rng != nil && m.Jitter > 0 {
		d += time.Duration(m.rng.Int64N(int64(m.Jitter)))
	}
	if d > m.Max {
		return m.Max
	}
	return d
}

// DelayFor computes the delay for text, measured in runes.
func (m *Model) DelayFor(text string) time.Duration {
	return m.ComputeDelay(len([]rune(text)))
}

// Sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
