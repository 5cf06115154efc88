package aggregator

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// RateSample is one observation of the conversion rate.
type RateSample struct {
	Timestamp time.Time       `json:"timestamp"`
	Rate      decimal.Decimal `json:"rate"`
}

// TWAPTracker keeps a rolling, time-ordered window of rate samples and their
// time-weighted average.
//
// With two or more samples the first one weighs the gap to the next sample, each
// interior one the mean of the gaps to its neighbours, and the last one the gap to now.
type TWAPTracker struct {
	mu      sync.Mutex
	window  time.Duration
	samples []RateSample
	now     func() time.Time
}

// NewTWAPTracker creates a tracker keeping samples no older than window.
func NewTWAPTracker(window time.Duration) *TWAPTracker {
	return &TWAPTracker{
		window: window,
		now:    time.Now,
	}
}

// SetClock replaces the time source.
func (t *TWAPTracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// Add records a sample, keeping the history ordered, and prunes expired entries.
func (t *TWAPTracker) Add(rate decimal.Decimal, ts time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := sort.Search(len(t.samples), func(i int) bool { return t.samples[i].Timestamp.After(ts) })
	t.samples = append(t.samples, RateSample{})
	copy(t.samples[i+1:], t.samples[i:])
	t.samples[i] = RateSample{Timestamp: ts, Rate: rate}

	t.prune(t.now())
}

// Value returns the TWAP over the window, or null when the window is empty.
func (t *TWAPTracker) Value() decimal.NullDecimal {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.prune(now)

	switch len(t.samples) {
	case 0:
		return decimal.NullDecimal{}
	case 1:
		return decimal.NewNullDecimal(t.samples[0].Rate)
	}

	n := len(t.samples)
	numerator := decimal.Zero
	total := decimal.Zero
	for i, s := range t.samples {
		var w decimal.Decimal
		switch i {
		case 0:
			w = gap(s.Timestamp, t.samples[1].Timestamp)
		case n - 1:
			w = gap(s.Timestamp, now)
		default:
			w = gap(t.samples[i-1].Timestamp, s.Timestamp).
				Add(gap(s.Timestamp, t.samples[i+1].Timestamp)).
				Div(two)
		}
		numerator = numerator.Add(s.Rate.Mul(w))
		total = total.Add(w)
	}

	if total.IsZero() {
		rates := make([]decimal.Decimal, n)
		for i, s := range t.samples {
			rates[i] = s.Rate
		}
		return Mean(rates)
	}
	return decimal.NewNullDecimal(numerator.Div(total))
}

// Samples returns a copy of the retained history, oldest first.
func (t *TWAPTracker) Samples() []RateSample {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune(t.now())
	out := make([]RateSample, len(t.samples))
	copy(out, t.samples)
	return out
}

// Len returns the number of retained samples.
func (t *TWAPTracker) Len() int {
	return len(t.Samples())
}

func (t *TWAPTracker) prune(now time.Time) {
	cutoff := now.Add(-t.window)
	drop := 0
	for drop < len(t.samples) && t.samples[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		t.samples = append(t.samples[:0], t.samples[drop:]...)
	}
}

// gap is b - a in nanoseconds, clamped at zero.
func gap(a, b time.Time) decimal.Decimal {
	d := b.Sub(a)
	if d < 0 {
		d = 0
	}
	return decimal.NewFromInt(int64(d))
}
