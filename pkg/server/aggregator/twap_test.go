package aggregator

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Unix(1_700_000_000, 0)

func trackerAt(window time.Duration, now *time.Time) *TWAPTracker {
	tr := NewTWAPTracker(window)
	tr.SetClock(func() time.Time { return *now })
	return tr
}

func TestTWAP_Empty(t *testing.T) {
	now := epoch
	tr := trackerAt(time.Minute, &now)
	assert.False(t, tr.Value().Valid)
}

func TestTWAP_SingleSample(t *testing.T) {
	now := epoch
	tr := trackerAt(time.Minute, &now)
	tr.Add(dec("1300"), now)

	v := tr.Value()
	require.True(t, v.Valid)
	assert.True(t, v.Decimal.Equal(dec("1300")))
}

func TestTWAP_Weights(t *testing.T) {
	now := epoch
	tr := trackerAt(time.Hour, &now)

	// samples at 0s, 10s, 30s; now at 40s
	tr.Add(dec("100"), epoch)
	tr.Add(dec("200"), epoch.Add(10*time.Second))
	tr.Add(dec("400"), epoch.Add(30*time.Second))
	now = epoch.Add(40 * time.Second)

	// weights: first 10, interior (10+20)/2 = 15, last 10
	// (100*10 + 200*15 + 400*10) / 35 = 8000 / 35
	want := dec("8000").Div(dec("35"))
	v := tr.Value()
	require.True(t, v.Valid)
	assert.True(t, v.Decimal.Sub(want).Abs().LessThan(dec("0.000000001")), v.Decimal.String())
}

func TestTWAP_LatestSampleWeighsNothingAtItsOwnInstant(t *testing.T) {
	now := epoch
	tr := trackerAt(5*time.Minute, &now)

	tr.Add(dec("1300"), epoch)
	now = epoch.Add(time.Second)
	tr.Add(dec("1450"), now)

	v := tr.Value()
	require.True(t, v.Valid)
	assert.True(t, v.Decimal.Equal(dec("1300")), v.Decimal.String())
}

func TestTWAP_SameInstantFallsBackToMean(t *testing.T) {
	now := epoch
	tr := trackerAt(time.Minute, &now)
	tr.Add(dec("10"), now)
	tr.Add(dec("20"), now)

	v := tr.Value()
	require.True(t, v.Valid)
	assert.True(t, v.Decimal.Equal(dec("15")))
}

func TestTWAP_ConstantSeries(t *testing.T) {
	for _, window := range []time.Duration{time.Second, time.Minute, time.Hour} {
		for _, count := range []int{2, 7, 50} {
			now := epoch
			tr := trackerAt(window, &now)
			step := window / time.Duration(count+1)
			for i := 0; i < count; i++ {
				now = epoch.Add(time.Duration(i) * step)
				tr.Add(dec("1337.25"), now)
			}
			now = now.Add(step / 2)

			v := tr.Value()
			require.True(t, v.Valid)
			assert.True(t, v.Decimal.Equal(dec("1337.25")), "window=%s count=%d got %s", window, count, v.Decimal)
		}
	}
}

func TestTWAP_WithinSampleBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 100; round++ {
		now := epoch
		tr := trackerAt(10*time.Minute, &now)
		lo, hi := decimal.Decimal{}, decimal.Decimal{}
		n := 2 + rng.Intn(20)
		for i := 0; i < n; i++ {
			now = now.Add(time.Duration(rng.Intn(5000)) * time.Millisecond)
			rate := decimal.NewFromInt(int64(1200 + rng.Intn(300)))
			if i == 0 || rate.LessThan(lo) {
				lo = rate
			}
			if i == 0 || rate.GreaterThan(hi) {
				hi = rate
			}
			tr.Add(rate, now)
		}
		now = now.Add(time.Duration(rng.Intn(3000)) * time.Millisecond)

		v := tr.Value()
		require.True(t, v.Valid)
		assert.True(t, v.Decimal.GreaterThanOrEqual(lo.Sub(dec("0.0000001"))), "round %d", round)
		assert.True(t, v.Decimal.LessThanOrEqual(hi.Add(dec("0.0000001"))), "round %d", round)
	}
}

func TestTWAP_WindowPruning(t *testing.T) {
	now := epoch
	tr := trackerAt(10*time.Second, &now)

	tr.Add(dec("1"), epoch)
	tr.Add(dec("2"), epoch.Add(5*time.Second))
	now = epoch.Add(12 * time.Second)
	tr.Add(dec("3"), now)

	samples := tr.Samples()
	require.Len(t, samples, 2)
	assert.True(t, samples[0].Rate.Equal(dec("2")))
	for _, s := range samples {
		assert.False(t, s.Timestamp.Before(now.Add(-10*time.Second)))
	}

	now = epoch.Add(time.Minute)
	assert.False(t, tr.Value().Valid)
	assert.Equal(t, 0, tr.Len())
}

func TestTWAP_OutOfOrderInsert(t *testing.T) {
	now := epoch.Add(time.Minute)
	tr := trackerAt(time.Hour, &now)
	tr.Add(dec("2"), epoch.Add(20*time.Second))
	tr.Add(dec("1"), epoch.Add(10*time.Second))

	samples := tr.Samples()
	require.Len(t, samples, 2)
	assert.True(t, samples[0].Rate.Equal(dec("1")))
}
