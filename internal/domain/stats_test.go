package domain

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freezeClock(t *testing.T) *clockwork.FakeClock {
	t.Helper()
	fake := clockwork.NewFakeClockAt(time.Date(2024, time.April, 26, 15, 0, 0, 0, time.UTC))
	SetClock(fake)
	t.Cleanup(func() { SetClock(nil) })
	return fake
}

func TestStats_AdvanceWithoutTotal(t *testing.T) {
	freezeClock(t)
	s := NewStats()

	p := s.Advance()
	assert.Equal(t, int64(1), p.Current)
	assert.Nil(t, p.Estimate)

	p = s.Advance()
	assert.Equal(t, int64(2), p.Current)
	assert.Nil(t, p.Estimate)
	assert.Equal(t, int64(2), s.Current())
}

func TestStats_AdvanceStartsFromSeed(t *testing.T) {
	freezeClock(t)
	s := NewStats(WithCurrent(41))

	assert.Equal(t, int64(42), s.Advance().Current)
	assert.Equal(t, int64(43), s.Advance().Current)
}

func TestStats_AdvanceWithTotal(t *testing.T) {
	fake := freezeClock(t)
	s := NewStats(WithTotal(4), WithStartTime(fake.Now()))

	fake.Advance(3 * time.Second)
	p := s.Advance()
	require.NotNil(t, p.Estimate)
	assert.Equal(t, int64(4), p.Total)
	assert.Equal(t, int64(3), p.Pending)
	assert.InDelta(t, 25.0, p.Percent, 1e-9)
	// 3000ms elapsed at 1/4 done -> 12000ms total.
	assert.Equal(t, int64(12000), p.EstimatedDuration)

	fake.Advance(3 * time.Second)
	p = s.Advance()
	assert.Equal(t, int64(2), p.Pending)
	assert.InDelta(t, 50.0, p.Percent, 1e-9)
	assert.Equal(t, int64(12000), p.EstimatedDuration)
}

func TestStats_EstimatedDurationRounds(t *testing.T) {
	fake := freezeClock(t)
	s := NewStats(WithTotal(8), WithStartTime(fake.Now()))

	fake.Advance(time.Second)
	s.Advance()
	s.Advance()
	p := s.Advance()
	// round(1000 / (3/8)) = round(2666.67) = 2667
	assert.Equal(t, int64(2667), p.EstimatedDuration)
}

func TestStats_NonPositiveTotalIsUnknown(t *testing.T) {
	freezeClock(t)
	for _, total := range []int64{0, -5} {
		s := NewStats(WithTotal(total))
		assert.Nil(t, s.Advance().Estimate)
	}
}

func TestStats_CurrentMayExceedTotal(t *testing.T) {
	fake := freezeClock(t)
	s := NewStats(WithTotal(1), WithStartTime(fake.Now()))
	s.Advance()
	p := s.Advance()
	assert.Equal(t, int64(-1), p.Pending)
	assert.InDelta(t, 200.0, p.Percent, 1e-9)
}

func TestStats_SnapshotDoesNotAdvance(t *testing.T) {
	fake := freezeClock(t)
	s := NewStats(WithTotal(10), WithStartTime(fake.Now()))

	assert.Nil(t, s.Snapshot().Estimate, "no estimate before the first item")

	fake.Advance(time.Second)
	s.Advance()
	snap := s.Snapshot()
	assert.Equal(t, int64(1), snap.Current)
	require.NotNil(t, snap.Estimate)
	assert.Equal(t, int64(9), snap.Pending)
	assert.Equal(t, int64(1), s.Current())
}

func TestStats_ConcurrentSnapshots(t *testing.T) {
	freezeClock(t)
	s := NewStats(WithTotal(1000))

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				_ = s.Snapshot()
			}
		}()
	}
	for range 1000 {
		s.Advance()
	}
	wg.Wait()
	assert.Equal(t, int64(1000), s.Current())
}

func TestSmoothedEstimator(t *testing.T) {
	fake := freezeClock(t)
	e := NewSmoothedEstimator(0.5)
	s := NewStats(WithTotal(4), WithStartTime(fake.Now()), WithEstimator(e))

	fake.Advance(1 * time.Second)
	p := s.Advance()
	// seed: 1000ms/item, 3 pending -> 1000 + 3000
	assert.Equal(t, int64(4000), p.EstimatedDuration)

	fake.Advance(3 * time.Second)
	p = s.Advance()
	// ewma = 0.5*3000 + 0.5*1000 = 2000ms/item, 2 pending -> 4000 + 4000
	assert.Equal(t, int64(8000), p.EstimatedDuration)
}

func TestNewSmoothedEstimator_DefaultAlpha(t *testing.T) {
	assert.InDelta(t, 0.2, NewSmoothedEstimator(0).Alpha, 1e-9)
	assert.InDelta(t, 0.2, NewSmoothedEstimator(1.5).Alpha, 1e-9)
	assert.InDelta(t, 1.0, NewSmoothedEstimator(1).Alpha, 1e-9)
}

func TestLinearEstimator_ZeroCurrent(t *testing.T) {
	assert.Equal(t, int64(0), LinearEstimator{}.Estimate(time.Second, 0, 10))
}
