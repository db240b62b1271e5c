package throttle

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateCap_FirstOfferPasses(t *testing.T) {
	mock := clock.NewMock()
	var emitted [][2]float64
	rc := NewRateCap(mock, 8*time.Millisecond, 1.0, func(x, y float64) {
		emitted = append(emitted, [2]float64{x, y})
	})

	require.True(t, rc.Offer(10, 20))
	require.Len(t, emitted, 1)
	assert.Equal(t, [2]float64{10, 20}, emitted[0])
}

func TestRateCap_SuppressesWithinInterval(t *testing.T) {
	mock := clock.NewMock()
	count := 0
	rc := NewRateCap(mock, 8*time.Millisecond, 1.0, func(x, y float64) { count++ })

	rc.Offer(0, 0)
	// Big movement, but still inside the interval.
	assert.False(t, rc.Offer(100, 100))
	assert.Equal(t, 1, count)

	mock.Add(8 * time.Millisecond)
	assert.True(t, rc.Offer(100, 100))
	assert.Equal(t, 2, count)
}

func TestRateCap_SuppressesSmallDelta(t *testing.T) {
	mock := clock.NewMock()
	count := 0
	rc := NewRateCap(mock, 8*time.Millisecond, 1.0, func(x, y float64) { count++ })

	rc.Offer(50, 50)
	mock.Add(time.Second)

	// Moved less than one unit on both axes.
	assert.False(t, rc.Offer(50.5, 50.9))
	assert.Equal(t, 1, count)

	// One axis crossing the delta is enough.
	assert.True(t, rc.Offer(50.5, 51.5))
	assert.Equal(t, 2, count)
}

func TestRateCap_NeverEmitsMoreThanOncePerInterval(t *testing.T) {
	mock := clock.NewMock()
	count := 0
	rc := NewRateCap(mock, 8*time.Millisecond, 1.0, func(x, y float64) { count++ })

	// 100 offers spread over 10 intervals must produce at most 11 emits
	// (leading edge of each interval plus the initial one).
	for i := 0; i < 100; i++ {
		rc.Offer(float64(i*10), 0)
		mock.Add(800 * time.Microsecond)
	}
	assert.LessOrEqual(t, count, 11)
	assert.Greater(t, count, 1)
}

func TestRateCap_ResetAllowsImmediateEmit(t *testing.T) {
	mock := clock.NewMock()
	count := 0
	rc := NewRateCap(mock, 8*time.Millisecond, 1.0, func(x, y float64) { count++ })

	rc.Offer(0, 0)
	rc.Reset()
	assert.True(t, rc.Offer(0, 0))
	assert.Equal(t, 2, count)
}

func TestDebouncer_EmitsLatestAfterQuietPeriod(t *testing.T) {
	mock := clock.NewMock()
	var got []int
	d := NewDebouncer[int](mock, 300*time.Millisecond, func(v int) { got = append(got, v) })

	d.Offer(1)
	mock.Add(100 * time.Millisecond)
	d.Offer(2)
	mock.Add(100 * time.Millisecond)
	d.Offer(3)

	// Still within the settle window: nothing emitted.
	require.Empty(t, got)

	mock.Add(300 * time.Millisecond)
	require.Equal(t, []int{3}, got)

	// No double emit after settling.
	mock.Add(time.Second)
	require.Equal(t, []int{3}, got)
}

func TestDebouncer_FlushEmitsImmediately(t *testing.T) {
	mock := clock.NewMock()
	var got []string
	d := NewDebouncer[string](mock, 300*time.Millisecond, func(v string) { got = append(got, v) })

	d.Offer("a")
	d.Flush()
	assert.Equal(t, []string{"a"}, got)

	// Timer must not fire again afterwards.
	mock.Add(time.Second)
	assert.Equal(t, []string{"a"}, got)
}

func TestDebouncer_FlushWithoutPendingIsNoop(t *testing.T) {
	mock := clock.NewMock()
	count := 0
	d := NewDebouncer[int](mock, 300*time.Millisecond, func(int) { count++ })

	d.Flush()
	assert.Zero(t, count)
}

func TestDebouncer_CancelDropsPending(t *testing.T) {
	mock := clock.NewMock()
	count := 0
	d := NewDebouncer[int](mock, 300*time.Millisecond, func(int) { count++ })

	d.Offer(42)
	d.Cancel()
	mock.Add(time.Second)
	assert.Zero(t, count)
}
