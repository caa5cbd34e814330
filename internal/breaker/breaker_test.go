package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openclaw/core/internal/clock"
)

func testConfig() Config {
	return Config{
		WindowMs:           60000,
		MinAttempts:        5,
		ErrorRateThreshold: 0.5,
		ResetTimeoutMs:     1000,
		MaxBackoffMs:       30000,
		HalfOpenMax:        2,
	}
}

func TestClosedAllowsUntilTripThreshold(t *testing.T) {
	mc := clock.NewMock()
	b := New(testConfig(), mc)

	for i := 0; i < 4; i++ {
		require.True(t, b.CanExecute().Allowed)
		b.RecordResult(false)
	}
	require.Equal(t, Closed, b.State())

	require.True(t, b.CanExecute().Allowed)
	b.RecordResult(false)
	require.Equal(t, Open, b.State())
}

func TestOpenRejectsUntilBackoffElapses(t *testing.T) {
	mc := clock.NewMock()
	b := New(testConfig(), mc)
	tripBreaker(b, mc)
	require.Equal(t, Open, b.State())

	res := b.CanExecute()
	require.False(t, res.Allowed)
	require.Equal(t, "circuit-open", res.Reason)

	mc.Advance(999 * time.Millisecond)
	require.False(t, b.CanExecute().Allowed)

	mc.Advance(2 * time.Millisecond)
	require.True(t, b.CanExecute().Allowed)
	require.Equal(t, HalfOpen, b.State())
}

func TestHalfOpenClosesAfterConsecutiveSuccesses(t *testing.T) {
	mc := clock.NewMock()
	b := New(testConfig(), mc)
	tripBreaker(b, mc)
	mc.Advance(1001 * time.Millisecond)

	require.True(t, b.CanExecute().Allowed)
	b.RecordResult(true)
	require.True(t, b.CanExecute().Allowed)
	b.RecordResult(true)

	require.Equal(t, Closed, b.State())
	require.Equal(t, 0, b.ConsecutiveTrips())
}

func TestHalfOpenFailureReopensAndExtendsBackoff(t *testing.T) {
	mc := clock.NewMock()
	b := New(testConfig(), mc)
	tripBreaker(b, mc)
	mc.Advance(1001 * time.Millisecond)

	require.True(t, b.CanExecute().Allowed)
	b.RecordResult(false)
	require.Equal(t, Open, b.State())
	require.Equal(t, 2, b.ConsecutiveTrips())

	// second trip doubles the backoff to 2000ms
	mc.Advance(1999 * time.Millisecond)
	require.False(t, b.CanExecute().Allowed)
	mc.Advance(2 * time.Millisecond)
	require.True(t, b.CanExecute().Allowed)
}

func TestHalfOpenProbeLimitRejectsExtraCalls(t *testing.T) {
	mc := clock.NewMock()
	b := New(testConfig(), mc)
	tripBreaker(b, mc)
	mc.Advance(1001 * time.Millisecond)

	require.True(t, b.CanExecute().Allowed) // probe 1
	require.True(t, b.CanExecute().Allowed) // probe 2, hits HalfOpenMax=2

	res := b.CanExecute()
	require.False(t, res.Allowed)
	require.Equal(t, "half-open-probe-limit", res.Reason)
}

func TestBackoffCapsExponentAtFiveTrips(t *testing.T) {
	mc := clock.NewMock()
	cfg := testConfig()
	cfg.ResetTimeoutMs = 1000
	cfg.MaxBackoffMs = 1_000_000 // high enough that the cap comes from the exponent, not MaxBackoffMs
	b := New(cfg, mc)

	tripBreaker(b, mc) // consecutiveTrips == 1
	expected := []int64{1000, 2000, 4000, 8000, 16000, 16000}
	for _, want := range expected {
		require.Equal(t, want, b.backoffMs())
		mc.Advance(time.Duration(want+1) * time.Millisecond)
		require.True(t, b.CanExecute().Allowed) // transitions Open -> HalfOpen
		b.RecordResult(false)                   // fail the probe, re-trip and double backoff
	}
}

// tripBreaker drives enough closed-state failures to force a trip.
func tripBreaker(b *Breaker, mc *clock.Mock) {
	for i := 0; i < 5; i++ {
		b.CanExecute()
		b.RecordResult(false)
	}
}
