package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          25 * time.Millisecond,
		HalfOpenMaxCalls: 2,
		Window:           time.Second,
	}
}

func TestBreaker_ClosedAllows(t *testing.T) {
	b := New("svc", testConfig(), nil)

	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreaker_OpensAtFailureThreshold(t *testing.T) {
	b := New("svc", testConfig(), nil)

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State(), "below threshold should stay closed")

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	cfg := testConfig()
	cfg.Window = 0 // count-based
	b := New("svc", cfg, nil)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	assert.Equal(t, StateClosed, b.State())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_WindowPrunesOldFailures(t *testing.T) {
	cfg := testConfig()
	cfg.Window = 30 * time.Millisecond
	b := New("svc", cfg, nil)

	b.RecordFailure()
	b.RecordFailure()
	time.Sleep(40 * time.Millisecond)

	// The earlier failures aged out; this is failure one of a new window.
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenAfterTimeout(t *testing.T) {
	b := New("svc", testConfig(), nil)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.Equal(t, StateOpen, b.State())
	require.False(t, b.Allow())

	time.Sleep(30 * time.Millisecond)

	// The first admission check after the timeout both transitions and
	// admits the probe.
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_HalfOpenCapsProbes(t *testing.T) {
	b := New("svc", testConfig(), nil)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	time.Sleep(30 * time.Millisecond)

	assert.True(t, b.Allow())  // transition + probe 1
	assert.True(t, b.Allow())  // probe 2
	assert.False(t, b.Allow()) // over HalfOpenMaxCalls
}

func TestBreaker_ClosesAfterSuccessThreshold(t *testing.T) {
	b := New("svc", testConfig(), nil)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	time.Sleep(30 * time.Millisecond)
	require.True(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.State(), "one success is below the close threshold")

	require.True(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b := New("svc", testConfig(), nil)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	time.Sleep(30 * time.Millisecond)
	require.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow(), "fresh timeout must start after a failed probe")

	time.Sleep(30 * time.Millisecond)
	assert.True(t, b.Allow())
}

func TestBreaker_NilDenies(t *testing.T) {
	var b *Breaker

	assert.False(t, b.Allow())
	assert.Equal(t, StateOpen, b.State())
	assert.NotPanics(t, func() {
		b.RecordSuccess()
		b.RecordFailure()
		b.Reset()
	})
}

func TestBreaker_ResetForcesClosed(t *testing.T) {
	b := New("svc", testConfig(), nil)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreaker_TransitionEvents(t *testing.T) {
	events := make(chan Transition, 4)
	b := New("svc", testConfig(), func(ev Transition) {
		events <- ev
	})

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}

	select {
	case ev := <-events:
		assert.Equal(t, "svc", ev.Service)
		assert.Equal(t, StateClosed, ev.From)
		assert.Equal(t, StateOpen, ev.To)
		assert.False(t, ev.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("expected a transition event")
	}
}

func TestBreaker_Snapshot(t *testing.T) {
	b := New("svc", testConfig(), nil)

	b.RecordFailure()
	b.RecordFailure()

	snap := b.Snapshot()
	assert.Equal(t, "svc", snap.Service)
	assert.Equal(t, "closed", snap.State)
	assert.Equal(t, 2, snap.Failures)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
