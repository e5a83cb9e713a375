package safety

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evsecure/pkg/scoring"
	"evsecure/pkg/structlog"
)

// fakePower records every directive it receives.
type fakePower struct {
	mu         sync.Mutex
	limits     []uint8
	contactors []bool
}

func (f *fakePower) SetCurrentLimit(percent uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits = append(f.limits, percent)
	return nil
}

func (f *fakePower) SetContactor(open bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contactors = append(f.contactors, open)
	return nil
}

func (f *fakePower) directiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.limits) + len(f.contactors)
}

func newTestMachine() (*Machine, *fakePower) {
	p := &fakePower{}
	return NewMachine(p, structlog.New("safety", structlog.LevelError, io.Discard)), p
}

func toCharging(t *testing.T, m *Machine) {
	t.Helper()
	require.True(t, m.OnSessionStart("sess-1"))
	require.True(t, m.BeginPrecharge())
	require.True(t, m.PrechargeOK())
	require.Equal(t, StateCharging, m.State())
}

func warning() scoring.Alert {
	return scoring.Alert{Level: scoring.LevelWarning, Score: 0.6, Timestamp: time.Now(), SessionID: "sess-1"}
}

func critical() scoring.Alert {
	return scoring.Alert{Level: scoring.LevelCritical, Score: 1.0, Timestamp: time.Now(), SessionID: "sess-1", Reason: "tamper detected"}
}

func TestMachine_SessionLifecycle(t *testing.T) {
	m, _ := newTestMachine()

	assert.Equal(t, StateIdle, m.State())
	assert.True(t, m.OnSessionStart("sess-1"))
	assert.Equal(t, StateHandshake, m.State())
	assert.True(t, m.BeginPrecharge())
	assert.Equal(t, StatePrecharge, m.State())
	assert.True(t, m.PrechargeOK())
	assert.Equal(t, StateCharging, m.State())
}

func TestMachine_OutOfOrderSignalsIgnored(t *testing.T) {
	m, _ := newTestMachine()

	assert.False(t, m.BeginPrecharge(), "precharge from idle")
	assert.False(t, m.PrechargeOK(), "precharge_ok from idle")
	assert.False(t, m.Acknowledge(), "acknowledge outside lockdown")
	assert.Equal(t, StateIdle, m.State())

	require.True(t, m.OnSessionStart("sess-1"))
	assert.False(t, m.OnSessionStart("sess-2"), "session start outside idle")
}

func TestMachine_WarningWhileChargingThrottles(t *testing.T) {
	m, p := newTestMachine()
	toCharging(t, m)

	m.OnAlert(warning())

	assert.Equal(t, StateSuspicious, m.State())
	require.Len(t, p.limits, 1)
	assert.Equal(t, uint8(70), p.limits[0])
	assert.Empty(t, p.contactors)
}

func TestMachine_WarningOutsideChargingIsNoOp(t *testing.T) {
	m, p := newTestMachine()
	require.True(t, m.OnSessionStart("sess-1"))

	m.OnAlert(warning())

	assert.Equal(t, StateHandshake, m.State())
	assert.Zero(t, p.directiveCount())
}

func TestMachine_CriticalOpensContactor(t *testing.T) {
	states := []struct {
		name  string
		setup func(t *testing.T, m *Machine)
	}{
		{"handshake", func(t *testing.T, m *Machine) { require.True(t, m.OnSessionStart("s")) }},
		{"precharge", func(t *testing.T, m *Machine) {
			require.True(t, m.OnSessionStart("s"))
			require.True(t, m.BeginPrecharge())
		}},
		{"charging", func(t *testing.T, m *Machine) { toCharging(t, m) }},
		{"suspicious", func(t *testing.T, m *Machine) {
			toCharging(t, m)
			m.OnAlert(warning())
		}},
	}
	for _, tt := range states {
		t.Run(tt.name, func(t *testing.T) {
			m, p := newTestMachine()
			tt.setup(t, m)

			m.OnAlert(critical())

			assert.Equal(t, StateLockdown, m.State())
			require.Len(t, p.contactors, 1)
			assert.True(t, p.contactors[0], "contactor directive must open")
		})
	}
}

func TestMachine_CriticalFromIdleIgnored(t *testing.T) {
	m, p := newTestMachine()

	m.OnAlert(critical())

	assert.Equal(t, StateIdle, m.State())
	assert.Zero(t, p.directiveCount())
}

func TestMachine_SelfTransitionIdempotent(t *testing.T) {
	m, p := newTestMachine()
	toCharging(t, m)

	m.OnAlert(warning())
	m.OnAlert(warning())

	assert.Equal(t, StateSuspicious, m.State())
	assert.Len(t, p.limits, 1, "duplicate warning re-issued a directive")

	m.OnAlert(critical())
	m.OnAlert(critical())

	assert.Equal(t, StateLockdown, m.State())
	assert.Len(t, p.contactors, 1, "duplicate critical re-issued a directive")
}

func TestMachine_LockdownPrecedence(t *testing.T) {
	// A critical alert racing a warning-driven transition must still end
	// in Lockdown, whichever order the serialized transitions land in.
	m, p := newTestMachine()
	toCharging(t, m)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.OnAlert(warning())
	}()
	go func() {
		defer wg.Done()
		m.OnAlert(critical())
	}()
	wg.Wait()

	assert.Equal(t, StateLockdown, m.State())
	require.Len(t, p.contactors, 1)
	assert.True(t, p.contactors[0])
}

func TestMachine_AcknowledgeIsOnlyRecovery(t *testing.T) {
	m, _ := newTestMachine()
	toCharging(t, m)
	m.OnAlert(critical())
	require.Equal(t, StateLockdown, m.State())

	// No protocol or precharge signal may leave lockdown.
	assert.False(t, m.OnSessionStart("sess-2"))
	assert.False(t, m.BeginPrecharge())
	assert.False(t, m.PrechargeOK())
	assert.Equal(t, StateLockdown, m.State())

	assert.True(t, m.Acknowledge())
	assert.Equal(t, StateIdle, m.State())
	assert.False(t, m.Acknowledge(), "second acknowledge must be a no-op")
}

func TestMachine_StateReadDoesNotBlock(t *testing.T) {
	m, _ := newTestMachine()
	toCharging(t, m)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			_ = m.State()
		}
		close(done)
	}()

	m.OnAlert(critical())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("state reads stalled during transitions")
	}
}
