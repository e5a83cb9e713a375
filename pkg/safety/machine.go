// Package safety owns charging permission. All transitions funnel through
// one mutex-serialized entry point; state reads are lock-free snapshots so
// telemetry polling never blocks the safety path.
package safety

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"evsecure/pkg/scoring"
	"evsecure/pkg/structlog"
)

// State is the charging session safety state.
type State int32

const (
	StateIdle State = iota
	StateHandshake
	StatePrecharge
	StateCharging
	StateSuspicious
	StateLockdown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHandshake:
		return "handshake"
	case StatePrecharge:
		return "precharge"
	case StateCharging:
		return "charging"
	case StateSuspicious:
		return "suspicious"
	case StateLockdown:
		return "lockdown"
	default:
		return "unknown"
	}
}

// DefaultWarningCurrentLimit is the commanded throughput, in percent of
// nominal, while a session is suspicious.
const DefaultWarningCurrentLimit = 70

// PowerController issues directives to the power-control collaborator.
type PowerController interface {
	SetCurrentLimit(percent uint8) error
	SetContactor(open bool) error
}

var (
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "evsecure", Subsystem: "safety", Name: "transitions_total", Help: "Safety state transitions by from/to state."},
		[]string{"from", "to"},
	)
	lockdowns = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "evsecure", Subsystem: "safety", Name: "lockdowns_total", Help: "Lockdown transitions."},
	)
	currentState = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "evsecure", Subsystem: "safety", Name: "state", Help: "Current safety state as its ordinal."},
	)
)

func init() {
	_ = prometheus.Register(stateTransitions)
	_ = prometheus.Register(lockdowns)
	_ = prometheus.Register(currentState)
}

// Machine is the safety state machine. There is exactly one per agent.
type Machine struct {
	mu    sync.Mutex
	state atomic.Int32

	power PowerController
	log   *structlog.Logger

	warningLimit uint8
}

// NewMachine creates a machine in Idle.
func NewMachine(power PowerController, log *structlog.Logger) *Machine {
	if log == nil {
		log = structlog.New("safety", structlog.LevelInfo, nil)
	}
	m := &Machine{power: power, log: log, warningLimit: DefaultWarningCurrentLimit}
	m.state.Store(int32(StateIdle))
	return m
}

// State returns a snapshot of the current state without taking the
// transition lock.
func (m *Machine) State() State {
	return State(m.state.Load())
}

// OnSessionStart moves Idle to Handshake when a start-transaction event
// arrives. Any other state ignores it.
func (m *Machine) OnSessionStart(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if State(m.state.Load()) != StateIdle {
		return false
	}
	m.apply(StateHandshake, "session start", structlog.Fields{"session_id": sessionID})
	return true
}

// BeginPrecharge advances Handshake to Precharge.
func (m *Machine) BeginPrecharge() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if State(m.state.Load()) != StateHandshake {
		return false
	}
	m.apply(StatePrecharge, "precharge started", nil)
	return true
}

// PrechargeOK advances Precharge to Charging on the external precharge_ok
// signal.
func (m *Machine) PrechargeOK() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if State(m.state.Load()) != StatePrecharge {
		return false
	}
	m.apply(StateCharging, "precharge ok", nil)
	return true
}

// OnAlert applies one alert. Warning while Charging throttles to the
// configured current limit; Critical from any non-Idle state opens the
// contactor and locks down. Self-transitions re-issue nothing.
func (m *Machine) OnAlert(a scoring.Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := State(m.state.Load())
	switch a.Level {
	case scoring.LevelCritical:
		if cur == StateIdle || cur == StateLockdown {
			return
		}
		m.apply(StateLockdown, a.Reason, structlog.Fields{
			"session_id": a.SessionID,
			"score":      a.Score,
		})
		lockdowns.Inc()
		if err := m.power.SetContactor(true); err != nil {
			m.log.Error("contactor open directive failed", structlog.Fields{"error": err.Error()})
		}
		m.log.SecurityEvent("lockdown", structlog.Fields{
			"reason":     a.Reason,
			"score":      a.Score,
			"session_id": a.SessionID,
		})

	case scoring.LevelWarning:
		if cur != StateCharging {
			return
		}
		m.apply(StateSuspicious, a.Reason, structlog.Fields{
			"session_id": a.SessionID,
			"score":      a.Score,
		})
		if err := m.power.SetCurrentLimit(m.warningLimit); err != nil {
			m.log.Error("current limit directive failed", structlog.Fields{"error": err.Error()})
		}
	}
}

// Acknowledge is the only path out of Lockdown. It requires explicit
// operator intervention; there is no automatic recovery.
func (m *Machine) Acknowledge() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if State(m.state.Load()) != StateLockdown {
		return false
	}
	m.apply(StateIdle, "lockdown acknowledged", nil)
	return true
}

// apply commits a transition. Callers hold m.mu and have already ruled out
// self-transitions.
func (m *Machine) apply(to State, reason string, fields structlog.Fields) {
	from := State(m.state.Load())
	m.state.Store(int32(to))
	stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
	currentState.Set(float64(to))

	if fields == nil {
		fields = structlog.Fields{}
	}
	fields["from"] = from.String()
	fields["to"] = to.String()
	fields["reason"] = reason
	m.log.Info("safety state change", fields)
}
