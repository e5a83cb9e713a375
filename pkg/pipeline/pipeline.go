// Package pipeline wires the sampling, scoring, safety, protocol-event and
// comms tasks together over bounded queues. Backpressure policy is fixed
// per edge: the sampler drops the newest vector when scoring lags, the
// scorer blocks briefly toward safety, and everything network-facing is
// best-effort. The safety loop must keep running with the network down.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"evsecure/pkg/config"
	"evsecure/pkg/feature"
	"evsecure/pkg/ocpp"
	"evsecure/pkg/recorder"
	"evsecure/pkg/safety"
	"evsecure/pkg/scoring"
	"evsecure/pkg/structlog"
	"evsecure/pkg/uplink"
)

// connectRetry paces uplink connection attempts after a failure.
const connectRetry = 5 * time.Second

// Archive receives feature vectors and alerts for durable logging. Both
// calls must be non-blocking.
type Archive interface {
	AppendFeature(feature.Vector)
	AppendAlert(scoring.Alert)
}

var _ Archive = (*recorder.Recorder)(nil)

// Uplink is the remote publishing collaborator. Connect is retried by the
// comms task; publish failures are logged and never escalate.
type Uplink interface {
	Connect(ctx context.Context) error
	PublishAlert(ctx context.Context, a scoring.Alert) error
	PublishSnapshot(ctx context.Context, s uplink.Snapshot) error
}

// Deps are the external collaborators. Sensor, Integrity and Power are
// required; the rest degrade gracefully when nil.
type Deps struct {
	Sensor    feature.PowerSensor
	Integrity feature.IntegritySource
	Temp      feature.TemperatureSensor
	Model     scoring.Inferencer
	Power     safety.PowerController
	Archive   Archive
	Uplink    Uplink
	Log       *structlog.Logger
}

// Status is the lock-cheap snapshot served to telemetry.
type Status struct {
	State     string        `json:"state"`
	Score     scoring.Score `json:"score"`
	SessionID string        `json:"session_id,omitempty"`
	ScoredAt  time.Time     `json:"scored_at,omitempty"`
}

// Stats counts pipeline throughput and queue drops since start.
type Stats struct {
	Samples         uint64 `json:"samples"`
	SampleErrors    uint64 `json:"sample_errors"`
	DroppedFeatures uint64 `json:"dropped_features"`
	DroppedEvents   uint64 `json:"dropped_events"`
	DroppedAlerts   uint64 `json:"dropped_alerts"`
}

// Pipeline owns the task graph and the queues between tasks.
type Pipeline struct {
	cfg  config.Config
	deps Deps

	ready      *Readiness
	machine    *safety.Machine
	engine     *scoring.Engine
	classifier *ocpp.Classifier
	assembler  *feature.Assembler

	featureQ chan feature.Vector
	alertQ   chan scoring.Alert
	commsQ   chan scoring.Alert
	eventQ   chan ocpp.Event

	mu        sync.RWMutex
	sessionID string
	lastScore scoring.Score
	lastAt    time.Time

	nSamples         atomic.Uint64
	nSampleErrors    atomic.Uint64
	nDroppedFeatures atomic.Uint64
	nDroppedEvents   atomic.Uint64
	nDroppedAlerts   atomic.Uint64

	log *structlog.Logger
}

// New builds the pipeline. Any wiring failure here is fatal: an agent that
// cannot construct its safety path must not start.
func New(cfg config.Config, deps Deps) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Sensor == nil || deps.Integrity == nil || deps.Power == nil {
		return nil, errors.New("pipeline: sensor, integrity and power controller are required")
	}
	if deps.Log == nil {
		deps.Log = structlog.New("pipeline", structlog.LevelInfo, nil)
	}

	p := &Pipeline{
		cfg:      cfg,
		deps:     deps,
		ready:    NewReadiness(),
		featureQ: make(chan feature.Vector, cfg.Queues.Feature),
		alertQ:   make(chan scoring.Alert, cfg.Queues.Alert),
		commsQ:   make(chan scoring.Alert, cfg.Queues.Alert),
		eventQ:   make(chan ocpp.Event, cfg.Queues.Event),
		log:      deps.Log,
	}

	p.machine = safety.NewMachine(deps.Power, deps.Log)

	sc := scoring.DefaultConfig()
	sc.RuleWeight = cfg.Scoring.RuleWeight
	sc.ModelWeight = cfg.Scoring.ModelWeight
	sc.WarningThreshold = cfg.Scoring.WarningThreshold
	sc.CriticalThreshold = cfg.Scoring.CriticalThreshold
	sc.BaselineTHDI = cfg.Scoring.BaselineTHDI
	sc.BaselineOCPPRate = cfg.Scoring.BaselineOCPPRate
	sc.ModelTimeout = cfg.ModelTimeout()
	p.engine = scoring.NewEngine(sc, deps.Model)

	p.classifier = ocpp.NewClassifier(p.handleSessionStart)

	asm, err := feature.NewAssembler(deps.Sensor, deps.Integrity, deps.Temp, func() feature.ProtocolCounts {
		c := p.classifier.Snapshot()
		return feature.ProtocolCounts{
			RemoteStop: c.RemoteStop,
			Malformed:  c.Malformed,
			OutOfSeq:   c.OutOfSeq,
			Rate:       c.Rate,
		}
	}, cfg.SampleInterval())
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	p.assembler = asm
	return p, nil
}

// Ready exposes the startup readiness latches. The process entry point
// sets flags as collaborators come up.
func (p *Pipeline) Ready() *Readiness { return p.ready }

// Machine exposes the safety state machine for telemetry.
func (p *Pipeline) Machine() *safety.Machine { return p.machine }

// Run starts all tasks and blocks until the context ends.
func (p *Pipeline) Run(ctx context.Context) error {
	tasks := []func(context.Context){
		p.runSampler,
		p.runScorer,
		p.runSafety,
		p.runEvents,
		p.runComms,
	}
	var wg sync.WaitGroup
	for _, fn := range tasks {
		wg.Add(1)
		go func(fn func(context.Context)) {
			defer wg.Done()
			fn(ctx)
		}(fn)
	}
	wg.Wait()
	return ctx.Err()
}

// IngestEvent feeds one classified protocol event into the pipeline.
// Never blocks: a full event queue drops and counts.
func (p *Pipeline) IngestEvent(evt ocpp.Event) bool {
	select {
	case p.eventQ <- evt:
		return true
	default:
		p.nDroppedEvents.Add(1)
		queueDrops.WithLabelValues("event").Inc()
		return false
	}
}

// BeginPrecharge forwards the charge-controller precharge signal.
func (p *Pipeline) BeginPrecharge() bool { return p.machine.BeginPrecharge() }

// PrechargeOK forwards the precharge-complete signal.
func (p *Pipeline) PrechargeOK() bool { return p.machine.PrechargeOK() }

// Acknowledge clears a lockdown on explicit operator action and ends the
// session it belonged to.
func (p *Pipeline) Acknowledge() bool {
	if !p.machine.Acknowledge() {
		return false
	}
	p.mu.Lock()
	p.sessionID = ""
	p.mu.Unlock()
	return true
}

// Status returns the current state, last score and session.
func (p *Pipeline) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Status{
		State:     p.machine.State().String(),
		Score:     p.lastScore,
		SessionID: p.sessionID,
		ScoredAt:  p.lastAt,
	}
}

// Stats returns throughput and drop counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Samples:         p.nSamples.Load(),
		SampleErrors:    p.nSampleErrors.Load(),
		DroppedFeatures: p.nDroppedFeatures.Load(),
		DroppedEvents:   p.nDroppedEvents.Load(),
		DroppedAlerts:   p.nDroppedAlerts.Load(),
	}
}

// handleSessionStart runs on every start-transaction event. A fresh
// session ID is minted only when the machine actually leaves Idle.
func (p *Pipeline) handleSessionStart(evt ocpp.Event) {
	sid := uuid.NewString()
	if !p.machine.OnSessionStart(sid) {
		p.log.Debug("start transaction ignored", structlog.Fields{"state": p.machine.State().String()})
		return
	}
	p.mu.Lock()
	p.sessionID = sid
	p.mu.Unlock()
	p.log.Info("session started", structlog.Fields{"session_id": sid, "at": evt.At})
}

// runSampler assembles one feature vector per tick. It gates on sensor
// readiness only; the network flag never holds sampling back.
func (p *Pipeline) runSampler(ctx context.Context) {
	if p.ready.Wait(ctx, FlagSensor) != nil {
		return
	}
	tick := time.NewTicker(p.cfg.SampleInterval())
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			v, err := p.assembler.Sample()
			if err != nil {
				p.nSampleErrors.Add(1)
				sampleErrors.Inc()
				p.log.Warn("sample skipped", structlog.Fields{"error": err.Error()})
				continue
			}
			p.nSamples.Add(1)
			samplesTotal.Inc()
			if p.deps.Archive != nil && p.ready.IsReady(FlagStorage) {
				p.deps.Archive.AppendFeature(v)
			}
			p.offerFeature(v)
		}
	}
}

// offerFeature hands a vector to the scoring queue, dropping the newest
// when scoring has fallen behind. The queue keeps the older vectors: an
// in-flight anomaly already in the queue must not be displaced.
func (p *Pipeline) offerFeature(v feature.Vector) bool {
	select {
	case p.featureQ <- v:
		return true
	default:
		p.nDroppedFeatures.Add(1)
		queueDrops.WithLabelValues("feature").Inc()
		return false
	}
}

// runScorer drains the feature queue and evicts classifier windows on
// idle poll ticks, so stale protocol bursts age out between samples.
func (p *Pipeline) runScorer(ctx context.Context) {
	if p.ready.Wait(ctx, FlagModel) != nil {
		return
	}
	poll := time.NewTicker(p.cfg.ScorePoll())
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case v := <-p.featureQ:
			p.score(ctx, v)
		case <-poll.C:
			p.classifier.Evict()
		}
	}
}

func (p *Pipeline) score(ctx context.Context, v feature.Vector) {
	s := p.engine.Evaluate(ctx, v)
	combinedScore.Set(s.Combined)

	p.mu.Lock()
	p.lastScore = s
	p.lastAt = v.Timestamp
	sid := p.sessionID
	p.mu.Unlock()

	a, ok := p.engine.AlertFor(s, sid, v.Timestamp)
	if !ok {
		return
	}
	alertsTotal.WithLabelValues(string(a.Level)).Inc()
	if p.deps.Archive != nil && p.ready.IsReady(FlagStorage) {
		p.deps.Archive.AppendAlert(a)
	}
	p.dispatchAlert(ctx, a)
}

// dispatchAlert forwards an alert to safety (bounded wait, the consumer
// is fast) and to comms (best effort).
func (p *Pipeline) dispatchAlert(ctx context.Context, a scoring.Alert) {
	wait := time.NewTimer(p.cfg.ScorePoll())
	defer wait.Stop()
	select {
	case p.alertQ <- a:
	case <-wait.C:
		p.nDroppedAlerts.Add(1)
		queueDrops.WithLabelValues("alert").Inc()
		p.log.Error("alert queue saturated", structlog.Fields{"level": string(a.Level), "score": a.Score})
	case <-ctx.Done():
		return
	}

	if p.deps.Uplink != nil {
		select {
		case p.commsQ <- a:
		default:
			queueDrops.WithLabelValues("comms").Inc()
		}
	}
}

// runSafety applies alerts in arrival order. This consumer blocks on its
// queue and nothing else; it must stay responsive no matter what the
// network or storage tasks are doing.
func (p *Pipeline) runSafety(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-p.alertQ:
			p.machine.OnAlert(a)
		}
	}
}

// runEvents drains the protocol event queue into the classifier.
func (p *Pipeline) runEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-p.eventQ:
			p.classifier.Record(e)
		}
	}
}

// runComms is the only task gated on network readiness. It connects with
// retry, relays alerts and publishes periodic state snapshots.
func (p *Pipeline) runComms(ctx context.Context) {
	if p.deps.Uplink == nil {
		return
	}
	if p.ready.Wait(ctx, FlagNetwork) != nil {
		return
	}

	for {
		err := p.deps.Uplink.Connect(ctx)
		if err == nil {
			break
		}
		p.log.Warn("uplink connect failed", structlog.Fields{"error": err.Error()})
		select {
		case <-ctx.Done():
			return
		case <-time.After(connectRetry):
		}
	}
	p.log.Info("uplink connected", nil)

	snap := time.NewTicker(p.cfg.SnapshotInterval())
	defer snap.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-p.commsQ:
			if err := p.deps.Uplink.PublishAlert(ctx, a); err != nil {
				p.log.Warn("alert publish failed", structlog.Fields{"error": err.Error()})
			}
		case <-snap.C:
			if err := p.deps.Uplink.PublishSnapshot(ctx, p.snapshot()); err != nil {
				p.log.Warn("snapshot publish failed", structlog.Fields{"error": err.Error()})
			}
		}
	}
}

func (p *Pipeline) snapshot() uplink.Snapshot {
	st := p.Status()
	return uplink.Snapshot{
		DeviceID:  p.cfg.DeviceID,
		State:     st.State,
		Score:     st.Score.Combined,
		SessionID: st.SessionID,
		At:        time.Now().UTC(),
	}
}
