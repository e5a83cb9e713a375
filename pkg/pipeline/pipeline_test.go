package pipeline

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evsecure/pkg/config"
	"evsecure/pkg/feature"
	"evsecure/pkg/ocpp"
	"evsecure/pkg/safety"
	"evsecure/pkg/scoring"
	"evsecure/pkg/structlog"
	"evsecure/pkg/uplink"
)

type fakeSensor struct {
	mu sync.Mutex
	r  feature.PowerReading
}

func (f *fakeSensor) set(r feature.PowerReading) {
	f.mu.Lock()
	f.r = r
	f.mu.Unlock()
}

func (f *fakeSensor) ReadPower() (feature.PowerReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.r, nil
}

type fakeIntegrity struct {
	mu     sync.Mutex
	fwOK   bool
	tamper bool
}

func (f *fakeIntegrity) setTamper(v bool) {
	f.mu.Lock()
	f.tamper = v
	f.mu.Unlock()
}

func (f *fakeIntegrity) FirmwareOK() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fwOK
}

func (f *fakeIntegrity) TamperDetected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tamper
}

type fakePower struct {
	mu            sync.Mutex
	contactorOpen bool
	currentLimit  uint8
}

func (f *fakePower) SetCurrentLimit(p uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.currentLimit = p
	return nil
}

func (f *fakePower) SetContactor(open bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contactorOpen = open
	return nil
}

func (f *fakePower) snapshot() (bool, uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contactorOpen, f.currentLimit
}

type fakeModel struct {
	mu    sync.Mutex
	score float64
}

func (f *fakeModel) set(s float64) {
	f.mu.Lock()
	f.score = s
	f.mu.Unlock()
}

func (f *fakeModel) Infer(context.Context, [feature.VectorSize]float64) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.score, nil
}

type fakeUplink struct {
	mu        sync.Mutex
	connects  int
	alerts    []scoring.Alert
	snapshots []uplink.Snapshot
}

func (f *fakeUplink) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

func (f *fakeUplink) PublishAlert(_ context.Context, a scoring.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	return nil
}

func (f *fakeUplink) PublishSnapshot(_ context.Context, s uplink.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, s)
	return nil
}

func (f *fakeUplink) counts() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, len(f.alerts), len(f.snapshots)
}

type fakeArchive struct {
	mu       sync.Mutex
	features int
	alerts   int
}

func (f *fakeArchive) AppendFeature(feature.Vector) {
	f.mu.Lock()
	f.features++
	f.mu.Unlock()
}

func (f *fakeArchive) AppendAlert(scoring.Alert) {
	f.mu.Lock()
	f.alerts++
	f.mu.Unlock()
}

func (f *fakeArchive) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.features, f.alerts
}

func normalReading() feature.PowerReading {
	return feature.PowerReading{VRMS: 230, IRMS: 16, PkW: 3.6, PF: 0.98, THDV: 2.0, THDI: 2.0}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.SampleIntervalMS = 5
	cfg.ScorePollMS = 5
	cfg.Uplink.SnapshotIntervalMS = 20
	return cfg
}

func testDeps(sensor *fakeSensor, integ *fakeIntegrity, power *fakePower, model *fakeModel) Deps {
	d := Deps{
		Sensor:    sensor,
		Integrity: integ,
		Power:     power,
		Log:       structlog.New("pipeline", structlog.LevelError, io.Discard),
	}
	if model != nil {
		d.Model = model
	}
	return d
}

func startPipeline(t *testing.T, p *Pipeline, flags ...Flag) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	for _, f := range flags {
		p.Ready().Set(f)
	}
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("pipeline did not shut down")
		}
	})
	return cancel
}

func TestNew_Validation(t *testing.T) {
	cfg := testConfig()
	sensor := &fakeSensor{r: normalReading()}
	integ := &fakeIntegrity{fwOK: true}
	power := &fakePower{}

	_, err := New(cfg, Deps{Sensor: sensor, Integrity: integ})
	require.Error(t, err, "missing power controller must be fatal")

	bad := cfg
	bad.Queues.Feature = 0
	_, err = New(bad, testDeps(sensor, integ, power, nil))
	require.Error(t, err, "invalid config must be fatal")

	_, err = New(cfg, testDeps(sensor, integ, power, nil))
	require.NoError(t, err)
}

func TestOfferFeature_DropsNewestKeepsOldest(t *testing.T) {
	p, err := New(testConfig(), testDeps(&fakeSensor{r: normalReading()}, &fakeIntegrity{fwOK: true}, &fakePower{}, nil))
	require.NoError(t, err)

	// Scoring is stalled: nothing drains featureQ. Capacity is 10, so of
	// 15 offers exactly the last 5 are dropped.
	for i := 1; i <= 15; i++ {
		p.offerFeature(feature.Vector{VRMS: float64(i)})
	}

	assert.Equal(t, uint64(5), p.Stats().DroppedFeatures)
	require.Len(t, p.featureQ, 10)

	first := <-p.featureQ
	assert.Equal(t, 1.0, first.VRMS, "oldest queued vector must survive")
	var last feature.Vector
	for len(p.featureQ) > 0 {
		last = <-p.featureQ
	}
	assert.Equal(t, 10.0, last.VRMS, "newest arrivals past capacity are the ones dropped")
}

func TestIngestEvent_QueueBounded(t *testing.T) {
	p, err := New(testConfig(), testDeps(&fakeSensor{r: normalReading()}, &fakeIntegrity{fwOK: true}, &fakePower{}, nil))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.True(t, p.IngestEvent(ocpp.Event{Kind: ocpp.EventMalformed}))
	}
	assert.False(t, p.IngestEvent(ocpp.Event{Kind: ocpp.EventMalformed}))
	assert.Equal(t, uint64(1), p.Stats().DroppedEvents)
}

func TestPipeline_SessionLifecycleAndLockdownOffline(t *testing.T) {
	sensor := &fakeSensor{r: normalReading()}
	integ := &fakeIntegrity{fwOK: true}
	power := &fakePower{}
	model := &fakeModel{}
	up := &fakeUplink{}

	deps := testDeps(sensor, integ, power, model)
	deps.Uplink = up
	p, err := New(testConfig(), deps)
	require.NoError(t, err)

	// Network readiness deliberately withheld: sampling, scoring and
	// safety must run to completion without it.
	startPipeline(t, p, FlagSensor, FlagModel, FlagStorage)

	p.IngestEvent(ocpp.Event{Kind: ocpp.EventStartTransaction})
	require.Eventually(t, func() bool {
		return p.Machine().State() == safety.StateHandshake
	}, 2*time.Second, 5*time.Millisecond)

	st := p.Status()
	assert.NotEmpty(t, st.SessionID, "start transaction mints a session id")

	require.True(t, p.BeginPrecharge())
	require.True(t, p.PrechargeOK())
	require.Equal(t, safety.StateCharging, p.Machine().State())

	integ.setTamper(true)
	require.Eventually(t, func() bool {
		return p.Machine().State() == safety.StateLockdown
	}, 2*time.Second, 5*time.Millisecond)

	open, _ := power.snapshot()
	assert.True(t, open, "lockdown must open the contactor")

	connects, _, _ := up.counts()
	assert.Zero(t, connects, "comms must not start before network readiness")

	integ.setTamper(false)
	require.True(t, p.Acknowledge())
	assert.Equal(t, safety.StateIdle, p.Machine().State())
	assert.Empty(t, p.Status().SessionID, "acknowledge ends the session")
}

func TestPipeline_WarningThrottlesCharging(t *testing.T) {
	sensor := &fakeSensor{r: normalReading()}
	integ := &fakeIntegrity{fwOK: true}
	power := &fakePower{}
	model := &fakeModel{}
	model.set(0.6)

	p, err := New(testConfig(), testDeps(sensor, integ, power, model))
	require.NoError(t, err)
	startPipeline(t, p, FlagSensor, FlagModel)

	p.IngestEvent(ocpp.Event{Kind: ocpp.EventStartTransaction})
	require.Eventually(t, func() bool {
		return p.Machine().State() == safety.StateHandshake
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, p.BeginPrecharge())
	require.True(t, p.PrechargeOK())

	// Four remote stops inside the window plus a 0.6 model score put the
	// combined score at 0.6: a warning, not a lockdown.
	for i := 0; i < 4; i++ {
		p.IngestEvent(ocpp.Event{Kind: ocpp.EventRemoteStop})
	}

	require.Eventually(t, func() bool {
		return p.Machine().State() == safety.StateSuspicious
	}, 2*time.Second, 5*time.Millisecond)

	open, limit := power.snapshot()
	assert.False(t, open, "warning must not open the contactor")
	assert.Equal(t, uint8(safety.DefaultWarningCurrentLimit), limit)
}

func TestPipeline_StatusAndArchive(t *testing.T) {
	sensor := &fakeSensor{r: normalReading()}
	integ := &fakeIntegrity{fwOK: true}
	power := &fakePower{}
	model := &fakeModel{}
	arch := &fakeArchive{}

	deps := testDeps(sensor, integ, power, model)
	deps.Archive = arch
	p, err := New(testConfig(), deps)
	require.NoError(t, err)
	startPipeline(t, p, FlagSensor, FlagModel, FlagStorage)

	require.Eventually(t, func() bool {
		return p.Stats().Samples >= 3
	}, 2*time.Second, 5*time.Millisecond)

	st := p.Status()
	assert.Equal(t, "idle", st.State)
	assert.Equal(t, scoring.LevelInfo, st.Score.Level)
	assert.False(t, st.ScoredAt.IsZero())

	features, _ := arch.counts()
	assert.Greater(t, features, 0, "sampled vectors reach the durable log")
}

func TestPipeline_CommsPublishesAfterNetworkReady(t *testing.T) {
	sensor := &fakeSensor{r: normalReading()}
	integ := &fakeIntegrity{fwOK: true, tamper: true}
	power := &fakePower{}
	up := &fakeUplink{}

	deps := testDeps(sensor, integ, power, &fakeModel{})
	deps.Uplink = up
	p, err := New(testConfig(), deps)
	require.NoError(t, err)
	startPipeline(t, p, FlagSensor, FlagModel, FlagNetwork)

	require.Eventually(t, func() bool {
		connects, alerts, snapshots := up.counts()
		return connects == 1 && alerts > 0 && snapshots > 0
	}, 2*time.Second, 5*time.Millisecond)

	up.mu.Lock()
	a := up.alerts[0]
	up.mu.Unlock()
	assert.Equal(t, scoring.LevelCritical, a.Level)
	assert.Equal(t, 1.0, a.Score)
}
