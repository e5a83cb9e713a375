package driver

import (
	"math/rand"
	"sync"

	"evsecure/pkg/feature"
	"evsecure/pkg/structlog"
)

// SimMeter synthesizes plausible single-phase AC readings for bench rigs:
// small jitter around nominal values, no drift.
type SimMeter struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimMeter seeds the simulator. A fixed seed gives reproducible runs.
func NewSimMeter(seed int64) *SimMeter {
	return &SimMeter{rng: rand.New(rand.NewSource(seed))}
}

func (s *SimMeter) ReadPower() (feature.PowerReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jitter := func(base, span float64) float64 {
		return base + (s.rng.Float64()*2-1)*span
	}
	v := jitter(230, 2)
	i := jitter(16, 0.5)
	return feature.PowerReading{
		VRMS: v,
		IRMS: i,
		PkW:  v * i / 1000.0,
		PF:   jitter(0.97, 0.01),
		THDV: jitter(2.2, 0.3),
		THDI: jitter(2.8, 0.4),
	}, nil
}

// SimIntegrity is a togglable integrity source for bench rigs.
type SimIntegrity struct {
	mu     sync.Mutex
	tamper bool
	fwBad  bool
}

func (s *SimIntegrity) SetTamper(v bool) {
	s.mu.Lock()
	s.tamper = v
	s.mu.Unlock()
}

func (s *SimIntegrity) SetFirmwareBad(v bool) {
	s.mu.Lock()
	s.fwBad = v
	s.mu.Unlock()
}

func (s *SimIntegrity) TamperDetected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tamper
}

func (s *SimIntegrity) FirmwareOK() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.fwBad
}

// SimTemp reports a fixed enclosure temperature.
type SimTemp struct {
	TempC float64
}

func (s SimTemp) ReadTempC() (float64, error) { return s.TempC, nil }

// SimPower logs directives instead of driving hardware.
type SimPower struct {
	mu            sync.Mutex
	log           *structlog.Logger
	contactorOpen bool
	currentLimit  uint8
}

func NewSimPower(log *structlog.Logger) *SimPower {
	if log == nil {
		log = structlog.New("driver", structlog.LevelInfo, nil)
	}
	return &SimPower{log: log, currentLimit: 100}
}

func (s *SimPower) SetContactor(open bool) error {
	s.mu.Lock()
	s.contactorOpen = open
	s.mu.Unlock()
	s.log.Info("sim contactor", structlog.Fields{"open": open})
	return nil
}

func (s *SimPower) SetCurrentLimit(percent uint8) error {
	s.mu.Lock()
	s.currentLimit = percent
	s.mu.Unlock()
	s.log.Info("sim current limit", structlog.Fields{"percent": percent})
	return nil
}

// ContactorOpen reports the last contactor directive.
func (s *SimPower) ContactorOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contactorOpen
}

// CurrentLimit reports the last commanded limit in percent.
func (s *SimPower) CurrentLimit() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLimit
}
