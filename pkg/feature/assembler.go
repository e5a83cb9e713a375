package feature

import (
	"errors"
	"fmt"
	"time"
)

// ErrSensor wraps power meter read failures. Callers treat it as
// recoverable-local: the tick is skipped and sampling continues.
var ErrSensor = errors.New("sensor read failed")

// PowerReading holds one raw read from the energy meter.
type PowerReading struct {
	VRMS float64
	IRMS float64
	PkW  float64
	PF   float64
	THDV float64
	THDI float64
}

// PowerSensor abstracts the energy meter front end.
type PowerSensor interface {
	ReadPower() (PowerReading, error)
}

// IntegritySource reports physical tamper and firmware integrity. Both are
// read fresh on every tick; they gate immediate-critical scoring and must
// never be served from a cache.
type IntegritySource interface {
	FirmwareOK() bool
	TamperDetected() bool
}

// TemperatureSensor reads the enclosure temperature in Celsius.
type TemperatureSensor interface {
	ReadTempC() (float64, error)
}

// Assembler turns raw sensor reads plus windowed protocol counters into
// feature vectors at a fixed cadence. It is driven by a single sampling
// goroutine and is not safe for concurrent use.
type Assembler struct {
	sensor    PowerSensor
	integrity IntegritySource
	temp      TemperatureSensor
	counters  func() ProtocolCounts
	interval  time.Duration

	prevV    float64
	prevI    float64
	havePrev bool
	lastTemp float64

	now func() time.Time
}

// NewAssembler wires an assembler. counters may not be nil; it is invoked
// once per successful sample.
func NewAssembler(sensor PowerSensor, integrity IntegritySource, temp TemperatureSensor, counters func() ProtocolCounts, interval time.Duration) (*Assembler, error) {
	if sensor == nil || integrity == nil || counters == nil {
		return nil, fmt.Errorf("assembler: sensor, integrity and counters are required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("assembler: invalid sample interval %v", interval)
	}
	return &Assembler{
		sensor:    sensor,
		integrity: integrity,
		temp:      temp,
		counters:  counters,
		interval:  interval,
		lastTemp:  25.0,
		now:       time.Now,
	}, nil
}

// Sample performs one sampling tick. On a sensor read failure it returns
// ErrSensor and leaves the derivative state untouched, so the next
// successful sample still computes dV/dt against the last good reading.
func (a *Assembler) Sample() (Vector, error) {
	r, err := a.sensor.ReadPower()
	if err != nil {
		return Vector{}, fmt.Errorf("%w: %v", ErrSensor, err)
	}

	var dvdt, didt float64
	if a.havePrev {
		dt := a.interval.Seconds()
		dvdt = (r.VRMS - a.prevV) / dt
		didt = (r.IRMS - a.prevI) / dt
	}
	a.prevV = r.VRMS
	a.prevI = r.IRMS
	a.havePrev = true

	if a.temp != nil {
		if t, err := a.temp.ReadTempC(); err == nil {
			a.lastTemp = t
		}
	}

	c := a.counters()

	return Vector{
		VRMS:          r.VRMS,
		IRMS:          r.IRMS,
		PkW:           r.PkW,
		PF:            r.PF,
		THDV:          r.THDV,
		THDI:          r.THDI,
		DVDT:          dvdt,
		DIDT:          didt,
		OCPPRate:      c.Rate,
		RemoteStopCnt: c.RemoteStop,
		MalformedCnt:  c.Malformed,
		OutOfSeqCnt:   c.OutOfSeq,
		FWOK:          a.integrity.FirmwareOK(),
		Tamper:        a.integrity.TamperDetected(),
		TempC:         a.lastTemp,
		Timestamp:     a.now(),
	}, nil
}
