// Package driver holds the hardware-facing collaborators: integrity pins,
// enclosure temperature and the power-control lines, all file-backed the
// way embedded Linux exposes GPIO and thermal zones. A simulator suite for
// bench rigs lives alongside.
package driver

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"evsecure/pkg/feature"
)

// FileMeter reads the most recent sample published by the metering daemon.
// The daemon owns the SPI link to the energy meter and rewrites this file
// atomically on every measurement cycle.
type FileMeter struct {
	Path string
}

func (m FileMeter) ReadPower() (feature.PowerReading, error) {
	raw, err := os.ReadFile(m.Path)
	if err != nil {
		return feature.PowerReading{}, fmt.Errorf("driver: read meter: %w", err)
	}
	var r feature.PowerReading
	if err := json.Unmarshal(raw, &r); err != nil {
		return feature.PowerReading{}, fmt.Errorf("driver: parse meter sample: %w", err)
	}
	return r, nil
}

// PinIntegrity reads tamper and firmware-integrity flags from value files.
// Reads are fail-safe: an unreadable tamper pin reports tampered and an
// unreadable firmware flag reports not-ok, so wiring faults escalate
// instead of masking an attack.
type PinIntegrity struct {
	TamperPath   string
	FirmwarePath string
}

func (p PinIntegrity) TamperDetected() bool {
	v, err := readFlag(p.TamperPath)
	if err != nil {
		return true
	}
	return v
}

func (p PinIntegrity) FirmwareOK() bool {
	v, err := readFlag(p.FirmwarePath)
	if err != nil {
		return false
	}
	return v
}

// SysfsTemp reads a thermal zone file holding millidegrees Celsius.
type SysfsTemp struct {
	Path string
}

func (t SysfsTemp) ReadTempC() (float64, error) {
	raw, err := os.ReadFile(t.Path)
	if err != nil {
		return 0, fmt.Errorf("driver: read temp: %w", err)
	}
	milli, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("driver: parse temp %q: %w", strings.TrimSpace(string(raw)), err)
	}
	return float64(milli) / 1000.0, nil
}

// RelayController drives the contactor relay and the current-limit line
// through value files. Directive failures are returned to the safety
// machine, which logs them; there is no retry at this layer.
type RelayController struct {
	ContactorPath    string
	CurrentLimitPath string
}

// SetContactor writes the relay line. open=true de-energizes the
// contactor and cuts charging power.
func (r RelayController) SetContactor(open bool) error {
	v := "0"
	if open {
		v = "1"
	}
	if err := os.WriteFile(r.ContactorPath, []byte(v), 0o644); err != nil {
		return fmt.Errorf("driver: contactor: %w", err)
	}
	return nil
}

// SetCurrentLimit writes the commanded limit in percent of nominal.
func (r RelayController) SetCurrentLimit(percent uint8) error {
	if err := os.WriteFile(r.CurrentLimitPath, []byte(strconv.Itoa(int(percent))), 0o644); err != nil {
		return fmt.Errorf("driver: current limit: %w", err)
	}
	return nil
}

// readFlag interprets a value file: "1" is asserted, "0" is clear.
func readFlag(path string) (bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	switch strings.TrimSpace(string(raw)) {
	case "1":
		return true, nil
	case "0":
		return false, nil
	default:
		return false, fmt.Errorf("driver: unexpected flag value %q in %s", strings.TrimSpace(string(raw)), path)
	}
}
