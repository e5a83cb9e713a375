// Command evsecure-agent runs the on-device security agent for an EV
// charging station controller: it samples electrical and protocol
// features, scores them for anomalies and enforces the charging safety
// state machine, with durable local logging and best-effort uplink.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"evsecure/pkg/config"
	"evsecure/pkg/driver"
	"evsecure/pkg/model"
	"evsecure/pkg/pipeline"
	"evsecure/pkg/recorder"
	"evsecure/pkg/structlog"
	"evsecure/pkg/telemetry"
	"evsecure/pkg/uplink"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to YAML config (empty: built-in defaults)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "evsecure-agent: %v\n", err)
		os.Exit(1)
	}

	log := structlog.New("evsecure-agent", parseLevel(cfg.LogLevel), os.Stdout)
	log.Info("starting", structlog.Fields{
		"device_id": cfg.DeviceID,
		"sim":       cfg.Driver.Sim,
	})

	deps := pipeline.Deps{Log: log}
	if cfg.Driver.Sim {
		deps.Sensor = driver.NewSimMeter(time.Now().UnixNano())
		deps.Integrity = &driver.SimIntegrity{}
		deps.Temp = driver.SimTemp{TempC: 25}
		deps.Power = driver.NewSimPower(log)
	} else {
		deps.Sensor = driver.FileMeter{Path: cfg.Driver.MeterPath}
		deps.Integrity = driver.PinIntegrity{
			TamperPath:   cfg.Driver.TamperPath,
			FirmwarePath: cfg.Driver.FirmwareOKPath,
		}
		deps.Temp = driver.SysfsTemp{Path: cfg.Driver.TempPath}
		deps.Power = driver.RelayController{
			ContactorPath:    cfg.Driver.ContactorPath,
			CurrentLimitPath: cfg.Driver.CurrentLimitPath,
		}
	}

	if cfg.Model.URL != "" {
		deps.Model = model.NewHTTPClient(cfg.Model.URL, cfg.ModelClientTimeout())
	} else {
		log.Warn("no model endpoint configured, scoring runs rule-only", nil)
	}

	// A broken durable log is worth shouting about but must not keep the
	// safety loop from starting.
	rec, err := recorder.New(cfg.Recorder.Dir, cfg.Recorder.MaxFileBytes, cfg.Recorder.MaxFiles, cfg.Recorder.Buffer, log)
	if err != nil {
		log.Error("recorder unavailable", structlog.Fields{"error": err.Error(), "dir": cfg.Recorder.Dir})
	} else {
		deps.Archive = rec
		defer rec.Close()
	}

	var pub *uplink.Publisher
	if cfg.Uplink.MQTTBroker != "" || cfg.Uplink.RedisAddr != "" {
		pub = uplink.NewPublisher(uplink.Options{
			MQTTBroker:  cfg.Uplink.MQTTBroker,
			RedisAddr:   cfg.Uplink.RedisAddr,
			TopicPrefix: cfg.Uplink.TopicPrefix,
			DeviceID:    cfg.DeviceID,
			Timeout:     cfg.PublishTimeout(),
		}, log)
		deps.Uplink = pub
		defer pub.Close()
	}

	p, err := pipeline.New(cfg, deps)
	if err != nil {
		log.Error("pipeline construction failed", structlog.Fields{"error": err.Error()})
		os.Exit(1)
	}

	p.Ready().Set(pipeline.FlagSensor)
	p.Ready().Set(pipeline.FlagModel)
	if deps.Archive != nil {
		p.Ready().Set(pipeline.FlagStorage)
	}
	if pub != nil {
		// Link-level connectivity is the comms task's problem: it
		// retries Connect until the broker answers.
		p.Ready().Set(pipeline.FlagNetwork)
	}

	var alerts telemetry.AlertSource
	if pub != nil {
		alerts = pub
	}
	srv := telemetry.New(cfg.Telemetry.Addr, cfg.DeviceID, p, alerts, log)
	go func() {
		if err := srv.Start(); err != nil {
			log.Error("telemetry server failed", structlog.Fields{"error": err.Error()})
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := p.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("pipeline stopped", structlog.Fields{"error": err.Error()})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("telemetry shutdown", structlog.Fields{"error": err.Error()})
	}
	log.Info("stopped", nil)
}

func parseLevel(s string) structlog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return structlog.LevelDebug
	case "warn", "warning":
		return structlog.LevelWarn
	case "error":
		return structlog.LevelError
	default:
		return structlog.LevelInfo
	}
}
