// Package uplink publishes alerts and state snapshots to the monitoring
// backend over MQTT, with a Redis cache of recent alerts for the dashboard.
// Everything here is network-dependent and therefore recoverable-local:
// failures are reported to the caller, never escalated into the safety
// loop.
package uplink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/redis/go-redis/v9"

	"evsecure/pkg/scoring"
	"evsecure/pkg/structlog"
)

// ErrNotConnected marks publishes attempted before Connect succeeded.
var ErrNotConnected = errors.New("uplink not connected")

// recentAlertsMax caps the Redis recent-alert list.
const recentAlertsMax = 200

// mqttClient is the slice of the paho client the publisher uses.
type mqttClient interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
}

// Snapshot is the periodic state report sent to the backend.
type Snapshot struct {
	DeviceID  string    `json:"device_id"`
	State     string    `json:"state"`
	Score     float64   `json:"score"`
	SessionID string    `json:"session_id,omitempty"`
	At        time.Time `json:"at"`
}

// Options configures the publisher. Empty MQTTBroker or RedisAddr disables
// that sink.
type Options struct {
	MQTTBroker  string
	RedisAddr   string
	TopicPrefix string
	DeviceID    string
	Timeout     time.Duration
}

// Publisher owns the uplink connections. Safe for use from the single
// comms task.
type Publisher struct {
	opts Options
	mq   mqttClient
	rdb  *redis.Client
	cb   *breaker
	log  *structlog.Logger

	connected bool
}

// NewPublisher builds a publisher; no network traffic happens until
// Connect.
func NewPublisher(opts Options, log *structlog.Logger) *Publisher {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "evsecure"
	}
	if log == nil {
		log = structlog.New("uplink", structlog.LevelInfo, nil)
	}
	p := &Publisher{opts: opts, log: log, cb: newBreaker(5, 30*time.Second)}
	if opts.MQTTBroker != "" {
		mo := mqtt.NewClientOptions().
			AddBroker(opts.MQTTBroker).
			SetClientID(opts.DeviceID).
			SetConnectTimeout(opts.Timeout).
			SetAutoReconnect(true)
		p.mq = mqtt.NewClient(mo)
	}
	if opts.RedisAddr != "" {
		p.rdb = redis.NewClient(&redis.Options{Addr: opts.RedisAddr, MaxRetries: 3})
	}
	return p
}

// Connect brings up the configured sinks. Called by the comms task once
// network readiness is signaled; retried by the caller on failure.
func (p *Publisher) Connect(ctx context.Context) error {
	if p.mq != nil && !p.mq.IsConnected() {
		tok := p.mq.Connect()
		if !tok.WaitTimeout(p.opts.Timeout) {
			return fmt.Errorf("uplink: mqtt connect timed out after %v", p.opts.Timeout)
		}
		if err := tok.Error(); err != nil {
			return fmt.Errorf("uplink: mqtt connect: %w", err)
		}
	}
	if p.rdb != nil {
		cctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
		if err := p.rdb.Ping(cctx).Err(); err != nil {
			return fmt.Errorf("uplink: redis ping: %w", err)
		}
	}
	p.connected = true
	return nil
}

// PublishAlert sends one alert to the broker and pushes it onto the Redis
// recent-alert list.
func (p *Publisher) PublishAlert(ctx context.Context, a scoring.Alert) error {
	if !p.connected {
		return ErrNotConnected
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("uplink: marshal alert: %w", err)
	}
	return p.cb.do(func() error {
		if err := p.publish(p.topic("alerts"), payload); err != nil {
			return err
		}
		if p.rdb != nil {
			cctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
			defer cancel()
			key := fmt.Sprintf("evsecure:%s:alerts", p.opts.DeviceID)
			if err := p.rdb.LPush(cctx, key, payload).Err(); err != nil {
				return fmt.Errorf("uplink: cache alert: %w", err)
			}
			p.rdb.LTrim(cctx, key, 0, recentAlertsMax-1)
		}
		return nil
	})
}

// PublishSnapshot sends the periodic state report and refreshes the Redis
// status key.
func (p *Publisher) PublishSnapshot(ctx context.Context, s Snapshot) error {
	if !p.connected {
		return ErrNotConnected
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("uplink: marshal snapshot: %w", err)
	}
	return p.cb.do(func() error {
		if err := p.publish(p.topic("status"), payload); err != nil {
			return err
		}
		if p.rdb != nil {
			cctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
			defer cancel()
			key := fmt.Sprintf("evsecure:%s:status", p.opts.DeviceID)
			if err := p.rdb.Set(cctx, key, payload, time.Hour).Err(); err != nil {
				return fmt.Errorf("uplink: cache snapshot: %w", err)
			}
		}
		return nil
	})
}

// RecentAlerts reads back the cached alert list, newest first.
func (p *Publisher) RecentAlerts(ctx context.Context, n int64) ([]scoring.Alert, error) {
	if p.rdb == nil {
		return nil, nil
	}
	cctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()
	key := fmt.Sprintf("evsecure:%s:alerts", p.opts.DeviceID)
	raw, err := p.rdb.LRange(cctx, key, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("uplink: read alerts: %w", err)
	}
	out := make([]scoring.Alert, 0, len(raw))
	for _, item := range raw {
		var a scoring.Alert
		if err := json.Unmarshal([]byte(item), &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Close tears down both sinks.
func (p *Publisher) Close() {
	if p.mq != nil && p.mq.IsConnected() {
		p.mq.Disconnect(250)
	}
	if p.rdb != nil {
		_ = p.rdb.Close()
	}
	p.connected = false
}

func (p *Publisher) publish(topic string, payload []byte) error {
	if p.mq == nil {
		return nil
	}
	tok := p.mq.Publish(topic, 0, false, payload)
	if !tok.WaitTimeout(p.opts.Timeout) {
		return fmt.Errorf("uplink: publish to %s timed out", topic)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("uplink: publish to %s: %w", topic, err)
	}
	return nil
}

func (p *Publisher) topic(kind string) string {
	return fmt.Sprintf("%s/%s/%s", p.opts.TopicPrefix, p.opts.DeviceID, kind)
}
