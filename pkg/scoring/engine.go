// Package scoring combines deterministic rule terms with a learned
// reconstruction-error model into a single bounded anomaly score. The
// engine is a pure function of its inputs plus the external model call,
// which keeps it independently testable.
package scoring

import (
	"context"
	"strings"
	"time"

	"evsecure/pkg/feature"
)

// Level classifies a combined score.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Score is the result of evaluating one feature vector.
type Score struct {
	RuleScore  float64 `json:"rule_score"`
	ModelScore float64 `json:"model_score"`
	Combined   float64 `json:"combined"`
	Level      Level   `json:"level"`

	// ModelUnavailable marks scores where inference timed out or failed
	// and the model term defaulted to zero. Observability only, never a
	// scoring failure.
	ModelUnavailable bool `json:"model_unavailable,omitempty"`

	// Reasons names the triggered terms for post-incident auditing.
	Reasons []string `json:"reasons,omitempty"`
}

// Alert notifies the safety task of a score at or above the warning
// threshold.
type Alert struct {
	Level     Level     `json:"level"`
	Score     float64   `json:"score"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason,omitempty"`
}

// Inferencer is the external reconstruction-error model. Infer returns a
// scalar in [0,1] for normalized input and must honor context cancellation.
type Inferencer interface {
	Infer(ctx context.Context, features [feature.VectorSize]float64) (float64, error)
}

// Config holds scoring weights and rule thresholds. Defaults mirror the
// deployed calibration.
type Config struct {
	RuleWeight        float64
	ModelWeight       float64
	WarningThreshold  float64
	CriticalThreshold float64

	RemoteStopBurst   int     // remote stops per window before the +0.6 term fires
	MalformedBurst    int     // malformed + out-of-sequence per window before +0.4
	THDIMultiplier    float64 // thd_i baseline multiple for the +0.5 term
	RateFraction      float64 // ocpp rate baseline fraction for the +0.5 term
	BaselineTHDI      float64
	BaselineOCPPRate  float64

	ModelTimeout time.Duration
}

// DefaultConfig returns the deployed calibration values.
func DefaultConfig() Config {
	return Config{
		RuleWeight:        0.6,
		ModelWeight:       0.4,
		WarningThreshold:  0.5,
		CriticalThreshold: 0.8,
		RemoteStopBurst:   3,
		MalformedBurst:    2,
		THDIMultiplier:    1.5,
		RateFraction:      0.6,
		BaselineTHDI:      2.0,
		BaselineOCPPRate:  5.0,
		ModelTimeout:      100 * time.Millisecond,
	}
}

// Engine scores feature vectors. Safe for use from a single scoring task;
// it holds no mutable state.
type Engine struct {
	cfg   Config
	model Inferencer
	norm  *Normalizer
}

// NewEngine builds an engine. model may be nil, in which case every score
// is flagged model-unavailable.
func NewEngine(cfg Config, model Inferencer) *Engine {
	return &Engine{cfg: cfg, model: model, norm: NewNormalizer()}
}

// Evaluate produces one anomaly score for one feature vector.
//
// Tamper or a failed firmware integrity check short-circuits to a critical
// score of 1.0 before any rule or model computation; these conditions must
// escalate regardless of every other subsystem's health.
func (e *Engine) Evaluate(ctx context.Context, v feature.Vector) Score {
	if v.Tamper || !v.FWOK {
		s := Score{RuleScore: 1.0, Combined: 1.0, Level: LevelCritical}
		if v.Tamper {
			s.Reasons = append(s.Reasons, "tamper detected")
		}
		if !v.FWOK {
			s.Reasons = append(s.Reasons, "firmware integrity check failed")
		}
		return s
	}

	var rule float64
	var reasons []string

	if v.RemoteStopCnt > e.cfg.RemoteStopBurst {
		rule += 0.6
		reasons = append(reasons, "remote-stop burst")
	}
	if v.MalformedCnt+v.OutOfSeqCnt > e.cfg.MalformedBurst {
		rule += 0.4
		reasons = append(reasons, "malformed/out-of-sequence burst")
	}
	if v.THDI > e.cfg.THDIMultiplier*e.cfg.BaselineTHDI && v.OCPPRate < e.cfg.RateFraction*e.cfg.BaselineOCPPRate {
		rule += 0.5
		reasons = append(reasons, "thd spike with suppressed ocpp rate")
	}

	model, unavailable := e.infer(ctx, v)

	combined := clamp01(e.cfg.RuleWeight*rule + e.cfg.ModelWeight*model)

	var level Level
	switch {
	case combined >= e.cfg.CriticalThreshold:
		level = LevelCritical
	case combined >= e.cfg.WarningThreshold:
		level = LevelWarning
	default:
		level = LevelInfo
	}
	if unavailable {
		// model term defaulted to zero; keep that visible downstream
	} else if level != LevelInfo && model >= rule {
		reasons = append(reasons, "model reconstruction error")
	}

	return Score{
		RuleScore:        rule,
		ModelScore:       model,
		Combined:         combined,
		Level:            level,
		ModelUnavailable: unavailable,
		Reasons:          reasons,
	}
}

// AlertFor converts a score into an alert when it crosses the warning
// threshold. The second return is false for Info scores.
func (e *Engine) AlertFor(s Score, sessionID string, ts time.Time) (Alert, bool) {
	if s.Level == LevelInfo {
		return Alert{}, false
	}
	return Alert{
		Level:     s.Level,
		Score:     s.Combined,
		Timestamp: ts,
		SessionID: sessionID,
		Reason:    strings.Join(s.Reasons, "; "),
	}, true
}

// infer runs the model with a hard timeout. The select guards against a
// collaborator that ignores its context: scoring never blocks past the
// configured bound.
func (e *Engine) infer(ctx context.Context, v feature.Vector) (score float64, unavailable bool) {
	if e.model == nil {
		return 0, true
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.ModelTimeout)
	defer cancel()

	type result struct {
		v   float64
		err error
	}
	ch := make(chan result, 1)
	normalized := e.norm.Normalize(v.Slice())
	go func() {
		s, err := e.model.Infer(ctx, normalized)
		ch <- result{s, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return 0, true
		}
		return clamp01(r.v), false
	case <-ctx.Done():
		return 0, true
	}
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
