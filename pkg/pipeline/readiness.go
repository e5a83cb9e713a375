package pipeline

import (
	"context"
	"sync"
)

// Flag names one startup dependency. Tasks gate on the flags they need and
// only those: network readiness never gates the safety loop.
type Flag string

const (
	FlagSensor  Flag = "sensor"
	FlagModel   Flag = "model"
	FlagStorage Flag = "storage"
	FlagNetwork Flag = "network"
)

// Readiness is a set of independent latch flags. A flag, once set, stays
// set.
type Readiness struct {
	mu    sync.Mutex
	flags map[Flag]chan struct{}
}

func NewReadiness() *Readiness {
	r := &Readiness{flags: make(map[Flag]chan struct{})}
	for _, f := range []Flag{FlagSensor, FlagModel, FlagStorage, FlagNetwork} {
		r.flags[f] = make(chan struct{})
	}
	return r
}

// Set latches a flag. Setting twice is harmless.
func (r *Readiness) Set(f Flag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.flags[f]
	if !ok {
		return
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// IsReady reports whether a flag is set.
func (r *Readiness) IsReady(f Flag) bool {
	r.mu.Lock()
	ch, ok := r.flags[f]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Wait blocks until the flag is set or the context ends.
func (r *Readiness) Wait(ctx context.Context, f Flag) error {
	r.mu.Lock()
	ch, ok := r.flags[f]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
