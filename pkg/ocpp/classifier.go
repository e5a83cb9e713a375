// Package ocpp classifies already-parsed OCPP session events into the
// sliding-window counters consumed by the scoring engine. Wire protocol
// parsing and connection management live outside the agent.
package ocpp

import (
	"sync"
	"time"
)

// EventKind identifies a classified protocol event.
type EventKind string

const (
	EventStartTransaction EventKind = "start_transaction"
	EventRemoteStop       EventKind = "remote_stop"
	EventMalformed        EventKind = "malformed"
	EventOutOfSequence    EventKind = "out_of_sequence"
	EventFirmwareUpdate   EventKind = "firmware_update"
)

// Event is one classified protocol message.
type Event struct {
	Kind EventKind `json:"kind"`
	At   time.Time `json:"ts"`
}

// Window durations. Each metric evicts from its own window only.
const (
	RemoteStopWindow = 60 * time.Second
	MalformedWindow  = 30 * time.Second
	OutOfSeqWindow   = 30 * time.Second
	RateWindow       = 10 * time.Second
)

// Counts is a snapshot of the classifier's windows.
type Counts struct {
	RemoteStop int
	Malformed  int
	OutOfSeq   int
	Rate       float64 // messages/sec over the trailing rate window
}

// Classifier maintains the per-metric sliding windows. Safe for concurrent
// use: ingestion and snapshotting run on different tasks.
type Classifier struct {
	mu         sync.Mutex
	remoteStop []time.Time
	malformed  []time.Time
	outOfSeq   []time.Time
	all        []time.Time

	// onSessionStart fires for every StartTransaction event, outside the
	// classifier lock.
	onSessionStart func(Event)

	now func() time.Time
}

// NewClassifier creates a classifier. onSessionStart may be nil.
func NewClassifier(onSessionStart func(Event)) *Classifier {
	return &Classifier{
		onSessionStart: onSessionStart,
		now:            time.Now,
	}
}

// Record appends a timestamped event to its windows. Events with a zero
// timestamp are stamped on arrival.
func (c *Classifier) Record(evt Event) {
	if evt.At.IsZero() {
		evt.At = c.now()
	}

	c.mu.Lock()
	c.all = append(c.all, evt.At)
	switch evt.Kind {
	case EventRemoteStop:
		c.remoteStop = append(c.remoteStop, evt.At)
	case EventMalformed:
		c.malformed = append(c.malformed, evt.At)
	case EventOutOfSequence:
		c.outOfSeq = append(c.outOfSeq, evt.At)
	}
	c.mu.Unlock()

	if evt.Kind == EventStartTransaction && c.onSessionStart != nil {
		c.onSessionStart(evt)
	}
}

// Snapshot evicts expired entries and returns the current counts.
func (c *Classifier) Snapshot() Counts {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.remoteStop = evict(c.remoteStop, now.Add(-RemoteStopWindow))
	c.malformed = evict(c.malformed, now.Add(-MalformedWindow))
	c.outOfSeq = evict(c.outOfSeq, now.Add(-OutOfSeqWindow))
	c.all = evict(c.all, now.Add(-RateWindow))

	return Counts{
		RemoteStop: len(c.remoteStop),
		Malformed:  len(c.malformed),
		OutOfSeq:   len(c.outOfSeq),
		Rate:       float64(len(c.all)) / RateWindow.Seconds(),
	}
}

// Evict drops expired entries without reporting counts. The scoring task
// calls this on idle poll ticks so windows age out even when no feature
// arrives.
func (c *Classifier) Evict() {
	_ = c.Snapshot()
}

// evict drops timestamps at or before the cutoff. Entries arrive in order,
// so a prefix scan suffices.
func evict(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}
