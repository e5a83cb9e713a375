// Package recorder appends feature vectors and alerts to rotating JSONL
// files for post-incident auditing. Appends are fire-and-forget: the core
// pipeline never blocks on storage, a full buffer drops and counts.
package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"evsecure/pkg/feature"
	"evsecure/pkg/scoring"
	"evsecure/pkg/structlog"
)

const baseName = "evsecure.log"

var recordsDropped = prometheus.NewCounterVec(
	prometheus.CounterOpts{Namespace: "evsecure", Subsystem: "recorder", Name: "dropped_total", Help: "Records dropped because the recorder buffer was full."},
	[]string{"kind"},
)

func init() {
	_ = prometheus.Register(recordsDropped)
}

// Record is one durable log entry.
type Record struct {
	Kind    string          `json:"kind"` // "feature" | "alert"
	At      time.Time       `json:"at"`
	Feature *feature.Vector `json:"feature,omitempty"`
	Alert   *scoring.Alert  `json:"alert,omitempty"`
}

// Recorder owns the log directory. One writer goroutine drains the buffer.
type Recorder struct {
	ch   chan Record
	done chan struct{}
	wg   sync.WaitGroup

	dir      string
	maxBytes int64
	maxFiles int

	f    *os.File
	size int64

	log *structlog.Logger
}

// New opens (or creates) the log directory and starts the writer.
func New(dir string, maxBytes int64, maxFiles, buffer int, log *structlog.Logger) (*Recorder, error) {
	if maxBytes <= 0 || maxFiles <= 0 || buffer <= 0 {
		return nil, fmt.Errorf("recorder: rotation and buffer limits must be positive")
	}
	if log == nil {
		log = structlog.New("recorder", structlog.LevelInfo, nil)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recorder: create dir: %w", err)
	}
	r := &Recorder{
		ch:       make(chan Record, buffer),
		done:     make(chan struct{}),
		dir:      dir,
		maxBytes: maxBytes,
		maxFiles: maxFiles,
		log:      log,
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	r.wg.Add(1)
	go r.run()
	return r, nil
}

// AppendFeature queues a feature vector. Never blocks.
func (r *Recorder) AppendFeature(v feature.Vector) {
	r.append(Record{Kind: "feature", At: v.Timestamp, Feature: &v})
}

// AppendAlert queues an alert. Never blocks.
func (r *Recorder) AppendAlert(a scoring.Alert) {
	r.append(Record{Kind: "alert", At: a.Timestamp, Alert: &a})
}

func (r *Recorder) append(rec Record) {
	select {
	case r.ch <- rec:
	default:
		recordsDropped.WithLabelValues(rec.Kind).Inc()
	}
}

// Close flushes queued records and closes the current file.
func (r *Recorder) Close() error {
	close(r.done)
	r.wg.Wait()
	if r.f != nil {
		return r.f.Close()
	}
	return nil
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for {
		select {
		case rec := <-r.ch:
			r.write(rec)
		case <-r.done:
			for {
				select {
				case rec := <-r.ch:
					r.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(rec Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		r.log.Error("marshal record", structlog.Fields{"error": err.Error()})
		return
	}
	data = append(data, '\n')
	n, err := r.f.Write(data)
	if err != nil {
		r.log.Error("write record", structlog.Fields{"error": err.Error()})
		return
	}
	r.size += int64(n)
	if r.size >= r.maxBytes {
		if err := r.rotate(); err != nil {
			r.log.Error("rotate log", structlog.Fields{"error": err.Error()})
		}
	}
}

func (r *Recorder) open() error {
	path := filepath.Join(r.dir, baseName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("recorder: open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("recorder: stat %s: %w", path, err)
	}
	r.f = f
	r.size = st.Size()
	return nil
}

// rotate shifts evsecure.log -> evsecure.log.1 -> ... and discards the
// entry past maxFiles.
func (r *Recorder) rotate() error {
	if err := r.f.Close(); err != nil {
		return err
	}
	oldest := filepath.Join(r.dir, fmt.Sprintf("%s.%d", baseName, r.maxFiles-1))
	_ = os.Remove(oldest)
	for i := r.maxFiles - 2; i >= 1; i-- {
		from := filepath.Join(r.dir, fmt.Sprintf("%s.%d", baseName, i))
		to := filepath.Join(r.dir, fmt.Sprintf("%s.%d", baseName, i+1))
		_ = os.Rename(from, to)
	}
	_ = os.Rename(filepath.Join(r.dir, baseName), filepath.Join(r.dir, baseName+".1"))
	return r.open()
}
