// Package audit writes append-only call audit records (signaling events and
// quality samples) off the caller's goroutine.
//
// Submit never blocks: a record is either queued or dropped, and the caller
// gets that outcome back. Write failures are logged and counted, never
// returned to the caller.
package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"callsession-backend/pkg/logger"
)

// Outcome is the result of submitting a record
type Outcome string

const (
	Queued  Outcome = "queued"
	Dropped Outcome = "dropped"
)

// Record is anything the sink knows how to persist
type Record interface {
	AuditKind() string
}

// Sink persists one record
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// OutcomeRecorder receives per-record outcomes; *metrics.Metrics implements it
type OutcomeRecorder interface {
	RecordAuditRecord(kind, outcome string)
}

// Writer drains a bounded queue of records into a Sink
type Writer struct {
	sink         Sink
	recorder     OutcomeRecorder
	writeTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan Record
	done   chan struct{}
}

// NewWriter creates a writer with a queue of the given size. Call Start to begin draining.
func NewWriter(sink Sink, size int, recorder OutcomeRecorder) *Writer {
	if size <= 0 {
		size = 1
	}
	return &Writer{
		sink:         sink,
		recorder:     recorder,
		writeTimeout: 5 * time.Second,
		queue:        make(chan Record, size),
		done:         make(chan struct{}),
	}
}

// Start launches the drain goroutine
func (w *Writer) Start() {
	go w.run()
}

// Submit enqueues rec without blocking
func (w *Writer) Submit(rec Record) Outcome {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		w.observe(rec.AuditKind(), Dropped)
		return Dropped
	}

	select {
	case w.queue <- rec:
		w.observe(rec.AuditKind(), Queued)
		return Queued
	default:
		logger.Warn("Audit queue full, dropping record", zap.String("kind", rec.AuditKind()))
		w.observe(rec.AuditKind(), Dropped)
		return Dropped
	}
}

// Close stops accepting records and waits for the queue to drain or ctx to expire
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued records
func (w *Writer) Pending() int {
	return len(w.queue)
}

func (w *Writer) run() {
	defer close(w.done)
	for rec := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), w.writeTimeout)
		err := w.sink.Write(ctx, rec)
		cancel()

		if err != nil {
			logger.Warn("Failed to write audit record",
				zap.String("kind", rec.AuditKind()),
				zap.Error(err))
			w.observe(rec.AuditKind(), "failed")
			continue
		}
		w.observe(rec.AuditKind(), "written")
	}
}

func (w *Writer) observe(kind string, outcome Outcome) {
	if w.recorder != nil {
		w.recorder.RecordAuditRecord(kind, string(outcome))
	}
}
