package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRecord string

func (r testRecord) AuditKind() string { return "test" }

type memorySink struct {
	mu      sync.Mutex
	written []Record
	fail    bool
	block   chan struct{}
}

func (s *memorySink) Write(_ context.Context, rec Record) error {
	if s.block != nil {
		<-s.block
	}
	if s.fail {
		return errors.New("sink down")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, rec)
	return nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.written)
}

type outcomes struct {
	mu  sync.Mutex
	got map[string]int
}

func (o *outcomes) RecordAuditRecord(_, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.got == nil {
		o.got = make(map[string]int)
	}
	o.got[outcome]++
}

func (o *outcomes) get(outcome string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.got[outcome]
}

func TestWriter_DeliversQueuedRecords(t *testing.T) {
	sink := &memorySink{}
	rec := &outcomes{}
	w := NewWriter(sink, 8, rec)
	w.Start()

	for i := 0; i < 5; i++ {
		assert.Equal(t, Queued, w.Submit(testRecord("r")))
	}

	require.NoError(t, w.Close(context.Background()))
	assert.Equal(t, 5, sink.count())
	assert.Equal(t, 5, rec.get("queued"))
	assert.Equal(t, 5, rec.get("written"))
}

func TestWriter_DropsWhenFull(t *testing.T) {
	sink := &memorySink{}
	w := NewWriter(sink, 2, nil)

	// Not started, so nothing drains
	assert.Equal(t, Queued, w.Submit(testRecord("a")))
	assert.Equal(t, Queued, w.Submit(testRecord("b")))
	assert.Equal(t, Dropped, w.Submit(testRecord("c")))
	assert.Equal(t, 2, w.Pending())
}

func TestWriter_DropsAfterClose(t *testing.T) {
	w := NewWriter(&memorySink{}, 2, nil)
	w.Start()
	require.NoError(t, w.Close(context.Background()))

	assert.Equal(t, Dropped, w.Submit(testRecord("late")))
}

func TestWriter_SinkFailureIsNotFatal(t *testing.T) {
	sink := &memorySink{fail: true}
	rec := &outcomes{}
	w := NewWriter(sink, 4, rec)
	w.Start()

	assert.Equal(t, Queued, w.Submit(testRecord("x")))
	require.NoError(t, w.Close(context.Background()))
	assert.Equal(t, 1, rec.get("failed"))
}

func TestWriter_SubmitDoesNotBlockOnSlowSink(t *testing.T) {
	sink := &memorySink{block: make(chan struct{})}
	w := NewWriter(sink, 1, nil)
	w.Start()

	start := time.Now()
	for i := 0; i < 10; i++ {
		w.Submit(testRecord("x"))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	close(sink.block)
	require.NoError(t, w.Close(context.Background()))
}

type refusingGuard struct{ calls int }

func (g *refusingGuard) Execute(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	g.calls++
	if g.calls > 1 {
		return errors.New("circuit breaker open")
	}
	return fn(ctx)
}

func TestGuardedSink(t *testing.T) {
	sink := &memorySink{}
	guard := &refusingGuard{}
	guarded := GuardedSink(sink, guard)

	require.NoError(t, guarded.Write(context.Background(), testRecord("a")))
	assert.Error(t, guarded.Write(context.Background(), testRecord("b")))
	assert.Equal(t, 1, sink.count())
	assert.Equal(t, 2, guard.calls)
}
