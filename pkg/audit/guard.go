package audit

import "context"

// Guard runs a sink write, possibly refusing it; *resilience.CircuitBreaker implements it
type Guard interface {
	Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error
}

type guardedSink struct {
	sink  Sink
	guard Guard
}

// GuardedSink routes every write through guard
func GuardedSink(sink Sink, guard Guard) Sink {
	return &guardedSink{sink: sink, guard: guard}
}

func (g *guardedSink) Write(ctx context.Context, rec Record) error {
	return g.guard.Execute(ctx, rec.AuditKind(), func(ctx context.Context) error {
		return g.sink.Write(ctx, rec)
	})
}
