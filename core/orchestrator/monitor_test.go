package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"fieldops/core/outbox"
)

type flakyProber struct{ err error }

func (p *flakyProber) Ping(context.Context) error { return p.err }

func TestMonitorRunsListenersOnReconnect(t *testing.T) {
	ctx := context.Background()
	prober := &flakyProber{err: errors.New("no route")}
	m := NewMonitor(prober, time.Second, nil)
	calls := 0
	m.OnReconnect(func(context.Context) { calls++ })

	if m.Probe(ctx) || m.Online() {
		t.Fatalf("expected offline after failed probe")
	}
	prober.err = nil
	if !m.Probe(ctx) || !m.Online() {
		t.Fatalf("expected online after successful probe")
	}
	m.Probe(ctx)
	if calls != 1 {
		t.Fatalf("listener calls = %d, want 1", calls)
	}
}

func TestMonitorReconnectTriggersSync(t *testing.T) {
	ctx := context.Background()
	store := outbox.NewMemoryStore()
	m := NewMonitor(&flakyProber{}, time.Second, nil)
	m.MarkOffline(errors.New("airplane mode"))

	o, err := New(store, m)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	rec := &recorder{fail: map[string]error{}}
	o.Register("note", Typed(rec.handler))
	m.OnReconnect(func(ctx context.Context) { _, _ = o.SyncOutbox(ctx) })

	if _, err := o.ExecuteOrQueue(ctx, "note", notePayload{Name: "A"}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	m.SetOnline(ctx, true)
	if len(rec.applied) != 1 {
		t.Fatalf("applied = %v", rec.applied)
	}
	if got := queuedNames(t, store); len(got) != 0 {
		t.Fatalf("queue = %v", got)
	}
}
