package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"
)

// SyncWorker retries the outbox on an interval while the device is online
type SyncWorker struct {
	orch     *Orchestrator
	conn     Connectivity
	interval time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
}

func NewSyncWorker(orch *Orchestrator, conn Connectivity, interval time.Duration) *SyncWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &SyncWorker{orch: orch, conn: conn, interval: interval, stopChan: make(chan struct{})}
}

// Start replays once at startup and then on every tick.
func (w *SyncWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *SyncWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
}

func (w *SyncWorker) tick(ctx context.Context) {
	if !w.conn.Online() {
		return
	}
	pending, err := w.orch.Pending(ctx)
	if err != nil {
		w.orch.log.Warn("sync worker: list outbox", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}
	// Errors are logged by SyncOutbox; a busy writer just means the next tick retries.
	if _, err := w.orch.SyncOutbox(ctx); errors.Is(err, ErrBusy) {
		w.orch.log.Debug("sync worker: writer busy, retrying next tick")
	}
}
