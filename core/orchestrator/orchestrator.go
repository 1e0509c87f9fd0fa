package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"fieldops/core/logger"
	"fieldops/core/models"
	"fieldops/core/outbox"
	"fieldops/core/repository"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrBusy is returned when another action or a sync is already in flight on this device.
	ErrBusy = errors.New("orchestrator: another action is in progress")
	// ErrUnknownAction is returned for an action key with no registered handler.
	ErrUnknownAction = errors.New("orchestrator: no handler registered for action")
)

// Handler applies one action against the remote store. Live calls and replays decode the same payload.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Typed adapts a handler over a concrete payload type.
func Typed[T any](fn func(ctx context.Context, payload T) error) Handler {
	return func(ctx context.Context, raw json.RawMessage) error {
		var p T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return fmt.Errorf("decode payload: %w", err)
			}
		}
		return fn(ctx, p)
	}
}

// Connectivity reports and updates the device's view of the network
type Connectivity interface {
	Online() bool
	MarkOffline(reason error)
}

// RefreshFunc reloads cached state after remote changes were applied.
type RefreshFunc func(ctx context.Context) error

type handlerEntry struct {
	fn      Handler
	refresh bool
}

// HandlerOption tunes a registered handler.
type HandlerOption func(*handlerEntry)

// WithoutRefresh skips the post-apply refresh for high-frequency actions such as audit events.
func WithoutRefresh() HandlerOption {
	return func(h *handlerEntry) { h.refresh = false }
}

// Result tells the caller whether an action reached the remote store or was queued.
type Result struct {
	Queued   bool
	QueuedID int64
}

// Orchestrator binds actions to immediate execution or the outbox
type Orchestrator struct {
	store       outbox.Store
	conn        Connectivity
	log         *logger.Logger
	tracer      trace.Tracer
	timeout     time.Duration
	maxAttempts int

	mu        sync.RWMutex
	handlers  map[string]handlerEntry
	refreshes []RefreshFunc

	// writer serializes user actions and replay on this device.
	writer sync.Mutex
	// replayMu guards a replay pass started from ExecuteOrQueue by a caller that skipped Begin.
	replayMu sync.Mutex
}

// Option customizes the orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(log *logger.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

// WithRequestTimeout bounds each handler invocation.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithMaxAttempts sets the failed replay count that dead-letters an action.
func WithMaxAttempts(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// New creates an orchestrator over the outbox and connectivity source.
func New(store outbox.Store, conn Connectivity, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("orchestrator: outbox store is required")
	}
	if conn == nil {
		return nil, fmt.Errorf("orchestrator: connectivity source is required")
	}
	o := &Orchestrator{
		store:       store,
		conn:        conn,
		log:         logger.Nop(),
		tracer:      otel.Tracer("fieldops/orchestrator"),
		timeout:     20 * time.Second,
		maxAttempts: outbox.DefaultMaxAttempts,
		handlers:    make(map[string]handlerEntry),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With("component", "orchestrator")
	return o, nil
}

// Register binds an action key to its handler. Registering a key twice replaces the handler.
func (o *Orchestrator) Register(action string, h Handler, opts ...HandlerOption) {
	entry := handlerEntry{fn: h, refresh: true}
	for _, opt := range opts {
		opt(&entry)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers[action] = entry
}

// OnApplied adds a refresh run after an online action or a sync applied remote changes.
func (o *Orchestrator) OnApplied(fn RefreshFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.refreshes = append(o.refreshes, fn)
}

// Begin claims the device's single writer slot. Callers must release it.
func (o *Orchestrator) Begin() (release func(), err error) {
	if !o.writer.TryLock() {
		return nil, ErrBusy
	}
	return o.writer.Unlock, nil
}

func (o *Orchestrator) handler(action string) (handlerEntry, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	h, ok := o.handlers[action]
	return h, ok
}

// ExecuteOrQueue applies the action now when online, or queues it for replay when offline.
// A connectivity failure while online also queues the action. When older actions are still
// queued they are replayed first; if any remain, the new action is queued behind them.
func (o *Orchestrator) ExecuteOrQueue(ctx context.Context, action string, payload any) (res Result, err error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.ExecuteOrQueue", trace.WithAttributes(attribute.String("fieldops.action", action)))
	defer func() {
		span.SetAttributes(attribute.Bool("fieldops.queued", res.Queued))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	entry, ok := o.handler(action)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("encode %s payload: %w", action, err)
	}

	if !o.conn.Online() {
		return o.enqueue(ctx, action, raw)
	}
	drained, err := o.drain(ctx)
	if err != nil {
		return Result{}, err
	}
	if !drained {
		o.log.Info("older actions still queued, queueing behind them", "action", action)
		return o.enqueue(ctx, action, raw)
	}

	err = o.invoke(ctx, entry.fn, raw)
	switch {
	case err == nil:
		if entry.refresh {
			o.refresh(ctx)
		}
		return Result{}, nil
	case isConnectivity(err):
		o.conn.MarkOffline(err)
		o.log.Warn("remote unreachable, queueing action", "action", action, "error", err)
		return o.enqueue(ctx, action, raw)
	default:
		return Result{}, err
	}
}

// drain replays the outbox ahead of a live action. It reports whether the outbox is empty afterwards.
func (o *Orchestrator) drain(ctx context.Context) (bool, error) {
	items, err := o.store.List(ctx)
	if err != nil {
		return false, fmt.Errorf("list outbox: %w", err)
	}
	if len(items) == 0 {
		return true, nil
	}
	report, err := o.replay(ctx)
	if report.Applied > 0 {
		o.refresh(ctx)
	}
	if err != nil {
		o.log.Warn("replay before live action halted", "applied", report.Applied, "remaining", report.Remaining, "error", err)
		return false, nil
	}
	return true, nil
}

func (o *Orchestrator) enqueue(ctx context.Context, action string, raw json.RawMessage) (Result, error) {
	item, err := o.store.Enqueue(ctx, action, raw)
	if err != nil {
		return Result{}, fmt.Errorf("queue %s: %w", action, err)
	}
	o.log.Info("action saved offline", "action", action, "queued_id", item.ID)
	return Result{Queued: true, QueuedID: item.ID}, nil
}

func (o *Orchestrator) invoke(ctx context.Context, h Handler, raw json.RawMessage) error {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return h(ctx, raw)
}

func (o *Orchestrator) refresh(ctx context.Context) {
	o.mu.RLock()
	fns := append([]RefreshFunc(nil), o.refreshes...)
	o.mu.RUnlock()
	for _, fn := range fns {
		if err := fn(ctx); err != nil {
			o.log.Warn("refresh after apply failed", "error", err)
		}
	}
}

func isConnectivity(err error) bool {
	return repository.IsUnavailable(err) || errors.Is(err, context.DeadlineExceeded)
}

// SyncReport summarizes one replay pass
type SyncReport struct {
	Applied   int
	Remaining int
	// Halted is the action replay stopped at, if any.
	Halted *models.QueuedAction
}

// ReplayError reports the queued action that stopped a replay pass.
type ReplayError struct {
	Action models.QueuedAction
	Err    error
}

func (e *ReplayError) Error() string {
	if e.Action.Status == models.QueuedDeadLetter {
		return fmt.Sprintf("sync halted at dead-lettered %s (#%d): %s", e.Action.Action, e.Action.ID, e.Action.LastError)
	}
	return fmt.Sprintf("sync halted at %s (#%d), will retry: %v", e.Action.Action, e.Action.ID, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }

// SyncOutbox replays queued actions in order, removing each on success and stopping at the
// first failure so no later action applies before an earlier one.
func (o *Orchestrator) SyncOutbox(ctx context.Context) (SyncReport, error) {
	release, err := o.Begin()
	if err != nil {
		return SyncReport{}, err
	}
	defer release()

	report, err := o.replay(ctx)
	if report.Applied > 0 {
		o.refresh(ctx)
	}
	if err != nil {
		o.log.Warn("sync halted", "applied", report.Applied, "remaining", report.Remaining, "error", err)
	} else if report.Applied > 0 {
		o.log.Info("sync complete", "applied", report.Applied)
	}
	return report, err
}

func (o *Orchestrator) replay(ctx context.Context) (SyncReport, error) {
	o.replayMu.Lock()
	defer o.replayMu.Unlock()

	var report SyncReport
	items, err := o.store.List(ctx)
	if err != nil {
		return report, fmt.Errorf("list outbox: %w", err)
	}

	for i, item := range items {
		halt := func(at models.QueuedAction, cause error) (SyncReport, error) {
			report.Remaining = len(items) - i
			report.Halted = &at
			return report, &ReplayError{Action: at, Err: cause}
		}

		if item.Status == models.QueuedDeadLetter {
			return halt(item, errors.New(item.LastError))
		}
		if err := ctx.Err(); err != nil {
			return halt(item, err)
		}

		err := o.replayOne(ctx, item)
		if err == nil {
			if err := o.store.Delete(ctx, item.ID); err != nil {
				return halt(item, fmt.Errorf("remove applied action: %w", err))
			}
			report.Applied++
			continue
		}

		if isConnectivity(err) {
			o.conn.MarkOffline(err)
			return halt(item, err)
		}
		updated, recErr := o.store.RecordFailure(ctx, item.ID, err.Error(), o.maxAttempts)
		if recErr != nil {
			return halt(item, fmt.Errorf("%v (recording failure: %v)", err, recErr))
		}
		if updated.Status == models.QueuedDeadLetter {
			o.log.Warn("queued action dead-lettered", "action", item.Action, "queued_id", item.ID, "attempts", updated.Attempts, "error", err)
		}
		return halt(updated, err)
	}
	return report, nil
}

func (o *Orchestrator) replayOne(ctx context.Context, item models.QueuedAction) (err error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.replay", trace.WithAttributes(
		attribute.String("fieldops.action", item.Action),
		attribute.Int64("fieldops.queued_id", item.ID),
		attribute.Int("fieldops.attempts", item.Attempts),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	entry, ok := o.handler(item.Action)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAction, item.Action)
	}
	return o.invoke(ctx, entry.fn, item.Payload)
}

// Pending lists queued actions, including dead letters.
func (o *Orchestrator) Pending(ctx context.Context) ([]models.QueuedAction, error) {
	return o.store.List(ctx)
}

// Retry clears a queued action's failure count so the next sync attempts it again.
func (o *Orchestrator) Retry(ctx context.Context, id int64) error {
	if err := o.store.Reset(ctx, id); err != nil {
		return err
	}
	o.log.Info("queued action reset for retry", "queued_id", id)
	return nil
}

// Discard removes a queued action without applying it.
func (o *Orchestrator) Discard(ctx context.Context, id int64) error {
	item, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := o.store.Delete(ctx, id); err != nil {
		return err
	}
	o.log.Warn("queued action discarded", "queued_id", id, "action", item.Action)
	return nil
}
