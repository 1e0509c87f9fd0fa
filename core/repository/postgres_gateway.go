package repository

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"fieldops/core/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PostgresGateway implements Gateway on top of the hosted Postgres store.
// Every query is scoped to orgID.
type PostgresGateway struct {
	db      *DB
	orgID   string
	objects ObjectStore
	log     *logger.Logger
	tracer  trace.Tracer
	now     func() time.Time

	// rpcMissing latches once set_job_status is found absent; later calls go straight to the fallback.
	rpcMissing atomic.Bool
}

// NewPostgresGateway creates a gateway bound to one organization
func NewPostgresGateway(db *DB, orgID string, objects ObjectStore, log *logger.Logger) *PostgresGateway {
	if log == nil {
		log = logger.Nop()
	}
	return &PostgresGateway{
		db:      db,
		orgID:   orgID,
		objects: objects,
		log:     log.With("component", "postgres_gateway"),
		tracer:  otel.Tracer("fieldops/repository"),
		now:     time.Now,
	}
}

// RPCAvailable reports whether the set_job_status procedure is still assumed present.
func (g *PostgresGateway) RPCAvailable() bool {
	return !g.rpcMissing.Load()
}

func (g *PostgresGateway) Ping(ctx context.Context) (err error) {
	ctx, end := g.span(ctx, "Ping")
	defer func() { end(err) }()
	return Normalize("Ping", g.db.PingContext(ctx))
}

// span starts a client span for op; the returned func records err and ends it.
func (g *PostgresGateway) span(ctx context.Context, op string) (context.Context, func(error)) {
	ctx, span := g.tracer.Start(ctx, "gateway."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("fieldops.org_id", g.orgID),
		))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(attribute.String("fieldops.error_kind", string(KindOf(err))))
		}
		span.End()
	}
}

// inTx runs fn in a transaction and normalizes whatever it returns.
func (g *PostgresGateway) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return Normalize(op, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return Normalize(op, err)
	}
	return Normalize(op, tx.Commit())
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
