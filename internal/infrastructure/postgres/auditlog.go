package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medgrid/safecore/internal/domain/audit"
)

// AuditLog implements audit.Sink over an append-only table that doubles as a
// transactional outbox: rows are written synchronously by the coordinator
// and later streamed to Kafka by the relay. Rows are never deleted, only
// marked published.
type AuditLog struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewAuditLog creates an audit log backed by Postgres.
func NewAuditLog(pool *pgxpool.Pool, logger *zap.Logger) *AuditLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditLog{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("audit-log"),
	}
}

// Append writes one audit entry. The write is synchronous: when Append
// returns nil the entry is durable.
func (l *AuditLog) Append(ctx context.Context, entry audit.Entry) error {
	ctx, span := l.tracer.Start(ctx, "audit_append",
		trace.WithAttributes(attribute.String("kind", string(entry.Kind))))
	defer span.End()

	query := `
		INSERT INTO audit_log (tenant_id, patient_id, actor_id, kind, payload, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := l.pool.Exec(ctx, query,
		entry.TenantID, entry.PatientID, entry.ActorID,
		entry.Kind, entry.Payload, entry.Timestamp,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Publisher publishes audit records to the downstream stream.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// RelayConfig holds configuration for the audit relay.
type RelayConfig struct {
	// Topic is the stream topic audit entries are published to.
	Topic string
	// BatchSize is the number of rows claimed per poll.
	BatchSize int
	// PollInterval is how often to poll for unpublished rows.
	PollInterval time.Duration
	// MaxRetries is the publish retry budget before a row is parked.
	MaxRetries int
}

// DefaultRelayConfig returns sensible relay defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Topic:        "audit.stream",
		BatchSize:    200,
		PollInterval: 250 * time.Millisecond,
		MaxRetries:   5,
	}
}

// Relay streams unpublished audit rows to Kafka. Publication is strictly
// after durability: the synchronous Append already happened before any row
// becomes visible here, so a relay outage delays the stream but never the
// audit guarantee.
type Relay struct {
	pool      *pgxpool.Pool
	publisher Publisher
	config    RelayConfig
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay creates an audit relay.
func NewRelay(pool *pgxpool.Pool, publisher Publisher, cfg RelayConfig, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultRelayConfig().Topic
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultRelayConfig().BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultRelayConfig().PollInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultRelayConfig().MaxRetries
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		pool:      pool,
		publisher: publisher,
		config:    cfg,
		logger:    logger,
		tracer:    otel.Tracer("audit-relay"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start begins polling for unpublished audit rows.
func (r *Relay) Start() {
	go r.pollLoop()
	r.logger.Info("audit relay started",
		zap.String("topic", r.config.Topic),
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval))
}

// Stop gracefully stops the relay.
func (r *Relay) Stop() {
	r.cancel()
	<-r.done
	r.logger.Info("audit relay stopped")
}

func (r *Relay) pollLoop() {
	defer close(r.done)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.publishBatch()
		}
	}
}

// relayLockID serializes relay instances via a Postgres advisory lock.
const relayLockID = int64(770421)

type auditRow struct {
	id       int64
	tenantID string
	kind     string
	payload  []byte
}

func (r *Relay) publishBatch() {
	ctx, span := r.tracer.Start(r.ctx, "audit_relay_batch")
	defer span.End()

	var acquired bool
	err := r.pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", relayLockID).Scan(&acquired)
	if err != nil || !acquired {
		return // another relay instance holds the lock
	}
	defer r.pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", relayLockID)

	rows, err := r.claimUnpublished(ctx)
	if err != nil {
		span.RecordError(err)
		r.logger.Error("failed to claim audit rows", zap.Error(err))
		return
	}
	if len(rows) == 0 {
		return
	}
	span.SetAttributes(attribute.Int("batch_size", len(rows)))

	for _, row := range rows {
		if err := r.publishRow(ctx, row); err != nil {
			r.logger.Error("failed to publish audit row",
				zap.Int64("id", row.id),
				zap.String("kind", row.kind),
				zap.Error(err))
		}
	}
}

func (r *Relay) claimUnpublished(ctx context.Context) ([]auditRow, error) {
	query := `
		SELECT id, tenant_id, kind, payload
		FROM audit_log
		WHERE published_at IS NULL
		  AND retry_count < $1
		ORDER BY recorded_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`
	rows, err := r.pool.Query(ctx, query, r.config.MaxRetries, r.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query audit rows: %w", err)
	}
	defer rows.Close()

	var claimed []auditRow
	for rows.Next() {
		var row auditRow
		if err := rows.Scan(&row.id, &row.tenantID, &row.kind, &row.payload); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		claimed = append(claimed, row)
	}
	return claimed, rows.Err()
}

func (r *Relay) publishRow(ctx context.Context, row auditRow) error {
	// Key by tenant so each tenant's audit stream stays ordered.
	if err := r.publisher.Publish(ctx, r.config.Topic, row.tenantID, row.payload); err != nil {
		updateQuery := `
			UPDATE audit_log
			SET retry_count = retry_count + 1, last_error = $1
			WHERE id = $2
		`
		if _, updateErr := r.pool.Exec(ctx, updateQuery, err.Error(), row.id); updateErr != nil {
			r.logger.Error("failed to record publish error", zap.Error(updateErr))
		}
		return fmt.Errorf("publish: %w", err)
	}

	if _, err := r.pool.Exec(ctx, "UPDATE audit_log SET published_at = NOW() WHERE id = $1", row.id); err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

// Stats summarizes the relay backlog.
type Stats struct {
	Unpublished int64
	Parked      int64
	OldestAge   *time.Time
}

// GetStats returns the current backlog statistics.
func (r *Relay) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := r.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM audit_log WHERE published_at IS NULL AND retry_count < $1",
		r.config.MaxRetries).Scan(&stats.Unpublished)
	if err != nil {
		return nil, err
	}

	err = r.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM audit_log WHERE published_at IS NULL AND retry_count >= $1",
		r.config.MaxRetries).Scan(&stats.Parked)
	if err != nil {
		return nil, err
	}

	r.pool.QueryRow(ctx, "SELECT MIN(recorded_at) FROM audit_log WHERE published_at IS NULL").Scan(&stats.OldestAge)
	return stats, nil
}
