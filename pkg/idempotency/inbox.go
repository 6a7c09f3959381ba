// Package idempotency suppresses duplicate prescription proposals with the
// inbox pattern. Keys are deterministic: the same physician proposing the same
// drug for the same patient within the same minute resolves to one evaluation.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is the processing state of an inbox entry.
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
)

// ErrInProgress indicates another handler is evaluating the same proposal.
var ErrInProgress = errors.New("proposal evaluation in progress")

// Config holds inbox configuration.
type Config struct {
	// TTL is how long entries are retained.
	TTL time.Duration
	// CleanupInterval is how often expired entries are removed.
	CleanupInterval time.Duration
	// RecoveryTimeout is when a STARTED entry is considered stale.
	RecoveryTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TTL:             24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 2 * time.Minute,
	}
}

// Inbox deduplicates proposal evaluations against a Postgres table.
type Inbox struct {
	pool   *pgxpool.Pool
	config Config
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an inbox.
func New(pool *pgxpool.Pool, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("proposal-inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// GenerateKey derives a deterministic key from the proposal identity. The
// timestamp is truncated to the minute so retries and double-clicks within the
// same minute collapse to one key.
func GenerateKey(physicianID, patientID, drugName string, at time.Time) string {
	data := strings.Join([]string{
		physicianID,
		patientID,
		strings.ToLower(strings.TrimSpace(drugName)),
		at.Truncate(time.Minute).UTC().Format(time.RFC3339),
	}, "|")
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// HandlerFunc evaluates a proposal and returns its serialized decision.
type HandlerFunc func(ctx context.Context) (json.RawMessage, error)

// Result is the outcome of an idempotent execution.
type Result struct {
	// IsNew is false when a previously finished decision was replayed.
	IsNew    bool
	Decision json.RawMessage
}

// Execute runs fn at most once per key. A finished entry replays the stored
// decision; a fresh STARTED entry blocks concurrent duplicates until it
// finishes or goes stale.
func (i *Inbox) Execute(ctx context.Context, key string, fn HandlerFunc) (*Result, error) {
	ctx, span := i.tracer.Start(ctx, "proposal_inbox_execute",
		trace.WithAttributes(attribute.String("idempotency_key", key)))
	defer span.End()

	entry, err := i.getEntry(ctx, key)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check inbox: %w", err)
	}

	if entry != nil {
		switch entry.status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("replayed", true))
			return &Result{IsNew: false, Decision: entry.decision}, nil
		case StatusStarted:
			if time.Since(entry.updatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrInProgress
			}
			if err := i.markStatus(ctx, key, StatusRecoverable, nil); err != nil {
				return nil, fmt.Errorf("mark recoverable: %w", err)
			}
		case StatusRecoverable:
			span.SetAttributes(attribute.Bool("recovered", true))
		}
	}

	if err := i.claim(ctx, key); err != nil {
		return nil, err
	}

	decision, err := fn(ctx)
	if err != nil {
		if markErr := i.markStatus(ctx, key, StatusRecoverable, nil); markErr != nil {
			i.logger.Error("failed to mark inbox entry recoverable",
				zap.String("key", key), zap.Error(markErr))
		}
		span.RecordError(err)
		return nil, err
	}

	if err := i.markStatus(ctx, key, StatusFinished, decision); err != nil {
		// The evaluation succeeded; losing the replay record is not fatal.
		i.logger.Error("failed to mark inbox entry finished",
			zap.String("key", key), zap.Error(err))
	}

	return &Result{IsNew: entry == nil, Decision: decision}, nil
}

type inboxEntry struct {
	status    Status
	decision  json.RawMessage
	updatedAt time.Time
}

func (i *Inbox) getEntry(ctx context.Context, key string) (*inboxEntry, error) {
	query := `
		SELECT status, decision, updated_at
		FROM proposal_inbox
		WHERE idempotency_key = $1
	`
	e := &inboxEntry{}
	err := i.pool.QueryRow(ctx, query, key).Scan(&e.status, &e.decision, &e.updatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (i *Inbox) claim(ctx context.Context, key string) error {
	query := `
		INSERT INTO proposal_inbox (idempotency_key, status, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $2, updated_at = NOW()
		WHERE proposal_inbox.status = 'RECOVERABLE'
		RETURNING idempotency_key
	`
	var returned string
	err := i.pool.QueryRow(ctx, query, key, StatusStarted, time.Now().Add(i.config.TTL)).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict with a non-recoverable entry: another handler won the claim.
		return ErrInProgress
	}
	return err
}

func (i *Inbox) markStatus(ctx context.Context, key string, status Status, decision json.RawMessage) error {
	query := `
		UPDATE proposal_inbox
		SET status = $1, decision = $2, updated_at = NOW()
		WHERE idempotency_key = $3
	`
	_, err := i.pool.Exec(ctx, query, status, decision, key)
	return err
}

// StartCleanup starts the background eviction loop.
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("proposal inbox cleanup started",
		zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the cleanup loop.
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			if err := i.cleanup(i.ctx); err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
			}
		}
	}
}

func (i *Inbox) cleanup(ctx context.Context) error {
	result, err := i.pool.Exec(ctx, `DELETE FROM proposal_inbox WHERE expires_at < NOW()`)
	if err != nil {
		return err
	}
	if result.RowsAffected() > 0 {
		i.logger.Info("inbox cleanup completed", zap.Int64("deleted", result.RowsAffected()))
	}
	return nil
}
