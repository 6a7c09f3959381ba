// Package circuitbreaker wraps sony/gobreaker for calls to the clinical
// collaborators (record gateway, rule catalog). A tripped breaker surfaces
// as a collaborator failure, which the callers already degrade on: fail-open
// for advisory checks, fail-closed for access data.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// ErrOpen reports that the breaker rejected the call without attempting it.
var ErrOpen = errors.New("circuit breaker open")

// Config holds circuit breaker configuration.
type Config struct {
	// Name identifies the breaker in logs and metrics.
	Name string
	// MaxRequests is how many probes are allowed in half-open state.
	MaxRequests uint32
	// Interval is the cyclic period for clearing counts while closed.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// FailureRatio opens the breaker once this share of requests fail.
	FailureRatio float64
	// MinRequests is the minimum sample before the ratio applies.
	MinRequests uint32
}

// DefaultConfig returns defaults tuned for patient-record and rule-catalog
// lookups, where a fast rejection beats a slow timeout.
func DefaultConfig(name string) Config {
	return Config{
		Name:         name,
		MaxRequests:  2,
		Interval:     30 * time.Second,
		Timeout:      15 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  5,
	}
}

// Breaker guards one collaborator.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger

	requests metric.Int64Counter
	rejected metric.Int64Counter
	failures metric.Int64Counter
}

// New creates a breaker.
func New(cfg Config, logger *zap.Logger) (*Breaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Breaker{name: cfg.Name, logger: logger}

	meter := otel.Meter("circuit-breaker")
	var err error
	if b.requests, err = meter.Int64Counter("collaborator_requests_total",
		metric.WithDescription("Requests attempted through the breaker")); err != nil {
		return nil, fmt.Errorf("create request counter: %w", err)
	}
	if b.rejected, err = meter.Int64Counter("collaborator_rejected_total",
		metric.WithDescription("Requests rejected by an open breaker")); err != nil {
		return nil, fmt.Errorf("create rejected counter: %w", err)
	}
	if b.failures, err = meter.Int64Counter("collaborator_failures_total",
		metric.WithDescription("Requests that reached the collaborator and failed")); err != nil {
		return nil, fmt.Errorf("create failure counter: %w", err)
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return b, nil
}

// Execute runs fn through the breaker.
func (b *Breaker) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	attrs := metric.WithAttributes(attribute.String("name", b.name))
	b.requests.Add(ctx, 1, attrs)

	result, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			b.rejected.Add(ctx, 1, attrs)
			return nil, fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
		b.failures.Add(ctx, 1, attrs)
		return nil, err
	}
	return result, nil
}

// Manager hands out one breaker per collaborator name.
type Manager struct {
	breakers map[string]*Breaker
	mu       sync.Mutex
	logger   *zap.Logger
}

// NewManager creates a breaker manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{breakers: make(map[string]*Breaker), logger: logger}
}

// GetOrCreate returns the named breaker, creating it on first use.
func (m *Manager) GetOrCreate(name string) (*Breaker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[name]; ok {
		return b, nil
	}
	b, err := New(DefaultConfig(name), m.logger)
	if err != nil {
		return nil, err
	}
	m.breakers[name] = b
	return b, nil
}
