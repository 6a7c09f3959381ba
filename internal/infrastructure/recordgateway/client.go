// Package recordgateway is the HTTP client for the external patient-record
// service. Every call is bounded by a timeout and guarded by a circuit
// breaker; a timeout or tripped breaker is reported as an ordinary error so
// the callers apply their own policy (fail-open advisory checks, fail-closed
// access data).
package recordgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/medgrid/safecore/internal/domain/clinical"
	"github.com/medgrid/safecore/pkg/circuitbreaker"
)

// Config holds client configuration.
type Config struct {
	// BaseURL is the record service address, e.g. http://records:8080.
	BaseURL string
	// RequestTimeout bounds each HTTP call.
	RequestTimeout time.Duration
}

// DefaultConfig returns defaults for in-cluster deployment.
func DefaultConfig(baseURL string) Config {
	return Config{BaseURL: baseURL, RequestTimeout: 3 * time.Second}
}

// Client implements clinical.RecordGateway over HTTP.
type Client struct {
	config  Config
	http    *http.Client
	breaker *circuitbreaker.Breaker
	logger  *zap.Logger
}

// New creates a record gateway client. A nil breaker gets a default one,
// but callers running several outbound clients should hand out breakers
// from a shared circuitbreaker.Manager so each collaborator trips
// independently under one registry.
func New(cfg Config, breaker *circuitbreaker.Breaker, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Second
	}

	if breaker == nil {
		var err error
		breaker, err = circuitbreaker.New(circuitbreaker.DefaultConfig("record-gateway"), logger)
		if err != nil {
			return nil, fmt.Errorf("create breaker: %w", err)
		}
	}

	return &Client{
		config:  cfg,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		breaker: breaker,
		logger:  logger,
	}, nil
}

// ActivePrescriptions fetches the patient's prescription list.
func (c *Client) ActivePrescriptions(ctx context.Context, patientID, tenantID string) ([]clinical.Prescription, error) {
	var prescriptions []clinical.Prescription
	err := c.get(ctx, fmt.Sprintf("/v1/patients/%s/prescriptions", url.PathEscape(patientID)), tenantID, &prescriptions)
	if err != nil {
		return nil, err
	}
	return prescriptions, nil
}

// Allergies fetches the patient's allergy list.
func (c *Client) Allergies(ctx context.Context, patientID, tenantID string) ([]clinical.Allergy, error) {
	var allergies []clinical.Allergy
	err := c.get(ctx, fmt.Sprintf("/v1/patients/%s/allergies", url.PathEscape(patientID)), tenantID, &allergies)
	if err != nil {
		return nil, err
	}
	return allergies, nil
}

func (c *Client) get(ctx context.Context, path, tenantID string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	_, err := c.breaker.Execute(ctx, func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+path, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("X-Tenant-ID", tenantID)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("record gateway call: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("record gateway returned %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return nil, nil
	})
	return err
}
