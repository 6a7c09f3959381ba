// Package audit defines the append-only audit contract. Every access
// decision, triggered clinical alert and cross-tenant read produces an entry;
// entries are never updated or deleted.
package audit

import (
	"context"
	"encoding/json"
	"time"
)

// Kind classifies an audit entry.
type Kind string

const (
	KindAccessGranted   Kind = "access_granted"
	KindAccessDenied    Kind = "access_denied"
	KindClinicalAlert   Kind = "clinical_alert"
	KindCrossTenantRead Kind = "cross_tenant_read"
)

// Entry is one immutable audit record. TenantID is the tenant under whose
// context the check ran, even when the underlying patient is shared across
// tenants.
type Entry struct {
	TenantID  string          `json:"tenant_id"`
	PatientID string          `json:"patient_id"`
	ActorID   string          `json:"actor_id"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Sink persists audit entries. Append must be synchronous: when it returns
// nil the entry is durable.
type Sink interface {
	Append(ctx context.Context, entry Entry) error
}
