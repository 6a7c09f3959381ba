// Package access implements tenant- and physician-scoped patient access
// control: durable assignments plus time-bounded approved access requests.
package access

import "time"

// AssignmentType classifies a physician-to-patient binding.
type AssignmentType string

const (
	AssignmentPrimaryCare AssignmentType = "primary_care"
	AssignmentConsulting  AssignmentType = "consulting"
	AssignmentTemporary   AssignmentType = "temporary"
)

// Assignment is a durable binding of one physician to one patient within one
// tenant. Assignments are soft-deleted only; history is retained for audit.
type Assignment struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	PatientID   string         `json:"patient_id"`
	PhysicianID string         `json:"physician_id"`
	Type        AssignmentType `json:"assignment_type"`
	AssignedBy  string         `json:"assigned_by"`
	AssignedAt  time.Time      `json:"assigned_at"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
	Active      bool           `json:"is_active"`
	Notes       string         `json:"notes,omitempty"`
}

// RequestStatus is the review state of an access request. Transitions are
// one-way: pending -> approved or pending -> denied, never back.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestDenied   RequestStatus = "denied"
)

// AccessRequest is a time-bounded exception to normal assignment, raised by
// a physician who is not assigned to the patient.
type AccessRequest struct {
	ID                    string        `json:"id"`
	TenantID              string        `json:"tenant_id"`
	PatientID             string        `json:"patient_id"`
	RequestingPhysicianID string        `json:"requesting_physician_id"`
	TargetPhysicianID     string        `json:"target_physician_id,omitempty"`
	RequestType           string        `json:"request_type,omitempty"`
	Reason                string        `json:"reason"`
	Urgency               string        `json:"urgency,omitempty"`
	Status                RequestStatus `json:"status"`
	RequestedAt           time.Time     `json:"requested_at"`
	ReviewedBy            string        `json:"reviewed_by,omitempty"`
	ReviewedAt            *time.Time    `json:"reviewed_at,omitempty"`
	ReviewNotes           string        `json:"review_notes,omitempty"`
	AccessGrantedUntil    *time.Time    `json:"access_granted_until,omitempty"`
}

// GrantsAccessAt reports whether the request grants access at the given
// instant. The temporal predicate is evaluated live on every call: an
// approved request with an expired grant window grants nothing, even though
// its status remains approved.
func (r *AccessRequest) GrantsAccessAt(now time.Time) bool {
	if r == nil || r.Status != RequestApproved {
		return false
	}
	return r.AccessGrantedUntil == nil || r.AccessGrantedUntil.After(now)
}
