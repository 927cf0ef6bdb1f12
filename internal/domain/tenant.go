package domain

import (
	"encoding/json"
	"time"
)

// ConnStatus is the connection lifecycle state of a tenant.
type ConnStatus string

const (
	ConnUninitialized ConnStatus = "UNINITIALIZED"
	ConnNeedQR        ConnStatus = "NEED_QR"
	ConnConnecting    ConnStatus = "CONNECTING"
	ConnOnline        ConnStatus = "ONLINE"
	ConnOffline       ConnStatus = "OFFLINE"
)

func (s ConnStatus) Valid() bool {
	switch s {
	case ConnUninitialized, ConnNeedQR, ConnConnecting, ConnOnline, ConnOffline:
		return true
	}
	return false
}

// Tenant is one managed external account.
//
// Auth is opaque to the core; only the connector driver named by Driver
// interprets it.
type Tenant struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Driver     string          `json:"driver"`
	IsActive   bool            `json:"is_active"`
	Status     ConnStatus      `json:"status"`
	LastOnline time.Time       `json:"last_online,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
	Auth       json.RawMessage `json:"-"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// TenantConfig is what an operator supplies to register a tenant.
type TenantConfig struct {
	Name   string          `json:"name"`
	Driver string          `json:"driver"`
	Auth   json.RawMessage `json:"auth,omitempty"`
}

// TenantUpdate carries the connection fields the supervisor persists on
// every lifecycle event. A zero LastOnline leaves the stored value as-is.
type TenantUpdate struct {
	Status     ConnStatus
	LastOnline time.Time
	LastError  string
}

// AuditEntry records an operator action scoped to a tenant.
type AuditEntry struct {
	At       time.Time `json:"at"`
	TenantID string    `json:"tenant_id"`
	JobID    string    `json:"job_id,omitempty"`
	Action   string    `json:"action"`
	Detail   string    `json:"detail,omitempty"`
}
