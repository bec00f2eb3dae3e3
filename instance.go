package durable

import (
	"strings"
	"time"
)

// InstanceStatus is the client-visible lifecycle of an orchestration instance.
type InstanceStatus string

const (
	StatusPending    InstanceStatus = "pending"
	StatusRunning    InstanceStatus = "running"
	StatusSuspended  InstanceStatus = "suspended"
	StatusCompleted  InstanceStatus = "completed"
	StatusFailed     InstanceStatus = "failed"
	StatusTerminated InstanceStatus = "terminated"
)

// IsTerminal reports whether the status admits no further transitions.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return true
	default:
		return false
	}
}

// Instance is the metadata row for one orchestration instance. The event log
// is the source of truth for replay; this row exists so status queries do not
// have to fold the log.
type Instance struct {
	InstanceID   string         `json:"instance_id"`
	Orchestrator string         `json:"orchestrator"`
	Status       InstanceStatus `json:"status"`
	Input        []byte         `json:"input,omitempty"`
	Output       []byte         `json:"output,omitempty"`
	Failure      *Failure       `json:"failure,omitempty"`
	CustomStatus string         `json:"custom_status,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// CloneInstance deep-copies an instance row.
func CloneInstance(in *Instance) *Instance {
	if in == nil {
		return nil
	}
	cp := *in
	cp.Input = append([]byte(nil), in.Input...)
	cp.Output = append([]byte(nil), in.Output...)
	if in.Failure != nil {
		f := *in.Failure
		cp.Failure = &f
	}
	if in.CompletedAt != nil {
		ts := *in.CompletedAt
		cp.CompletedAt = &ts
	}
	return &cp
}

// NormalizeInstanceID trims caller-supplied instance identifiers.
func NormalizeInstanceID(id string) string {
	return strings.TrimSpace(id)
}
