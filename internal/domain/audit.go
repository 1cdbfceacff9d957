package domain

import "time"

// AuditKind classifies an audit log entry.
type AuditKind string

const (
	AuditApproved          AuditKind = "APPROVED"
	AuditRejected          AuditKind = "REJECTED"
	AuditExecuted          AuditKind = "EXECUTED"
	AuditExecutionFailed   AuditKind = "EXECUTION_FAILED"
	AuditReconciled        AuditKind = "RECONCILED"
	AuditReconcileSkipped  AuditKind = "RECONCILE_SKIPPED"
	AuditDriftHalt         AuditKind = "DRIFT_HALT"
	AuditHaltSet           AuditKind = "HALT_SET"
	AuditHaltReset         AuditKind = "HALT_RESET"
	AuditSystemError       AuditKind = "SYSTEM_ERROR"
	AuditFlattenIncomplete AuditKind = "EOD_FLATTEN_INCOMPLETE"
)

// AuditEvent is one append-only audit record. Code is machine readable,
// Reason is free text.
type AuditEvent struct {
	ID         string         `json:"id"`
	Time       time.Time      `json:"time"`
	Kind       AuditKind      `json:"kind"`
	Code       string         `json:"code"`
	Ticker     string         `json:"ticker,omitempty"`
	SignalID   string         `json:"signal_id,omitempty"`
	DecisionID string         `json:"decision_id,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}
