package logger

// Standard field names for consistent structured logging across fleet.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldJobID      = "job_id"
	FieldKind       = "kind"
	FieldResourceID = "resource_id"
	FieldTarget     = "target"
	FieldChannel    = "channel"
	FieldClaimant   = "claimant"
	FieldWorkerID   = "worker_id"
	FieldSymbol     = "symbol"

	// Operations
	FieldOperation = "operation"
	FieldMethod    = "method"
	FieldPath      = "path"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldDelay      = "delay"

	// Outcomes
	FieldError    = "error"
	FieldOutcome  = "outcome"
	FieldAttempt  = "attempt"
	FieldStatus   = "status"
	FieldReason   = "reason"
	FieldCount    = "count"
	FieldPosition = "position"
)
