package domain

import "time"

// ErrorType is the closed taxonomy of failure kinds.
type ErrorType string

const (
	ErrorTypeValidation            ErrorType = "validation"
	ErrorTypeSchemaMismatch        ErrorType = "schema_mismatch"
	ErrorTypeRequiredFieldMissing  ErrorType = "required_field_missing"
	ErrorTypeTypeMismatch          ErrorType = "type_mismatch"
	ErrorTypeFormat                ErrorType = "format"
	ErrorTypeTransformation        ErrorType = "transformation"
	ErrorTypeFunctionNotFound      ErrorType = "function_not_found"
	ErrorTypeTransformationTimeout ErrorType = "transformation_timeout"
	ErrorTypeInvalidExpression     ErrorType = "invalid_expression"
	ErrorTypeDataQuality           ErrorType = "data_quality"
	ErrorTypeDataIntegrity         ErrorType = "data_integrity"
	ErrorTypeDuplicateKey          ErrorType = "duplicate_key"
	ErrorTypeSystem                ErrorType = "system"
	ErrorTypeMemory                ErrorType = "memory"
	ErrorTypeNetwork               ErrorType = "network"
	ErrorTypeTimeout               ErrorType = "timeout"
	ErrorTypeBusinessRule          ErrorType = "business_rule"
	ErrorTypeConstraintViolation   ErrorType = "constraint_violation"
	ErrorTypeUnknown               ErrorType = "unknown"
)

// Severity ranks how bad a classified failure is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityWarning  Severity = "warning"
)

// RecoveryStrategy names what to do about a classified failure.
type RecoveryStrategy string

const (
	StrategyRetry              RecoveryStrategy = "retry"
	StrategyRetryWithBackoff   RecoveryStrategy = "retry_with_backoff"
	StrategySkip               RecoveryStrategy = "skip"
	StrategySkipAndLog         RecoveryStrategy = "skip_and_log"
	StrategyFallback           RecoveryStrategy = "fallback"
	StrategyRollback           RecoveryStrategy = "rollback"
	StrategyCircuitBreak       RecoveryStrategy = "circuit_break"
	StrategyManualIntervention RecoveryStrategy = "manual_intervention"
	StrategyNone               RecoveryStrategy = "none"
)

// ErrorDetail captures the raw error inside a classification.
type ErrorDetail struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Name    string `json:"name,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// ClassificationMetadata enriches a classification with routing hints.
type ClassificationMetadata struct {
	IsRetryable                bool `json:"is_retryable"`
	IsRecoverable              bool `json:"is_recoverable"`
	RequiresManualIntervention bool `json:"requires_manual_intervention"`
	AffectsDataIntegrity       bool `json:"affects_data_integrity"`
}

// Classification is the result of mapping a raw failure to the taxonomy.
type Classification struct {
	Type             ErrorType              `json:"type"`
	Severity         Severity               `json:"severity"`
	RecoveryStrategy RecoveryStrategy       `json:"recovery_strategy"`
	Error            ErrorDetail            `json:"error"`
	Context          map[string]any         `json:"context,omitempty"`
	Metadata         ClassificationMetadata `json:"metadata"`
	ClassifiedAt     time.Time              `json:"classified_at"`
}
