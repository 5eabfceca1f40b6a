// Package errors defines the categorized error taxonomy for the archive service.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/summary-archive/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryValidation represents a bad generation plan or request input;
	// rejected synchronously, no job is created
	CategoryValidation ErrorCategory = "validation"
	// CategoryCollaborator represents a per-period generation failure;
	// recorded against the period, never aborts the owning job
	CategoryCollaborator ErrorCategory = "collaborator"
	// CategoryBudget represents the cost ceiling being reached; an expected
	// stopping condition, not a fault
	CategoryBudget ErrorCategory = "budget"
	// CategoryEngineFatal represents an unrecoverable engine error (storage
	// unreachable, lock failure); the job stops in the failed state
	CategoryEngineFatal ErrorCategory = "engine_fatal"
	// CategoryNotFound represents a missing job, source, or sync config
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents an invalid state transition request
	CategoryConflict ErrorCategory = "conflict"
	// CategorySync represents an external-storage sync failure; always
	// non-fatal to the owning job
	CategorySync ErrorCategory = "sync"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to the wire-level ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// IsCategory reports whether err is a CategorizedError of the given category
func IsCategory(err error, category ErrorCategory) bool {
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Category == category
	}
	return false
}

// NewValidationError creates a plan/request validation error
func NewValidationError(field, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PLAN",
		Message:    fmt.Sprintf("invalid %s: %s", field, reason),
		Details: map[string]interface{}{
			"field":  field,
			"reason": reason,
		},
	}
}

// NewUnknownSourceError creates a validation error for an unresolvable source
func NewUnknownSourceError(sourceKey string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "UNKNOWN_SOURCE",
		Message:    fmt.Sprintf("source not recognized: %s", sourceKey),
		Details: map[string]interface{}{
			"sourceKey": sourceKey,
		},
	}
}

// NewCollaboratorError wraps a per-period generation failure
func NewCollaboratorError(periodKey string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryCollaborator,
		StatusCode: http.StatusBadGateway,
		Code:       "GENERATION_FAILED",
		Message:    fmt.Sprintf("summary generation failed for period %s", periodKey),
		Details: map[string]interface{}{
			"period": periodKey,
		},
		Cause: cause,
	}
}

// NewBudgetExceededError marks the cost ceiling as reached.
// Callers treat this as a stop signal, not a fault.
func NewBudgetExceededError(spent, ceiling float64) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryBudget,
		StatusCode: http.StatusOK,
		Code:       "BUDGET_EXCEEDED",
		Message:    fmt.Sprintf("cost ceiling reached: spent %.4f USD of %.4f USD", spent, ceiling),
		Details: map[string]interface{}{
			"spentUsd":   spent,
			"ceilingUsd": ceiling,
		},
	}
}

// NewEngineFatalError wraps an unrecoverable engine failure
func NewEngineFatalError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryEngineFatal,
		StatusCode: http.StatusInternalServerError,
		Code:       "ENGINE_FATAL",
		Message:    fmt.Sprintf("engine cannot continue: %s failed", operation),
		Details: map[string]interface{}{
			"operation": operation,
		},
		Cause: cause,
	}
}

// NewJobNotFoundError creates a not-found error for a job ID
func NewJobNotFoundError(jobID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "JOB_NOT_FOUND",
		Message:    fmt.Sprintf("job not found: %s", jobID),
		Details: map[string]interface{}{
			"jobId": jobID,
		},
	}
}

// NewInvalidTransitionError creates a conflict error for a disallowed
// job state transition.
func NewInvalidTransitionError(jobID string, from types.JobStatus, action string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       "INVALID_TRANSITION",
		Message:    fmt.Sprintf("cannot %s job %s in status %s", action, jobID, from),
		Details: map[string]interface{}{
			"jobId":  jobID,
			"status": string(from),
			"action": action,
		},
	}
}

// NewSyncError wraps an external-storage failure. Never fatal to a job.
func NewSyncError(sourceKey string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySync,
		StatusCode: http.StatusBadGateway,
		Code:       "SYNC_FAILED",
		Message:    fmt.Sprintf("external sync failed for source %s", sourceKey),
		Details: map[string]interface{}{
			"sourceKey": sourceKey,
		},
		Cause: cause,
	}
}
