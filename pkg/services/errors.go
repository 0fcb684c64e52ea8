// Package services implements the template registry, instance engine, approval subsystem and metrics.
package services

import (
	"errors"
	"fmt"

	"github.com/dukex/contractflow/pkg/models"
	"github.com/dukex/contractflow/pkg/persistence"
)

// Not Found Errors (404 Not Found).
var (
	ErrTemplateNotFound = persistence.ErrTemplateNotFound
	ErrInstanceNotFound = persistence.ErrInstanceNotFound
	ErrApprovalNotFound = persistence.ErrApprovalNotFound
	ErrStepNotFound     = errors.New("step not found")
	ErrApproverNotFound = errors.New("approver not found")
)

// Validation Errors (400 Bad Request).
var (
	ErrValidation       = errors.New("validation failed")
	ErrInvalidTemplate  = models.ErrInvalidTemplate
	ErrInvalidSortField = persistence.ErrInvalidSortField
)

// State Conflicts (409 Conflict).
var (
	ErrStepNotActive     = errors.New("step is not active")
	ErrStepNotSkippable  = errors.New("step cannot be skipped")
	ErrInstanceTerminal  = errors.New("workflow instance is in a terminal state")
	ErrTemplateInUse     = errors.New("template is referenced by workflow instances")
	ErrTemplateExists    = errors.New("template already exists")
	ErrApprovalClosed    = errors.New("approval request is no longer pending")
	ErrAutomationTooDeep = errors.New("automation chain too deep")
	ErrNoActiveStep      = errors.New("workflow instance has no active step")
	ErrInstanceNotDraft  = errors.New("workflow instance is not in draft")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op       string // Operation name
	Code     string // Error code for API responses
	EntityID string // Id of the template, instance, step or approval involved
	Message  string // Human-readable message
	Err      error  // Underlying error
}

func (e *ServiceError) Error() string {
	target := ""
	if e.EntityID != "" {
		target = " [" + e.EntityID + "]"
	}

	if e.Message != "" {
		return fmt.Sprintf("%s%s: %s", e.Op, target, e.Message)
	}

	return fmt.Sprintf("%s%s: %v", e.Op, target, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsNotFoundError checks if an error should return HTTP 404.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrTemplateNotFound) ||
		errors.Is(err, ErrInstanceNotFound) ||
		errors.Is(err, ErrApprovalNotFound) ||
		errors.Is(err, ErrStepNotFound) ||
		errors.Is(err, ErrApproverNotFound)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidTemplate) ||
		errors.Is(err, ErrInvalidSortField)
}

// IsConflictError checks if an error is a state conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrStepNotActive) ||
		errors.Is(err, ErrStepNotSkippable) ||
		errors.Is(err, ErrInstanceTerminal) ||
		errors.Is(err, ErrTemplateInUse) ||
		errors.Is(err, ErrTemplateExists) ||
		errors.Is(err, ErrApprovalClosed) ||
		errors.Is(err, ErrNoActiveStep) ||
		errors.Is(err, ErrInstanceNotDraft) ||
		errors.Is(err, ErrAutomationTooDeep)
}

// ErrorCode returns the API error code carried by err, or "internal_error".
func ErrorCode(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) && serviceErr.Code != "" {
		return serviceErr.Code
	}

	return "internal_error"
}

// EntityID returns the entity id carried by err, if any.
func EntityID(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.EntityID
	}

	return ""
}

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrTemplateNotFound, "template_not_found"},
	{ErrInstanceNotFound, "instance_not_found"},
	{ErrApprovalNotFound, "approval_not_found"},
	{ErrStepNotFound, "step_not_found"},
	{ErrApproverNotFound, "approver_not_found"},
	{ErrInvalidTemplate, "invalid_template"},
	{ErrInvalidSortField, "invalid_sort_field"},
	{ErrStepNotActive, "step_not_active"},
	{ErrStepNotSkippable, "step_not_skippable"},
	{ErrInstanceTerminal, "instance_terminal"},
	{ErrTemplateInUse, "template_in_use"},
	{ErrTemplateExists, "template_exists"},
	{ErrApprovalClosed, "approval_closed"},
	{ErrAutomationTooDeep, "automation_too_deep"},
	{ErrNoActiveStep, "no_active_step"},
	{ErrInstanceNotDraft, "instance_not_draft"},
	{ErrValidation, "validation_error"},
}

// newError wraps err with op and entity context. The code is derived from the sentinel.
func newError(op, entityID string, err error, format string, args ...any) *ServiceError {
	code := "internal_error"

	for _, candidate := range errorCodes {
		if errors.Is(err, candidate.err) {
			code = candidate.code

			break
		}
	}

	message := ""
	if format != "" {
		message = fmt.Sprintf(format, args...)
	}

	return &ServiceError{
		Op:       op,
		Code:     code,
		EntityID: entityID,
		Message:  message,
		Err:      err,
	}
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
