package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrTemplateNotFound indicates a template was not found by the given identifier.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrInstanceNotFound indicates a workflow instance was not found by the given identifier.
	ErrInstanceNotFound = errors.New("workflow instance not found")

	// ErrApprovalNotFound indicates an approval request was not found by the given identifier.
	ErrApprovalNotFound = errors.New("approval request not found")

	// ErrInvalidSortField indicates a list was requested with a sort field outside the allowlist.
	ErrInvalidSortField = errors.New("invalid sort field")
)

// EntityError wraps repository errors with the operation and entity involved.
type EntityError struct {
	Op       string // Operation being performed (e.g., "GetByID", "Save", "Delete")
	Entity   string // "template", "instance" or "approval"
	EntityID string
	Err      error
	Message  string
}

func (e *EntityError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s operation failed for %s %s: %s (%v)", e.Op, e.Entity, e.EntityID, e.Message, e.Err)
	}

	return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Entity, e.EntityID, e.Err)
}

func (e *EntityError) Unwrap() error {
	return e.Err
}

func (e *EntityError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewEntityError creates a new entity error with context.
func NewEntityError(op, entity, entityID string, err error) *EntityError {
	return &EntityError{
		Op:       op,
		Entity:   entity,
		EntityID: entityID,
		Err:      err,
	}
}

// IsNotFound checks if an error indicates any entity was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTemplateNotFound) ||
		errors.Is(err, ErrInstanceNotFound) ||
		errors.Is(err, ErrApprovalNotFound)
}
