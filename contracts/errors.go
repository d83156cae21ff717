package contracts

import (
	"errors"
	"fmt"
)

// ErrValidationFailure is matched by every ValidationError
var ErrValidationFailure = errors.New("contracts: validation failed")

// Validation errors returned for malformed message contexts
var (
	ErrEmptyAppKey      = &ValidationError{Field: "appKey", Reason: "can not be empty"}
	ErrMissingQueueNode = &ValidationError{Field: "queueNode", Reason: "can not be nil"}
	ErrNotQueueNode     = &ValidationError{Field: "queueNode.kind", Reason: "must be a queue type"}
	ErrEmptyNodeName    = &ValidationError{Field: "queueNode.name", Reason: "can not be empty"}
	ErrEmptyBrokerName  = &ValidationError{Field: "queueNode.value", Reason: "can not be empty"}
	ErrEmptyRoutingKey  = &ValidationError{Field: "queueNode.routingKey", Reason: "can not be empty"}
)

// ValidationError reports a context or node field that failed validation
type ValidationError struct {
	Field  string // Offending field
	Reason string // Human readable reason
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: the field %s is illegal, it %s", e.Field, e.Reason)
}

// Is lets errors.Is match ErrValidationFailure as well as the error itself
func (e *ValidationError) Is(target error) bool {
	if target == ErrValidationFailure {
		return true
	}
	t, ok := target.(*ValidationError)
	return ok && t.Field == e.Field && t.Reason == e.Reason
}

// IsValidation reports whether err is a validation failure
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidationFailure)
}
