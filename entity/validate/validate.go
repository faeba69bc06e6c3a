// Package validate declares the pluggable entity-validation contract and the
// structured validation error shared by the orchestrator and the uniqueness
// enforcer.
package validate

import (
	"context"
	"fmt"
	"strings"
)

// Issue is one structured validation failure.
type Issue struct {
	Attribute string `json:"attribute,omitempty"`
	Rule      string `json:"rule,omitempty"`
	Message   string `json:"message"`
}

// ValidationError carries the full list of failures for one call. It is
// always raised as a structured error, never a bare string.
type ValidationError struct {
	EntityName string
	Issues     []Issue
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		msgs[i] = issue.Message
	}
	return fmt.Sprintf("validation of %q failed: %s", e.EntityName, strings.Join(msgs, "; "))
}

// Input is the validator call contract.
type Input struct {
	OperationName string
	EntityName    string
	// Validations holds the schema-declared validation rules; their shape is
	// owned by the validator implementation.
	Validations        any
	OverriddenMessages map[string]string
	Input              map[string]any
	Actor              string
}

// Result reports the outcome of a validation call.
type Result struct {
	Pass   bool
	Issues []Issue
}

// Validator is the pluggable validation strategy.
type Validator interface {
	ValidateEntity(ctx context.Context, in Input) (Result, error)
}
