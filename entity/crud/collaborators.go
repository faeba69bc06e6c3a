package crud

import (
	"context"
	"errors"
	"time"

	"github.com/acksell/entitystore/entity/event"
	"github.com/acksell/entitystore/entity/repo"
	"github.com/acksell/entitystore/entity/schema"
	"github.com/acksell/entitystore/entity/validate"
)

var (
	// ErrMissingPayload is returned when a write operation is called with no
	// data object.
	ErrMissingPayload = errors.New("missing entity payload")
	// ErrUnauthorized is returned when the authorizer rejects a call.
	ErrUnauthorized = errors.New("not authorized")
)

// CrudType names one orchestrated operation kind.
type CrudType string

const (
	CrudGet    CrudType = "get"
	CrudCreate CrudType = "create"
	CrudUpsert CrudType = "upsert"
	CrudUpdate CrudType = "update"
	CrudDelete CrudType = "delete"
	CrudList   CrudType = "list"
	CrudQuery  CrudType = "query"
)

// EntityService supplies everything the orchestrator needs to know about one
// entity type. It is provided by an external container.
type EntityService interface {
	Repository() repo.Repository
	Schema() *schema.EntitySchema
	// Validations returns the schema-declared validation rules, passed
	// through to the validator untouched.
	Validations() any
	OverriddenValidationMessages() map[string]string
	// ExtractIdentifiers normalizes an identifier input (a bare value or a
	// partial map) into the canonical identifier map.
	ExtractIdentifiers(input any) map[string]any
}

// AuthorizeInput is the authorizer call contract.
type AuthorizeInput struct {
	EntityName  string
	CrudType    CrudType
	Identifiers map[string]any
	Data        map[string]any
	Actor       string
	Tenant      string
}

// AuthorizeResult reports an authorization decision.
type AuthorizeResult struct {
	Pass bool
}

// Authorizer is the pluggable authorization strategy. Authorization is a
// required pipeline phase; callers that want it permissive must say so with
// an explicit allow-all implementation.
type Authorizer interface {
	Authorize(ctx context.Context, in AuthorizeInput) (AuthorizeResult, error)
}

// AuditRecord captures one completed (or failed) operation for the audit
// trail. Transport-agnostic so sinks can fan out.
type AuditRecord struct {
	Timestamp     time.Time
	Operation     CrudType
	EntityName    string
	Identifiers   map[string]any
	Actor         string
	Tenant        string
	CorrelationID string
	Success       bool
	Error         string
}

// AuditLogger is the pluggable audit sink.
type AuditLogger interface {
	Audit(ctx context.Context, rec AuditRecord) error
}

// NopAuditor discards audit records.
type NopAuditor struct{}

func (NopAuditor) Audit(context.Context, AuditRecord) error { return nil }

// Collaborators are the strategies every orchestrator call runs against.
// All of them are injected explicitly; there are no process-wide defaults.
type Collaborators struct {
	Validator  validate.Validator
	Authorizer Authorizer
	Auditor    AuditLogger
	Dispatcher *event.Dispatcher
}

func (c Collaborators) validateWiring() error {
	if c.Validator == nil {
		return errors.New("crud: nil Validator")
	}
	if c.Authorizer == nil {
		return errors.New("crud: nil Authorizer")
	}
	if c.Auditor == nil {
		return errors.New("crud: nil Auditor")
	}
	if c.Dispatcher == nil {
		return errors.New("crud: nil Dispatcher")
	}
	return nil
}
