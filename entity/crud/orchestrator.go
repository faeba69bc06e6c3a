// Package crud sequences the generic entity pipeline: validation,
// authorization, persistence, auditing and event dispatch for every
// operation kind. Each run is linear; observers extend behavior through the
// event dispatcher, never by modifying the pipeline.
package crud

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acksell/entitystore/entity/event"
	"github.com/acksell/entitystore/entity/filter"
	"github.com/acksell/entitystore/entity/plan"
	"github.com/acksell/entitystore/entity/repo"
	"github.com/acksell/entitystore/entity/unique"
	"github.com/acksell/entitystore/entity/validate"
)

// CallContext carries the operation-scoped actor/tenant/correlation context.
// Context holds call-specific values merged into every emitted event.
type CallContext struct {
	Actor         string
	Tenant        string
	CorrelationID string
	Context       map[string]any
}

// GetRequest identifies one entity to read.
type GetRequest struct {
	CallContext
	ID any
}

// DeleteRequest identifies one entity to remove.
type DeleteRequest struct {
	CallContext
	ID any
}

// CreateRequest carries a new entity payload.
type CreateRequest struct {
	CallContext
	Data map[string]any
}

// UpsertRequest carries a payload written with put semantics.
type UpsertRequest struct {
	CallContext
	Data map[string]any
}

// UpdateRequest carries a payload patched onto an existing entity.
type UpdateRequest struct {
	CallContext
	ID   any
	Data map[string]any
}

// ListRequest describes a filtered, paginated listing. Filters is a flat
// attribute -> criteria map (a serialized filter description).
type ListRequest struct {
	CallContext
	Filters map[string]any
	Page    repo.Page
}

// QueryRequest is shaped like ListRequest; the query operation consults the
// index planner before touching the repository.
type QueryRequest struct {
	CallContext
	Filters map[string]any
	Page    repo.Page
}

// Orchestrator runs the pipeline for one entity service. All collaborators
// are injected at construction; there is no global fallback.
type Orchestrator struct {
	svc      EntityService
	collab   Collaborators
	enforcer *unique.Enforcer
	log      *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger for non-fatal pipeline noise (dispatch
// failures and the like).
func WithLogger(log *zap.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithEnforcer overrides the uniqueness enforcer. The default checks
// collisions against the service's own repository.
func WithEnforcer(e *unique.Enforcer) Option {
	return func(o *Orchestrator) { o.enforcer = e }
}

func New(svc EntityService, collab Collaborators, opts ...Option) (*Orchestrator, error) {
	if svc == nil {
		return nil, fmt.Errorf("crud: nil EntityService")
	}
	if err := collab.validateWiring(); err != nil {
		return nil, err
	}
	if err := svc.Schema().Validate(); err != nil {
		return nil, fmt.Errorf("crud: %w", err)
	}
	o := &Orchestrator{
		svc:    svc,
		collab: collab,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.enforcer == nil {
		o.enforcer = unique.NewEnforcer(repoChecker{r: svc.Repository()})
	}
	return o, nil
}

// GetEntity reads one entity by identifier.
func (o *Orchestrator) GetEntity(ctx context.Context, req GetRequest) (*repo.Response, error) {
	ids := o.svc.ExtractIdentifiers(req.ID)
	return o.run(ctx, req.CallContext, call{
		op:    CrudGet,
		input: ids,
		ids:   ids,
		persist: func(ctx context.Context) (*repo.Response, error) {
			return o.svc.Repository().Get(ctx, ids)
		},
	})
}

// DeleteEntity removes one entity by identifier.
func (o *Orchestrator) DeleteEntity(ctx context.Context, req DeleteRequest) (*repo.Response, error) {
	ids := o.svc.ExtractIdentifiers(req.ID)
	return o.run(ctx, req.CallContext, call{
		op:    CrudDelete,
		input: ids,
		ids:   ids,
		persist: func(ctx context.Context) (*repo.Response, error) {
			return o.svc.Repository().Delete(ctx, ids)
		},
	})
}

// CreateEntity persists a new entity.
func (o *Orchestrator) CreateEntity(ctx context.Context, req CreateRequest) (*repo.Response, error) {
	if req.Data == nil {
		return nil, fmt.Errorf("create %q: %w", o.svc.Schema().Name, ErrMissingPayload)
	}
	return o.run(ctx, req.CallContext, call{
		op:            CrudCreate,
		input:         req.Data,
		beforePersist: o.enforceUnique(req.Data, nil),
		persist: func(ctx context.Context) (*repo.Response, error) {
			return o.svc.Repository().Create(ctx, req.Data)
		},
	})
}

// UpsertEntity writes a payload with put semantics. Uniqueness checks ignore
// the entity's own identifiers so an upsert never collides with itself.
func (o *Orchestrator) UpsertEntity(ctx context.Context, req UpsertRequest) (*repo.Response, error) {
	if req.Data == nil {
		return nil, fmt.Errorf("upsert %q: %w", o.svc.Schema().Name, ErrMissingPayload)
	}
	ids := o.svc.ExtractIdentifiers(req.Data)
	return o.run(ctx, req.CallContext, call{
		op:            CrudUpsert,
		input:         req.Data,
		ids:           ids,
		beforePersist: o.enforceUnique(req.Data, ignoredIDs(ids)),
		persist: func(ctx context.Context) (*repo.Response, error) {
			return o.svc.Repository().Put(ctx, req.Data)
		},
	})
}

// UpdateEntity patches an existing entity.
func (o *Orchestrator) UpdateEntity(ctx context.Context, req UpdateRequest) (*repo.Response, error) {
	if req.Data == nil {
		return nil, fmt.Errorf("update %q: %w", o.svc.Schema().Name, ErrMissingPayload)
	}
	ids := o.svc.ExtractIdentifiers(req.ID)
	return o.run(ctx, req.CallContext, call{
		op:            CrudUpdate,
		input:         req.Data,
		ids:           ids,
		beforePersist: o.enforceUnique(req.Data, ignoredIDs(ids)),
		persist: func(ctx context.Context) (*repo.Response, error) {
			return o.svc.Repository().Patch(ctx, ids, req.Data)
		},
	})
}

// ListEntities returns entities matching the filter description.
func (o *Orchestrator) ListEntities(ctx context.Context, req ListRequest) (*repo.Response, error) {
	return o.run(ctx, req.CallContext, call{
		op:      CrudList,
		input:   req.Filters,
		persist: o.search(req.Filters, req.Page),
	})
}

// QueryEntities is ListEntities with query semantics; both consult the index
// planner and fall back to a full match when no index applies.
func (o *Orchestrator) QueryEntities(ctx context.Context, req QueryRequest) (*repo.Response, error) {
	return o.run(ctx, req.CallContext, call{
		op:      CrudQuery,
		input:   req.Filters,
		persist: o.search(req.Filters, req.Page),
	})
}

// call is one pipeline run. input is whatever the validator should see for
// this operation kind: the payload for writes, the identifier map for
// get/delete, the filter map for list/query.
type call struct {
	op            CrudType
	input         map[string]any
	ids           map[string]any
	beforePersist func(ctx context.Context) error
	persist       func(ctx context.Context) (*repo.Response, error)
}

// run executes the linear phase order:
// pre -> pre/validate -> validate -> post/validate -> authorize -> persist
// -> post -> audit. Dispatch failures never abort the pipeline; collaborator
// errors propagate unchanged.
func (o *Orchestrator) run(ctx context.Context, cc CallContext, c call) (*repo.Response, error) {
	cc = o.normalize(cc)
	name := o.svc.Schema().Name

	o.emit(ctx, cc, c.op, "pre", "", "", c.input)

	o.emit(ctx, cc, c.op, "validate", "pre", "", c.input)
	vres, err := o.collab.Validator.ValidateEntity(ctx, validate.Input{
		OperationName:      string(c.op),
		EntityName:         name,
		Validations:        o.svc.Validations(),
		OverriddenMessages: o.svc.OverriddenValidationMessages(),
		Input:              c.input,
		Actor:              cc.Actor,
	})
	if err != nil {
		return nil, fmt.Errorf("validate %s %q: %w", c.op, name, err)
	}
	if !vres.Pass {
		o.emit(ctx, cc, c.op, "validate", "post", "fail", vres.Issues)
		return nil, &validate.ValidationError{EntityName: name, Issues: vres.Issues}
	}
	o.emit(ctx, cc, c.op, "validate", "post", "success", nil)

	ares, err := o.collab.Authorizer.Authorize(ctx, AuthorizeInput{
		EntityName:  name,
		CrudType:    c.op,
		Identifiers: c.ids,
		Data:        c.input,
		Actor:       cc.Actor,
		Tenant:      cc.Tenant,
	})
	if err != nil {
		return nil, fmt.Errorf("authorize %s %q: %w", c.op, name, err)
	}
	if !ares.Pass {
		return nil, fmt.Errorf("%s %q as actor %q: %w", c.op, name, cc.Actor, ErrUnauthorized)
	}

	if c.beforePersist != nil {
		if err := c.beforePersist(ctx); err != nil {
			return nil, err
		}
	}

	res, err := c.persist(ctx)
	if err != nil {
		o.emit(ctx, cc, c.op, "post", "", "fail", nil)
		o.audit(ctx, cc, c, false, err)
		return nil, err
	}

	var data any
	if res != nil {
		data = res.Data
	}
	o.emit(ctx, cc, c.op, "post", "", "success", data)

	if err := o.audit(ctx, cc, c, true, nil); err != nil {
		return nil, fmt.Errorf("audit %s %q: %w", c.op, name, err)
	}
	return res, nil
}

// search resolves an index through the planner and applies the compiled
// filter expression as a refinement predicate. No index and no template
// means a full match over the primary index.
func (o *Orchestrator) search(filters map[string]any, page repo.Page) func(ctx context.Context) (*repo.Response, error) {
	return func(ctx context.Context) (*repo.Response, error) {
		r := o.svc.Repository()
		s := o.svc.Schema()

		var qb repo.QueryBuilder
		residual := filters
		if m := plan.FindMatchingIndex(s, filters, s.Name, r); m != nil {
			qb = r.Query(m.IndexName, m.IndexFilters)
			// key-consumed attributes must not reappear in the refinement
			// expression; engines reject filters over the queried index's keys
			residual = residualFilters(filters, m.IndexFilters)
		} else {
			qb = r.Match(map[string]any{})
		}

		if len(residual) > 0 {
			f, err := filter.Decode(residual)
			if err != nil {
				return nil, err
			}
			expr, err := filter.Compile(f, r.WhereAttributes(), r.WhereOperations())
			if err != nil {
				return nil, err
			}
			if expr != "" {
				qb = qb.Where(expr)
			}
		}
		return qb.Go(ctx, page)
	}
}

func residualFilters(filters, consumed map[string]any) map[string]any {
	residual := make(map[string]any, len(filters))
	for k, v := range filters {
		if _, ok := consumed[k]; ok {
			continue
		}
		residual[k] = v
	}
	return residual
}

// enforceUnique runs the uniqueness enforcer over every payload attribute
// carrying a uniqueness flag, in attribute-name order.
func (o *Orchestrator) enforceUnique(data map[string]any, ignored []map[string]any) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		s := o.svc.Schema()
		names := make([]string, 0, len(s.Attributes))
		for name := range s.Attributes {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			attr := s.Attributes[name]
			if !attr.Unique() {
				continue
			}
			v, ok := data[name]
			if !ok || v == nil {
				continue
			}
			if _, err := o.enforcer.CheckAndSet(ctx, unique.Input{
				Payload:            data,
				AttributeName:      name,
				Attribute:          attr,
				Value:              v,
				IgnoredIdentifiers: ignored,
			}); err != nil {
				return err
			}
		}
		return nil
	}
}

func (o *Orchestrator) emit(ctx context.Context, cc CallContext, op CrudType, phase, subPhase, successFail string, data any) {
	name := o.svc.Schema().Name
	dims := event.Structured{
		event.DimPhase:     phase,
		event.DimOperation: string(op),
		event.DimEntity:    name,
	}
	if subPhase != "" {
		dims[event.DimSubPhase] = subPhase
	}
	if successFail != "" {
		dims[event.DimSuccessFail] = successFail
	}
	err := o.collab.Dispatcher.Dispatch(ctx, event.Payload{
		Type:          dims,
		Data:          data,
		Timestamp:     time.Now(),
		EntityName:    name,
		CorrelationID: cc.CorrelationID,
		Context:       o.eventContext(cc),
	})
	if err != nil {
		o.log.Warn("event dispatch failed",
			zap.Error(err),
			zap.String("entity", name),
			zap.String("operation", string(op)),
			zap.String("phase", phase))
	}
}

// eventContext merges the operation-scoped base context with call-specific
// values; call-specific keys win.
func (o *Orchestrator) eventContext(cc CallContext) map[string]any {
	merged := map[string]any{
		"actor":         cc.Actor,
		"tenant":        cc.Tenant,
		"correlationId": cc.CorrelationID,
	}
	for k, v := range cc.Context {
		merged[k] = v
	}
	return merged
}

func (o *Orchestrator) audit(ctx context.Context, cc CallContext, c call, success bool, opErr error) error {
	rec := AuditRecord{
		Timestamp:     time.Now(),
		Operation:     c.op,
		EntityName:    o.svc.Schema().Name,
		Identifiers:   c.ids,
		Actor:         cc.Actor,
		Tenant:        cc.Tenant,
		CorrelationID: cc.CorrelationID,
		Success:       success,
	}
	if opErr != nil {
		rec.Error = opErr.Error()
	}
	if err := o.collab.Auditor.Audit(ctx, rec); err != nil {
		if !success {
			// the operation error takes precedence, don't mask it
			o.log.Warn("audit failed", zap.Error(err), zap.String("entity", rec.EntityName))
			return nil
		}
		return err
	}
	return nil
}

func (o *Orchestrator) normalize(cc CallContext) CallContext {
	if cc.CorrelationID == "" {
		cc.CorrelationID = uuid.NewString()
	}
	return cc
}

func ignoredIDs(ids map[string]any) []map[string]any {
	if len(ids) == 0 {
		return nil
	}
	return []map[string]any{ids}
}

// repoChecker answers uniqueness questions through the repository's match
// primitive.
type repoChecker struct {
	r repo.Repository
}

func (c repoChecker) IsUnique(ctx context.Context, attribute string, value any, ignored []map[string]any) (bool, error) {
	res, err := c.r.Match(map[string]any{attribute: value}).Go(ctx, repo.Page{})
	if err != nil {
		return false, err
	}
	for _, item := range itemsOf(res) {
		if matchesAny(item, ignored) {
			continue
		}
		return false, nil
	}
	return true, nil
}

func itemsOf(res *repo.Response) []map[string]any {
	if res == nil {
		return nil
	}
	switch data := res.Data.(type) {
	case []map[string]any:
		return data
	case []any:
		items := make([]map[string]any, 0, len(data))
		for _, e := range data {
			if m, ok := e.(map[string]any); ok {
				items = append(items, m)
			}
		}
		return items
	case map[string]any:
		return []map[string]any{data}
	default:
		return nil
	}
}

// matchesAny reports whether the item carries all key/value pairs of at
// least one ignored identifier map.
func matchesAny(item map[string]any, ignored []map[string]any) bool {
	for _, ids := range ignored {
		if len(ids) == 0 {
			continue
		}
		all := true
		for k, v := range ids {
			if fmt.Sprintf("%v", item[k]) != fmt.Sprintf("%v", v) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}
