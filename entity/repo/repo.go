// Package repo declares the keyed, secondary-indexed repository contract the
// data-access layer orchestrates against. Implementations live under store/;
// the core never depends on a concrete engine.
package repo

import (
	"context"

	"github.com/acksell/entitystore/entity/filter"
)

// Response is the repository's native response shape. The orchestrator
// returns it unreshaped.
type Response struct {
	Data   any    `json:"data"`
	Cursor string `json:"cursor,omitempty"`
}

// Page describes ordering and pagination for list/query calls.
type Page struct {
	Order  string
	Pager  string
	Cursor string
	Count  int
	Limit  int
	Pages  int
}

// Options renders the pagination description as a sparse map: zero values
// are stripped so empty keys are never sent downstream.
func (p Page) Options() map[string]any {
	opts := make(map[string]any)
	if p.Order != "" {
		opts["order"] = p.Order
	}
	if p.Pager != "" {
		opts["pager"] = p.Pager
	}
	if p.Cursor != "" {
		opts["cursor"] = p.Cursor
	}
	if p.Count > 0 {
		opts["count"] = p.Count
	}
	if p.Limit > 0 {
		opts["limit"] = p.Limit
	}
	if p.Pages > 0 {
		opts["pages"] = p.Pages
	}
	return opts
}

// KeyMatch is the repository's key-introspection result for a flat equality
// filter map: which attributes can serve as key conditions, on which index.
type KeyMatch struct {
	// Keys are the attribute names consumed as equality key conditions.
	Keys []string
	// Index is the repository's internal index identifier. Empty means the
	// primary index.
	Index string
	// ShouldScan is set when no index can serve the filters.
	ShouldScan bool
}

// QueryBuilder accumulates a query before execution. Where attaches a
// compiled filter expression as a refinement predicate.
type QueryBuilder interface {
	Where(expr string) QueryBuilder
	Go(ctx context.Context, page Page) (*Response, error)
}

// Repository is the storage collaborator contract. Identifier and data maps
// are attribute name -> value.
type Repository interface {
	Get(ctx context.Context, ids map[string]any) (*Response, error)
	// Create writes a new entity and rejects an existing one with the same
	// primary key; Put writes unconditionally.
	Create(ctx context.Context, data map[string]any) (*Response, error)
	Put(ctx context.Context, data map[string]any) (*Response, error)
	Patch(ctx context.Context, ids, data map[string]any) (*Response, error)
	Delete(ctx context.Context, ids map[string]any) (*Response, error)

	// Match runs a full match/scan over the primary index.
	Match(eq map[string]any) QueryBuilder
	// Query runs against the named index with equality key values.
	Query(index string, eq map[string]any) QueryBuilder
	// KeyMatch reports which of the equality filters can satisfy a key
	// composite, and on which index.
	KeyMatch(eq map[string]any) KeyMatch

	// WhereAttributes and WhereOperations expose the attribute and operator
	// surface the filter compiler renders expressions against.
	WhereAttributes() map[string]filter.AttributeRef
	WhereOperations() filter.Operations
}
