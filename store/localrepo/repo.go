// Package localrepo is a badger-backed implementation of the repository
// contract: documents keyed by the schema's primary composite, secondary
// indexes fanned out as extra key entries pointing back at the document.
// It exists for local development and tests; the semantics mirror what the
// DynamoDB-backed store provides.
package localrepo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/acksell/entitystore/entity/filter"
	"github.com/acksell/entitystore/entity/repo"
	"github.com/acksell/entitystore/entity/schema"
)

var (
	// ErrNotFound is returned when patching an entity that does not exist.
	ErrNotFound = errors.New("entity not found")
	// ErrAlreadyExists is returned when creating an entity whose primary key
	// is already taken. Put overwrites instead.
	ErrAlreadyExists = errors.New("entity already exists")
)

type Repo struct {
	db     *badger.DB
	schema *schema.EntitySchema

	mu    sync.Mutex
	seq   int
	preds map[string]predicate
}

var _ repo.Repository = (*Repo)(nil)

// New wraps an already-open badger DB.
func New(db *badger.DB, s *schema.EntitySchema) (*Repo, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("localrepo: %w", err)
	}
	return &Repo{db: db, schema: s, preds: make(map[string]predicate)}, nil
}

// Open opens a badger DB with the given options and wraps it.
func Open(opts badger.Options, s *schema.EntitySchema) (*Repo, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return New(db, s)
}

func (r *Repo) Close() error {
	return r.db.Close()
}

func (r *Repo) registerPred(p predicate) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	tok := fmt.Sprintf("$%d", r.seq)
	r.preds[tok] = p
	return tok
}

func (r *Repo) predicates() map[string]predicate {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := make(map[string]predicate, len(r.preds))
	for k, v := range r.preds {
		snapshot[k] = v
	}
	return snapshot
}

// releasePreds drops the tokens an executed expression consumed; the parsed
// predicate tree holds its own references, so the registry does not grow
// without bound.
func (r *Repo) releasePreds(tokens []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tok := range tokens {
		if strings.HasPrefix(tok, "$") {
			delete(r.preds, tok)
		}
	}
}

func (r *Repo) primaryKey(m map[string]any) (pk, sk string) {
	primary := r.schema.Indexes[schema.PrimaryIndexName]
	return composite(attrValues(primary.PartitionKey, m)), composite(attrValues(primary.SortKey, m))
}

func attrValues(attrs []string, m map[string]any) []any {
	vals := make([]any, len(attrs))
	for i, a := range attrs {
		vals[i] = repo.EqualityValue(m[a])
	}
	return vals
}

func (r *Repo) Get(ctx context.Context, ids map[string]any) (*repo.Response, error) {
	pk, sk := r.primaryKey(ids)
	var item map[string]any
	err := r.db.View(func(txn *badger.Txn) error {
		entry, err := txn.Get(docKey(r.schema.Name, pk, sk))
		if err != nil {
			return err
		}
		return entry.Value(func(val []byte) error {
			return json.Unmarshal(val, &item)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return &repo.Response{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", r.schema.Name, err)
	}
	return &repo.Response{Data: item}, nil
}

func (r *Repo) Create(ctx context.Context, data map[string]any) (*repo.Response, error) {
	pk, sk := r.primaryKey(data)
	key := docKey(r.schema.Name, pk, sk)
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %q: %w", r.schema.Name, err)
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return ErrAlreadyExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(key, raw); err != nil {
			return err
		}
		return r.writeIndexEntries(txn, key, data)
	})
	if err != nil {
		return nil, fmt.Errorf("create %q: %w", r.schema.Name, err)
	}
	return &repo.Response{Data: data}, nil
}

// Put writes with put semantics: an existing entity under the same primary
// key is overwritten and its stale index entries are dropped.
func (r *Repo) Put(ctx context.Context, data map[string]any) (*repo.Response, error) {
	pk, sk := r.primaryKey(data)
	key := docKey(r.schema.Name, pk, sk)
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %q: %w", r.schema.Name, err)
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		if entry, err := txn.Get(key); err == nil {
			var old map[string]any
			if err := entry.Value(func(val []byte) error {
				return json.Unmarshal(val, &old)
			}); err != nil {
				return err
			}
			if err := r.deleteIndexEntries(txn, key, old); err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(key, raw); err != nil {
			return err
		}
		return r.writeIndexEntries(txn, key, data)
	})
	if err != nil {
		return nil, fmt.Errorf("put %q: %w", r.schema.Name, err)
	}
	return &repo.Response{Data: data}, nil
}

func (r *Repo) Patch(ctx context.Context, ids, data map[string]any) (*repo.Response, error) {
	existing, err := r.Get(ctx, ids)
	if err != nil {
		return nil, err
	}
	current, ok := existing.Data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("patch %q %v: %w", r.schema.Name, ids, ErrNotFound)
	}

	pk, sk := r.primaryKey(ids)
	key := docKey(r.schema.Name, pk, sk)

	merged := make(map[string]any, len(current)+len(data))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range data {
		merged[k] = v
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshal %q: %w", r.schema.Name, err)
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		if err := r.deleteIndexEntries(txn, key, current); err != nil {
			return err
		}
		if err := txn.Set(key, raw); err != nil {
			return err
		}
		return r.writeIndexEntries(txn, key, merged)
	})
	if err != nil {
		return nil, fmt.Errorf("patch %q: %w", r.schema.Name, err)
	}
	return &repo.Response{Data: merged}, nil
}

func (r *Repo) Delete(ctx context.Context, ids map[string]any) (*repo.Response, error) {
	existing, err := r.Get(ctx, ids)
	if err != nil {
		return nil, err
	}
	current, ok := existing.Data.(map[string]any)
	if !ok {
		return &repo.Response{}, nil
	}

	pk, sk := r.primaryKey(ids)
	key := docKey(r.schema.Name, pk, sk)
	err = r.db.Update(func(txn *badger.Txn) error {
		if err := r.deleteIndexEntries(txn, key, current); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if err != nil {
		return nil, fmt.Errorf("delete %q: %w", r.schema.Name, err)
	}
	return &repo.Response{Data: current}, nil
}

// indexEntryKeys renders the secondary-index entries for one document.
// A template index keys every document of the entity under its constant
// discriminator.
func (r *Repo) indexEntryKeys(doc []byte, item map[string]any) [][]byte {
	var keys [][]byte
	for name, idx := range r.schema.Indexes {
		if name == schema.PrimaryIndexName {
			continue
		}
		pk := composite(attrValues(idx.PartitionKey, item))
		if len(idx.PartitionKey) == 0 {
			if idx.Template == "" {
				continue
			}
			pk = idx.Template
		}
		sk := composite(attrValues(idx.SortKey, item))
		keys = append(keys, idxKey(r.schema.Name, name, pk, sk, doc))
	}
	return keys
}

func (r *Repo) writeIndexEntries(txn *badger.Txn, doc []byte, item map[string]any) error {
	for _, key := range r.indexEntryKeys(doc, item) {
		if err := txn.Set(key, doc); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repo) deleteIndexEntries(txn *badger.Txn, doc []byte, item map[string]any) error {
	for _, key := range r.indexEntryKeys(doc, item) {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repo) Match(eq map[string]any) repo.QueryBuilder {
	return &queryBuilder{r: r, eq: eq}
}

func (r *Repo) Query(index string, eq map[string]any) repo.QueryBuilder {
	return &queryBuilder{r: r, index: index, eq: eq}
}

func (r *Repo) KeyMatch(eq map[string]any) repo.KeyMatch {
	return repo.SchemaKeyMatch(r.schema, eq)
}

func (r *Repo) WhereAttributes() map[string]filter.AttributeRef {
	refs := make(map[string]filter.AttributeRef, len(r.schema.Attributes))
	for name := range r.schema.Attributes {
		refs[name] = filter.AttributeRef{Name: name}
	}
	return refs
}

func (r *Repo) WhereOperations() filter.Operations {
	return &Ops{r: r}
}

type queryBuilder struct {
	r     *Repo
	index string // declared index name; empty means full match/scan
	eq    map[string]any
	where string
}

var _ repo.QueryBuilder = (*queryBuilder)(nil)

func (b *queryBuilder) Where(expr string) repo.QueryBuilder {
	if b.where == "" {
		b.where = expr
		return b
	}
	b.where = "(" + b.where + " AND " + expr + ")"
	return b
}

func (b *queryBuilder) Go(ctx context.Context, page repo.Page) (*repo.Response, error) {
	var pred predicate
	if b.where != "" {
		tokens := tokenizeExpr(b.where)
		p, err := parseExpression(b.where, b.r.predicates())
		if err != nil {
			return nil, fmt.Errorf("where: %w", err)
		}
		pred = p
		b.r.releasePreds(tokens)
	}

	items, cursor, err := b.collect(ctx, pred, page)
	if err != nil {
		return nil, err
	}
	return &repo.Response{Data: items, Cursor: cursor}, nil
}

func (b *queryBuilder) collect(ctx context.Context, pred predicate, page repo.Page) ([]map[string]any, string, error) {
	s := b.r.schema
	var items []map[string]any
	nextCursor := ""

	keep := func(item map[string]any) bool {
		if !b.eqMatch(item) {
			return false
		}
		return pred == nil || pred(item)
	}

	opts := page.Options()
	afterCursor := func(key []byte) bool {
		cur, ok := opts["cursor"].(string)
		if !ok {
			return true
		}
		raw, err := base64.StdEncoding.DecodeString(cur)
		if err != nil {
			return true
		}
		return string(key) > string(raw)
	}
	// full reports whether the page is complete after appending the item
	// stored under key. Count sets a resume cursor, a hard limit does not.
	full := func(key []byte) bool {
		if count, ok := opts["count"].(int); ok && len(items) >= count {
			nextCursor = base64.StdEncoding.EncodeToString(key)
			return true
		}
		if limit, ok := opts["limit"].(int); ok && len(items) >= limit {
			return true
		}
		return false
	}

	err := b.r.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Reverse = opts["order"] == "desc"

		var prefix []byte
		indirect := false
		switch b.index {
		case "":
			prefix = docScanPrefix(s.Name)
		case schema.PrimaryIndexName:
			primary := s.Indexes[schema.PrimaryIndexName]
			prefix = docPartitionPrefix(s.Name, composite(attrValues(primary.PartitionKey, b.eq)))
		default:
			idx, ok := s.Indexes[b.index]
			if !ok {
				return fmt.Errorf("unknown index %q", b.index)
			}
			pk := composite(attrValues(idx.PartitionKey, b.eq))
			if len(idx.PartitionKey) == 0 {
				pk = idx.Template
			}
			prefix = idxPartitionPrefix(s.Name, b.index, pk)
			indirect = true
		}
		iterOpts.Prefix = prefix

		it := txn.NewIterator(iterOpts)
		defer it.Close()

		start := prefix
		if iterOpts.Reverse {
			// badger reverse iteration seeks to the largest key under the prefix
			start = append(append([]byte{}, prefix...), 0xff)
		}
		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			entry := it.Item()
			lastKey := append([]byte{}, entry.Key()...)
			if !afterCursor(lastKey) {
				continue
			}

			var raw []byte
			err := entry.Value(func(val []byte) error {
				raw = append([]byte{}, val...)
				return nil
			})
			if err != nil {
				return err
			}
			if indirect {
				// index entries hold the document key
				docEntry, err := txn.Get(raw)
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				raw = nil
				if err := docEntry.Value(func(val []byte) error {
					raw = append([]byte{}, val...)
					return nil
				}); err != nil {
					return err
				}
			}

			var item map[string]any
			if err := json.Unmarshal(raw, &item); err != nil {
				return fmt.Errorf("unmarshal document: %w", err)
			}
			if !keep(item) {
				continue
			}
			items = append(items, item)
			if full(lastKey) {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("query %q: %w", s.Name, err)
	}
	return items, nextCursor, nil
}

// eqMatch enforces the builder's equality conditions on each candidate. Key
// prefix seeks narrow the scan but composite encodings can collide, so the
// attribute values themselves are always rechecked.
func (b *queryBuilder) eqMatch(item map[string]any) bool {
	for attr, v := range b.eq {
		if !equalValues(item[attr], repo.EqualityValue(v)) {
			return false
		}
	}
	return true
}
