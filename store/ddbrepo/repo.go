// Package ddbrepo implements the repository contract on DynamoDB. Key
// composites with a single attribute map onto that attribute directly;
// multi-attribute composites are rendered into one synthesized key attribute
// ("city_region") holding the "#"-joined values, which is also written on
// every put so secondary indexes stay queryable.
package ddbrepo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/acksell/entitystore/entity/filter"
	"github.com/acksell/entitystore/entity/repo"
	"github.com/acksell/entitystore/entity/schema"
)

// AWSDynamoClient is the slice of the DynamoDB API this store needs.
type AWSDynamoClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

type Repo struct {
	client AWSDynamoClient
	table  string
	schema *schema.EntitySchema

	// lastOps is the operator surface most recently handed out by
	// WhereOperations. Compile-then-query runs are sequential within one
	// call, so the builder executing next picks it up in Go.
	mu      sync.Mutex
	lastOps *Ops
}

var _ repo.Repository = (*Repo)(nil)

func New(client AWSDynamoClient, table string, s *schema.EntitySchema) (*Repo, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("ddbrepo: %w", err)
	}
	return &Repo{client: client, table: table, schema: s}, nil
}

// NewFromEnv builds a client from the ambient AWS configuration
// (environment, shared config, instance role).
func NewFromEnv(ctx context.Context, table string, s *schema.EntitySchema, optFns ...func(*config.LoadOptions) error) (*Repo, error) {
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return New(dynamodb.NewFromConfig(cfg), table, s)
}

func (r *Repo) primaryKeyAV(ids map[string]any) (map[string]types.AttributeValue, error) {
	primary := r.schema.Indexes[schema.PrimaryIndexName]
	key := map[string]any{
		keyAttr(primary.PartitionKey): keyValue(primary.PartitionKey, ids),
	}
	if len(primary.SortKey) > 0 {
		key[keyAttr(primary.SortKey)] = keyValue(primary.SortKey, ids)
	}
	av, err := attributevalue.MarshalMap(key)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	return av, nil
}

func (r *Repo) Get(ctx context.Context, ids map[string]any) (*repo.Response, error) {
	key, err := r.primaryKeyAV(ids)
	if err != nil {
		return nil, err
	}
	res, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &r.table,
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", r.schema.Name, err)
	}
	if res.Item == nil {
		return &repo.Response{}, nil
	}
	var item map[string]any
	if err := attributevalue.UnmarshalMap(res.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal %q: %w", r.schema.Name, err)
	}
	return &repo.Response{Data: item}, nil
}

func (r *Repo) Create(ctx context.Context, data map[string]any) (*repo.Response, error) {
	primary := r.schema.Indexes[schema.PrimaryIndexName]
	cond := expression.AttributeNotExists(expression.Name(keyAttr(primary.PartitionKey)))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return nil, fmt.Errorf("build create condition: %w", err)
	}
	input := &dynamodb.PutItemInput{
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}
	if err := r.putItem(ctx, input, data); err != nil {
		return nil, fmt.Errorf("create %q: %w", r.schema.Name, err)
	}
	return &repo.Response{Data: data}, nil
}

// Put writes with put semantics: an existing entity under the same primary
// key is overwritten.
func (r *Repo) Put(ctx context.Context, data map[string]any) (*repo.Response, error) {
	if err := r.putItem(ctx, &dynamodb.PutItemInput{}, data); err != nil {
		return nil, fmt.Errorf("put %q: %w", r.schema.Name, err)
	}
	return &repo.Response{Data: data}, nil
}

func (r *Repo) putItem(ctx context.Context, input *dynamodb.PutItemInput, data map[string]any) error {
	item, err := attributevalue.MarshalMap(r.withKeyAttributes(data))
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	input.TableName = &r.table
	input.Item = item
	_, err = r.client.PutItem(ctx, input)
	return err
}

func (r *Repo) Patch(ctx context.Context, ids, data map[string]any) (*repo.Response, error) {
	key, err := r.primaryKeyAV(ids)
	if err != nil {
		return nil, err
	}
	attrs := make([]string, 0, len(data))
	for k := range data {
		attrs = append(attrs, k)
	}
	sort.Strings(attrs)

	var upd expression.UpdateBuilder
	for _, k := range attrs {
		upd = upd.Set(expression.Name(k), expression.Value(data[k]))
	}
	expr, err := expression.NewBuilder().WithUpdate(upd).Build()
	if err != nil {
		return nil, fmt.Errorf("build update expression: %w", err)
	}
	res, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 &r.table,
		Key:                       key,
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		return nil, fmt.Errorf("patch %q: %w", r.schema.Name, err)
	}
	var item map[string]any
	if err := attributevalue.UnmarshalMap(res.Attributes, &item); err != nil {
		return nil, fmt.Errorf("unmarshal %q: %w", r.schema.Name, err)
	}
	return &repo.Response{Data: item}, nil
}

func (r *Repo) Delete(ctx context.Context, ids map[string]any) (*repo.Response, error) {
	key, err := r.primaryKeyAV(ids)
	if err != nil {
		return nil, err
	}
	res, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    &r.table,
		Key:          key,
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return nil, fmt.Errorf("delete %q: %w", r.schema.Name, err)
	}
	if res.Attributes == nil {
		return &repo.Response{}, nil
	}
	var item map[string]any
	if err := attributevalue.UnmarshalMap(res.Attributes, &item); err != nil {
		return nil, fmt.Errorf("unmarshal %q: %w", r.schema.Name, err)
	}
	return &repo.Response{Data: item}, nil
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
	o := newOps()
	r.mu.Lock()
	r.lastOps = o
	r.mu.Unlock()
	return o
}

func (r *Repo) takeOps() *Ops {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := r.lastOps
	r.lastOps = nil
	if o == nil {
		o = newOps()
	}
	return o
}

// withKeyAttributes copies the payload plus the synthesized key attributes
// every declared index needs: joined multi-attribute composites and template
// discriminators.
func (r *Repo) withKeyAttributes(data map[string]any) map[string]any {
	item := make(map[string]any, len(data)+len(r.schema.Indexes))
	for k, v := range data {
		item[k] = v
	}
	for _, idx := range r.schema.Indexes {
		if len(idx.PartitionKey) > 1 {
			item[keyAttr(idx.PartitionKey)] = keyValue(idx.PartitionKey, data)
		}
		if len(idx.SortKey) > 1 {
			item[keyAttr(idx.SortKey)] = keyValue(idx.SortKey, data)
		}
		if len(idx.PartitionKey) == 0 && idx.Template != "" && idx.TemplateAttribute != "" {
			item[idx.TemplateAttribute] = idx.Template
		}
	}
	return item
}

func keyAttr(attrs []string) string {
	return strings.Join(attrs, "_")
}

func keyValue(attrs []string, m map[string]any) any {
	if len(attrs) == 1 {
		return repo.EqualityValue(m[attrs[0]])
	}
	parts := make([]string, len(attrs))
	for i, a := range attrs {
		parts[i] = fmt.Sprintf("%v", repo.EqualityValue(m[a]))
	}
	return strings.Join(parts, "#")
}

type queryBuilder struct {
	r     *Repo
	index string // declared index name; empty means scan
	eq    map[string]any
	where []string
}

var _ repo.QueryBuilder = (*queryBuilder)(nil)

func (b *queryBuilder) Where(expr string) repo.QueryBuilder {
	b.where = append(b.where, expr)
	return b
}

func (b *queryBuilder) Go(ctx context.Context, page repo.Page) (*repo.Response, error) {
	if b.index == "" {
		return b.scan(ctx, page)
	}
	return b.query(ctx, page)
}

func (b *queryBuilder) scan(ctx context.Context, page repo.Page) (*repo.Response, error) {
	ops := b.r.takeOps()
	filterExpr := b.filterExpression(ops, nil)
	names, values := ops.Params()

	input := &dynamodb.ScanInput{
		TableName: &b.r.table,
	}
	if filterExpr != "" {
		input.FilterExpression = &filterExpr
		input.ExpressionAttributeNames = names
		input.ExpressionAttributeValues = values
	}
	applyPage(pageInput{
		limit:    &input.Limit,
		startKey: &input.ExclusiveStartKey,
	}, page)

	res, err := b.r.client.Scan(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("scan %q: %w", b.r.schema.Name, err)
	}
	return b.response(res.Items, res.LastEvaluatedKey)
}

func (b *queryBuilder) query(ctx context.Context, page repo.Page) (*repo.Response, error) {
	s := b.r.schema
	idx, ok := s.Indexes[b.index]
	if !ok {
		return nil, fmt.Errorf("unknown index %q", b.index)
	}

	keyCond, keyAttrs, err := b.keyCondition(idx)
	if err != nil {
		return nil, err
	}
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("build key condition: %w", err)
	}

	ops := b.r.takeOps()
	filterExpr := b.filterExpression(ops, keyAttrs)
	names, values := ops.Params()
	for k, v := range expr.Names() {
		names[k] = v
	}
	for k, v := range expr.Values() {
		values[k] = v
	}

	input := &dynamodb.QueryInput{
		TableName:                 &b.r.table,
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ScanIndexForward:          aws.Bool(page.Order != "desc"),
	}
	if b.index != schema.PrimaryIndexName {
		identifier := idx.Identifier
		if identifier == "" {
			identifier = b.index
		}
		input.IndexName = &identifier
	}
	if filterExpr != "" {
		input.FilterExpression = &filterExpr
	}
	applyPage(pageInput{
		limit:    &input.Limit,
		startKey: &input.ExclusiveStartKey,
	}, page)

	res, err := b.r.client.Query(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("query %q index %q: %w", s.Name, b.index, err)
	}
	return b.response(res.Items, res.LastEvaluatedKey)
}

// keyCondition builds the key condition for the index from the builder's
// equality map and reports which logical attributes it consumed.
func (b *queryBuilder) keyCondition(idx schema.Index) (expression.KeyConditionBuilder, map[string]bool, error) {
	consumed := make(map[string]bool)

	if len(idx.PartitionKey) == 0 {
		if idx.Template == "" || idx.TemplateAttribute == "" {
			return expression.KeyConditionBuilder{}, nil, fmt.Errorf("index %q has neither key attributes nor a template", b.index)
		}
		return expression.KeyEqual(expression.Key(idx.TemplateAttribute), expression.Value(idx.Template)), consumed, nil
	}

	cond := expression.KeyEqual(
		expression.Key(keyAttr(idx.PartitionKey)),
		expression.Value(keyValue(idx.PartitionKey, b.eq)))
	for _, a := range idx.PartitionKey {
		consumed[a] = true
	}

	sortCovered := len(idx.SortKey) > 0
	for _, a := range idx.SortKey {
		if _, ok := b.eq[a]; !ok {
			sortCovered = false
			break
		}
	}
	if sortCovered {
		cond = cond.And(expression.KeyEqual(
			expression.Key(keyAttr(idx.SortKey)),
			expression.Value(keyValue(idx.SortKey, b.eq))))
		for _, a := range idx.SortKey {
			consumed[a] = true
		}
	}
	return cond, consumed, nil
}

// filterExpression AND-joins the compiled where expressions with equality
// conditions for attributes the key condition did not consume.
func (b *queryBuilder) filterExpression(ops *Ops, keyAttrs map[string]bool) string {
	parts := append([]string{}, b.where...)

	attrs := make([]string, 0, len(b.eq))
	for a := range b.eq {
		if !keyAttrs[a] {
			attrs = append(attrs, a)
		}
	}
	sort.Strings(attrs)
	for _, a := range attrs {
		parts = append(parts, ops.Eq(filter.AttributeRef{Name: a}, repo.EqualityValue(b.eq[a])))
	}
	return strings.Join(parts, " AND ")
}

func (b *queryBuilder) response(items []map[string]types.AttributeValue, lastKey map[string]types.AttributeValue) (*repo.Response, error) {
	out := make([]map[string]any, 0, len(items))
	for _, av := range items {
		var item map[string]any
		if err := attributevalue.UnmarshalMap(av, &item); err != nil {
			return nil, fmt.Errorf("unmarshal %q: %w", b.r.schema.Name, err)
		}
		out = append(out, item)
	}
	cursor, err := encodeCursor(lastKey)
	if err != nil {
		return nil, err
	}
	return &repo.Response{Data: out, Cursor: cursor}, nil
}

type pageInput struct {
	limit    **int32
	startKey *map[string]types.AttributeValue
}

// applyPage maps the sparse pagination options onto the request; zero
// values never reach the wire.
func applyPage(in pageInput, page repo.Page) {
	opts := page.Options()
	if count, ok := opts["count"].(int); ok {
		*in.limit = aws.Int32(int32(count))
	} else if limit, ok := opts["limit"].(int); ok {
		*in.limit = aws.Int32(int32(limit))
	}
	if cursor, ok := opts["cursor"].(string); ok {
		if key, err := decodeCursor(cursor); err == nil {
			*in.startKey = key
		}
	}
}

func encodeCursor(lastKey map[string]types.AttributeValue) (string, error) {
	if len(lastKey) == 0 {
		return "", nil
	}
	var plain map[string]any
	if err := attributevalue.UnmarshalMap(lastKey, &plain); err != nil {
		return "", fmt.Errorf("unmarshal cursor: %w", err)
	}
	raw, err := json.Marshal(plain)
	if err != nil {
		return "", fmt.Errorf("marshal cursor: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodeCursor(cursor string) (map[string]types.AttributeValue, error) {
	raw, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	var plain map[string]any
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil, fmt.Errorf("unmarshal cursor: %w", err)
	}
	return attributevalue.MarshalMap(plain)
}
