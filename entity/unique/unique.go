// Package unique enforces attribute uniqueness by optimistic collision
// resolution: colliding values are suffixed and retried rather than locked or
// reserved in two phases.
package unique

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/acksell/entitystore/entity/schema"
	"github.com/acksell/entitystore/entity/validate"
)

// DefaultMaxAttempts bounds suffixing retries when the caller does not.
const DefaultMaxAttempts = 3

// Checker answers whether a value is free for an attribute, excluding the
// given identifier maps (so an entity does not collide with itself on
// update).
type Checker interface {
	IsUnique(ctx context.Context, attribute string, value any, ignored []map[string]any) (bool, error)
}

// Input describes one uniqueness check. Payload is mutated in place on
// success.
type Input struct {
	Payload            map[string]any
	AttributeName      string
	Attribute          schema.Attribute
	Value              any
	IgnoredIdentifiers []map[string]any
	MaxAttempts        int
}

// Enforcer resolves attribute collisions against a Checker.
type Enforcer struct {
	checker Checker
	randInt func() int
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithRand overrides the random-suffix source. Used by tests.
func WithRand(fn func() int) Option {
	return func(e *Enforcer) { e.randInt = fn }
}

func NewEnforcer(c Checker, opts ...Option) *Enforcer {
	e := &Enforcer{
		checker: c,
		randInt: func() int { return rand.Intn(100000) },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CheckAndSet writes in.Value (or a suffixed variant) into in.Payload under
// in.AttributeName and reports whether a value was written.
//
// Attributes with no uniqueness flag are written unchanged. A colliding
// value is auto-resolved by suffixing when the attribute allows it (legacy
// IsUnique, or EnsureUnique together with MakeUnique); otherwise the payload
// is left untouched for that attribute and a ValidationError is returned.
func (e *Enforcer) CheckAndSet(ctx context.Context, in Input) (bool, error) {
	if !in.Attribute.Unique() {
		in.Payload[in.AttributeName] = in.Value
		return true, nil
	}

	unique, err := e.checker.IsUnique(ctx, in.AttributeName, in.Value, in.IgnoredIdentifiers)
	if err != nil {
		return false, fmt.Errorf("uniqueness check for %q: %w", in.AttributeName, err)
	}
	if unique {
		in.Payload[in.AttributeName] = in.Value
		return true, nil
	}

	if !in.Attribute.IsUnique && !(in.Attribute.EnsureUnique && in.Attribute.MakeUnique) {
		return false, &validate.ValidationError{Issues: []validate.Issue{{
			Attribute: in.AttributeName,
			Rule:      "unique",
			Message:   fmt.Sprintf("value %v for attribute %q is already taken", in.Value, in.AttributeName),
		}}}
	}

	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		candidate := e.generate(in.Value, attempt)
		unique, err := e.checker.IsUnique(ctx, in.AttributeName, candidate, in.IgnoredIdentifiers)
		if err != nil {
			return false, fmt.Errorf("uniqueness check for %q: %w", in.AttributeName, err)
		}
		if unique {
			in.Payload[in.AttributeName] = candidate
			return true, nil
		}
	}
	return false, &validate.ValidationError{Issues: []validate.Issue{{
		Attribute: in.AttributeName,
		Rule:      "unique",
		Message:   fmt.Sprintf("could not resolve a unique value for attribute %q after %d attempts", in.AttributeName, maxAttempts),
	}}}
}

// GenerateUniqueValue appends the attempt number to the value, or a random
// integer when attempt is not positive. Format: "<value>-<number>".
func GenerateUniqueValue(value any, attempt int) string {
	if attempt > 0 {
		return fmt.Sprintf("%v-%d", value, attempt)
	}
	return fmt.Sprintf("%v-%d", value, rand.Intn(100000))
}

func (e *Enforcer) generate(value any, attempt int) string {
	if attempt > 0 {
		return fmt.Sprintf("%v-%d", value, attempt)
	}
	return fmt.Sprintf("%v-%d", value, e.randInt())
}
