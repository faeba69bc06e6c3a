// Package event is a structured publish/subscribe primitive. Pipeline phases
// publish payloads; listeners subscribe with either an exact global name or a
// structured matcher over a small set of dimensions, where an omitted
// dimension means "don't care" on the subscriber side.
package event

import (
	"sort"
	"strings"
)

// Conventional dimension names for structured matchers.
const (
	DimPhase       = "phase"
	DimOperation   = "operation"
	DimEntity      = "entity"
	DimSubPhase    = "subPhase"
	DimSuccessFail = "successFail"
)

// Wildcard subscribes to every dispatch regardless of matcher shape.
const Wildcard = Global("*")

// Matcher identifies an event: either an opaque Global name matched exactly,
// or a Structured dimension map.
type Matcher interface {
	registrationKey() string
}

// Global is an exact-match event name.
type Global string

func (g Global) registrationKey() string {
	if g == Wildcard {
		return string(Wildcard)
	}
	return "g:" + string(g)
}

// Structured is a flat dimension-name -> value map. On the subscriber side an
// undefined dimension matches anything; an emitted payload must be fully
// concrete (no empty values).
type Structured map[string]string

func (s Structured) registrationKey() string {
	return canonicalKey(s)
}

// Concrete reports whether every declared dimension has a value.
func (s Structured) Concrete() bool {
	for _, v := range s {
		if v == "" {
			return false
		}
	}
	return true
}

func canonicalKey(s Structured) string {
	dims := make([]string, 0, len(s))
	for d := range s {
		dims = append(dims, d)
	}
	sort.Strings(dims)
	var b strings.Builder
	b.WriteString("s:")
	for i, d := range dims {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(d)
		b.WriteByte('=')
		b.WriteString(s[d])
	}
	return b.String()
}

// subsetKeys enumerates the canonical keys of all 2^N dimension subsets of an
// emitted structured matcher. Listeners are registered under the canonical
// key of their (partial) matcher, so checking every subset finds every
// listener whose declared dimensions agree with the payload. N is small
// (at most the five conventional dimensions), so the exponential enumeration
// is intentional.
func subsetKeys(s Structured) []string {
	dims := make([]string, 0, len(s))
	for d := range s {
		dims = append(dims, d)
	}
	sort.Strings(dims)

	keys := make([]string, 0, 1<<len(dims))
	for mask := 0; mask < 1<<len(dims); mask++ {
		subset := make(Structured, len(dims))
		for i, d := range dims {
			if mask&(1<<i) != 0 {
				subset[d] = s[d]
			}
		}
		keys = append(keys, canonicalKey(subset))
	}
	return keys
}
