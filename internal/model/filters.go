package model

import (
	"slices"
	"time"
)

// TagFilter matches a string-valued field. At most one of the operators
// may be set.
type TagFilter struct {
	Eq     string   `json:"eq,omitempty"`
	Ne     string   `json:"ne,omitempty"`
	AnyOf  []string `json:"any,omitempty"`
	NoneOf []string `json:"none,omitempty"`
}

// IsZero reports whether no operator is set.
func (f *TagFilter) IsZero() bool {
	return f == nil || (f.Eq == "" && f.Ne == "" && len(f.AnyOf) == 0 && len(f.NoneOf) == 0)
}

// MatchOne evaluates the filter against a single value.
func (f *TagFilter) MatchOne(v string) bool {
	if f.IsZero() {
		return true
	}
	switch {
	case f.Eq != "":
		return v == f.Eq
	case f.Ne != "":
		return v != f.Ne
	case len(f.AnyOf) > 0:
		return slices.Contains(f.AnyOf, v)
	default:
		return !slices.Contains(f.NoneOf, v)
	}
}

// MatchAny evaluates the filter against a multi-valued field (topics,
// entities). Eq/AnyOf require at least one matching element; Ne/NoneOf
// require that no element matches.
func (f *TagFilter) MatchAny(vs []string) bool {
	if f.IsZero() {
		return true
	}
	switch {
	case f.Eq != "":
		return slices.Contains(vs, f.Eq)
	case len(f.AnyOf) > 0:
		for _, v := range vs {
			if slices.Contains(f.AnyOf, v) {
				return true
			}
		}
		return false
	case f.Ne != "":
		return !slices.Contains(vs, f.Ne)
	default:
		for _, v := range vs {
			if slices.Contains(f.NoneOf, v) {
				return false
			}
		}
		return true
	}
}

// TimeFilter matches a time-valued field. Bounds are inclusive for
// Gte/Lte and exclusive for Gt/Lt.
type TimeFilter struct {
	Gt  *time.Time `json:"gt,omitempty"`
	Gte *time.Time `json:"gte,omitempty"`
	Lt  *time.Time `json:"lt,omitempty"`
	Lte *time.Time `json:"lte,omitempty"`
}

// IsZero reports whether no bound is set.
func (f *TimeFilter) IsZero() bool {
	return f == nil || (f.Gt == nil && f.Gte == nil && f.Lt == nil && f.Lte == nil)
}

// Match evaluates the filter against t. A zero t only matches an empty filter.
func (f *TimeFilter) Match(t time.Time) bool {
	if f.IsZero() {
		return true
	}
	if t.IsZero() {
		return false
	}
	if f.Gt != nil && !t.After(*f.Gt) {
		return false
	}
	if f.Gte != nil && t.Before(*f.Gte) {
		return false
	}
	if f.Lt != nil && !t.Before(*f.Lt) {
		return false
	}
	if f.Lte != nil && t.After(*f.Lte) {
		return false
	}
	return true
}

// Filters is the search filter set. Conditions across fields are ANDed.
type Filters struct {
	Namespace      *TagFilter  `json:"namespace,omitempty"`
	UserID         *TagFilter  `json:"userId,omitempty"`
	SessionID      *TagFilter  `json:"sessionId,omitempty"`
	MemoryType     *TagFilter  `json:"memoryType,omitempty"`
	Topics         *TagFilter  `json:"topics,omitempty"`
	Entities       *TagFilter  `json:"entities,omitempty"`
	CreatedAt      *TimeFilter `json:"createdAt,omitempty"`
	EventDate      *TimeFilter `json:"eventDate,omitempty"`
	LastAccessedAt *TimeFilter `json:"lastAccessedAt,omitempty"`

	// Hash is not exposed on the search API; the dedup fast path uses it
	// to look up records by content hash.
	Hash *TagFilter `json:"-"`
}

// Match evaluates all conditions against a record.
func (f *Filters) Match(r *MemoryRecord) bool {
	if f == nil {
		return true
	}
	if !f.Namespace.MatchOne(r.Namespace) ||
		!f.UserID.MatchOne(r.UserID) ||
		!f.SessionID.MatchOne(r.SessionID) ||
		!f.MemoryType.MatchOne(string(r.MemoryType)) ||
		!f.Hash.MatchOne(r.Hash) {
		return false
	}
	if !f.Topics.MatchAny(r.Topics) || !f.Entities.MatchAny(r.Entities) {
		return false
	}
	if !f.CreatedAt.Match(r.CreatedAt) || !f.LastAccessedAt.Match(r.LastAccessedAt) {
		return false
	}
	if !f.EventDate.IsZero() {
		if r.EventDate == nil || !f.EventDate.Match(*r.EventDate) {
			return false
		}
	}
	return true
}
