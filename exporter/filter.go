package exporter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lauditd/lauditd/changelog"
)

// TypeFilter excludes records by event type
type TypeFilter struct {
	excluded map[changelog.EventType]struct{}
}

// NewTypeFilter creates a filter excluding the given types.
// An empty list excludes nothing.
func NewTypeFilter(types ...changelog.EventType) *TypeFilter {
	f := &TypeFilter{excluded: make(map[changelog.EventType]struct{}, len(types))}
	for _, t := range types {
		f.excluded[t] = struct{}{}
	}
	return f
}

// ParseTypeList builds a filter from a comma-separated list of mnemonics,
// e.g. "OPEN,CLOSE,GXATR". Unknown mnemonics are rejected.
func ParseTypeList(list string) (*TypeFilter, error) {
	var types []changelog.EventType
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		t, err := changelog.ParseEventType(name)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude list %q: %w", list, err)
		}
		types = append(types, t)
	}
	return NewTypeFilter(types...), nil
}

// IsExcluded reports whether records of type t must not be emitted
func (f *TypeFilter) IsExcluded(t changelog.EventType) bool {
	if f == nil {
		return false
	}
	_, ok := f.excluded[t]
	return ok
}

// Types returns the excluded types in index order
func (f *TypeFilter) Types() []changelog.EventType {
	if f == nil {
		return nil
	}
	out := make([]changelog.EventType, 0, len(f.excluded))
	for t := range f.excluded {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (f *TypeFilter) String() string {
	types := f.Types()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = t.String()
	}
	return strings.Join(names, ",")
}
