// Package filter decides which raw records become rows and strips API linkage
// columns from the flattened result.
package filter

import (
	"strings"

	"github.com/gustycube/netbox-import/internal/record"
)

// LinkageFields are the members of a nested object that only point back into
// the API.
var LinkageFields = []string{"id", "url"}

// DefaultDropSuffixes removes identifier and link artifacts of reference
// fields flattened with the default "__" delimiter.
var DefaultDropSuffixes = DropSuffixesFor("__")

// DropSuffixesFor returns the suffixes that remove linkage columns from rows
// flattened with delim.
func DropSuffixesFor(delim string) []string {
	out := make([]string, 0, len(LinkageFields))
	for _, f := range LinkageFields {
		out = append(out, delim+f)
	}
	return out
}

const DefaultActiveValue = 1

type Filter struct {
	// ActiveOnly keeps only records whose status.value is active.
	ActiveOnly bool
	// ActiveValue is the numeric status value meaning active.
	ActiveValue float64
	// ActiveLabel, when set, also accepts a string status.value equal to it
	// (case-insensitive). NetBox 2.10+ reports status as "active".
	ActiveLabel string
	NameField   string
	// DropSuffixes lists flattened key suffixes removed by Project.
	DropSuffixes []string
}

// New returns a filter with the default sentinel, name field and suffixes.
func New(activeOnly bool) *Filter {
	return &Filter{
		ActiveOnly:   activeOnly,
		ActiveValue:  DefaultActiveValue,
		NameField:    "name",
		DropSuffixes: append([]string(nil), DefaultDropSuffixes...),
	}
}

// Keep reports whether rec should be imported. Missing fields never raise an
// error; they simply fail the predicate.
func (f *Filter) Keep(rec *record.Mapping) bool {
	if f.ActiveOnly && !f.active(rec) {
		return false
	}
	field := f.NameField
	if field == "" {
		field = "name"
	}
	nv, _ := rec.Get(field)
	name, ok := nv.AsString()
	return ok && name != ""
}

func (f *Filter) active(rec *record.Mapping) bool {
	sv, ok := rec.Lookup("status", "value")
	if !ok {
		return false
	}
	if n, ok := sv.AsFloat(); ok {
		return n == f.ActiveValue
	}
	if s, ok := sv.AsString(); ok && f.ActiveLabel != "" {
		return strings.EqualFold(s, f.ActiveLabel)
	}
	return false
}

// Records splits recs into the kept records, in order, and the dropped count.
func (f *Filter) Records(recs []*record.Mapping) ([]*record.Mapping, int) {
	kept := make([]*record.Mapping, 0, len(recs))
	for _, rec := range recs {
		if f.Keep(rec) {
			kept = append(kept, rec)
		}
	}
	return kept, len(recs) - len(kept)
}

// Project removes every key ending in one of the drop suffixes, in place, and
// returns the row.
func (f *Filter) Project(row record.Row) record.Row {
	for k := range row {
		for _, suffix := range f.DropSuffixes {
			if strings.HasSuffix(k, suffix) {
				delete(row, k)
				break
			}
		}
	}
	return row
}
