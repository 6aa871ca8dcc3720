package record

import "sort"

// Row is one flattened record: scalar values keyed by their flattened path.
type Row map[string]Value

// Keys returns the row's keys in sorted order.
func (r Row) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r Row) Get(key string) (Value, bool) {
	v, ok := r[key]
	return v, ok
}

// ResultSet is the ordered output of one run.
type ResultSet []Row

// Columns returns the sorted union of keys across all rows.
func (rs ResultSet) Columns() []string {
	seen := make(map[string]struct{})
	for _, row := range rs {
		for k := range row {
			seen[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}
