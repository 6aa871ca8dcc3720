package record

// Mapping is an insertion-ordered set of named values. Order follows the API
// response so that repeated runs over the same data produce identical output.
type Mapping struct {
	keys []string
	vals map[string]Value
}

// NewMapping creates an empty mapping
func NewMapping() *Mapping {
	return &Mapping{vals: make(map[string]Value)}
}

// Len returns the number of fields. A nil mapping is empty.
func (m *Mapping) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Keys returns the field names in insertion order.
func (m *Mapping) Keys() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Get returns the named field and whether it is present. A present field may
// still hold Null.
func (m *Mapping) Get(key string) (Value, bool) {
	if m == nil {
		return Value{}, false
	}
	v, ok := m.vals[key]
	return v, ok
}

// Set stores a field. Overwriting keeps the original position.
func (m *Mapping) Set(key string, v Value) *Mapping {
	if m.vals == nil {
		m.vals = make(map[string]Value)
	}
	if _, ok := m.vals[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.vals[key] = v
	return m
}

// Lookup walks nested mappings along path. Missing segments, null values and
// non-mapping intermediates all report absent.
func (m *Mapping) Lookup(path ...string) (Value, bool) {
	cur := m
	for i, seg := range path {
		v, ok := cur.Get(seg)
		if !ok {
			return Value{}, false
		}
		if i == len(path)-1 {
			return v, true
		}
		next, ok := v.AsMapping()
		if !ok {
			return Value{}, false
		}
		cur = next
	}
	return Map(m), true
}

// Range calls fn for every field in order until fn returns false.
func (m *Mapping) Range(fn func(key string, v Value) bool) {
	if m == nil {
		return
	}
	for _, k := range m.keys {
		if !fn(k, m.vals[k]) {
			return
		}
	}
}

// Clone returns a deep copy.
func (m *Mapping) Clone() *Mapping {
	out := NewMapping()
	m.Range(func(k string, v Value) bool {
		out.Set(k, v.Clone())
		return true
	})
	return out
}
