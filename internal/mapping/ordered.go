package mapping

import "strings"

// OrderedMap keeps keys in insertion order. Mapping files are order
// sensitive: field order fixes column order in the remote request and lookup
// order fixes the sort of the local query.
type OrderedMap[V any] struct {
	keys []string
	vals map[string]V
}

// Set inserts or replaces k. A replaced key keeps its position.
func (m *OrderedMap[V]) Set(k string, v V) {
	if m.vals == nil {
		m.vals = map[string]V{}
	}
	if _, ok := m.vals[k]; !ok {
		m.keys = append(m.keys, k)
	}
	m.vals[k] = v
}

func (m *OrderedMap[V]) Get(k string) (V, bool) {
	v, ok := m.vals[k]
	return v, ok
}

// GetFold finds k case-insensitively and returns the stored key too.
func (m *OrderedMap[V]) GetFold(k string) (string, V, bool) {
	if v, ok := m.vals[k]; ok {
		return k, v, true
	}
	for _, key := range m.keys {
		if strings.EqualFold(key, k) {
			return key, m.vals[key], true
		}
	}
	var zero V
	return "", zero, false
}

func (m *OrderedMap[V]) Has(k string) bool {
	_, ok := m.vals[k]
	return ok
}

// HasFold reports whether k is present, ignoring case.
func (m *OrderedMap[V]) HasFold(k string) bool {
	_, _, ok := m.GetFold(k)
	return ok
}

func (m *OrderedMap[V]) Delete(k string) {
	if _, ok := m.vals[k]; !ok {
		return
	}
	delete(m.vals, k)
	for i, key := range m.keys {
		if key == k {
			m.keys = append(m.keys[:i:i], m.keys[i+1:]...)
			break
		}
	}
}

// Rename moves the value of from to the key to, keeping its position.
func (m *OrderedMap[V]) Rename(from, to string) {
	if from == to {
		return
	}
	v, ok := m.vals[from]
	if !ok {
		return
	}
	delete(m.vals, from)
	m.vals[to] = v
	for i, key := range m.keys {
		if key == from {
			m.keys[i] = to
			break
		}
	}
}

// Keys returns a copy of the keys in order.
func (m *OrderedMap[V]) Keys() []string { return append([]string(nil), m.keys...) }

// Values returns the values in key order.
func (m *OrderedMap[V]) Values() []V {
	out := make([]V, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, m.vals[k])
	}
	return out
}

func (m *OrderedMap[V]) Len() int { return len(m.keys) }

// Clone returns a shallow copy.
func (m *OrderedMap[V]) Clone() OrderedMap[V] {
	out := OrderedMap[V]{}
	for _, k := range m.keys {
		out.Set(k, m.vals[k])
	}
	return out
}
