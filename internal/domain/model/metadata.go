package model

// Metadata is a namespaced, loosely-typed side channel attached to core
// records. Nothing required for dedup keys or value attribution may live
// here.
type Metadata map[string]map[string]any

// Set stores value under namespace/key, allocating as needed.
func (m *Metadata) Set(namespace, key string, value any) {
	if *m == nil {
		*m = make(Metadata)
	}
	ns, ok := (*m)[namespace]
	if !ok {
		ns = make(map[string]any)
		(*m)[namespace] = ns
	}
	ns[key] = value
}

// Get returns the value stored under namespace/key.
func (m Metadata) Get(namespace, key string) (any, bool) {
	ns, ok := m[namespace]
	if !ok {
		return nil, false
	}
	v, ok := ns[key]
	return v, ok
}

// Clone copies both map levels. Values themselves are shared.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for ns, kv := range m {
		inner := make(map[string]any, len(kv))
		for k, v := range kv {
			inner[k] = v
		}
		out[ns] = inner
	}
	return out
}
