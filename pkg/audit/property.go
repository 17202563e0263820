package audit

import "sort"

// Removal is the type of Removed
type Removal struct{}

// Removed is the After value of a property whose value was deleted. A nil
// After means "unchanged", so a deletion has to be spelled out.
var Removed = Removal{}

// MarshalJSON renders a removal as {"removed":true}
func (Removal) MarshalJSON() ([]byte, error) {
	return []byte(`{"removed":true}`), nil
}

// Property is a single before/after diff on an event. After is nil when the
// value did not change and Removed when the value was deleted.
type Property struct {
	Key    string      `json:"key"`
	Origin string      `json:"origin,omitempty"`
	Before interface{} `json:"before"`
	After  interface{} `json:"after,omitempty"`
}

// Changed reports whether After holds a value different from Before
func (p *Property) Changed() bool {
	return p.After != nil && !AreEqual(p.Before, p.After)
}

// Latest returns the most recent known value of the property
func (p *Property) Latest() interface{} {
	if p.After != nil {
		return p.After
	}
	return p.Before
}

// Properties is the set of diffs on one event keyed by property key
type Properties map[string]*Property

// Upsert inserts or overwrites the property for key. The last writer wins;
// an after value equal to before is cleared.
func (ps Properties) Upsert(key, origin string, before, after interface{}) *Property {
	if after != nil && AreEqual(before, after) {
		after = nil
	}

	p, ok := ps[key]
	if !ok {
		p = &Property{Key: key}
		ps[key] = p
	}
	p.Origin = origin
	p.Before = before
	p.After = after
	return p
}

// HasChanges reports whether any property carries a real change
func (ps Properties) HasChanges() bool {
	for _, p := range ps {
		if p.Changed() {
			return true
		}
	}
	return false
}

// Keys returns the property keys in sorted order
func (ps Properties) Keys() []string {
	keys := make([]string, 0, len(ps))
	for k := range ps {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a copy that shares no Property pointers with ps
func (ps Properties) Clone() Properties {
	out := make(Properties, len(ps))
	for k, p := range ps {
		c := *p
		out[k] = &c
	}
	return out
}
