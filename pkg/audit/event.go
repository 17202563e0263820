package audit

import (
	"context"
	"time"
)

// Event is one audit record: who did what to which subject, with the
// property diffs and descriptive metadata gathered while it was built.
type Event struct {
	ID             int64                 `json:"id"`
	OccurredAt     time.Time             `json:"occurred_at"`
	ActorID        int64                 `json:"actor_id"`
	ActorName      string                `json:"actor_name,omitempty"`
	ActorRole      string                `json:"actor_role,omitempty"`
	ActorIP        string                `json:"actor_ip,omitempty"`
	ActorLocation  string                `json:"actor_location,omitempty"`
	ActorAgent     string                `json:"actor_agent,omitempty"`
	Classification string                `json:"classification"`
	Subject        *SubjectRef           `json:"subject,omitempty"`
	Properties     Properties            `json:"properties"`
	Meta           map[string]*Eventmeta `json:"meta"`

	rec *Recorder
}

func newEvent(classification string, subject *SubjectRef, at time.Time) *Event {
	return &Event{
		OccurredAt:     at,
		Classification: classification,
		Subject:        subject.clone(),
		Properties:     Properties{},
		Meta:           map[string]*Eventmeta{},
	}
}

func (e *Event) setActor(a *Actor) {
	if a == nil {
		return
	}
	e.ActorID = a.ID
	e.ActorName = a.Name
	e.ActorRole = a.Role
	e.ActorIP = a.IP
	e.ActorLocation = a.Location
	e.ActorAgent = a.Agent
}

func (e *Event) normalize(key string, v interface{}) interface{} {
	if e.rec != nil {
		return e.rec.normalizer.Normalize(key, v)
	}
	return Normalize(key, v)
}

// SetProperty records a diff for key. Both values are normalized; an after
// value equal to before is stored as unchanged.
func (e *Event) SetProperty(key, origin string, before, after interface{}) *Property {
	return e.Properties.Upsert(key, origin, e.normalize(key, before), e.normalize(key, after))
}

// GetProperty returns the property for key, or nil
func (e *Event) GetProperty(key string) *Property {
	return e.Properties[key]
}

// RemoveProperty drops the property for key
func (e *Event) RemoveProperty(key string) {
	delete(e.Properties, key)
}

// AddProperties upserts every property of props into the event, keyed by
// map key. Values are normalized the same way SetProperty does.
func (e *Event) AddProperties(props Properties) {
	for k, p := range props {
		if p == nil {
			continue
		}
		e.SetProperty(k, p.Origin, p.Before, p.After)
	}
}

// AddValues records descriptive values that carry no change
func (e *Event) AddValues(origin string, values map[string]interface{}) {
	for k, v := range values {
		e.SetProperty(k, origin, v, nil)
	}
}

// SetMeta sets a metadata value, replacing any previous value for key
func (e *Event) SetMeta(key string, value interface{}) {
	e.Meta[key] = &Eventmeta{Key: key, Value: e.normalize(key, value)}
}

// GetMeta returns the metadata value for key, or nil
func (e *Event) GetMeta(key string) interface{} {
	if m, ok := e.Meta[key]; ok {
		return m.Value
	}
	return nil
}

// HasMeta reports whether key is set
func (e *Event) HasMeta(key string) bool {
	_, ok := e.Meta[key]
	return ok
}

// HasChanges reports whether any property carries a real change
func (e *Event) HasChanges() bool {
	return e.Properties.HasChanges()
}

// IsNew reports whether the event has not been persisted yet
func (e *Event) IsNew() bool {
	return e.ID == 0
}

// Save persists the event. Calling it twice without changes performs an
// update with no effect.
func (e *Event) Save(ctx context.Context) error {
	if e.rec == nil {
		return ErrUnboundEvent
	}
	return e.rec.saveEvent(ctx, e, "direct")
}

// Delete removes a persisted event and resets it to new
func (e *Event) Delete(ctx context.Context) error {
	if e.rec == nil {
		return ErrUnboundEvent
	}
	return e.rec.deleteEvent(ctx, e, "direct")
}

// Clone returns a deep copy of the event sharing no maps with e. The copy
// stays bound to the same recorder.
func (e *Event) Clone() *Event {
	c := *e
	c.Subject = e.Subject.clone()
	c.Properties = e.Properties.Clone()
	c.Meta = make(map[string]*Eventmeta, len(e.Meta))
	for k, m := range e.Meta {
		mc := *m
		c.Meta[k] = &mc
	}
	return &c
}

// adopt replaces e's persisted state with prev, the stored event e was
// merged into
func (e *Event) adopt(prev *Event) {
	rec := e.rec
	*e = *prev.Clone()
	e.rec = rec
}
