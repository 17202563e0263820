package audit

import (
	"sync"
	"time"
)

// Well-known classifications
const (
	ClassCreated         = "Created"
	ClassUpdated         = "Updated"
	ClassDeleted         = "Deleted"
	ClassLogin           = "Login"
	ClassLoginFailed     = "Login Failed"
	ClassLogout          = "Logout"
	ClassActivity        = "Activity"
	ClassSettingsUpdated = "Settings Updated"
)

// Classification is the recording policy for one event type
type Classification struct {
	Name string `yaml:"name" json:"name"`

	// ReuseWindow is how long a stored event of this classification may be
	// extended by later changes to the same subject. Zero disables coalescing.
	ReuseWindow time.Duration `yaml:"reuse_window" json:"reuse_window"`

	// Creation events are kept even when they carry no property changes
	Creation bool `yaml:"creation" json:"creation"`

	// AllActors allows events without a resolvable actor
	AllActors bool `yaml:"all_actors" json:"all_actors"`

	// Intrinsic properties stay on a coalesced event with After cleared
	// when their value returns to Before
	Intrinsic []string `yaml:"intrinsic" json:"intrinsic,omitempty"`
}

// Coalesces reports whether events of this classification are merged into
// recent stored events
func (c Classification) Coalesces() bool {
	return c.ReuseWindow > 0
}

// KeepsUnchanged reports whether an unchanged property with this key stays
// on a coalesced event
func (c Classification) KeepsUnchanged(key string) bool {
	for _, k := range c.Intrinsic {
		if k == key {
			return true
		}
	}
	return false
}

// DefaultClassifications returns the built-in policies
func DefaultClassifications() []Classification {
	return []Classification{
		{Name: ClassCreated, Creation: true},
		{Name: ClassUpdated, ReuseWindow: 300 * time.Second, Intrinsic: []string{"title"}},
		{Name: ClassDeleted, Creation: true},
		{Name: ClassLogin, Creation: true},
		{Name: ClassLoginFailed, Creation: true, AllActors: true},
		{Name: ClassLogout, Creation: true},
		{Name: ClassActivity, Creation: true, ReuseWindow: 10 * time.Second},
		{Name: ClassSettingsUpdated, ReuseWindow: 300 * time.Second},
	}
}

// Classifications is a concurrency-safe policy registry. It can be swapped
// at runtime when the policy file changes.
type Classifications struct {
	mu     sync.RWMutex
	byName map[string]Classification
}

// NewClassifications creates a registry holding the given policies
func NewClassifications(policies ...Classification) *Classifications {
	c := &Classifications{byName: make(map[string]Classification, len(policies))}
	for _, p := range policies {
		c.byName[p.Name] = p
	}
	return c
}

// Lookup returns the policy for name. Unknown classifications are recorded
// unconditionally: no coalescing, actor required, kept even without changes.
func (c *Classifications) Lookup(name string) Classification {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if p, ok := c.byName[name]; ok {
		return p
	}
	return Classification{Name: name, Creation: true}
}

// Set adds or replaces a single policy
func (c *Classifications) Set(p Classification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byName[p.Name] = p
}

// Replace swaps the whole policy set
func (c *Classifications) Replace(policies []Classification) {
	next := make(map[string]Classification, len(policies))
	for _, p := range policies {
		next[p.Name] = p
	}

	c.mu.Lock()
	c.byName = next
	c.mu.Unlock()
}

// All returns a snapshot of every registered policy
func (c *Classifications) All() []Classification {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Classification, 0, len(c.byName))
	for _, p := range c.byName {
		out = append(out, p)
	}
	return out
}
