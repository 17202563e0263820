package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// SubjectLoader fetches the current display name of a subject. Deferred
// units call it at run time instead of trusting data from capture time.
type SubjectLoader interface {
	SubjectName(ctx context.Context, id string) (string, error)
}

// SubjectLoaderFunc adapts a function to SubjectLoader
type SubjectLoaderFunc func(ctx context.Context, id string) (string, error)

// SubjectName calls f
func (f SubjectLoaderFunc) SubjectName(ctx context.Context, id string) (string, error) {
	return f(ctx, id)
}

// SubjectDirectory resolves subject names through one loader per kind with
// a short-lived cache in front
type SubjectDirectory struct {
	mu      sync.RWMutex
	loaders map[SubjectKind]SubjectLoader
	cache   *lru.LRU[string, string]
}

// NewSubjectDirectory creates a directory caching up to size names for ttl
func NewSubjectDirectory(size int, ttl time.Duration) *SubjectDirectory {
	if size <= 0 {
		size = 1024
	}
	return &SubjectDirectory{
		loaders: make(map[SubjectKind]SubjectLoader),
		cache:   lru.NewLRU[string, string](size, nil, ttl),
	}
}

// Register sets the loader for kind
func (d *SubjectDirectory) Register(kind SubjectKind, loader SubjectLoader) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loaders[kind] = loader
}

// Resolve returns a copy of ref with Name filled in. A ref that already has
// a name is returned unchanged.
func (d *SubjectDirectory) Resolve(ctx context.Context, ref *SubjectRef) (*SubjectRef, error) {
	if ref == nil || ref.Name != "" {
		return ref.clone(), nil
	}

	out := ref.clone()
	if name, ok := d.cache.Get(ref.Key()); ok {
		out.Name = name
		return out, nil
	}

	d.mu.RLock()
	loader, ok := d.loaders[ref.Kind]
	d.mu.RUnlock()
	if !ok {
		return out, fmt.Errorf("no loader for subject kind %q", ref.Kind)
	}

	name, err := loader.SubjectName(ctx, ref.ID)
	if err != nil {
		return out, fmt.Errorf("load %s name: %w", ref.Key(), err)
	}
	d.cache.Add(ref.Key(), name)
	out.Name = name
	return out, nil
}

// Forget drops the cached name for ref, e.g. after a rename
func (d *SubjectDirectory) Forget(ref *SubjectRef) {
	d.cache.Remove(ref.Key())
}
