package topic

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"ClawdCity-Room/internal/core/bus"
)

var ErrTagConflict = errors.New("topic: tag already bound to another type")

// Registry records which payload type each tag carries process-wide.
type Registry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]reflect.Type)}
}

// Register records kind's tag. Registering the same tag for the same type
// again is allowed; for a different type it fails with ErrTagConflict.
func Register[T any](r *Registry, kind Kind[T]) error {
	if kind.Tag == "" {
		return errors.New("topic: empty tag")
	}
	if kind.Marshal == nil || kind.Unmarshal == nil {
		return fmt.Errorf("topic: %s: missing codec", kind.Tag)
	}
	typ := reflect.TypeFor[T]()

	r.mu.Lock()
	defer r.mu.Unlock()
	if have, ok := r.types[kind.Tag]; ok && have != typ {
		return fmt.Errorf("%w: %q carries %s, not %s", ErrTagConflict, kind.Tag, have, typ)
	}
	r.types[kind.Tag] = typ
	return nil
}

// Bind registers kind and returns a handle for it on b.
func Bind[T any](r *Registry, b *bus.Bus, kind Kind[T]) (*Topic[T], error) {
	if err := Register(r, kind); err != nil {
		return nil, err
	}
	return New(b, kind), nil
}

// Lookup returns the payload type bound to tag.
func (r *Registry) Lookup(tag string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	typ, ok := r.types[tag]
	return typ, ok
}

// Tags lists the bound tags in sorted order.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for tag := range r.types {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
