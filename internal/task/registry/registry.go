// Package registry maps task names to the compiled-in handlers jobs refer to.
//
// The registry is built once at startup and never mutated afterwards, so
// lookups need no locking.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"cronjobd/internal/task/params"
)

// Handler runs one invocation of a task with the job's stored parameters.
type Handler interface {
	Invoke(ctx context.Context, p params.Params) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, p params.Params) error

func (f HandlerFunc) Invoke(ctx context.Context, p params.Params) error { return f(ctx, p) }

// LookupError is returned for a task name with no registered handler.
type LookupError struct {
	Name string
}

func (e *LookupError) Error() string { return fmt.Sprintf("task %q is not registered", e.Name) }

// Builder collects registrations before the registry is frozen.
type Builder struct {
	m map[string]Handler
}

func NewBuilder() *Builder {
	return &Builder{m: map[string]Handler{}}
}

// Register adds a handler. It panics on an empty or duplicate name or a nil
// handler; registration happens at startup and such mistakes are bugs.
func (b *Builder) Register(name string, h Handler) *Builder {
	name = strings.TrimSpace(name)
	if name == "" {
		panic("registry: empty task name")
	}
	if h == nil {
		panic("registry: nil handler for " + name)
	}
	if _, dup := b.m[name]; dup {
		panic("registry: duplicate task name " + name)
	}
	b.m[name] = h
	return b
}

// RegisterFunc is Register for a plain function.
func (b *Builder) RegisterFunc(name string, f func(ctx context.Context, p params.Params) error) *Builder {
	return b.Register(name, HandlerFunc(f))
}

// Build freezes the registrations. The Builder may not be reused.
func (b *Builder) Build() *Registry {
	m := make(map[string]Handler, len(b.m))
	names := make([]string, 0, len(b.m))
	for k, v := range b.m {
		m[k] = v
		names = append(names, k)
	}
	sort.Strings(names)
	b.m = nil
	return &Registry{m: m, names: names}
}

// Registry is an immutable name -> Handler map.
type Registry struct {
	m     map[string]Handler
	names []string
}

func (r *Registry) Lookup(name string) (Handler, error) {
	if r != nil {
		if h, ok := r.m[name]; ok {
			return h, nil
		}
	}
	return nil, &LookupError{Name: name}
}

func (r *Registry) Has(name string) bool {
	_, err := r.Lookup(name)
	return err == nil
}

// Names returns the registered task names, sorted.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.m)
}
