// Package registry holds the immutable set of resources and their change
// handlers.
//
// A Registry is assembled once at startup through a Builder and never
// mutated afterwards, so it can be shared freely between the harvester and
// the SSE hub without locking.
//
// Resource names are resolved to collection names when they are registered
// (pluralized and case folded, see resource.Collection). Matching a log
// entry is then a map lookup on the entry's collection rather than a regex
// rebuilt per entry.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/harvester/internal/oplog"
	"github.com/roach88/harvester/internal/resource"
)

// Mode selects how the pipeline treats a handler's completion.
type Mode int

const (
	// Tracked handlers must complete (or be skipped) before the entry's
	// position is checkpointed. Failures are retried.
	Tracked Mode = iota

	// Detached handlers are fire-and-forget. They share the throttle but
	// are never awaited; a crash before they finish loses the invocation.
	Detached
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case Tracked:
		return "tracked"
	case Detached:
		return "detached"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Change is what a handler receives.
type Change struct {
	Resource   string
	Operation  oplog.Operation
	DocumentID string
	Entry      oplog.Entry
}

// HandlerFunc reacts to one change. A non-nil error triggers a retry for
// tracked handlers.
type HandlerFunc func(ctx context.Context, change Change) error

// Handler is a handler function with an optional field filter.
//
// When Filter is set (dotted path), an update only invokes Func if the path
// exists among the update's replacement-set fields. Filters are ignored for
// inserts and deletes.
type Handler struct {
	Func   HandlerFunc
	Filter string
}

// Func wraps fn as an unfiltered handler.
func Func(fn HandlerFunc) *Handler {
	return &Handler{Func: fn}
}

// Filtered wraps fn so it only runs when path was set by an update.
func Filtered(fn HandlerFunc, path string) *Handler {
	return &Handler{Func: fn, Filter: path}
}

// ChangeHandlers is the argument to Builder.OnChange. Nil handlers mean the
// operation is skipped for this registration.
type ChangeHandlers struct {
	Insert *Handler
	Update *Handler
	Delete *Handler
	Mode   Mode
}

// Registration is one OnChange call, resolved against its collection.
type Registration struct {
	Resource   string
	Collection string
	Mode       Mode

	handlers ChangeHandlers
}

// Handler returns the handler registered for op, or nil.
func (r *Registration) Handler(op oplog.Operation) *Handler {
	switch op {
	case oplog.OpInsert:
		return r.handlers.Insert
	case oplog.OpUpdate:
		return r.handlers.Update
	case oplog.OpDelete:
		return r.handlers.Delete
	}
	return nil
}

// Invocation is a selected handler bound to a concrete change.
type Invocation struct {
	Resource string
	Mode     Mode
	Func     HandlerFunc
	Change   Change
}

// Call runs the handler.
func (inv Invocation) Call(ctx context.Context) error {
	return inv.Func(ctx, inv.Change)
}

// Select picks the handler for entry. It returns false when the entry
// should be skipped: no handler for the operation, or an update whose
// filter path was not part of the replacement set.
func (r *Registration) Select(entry oplog.Entry) (Invocation, bool) {
	h := r.Handler(entry.Operation)
	if h == nil || h.Func == nil {
		return Invocation{}, false
	}

	if h.Filter != "" && entry.Operation == oplog.OpUpdate {
		if _, ok := oplog.Lookup(entry.UpdatedFields(), h.Filter); !ok {
			return Invocation{}, false
		}
	}

	return Invocation{
		Resource: r.Resource,
		Mode:     r.Mode,
		Func:     h.Func,
		Change: Change{
			Resource:   r.Resource,
			Operation:  entry.Operation,
			DocumentID: entry.DocumentID,
			Entry:      entry,
		},
	}, true
}

// Registry is the immutable resource and handler table.
type Registry struct {
	database      string
	resources     map[string]string          // folded name -> registered name
	collections   map[string]string          // collection -> registered name
	registrations map[string][]*Registration // collection -> registrations
}

// Match returns the registrations interested in entry, in registration
// order. Entries from other databases never match when the registry was
// built with a database name.
func (r *Registry) Match(entry oplog.Entry) []*Registration {
	database, collection := oplog.SplitNamespace(entry.Namespace)
	if r.database != "" && resource.Fold(database) != r.database {
		return nil
	}
	return r.registrations[resource.Fold(collection)]
}

// Exists reports whether name is a registered resource.
func (r *Registry) Exists(name string) bool {
	_, ok := r.resources[resource.Fold(strings.TrimSpace(name))]
	return ok
}

// Lookup returns the registered spelling of name.
func (r *Registry) Lookup(name string) (string, bool) {
	registered, ok := r.resources[resource.Fold(strings.TrimSpace(name))]
	return registered, ok
}

// Resources returns the registered resource names, sorted.
func (r *Registry) Resources() []string {
	names := make([]string, 0, len(r.resources))
	for _, name := range r.resources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResourceFor maps a namespace back to its registered resource.
func (r *Registry) ResourceFor(namespace string) (string, bool) {
	database, collection := oplog.SplitNamespace(namespace)
	if r.database != "" && resource.Fold(database) != r.database {
		return "", false
	}
	name, ok := r.collections[resource.Fold(collection)]
	return name, ok
}

// Collection returns the resolved collection for a registered resource.
func (r *Registry) Collection(name string) (string, bool) {
	if !r.Exists(name) {
		return "", false
	}
	return resource.Collection(name), true
}

// Builder accumulates resources and handlers. It is not safe for
// concurrent use; call Build once when done.
type Builder struct {
	database      string
	resources     map[string]string
	collections   map[string]string
	registrations map[string][]*Registration
	errs          []error
}

// NewBuilder starts a registry for the given database name. An empty
// database matches entries from any database.
func NewBuilder(database string) *Builder {
	return &Builder{
		database:      resource.Fold(database),
		resources:     make(map[string]string),
		collections:   make(map[string]string),
		registrations: make(map[string][]*Registration),
	}
}

// Resource registers resources that can be streamed without handlers.
func (b *Builder) Resource(names ...string) *Builder {
	for _, name := range names {
		b.addResource(name)
	}
	return b
}

// OnChange registers handlers for a resource. The resource is registered
// implicitly. Calling OnChange more than once for the same resource adds
// another independent registration.
func (b *Builder) OnChange(name string, handlers ChangeHandlers) *Builder {
	collection, ok := b.addResource(name)
	if !ok {
		return b
	}

	if handlers.Insert == nil && handlers.Update == nil && handlers.Delete == nil {
		b.errs = append(b.errs, fmt.Errorf("resource %q: no change handlers given", name))
		return b
	}
	if handlers.Mode != Tracked && handlers.Mode != Detached {
		b.errs = append(b.errs, fmt.Errorf("resource %q: unknown mode %v", name, handlers.Mode))
		return b
	}

	b.registrations[collection] = append(b.registrations[collection], &Registration{
		Resource:   b.resources[resource.Fold(strings.TrimSpace(name))],
		Collection: collection,
		Mode:       handlers.Mode,
		handlers:   handlers,
	})
	return b
}

func (b *Builder) addResource(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		b.errs = append(b.errs, errors.New("resource name must not be empty"))
		return "", false
	}

	key := resource.Fold(name)
	collection := resource.Collection(name)

	if existing, ok := b.collections[collection]; ok && resource.Fold(existing) != key {
		b.errs = append(b.errs, fmt.Errorf("resources %q and %q both resolve to collection %q", existing, name, collection))
		return "", false
	}

	if _, ok := b.resources[key]; !ok {
		b.resources[key] = name
		b.collections[collection] = name
	}
	return collection, true
}

// Build validates the accumulated registrations and returns the registry.
func (b *Builder) Build() (*Registry, error) {
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("build registry: %w", errors.Join(b.errs...))
	}

	reg := &Registry{
		database:      b.database,
		resources:     make(map[string]string, len(b.resources)),
		collections:   make(map[string]string, len(b.collections)),
		registrations: make(map[string][]*Registration, len(b.registrations)),
	}
	for k, v := range b.resources {
		reg.resources[k] = v
	}
	for k, v := range b.collections {
		reg.collections[k] = v
	}
	for k, v := range b.registrations {
		regs := make([]*Registration, len(v))
		copy(regs, v)
		reg.registrations[k] = regs
	}
	return reg, nil
}
