package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"tasksched/internal/task"
	"tasksched/internal/task/trigger"
)

// Item is the catalog entry of one task kind. It is immutable once registered.
type Item[S any] struct {
	Kind      string
	Name      string
	Priority  task.Priority
	Trigger   trigger.Trigger
	Temporary bool

	newTask func() task.Task[S]
}

// Recurring reports whether the kind self-schedules.
func (it *Item[S]) Recurring() bool { return it.Trigger.IsRecurring() }

// Decode builds a task value from a stored payload. An empty or null payload
// yields a fresh zero task, which is how recurring instances are stored.
func (it *Item[S]) Decode(payload []byte) (task.Task[S], error) {
	t := it.newTask()
	p := bytes.TrimSpace(payload)
	if len(p) == 0 || bytes.Equal(p, []byte("null")) {
		return t, nil
	}
	if err := json.Unmarshal(p, t); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", it.Kind, err)
	}
	return t, nil
}

// Registry maps task kinds to their catalog entries.
//
// Registration happens before the queue starts; Seal freezes the catalog and
// every later Register panics. Reads go through a sync.Map and never block.
type Registry[S any] struct {
	mu     sync.Mutex
	items  sync.Map // kind -> *Item[S]
	order  []string
	sealed atomic.Bool
}

func New[S any]() *Registry[S] { return &Registry[S]{} }

// Register adds the kind produced by newTask. It panics on an empty kind, on a
// duplicate kind and after Seal, since all three are programming errors.
func (r *Registry[S]) Register(newTask func() task.Task[S]) *Item[S] {
	if newTask == nil {
		panic("registry: nil task constructor")
	}
	proto := newTask()
	if proto == nil {
		panic("registry: task constructor returned nil")
	}
	kind := strings.TrimSpace(proto.Kind())
	if kind == "" {
		panic(fmt.Sprintf("registry: %T has an empty kind", proto))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed.Load() {
		panic(fmt.Sprintf("registry: cannot register %q after the queue started", kind))
	}
	if _, dup := r.items.Load(kind); dup {
		panic(fmt.Sprintf("registry: task kind %q registered twice", kind))
	}

	it := &Item[S]{
		Kind:      kind,
		Name:      displayName(proto),
		Priority:  proto.Priority(),
		Trigger:   proto.Trigger(),
		Temporary: proto.Temporary(),
		newTask:   newTask,
	}
	r.items.Store(kind, it)
	r.order = append(r.order, kind)
	return it
}

func (r *Registry[S]) Find(kind string) (*Item[S], bool) {
	v, ok := r.items.Load(kind)
	if !ok {
		return nil, false
	}
	return v.(*Item[S]), true
}

// All returns the items in registration order.
func (r *Registry[S]) All() []*Item[S] {
	r.mu.Lock()
	kinds := append([]string(nil), r.order...)
	r.mu.Unlock()

	out := make([]*Item[S], 0, len(kinds))
	for _, k := range kinds {
		if it, ok := r.Find(k); ok {
			out = append(out, it)
		}
	}
	return out
}

// TemporaryKinds lists kinds whose rows are purged at startup.
func (r *Registry[S]) TemporaryKinds() []string {
	var out []string
	for _, it := range r.All() {
		if it.Temporary {
			out = append(out, it.Kind)
		}
	}
	return out
}

func (r *Registry[S]) Seal()        { r.sealed.Store(true) }
func (r *Registry[S]) Sealed() bool { return r.sealed.Load() }

func (r *Registry[S]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

func displayName(v any) string {
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return t.String()
	}
	return t.Name()
}
