package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"tasksched/internal/task"
	"tasksched/internal/task/trigger"
)

// State is the in-memory runtime record of one recurring kind. It is never
// persisted; startup rebuilds it from the store.
//
// blocked is set while a persisted instance of the kind is live, so the kind
// does not fire a second copy. A blocked state has no deadline.
type State struct {
	Kind     string
	Priority task.Priority
	Trigger  trigger.Trigger

	mu       sync.Mutex
	blocked  bool
	deadline time.Time
	hasNext  bool

	running atomic.Bool
}

// IsDue reports whether the kind should fire at now: not blocked, not running,
// and its deadline is set and not after now.
func (s *State) IsDue(now time.Time) bool {
	if s.running.Load() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.blocked && s.hasNext && !s.deadline.After(now)
}

// Init sets the startup state: blocked when the store already holds a live
// instance, otherwise scheduled from now.
func (s *State) Init(now time.Time, live bool) {
	if live {
		s.Block()
		return
	}
	s.mu.Lock()
	s.blocked = false
	s.deadline, s.hasNext = s.Trigger.Upcoming(now)
	s.mu.Unlock()
}

// Block prevents self-scheduling until Unblock.
func (s *State) Block() {
	s.mu.Lock()
	s.blocked = true
	s.deadline, s.hasNext = time.Time{}, false
	s.mu.Unlock()
}

// Unblock clears the blocked flag and recomputes the deadline from now.
func (s *State) Unblock(now time.Time) {
	s.mu.Lock()
	s.blocked = false
	s.deadline, s.hasNext = s.Trigger.Upcoming(now)
	s.mu.Unlock()
}

// Reschedule recomputes the deadline from now. Blocked states are left alone.
func (s *State) Reschedule(now time.Time) {
	s.mu.Lock()
	if !s.blocked {
		s.deadline, s.hasNext = s.Trigger.Upcoming(now)
	}
	s.mu.Unlock()
}

func (s *State) Blocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked
}

func (s *State) Deadline() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline, s.hasNext
}

func (s *State) Running() bool { return s.running.Load() }

// AcquireRunning marks the kind as running. It returns false when an
// execution already holds the flag.
func (s *State) AcquireRunning() (*RunningGuard, bool) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, false
	}
	return &RunningGuard{s: s}, true
}

// RunningGuard holds the running flag of a State. Release it with defer so a
// panic or early return cannot leave the kind marked running.
type RunningGuard struct {
	s    *State
	once sync.Once
}

func (g *RunningGuard) State() *State { return g.s }

// Release clears the running flag. It is safe to call more than once.
func (g *RunningGuard) Release() {
	if g == nil {
		return
	}
	g.once.Do(func() { g.s.running.Store(false) })
}

// Tracker holds one State per recurring kind. The set of kinds is fixed at
// construction; each State guards itself so kinds never contend.
type Tracker struct {
	states []*State
	byKind map[string]*State
}

// NewTracker creates states for every recurring kind of r. The states start
// without a deadline until Init.
func NewTracker[S any](r *Registry[S]) *Tracker {
	t := &Tracker{byKind: map[string]*State{}}
	for _, it := range r.All() {
		if !it.Recurring() {
			continue
		}
		st := &State{Kind: it.Kind, Priority: it.Priority, Trigger: it.Trigger}
		t.states = append(t.states, st)
		t.byKind[it.Kind] = st
	}
	return t
}

func (t *Tracker) Get(kind string) (*State, bool) {
	st, ok := t.byKind[kind]
	return st, ok
}

func (t *Tracker) States() []*State { return t.states }

func (t *Tracker) Len() int { return len(t.states) }

// Due returns the states that should fire at now.
func (t *Tracker) Due(now time.Time) []*State {
	var out []*State
	for _, st := range t.states {
		if st.IsDue(now) {
			out = append(out, st)
		}
	}
	return out
}
