package tracking

import (
	"sort"
	"sync"
)

// Listener receives every view the store commits together with the source
// that produced it. Listeners must not call Apply.
type Listener func(view View, source Source)

// ApplyObserver is notified of every Apply call, including rejected ones.
type ApplyObserver func(source Source, outcome Outcome, closed bool)

// StoreOption customises a store.
type StoreOption func(*Store)

// WithApplyObserver installs an observer for apply outcomes.
func WithApplyObserver(fn ApplyObserver) StoreOption {
	return func(s *Store) { s.observer = fn }
}

// Store holds the canonical view for a single identifier. Apply is the only
// mutation path and every mutation goes through Reconcile. Mutations and
// listener notifications are serialized.
type Store struct {
	lc       *Lifecycle
	observer ApplyObserver

	// commit serializes apply + notify so listeners see views in order.
	commit sync.Mutex

	mu        sync.RWMutex
	view      View
	closed    bool
	mutations uint64
	rejected  uint64
	listeners map[int]Listener
	nextID    int
}

// NewStore creates the store for one tracked order or trade.
func NewStore(kind Kind, id string, opts ...StoreOption) *Store {
	s := &Store{
		lc:        LifecycleFor(kind),
		view:      NewView(kind, id),
		listeners: make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// View returns a copy of the current view.
func (s *Store) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view.Clone()
}

// Lifecycle returns the lifecycle table the store reconciles against.
func (s *Store) Lifecycle() *Lifecycle {
	return s.lc
}

// Apply reconciles an update into the view. It returns the resulting view
// and whether the store accepted the call. A closed store accepts nothing.
func (s *Store) Apply(update Update, source Source) (View, bool) {
	s.commit.Lock()
	defer s.commit.Unlock()

	s.mu.Lock()
	if s.closed {
		s.rejected++
		view := s.view.Clone()
		s.mu.Unlock()
		s.observe(source, OutcomeNoop, true)
		return view, false
	}
	next, outcome := ReconcileOutcome(s.view, update, source)
	if source == SourcePoll && outcome != OutcomeNoop {
		next.Error = false
		next.ErrorMessage = ""
	}
	changed := outcome != OutcomeNoop
	if changed {
		s.mutations++
		next.Revision = s.view.Revision + 1
		s.view = next
	}
	view := s.view.Clone()
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	s.observe(source, outcome, false)
	if changed {
		for _, fn := range listeners {
			fn(view.Clone(), source)
		}
	}
	return view, true
}

// MarkError flags a transient fetch failure while keeping the last good
// view. It reports whether the store accepted the call.
func (s *Store) MarkError(err error) bool {
	s.commit.Lock()
	defer s.commit.Unlock()

	s.mu.Lock()
	if s.closed {
		s.rejected++
		s.mu.Unlock()
		return false
	}
	msg := "fetch failed"
	if err != nil {
		msg = err.Error()
	}
	if s.view.Error && s.view.ErrorMessage == msg {
		s.mu.Unlock()
		return true
	}
	next := s.view.Clone()
	next.Error = true
	next.ErrorMessage = msg
	next.Revision = s.view.Revision + 1
	s.view = next
	s.mutations++
	view := s.view.Clone()
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(view.Clone(), SourcePoll)
	}
	return true
}

// Subscribe registers a listener and returns a function removing it.
func (s *Store) Subscribe(fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Close tears the store down. Later Apply and MarkError calls are rejected.
func (s *Store) Close() {
	s.commit.Lock()
	defer s.commit.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.listeners = make(map[int]Listener)
}

// Closed reports whether the store has been torn down.
func (s *Store) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Mutations returns how many times the view changed.
func (s *Store) Mutations() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mutations
}

// Rejected returns how many calls arrived after Close.
func (s *Store) Rejected() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rejected
}

func (s *Store) snapshotListeners() []Listener {
	if len(s.listeners) == 0 {
		return nil
	}
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.listeners[id])
	}
	return out
}

func (s *Store) observe(source Source, outcome Outcome, closed bool) {
	if s.observer != nil {
		s.observer(source, outcome, closed)
	}
}
