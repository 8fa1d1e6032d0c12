package realtime

import (
	"context"
	"sync"
)

// EventType is the kind of a subscription event.
type EventType string

const (
	EventValue        EventType = "value"
	EventChildAdded   EventType = "child_added"
	EventChildChanged EventType = "child_changed"
	EventChildRemoved EventType = "child_removed"
	// EventCancelled is the last event of a subscription the store terminated.
	// Err carries an apperr ListenError.
	EventCancelled EventType = "cancelled"
)

// Event is delivered to a Handler. For child events Key is the child key and
// Value its new value (the old one for EventChildRemoved).
type Event struct {
	Type   EventType `json:"type"`
	Path   string    `json:"path"`
	Key    string    `json:"key,omitempty"`
	Value  any       `json:"value,omitempty"`
	Exists bool      `json:"exists,omitempty"`
	Err    error     `json:"-"`
}

// Handler receives events of one subscription, one at a time and in order.
type Handler func(Event)

// Query narrows a child subscription. OrderBy sorts the initial children by
// a field of each child (ties and the default by key). StartAfter skips
// children whose key does not sort after it.
type Query struct {
	OrderBy    string `json:"orderBy,omitempty"`
	StartAfter string `json:"startAfter,omitempty"`
}

func (q Query) admits(key string) bool {
	return q.StartAfter == "" || key > q.StartAfter
}

// Condition guards UpdateIf: the node's Field must currently equal Equals.
type Condition struct {
	Field  string `json:"field"`
	Equals any    `json:"equals"`
}

// Store is a hierarchical key/value tree with change subscriptions.
type Store interface {
	Get(ctx context.Context, path string) (any, bool, error)
	Set(ctx context.Context, path string, value any) error
	// Create writes value only if nothing exists at path.
	Create(ctx context.Context, path string, value any) error
	Update(ctx context.Context, path string, fields map[string]any) error
	// UpdateIf applies fields only if cond holds on the node at path.
	UpdateIf(ctx context.Context, path string, cond Condition, fields map[string]any) error
	Remove(ctx context.Context, path string) error
	// Push appends value under a new time-ordered key and returns the key.
	Push(ctx context.Context, path string, value any) (string, error)
	ListenValue(path string, h Handler) (*Subscription, error)
	ListenChildren(path string, q Query, h Handler) (*Subscription, error)
}

type listenKind int

const (
	listenValue listenKind = iota
	listenChildren
)

// Subscription is a live listener. Events are queued without bound and
// handed to the handler from a dedicated goroutine.
type Subscription struct {
	path     string
	kind     listenKind
	query    Query
	handler  Handler
	onCancel func()

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []Event
	closing   bool
	cancelled bool
	done      chan struct{}
}

func newSubscription(path string, kind listenKind, q Query, h Handler) *Subscription {
	s := &Subscription{
		path:    path,
		kind:    kind,
		query:   q,
		handler: h,
		done:    make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

// Path returns the subscribed path.
func (s *Subscription) Path() string { return s.path }

// Done is closed once the delivery goroutine has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) setOnCancel(fn func()) {
	s.mu.Lock()
	s.onCancel = fn
	s.mu.Unlock()
}

func (s *Subscription) enqueue(evs ...Event) {
	if len(evs) == 0 {
		return
	}
	s.mu.Lock()
	if !s.cancelled && !s.closing {
		s.queue = append(s.queue, evs...)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

// terminate queues a final EventCancelled; nothing is queued after it.
func (s *Subscription) terminate(err error) {
	s.mu.Lock()
	if s.cancelled || s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	s.queue = append(s.queue, Event{Type: EventCancelled, Path: s.path, Err: err})
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *Subscription) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.cancelled {
			s.cond.Wait()
		}
		if s.cancelled {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.handler(ev)

		if ev.Type == EventCancelled {
			s.mu.Lock()
			s.cancelled = true
			s.queue = nil
			s.mu.Unlock()
			return
		}
	}
}

// Cancel detaches the subscription and discards queued events. It is
// idempotent and may be called from inside the handler. An invocation that
// was already dequeued when Cancel ran still completes, so handlers that
// must ignore late events keep their own state.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	s.queue = nil
	s.cond.Signal()
	onCancel := s.onCancel
	s.mu.Unlock()

	if onCancel != nil {
		onCancel()
	}
}
