package signaling

import (
	"context"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/shrive/internal/apperr"
	"github.com/petervdpas/shrive/internal/realtime"
	"github.com/petervdpas/shrive/internal/util"
)

var log = logging.Logger("signaling")

type listener struct {
	sub *realtime.Subscription
}

// Channel sends and receives messages per room. It keeps at most one
// subscription per room and remembers the last key it delivered, so a room
// that is listened to again resumes after that key.
type Channel struct {
	store realtime.Store

	mu        sync.Mutex
	listeners map[string]*listener
	last      map[string]string
	onError   func(roomID string, err error)
}

// New creates a Channel over store.
func New(store realtime.Store) *Channel {
	return &Channel{
		store:     store,
		listeners: make(map[string]*listener),
		last:      make(map[string]string),
	}
}

// OnError sets the callback for subscriptions the store terminates.
func (c *Channel) OnError(fn func(roomID string, err error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// Send appends msg to the room. Failures are logged and returned, never
// retried; callers decide whether a lost message matters.
func (c *Channel) Send(ctx context.Context, roomID string, msg Message) error {
	if _, err := util.ValidateKey(roomID); err != nil {
		return apperr.Validationf("send", "roomId: %v", err)
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if _, err := c.store.Push(ctx, SignalsPath(roomID), msg); err != nil {
		log.Warnf("send %s to room %s: %v", msg.Type, roomID, err)
		if _, tagged := apperr.KindOf(err); tagged {
			return err
		}
		return apperr.Transport("send", err)
	}
	log.Debugf("sent %s to room %s", msg.Type, roomID)
	return nil
}

// Listen delivers every message appended to the room, once and in append
// order. A previous subscription for the same room is detached first.
func (c *Channel) Listen(roomID string, onMessage func(Message)) error {
	if _, err := util.ValidateKey(roomID); err != nil {
		return apperr.Validationf("listen", "roomId: %v", err)
	}
	if onMessage == nil {
		return apperr.Validationf("listen", "onMessage is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev := c.listeners[roomID]; prev != nil {
		delete(c.listeners, roomID)
		prev.sub.Cancel()
	}

	l := &listener{}
	sub, err := c.store.ListenChildren(SignalsPath(roomID), realtime.Query{StartAfter: c.last[roomID]}, func(ev realtime.Event) {
		c.deliver(roomID, l, ev, onMessage)
	})
	if err != nil {
		return apperr.Listen("listen "+roomID, err)
	}
	l.sub = sub
	c.listeners[roomID] = l
	return nil
}

func (c *Channel) deliver(roomID string, l *listener, ev realtime.Event, onMessage func(Message)) {
	c.mu.Lock()
	current := c.listeners[roomID] == l
	switch {
	case !current:
		c.mu.Unlock()
		return
	case ev.Type == realtime.EventCancelled:
		delete(c.listeners, roomID)
		onError := c.onError
		c.mu.Unlock()
		log.Errorf("room %s: signaling subscription ended: %v", roomID, ev.Err)
		if onError != nil {
			onError(roomID, ev.Err)
		}
		return
	case ev.Type != realtime.EventChildAdded:
		c.mu.Unlock()
		return
	}
	if ev.Key > c.last[roomID] {
		c.last[roomID] = ev.Key
	}
	c.mu.Unlock()

	var msg Message
	if err := realtime.Decode(ev.Value, &msg); err != nil {
		log.Warnf("room %s: dropping undecodable signal %s: %v", roomID, ev.Key, err)
		return
	}
	onMessage(msg)
}

// Listening reports whether the room has an active subscription.
func (c *Channel) Listening(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listeners[roomID] != nil
}

// StopListening detaches the room's subscription, if any.
func (c *Channel) StopListening(roomID string) {
	c.mu.Lock()
	l := c.listeners[roomID]
	delete(c.listeners, roomID)
	c.mu.Unlock()
	if l != nil {
		l.sub.Cancel()
	}
}

// Forget drops the resume point of a room, typically after its call ended.
func (c *Channel) Forget(roomID string) {
	c.mu.Lock()
	delete(c.last, roomID)
	c.mu.Unlock()
}

// Close detaches every room.
func (c *Channel) Close() {
	c.mu.Lock()
	ls := c.listeners
	c.listeners = make(map[string]*listener)
	c.mu.Unlock()
	for _, l := range ls {
		l.sub.Cancel()
	}
}
