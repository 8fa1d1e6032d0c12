// Package chat carries the text chat that runs next to a call, in the
// same room as its signaling.
package chat

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/shrive/internal/apperr"
	"github.com/petervdpas/shrive/internal/realtime"
	"github.com/petervdpas/shrive/internal/util"
)

var log = logging.Logger("chat")

// DefaultBufferSize is the number of messages kept in memory.
const DefaultBufferSize = 100

// Manager holds the chat of the room the user is in.
type Manager struct {
	store  realtime.Store
	selfID string

	messages *util.RingBuffer[*Message]

	mu        sync.RWMutex
	roomID    string
	sub       *realtime.Subscription
	listeners []chan *Message
}

// New creates a chat manager for selfID.
func New(store realtime.Store, selfID string, bufferSize int) *Manager {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Manager{
		store:    store,
		selfID:   selfID,
		messages: util.NewRingBuffer[*Message](bufferSize),
	}
}

// Room returns the joined room, or "".
func (m *Manager) Room() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.roomID
}

// Join follows the chat of roomID, leaving any previous room. Earlier
// messages of the room are loaded first.
func (m *Manager) Join(roomID string) error {
	if _, err := util.ValidateKey(roomID); err != nil {
		return apperr.Validationf("join", "roomId: %v", err)
	}
	m.Leave()

	m.mu.Lock()
	defer m.mu.Unlock()
	sub, err := m.store.ListenChildren(Path(roomID), realtime.Query{OrderBy: "timestamp"}, func(ev realtime.Event) {
		m.handle(roomID, ev)
	})
	if err != nil {
		return apperr.Listen("join "+roomID, err)
	}
	m.roomID = roomID
	m.sub = sub
	log.Infof("joined chat of room %s", roomID)
	return nil
}

// Leave stops following the room and clears the history.
func (m *Manager) Leave() {
	m.mu.Lock()
	sub, room := m.sub, m.roomID
	m.sub, m.roomID = nil, ""
	m.mu.Unlock()
	if sub == nil {
		return
	}
	sub.Cancel()
	m.messages.Reset()
	log.Infof("left chat of room %s", room)
}

// Send posts text to the joined room. The message shows locally right away
// and takes the store's timestamp once it comes back.
func (m *Manager) Send(ctx context.Context, text, displayName string) error {
	text, err := cleanText(text)
	if err != nil {
		return err
	}
	room := m.Room()
	if room == "" {
		return apperr.Statef("send", "not in a room")
	}

	msg := &Message{
		MessageID:         uuid.NewString(),
		SenderID:          m.selfID,
		SenderDisplayName: displayName,
		Text:              text,
	}
	if _, err := m.store.Push(ctx, Path(room), msg.encode()); err != nil {
		log.Warnf("room %s: send failed: %v", room, err)
		if _, tagged := apperr.KindOf(err); tagged {
			return err
		}
		return apperr.Transport("send", err)
	}

	local := *msg
	local.Timestamp = util.NowMillis()
	m.add(room, &local, true)
	return nil
}

// Messages returns the buffered messages, oldest first.
func (m *Manager) Messages() []*Message {
	return m.messages.Snapshot()
}

// Subscribe returns a channel that receives new messages. A listener that
// falls behind misses messages; Messages still has them.
func (m *Manager) Subscribe() <-chan *Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan *Message, 10)
	m.listeners = append(m.listeners, ch)
	return ch
}

// Unsubscribe removes and closes a listener channel.
func (m *Manager) Unsubscribe(ch <-chan *Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.listeners {
		if l == ch {
			close(l)
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

// Close leaves the room and closes every listener.
func (m *Manager) Close() error {
	m.Leave()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.listeners {
		close(l)
	}
	m.listeners = nil
	return nil
}

func (m *Manager) handle(roomID string, ev realtime.Event) {
	switch ev.Type {
	case realtime.EventCancelled:
		log.Errorf("room %s: chat subscription ended: %v", roomID, ev.Err)
		m.mu.Lock()
		if m.roomID == roomID {
			m.sub, m.roomID = nil, ""
		}
		m.mu.Unlock()
	case realtime.EventChildAdded:
		var msg Message
		if err := realtime.Decode(ev.Value, &msg); err != nil {
			log.Warnf("room %s: dropping chat line %s: %v", roomID, ev.Key, err)
			return
		}
		if msg.MessageID == "" {
			msg.MessageID = ev.Key
		}
		m.add(roomID, &msg, false)
	}
}

// add merges msg into the buffer and notifies listeners the first time an
// id is seen. A stored message with the same id is replaced unless
// keepExisting is set.
func (m *Manager) add(roomID string, msg *Message, keepExisting bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.roomID != roomID {
		return
	}

	fresh := true
	m.messages.Update(func(items []*Message) []*Message {
		for i, it := range items {
			if it.MessageID == msg.MessageID {
				if !keepExisting {
					items[i] = msg
				}
				fresh = false
				break
			}
		}
		if fresh {
			items = append(items, msg)
		}
		sort.SliceStable(items, func(i, j int) bool { return items[i].Timestamp < items[j].Timestamp })
		return items
	})
	if !fresh {
		return
	}
	for _, l := range m.listeners {
		select {
		case l <- msg:
		default:
		}
	}
}
