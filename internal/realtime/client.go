package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/shrive/internal/apperr"
)

// ErrDisconnected is reported once the websocket to the hub is gone.
var ErrDisconnected = errors.New("realtime connection lost")

// Client is a Store backed by a hub's /realtime websocket.
type Client struct {
	ws  *websocket.Conn
	url string

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan *frame
	subs    map[string]*Subscription
	closed  bool
	done    chan struct{}
}

// Dial connects to a realtime endpoint such as ws://host:port/realtime.
func Dial(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, apperr.Transport("dial "+url, err)
	}
	c := &Client{
		ws:      ws,
		url:     url,
		pending: make(map[uint64]chan *frame),
		subs:    make(map[string]*Subscription),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	log.Infof("connected to %s", url)
	return c, nil
}

// Done is closed when the connection is lost or closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close shuts the connection. Live subscriptions receive EventCancelled.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	err := c.ws.Close()
	c.fail(ErrDisconnected)
	return err
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) {
				log.Warnf("connection to %s lost: %v", c.url, err)
			}
			c.fail(fmt.Errorf("%w: %v", ErrDisconnected, err))
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warnf("bad frame from %s: %v", c.url, err)
			continue
		}
		switch f.T {
		case frameResponse:
			c.mu.Lock()
			ch := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- &f
			}
		case frameEvent:
			c.dispatch(&f)
		}
	}
}

func (c *Client) dispatch(f *frame) {
	if f.Event == nil {
		return
	}
	ev, err := f.Event.decode()
	if err != nil {
		log.Warnf("bad event for %s: %v", f.Sub, err)
		return
	}
	c.mu.Lock()
	sub := c.subs[f.Sub]
	if ev.Type == EventCancelled {
		delete(c.subs, f.Sub)
	}
	c.mu.Unlock()
	if sub == nil {
		return
	}
	if ev.Type == EventCancelled {
		sub.terminate(ev.Err)
		return
	}
	sub.enqueue(ev)
}

// fail releases every waiter and terminates every subscription.
func (c *Client) fail(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	pending := c.pending
	c.pending = make(map[uint64]chan *frame)
	subs := c.subs
	c.subs = make(map[string]*Subscription)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, s := range subs {
		s.terminate(apperr.Listen("listen "+s.path, cause))
	}
}

func (c *Client) writeFrame(f *frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// call sends a request and waits for its response.
func (c *Client) call(ctx context.Context, f *frame) (*frame, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, apperr.Transport(f.Op, ErrDisconnected)
	}
	c.nextID++
	f.T = frameRequest
	f.ID = c.nextID
	ch := make(chan *frame, 1)
	c.pending[f.ID] = ch
	c.mu.Unlock()

	if err := c.writeFrame(f); err != nil {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
		return nil, apperr.Transport(f.Op, err)
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, apperr.Transport(f.Op, ErrDisconnected)
		}
		if res.Error != nil {
			return nil, res.Error.err(f.Op)
		}
		return res, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
		return nil, apperr.Transport(f.Op, ctx.Err())
	}
}

func (c *Client) Get(ctx context.Context, path string) (any, bool, error) {
	res, err := c.call(ctx, &frame{Op: opGet, Path: path})
	if err != nil {
		return nil, false, err
	}
	v, err := fromRaw(res.Value)
	if err != nil {
		return nil, false, apperr.Transport(opGet, err)
	}
	return v, res.Exists, nil
}

func (c *Client) Set(ctx context.Context, path string, value any) error {
	_, err := c.call(ctx, &frame{Op: opSet, Path: path, Value: rawValue(value)})
	return err
}

func (c *Client) Create(ctx context.Context, path string, value any) error {
	_, err := c.call(ctx, &frame{Op: opCreate, Path: path, Value: rawValue(value)})
	return err
}

func (c *Client) Update(ctx context.Context, path string, fields map[string]any) error {
	_, err := c.call(ctx, &frame{Op: opUpdate, Path: path, Fields: fields})
	return err
}

func (c *Client) UpdateIf(ctx context.Context, path string, cond Condition, fields map[string]any) error {
	_, err := c.call(ctx, &frame{Op: opUpdateIf, Path: path, Cond: &cond, Fields: fields})
	return err
}

func (c *Client) Remove(ctx context.Context, path string) error {
	_, err := c.call(ctx, &frame{Op: opRemove, Path: path})
	return err
}

func (c *Client) Push(ctx context.Context, path string, value any) (string, error) {
	res, err := c.call(ctx, &frame{Op: opPush, Path: path, Value: rawValue(value)})
	if err != nil {
		return "", err
	}
	return res.Key, nil
}

func (c *Client) ListenValue(path string, h Handler) (*Subscription, error) {
	return c.listen(opListenValue, path, nil, h)
}

func (c *Client) ListenChildren(path string, q Query, h Handler) (*Subscription, error) {
	return c.listen(opListenChildren, path, &q, h)
}

func (c *Client) listen(op, path string, q *Query, h Handler) (*Subscription, error) {
	if h == nil {
		return nil, apperr.Validationf("listen", "handler is required")
	}
	if err := ValidatePath(path); err != nil {
		return nil, err
	}

	kind := listenValue
	query := Query{}
	if q != nil {
		kind, query = listenChildren, *q
	}
	s := newSubscription(path, kind, query, h)

	// The subscription is registered before the request goes out because
	// the server may push the initial snapshot ahead of its response.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		s.Cancel()
		return nil, apperr.Listen("listen "+path, ErrDisconnected)
	}
	c.nextID++
	subID := "s" + strconv.FormatUint(c.nextID, 10)
	c.subs[subID] = s
	c.mu.Unlock()

	s.setOnCancel(func() {
		c.mu.Lock()
		_, live := c.subs[subID]
		delete(c.subs, subID)
		closed := c.closed
		c.mu.Unlock()
		if live && !closed {
			if err := c.writeFrame(&frame{T: frameRequest, Op: opUnlisten, Sub: subID}); err != nil {
				log.Debugf("unlisten %s: %v", subID, err)
			}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if _, err := c.call(ctx, &frame{Op: op, Path: path, Query: q, Sub: subID}); err != nil {
		c.mu.Lock()
		delete(c.subs, subID)
		c.mu.Unlock()
		s.Cancel()
		return nil, apperr.Listen("listen "+path, err)
	}
	return s, nil
}
