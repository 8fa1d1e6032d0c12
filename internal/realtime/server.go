package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/petervdpas/shrive/internal/apperr"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

// Server exposes a Store over websocket connections.
type Server struct {
	store    Store
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*serverConn]struct{}
}

// NewServer creates a websocket handler serving store.
func NewServer(store Store) *Server {
	return &Server{
		store: store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// clients are native processes, not browsers
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*serverConn]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	c := &serverConn{
		id:    uuid.NewString(),
		srv:   s,
		ws:    ws,
		send:  make(chan []byte, sendBuffer),
		close: make(chan struct{}),
		subs:  make(map[string]*Subscription),
	}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	log.Debugf("connection %s from %s", c.id, r.RemoteAddr)
	go c.writeLoop()
	c.readLoop()
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close drops every connection.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.shutdown(websocket.CloseGoingAway, "server shutdown")
	}
}

type serverConn struct {
	id  string
	srv *Server
	ws  *websocket.Conn

	send  chan []byte
	once  sync.Once
	close chan struct{}

	mu   sync.Mutex
	subs map[string]*Subscription
}

func (c *serverConn) readLoop() {
	defer c.shutdown(websocket.CloseNormalClosure, "")

	c.ws.SetReadLimit(1 << 20)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warnf("connection %s: %v", c.id, err)
			}
			return
		}
		var req frame
		if err := json.Unmarshal(data, &req); err != nil || req.T != frameRequest {
			log.Warnf("connection %s: bad frame", c.id)
			continue
		}
		// Requests are handled in arrival order so one client's writes
		// reach the store in the order it sent them.
		res := c.handle(&req)
		if req.ID != 0 {
			res.T = frameResponse
			res.ID = req.ID
			c.enqueue(res)
		}
	}
}

func (c *serverConn) handle(req *frame) *frame {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	st := c.srv.store

	switch req.Op {
	case opGet:
		v, ok, err := st.Get(ctx, req.Path)
		if err != nil {
			return &frame{Error: encodeError(err)}
		}
		return &frame{Value: rawValue(v), Exists: ok}

	case opSet, opCreate, opPush:
		v, err := fromRaw(req.Value)
		if err != nil {
			return &frame{Error: encodeError(apperr.Validationf(req.Op, "decode value: %v", err))}
		}
		switch req.Op {
		case opSet:
			err = st.Set(ctx, req.Path, v)
		case opCreate:
			err = st.Create(ctx, req.Path, v)
		default:
			var key string
			key, err = st.Push(ctx, req.Path, v)
			if err == nil {
				return &frame{Key: key}
			}
		}
		return &frame{Error: encodeError(err)}

	case opUpdate:
		return &frame{Error: encodeError(st.Update(ctx, req.Path, req.Fields))}

	case opUpdateIf:
		if req.Cond == nil {
			return &frame{Error: encodeError(apperr.Validationf(opUpdateIf, "missing condition"))}
		}
		return &frame{Error: encodeError(st.UpdateIf(ctx, req.Path, *req.Cond, req.Fields))}

	case opRemove:
		return &frame{Error: encodeError(st.Remove(ctx, req.Path))}

	case opListenValue, opListenChildren:
		return &frame{Sub: req.Sub, Error: encodeError(c.listen(req))}

	case opUnlisten:
		c.mu.Lock()
		sub := c.subs[req.Sub]
		delete(c.subs, req.Sub)
		c.mu.Unlock()
		if sub != nil {
			sub.Cancel()
		}
		return &frame{Sub: req.Sub}
	}
	return &frame{Error: encodeError(apperr.Validationf("request", "unknown op %q", req.Op))}
}

func (c *serverConn) listen(req *frame) error {
	if req.Sub == "" {
		return apperr.Validationf(req.Op, "missing subscription id")
	}
	subID := req.Sub
	h := func(ev Event) {
		c.enqueue(&frame{T: frameEvent, Sub: subID, Event: encodeEvent(ev)})
		if ev.Type == EventCancelled {
			c.mu.Lock()
			delete(c.subs, subID)
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.subs[subID]; dup {
		return apperr.Statef(req.Op, "subscription %s already active", subID)
	}

	var (
		sub *Subscription
		err error
	)
	if req.Op == opListenValue {
		sub, err = c.srv.store.ListenValue(req.Path, h)
	} else {
		q := Query{}
		if req.Query != nil {
			q = *req.Query
		}
		sub, err = c.srv.store.ListenChildren(req.Path, q, h)
	}
	if err != nil {
		return err
	}
	c.subs[subID] = sub
	return nil
}

// enqueue blocks until the write loop takes the frame or the connection
// closes. Events are never dropped while the connection lives.
func (c *serverConn) enqueue(f *frame) {
	b, err := json.Marshal(f)
	if err != nil {
		log.Errorf("connection %s: encode frame: %v", c.id, err)
		return
	}
	select {
	case <-c.close:
	case c.send <- b:
	}
}

func (c *serverConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.close:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

func (c *serverConn) write(kind int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(kind, payload)
}

// shutdown cancels the connection's subscriptions and closes the socket.
func (c *serverConn) shutdown(code int, reason string) {
	c.once.Do(func() {
		close(c.close)

		c.mu.Lock()
		subs := c.subs
		c.subs = make(map[string]*Subscription)
		c.mu.Unlock()
		for _, s := range subs {
			s.Cancel()
		}

		c.srv.mu.Lock()
		delete(c.srv.conns, c)
		c.srv.mu.Unlock()

		if code != websocket.CloseAbnormalClosure {
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		}
		_ = c.ws.Close()
		log.Debugf("connection %s closed", c.id)
	})
}
