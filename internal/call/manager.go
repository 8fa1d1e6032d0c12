// Package call bootstraps a peer-to-peer audio call in a room once an
// invitation was accepted, using the signaling channel to exchange the
// offer, the answer and ICE candidates.
package call

import (
	"context"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/petervdpas/shrive/internal/apperr"
	"github.com/petervdpas/shrive/internal/signaling"
	"github.com/petervdpas/shrive/internal/tracing"
	"github.com/petervdpas/shrive/internal/util"
)

var log = logging.Logger("call")

var tracer = otel.Tracer("github.com/petervdpas/shrive/internal/call")

// Manager runs at most one call session at a time.
type Manager struct {
	ch     *signaling.Channel
	engine Engine
	selfID string

	mu       sync.Mutex
	active   *Session
	starting bool
}

// New creates a Manager signaling over ch as selfID.
func New(ch *signaling.Channel, engine Engine, selfID string) *Manager {
	m := &Manager{ch: ch, engine: engine, selfID: selfID}
	ch.OnError(m.signalingLost)
	return m
}

// Active returns the running session, if any.
func (m *Manager) Active() (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, m.active != nil
}

// Start opens a session in roomID. The caller builds its peer and
// publishes an offer; the callee builds its peer only when the offer
// arrives, then answers it. An error publishing the offer ends the session
// and is returned.
func (m *Manager) Start(ctx context.Context, roomID string, isCaller bool, peerName string) (*Session, error) {
	if _, err := util.ValidateKey(roomID); err != nil {
		return nil, apperr.Validationf("start call", "roomId: %v", err)
	}

	m.mu.Lock()
	if m.active != nil || m.starting {
		m.mu.Unlock()
		return nil, apperr.Statef("start call", "another call is active")
	}
	m.starting = true
	m.mu.Unlock()

	ctx, span := tracer.Start(ctx, "call.Start", trace.WithAttributes(
		attribute.String("room.id", roomID),
		attribute.Bool("caller", isCaller),
	))
	defer span.End()

	s := newSession(m, roomID, peerName, isCaller)
	var peer Peer
	if isCaller {
		var err error
		peer, err = s.attachPeer(ctx)
		if err != nil {
			m.mu.Lock()
			m.starting = false
			m.mu.Unlock()
			tracing.Fail(span, err)
			return nil, err
		}
	}

	m.mu.Lock()
	m.active = s
	m.starting = false
	m.mu.Unlock()

	s.setState(StateConnecting)
	if err := m.ch.Listen(roomID, s.handle); err != nil {
		tracing.Fail(span, err)
		s.fail(err)
		s.Hangup()
		return nil, err
	}

	if !isCaller {
		log.Infof("room %s: waiting for offer from %s", roomID, peerName)
		return s, nil
	}
	sdp, err := peer.CreateOffer(ctx)
	if err != nil {
		err = mediaError("create offer", err)
		tracing.Fail(span, err)
		s.fail(err)
		s.Hangup()
		return nil, err
	}
	if err := m.ch.Send(ctx, roomID, signaling.Offer(sdp, m.selfID)); err != nil {
		tracing.Fail(span, err)
		s.fail(err)
		s.Hangup()
		return nil, err
	}
	log.Infof("room %s: offer sent to %s", roomID, peerName)
	return s, nil
}

// Close hangs up the active session.
func (m *Manager) Close() {
	if s, ok := m.Active(); ok {
		s.Hangup()
	}
}

func (m *Manager) release(s *Session) {
	m.mu.Lock()
	if m.active == s {
		m.active = nil
	}
	m.mu.Unlock()
}

func (m *Manager) signalingLost(roomID string, err error) {
	s, ok := m.Active()
	if ok && s.roomID == roomID {
		s.fail(err)
	}
}

func mediaError(op string, err error) error {
	if _, ok := apperr.KindOf(err); ok {
		return err
	}
	return apperr.Wrap(apperr.KindTransport, op, err)
}
