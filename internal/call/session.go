package call

import (
	"context"
	"sync"

	"github.com/petervdpas/shrive/internal/apperr"
	"github.com/petervdpas/shrive/internal/signaling"
	"github.com/petervdpas/shrive/internal/util"
)

// Session is one call between the local user and a peer in a room.
type Session struct {
	mgr      *Manager
	roomID   string
	peerName string
	isCaller bool

	mu         sync.Mutex
	peer       Peer
	state      State
	err        error
	remoteSet  bool
	pendingICE []Candidate
	muted      bool
	hungUp     bool
	observers  []func(State)
	done       chan struct{}
}

func newSession(m *Manager, roomID, peerName string, isCaller bool) *Session {
	return &Session{
		mgr:      m,
		roomID:   roomID,
		peerName: peerName,
		isCaller: isCaller,
		state:    StateIdle,
		done:     make(chan struct{}),
	}
}

// attachPeer asks the engine for the session's peer and wires its
// callbacks. A mute toggled before the peer existed is applied to it.
func (s *Session) attachPeer(ctx context.Context) (Peer, error) {
	peer, err := s.mgr.engine.NewPeer(ctx, s.roomID)
	if err != nil {
		return nil, mediaError("new peer", err)
	}
	peer.OnICECandidate(s.sendCandidate)
	peer.OnStateChange(s.setState)

	s.mu.Lock()
	if s.hungUp {
		s.mu.Unlock()
		_ = peer.Close()
		return nil, apperr.Statef("new peer", "room %s: session already hung up", s.roomID)
	}
	s.peer = peer
	muted := s.muted
	s.mu.Unlock()

	if muted {
		if err := peer.SetMuted(true); err != nil {
			log.Warnf("room %s: mute=true: %v", s.roomID, err)
		}
	}
	return peer, nil
}

func (s *Session) currentPeer() Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// RoomID returns the room the session signals in.
func (s *Session) RoomID() string { return s.roomID }

// PeerName returns the display name of the other party.
func (s *Session) PeerName() string { return s.peerName }

// IsCaller reports whether this side sent the offer.
func (s *Session) IsCaller() bool { return s.isCaller }

// Done is closed after Hangup.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the last state reported for the session.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that put the session in ERROR, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// OnState registers an observer for state changes.
func (s *Session) OnState(fn func(State)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// ToggleMute flips the local microphone and returns the new muted state.
func (s *Session) ToggleMute() bool {
	s.mu.Lock()
	s.muted = !s.muted
	muted, peer := s.muted, s.peer
	s.mu.Unlock()
	if peer != nil {
		if err := peer.SetMuted(muted); err != nil {
			log.Warnf("room %s: mute=%v: %v", s.roomID, muted, err)
		}
	}
	log.Infof("room %s: muted=%v", s.roomID, muted)
	return muted
}

// Stats returns the peer's receive counters, zero before the peer exists.
func (s *Session) Stats() Stats {
	if peer := s.currentPeer(); peer != nil {
		return peer.Stats()
	}
	return Stats{}
}

// Hangup stops signaling, closes the peer and frees the manager for the
// next call. Calling it again does nothing.
func (s *Session) Hangup() {
	s.mu.Lock()
	if s.hungUp {
		s.mu.Unlock()
		return
	}
	s.hungUp = true
	peer := s.peer
	s.mu.Unlock()

	s.mgr.ch.StopListening(s.roomID)
	s.mgr.ch.Forget(s.roomID)
	if peer != nil {
		if err := peer.Close(); err != nil {
			log.Warnf("room %s: close peer: %v", s.roomID, err)
		}
	}
	s.mgr.release(s)

	s.mu.Lock()
	var notify []func(State)
	if s.state != StateError && s.state != StateDisconnected {
		s.state = StateDisconnected
		notify = append(notify, s.observers...)
	}
	s.mu.Unlock()
	for _, fn := range notify {
		fn(StateDisconnected)
	}
	close(s.done)
	log.Infof("room %s: hung up", s.roomID)
}

// setState records a state reported by the engine.
func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.hungUp || s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	observers := append(([]func(State))(nil), s.observers...)
	s.mu.Unlock()

	log.Infof("room %s: %s", s.roomID, st)
	for _, fn := range observers {
		fn(st)
	}
}

// fail puts the session in ERROR with cause.
func (s *Session) fail(cause error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = cause
	}
	s.mu.Unlock()
	log.Errorf("room %s: %v", s.roomID, cause)
	s.setState(StateError)
}

func (s *Session) stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hungUp
}

// sendCandidate publishes a local candidate. Losing one is not fatal.
func (s *Session) sendCandidate(c Candidate) {
	if s.stopped() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultFetchTimeout)
	defer cancel()
	msg := signaling.Candidate(c.Candidate, c.SDPMid, c.SDPMLineIndex, s.mgr.selfID)
	if err := s.mgr.ch.Send(ctx, s.roomID, msg); err != nil {
		log.Warnf("room %s: candidate not sent: %v", s.roomID, err)
	}
}

// handle processes one message from the room. Messages arrive in push
// order on the signaling subscription's goroutine.
func (s *Session) handle(msg signaling.Message) {
	if msg.SenderID == s.mgr.selfID || s.stopped() {
		return
	}
	switch msg.Type {
	case signaling.TypeOffer:
		s.handleOffer(msg)
	case signaling.TypeAnswer:
		s.handleAnswer(msg)
	case signaling.TypeICECandidate:
		s.handleCandidate(Candidate{
			Candidate:     msg.ICECandidateSDP,
			SDPMid:        msg.ICECandidateSDPMid,
			SDPMLineIndex: msg.ICECandidateSDPMLineIndex,
		})
	}
}

func (s *Session) handleOffer(msg signaling.Message) {
	if s.isCaller {
		log.Warnf("room %s: ignoring offer from %s, this side is calling", s.roomID, msg.SenderID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultFetchTimeout)
	defer cancel()

	peer := s.currentPeer()
	if peer == nil {
		var err error
		if peer, err = s.attachPeer(ctx); err != nil {
			if !s.stopped() {
				s.fail(err)
			}
			return
		}
	}
	if !s.applyRemote(SDPOffer, msg.SDP) {
		return
	}

	sdp, err := peer.CreateAnswer(ctx)
	if err != nil {
		s.fail(mediaError("create answer", err))
		return
	}
	if err := s.mgr.ch.Send(ctx, s.roomID, signaling.Answer(sdp, s.mgr.selfID)); err != nil {
		s.fail(err)
		return
	}
	log.Infof("room %s: answer sent", s.roomID)
}

func (s *Session) handleAnswer(msg signaling.Message) {
	if !s.isCaller {
		log.Warnf("room %s: ignoring answer from %s, this side is answering", s.roomID, msg.SenderID)
		return
	}
	s.applyRemote(SDPAnswer, msg.SDP)
}

// applyRemote sets the remote description once, then applies the
// candidates that arrived before it.
func (s *Session) applyRemote(kind SDPKind, sdp string) bool {
	s.mu.Lock()
	if s.remoteSet {
		s.mu.Unlock()
		log.Debugf("room %s: duplicate %s ignored", s.roomID, kind)
		return false
	}
	peer := s.peer
	s.mu.Unlock()

	if err := peer.SetRemoteDescription(kind, sdp); err != nil {
		s.fail(mediaError("set remote "+kind.String(), err))
		return false
	}

	s.mu.Lock()
	s.remoteSet = true
	buffered := s.pendingICE
	s.pendingICE = nil
	s.mu.Unlock()

	for _, c := range buffered {
		s.addCandidate(c)
	}
	log.Debugf("room %s: remote %s applied, %d buffered candidates", s.roomID, kind, len(buffered))
	return true
}

func (s *Session) handleCandidate(c Candidate) {
	s.mu.Lock()
	if !s.remoteSet {
		s.pendingICE = append(s.pendingICE, c)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.addCandidate(c)
}

func (s *Session) addCandidate(c Candidate) {
	if err := s.currentPeer().AddICECandidate(c); err != nil {
		log.Warnf("room %s: add candidate: %v", s.roomID, err)
	}
}
