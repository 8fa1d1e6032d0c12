package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// fakeEngine hands out fakePeers and keeps them for inspection.
type fakeEngine struct {
	mu      sync.Mutex
	peers   []*fakePeer
	failNew error
	// candidates each peer emits once its local description is set
	candidates int
}

func (e *fakeEngine) NewPeer(_ context.Context, roomID string) (Peer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failNew != nil {
		return nil, e.failNew
	}
	p := &fakePeer{name: fmt.Sprintf("%s#%d", roomID, len(e.peers)), candidates: e.candidates}
	e.peers = append(e.peers, p)
	return p, nil
}

func (e *fakeEngine) peer(i int) *fakePeer {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i >= len(e.peers) {
		return nil
	}
	return e.peers[i]
}

var errNoRemote = errors.New("remote description not set")

// fakePeer connects once it has both descriptions and a remote candidate.
type fakePeer struct {
	name       string
	candidates int

	mu        sync.Mutex
	local     string
	remote    string
	remoteSet SDPKind
	added     []Candidate
	muted     bool
	closed    bool
	onICE     func(Candidate)
	onState   func(State)
}

func (p *fakePeer) CreateOffer(context.Context) (string, error) {
	p.mu.Lock()
	p.local = "offer:" + p.name
	p.mu.Unlock()
	p.gather()
	return "offer:" + p.name, nil
}

func (p *fakePeer) CreateAnswer(context.Context) (string, error) {
	p.mu.Lock()
	if p.remoteSet != SDPOffer {
		p.mu.Unlock()
		return "", errors.New("no remote offer")
	}
	p.local = "answer:" + p.name
	p.mu.Unlock()
	p.gather()
	p.maybeConnect()
	return "answer:" + p.name, nil
}

func (p *fakePeer) gather() {
	p.mu.Lock()
	fn, n := p.onICE, p.candidates
	p.mu.Unlock()
	mid := "0"
	var idx uint16
	for i := 0; i < n; i++ {
		if fn != nil {
			fn(Candidate{Candidate: fmt.Sprintf("candidate:%s:%d", p.name, i), SDPMid: &mid, SDPMLineIndex: &idx})
		}
	}
}

func (p *fakePeer) SetRemoteDescription(kind SDPKind, sdp string) error {
	p.mu.Lock()
	p.remote = sdp
	p.remoteSet = kind
	p.mu.Unlock()
	p.maybeConnect()
	return nil
}

func (p *fakePeer) AddICECandidate(c Candidate) error {
	p.mu.Lock()
	if p.remoteSet == 0 {
		p.mu.Unlock()
		return errNoRemote
	}
	p.added = append(p.added, c)
	p.mu.Unlock()
	p.maybeConnect()
	return nil
}

func (p *fakePeer) maybeConnect() {
	p.mu.Lock()
	ready := p.local != "" && p.remoteSet != 0 && len(p.added) > 0 && !p.closed
	fn := p.onState
	p.mu.Unlock()
	if ready && fn != nil {
		fn(StateConnected)
	}
}

func (p *fakePeer) OnICECandidate(fn func(Candidate)) {
	p.mu.Lock()
	p.onICE = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnStateChange(fn func(State)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePeer) emitState(st State) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(st)
}

func (p *fakePeer) SetMuted(muted bool) error {
	p.mu.Lock()
	p.muted = muted
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{PacketsReceived: uint64(len(p.added))}
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) snapshot() (local, remote string, added []Candidate, closed, muted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local, p.remote, append([]Candidate(nil), p.added...), p.closed, p.muted
}
