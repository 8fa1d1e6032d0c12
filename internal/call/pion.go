package call

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers are used when no ICE servers are configured.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// PionConfig holds the ICE settings of a PionEngine.
type PionConfig struct {
	STUNURLs       []string
	TURNURLs       []string
	TURNUsername   string
	TURNCredential string

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepaliveInterval   time.Duration

	// IncludeLoopback gathers 127.0.0.1 candidates, for calls on one host.
	IncludeLoopback bool
}

// PionEngine creates WebRTC peers with pion.
type PionEngine struct {
	cfg PionConfig
}

// NewPionEngine returns an engine using cfg. Zero timeouts keep pion's
// defaults; a nil STUN list falls back to DefaultSTUNServers.
func NewPionEngine(cfg PionConfig) *PionEngine {
	if cfg.STUNURLs == nil {
		cfg.STUNURLs = DefaultSTUNServers
	}
	return &PionEngine{cfg: cfg}
}

func (e *PionEngine) iceServers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(e.cfg.STUNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: e.cfg.STUNURLs})
	}
	if len(e.cfg.TURNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       e.cfg.TURNURLs,
			Username:   e.cfg.TURNUsername,
			Credential: e.cfg.TURNCredential,
		})
	}
	return servers
}

// NewPeer builds a peer connection with one local audio track.
func (e *PionEngine) NewPeer(ctx context.Context, roomID string) (Peer, error) {
	// Capture registers its encoder with the media engine, so it has to
	// happen before the API is built.
	mediaEngine := &webrtc.MediaEngine{}
	audio, err := captureAudio(roomID, mediaEngine)
	if err != nil {
		log.Debugf("room %s: no microphone (%v), sending silence", roomID, err)
		mediaEngine = &webrtc.MediaEngine{}
		if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
			return nil, err
		}
		if audio, err = silentAudio(roomID); err != nil {
			return nil, err
		}
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		audio.close()
		return nil, err
	}

	se := webrtc.SettingEngine{}
	if e.cfg.DisconnectedTimeout > 0 && e.cfg.FailedTimeout > 0 {
		keepalive := e.cfg.KeepaliveInterval
		if keepalive <= 0 {
			keepalive = 2 * time.Second
		}
		se.SetICETimeouts(e.cfg.DisconnectedTimeout, e.cfg.FailedTimeout, keepalive)
	}
	if e.cfg.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: e.iceServers()})
	if err != nil {
		audio.close()
		return nil, err
	}

	sender, err := pc.AddTrack(audio.track)
	if err != nil {
		audio.close()
		_ = pc.Close()
		return nil, err
	}

	p := &pionPeer{roomID: roomID, pc: pc, audio: audio, sender: sender}
	pc.OnTrack(p.readTrack)
	pc.OnConnectionStateChange(p.connectionStateChanged)
	go p.readRTCP()

	log.Infof("room %s: peer ready (%d ICE servers)", roomID, len(e.iceServers()))
	return p, nil
}

type pionPeer struct {
	roomID string
	pc     *webrtc.PeerConnection
	audio  *localAudio
	sender *webrtc.RTPSender

	mu      sync.Mutex
	onState func(State)
	muted   bool
	closed  bool

	packets  atomic.Uint64
	bytes    atomic.Uint64
	lost     atomic.Uint32
	fraction atomic.Uint32
	jitter   atomic.Uint32
}

func (p *pionPeer) CreateOffer(ctx context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (p *pionPeer) CreateAnswer(ctx context.Context) (string, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (p *pionPeer) SetRemoteDescription(kind SDPKind, sdp string) error {
	desc := webrtc.SessionDescription{SDP: sdp}
	switch kind {
	case SDPOffer:
		desc.Type = webrtc.SDPTypeOffer
	case SDPAnswer:
		desc.Type = webrtc.SDPTypeAnswer
	default:
		return errors.New("unknown description kind")
	}
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) AddICECandidate(c Candidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (p *pionPeer) OnICECandidate(fn func(Candidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		init := c.ToJSON()
		fn(Candidate{Candidate: init.Candidate, SDPMid: init.SDPMid, SDPMLineIndex: init.SDPMLineIndex})
	})
}

func (p *pionPeer) OnStateChange(fn func(State)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *pionPeer) connectionStateChanged(s webrtc.PeerConnectionState) {
	var st State
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		st = StateConnecting
	case webrtc.PeerConnectionStateConnected:
		st = StateConnected
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
		st = StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		st = StateError
	default:
		return
	}
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// SetMuted swaps the outgoing track for nothing and back.
func (p *pionPeer) SetMuted(muted bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.muted == muted || p.closed {
		return nil
	}
	var track webrtc.TrackLocal
	if !muted {
		track = p.audio.track
	}
	if err := p.sender.ReplaceTrack(track); err != nil {
		return err
	}
	p.muted = muted
	return nil
}

func (p *pionPeer) Stats() Stats {
	return Stats{
		PacketsReceived: p.packets.Load(),
		BytesReceived:   p.bytes.Load(),
		PacketsLost:     p.lost.Load(),
		FractionLost:    float64(p.fraction.Load()) / 256,
		Jitter:          p.jitter.Load(),
	}
}

func (p *pionPeer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.pc.Close()
	p.audio.close()
	return err
}

// readTrack drains a remote track, counting what arrives.
func (p *pionPeer) readTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	log.Infof("room %s: remote %s track (%s)", p.roomID, track.Kind(), track.Codec().MimeType)
	buf := make([]byte, 1500)
	var pkt rtp.Packet
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		p.packets.Add(1)
		p.bytes.Add(uint64(len(pkt.Payload)))
	}
}

// readRTCP keeps the sender's interceptors running and records the loss
// the remote reports for our audio.
func (p *pionPeer) readRTCP() {
	for {
		pkts, _, err := p.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			rr, ok := pkt.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, r := range rr.Reports {
				p.lost.Store(r.TotalLost)
				p.fraction.Store(uint32(r.FractionLost))
				p.jitter.Store(r.Jitter)
			}
		}
	}
}
