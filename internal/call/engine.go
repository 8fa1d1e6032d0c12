package call

import (
	"context"
	"fmt"
)

// State of a call session as reported by its media engine.
type State string

const (
	StateIdle         State = "IDLE"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateDisconnected State = "DISCONNECTED"
	StateError        State = "ERROR"
)

// Candidate is one ICE candidate in its SDP form.
type Candidate struct {
	Candidate     string
	SDPMid        *string
	SDPMLineIndex *uint16
}

// SDPKind tells offers from answers.
type SDPKind int

const (
	SDPOffer SDPKind = iota + 1
	SDPAnswer
)

func (k SDPKind) String() string {
	switch k {
	case SDPOffer:
		return "offer"
	case SDPAnswer:
		return "answer"
	}
	return fmt.Sprintf("SDPKind(%d)", int(k))
}

// Stats are receive-side counters of a peer.
type Stats struct {
	PacketsReceived uint64
	BytesReceived   uint64
	// PacketsLost and FractionLost come from the remote's receiver reports.
	PacketsLost  uint32
	FractionLost float64
	Jitter       uint32
}

// Engine creates the media side of a call.
type Engine interface {
	NewPeer(ctx context.Context, roomID string) (Peer, error)
}

// Peer is one media connection. Callbacks must be registered before the
// first description is applied.
type Peer interface {
	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer(ctx context.Context) (string, error)
	// CreateAnswer creates an answer to the remote offer and applies it as
	// the local description.
	CreateAnswer(ctx context.Context) (string, error)
	SetRemoteDescription(kind SDPKind, sdp string) error
	AddICECandidate(c Candidate) error

	OnICECandidate(fn func(Candidate))
	OnStateChange(fn func(State))

	SetMuted(muted bool) error
	Stats() Stats
	Close() error
}
