// Package signaling carries call negotiation messages between the two
// parties of a room.
//
// Sequence for one room:
//
//	caller                          callee
//	──────────────────────────────────────────────
//	OFFER          ────────────────► (waits for it)
//	               ◄──────────────── ANSWER
//	ICE_CANDIDATE  ◄───────────────► ICE_CANDIDATE  (trickle, both ways)
//
// Every message is appended under rooms/{roomId}/signals with a
// time-ordered push key, so both sides read the same order.
package signaling

import (
	"github.com/petervdpas/shrive/internal/apperr"
	"github.com/petervdpas/shrive/internal/realtime"
)

// Type is the kind of a signal message.
type Type string

const (
	TypeOffer        Type = "OFFER"
	TypeAnswer       Type = "ANSWER"
	TypeICECandidate Type = "ICE_CANDIDATE"
)

// RoomsRoot holds one subtree per room.
const RoomsRoot = "rooms"

// Message is one negotiation payload.
type Message struct {
	Type                      Type    `json:"type"`
	SDP                       string  `json:"sdp,omitempty"`
	ICECandidateSDP           string  `json:"iceCandidateSdp,omitempty"`
	ICECandidateSDPMid        *string `json:"iceCandidateSdpMid,omitempty"`
	ICECandidateSDPMLineIndex *uint16 `json:"iceCandidateSdpMLineIndex,omitempty"`
	SenderID                  string  `json:"senderId,omitempty"`
}

// Offer builds an OFFER message.
func Offer(sdp, sender string) Message {
	return Message{Type: TypeOffer, SDP: sdp, SenderID: sender}
}

// Answer builds an ANSWER message.
func Answer(sdp, sender string) Message {
	return Message{Type: TypeAnswer, SDP: sdp, SenderID: sender}
}

// Candidate builds an ICE_CANDIDATE message.
func Candidate(candidate string, mid *string, mline *uint16, sender string) Message {
	return Message{
		Type:                      TypeICECandidate,
		ICECandidateSDP:           candidate,
		ICECandidateSDPMid:        mid,
		ICECandidateSDPMLineIndex: mline,
		SenderID:                  sender,
	}
}

// Validate rejects messages missing the payload their type needs.
func (m Message) Validate() error {
	switch m.Type {
	case TypeOffer, TypeAnswer:
		if m.SDP == "" {
			return apperr.Validationf("signal", "%s without sdp", m.Type)
		}
	case TypeICECandidate:
		if m.ICECandidateSDP == "" {
			return apperr.Validationf("signal", "ICE_CANDIDATE without candidate")
		}
	default:
		return apperr.Validationf("signal", "unknown type %q", m.Type)
	}
	return nil
}

// RoomPath is the subtree of a room.
func RoomPath(roomID string) string {
	return realtime.Join(RoomsRoot, roomID)
}

// SignalsPath is where a room's messages are appended.
func SignalsPath(roomID string) string {
	return realtime.Join(RoomsRoot, roomID, "signals")
}
