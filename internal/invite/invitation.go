// Package invite holds the invitation record shared by confessor and priest
// sessions, its status rules and its realtime layout.
package invite

import (
	"fmt"

	"github.com/petervdpas/shrive/internal/apperr"
	"github.com/petervdpas/shrive/internal/realtime"
)

// Status of an invitation. PENDING is the only non-terminal status.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusAccepted Status = "ACCEPTED"
	StatusRejected Status = "REJECTED"
	StatusMissed   Status = "MISSED"
	StatusExpired  Status = "EXPIRED"
)

// DefaultDisplayName is used when the confessor gives no name.
const DefaultDisplayName = "Anonymous Confessor"

// Root is the tree path holding every priest's invitations.
const Root = "invitations"

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected, StatusMissed, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s.Valid() && s != StatusPending
}

// CanTransition allows exactly PENDING to any terminal status.
func CanTransition(from, to Status) bool {
	return from == StatusPending && to.Terminal()
}

// Invitation is one call request from a confessor to a priest.
// CreatedAt and RespondedAt are milliseconds since the epoch.
type Invitation struct {
	InvitationID         string `json:"invitationId"`
	RoomID               string `json:"roomId"`
	ConfessorID          string `json:"confessorId"`
	ConfessorDisplayName string `json:"confessorDisplayName"`
	PriestID             string `json:"priestId"`
	Status               Status `json:"status"`
	CreatedAt            int64  `json:"timestamp"`
	RespondedAt          *int64 `json:"priestRespondedTimestamp,omitempty"`
}

// PriestPath is the directory of one priest's invitations.
func PriestPath(priestID string) string {
	return realtime.Join(Root, priestID)
}

// Path is the location of one invitation.
func Path(priestID, invitationID string) string {
	return realtime.Join(Root, priestID, invitationID)
}

// Path is the location of inv.
func (inv *Invitation) Path() string {
	return Path(inv.PriestID, inv.InvitationID)
}

// Validate checks the fields a record needs before it is written or acted on.
func (inv *Invitation) Validate() error {
	switch {
	case inv == nil:
		return apperr.Validationf("invitation", "nil invitation")
	case inv.InvitationID == "":
		return apperr.Validationf("invitation", "invitationId is required")
	case inv.PriestID == "":
		return apperr.Validationf("invitation", "priestId is required")
	case inv.RoomID == "":
		return apperr.Validationf("invitation", "roomId is required")
	}
	return nil
}

// encode produces the record written on creation. The creation time is a
// server timestamp.
func (inv *Invitation) encode() map[string]any {
	name := inv.ConfessorDisplayName
	if name == "" {
		name = DefaultDisplayName
	}
	return map[string]any{
		"invitationId":         inv.InvitationID,
		"roomId":               inv.RoomID,
		"confessorId":          inv.ConfessorID,
		"confessorDisplayName": name,
		"priestId":             inv.PriestID,
		"status":               string(inv.Status),
		"timestamp":            realtime.ServerTimestamp(),
	}
}

// Decode reads a record stored under invitations/{priestId}/{key}. Missing
// ids fall back to the path; a missing display name to the default.
func Decode(priestID, key string, v any) (*Invitation, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("invitation %s/%s: not an object", priestID, key)
	}
	inv := &Invitation{
		InvitationID:         realtime.String(m["invitationId"]),
		RoomID:               realtime.String(m["roomId"]),
		ConfessorID:          realtime.String(m["confessorId"]),
		ConfessorDisplayName: realtime.String(m["confessorDisplayName"]),
		PriestID:             realtime.String(m["priestId"]),
		Status:               Status(realtime.String(m["status"])),
	}
	if inv.InvitationID == "" {
		inv.InvitationID = key
	}
	if inv.PriestID == "" {
		inv.PriestID = priestID
	}
	if inv.ConfessorDisplayName == "" {
		inv.ConfessorDisplayName = DefaultDisplayName
	}
	if ts, ok := realtime.Int64(m["timestamp"]); ok {
		inv.CreatedAt = ts
	}
	if ts, ok := realtime.Int64(m["priestRespondedTimestamp"]); ok {
		inv.RespondedAt = &ts
	}
	return inv, nil
}
