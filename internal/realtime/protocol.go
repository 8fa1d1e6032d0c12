package realtime

import (
	"encoding/json"
	"errors"

	"github.com/petervdpas/shrive/internal/apperr"
)

// Wire frames exchanged over the /realtime websocket. A client sends "req"
// frames; the server answers each one with a "res" frame carrying the same
// ID, and pushes "evt" frames for subscriptions. Requests with ID 0 get no
// answer.
const (
	frameRequest  = "req"
	frameResponse = "res"
	frameEvent    = "evt"
)

const (
	opGet            = "get"
	opSet            = "set"
	opCreate         = "create"
	opUpdate         = "update"
	opUpdateIf       = "updateIf"
	opRemove         = "remove"
	opPush           = "push"
	opListenValue    = "listenValue"
	opListenChildren = "listenChildren"
	opUnlisten       = "unlisten"
)

type frame struct {
	T      string          `json:"t"`
	ID     uint64          `json:"id,omitempty"`
	Op     string          `json:"op,omitempty"`
	Path   string          `json:"path,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
	Fields map[string]any  `json:"fields,omitempty"`
	Cond   *Condition      `json:"cond,omitempty"`
	Query  *Query          `json:"query,omitempty"`
	Sub    string          `json:"sub,omitempty"`
	Key    string          `json:"key,omitempty"`
	Exists bool            `json:"exists,omitempty"`
	Event  *wireEvent      `json:"event,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

type wireEvent struct {
	Type   EventType       `json:"type"`
	Path   string          `json:"path"`
	Key    string          `json:"key,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
	Exists bool            `json:"exists,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
}

func encodeError(err error) *wireError {
	if err == nil {
		return nil
	}
	kind, ok := apperr.KindOf(err)
	if !ok {
		kind = apperr.KindTransport
	}
	return &wireError{Kind: kind, Message: err.Error()}
}

func (w *wireError) err(op string) error {
	if w == nil {
		return nil
	}
	return &apperr.Error{Kind: w.Kind, Op: op, Cause: errors.New(w.Message)}
}

func rawValue(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func fromRaw(raw json.RawMessage) (any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	return decodeValue(raw)
}

func encodeEvent(ev Event) *wireEvent {
	return &wireEvent{
		Type:   ev.Type,
		Path:   ev.Path,
		Key:    ev.Key,
		Value:  rawValue(ev.Value),
		Exists: ev.Exists,
		Error:  encodeError(ev.Err),
	}
}

func (w *wireEvent) decode() (Event, error) {
	v, err := fromRaw(w.Value)
	if err != nil {
		return Event{}, err
	}
	ev := Event{Type: w.Type, Path: w.Path, Key: w.Key, Value: v, Exists: w.Exists}
	if w.Error != nil {
		ev.Err = &apperr.Error{Kind: apperr.KindListen, Op: "listen " + w.Path, Cause: errors.New(w.Error.Message)}
	}
	return ev, nil
}
