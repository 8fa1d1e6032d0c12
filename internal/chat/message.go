package chat

import (
	"strings"
	"unicode/utf8"

	"github.com/petervdpas/shrive/internal/apperr"
	"github.com/petervdpas/shrive/internal/realtime"
	"github.com/petervdpas/shrive/internal/signaling"
)

// MaxTextLength bounds a message, in runes.
const MaxTextLength = 2000

// Message is one line of a room's text chat. Timestamp is milliseconds
// since the epoch as assigned by the store.
type Message struct {
	MessageID         string `json:"messageId"`
	SenderID          string `json:"senderId"`
	SenderDisplayName string `json:"senderDisplayName"`
	Text              string `json:"text"`
	Timestamp         int64  `json:"timestamp"`
}

// Path is where a room's chat lines are pushed.
func Path(roomID string) string {
	return realtime.Join(signaling.RoomPath(roomID), "chat")
}

func cleanText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", apperr.Validationf("chat", "message is empty")
	}
	if utf8.RuneCountInString(text) > MaxTextLength {
		return "", apperr.Validationf("chat", "message longer than %d characters", MaxTextLength)
	}
	return text, nil
}

func (m *Message) encode() map[string]any {
	return map[string]any{
		"messageId":         m.MessageID,
		"senderId":          m.SenderID,
		"senderDisplayName": m.SenderDisplayName,
		"text":              m.Text,
		"timestamp":         realtime.ServerTimestamp(),
	}
}
