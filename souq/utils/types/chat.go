// souq/utils/types/chat.go
package types

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// only ever sent to the gateway, never kept in a session history
	RoleSystem Role = "system"
)

// Mode selects the system prompt variant on the server side.
type Mode string

const (
	ModeGeneral        Mode = "general"
	ModeProductExplain Mode = "product_explain"
	ModeContentSummary Mode = "content_summary"
	ModeTextAnalysis   Mode = "text_analysis"
	ModeOrderTracking  Mode = "order_tracking"
)

var Modes = []Mode{ModeGeneral, ModeProductExplain, ModeContentSummary, ModeTextAnalysis, ModeOrderTracking}

func (m Mode) Valid() bool {
	for _, known := range Modes {
		if m == known {
			return true
		}
	}
	return false
}

// OrDefault maps an unknown or empty mode to general.
func (m Mode) OrDefault() Mode {
	if m.Valid() {
		return m
	}
	return ModeGeneral
}

type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body the widget posts to /chat.
type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
	Type     Mode          `json:"type"`
}

// Transcript is a closed session as archived to object storage.
type Transcript struct {
	SessionID string        `json:"session_id"`
	Mode      Mode          `json:"mode"`
	Messages  []ChatMessage `json:"messages"`
	CreatedAt time.Time     `json:"created_at"`
	ClosedAt  time.Time     `json:"closed_at"`
}

// frames written to the widget websocket
type WSInit struct {
	Token string `json:"token"`
	Mode  Mode   `json:"mode,omitempty"`
}

type WSSend struct {
	Content string `json:"content"`
	Mode    Mode   `json:"mode,omitempty"`
}

type WSFrame struct {
	Type    string       `json:"type"`
	Index   int          `json:"index"`
	Message *ChatMessage `json:"message,omitempty"`
	Content string       `json:"content,omitempty"`
	Code    string       `json:"code,omitempty"`
	Error   string       `json:"error,omitempty"`
}
