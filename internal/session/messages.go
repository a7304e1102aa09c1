package session

import (
	"github.com/MRamiBalles/KeeperTable/internal/domain/state"
	"github.com/MRamiBalles/KeeperTable/internal/events"
	"github.com/MRamiBalles/KeeperTable/internal/visibility"
)

// Server message types.
const (
	MsgSessionState  = "server.session_state"
	MsgHistoryAppend = "server.history_append"
	MsgStateDiff     = "server.state_diff"
	MsgError         = "server.error"
)

// Message is one server-to-client frame.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// SessionState is sent on join and whenever the live session is replaced.
type SessionState struct {
	SessionID       string                `json:"session_id"`
	RoundID         string                `json:"round_id"`
	Module          string                `json:"module_name"`
	Status          state.Status          `json:"status"`
	Viewer          visibility.Viewer     `json:"viewer"`
	VisibleState    *state.Canonical      `json:"visible_state"`
	LatestHistory   []events.HistoryEntry `json:"latest_history"`
	OnlinePlayerIDs []string              `json:"online_player_ids"`
}

// HistoryAppend carries one newly committed entry the viewer may see.
type HistoryAppend struct {
	Entry events.HistoryEntry `json:"entry"`
}

// StateDiff carries the changed paths of the viewer's projection.
type StateDiff struct {
	Version         uint64         `json:"version"`
	Changes         []state.Change `json:"changes"`
	OnlinePlayerIDs []string       `json:"online_player_ids"`
}

// ErrorPayload reports a failed request to one connection.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Sink delivers messages to one connection. Send must not block; it
// reports false when the message was dropped.
type Sink interface {
	Send(msg Message) bool
}
