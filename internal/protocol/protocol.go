package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/codehuddle/server/internal/room"
)

// Inbound event names
const (
	EventCodeUpdate   = "code-update"
	EventTypingStart  = "typing-start"
	EventTypingStop   = "typing-stop"
	EventSendMessage  = "send-message"
	EventCommit       = "commit"
	EventRestore      = "restore"
	EventCursorUpdate = "cursor-update"
)

// Outbound event names (code-update and cursor-update are both directions)
const (
	EventMemberList     = "member-list"
	EventOwnerChanged   = "owner-changed"
	EventLanguageUpdate = "language-update"
	EventUserTyping     = "user-typing"
	EventChatMessage    = "chat-message"
	EventCommitList     = "commit-list"
	EventSyncSnapshot   = "sync-snapshot"
)

// Every message on the wire is an envelope: an event name plus a payload
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound payloads. The room key and sender identity are supplied by the
// connection, never trusted from the payload.

type CodeUpdatePayload struct {
	Language string `json:"language"`
	Content  string `json:"content"`
}

type SendMessagePayload struct {
	Message string `json:"message"`
}

type CommitPayload struct {
	Language string `json:"language"`
	Content  string `json:"content"`
	Message  string `json:"message"`
}

type RestorePayload struct {
	CommitID string `json:"commit_id"`
}

type CursorPayload struct {
	Language string `json:"language"`
	Line     int    `json:"line"`
	Col      int    `json:"col"`
}

// Inbound is one decoded client event; exactly one payload field is set,
// matching Kind.
type Inbound struct {
	Kind    string
	Code    *CodeUpdatePayload
	Chat    *SendMessagePayload
	Commit  *CommitPayload
	Restore *RestorePayload
	Cursor  *CursorPayload
}

// DecodeInbound parses and validates a client message. Unknown event names
// and payloads missing required fields are rejected here, at the boundary.
func DecodeInbound(data []byte) (*Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	in := &Inbound{Kind: env.Event}

	switch env.Event {
	case EventCodeUpdate:
		var p CodeUpdatePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", env.Event, err)
		}
		if p.Language == "" {
			return nil, fmt.Errorf("%s: language is required", env.Event)
		}
		in.Code = &p

	case EventTypingStart, EventTypingStop:
		// No payload beyond the sender's identity

	case EventSendMessage:
		var p SendMessagePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", env.Event, err)
		}
		if p.Message == "" {
			return nil, fmt.Errorf("%s: message is required", env.Event)
		}
		in.Chat = &p

	case EventCommit:
		var p CommitPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", env.Event, err)
		}
		if p.Language == "" {
			return nil, fmt.Errorf("%s: language is required", env.Event)
		}
		in.Commit = &p

	case EventRestore:
		var p RestorePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", env.Event, err)
		}
		if p.CommitID == "" {
			return nil, fmt.Errorf("%s: commit_id is required", env.Event)
		}
		in.Restore = &p

	case EventCursorUpdate:
		var p CursorPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", env.Event, err)
		}
		if p.Language == "" {
			return nil, fmt.Errorf("%s: language is required", env.Event)
		}
		in.Cursor = &p

	default:
		return nil, fmt.Errorf("unknown event: %q", env.Event)
	}

	return in, nil
}

// Outbound payloads

type MemberInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type MemberListPayload struct {
	Members []MemberInfo `json:"members"`
}

type OwnerChangedPayload struct {
	Owner *MemberInfo `json:"owner"`
}

type LanguageUpdatePayload struct {
	Language string `json:"language"`
}

type UserTypingPayload struct {
	Users []string `json:"users"`
}

type CommitListPayload struct {
	Commits []room.CommitSummary `json:"commits"`
}

type CursorBroadcastPayload struct {
	Member   string `json:"member"`
	Language string `json:"language"`
	Line     int    `json:"line"`
	Col      int    `json:"col"`
}

// SyncSnapshotPayload is the late-join handshake, sent only to the joiner.
type SyncSnapshotPayload struct {
	Members []MemberInfo         `json:"members"`
	Owner   *MemberInfo          `json:"owner"`
	Code    map[string]string    `json:"code"`
	Chat    []room.ChatMessage   `json:"chat"`
	Commits []room.CommitSummary `json:"commits"`
}

// Encode wraps a payload in an envelope ready for the wire
func Encode(event string, data interface{}) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: payload})
}
