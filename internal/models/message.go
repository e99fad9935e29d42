package models

// MessageKind distinguishes what a message body holds.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
)

// ChatMessage is the in-memory, already-decrypted representation of a
// message in the active room's timeline. ID is empty until the server
// confirms the message; ClientMessageID is assigned locally at send
// time and is how an optimistic entry is matched up with its
// confirmation.
type ChatMessage struct {
	ID              string
	ClientMessageID string
	RoomID          string
	SenderID        string
	Kind            MessageKind
	Body            string
	Timestamp       int64 // ms since epoch
	ReplyToID       string
	Reactions       map[string]string // participant id -> emoji
	EditedAt        int64             // 0 = never edited
	Pending         bool
	Failed          bool
}

// HasIdentity reports whether the message carries at least one usable
// identifier. Messages without any identity cannot be stored or
// reconciled.
func (m *ChatMessage) HasIdentity() bool {
	return m.ID != "" || m.ClientMessageID != ""
}

// CloneReactions returns a defensive copy of the reaction map so
// snapshots handed to subscribers cannot be mutated under us.
func (m *ChatMessage) CloneReactions() map[string]string {
	if m.Reactions == nil {
		return nil
	}
	out := make(map[string]string, len(m.Reactions))
	for k, v := range m.Reactions {
		out[k] = v
	}
	return out
}
