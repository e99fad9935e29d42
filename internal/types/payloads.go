package types

import "errors"

// ErrMalformedMessage marks an inbound payload missing the fields
// needed to correlate or apply it. Malformed payloads are dropped and
// logged, never propagated into the session core.
var ErrMalformedMessage = errors.New("malformed message payload")

// MatchFoundPayload announces a successful pairing.
type MatchFoundPayload struct {
	RoomID        string `json:"roomId"`
	MatchedUserID string `json:"matchedUserId"`
}

func (p *MatchFoundPayload) Validate() error {
	if p.RoomID == "" || p.MatchedUserID == "" {
		return ErrMalformedMessage
	}
	return nil
}

// MessageRecord is a still-encrypted message as the server stores and
// relays it. The same shape arrives over the socket (new_message,
// message_sent) and from the history endpoint during gap-fill.
type MessageRecord struct {
	ID              string `json:"id"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
	RoomID          string `json:"roomId"`
	SenderID        string `json:"senderId"`
	Kind            string `json:"kind"`
	Ciphertext      string `json:"ciphertext"` // hex
	IV              string `json:"iv"`         // hex
	ReplyToID       string `json:"replyToId,omitempty"`
	Timestamp       int64  `json:"timestamp"`
	EditedAt        int64  `json:"editedAt,omitempty"`
}

func (p *MessageRecord) Validate() error {
	if p.RoomID == "" || p.SenderID == "" || p.Timestamp == 0 {
		return ErrMalformedMessage
	}
	if p.ID == "" && p.ClientMessageID == "" {
		return ErrMalformedMessage
	}
	return nil
}

// SendMessagePayload is the outbound shape for a locally composed
// message. The server assigns the id and echoes ClientMessageID back
// on message_sent.
type SendMessagePayload struct {
	ClientMessageID string `json:"clientMessageId"`
	RoomID          string `json:"roomId"`
	Kind            string `json:"kind"`
	Ciphertext      string `json:"ciphertext"`
	IV              string `json:"iv"`
	ReplyToID       string `json:"replyToId,omitempty"`
	Timestamp       int64  `json:"timestamp"`
}

// MessageEditedPayload carries the re-encrypted replacement body.
type MessageEditedPayload struct {
	ID         string `json:"id"`
	RoomID     string `json:"roomId"`
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	EditedAt   int64  `json:"editedAt"`
}

func (p *MessageEditedPayload) Validate() error {
	if p.ID == "" || p.RoomID == "" || p.EditedAt == 0 {
		return ErrMalformedMessage
	}
	return nil
}

// ReactionEntry is one participant's reaction as the server sends it.
// Older backend builds populate "user", newer ones "userId"; both are
// accepted and normalized via Participant.
type ReactionEntry struct {
	User   string `json:"user,omitempty"`
	UserID string `json:"userId,omitempty"`
	Emoji  string `json:"emoji"`
}

// Participant returns the canonical participant id for the entry.
func (e *ReactionEntry) Participant() string {
	if e.UserID != "" {
		return e.UserID
	}
	return e.User
}

// ReactionUpdatedPayload replaces the full reaction set of a message.
type ReactionUpdatedPayload struct {
	MessageID string          `json:"messageId"`
	RoomID    string          `json:"roomId"`
	Reactions []ReactionEntry `json:"reactions"`
}

func (p *ReactionUpdatedPayload) Validate() error {
	if p.MessageID == "" || p.RoomID == "" {
		return ErrMalformedMessage
	}
	return nil
}

// ReactionMap folds the entry list into the canonical one-reaction-
// per-participant mapping. Later entries win, matching the server's
// last-write-wins semantics.
func (p *ReactionUpdatedPayload) ReactionMap() map[string]string {
	out := make(map[string]string, len(p.Reactions))
	for i := range p.Reactions {
		id := p.Reactions[i].Participant()
		if id == "" || p.Reactions[i].Emoji == "" {
			continue
		}
		out[id] = p.Reactions[i].Emoji
	}
	return out
}

// ChatEndedPayload signals the room is over, whether by the peer
// cancelling or the server closing it.
type ChatEndedPayload struct {
	RoomID string `json:"roomId"`
}

func (p *ChatEndedPayload) Validate() error {
	if p.RoomID == "" {
		return ErrMalformedMessage
	}
	return nil
}

// UserDisconnectedPayload signals the peer dropped off the socket.
type UserDisconnectedPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

func (p *UserDisconnectedPayload) Validate() error {
	if p.RoomID == "" {
		return ErrMalformedMessage
	}
	return nil
}

// MatchmakingErrorPayload is a server-reported search failure.
type MatchmakingErrorPayload struct {
	Message string `json:"message"`
}

// TypingPayload is the lightweight typing indicator, both directions.
type TypingPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId,omitempty"`
}

func (p *TypingPayload) Validate() error {
	if p.RoomID == "" {
		return ErrMalformedMessage
	}
	return nil
}

// ProfileLockPayload is the outbound lock/unlock request; the server
// echoes CorrelationID back on profileLocked / profileUnlocked.
type ProfileLockPayload struct {
	CorrelationID string `json:"correlationId"`
}

// ProfileLockResult is the correlated response to a lock/unlock
// request.
type ProfileLockResult struct {
	CorrelationID string `json:"correlationId"`
	Success       bool   `json:"success"`
	Message       string `json:"message,omitempty"`
}

func (p *ProfileLockResult) Validate() error {
	if p.CorrelationID == "" {
		return ErrMalformedMessage
	}
	return nil
}
