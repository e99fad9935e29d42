package types

import "encoding/json"

// EventName identifies a transport event. The names match what the
// backend emits and accepts on the socket.
type EventName string

const (
	// Outbound intents.
	EvStartMatchmaking EventName = "startMatchmaking"
	EvStopMatchmaking  EventName = "stopMatchmaking"
	EvSendMessage      EventName = "sendMessage"
	EvCancelChat       EventName = "chatCancelled"
	EvTyping           EventName = "user_typing"
	EvLockProfile      EventName = "lockProfile"
	EvUnlockProfile    EventName = "unlockProfile"

	// Inbound events.
	EvMatchFound        EventName = "matchFound"
	EvNewMessage        EventName = "new_message"
	EvMessageSent       EventName = "message_sent"
	EvMessageEdited     EventName = "message_edited"
	EvReactionUpdated   EventName = "message_reaction_updated"
	EvChatEnded         EventName = "chatEnded"
	EvUserDisconnected  EventName = "userDisconnected"
	EvMatchmakingError  EventName = "matchmakingError"
	EvProfileLocked     EventName = "profileLocked"
	EvProfileUnlocked   EventName = "profileUnlocked"
)

// Envelope is the one wire shape every socket frame uses: an event
// name plus an event-specific payload. Payloads are decoded into the
// typed structs below at the transport boundary; anything that fails
// to decode or validate is dropped as malformed before it reaches the
// session core.
type Envelope struct {
	Event   EventName       `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
