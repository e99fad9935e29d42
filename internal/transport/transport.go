package transport

import (
	"encoding/json"

	"matchchat/internal/types"
)

// Handler consumes one inbound event's raw payload.
type Handler func(payload json.RawMessage)

// Transport is the bidirectional event channel the session core runs
// against. Exactly one handler per event name; registering again
// replaces, so attaching twice never double-delivers. ConnID increments
// on every (re)connection and is the identity the router keys its
// attach lifecycle on.
type Transport interface {
	Emit(event types.EventName, payload any) error
	On(event types.EventName, h Handler)
	Off(event types.EventName)
	// ConnID is 0 before the first connection succeeds.
	ConnID() int64
	// OnConnect fires on the initial connect and every reconnect.
	OnConnect(fn func(connID int64))
	// OnDisconnect fires when the connection drops; the transport
	// redials on its own.
	OnDisconnect(fn func(err error))
	Close() error
}
