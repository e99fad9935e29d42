package transport

import (
	"encoding/json"
	"fmt"
	"sync"

	"matchchat/internal/types"
)

// Emitted records one outbound event for assertions.
type Emitted struct {
	Event   types.EventName
	Payload json.RawMessage
}

// Memory is an in-process Transport for tests: outbound emissions are
// recorded, inbound events are injected directly, and reconnects are
// simulated by bumping the connection id.
type Memory struct {
	mu        sync.Mutex
	handlers  map[types.EventName]Handler
	emitted   []Emitted
	connectCb []func(int64)
	dropCb    []func(error)
	connID    int64
	closed    bool
}

func NewMemory() *Memory {
	return &Memory{
		handlers: make(map[types.EventName]Handler),
		connID:   1,
	}
}

func (m *Memory) Emit(event types.EventName, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = b
	}
	m.emitted = append(m.emitted, Emitted{Event: event, Payload: raw})
	return nil
}

func (m *Memory) On(event types.EventName, h Handler) {
	m.mu.Lock()
	m.handlers[event] = h
	m.mu.Unlock()
}

func (m *Memory) Off(event types.EventName) {
	m.mu.Lock()
	delete(m.handlers, event)
	m.mu.Unlock()
}

func (m *Memory) ConnID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connID
}

func (m *Memory) OnConnect(fn func(connID int64)) {
	m.mu.Lock()
	m.connectCb = append(m.connectCb, fn)
	m.mu.Unlock()
}

func (m *Memory) OnDisconnect(fn func(err error)) {
	m.mu.Lock()
	m.dropCb = append(m.dropCb, fn)
	m.mu.Unlock()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Inject delivers an inbound event as if the server sent it.
func (m *Memory) Inject(event types.EventName, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling injected %s: %w", event, err)
	}
	m.mu.Lock()
	h := m.handlers[event]
	m.mu.Unlock()
	if h == nil {
		return nil
	}
	h(json.RawMessage(raw))
	return nil
}

// SimulateReconnect bumps the connection id and fires disconnect then
// connect callbacks, mirroring what Socket does on a drop/redial.
func (m *Memory) SimulateReconnect(dropErr error) {
	m.mu.Lock()
	m.connID++
	id := m.connID
	drops := append([]func(error){}, m.dropCb...)
	connects := append([]func(int64){}, m.connectCb...)
	m.mu.Unlock()

	for _, fn := range drops {
		fn(dropErr)
	}
	for _, fn := range connects {
		fn(id)
	}
}

// Emitted returns a copy of everything emitted so far.
func (m *Memory) Emitted() []Emitted {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Emitted{}, m.emitted...)
}

// EmittedNames returns just the event names, in order.
func (m *Memory) EmittedNames() []types.EventName {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]types.EventName, len(m.emitted))
	for i, e := range m.emitted {
		names[i] = e.Event
	}
	return names
}

// HandlerCount reports how many event handlers are registered.
func (m *Memory) HandlerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers)
}
