package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"matchchat/internal/types"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 10 * time.Second
	maxFrameSize   = 32 * 1024
	redialFloor    = time.Second
	redialCeiling  = 30 * time.Second
	sendBufferSize = 64
)

// ErrClosed is returned by Emit after Close or while disconnected.
var ErrClosed = errors.New("transport closed")

// Socket is the websocket-backed Transport. It owns the connection
// lifecycle: dial, read/write pumps, ping keepalive, and redial with
// exponential backoff when the connection drops. Event frames are
// types.Envelope JSON.
type Socket struct {
	url    string
	header http.Header

	mu        sync.Mutex
	handlers  map[types.EventName]Handler
	connectCb []func(int64)
	dropCb    []func(error)
	send      chan []byte
	connected bool

	connID atomic.Int64
	done   chan struct{}
	closed atomic.Bool
}

// Dial connects and starts the connection manager. The initial dial
// is synchronous so callers fail fast on a bad URL; later drops are
// handled by redialing in the background.
func Dial(url string, header http.Header) (*Socket, error) {
	s := &Socket{
		url:      url,
		header:   header,
		handlers: make(map[types.EventName]Handler),
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	go s.manage(conn)
	return s, nil
}

// Emit marshals the payload into an envelope and queues it for the
// write pump. Fails when the socket is closed or the buffer is full;
// intents are fire-and-forget, so callers only log.
func (s *Socket) Emit(event types.EventName, payload any) error {
	if s.closed.Load() {
		return ErrClosed
	}
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshaling %s payload: %w", event, err)
		}
		raw = b
	}
	frame, err := json.Marshal(types.Envelope{Event: event, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshaling %s envelope: %w", event, err)
	}

	select {
	case s.send <- frame:
		return nil
	default:
		log.Printf("[SOCKET] Send buffer full, dropping %s", event)
		return ErrClosed
	}
}

func (s *Socket) On(event types.EventName, h Handler) {
	s.mu.Lock()
	s.handlers[event] = h
	s.mu.Unlock()
}

func (s *Socket) Off(event types.EventName) {
	s.mu.Lock()
	delete(s.handlers, event)
	s.mu.Unlock()
}

func (s *Socket) ConnID() int64 { return s.connID.Load() }

func (s *Socket) OnConnect(fn func(connID int64)) {
	s.mu.Lock()
	s.connectCb = append(s.connectCb, fn)
	s.mu.Unlock()
}

func (s *Socket) OnDisconnect(fn func(err error)) {
	s.mu.Lock()
	s.dropCb = append(s.dropCb, fn)
	s.mu.Unlock()
}

func (s *Socket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	return nil
}

// manage runs one connection at a time: notify connect, pump until
// the connection dies, notify disconnect, back off, redial.
func (s *Socket) manage(conn *websocket.Conn) {
	backoff := redialFloor

	for {
		id := s.connID.Add(1)
		log.Printf("[SOCKET] Connected (conn %d)", id)
		s.notifyConnect(id)

		err := s.pump(conn)
		conn.Close()
		if s.closed.Load() {
			return
		}
		log.Printf("[SOCKET] Connection %d lost: %v", id, err)
		s.notifyDisconnect(err)

		for {
			select {
			case <-s.done:
				return
			case <-time.After(backoff):
			}
			next, _, derr := websocket.DefaultDialer.Dial(s.url, s.header)
			if derr == nil {
				conn = next
				backoff = redialFloor
				break
			}
			log.Printf("[SOCKET] Redial failed: %v (next attempt in %s)", derr, backoff)
			if backoff *= 2; backoff > redialCeiling {
				backoff = redialCeiling
			}
		}
	}
}

// pump runs the write loop inline and the read loop in a goroutine,
// returning when either side fails.
func (s *Socket) pump(conn *websocket.Conn) error {
	readErr := make(chan error, 1)

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go func() {
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			s.dispatch(frame)
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return ErrClosed
		case err := <-readErr:
			return err
		case frame := <-s.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return err
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

func (s *Socket) dispatch(frame []byte) {
	var env types.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		log.Printf("[SOCKET] Dropping unparseable frame: %v", err)
		return
	}
	s.mu.Lock()
	h := s.handlers[env.Event]
	s.mu.Unlock()
	if h == nil {
		return
	}
	h(env.Payload)
}

func (s *Socket) notifyConnect(id int64) {
	s.mu.Lock()
	cbs := append([]func(int64){}, s.connectCb...)
	s.mu.Unlock()
	for _, fn := range cbs {
		fn(id)
	}
}

func (s *Socket) notifyDisconnect(err error) {
	s.mu.Lock()
	cbs := append([]func(error){}, s.dropCb...)
	s.mu.Unlock()
	for _, fn := range cbs {
		fn(err)
	}
}
