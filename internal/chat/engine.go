package chat

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"matchchat/internal/keystore"
	"matchchat/internal/middleware"
	"matchchat/internal/models"
	"matchchat/internal/resync"
	"matchchat/internal/router"
	"matchchat/internal/session"
	"matchchat/internal/store"
	"matchchat/internal/transport"
)

// Config wires an Engine. Transport, Keys, RoomAPI and SelfID are
// required.
type Config struct {
	Transport transport.Transport
	Keys      keystore.KeyStore
	RoomAPI   resync.RoomAPI
	SelfID    string

	// SendBurst/SendRefill shape the outbound rate limiter.
	// Defaults: 5 messages, one refill per 500ms.
	SendBurst  int
	SendRefill time.Duration
	// PendingTimeout is how long an optimistic message waits for
	// confirmation before it is marked failed. Default 15s.
	PendingTimeout time.Duration
	// SweepInterval is how often pending expiry runs. Default 5s.
	SweepInterval time.Duration
	// LockTimeout bounds profile lock/unlock round trips.
	LockTimeout time.Duration
}

// Engine is the complete chat session subsystem: it owns the message
// store, the state machine, the event router and the resynchronizer,
// and exposes the intent surface the UI layer drives. The UI observes
// it through SubscribeTimeline and the On* callbacks; the engine never
// depends on any rendering layer.
type Engine struct {
	tr      transport.Transport
	keys    keystore.KeyStore
	machine *session.Machine
	store   *store.MessageStore
	router  *router.Router
	resync  *resync.Resynchronizer
	selfID  string

	mu   sync.Mutex
	room *models.RoomSession

	stateCb  func(session.State)
	errorCb  func(msg string)
	typingCb func(userID string)

	pendingTimeout time.Duration
	sweepInterval  time.Duration
	done           chan struct{}
	closeOnce      sync.Once
}

func New(cfg Config) (*Engine, error) {
	if cfg.Transport == nil || cfg.Keys == nil || cfg.RoomAPI == nil {
		return nil, errors.New("chat: transport, keystore and room api are required")
	}
	if cfg.SelfID == "" {
		return nil, errors.New("chat: self id is required")
	}
	if cfg.SendBurst == 0 {
		cfg.SendBurst = 5
	}
	if cfg.SendRefill == 0 {
		cfg.SendRefill = 500 * time.Millisecond
	}
	if cfg.PendingTimeout == 0 {
		cfg.PendingTimeout = 15 * time.Second
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 5 * time.Second
	}

	e := &Engine{
		tr:             cfg.Transport,
		keys:           cfg.Keys,
		machine:        session.New(),
		store:          store.New(),
		selfID:         cfg.SelfID,
		pendingTimeout: cfg.PendingTimeout,
		sweepInterval:  cfg.SweepInterval,
		done:           make(chan struct{}),
	}
	e.router = router.New(router.Config{
		Transport:   cfg.Transport,
		Machine:     e.machine,
		Store:       e.store,
		RoomKey:     e.roomKey,
		Hooks:       e,
		SelfID:      cfg.SelfID,
		SendLimiter: middleware.NewSendLimiter(cfg.SendBurst, cfg.SendRefill),
		LockTimeout: cfg.LockTimeout,
	})
	e.resync = resync.New(resync.Config{
		API:     cfg.RoomAPI,
		Machine: e.machine,
		Store:   e.store,
		Router:  e.router,
		RoomKey: e.roomKey,
		EndSession: func(roomID string) {
			e.SessionEnded(roomID, false)
		},
	})

	e.router.Attach()
	// Every reconnect re-validates the session before anything else
	// is processed on the new connection.
	cfg.Transport.OnConnect(func(connID int64) {
		if err := e.resync.OnReconnect(context.Background()); err != nil {
			log.Printf("[ENGINE] Resync on conn %d: %v", connID, err)
		}
	})

	go e.sweepPending()
	return e, nil
}

// --- router.Hooks ---

// MatchFound establishes the room session: the pre-provisioned key is
// loaded from the keystore and bound to the room. A missing key is
// unrecoverable for that room; the session is ended on the spot.
func (e *Engine) MatchFound(roomID, peerID string) {
	key, err := e.keys.RoomKey(roomID)
	if err != nil {
		log.Printf("[ENGINE] No key for matched room %s, abandoning session", roomID)
		if e.machine.EndChat(roomID) {
			e.teardownRoom(roomID)
		}
		e.notifyError("could not establish a secure session")
		return
	}

	e.mu.Lock()
	e.room = &models.RoomSession{
		RoomID: roomID,
		SelfID: e.selfID,
		PeerID: peerID,
		Status: models.RoomActive,
		Key:    key,
	}
	e.mu.Unlock()

	log.Printf("[ENGINE] Session established for room %s", roomID)
	e.notifyState(session.Active)
}

// SessionEnded tears the room down: key discarded (memory and
// keystore — the key never outlives the room), timeline cleared.
func (e *Engine) SessionEnded(roomID string, peerGone bool) {
	e.teardownRoom(roomID)
	if peerGone {
		log.Printf("[ENGINE] Peer left room %s", roomID)
	}
	e.notifyState(session.Ended)
}

func (e *Engine) MatchmakingError(msg string) {
	e.notifyError(msg)
	e.notifyState(session.Idle)
}

func (e *Engine) PeerTyping(roomID, userID string) {
	e.mu.Lock()
	cb := e.typingCb
	e.mu.Unlock()
	if cb != nil {
		cb(userID)
	}
}

// --- intents ---

func (e *Engine) StartMatchmaking() error {
	if err := e.router.StartMatchmaking(); err != nil {
		return err
	}
	e.notifyState(session.Searching)
	return nil
}

func (e *Engine) StopMatchmaking() error {
	if err := e.router.StopMatchmaking(); err != nil {
		return err
	}
	e.notifyState(session.Idle)
	return nil
}

// SendMessage sends a text message, returning the optimistic entry.
func (e *Engine) SendMessage(body string) (models.ChatMessage, error) {
	return e.router.SendMessage(body, models.KindText, "")
}

// SendReply sends a text message referencing another message.
func (e *Engine) SendReply(body, replyToID string) (models.ChatMessage, error) {
	return e.router.SendMessage(body, models.KindText, replyToID)
}

// SendImage sends an image reference (upload happens elsewhere).
func (e *Engine) SendImage(ref string) (models.ChatMessage, error) {
	return e.router.SendMessage(ref, models.KindImage, "")
}

func (e *Engine) CancelChat() error {
	return e.router.CancelChat()
}

func (e *Engine) Typing() error {
	return e.router.Typing()
}

func (e *Engine) LockProfile(ctx context.Context) error {
	return e.router.LockProfile(ctx)
}

func (e *Engine) UnlockProfile(ctx context.Context) error {
	return e.router.UnlockProfile(ctx)
}

// --- observation ---

// State returns the current lifecycle phase.
func (e *Engine) State() session.State {
	return e.machine.State()
}

// Room returns the active room and peer ids, empty outside a session.
func (e *Engine) Room() (roomID, peerID string) {
	return e.machine.Room()
}

// Timeline returns the ordered decrypted timeline.
func (e *Engine) Timeline() []models.ChatMessage {
	return e.store.Snapshot()
}

// TimelineByDay returns the timeline partitioned into calendar-day
// buckets for date separators.
func (e *Engine) TimelineByDay() []store.DayBucket {
	return e.store.GroupByDate()
}

// SubscribeTimeline registers a listener for timeline changes.
func (e *Engine) SubscribeTimeline(fn store.Listener) (cancel func()) {
	return e.store.Subscribe(fn)
}

// OnStateChange registers the lifecycle callback.
func (e *Engine) OnStateChange(fn func(session.State)) {
	e.mu.Lock()
	e.stateCb = fn
	e.mu.Unlock()
}

// OnMatchmakingError registers the search-failure callback.
func (e *Engine) OnMatchmakingError(fn func(msg string)) {
	e.mu.Lock()
	e.errorCb = fn
	e.mu.Unlock()
}

// OnPeerTyping registers the typing-indicator callback.
func (e *Engine) OnPeerTyping(fn func(userID string)) {
	e.mu.Lock()
	e.typingCb = fn
	e.mu.Unlock()
}

// Close detaches from the transport and stops background work. The
// transport itself belongs to the caller.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		e.router.Detach()
		roomID, _ := e.machine.Room()
		if e.machine.EndChat(roomID) {
			e.teardownRoom(roomID)
		}
	})
}

// --- internals ---

func (e *Engine) roomKey(roomID string) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.room == nil || e.room.RoomID != roomID {
		return nil
	}
	return e.room.Key
}

func (e *Engine) teardownRoom(roomID string) {
	e.mu.Lock()
	if e.room != nil && e.room.RoomID == roomID {
		e.room.DiscardKey()
		e.room = nil
	}
	e.mu.Unlock()

	e.store.Clear()
	if err := e.keys.DeleteRoomKey(roomID); err != nil {
		log.Printf("[ENGINE] Deleting key for room %s: %v", roomID, err)
	}
	log.Printf("[ENGINE] Session for room %s torn down", roomID)
}

// sweepPending retires optimistic messages that never got confirmed.
func (e *Engine) sweepPending() {
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-e.pendingTimeout).UnixMilli()
			for _, clientID := range e.store.ExpirePending(cutoff) {
				log.Printf("[ENGINE] Message %s never confirmed, marked failed", clientID)
			}
		}
	}
}

func (e *Engine) notifyState(s session.State) {
	e.mu.Lock()
	cb := e.stateCb
	e.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (e *Engine) notifyError(msg string) {
	e.mu.Lock()
	cb := e.errorCb
	e.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
}

var _ router.Hooks = (*Engine)(nil)

// ErrPreconditionFailed re-exports the router's precondition error so
// UI callers can match it without importing the router package.
var ErrPreconditionFailed = router.ErrPreconditionFailed
