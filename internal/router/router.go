package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"matchchat/internal/crypto"
	"matchchat/internal/middleware"
	"matchchat/internal/models"
	"matchchat/internal/session"
	"matchchat/internal/store"
	"matchchat/internal/transport"
	"matchchat/internal/types"
)

// ErrPreconditionFailed is the one error class surfaced synchronously
// to the caller: an outbound intent attempted in a state where it
// cannot apply (send while not active, empty body, rate limited).
// Nothing is emitted when it fires.
var ErrPreconditionFailed = errors.New("precondition failed")

// ErrRequestTimeout means a correlated request (profile lock/unlock)
// got no response in time. Recoverable by retrying.
var ErrRequestTimeout = errors.New("request timed out")

// Hooks are the session-lifecycle callouts the engine implements.
// They run on the delivery path, so they must be fast.
type Hooks interface {
	// MatchFound fires after the state machine accepted the match;
	// the engine establishes the room session (key lookup).
	MatchFound(roomID, peerID string)
	// SessionEnded fires after the machine reached Ended, whether by
	// local cancel, server end, or peer disconnect. The engine tears
	// the room session down (key discard, store clear).
	SessionEnded(roomID string, peerGone bool)
	// MatchmakingError surfaces a server-reported search failure.
	MatchmakingError(msg string)
	// PeerTyping surfaces the peer's typing indicator.
	PeerTyping(roomID, userID string)
}

// Config wires a Router.
type Config struct {
	Transport transport.Transport
	Machine   *session.Machine
	Store     *store.MessageStore
	// RoomKey returns the active room's symmetric key, or nil when
	// roomID is not the active session.
	RoomKey func(roomID string) []byte
	Hooks   Hooks
	SelfID  string
	// SendLimiter is optional; nil disables send throttling.
	SendLimiter *middleware.SendLimiter
	// LockTimeout bounds profile lock/unlock round trips. Defaults
	// to 5s.
	LockTimeout time.Duration
}

// Router is the single point of subscription for inbound transport
// events and the guarded emission point for outbound intents. It
// validates every inbound payload at the boundary, rejects events for
// rooms that are not the active session, decrypts message bodies, and
// applies the result to the store and state machine.
type Router struct {
	tr      transport.Transport
	machine *session.Machine
	store   *store.MessageStore
	roomKey func(roomID string) []byte
	hooks   Hooks
	selfID  string
	limiter *middleware.SendLimiter

	mu           sync.Mutex
	attachedConn int64
	pendingLocks map[string]chan types.ProfileLockResult
	lockTimeout  time.Duration
}

func New(cfg Config) *Router {
	timeout := cfg.LockTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Router{
		tr:           cfg.Transport,
		machine:      cfg.Machine,
		store:        cfg.Store,
		roomKey:      cfg.RoomKey,
		hooks:        cfg.Hooks,
		selfID:       cfg.SelfID,
		limiter:      cfg.SendLimiter,
		pendingLocks: make(map[string]chan types.ProfileLockResult),
		lockTimeout:  timeout,
	}
}

var inboundEvents = []types.EventName{
	types.EvMatchFound,
	types.EvNewMessage,
	types.EvMessageSent,
	types.EvMessageEdited,
	types.EvReactionUpdated,
	types.EvChatEnded,
	types.EvUserDisconnected,
	types.EvMatchmakingError,
	types.EvTyping,
	types.EvProfileLocked,
	types.EvProfileUnlocked,
}

// Attach registers every inbound handler for the transport's current
// connection. Idempotent per connection identity: attaching twice on
// the same connection is a no-op, and attaching after a reconnect
// detaches the old registration first so nothing double-delivers.
func (r *Router) Attach() {
	conn := r.tr.ConnID()

	r.mu.Lock()
	if r.attachedConn == conn && conn != 0 {
		r.mu.Unlock()
		log.Printf("[ROUTER] Already attached to conn %d, skipping", conn)
		return
	}
	r.attachedConn = conn
	r.mu.Unlock()

	r.tr.On(types.EvMatchFound, r.handleMatchFound)
	r.tr.On(types.EvNewMessage, r.handleMessageRecord)
	r.tr.On(types.EvMessageSent, r.handleMessageRecord)
	r.tr.On(types.EvMessageEdited, r.handleMessageEdited)
	r.tr.On(types.EvReactionUpdated, r.handleReactionUpdated)
	r.tr.On(types.EvChatEnded, r.handleChatEnded)
	r.tr.On(types.EvUserDisconnected, r.handleUserDisconnected)
	r.tr.On(types.EvMatchmakingError, r.handleMatchmakingError)
	r.tr.On(types.EvTyping, r.handleTyping)
	r.tr.On(types.EvProfileLocked, r.handleProfileResult)
	r.tr.On(types.EvProfileUnlocked, r.handleProfileResult)
	log.Printf("[ROUTER] Attached handlers to conn %d", conn)
}

// Detach removes every inbound handler. Called before teardown and
// implicitly superseded by re-Attach after a reconnect.
func (r *Router) Detach() {
	for _, ev := range inboundEvents {
		r.tr.Off(ev)
	}
	r.mu.Lock()
	r.attachedConn = 0
	r.mu.Unlock()
	log.Printf("[ROUTER] Detached all handlers")
}

// --- inbound ---

func (r *Router) handleMatchFound(raw json.RawMessage) {
	var p types.MatchFoundPayload
	if !decode(raw, &p, "matchFound") {
		return
	}
	if !r.machine.MatchFound(p.RoomID, p.MatchedUserID) {
		return
	}
	r.hooks.MatchFound(p.RoomID, p.MatchedUserID)
}

// handleMessageRecord serves both new_message (peer messages) and
// message_sent (server confirmation of our own optimistic send); both
// carry the same record shape and merge through the same store path.
func (r *Router) handleMessageRecord(raw json.RawMessage) {
	var p types.MessageRecord
	if !decode(raw, &p, "message") {
		return
	}
	if !r.machine.IsActiveRoom(p.RoomID) {
		log.Printf("[ROUTER] Stale message event for room %s ignored", p.RoomID)
		return
	}
	msg, ok := r.decryptRecord(&p)
	if !ok {
		return
	}
	if _, err := r.store.InsertOrMerge(msg); err != nil {
		log.Printf("[ROUTER] Dropping message: %v", err)
	}
}

func (r *Router) handleMessageEdited(raw json.RawMessage) {
	var p types.MessageEditedPayload
	if !decode(raw, &p, "message_edited") {
		return
	}
	if !r.machine.IsActiveRoom(p.RoomID) {
		log.Printf("[ROUTER] Stale edit for room %s ignored", p.RoomID)
		return
	}
	key := r.roomKey(p.RoomID)
	if key == nil {
		log.Printf("[ROUTER] No key for room %s, dropping edit", p.RoomID)
		return
	}
	body, err := crypto.Decrypt(p.Ciphertext, p.IV, key)
	if err != nil {
		log.Printf("[ROUTER] Undecodable edit for message %s dropped", p.ID)
		return
	}
	r.store.ApplyEdit(p.ID, body, p.EditedAt)
}

func (r *Router) handleReactionUpdated(raw json.RawMessage) {
	var p types.ReactionUpdatedPayload
	if !decode(raw, &p, "message_reaction_updated") {
		return
	}
	if !r.machine.IsActiveRoom(p.RoomID) {
		log.Printf("[ROUTER] Stale reaction update for room %s ignored", p.RoomID)
		return
	}
	r.store.ApplyReactionUpdate(p.MessageID, p.ReactionMap())
}

func (r *Router) handleChatEnded(raw json.RawMessage) {
	var p types.ChatEndedPayload
	if !decode(raw, &p, "chatEnded") {
		return
	}
	if !r.machine.EndChat(p.RoomID) {
		return
	}
	// Server already ended the room; nothing to emit back.
	r.hooks.SessionEnded(p.RoomID, false)
}

func (r *Router) handleUserDisconnected(raw json.RawMessage) {
	var p types.UserDisconnectedPayload
	if !decode(raw, &p, "userDisconnected") {
		return
	}
	if !r.machine.EndChat(p.RoomID) {
		return
	}
	r.hooks.SessionEnded(p.RoomID, true)
}

func (r *Router) handleMatchmakingError(raw json.RawMessage) {
	var p types.MatchmakingErrorPayload
	_ = json.Unmarshal(raw, &p) // message is best-effort
	if !r.machine.MatchmakingError(p.Message) {
		return
	}
	r.hooks.MatchmakingError(p.Message)
}

func (r *Router) handleTyping(raw json.RawMessage) {
	var p types.TypingPayload
	if !decode(raw, &p, "user_typing") {
		return
	}
	if !r.machine.IsActiveRoom(p.RoomID) {
		return
	}
	r.hooks.PeerTyping(p.RoomID, p.UserID)
}

func (r *Router) handleProfileResult(raw json.RawMessage) {
	var p types.ProfileLockResult
	if !decode(raw, &p, "profile result") {
		return
	}
	r.mu.Lock()
	ch, ok := r.pendingLocks[p.CorrelationID]
	delete(r.pendingLocks, p.CorrelationID)
	r.mu.Unlock()
	if !ok {
		log.Printf("[ROUTER] Uncorrelated profile result %s ignored", p.CorrelationID)
		return
	}
	ch <- p
}

// decryptRecord turns a wire record into a timeline message, or
// reports false when the ciphertext cannot be decoded. A failed
// decrypt drops only that message; the rest of the batch proceeds.
func (r *Router) decryptRecord(p *types.MessageRecord) (models.ChatMessage, bool) {
	key := r.roomKey(p.RoomID)
	if key == nil {
		log.Printf("[ROUTER] No key for room %s, dropping message", p.RoomID)
		return models.ChatMessage{}, false
	}
	body, err := crypto.Decrypt(p.Ciphertext, p.IV, key)
	if err != nil {
		log.Printf("[ROUTER] Undecodable message %s dropped", p.ID)
		return models.ChatMessage{}, false
	}
	return models.ChatMessage{
		ID:              p.ID,
		ClientMessageID: p.ClientMessageID,
		RoomID:          p.RoomID,
		SenderID:        p.SenderID,
		Kind:            models.MessageKind(p.Kind),
		Body:            body,
		Timestamp:       p.Timestamp,
		ReplyToID:       p.ReplyToID,
		EditedAt:        p.EditedAt,
	}, true
}

// --- outbound intents ---

// StartMatchmaking transitions to Searching and emits the intent.
func (r *Router) StartMatchmaking() error {
	if !r.machine.StartMatchmaking() {
		return fmt.Errorf("%w: cannot start matchmaking in state %s", ErrPreconditionFailed, r.machine.State())
	}
	return r.emit(types.EvStartMatchmaking, nil)
}

// StopMatchmaking returns to Idle and emits the intent.
func (r *Router) StopMatchmaking() error {
	if !r.machine.StopMatchmaking() {
		return fmt.Errorf("%w: not searching", ErrPreconditionFailed)
	}
	return r.emit(types.EvStopMatchmaking, nil)
}

// SendMessage encrypts the body, inserts the optimistic entry
// (pending, client id assigned) and emits the send intent. Returns
// the optimistic message so the caller can track it.
func (r *Router) SendMessage(body string, kind models.MessageKind, replyToID string) (models.ChatMessage, error) {
	roomID, _ := r.machine.Room()
	if r.machine.State() != session.Active {
		return models.ChatMessage{}, fmt.Errorf("%w: no active chat", ErrPreconditionFailed)
	}
	if body == "" {
		return models.ChatMessage{}, fmt.Errorf("%w: empty message body", ErrPreconditionFailed)
	}
	if r.limiter != nil && !r.limiter.Allow() {
		return models.ChatMessage{}, fmt.Errorf("%w: sending too fast", ErrPreconditionFailed)
	}
	key := r.roomKey(roomID)
	if key == nil {
		return models.ChatMessage{}, fmt.Errorf("%w: no key for active room", ErrPreconditionFailed)
	}

	ciphertext, iv, err := crypto.Encrypt(body, key)
	if err != nil {
		return models.ChatMessage{}, fmt.Errorf("encrypting message: %w", err)
	}

	msg := models.ChatMessage{
		ClientMessageID: uuid.NewString(),
		RoomID:          roomID,
		SenderID:        r.selfID,
		Kind:            kind,
		Body:            body,
		Timestamp:       time.Now().UnixMilli(),
		ReplyToID:       replyToID,
		Pending:         true,
	}
	if _, err := r.store.InsertOrMerge(msg); err != nil {
		return models.ChatMessage{}, err
	}

	err = r.emit(types.EvSendMessage, types.SendMessagePayload{
		ClientMessageID: msg.ClientMessageID,
		RoomID:          roomID,
		Kind:            string(kind),
		Ciphertext:      ciphertext,
		IV:              iv,
		ReplyToID:       replyToID,
		Timestamp:       msg.Timestamp,
	})
	if err != nil {
		r.store.MarkFailed(msg.ClientMessageID)
		return models.ChatMessage{}, err
	}
	return msg, nil
}

// CancelChat ends the active session locally and emits the cancel
// intent exactly once.
func (r *Router) CancelChat() error {
	roomID, _ := r.machine.Room()
	if !r.machine.EndChat(roomID) {
		return fmt.Errorf("%w: no active chat to cancel", ErrPreconditionFailed)
	}
	err := r.emit(types.EvCancelChat, types.ChatEndedPayload{RoomID: roomID})
	r.hooks.SessionEnded(roomID, false)
	return err
}

// Typing emits the typing indicator for the active room.
func (r *Router) Typing() error {
	roomID, _ := r.machine.Room()
	if r.machine.State() != session.Active {
		return fmt.Errorf("%w: no active chat", ErrPreconditionFailed)
	}
	return r.emit(types.EvTyping, types.TypingPayload{RoomID: roomID, UserID: r.selfID})
}

// LockProfile asks the server to lock the profile and waits for the
// correlated response.
func (r *Router) LockProfile(ctx context.Context) error {
	return r.profileRequest(ctx, types.EvLockProfile)
}

// UnlockProfile is the inverse of LockProfile.
func (r *Router) UnlockProfile(ctx context.Context) error {
	return r.profileRequest(ctx, types.EvUnlockProfile)
}

func (r *Router) profileRequest(ctx context.Context, event types.EventName) error {
	corr := uuid.NewString()
	ch := make(chan types.ProfileLockResult, 1)

	r.mu.Lock()
	r.pendingLocks[corr] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pendingLocks, corr)
		r.mu.Unlock()
	}()

	if err := r.emit(event, types.ProfileLockPayload{CorrelationID: corr}); err != nil {
		return err
	}

	select {
	case result := <-ch:
		if !result.Success {
			return fmt.Errorf("%w: %s", ErrPreconditionFailed, result.Message)
		}
		return nil
	case <-time.After(r.lockTimeout):
		return fmt.Errorf("%w: no %s response", ErrRequestTimeout, event)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) emit(event types.EventName, payload any) error {
	if err := r.tr.Emit(event, payload); err != nil {
		log.Printf("[ROUTER] Emit %s failed: %v", event, err)
		return err
	}
	return nil
}

// decode unmarshals and validates an inbound payload; malformed
// payloads are logged and dropped at the boundary.
func decode[T interface{ Validate() error }](raw json.RawMessage, p T, what string) bool {
	if err := json.Unmarshal(raw, p); err != nil {
		log.Printf("[ROUTER] Malformed %s payload dropped: %v", what, err)
		return false
	}
	if err := p.Validate(); err != nil {
		log.Printf("[ROUTER] Invalid %s payload dropped: %v", what, err)
		return false
	}
	return true
}
