package resync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"matchchat/internal/crypto"
	"matchchat/internal/models"
	"matchchat/internal/rest"
	"matchchat/internal/session"
	"matchchat/internal/store"
	"matchchat/internal/types"
)

// ErrResyncFailure means local session state could not be confirmed
// against the server after a reconnect. The resynchronizer fails safe:
// it ends the session rather than keep operating on state that may be
// stale.
var ErrResyncFailure = errors.New("resynchronization failed")

// RoomAPI is the REST collaborator surface the resynchronizer needs.
type RoomAPI interface {
	FetchRoomData(ctx context.Context, roomID string) (*rest.RoomData, error)
	FetchRoomMessages(ctx context.Context, roomID string, after int64) ([]types.MessageRecord, error)
}

// Attacher re-registers transport handlers for the new connection.
type Attacher interface {
	Attach()
}

// Config wires a Resynchronizer.
type Config struct {
	API     RoomAPI
	Machine *session.Machine
	Store   *store.MessageStore
	Router  Attacher
	// RoomKey mirrors the router's key provider.
	RoomKey func(roomID string) []byte
	// EndSession is the engine's teardown: key discard, store clear.
	EndSession func(roomID string)
	// Timeout bounds the whole resync round trip. Defaults to 10s.
	Timeout time.Duration
}

// Resynchronizer reconciles local session state with the server after
// a transport reconnect. In-memory state is never trusted across a
// reconnect without this check.
type Resynchronizer struct {
	api        RoomAPI
	machine    *session.Machine
	store      *store.MessageStore
	router     Attacher
	roomKey    func(roomID string) []byte
	endSession func(roomID string)
	timeout    time.Duration
}

func New(cfg Config) *Resynchronizer {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Resynchronizer{
		api:        cfg.API,
		machine:    cfg.Machine,
		store:      cfg.Store,
		router:     cfg.Router,
		roomKey:    cfg.RoomKey,
		endSession: cfg.EndSession,
		timeout:    timeout,
	}
}

// OnReconnect runs the reconciliation. Handlers are always re-attached
// for the new connection; whether the session survives depends on what
// the server reports:
//   - room active and matching: keep state, gap-fill missed messages.
//   - room ended, gone, or unverifiable: force Ended and tear down.
func (r *Resynchronizer) OnReconnect(ctx context.Context) error {
	r.router.Attach()

	if r.machine.State() != session.Active {
		return nil
	}
	roomID, _ := r.machine.Room()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	room, err := r.api.FetchRoomData(ctx, roomID)
	switch {
	case errors.Is(err, rest.ErrRoomNotFound):
		log.Printf("[RESYNC] Room %s no longer exists, ending session", roomID)
		r.forceEnded(roomID)
		return nil
	case err != nil:
		log.Printf("[RESYNC] Could not confirm room %s, ending session: %v", roomID, err)
		r.forceEnded(roomID)
		return fmt.Errorf("%w: %v", ErrResyncFailure, err)
	}

	if room.RoomID != roomID || room.Status != string(models.RoomActive) {
		log.Printf("[RESYNC] Room %s reported %q, ending session", roomID, room.Status)
		r.forceEnded(roomID)
		return nil
	}

	if err := r.gapFill(ctx, roomID); err != nil {
		// The session itself is confirmed alive; a failed gap-fill is
		// recoverable on the next reconnect or by live traffic.
		log.Printf("[RESYNC] Gap-fill for room %s failed: %v", roomID, err)
		return fmt.Errorf("%w: gap-fill: %v", ErrResyncFailure, err)
	}
	log.Printf("[RESYNC] Session for room %s confirmed and resynchronized", roomID)
	return nil
}

// gapFill fetches everything newer than the local watermark and
// merges it through the store's idempotent insert. Undecodable
// records are dropped individually.
func (r *Resynchronizer) gapFill(ctx context.Context, roomID string) error {
	after := r.store.LatestTimestamp()
	records, err := r.api.FetchRoomMessages(ctx, roomID, after)
	if err != nil {
		return err
	}

	key := r.roomKey(roomID)
	if key == nil {
		return errors.New("no key for confirmed room")
	}

	merged := 0
	for i := range records {
		rec := &records[i]
		if rec.Validate() != nil || rec.RoomID != roomID {
			log.Printf("[RESYNC] Skipping malformed history record")
			continue
		}
		body, err := crypto.Decrypt(rec.Ciphertext, rec.IV, key)
		if err != nil {
			log.Printf("[RESYNC] Undecodable history record %s skipped", rec.ID)
			continue
		}
		_, err = r.store.InsertOrMerge(models.ChatMessage{
			ID:              rec.ID,
			ClientMessageID: rec.ClientMessageID,
			RoomID:          rec.RoomID,
			SenderID:        rec.SenderID,
			Kind:            models.MessageKind(rec.Kind),
			Body:            body,
			Timestamp:       rec.Timestamp,
			ReplyToID:       rec.ReplyToID,
			EditedAt:        rec.EditedAt,
		})
		if err != nil {
			continue
		}
		merged++
	}
	if merged > 0 {
		log.Printf("[RESYNC] Merged %d missed messages for room %s", merged, roomID)
	}
	return nil
}

func (r *Resynchronizer) forceEnded(roomID string) {
	if r.machine.EndChat(roomID) {
		r.endSession(roomID)
	}
}
