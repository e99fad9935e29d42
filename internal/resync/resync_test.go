package resync

import (
	"context"
	"crypto/rand"
	"errors"
	"testing"

	"matchchat/internal/crypto"
	"matchchat/internal/models"
	"matchchat/internal/rest"
	"matchchat/internal/session"
	"matchchat/internal/store"
	"matchchat/internal/types"
)

type fakeAPI struct {
	room     *rest.RoomData
	roomErr  error
	messages []types.MessageRecord
	msgErr   error
	afterArg int64
}

func (f *fakeAPI) FetchRoomData(ctx context.Context, roomID string) (*rest.RoomData, error) {
	return f.room, f.roomErr
}

func (f *fakeAPI) FetchRoomMessages(ctx context.Context, roomID string, after int64) ([]types.MessageRecord, error) {
	f.afterArg = after
	return f.messages, f.msgErr
}

type fakeAttacher struct{ calls int }

func (a *fakeAttacher) Attach() { a.calls++ }

type fixture struct {
	r        *Resynchronizer
	api      *fakeAPI
	machine  *session.Machine
	store    *store.MessageStore
	attacher *fakeAttacher
	key      []byte
	ended    []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key := make([]byte, crypto.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generating key: %v", err)
	}

	f := &fixture{
		api:      &fakeAPI{},
		machine:  session.New(),
		store:    store.New(),
		attacher: &fakeAttacher{},
		key:      key,
	}
	f.r = New(Config{
		API:     f.api,
		Machine: f.machine,
		Store:   f.store,
		Router:  f.attacher,
		RoomKey: func(roomID string) []byte {
			if roomID == "r1" {
				return f.key
			}
			return nil
		},
		EndSession: func(roomID string) {
			f.ended = append(f.ended, roomID)
			f.store.Clear()
		},
	})
	return f
}

func (f *fixture) goActive(t *testing.T) {
	t.Helper()
	f.machine.StartMatchmaking()
	if !f.machine.MatchFound("r1", "peer") {
		t.Fatal("could not enter active state")
	}
}

func (f *fixture) record(t *testing.T, id, body string, ts int64) types.MessageRecord {
	t.Helper()
	ct, iv, err := crypto.Encrypt(body, f.key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	return types.MessageRecord{
		ID: id, RoomID: "r1", SenderID: "peer", Kind: "text",
		Ciphertext: ct, IV: iv, Timestamp: ts,
	}
}

func TestNoActiveSessionJustReattaches(t *testing.T) {
	f := newFixture(t)

	if err := f.r.OnReconnect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if f.attacher.calls != 1 {
		t.Errorf("expected 1 attach, got %d", f.attacher.calls)
	}
	if len(f.ended) != 0 {
		t.Errorf("ended sessions without one active: %v", f.ended)
	}
}

func TestActiveRoomConfirmedAndGapFilled(t *testing.T) {
	f := newFixture(t)
	f.goActive(t)

	// One message already in the timeline before the drop.
	f.store.InsertOrMerge(models.ChatMessage{ID: "s1", RoomID: "r1", SenderID: "peer", Body: "old", Timestamp: 100})

	f.api.room = &rest.RoomData{RoomID: "r1", ParticipantIDs: []string{"self", "peer"}, Status: "active"}
	f.api.messages = []types.MessageRecord{
		f.record(t, "s1", "old", 100), // redelivery must be idempotent
		f.record(t, "s2", "missed", 200),
	}

	if err := f.r.OnReconnect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if f.machine.State() != session.Active {
		t.Fatalf("live session ended: %s", f.machine.State())
	}
	if f.api.afterArg != 100 {
		t.Errorf("gap-fill watermark wrong: %d", f.api.afterArg)
	}
	if f.store.Len() != 2 {
		t.Fatalf("expected 2 messages after gap-fill, got %d", f.store.Len())
	}
}

func TestEndedRoomForcesTeardown(t *testing.T) {
	f := newFixture(t)
	f.goActive(t)
	f.store.InsertOrMerge(models.ChatMessage{ID: "s1", RoomID: "r1", SenderID: "peer", Body: "old", Timestamp: 100})

	f.api.room = &rest.RoomData{RoomID: "r1", Status: "ended"}

	if err := f.r.OnReconnect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if f.machine.State() != session.Ended {
		t.Fatalf("expected ended, got %s", f.machine.State())
	}
	if len(f.ended) != 1 || f.ended[0] != "r1" {
		t.Errorf("teardown not invoked: %v", f.ended)
	}
	if f.store.Len() != 0 {
		t.Errorf("store not cleared: %d entries", f.store.Len())
	}
}

func TestRoomGoneForcesTeardown(t *testing.T) {
	f := newFixture(t)
	f.goActive(t)
	f.api.roomErr = rest.ErrRoomNotFound

	if err := f.r.OnReconnect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if f.machine.State() != session.Ended {
		t.Fatalf("expected ended, got %s", f.machine.State())
	}
}

func TestUnreachableServerFailsSafe(t *testing.T) {
	f := newFixture(t)
	f.goActive(t)
	f.api.roomErr = errors.New("connection refused")

	err := f.r.OnReconnect(context.Background())
	if !errors.Is(err, ErrResyncFailure) {
		t.Fatalf("expected ErrResyncFailure, got %v", err)
	}
	if f.machine.State() != session.Ended {
		t.Fatalf("unverifiable session kept alive: %s", f.machine.State())
	}
}

func TestGapFillSkipsUndecodableRecords(t *testing.T) {
	f := newFixture(t)
	f.goActive(t)

	f.api.room = &rest.RoomData{RoomID: "r1", Status: "active"}
	bad := f.record(t, "s-bad", "x", 150)
	bad.Ciphertext = "deadbeef"
	f.api.messages = []types.MessageRecord{
		f.record(t, "s1", "good", 100),
		bad,
		f.record(t, "s2", "also good", 200),
	}

	if err := f.r.OnReconnect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if f.store.Len() != 2 {
		t.Fatalf("expected 2 messages, got %d", f.store.Len())
	}
}
