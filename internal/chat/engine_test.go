package chat

import (
	"context"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"matchchat/internal/crypto"
	"matchchat/internal/keystore"
	"matchchat/internal/rest"
	"matchchat/internal/session"
	"matchchat/internal/transport"
	"matchchat/internal/types"
)

type fakeAPI struct {
	room     *rest.RoomData
	roomErr  error
	messages []types.MessageRecord
}

func (f *fakeAPI) FetchRoomData(ctx context.Context, roomID string) (*rest.RoomData, error) {
	return f.room, f.roomErr
}

func (f *fakeAPI) FetchRoomMessages(ctx context.Context, roomID string, after int64) ([]types.MessageRecord, error) {
	return f.messages, nil
}

type fixture struct {
	engine *Engine
	tr     *transport.Memory
	keys   *keystore.MemoryStore
	api    *fakeAPI
	key    []byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key := make([]byte, crypto.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generating key: %v", err)
	}

	f := &fixture{
		tr:   transport.NewMemory(),
		keys: keystore.NewMemoryStore(),
		api:  &fakeAPI{},
		key:  key,
	}
	f.keys.SaveRoomKey("r1", key)

	engine, err := New(Config{
		Transport:      f.tr,
		Keys:           f.keys,
		RoomAPI:        f.api,
		SelfID:         "self",
		SendBurst:      100,
		PendingTimeout: time.Hour,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(engine.Close)
	f.engine = engine
	return f
}

func (f *fixture) goActive(t *testing.T) {
	t.Helper()
	if err := f.engine.StartMatchmaking(); err != nil {
		t.Fatalf("startMatchmaking: %v", err)
	}
	f.tr.Inject(types.EvMatchFound, types.MatchFoundPayload{RoomID: "r1", MatchedUserID: "peer"})
	if f.engine.State() != session.Active {
		t.Fatalf("expected active, got %s", f.engine.State())
	}
}

func (f *fixture) encrypted(t *testing.T, body string) (ct, iv string) {
	t.Helper()
	ct, iv, err := crypto.Encrypt(body, f.key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	return ct, iv
}

func TestFullSessionLifecycle(t *testing.T) {
	f := newFixture(t)

	var states []session.State
	f.engine.OnStateChange(func(s session.State) { states = append(states, s) })

	f.goActive(t)

	roomID, peerID := f.engine.Room()
	if roomID != "r1" || peerID != "peer" {
		t.Fatalf("room binding wrong: %s / %s", roomID, peerID)
	}

	// Outgoing message goes optimistic, then gets confirmed.
	msg, err := f.engine.SendMessage("hello peer")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	ct, iv := f.encrypted(t, "hello peer")
	f.tr.Inject(types.EvMessageSent, types.MessageRecord{
		ID: "s1", ClientMessageID: msg.ClientMessageID, RoomID: "r1",
		SenderID: "self", Kind: "text", Ciphertext: ct, IV: iv, Timestamp: msg.Timestamp,
	})

	// Peer message arrives encrypted.
	pct, piv := f.encrypted(t, "hi back")
	f.tr.Inject(types.EvNewMessage, types.MessageRecord{
		ID: "s2", RoomID: "r1", SenderID: "peer", Kind: "text",
		Ciphertext: pct, IV: piv, Timestamp: msg.Timestamp + 1000,
	})

	timeline := f.engine.Timeline()
	if len(timeline) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(timeline))
	}
	if timeline[0].Pending || timeline[0].ID != "s1" {
		t.Errorf("own message not confirmed: %+v", timeline[0])
	}
	if timeline[1].Body != "hi back" {
		t.Errorf("peer message not decrypted: %+v", timeline[1])
	}

	// Cancel ends everything: state, timeline, key.
	if err := f.engine.CancelChat(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if f.engine.State() != session.Ended {
		t.Fatalf("expected ended, got %s", f.engine.State())
	}
	if len(f.engine.Timeline()) != 0 {
		t.Error("timeline survived cancel")
	}
	if _, err := f.keys.RoomKey("r1"); !errors.Is(err, keystore.ErrKeyNotFound) {
		t.Error("room key survived session end")
	}

	want := []session.State{session.Searching, session.Active, session.Ended}
	if len(states) != len(want) {
		t.Fatalf("state sequence %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("state sequence %v, want %v", states, want)
		}
	}
}

func TestMissingKeyAbandonsSession(t *testing.T) {
	f := newFixture(t)
	f.keys.DeleteRoomKey("r1")

	var errMsg string
	f.engine.OnMatchmakingError(func(msg string) { errMsg = msg })

	f.engine.StartMatchmaking()
	f.tr.Inject(types.EvMatchFound, types.MatchFoundPayload{RoomID: "r1", MatchedUserID: "peer"})

	if f.engine.State() != session.Ended {
		t.Fatalf("expected ended without a key, got %s", f.engine.State())
	}
	if errMsg == "" {
		t.Error("no error surfaced for missing key")
	}
}

func TestReconnectWithEndedRoomTearsDown(t *testing.T) {
	f := newFixture(t)
	f.goActive(t)

	ct, iv := f.encrypted(t, "before drop")
	f.tr.Inject(types.EvNewMessage, types.MessageRecord{
		ID: "s1", RoomID: "r1", SenderID: "peer", Kind: "text",
		Ciphertext: ct, IV: iv, Timestamp: 100,
	})

	f.api.room = &rest.RoomData{RoomID: "r1", Status: "ended"}
	f.tr.SimulateReconnect(errors.New("network drop"))

	if f.engine.State() != session.Ended {
		t.Fatalf("expected ended after resync, got %s", f.engine.State())
	}
	if len(f.engine.Timeline()) != 0 {
		t.Error("timeline survived forced end")
	}
}

func TestReconnectWithLiveRoomGapFills(t *testing.T) {
	f := newFixture(t)
	f.goActive(t)

	f.api.room = &rest.RoomData{RoomID: "r1", Status: "active"}
	ct, iv := f.encrypted(t, "missed while offline")
	f.api.messages = []types.MessageRecord{
		{ID: "s9", RoomID: "r1", SenderID: "peer", Kind: "text", Ciphertext: ct, IV: iv, Timestamp: 500},
	}

	f.tr.SimulateReconnect(errors.New("network drop"))

	if f.engine.State() != session.Active {
		t.Fatalf("live session ended by resync: %s", f.engine.State())
	}
	timeline := f.engine.Timeline()
	if len(timeline) != 1 || timeline[0].Body != "missed while offline" {
		t.Fatalf("gap-fill missing: %+v", timeline)
	}
}

func TestTypingIndicator(t *testing.T) {
	f := newFixture(t)
	f.goActive(t)

	var typedBy string
	f.engine.OnPeerTyping(func(userID string) { typedBy = userID })

	f.tr.Inject(types.EvTyping, types.TypingPayload{RoomID: "r1", UserID: "peer"})
	if typedBy != "peer" {
		t.Errorf("typing indicator not surfaced: %q", typedBy)
	}

	// Stale typing events are ignored.
	typedBy = ""
	f.tr.Inject(types.EvTyping, types.TypingPayload{RoomID: "r2", UserID: "ghost"})
	if typedBy != "" {
		t.Error("stale typing event surfaced")
	}
}

func TestFreshCycleAfterEnd(t *testing.T) {
	f := newFixture(t)
	f.goActive(t)
	f.engine.CancelChat()

	// Key re-provisioned for the next match.
	f.keys.SaveRoomKey("r1", f.key)

	if err := f.engine.StartMatchmaking(); err != nil {
		t.Fatalf("restart after end: %v", err)
	}
	f.tr.Inject(types.EvMatchFound, types.MatchFoundPayload{RoomID: "r1", MatchedUserID: "peer2"})
	if f.engine.State() != session.Active {
		t.Fatalf("second session not active: %s", f.engine.State())
	}
	_, peer := f.engine.Room()
	if peer != "peer2" {
		t.Errorf("second session bound to wrong peer: %s", peer)
	}
}

func TestSendWithoutSessionFailsPrecondition(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.SendMessage("hello"); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed, got %v", err)
	}
	if len(f.tr.Emitted()) != 0 {
		t.Errorf("precondition failure still emitted: %v", f.tr.EmittedNames())
	}
}
