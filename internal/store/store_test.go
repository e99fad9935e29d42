package store

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"matchchat/internal/models"
)

func textMessage(id, clientID string, ts int64) models.ChatMessage {
	return models.ChatMessage{
		ID:              id,
		ClientMessageID: clientID,
		RoomID:          "r1",
		SenderID:        "alice",
		Kind:            models.KindText,
		Body:            "hello",
		Timestamp:       ts,
	}
}

func TestInsertRejectsMessageWithoutIdentity(t *testing.T) {
	s := New()
	_, err := s.InsertOrMerge(models.ChatMessage{RoomID: "r1", Body: "x", Timestamp: 1})
	if !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage, got %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("store should stay empty, has %d", s.Len())
	}
}

func TestOptimisticThenConfirmedCollapsesToOne(t *testing.T) {
	s := New()

	optimistic := textMessage("", "c1", 100)
	optimistic.Pending = true
	if _, err := s.InsertOrMerge(optimistic); err != nil {
		t.Fatalf("insert optimistic: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 pending entry, got %d", s.Len())
	}

	confirmed := textMessage("s1", "c1", 100)
	snapshot, err := s.InsertOrMerge(confirmed)
	if err != nil {
		t.Fatalf("insert confirmation: %v", err)
	}
	if len(snapshot) != 1 {
		t.Fatalf("expected 1 entry after confirmation, got %d", len(snapshot))
	}
	got := snapshot[0]
	if got.ID != "s1" || got.ClientMessageID != "c1" {
		t.Errorf("ids not merged: %+v", got)
	}
	if got.Pending {
		t.Error("confirmed message still pending")
	}
}

func TestDuplicateServerDeliveryIsIdempotent(t *testing.T) {
	s := New()
	m := textMessage("s1", "", 100)

	if _, err := s.InsertOrMerge(m); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	snapshot, err := s.InsertOrMerge(m)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if len(snapshot) != 1 {
		t.Fatalf("redelivery duplicated the message: %d entries", len(snapshot))
	}
}

func TestOrderedIsNonDecreasingForArbitraryArrival(t *testing.T) {
	s := New()
	rng := rand.New(rand.NewSource(42))

	timestamps := make([]int64, 50)
	for i := range timestamps {
		timestamps[i] = int64(rng.Intn(1000))
	}
	for i, ts := range timestamps {
		m := textMessage(fmt.Sprintf("s%d", i), "", ts)
		if _, err := s.InsertOrMerge(m); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	var prev int64 = -1
	count := 0
	for m := range s.Ordered() {
		if m.Timestamp < prev {
			t.Fatalf("ordering violated: %d after %d", m.Timestamp, prev)
		}
		prev = m.Timestamp
		count++
	}
	if count != 50 {
		t.Errorf("expected 50 entries, iterated %d", count)
	}
}

func TestTiesKeepInsertionOrder(t *testing.T) {
	s := New()
	first := textMessage("s1", "", 100)
	first.Body = "first"
	second := textMessage("s2", "", 100)
	second.Body = "second"

	s.InsertOrMerge(first)
	snapshot, _ := s.InsertOrMerge(second)

	if snapshot[0].Body != "first" || snapshot[1].Body != "second" {
		t.Errorf("tie broke insertion order: %q then %q", snapshot[0].Body, snapshot[1].Body)
	}
}

func TestApplyEdit(t *testing.T) {
	s := New()
	s.InsertOrMerge(textMessage("s1", "", 100))

	s.ApplyEdit("s1", "edited body", 200)
	snap := s.Snapshot()
	if snap[0].Body != "edited body" || snap[0].EditedAt != 200 {
		t.Errorf("edit not applied: %+v", snap[0])
	}

	// Unknown id is a silent no-op.
	s.ApplyEdit("nope", "x", 300)
	if s.Len() != 1 {
		t.Errorf("edit for unknown id changed the store")
	}
}

func TestApplyReactionUpdateReplacesSet(t *testing.T) {
	s := New()
	s.InsertOrMerge(textMessage("s1", "", 100))

	s.ApplyReactionUpdate("s1", map[string]string{"bob": "❤️", "alice": "👍"})
	s.ApplyReactionUpdate("s1", map[string]string{"bob": "😂"})

	snap := s.Snapshot()
	if len(snap[0].Reactions) != 1 || snap[0].Reactions["bob"] != "😂" {
		t.Errorf("reaction set not replaced: %v", snap[0].Reactions)
	}
}

func TestGroupByDate(t *testing.T) {
	s := New()
	day := int64(24 * 60 * 60 * 1000)
	s.InsertOrMerge(textMessage("s1", "", 1*day+1000))
	s.InsertOrMerge(textMessage("s2", "", 1*day+2000))
	s.InsertOrMerge(textMessage("s3", "", 3*day+1000))

	buckets := s.GroupByDate()
	if len(buckets) != 2 {
		t.Fatalf("expected 2 day buckets, got %d", len(buckets))
	}
	if len(buckets[0].Messages) != 2 || len(buckets[1].Messages) != 1 {
		t.Errorf("bucket sizes wrong: %d, %d", len(buckets[0].Messages), len(buckets[1].Messages))
	}
	if buckets[0].Messages[0].Timestamp > buckets[1].Messages[0].Timestamp {
		t.Error("buckets not sorted by earliest timestamp")
	}
}

func TestExpirePending(t *testing.T) {
	s := New()
	old := textMessage("", "c-old", 100)
	old.Pending = true
	fresh := textMessage("", "c-new", 5000)
	fresh.Pending = true
	s.InsertOrMerge(old)
	s.InsertOrMerge(fresh)

	expired := s.ExpirePending(1000)
	if len(expired) != 1 || expired[0] != "c-old" {
		t.Fatalf("expected [c-old], got %v", expired)
	}
	for m := range s.Ordered() {
		switch m.ClientMessageID {
		case "c-old":
			if m.Pending || !m.Failed {
				t.Errorf("old message not failed: %+v", m)
			}
		case "c-new":
			if !m.Pending || m.Failed {
				t.Errorf("fresh message touched: %+v", m)
			}
		}
	}
}

func TestSubscribeNotifiesAndCancels(t *testing.T) {
	s := New()
	var calls int
	cancel := s.Subscribe(func(msgs []models.ChatMessage) { calls++ })

	s.InsertOrMerge(textMessage("s1", "", 100))
	if calls != 1 {
		t.Fatalf("expected 1 notification, got %d", calls)
	}

	cancel()
	s.InsertOrMerge(textMessage("s2", "", 200))
	if calls != 1 {
		t.Errorf("cancelled listener still notified (%d calls)", calls)
	}
}

func TestClearEmptiesStore(t *testing.T) {
	s := New()
	s.InsertOrMerge(textMessage("s1", "c1", 100))
	s.Clear()
	if s.Len() != 0 {
		t.Fatalf("store not cleared")
	}
	// Indexes must be reset too: re-inserting same ids appends fresh.
	snapshot, err := s.InsertOrMerge(textMessage("s1", "c1", 100))
	if err != nil || len(snapshot) != 1 {
		t.Fatalf("reinsert after clear: %v, %d entries", err, len(snapshot))
	}
}
