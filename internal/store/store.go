package store

import (
	"errors"
	"iter"
	"log"
	"sync"
	"time"

	"matchchat/internal/models"
)

// ErrMalformedMessage rejects inserts that carry neither a server id
// nor a client message id; such an entry could never be reconciled.
var ErrMalformedMessage = errors.New("message has neither id nor clientMessageId")

// Listener receives a fresh ordered snapshot after every mutation.
type Listener func(messages []models.ChatMessage)

// MessageStore is the ordered, deduplicated timeline of the active
// room. Entries are keyed by server id and/or client message id so an
// optimistic send and its server confirmation collapse into one entry,
// and a redelivered server message is a no-op. Ordering is by the
// message's Timestamp field with ties broken by insertion order, so
// out-of-order arrival over the socket is tolerated.
type MessageStore struct {
	mu         sync.RWMutex
	messages   []*models.ChatMessage // kept sorted by Timestamp, stable
	byServerID map[string]*models.ChatMessage
	byClientID map[string]*models.ChatMessage

	listenerMu sync.Mutex
	listeners  map[int]Listener
	nextSub    int
}

func New() *MessageStore {
	return &MessageStore{
		byServerID: make(map[string]*models.ChatMessage),
		byClientID: make(map[string]*models.ChatMessage),
		listeners:  make(map[int]Listener),
	}
}

// InsertOrMerge adds a message or merges it into an existing entry
// sharing its client message id (preferred) or server id. Server data
// wins over the optimistic placeholder; a duplicate delivery of the
// same server id is an idempotent no-op. Returns the resulting
// ordered snapshot.
func (s *MessageStore) InsertOrMerge(m models.ChatMessage) ([]models.ChatMessage, error) {
	if !m.HasIdentity() {
		return nil, ErrMalformedMessage
	}

	s.mu.Lock()
	existing := s.lookup(&m)
	if existing != nil {
		s.merge(existing, &m)
	} else {
		s.insert(&m)
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snapshot)
	return snapshot, nil
}

// ApplyEdit replaces the body of the identified message. Unknown ids
// are a silent no-op: an edit can legitimately arrive before its
// message (gap-fill re-delivers the edited copy later).
func (s *MessageStore) ApplyEdit(id, newBody string, editedAt int64) {
	s.mu.Lock()
	m, ok := s.byServerID[id]
	if !ok {
		s.mu.Unlock()
		log.Printf("[STORE] Edit for unknown message %s ignored", id)
		return
	}
	m.Body = newBody
	m.EditedAt = editedAt
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snapshot)
}

// ApplyReactionUpdate replaces the full reaction set of the
// identified message; the server's view is authoritative. Unknown ids
// no-op.
func (s *MessageStore) ApplyReactionUpdate(id string, reactions map[string]string) {
	s.mu.Lock()
	m, ok := s.byServerID[id]
	if !ok {
		s.mu.Unlock()
		log.Printf("[STORE] Reaction update for unknown message %s ignored", id)
		return
	}
	m.Reactions = reactions
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snapshot)
}

// MarkFailed flips a still-pending optimistic message to failed.
// Returns false if the entry is gone or already confirmed.
func (s *MessageStore) MarkFailed(clientMessageID string) bool {
	s.mu.Lock()
	m, ok := s.byClientID[clientMessageID]
	if !ok || !m.Pending {
		s.mu.Unlock()
		return false
	}
	m.Pending = false
	m.Failed = true
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snapshot)
	return true
}

// ExpirePending marks every optimistic message older than the cutoff
// as failed and returns their client message ids.
func (s *MessageStore) ExpirePending(olderThan int64) []string {
	s.mu.Lock()
	var expired []string
	for _, m := range s.messages {
		if m.Pending && m.Timestamp < olderThan {
			m.Pending = false
			m.Failed = true
			expired = append(expired, m.ClientMessageID)
		}
	}
	var snapshot []models.ChatMessage
	if len(expired) > 0 {
		snapshot = s.snapshotLocked()
	}
	s.mu.Unlock()

	if len(expired) > 0 {
		s.notify(snapshot)
	}
	return expired
}

// Ordered yields the timeline sorted by timestamp ascending. The
// sequence is finite and restartable; it iterates over a snapshot, so
// mutations during iteration are safe.
func (s *MessageStore) Ordered() iter.Seq[models.ChatMessage] {
	snapshot := s.Snapshot()
	return func(yield func(models.ChatMessage) bool) {
		for _, m := range snapshot {
			if !yield(m) {
				return
			}
		}
	}
}

// Snapshot returns the ordered timeline as a copied slice.
func (s *MessageStore) Snapshot() []models.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// DayBucket groups one local calendar day's messages for rendering
// date separators.
type DayBucket struct {
	Date     string // 2006-01-02, local time
	Messages []models.ChatMessage
}

// GroupByDate partitions the ordered timeline into day buckets by the
// local calendar date of each message's timestamp. Buckets come out
// sorted by their earliest timestamp because the timeline already is.
func (s *MessageStore) GroupByDate() []DayBucket {
	var buckets []DayBucket
	for m := range s.Ordered() {
		day := time.UnixMilli(m.Timestamp).Format("2006-01-02")
		if n := len(buckets); n > 0 && buckets[n-1].Date == day {
			buckets[n-1].Messages = append(buckets[n-1].Messages, m)
			continue
		}
		buckets = append(buckets, DayBucket{Date: day, Messages: []models.ChatMessage{m}})
	}
	return buckets
}

// LatestTimestamp returns the newest confirmed timestamp, used as the
// gap-fill watermark after a reconnect. 0 when empty.
func (s *MessageStore) LatestTimestamp() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest int64
	for _, m := range s.messages {
		if !m.Pending && m.Timestamp > latest {
			latest = m.Timestamp
		}
	}
	return latest
}

// Len reports the number of entries in the timeline.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Clear drops every entry. Called when the room session is torn down.
func (s *MessageStore) Clear() {
	s.mu.Lock()
	s.messages = nil
	s.byServerID = make(map[string]*models.ChatMessage)
	s.byClientID = make(map[string]*models.ChatMessage)
	s.mu.Unlock()

	s.notify(nil)
}

// Subscribe registers a listener notified with an ordered snapshot
// after every mutation. The returned func cancels the subscription.
func (s *MessageStore) Subscribe(fn Listener) (cancel func()) {
	s.listenerMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = fn
	s.listenerMu.Unlock()

	return func() {
		s.listenerMu.Lock()
		delete(s.listeners, id)
		s.listenerMu.Unlock()
	}
}

func (s *MessageStore) lookup(m *models.ChatMessage) *models.ChatMessage {
	if m.ClientMessageID != "" {
		if existing, ok := s.byClientID[m.ClientMessageID]; ok {
			return existing
		}
	}
	if m.ID != "" {
		if existing, ok := s.byServerID[m.ID]; ok {
			return existing
		}
	}
	return nil
}

// merge folds the incoming copy into the existing entry. Confirmed
// server fields overwrite optimistic placeholders; absent incoming
// fields leave the entry alone.
func (s *MessageStore) merge(existing, incoming *models.ChatMessage) {
	if incoming.ID != "" && existing.ID == "" {
		existing.ID = incoming.ID
		s.byServerID[existing.ID] = existing
	}
	if incoming.ClientMessageID != "" && existing.ClientMessageID == "" {
		existing.ClientMessageID = incoming.ClientMessageID
		s.byClientID[existing.ClientMessageID] = existing
	}
	if incoming.Body != "" {
		existing.Body = incoming.Body
	}
	if incoming.Kind != "" {
		existing.Kind = incoming.Kind
	}
	if incoming.ReplyToID != "" {
		existing.ReplyToID = incoming.ReplyToID
	}
	if incoming.EditedAt != 0 {
		existing.EditedAt = incoming.EditedAt
	}
	if incoming.Reactions != nil {
		existing.Reactions = incoming.Reactions
	}
	if !incoming.Pending {
		existing.Pending = false
		existing.Failed = false
	}
}

// insert places the message at its sorted position: after every entry
// with an equal or earlier timestamp, so ties keep insertion order.
func (s *MessageStore) insert(m *models.ChatMessage) {
	entry := *m
	pos := len(s.messages)
	for pos > 0 && s.messages[pos-1].Timestamp > entry.Timestamp {
		pos--
	}
	s.messages = append(s.messages, nil)
	copy(s.messages[pos+1:], s.messages[pos:])
	s.messages[pos] = &entry

	if entry.ID != "" {
		s.byServerID[entry.ID] = &entry
	}
	if entry.ClientMessageID != "" {
		s.byClientID[entry.ClientMessageID] = &entry
	}
}

func (s *MessageStore) snapshotLocked() []models.ChatMessage {
	out := make([]models.ChatMessage, len(s.messages))
	for i, m := range s.messages {
		out[i] = *m
		out[i].Reactions = m.CloneReactions()
	}
	return out
}

func (s *MessageStore) notify(snapshot []models.ChatMessage) {
	s.listenerMu.Lock()
	fns := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenerMu.Unlock()

	for _, fn := range fns {
		fn(snapshot)
	}
}
