package models

// RoomStatus is the server-authoritative lifecycle state of a room.
type RoomStatus string

const (
	RoomActive RoomStatus = "active"
	RoomEnded  RoomStatus = "ended"
)

// RoomSession holds everything scoped to one matched pairing: the two
// participants and the symmetric key all messages in the room are
// encrypted with. The key lives exactly as long as the room; it is
// zeroed on teardown and must never appear in logs.
type RoomSession struct {
	RoomID string
	SelfID string
	PeerID string
	Status RoomStatus
	Key    []byte
}

// DiscardKey zeroes the key material in place. Called exactly once
// when the session is torn down.
func (r *RoomSession) DiscardKey() {
	for i := range r.Key {
		r.Key[i] = 0
	}
	r.Key = nil
}
