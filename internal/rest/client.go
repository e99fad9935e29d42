package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"matchchat/internal/types"
)

// ErrRoomNotFound maps a 404 from the room endpoint: the room either
// never existed or is gone. The resynchronizer treats it as a dead
// session.
var ErrRoomNotFound = errors.New("room not found")

// RoomData is the server-authoritative view of a room.
type RoomData struct {
	RoomID         string   `json:"roomId"`
	ParticipantIDs []string `json:"participantIds"`
	Status         string   `json:"status"` // "active" | "ended"
}

// Client talks to the chat backend's REST surface: room state and
// encrypted message history. Message records come back still
// encrypted; decryption happens in the session core.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// FetchRoomData fetches the authoritative room record.
func (c *Client) FetchRoomData(ctx context.Context, roomID string) (*RoomData, error) {
	var room RoomData
	path := "/api/rooms/" + url.PathEscape(roomID)
	if err := c.getJSON(ctx, path, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// FetchRoomMessages fetches raw encrypted message records newer than
// the given watermark (ms since epoch). Pass 0 for full history.
func (c *Client) FetchRoomMessages(ctx context.Context, roomID string, after int64) ([]types.MessageRecord, error) {
	path := "/api/rooms/" + url.PathEscape(roomID) + "/messages"
	if after > 0 {
		path += "?after=" + strconv.FormatInt(after, 10)
	}
	var records []types.MessageRecord
	if err := c.getJSON(ctx, path, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrRoomNotFound
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
