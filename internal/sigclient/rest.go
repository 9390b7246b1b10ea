package sigclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// RoomCreated is the response of the room creation endpoint.
type RoomCreated struct {
	RoomID string `json:"roomId"`
	URL    string `json:"url"`
}

// RoomInfo describes an existing room.
type RoomInfo struct {
	RoomID       string `json:"roomId"`
	Participants int    `json:"participants"`
	CreatedAt    string `json:"createdAt"`
}

var restClient = &http.Client{Timeout: 10 * time.Second}

// CreateRoom asks the server for a fresh room.
func CreateRoom(ctx context.Context, serverURL string) (RoomCreated, error) {
	var out RoomCreated
	err := doJSON(ctx, http.MethodPost, serverURL, "/api/room/create", &out)
	return out, err
}

// LookupRoom fetches the current state of a room. A missing room reports an
// error carrying the server's message.
func LookupRoom(ctx context.Context, serverURL, roomID string) (RoomInfo, error) {
	var out RoomInfo
	err := doJSON(ctx, http.MethodGet, serverURL, "/api/room/"+roomID, &out)
	return out, err
}

func doJSON(ctx context.Context, method, serverURL, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(serverURL, "/")+path, nil)
	if err != nil {
		return err
	}

	resp, err := restClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&body) == nil && body.Error != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, body.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
