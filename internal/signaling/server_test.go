package signaling

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
	"testing"
	"time"
)

var roomTokenRE = regexp.MustCompile(`^[a-z0-9]{8}$`)

func TestRESTCreateRoom(t *testing.T) {
	_, ts := newSignalingTestServer(t, Config{})

	resp, err := http.Post(ts.URL+"/api/room/create", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}

	var body createRoomResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !roomTokenRE.MatchString(body.RoomID) {
		t.Fatalf("roomId = %q, want 8 lowercase alphanumerics", body.RoomID)
	}
	if want := ts.URL + "/?room=" + body.RoomID; body.URL != want {
		t.Fatalf("url = %q, want %q", body.URL, want)
	}
}

func TestRESTCreateRoom_PublicBaseURL(t *testing.T) {
	_, ts := newSignalingTestServer(t, Config{PublicBaseURL: "https://meet.example.com/"})

	resp, err := http.Post(ts.URL+"/api/room/create", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var body createRoomResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(body.URL, "https://meet.example.com/?room=") {
		t.Fatalf("url = %q, want configured base", body.URL)
	}
}

func TestRESTRoomInfo(t *testing.T) {
	srv, ts := newSignalingTestServer(t, Config{})

	id, err := srv.Registry().CreateRoom()
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	resp, err := http.Get(ts.URL + "/api/room/" + id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body roomInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.RoomID != id {
		t.Fatalf("roomId = %q, want %q", body.RoomID, id)
	}
	if body.Participants != 0 {
		t.Fatalf("participants = %d, want 0", body.Participants)
	}
	if _, err := time.Parse("2006-01-02T15:04:05.000Z07:00", body.CreatedAt); err != nil {
		t.Fatalf("createdAt %q: %v", body.CreatedAt, err)
	}
}

func TestRESTRoomInfo_NotFound(t *testing.T) {
	_, ts := newSignalingTestServer(t, Config{})

	resp, err := http.Get(ts.URL + "/api/room/zzzzzzzz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "Room not found" {
		t.Fatalf("error = %q", body["error"])
	}
}

func TestRESTCORSHeaders(t *testing.T) {
	_, ts := newSignalingTestServer(t, Config{
		WS: WSConfig{AllowedOrigins: []string{"https://app.example.com"}},
	})

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/room/create", nil)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("allow-origin = %q", got)
	}

	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/api/room/create", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("allow-origin mirrored for disallowed origin: %q", got)
	}
}
