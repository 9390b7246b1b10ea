package signaling

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/meshconf/meshconf/internal/metrics"
	"github.com/meshconf/meshconf/internal/room"
)

// fakeSender records every message the router delivers to one connection.
type fakeSender struct {
	mu   sync.Mutex
	msgs []ServerMessage
	fail bool
}

func (s *fakeSender) Send(msg ServerMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("send queue full")
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *fakeSender) all() []ServerMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ServerMessage(nil), s.msgs...)
}

func (s *fakeSender) byKind(kind Kind) []ServerMessage {
	var out []ServerMessage
	for _, m := range s.all() {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func newTestRouter(t *testing.T) (*Router, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	return NewRouter(room.NewRegistry(), nil, m), m
}

func join(r *Router, connID, roomID, userName string) {
	r.Dispatch(connID, ClientMessage{Kind: KindJoinRoom, RoomID: roomID, UserName: userName})
}

func TestRouter_JoinSequence(t *testing.T) {
	router, _ := newTestRouter(t)

	a, b, c := &fakeSender{}, &fakeSender{}, &fakeSender{}
	aID := router.Register(a)
	bID := router.Register(b)
	cID := router.Register(c)

	join(router, aID, "room1", "Alice")
	join(router, bID, "room1", "Bob")
	join(router, cID, "room1", "Carol")

	// Each joiner gets exactly one roster listing everyone already present.
	for _, tt := range []struct {
		sender *fakeSender
		want   []string
	}{
		{a, nil},
		{b, []string{aID}},
		{c, []string{aID, bID}},
	} {
		rosters := tt.sender.byKind(KindExistingParticipants)
		if len(rosters) != 1 {
			t.Fatalf("existing-participants count = %d, want 1", len(rosters))
		}
		got := rosters[0].Participants
		if len(got) != len(tt.want) {
			t.Fatalf("roster = %v, want ids %v", got, tt.want)
		}
		for i, id := range tt.want {
			if got[i].ConnectionID != id {
				t.Fatalf("roster[%d] = %q, want %q", i, got[i].ConnectionID, id)
			}
		}
	}

	// Pre-existing members hear about each join; the joiner itself does not.
	aJoined := a.byKind(KindUserJoined)
	if len(aJoined) != 2 || aJoined[0].ConnectionID != bID || aJoined[1].ConnectionID != cID {
		t.Fatalf("a user-joined events = %+v", aJoined)
	}
	bJoined := b.byKind(KindUserJoined)
	if len(bJoined) != 1 || bJoined[0].ConnectionID != cID || bJoined[0].UserName != "Carol" {
		t.Fatalf("b user-joined events = %+v", bJoined)
	}
	if got := c.byKind(KindUserJoined); len(got) != 0 {
		t.Fatalf("joiner received its own user-joined: %+v", got)
	}
}

func TestRouter_JoinDefaultsUserName(t *testing.T) {
	router, _ := newTestRouter(t)

	a, b := &fakeSender{}, &fakeSender{}
	aID := router.Register(a)
	bID := router.Register(b)

	join(router, aID, "room1", "")
	join(router, bID, "room1", "Bob")

	roster := b.byKind(KindExistingParticipants)
	if len(roster) != 1 || roster[0].Participants[0].UserName != "Anonymous" {
		t.Fatalf("expected Anonymous in roster, got %+v", roster)
	}
}

func TestRouter_OfferRelayStampsSenderIdentity(t *testing.T) {
	router, m := newTestRouter(t)

	a, b := &fakeSender{}, &fakeSender{}
	aID := router.Register(a)
	bID := router.Register(b)
	join(router, aID, "room1", "Alice")
	join(router, bID, "room1", "Bob")

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	router.Dispatch(bID, ClientMessage{Kind: KindOffer, To: aID, Offer: offer})

	got := a.byKind(KindOffer)
	if len(got) != 1 {
		t.Fatalf("offer count = %d, want 1", len(got))
	}
	if got[0].From != bID {
		t.Fatalf("from = %q, want %q", got[0].From, bID)
	}
	if got[0].UserName != "Bob" {
		t.Fatalf("userName = %q, want sender's name on offers", got[0].UserName)
	}
	if string(got[0].Offer) != string(offer) {
		t.Fatalf("offer body = %s", got[0].Offer)
	}
	if m.Get(metrics.Relays) != 1 {
		t.Fatalf("relay counter = %d", m.Get(metrics.Relays))
	}
}

func TestRouter_AnswerAndCandidateStampFromOnly(t *testing.T) {
	router, _ := newTestRouter(t)

	a, b := &fakeSender{}, &fakeSender{}
	aID := router.Register(a)
	bID := router.Register(b)
	join(router, aID, "room1", "Alice")
	join(router, bID, "room1", "Bob")

	router.Dispatch(aID, ClientMessage{Kind: KindAnswer, To: bID, Answer: json.RawMessage(`{"type":"answer"}`)})
	router.Dispatch(aID, ClientMessage{Kind: KindICECandidate, To: bID, Candidate: json.RawMessage(`{"candidate":"candidate:1"}`)})

	answers := b.byKind(KindAnswer)
	if len(answers) != 1 || answers[0].From != aID || answers[0].UserName != "" {
		t.Fatalf("answer = %+v", answers)
	}
	cands := b.byKind(KindICECandidate)
	if len(cands) != 1 || cands[0].From != aID || cands[0].UserName != "" {
		t.Fatalf("candidate = %+v", cands)
	}
}

func TestRouter_RelayToMissingTargetDropsSilently(t *testing.T) {
	router, m := newTestRouter(t)

	a := &fakeSender{}
	aID := router.Register(a)
	join(router, aID, "room1", "Alice")

	router.Dispatch(aID, ClientMessage{
		Kind:      KindICECandidate,
		To:        "no-such-conn",
		Candidate: json.RawMessage(`{"candidate":"candidate:1"}`),
	})

	if got := len(a.all()); got != 0 {
		t.Fatalf("sender received %d messages, want none", got)
	}
	if m.Get(metrics.RelayDropNoTarget) != 1 {
		t.Fatalf("drop counter = %d, want 1", m.Get(metrics.RelayDropNoTarget))
	}
	if m.Get(metrics.Relays) != 0 {
		t.Fatalf("relay counter = %d, want 0", m.Get(metrics.Relays))
	}
}

func TestRouter_RelaySendFailureCountsAsDrop(t *testing.T) {
	router, m := newTestRouter(t)

	a := &fakeSender{}
	b := &fakeSender{fail: true}
	aID := router.Register(a)
	bID := router.Register(b)
	join(router, aID, "room1", "Alice")
	join(router, bID, "room1", "Bob")

	router.Dispatch(aID, ClientMessage{Kind: KindOffer, To: bID, Offer: json.RawMessage(`{}`)})

	if m.Get(metrics.RelayDropNoTarget) != 1 {
		t.Fatalf("drop counter = %d, want 1", m.Get(metrics.RelayDropNoTarget))
	}
}

func TestRouter_DisconnectBroadcastsUserLeftOnce(t *testing.T) {
	router, _ := newTestRouter(t)

	a, b, c := &fakeSender{}, &fakeSender{}, &fakeSender{}
	aID := router.Register(a)
	bID := router.Register(b)
	cID := router.Register(c)
	join(router, aID, "room1", "Alice")
	join(router, bID, "room1", "Bob")
	join(router, cID, "room1", "Carol")

	router.Disconnect(bID)
	router.Disconnect(bID) // repeated disconnects are inert

	for _, s := range []*fakeSender{a, c} {
		left := s.byKind(KindUserLeft)
		if len(left) != 1 {
			t.Fatalf("user-left count = %d, want exactly 1", len(left))
		}
		if left[0].ConnectionID != bID || left[0].UserName != "Bob" {
			t.Fatalf("user-left = %+v", left[0])
		}
	}
	if got := b.byKind(KindUserLeft); len(got) != 0 {
		t.Fatalf("departed connection received user-left: %+v", got)
	}
}

func TestRouter_JoinOtherRoomBroadcastsUserLeft(t *testing.T) {
	router, _ := newTestRouter(t)

	a, b := &fakeSender{}, &fakeSender{}
	aID := router.Register(a)
	bID := router.Register(b)
	join(router, aID, "room1", "Alice")
	join(router, bID, "room1", "Bob")

	join(router, aID, "room2", "Alice")

	// Bob stays behind in room1 and must hear the departure so his peer
	// session with Alice gets torn down.
	left := b.byKind(KindUserLeft)
	if len(left) != 1 {
		t.Fatalf("user-left count = %d, want exactly 1", len(left))
	}
	if left[0].ConnectionID != aID || left[0].UserName != "Alice" {
		t.Fatalf("user-left = %+v", left[0])
	}

	// Alice's roster for room2 is empty; she is alone there.
	rosters := a.byKind(KindExistingParticipants)
	if len(rosters) != 2 || len(rosters[1].Participants) != 0 {
		t.Fatalf("room2 roster = %+v, want empty second roster", rosters)
	}
}

func TestRouter_SameRoomRejoinLeavesThenJoins(t *testing.T) {
	router, _ := newTestRouter(t)

	a, b := &fakeSender{}, &fakeSender{}
	aID := router.Register(a)
	bID := router.Register(b)
	join(router, aID, "room1", "Alice")
	join(router, bID, "room1", "Bob")

	join(router, aID, "room1", "Alice")

	// Bob sees Alice leave and re-appear, in that order, so he can replace
	// the stale peer session with a fresh one.
	left := b.byKind(KindUserLeft)
	if len(left) != 1 || left[0].ConnectionID != aID {
		t.Fatalf("user-left events = %+v, want one for the re-joiner", left)
	}
	joined := b.byKind(KindUserJoined)
	if len(joined) != 2 || joined[1].ConnectionID != aID {
		t.Fatalf("user-joined events = %+v, want re-join announced", joined)
	}

	// The re-joiner's new roster lists Bob and never the re-joiner itself.
	rosters := a.byKind(KindExistingParticipants)
	if len(rosters) != 2 {
		t.Fatalf("roster count = %d, want 2", len(rosters))
	}
	got := rosters[1].Participants
	if len(got) != 1 || got[0].ConnectionID != bID {
		t.Fatalf("re-join roster = %+v, want only the other member", got)
	}
}

func TestRouter_LastDisconnectDeletesRoom(t *testing.T) {
	router, _ := newTestRouter(t)
	registry := router.registry

	a := &fakeSender{}
	aID := router.Register(a)
	join(router, aID, "room1", "Alice")

	if registry.Count() != 1 {
		t.Fatalf("room count = %d, want 1", registry.Count())
	}
	router.Disconnect(aID)
	if registry.Count() != 0 {
		t.Fatalf("room count = %d after last leave, want 0", registry.Count())
	}
}

func TestRouter_DisconnectWithoutJoin(t *testing.T) {
	router, m := newTestRouter(t)

	a := &fakeSender{}
	aID := router.Register(a)
	router.Disconnect(aID)

	if m.Get(metrics.Disconnects) != 1 {
		t.Fatalf("disconnect counter = %d", m.Get(metrics.Disconnects))
	}
}

func TestRouter_RelayAfterSenderDisconnectIsIgnored(t *testing.T) {
	router, _ := newTestRouter(t)

	a, b := &fakeSender{}, &fakeSender{}
	aID := router.Register(a)
	bID := router.Register(b)
	join(router, aID, "room1", "Alice")
	join(router, bID, "room1", "Bob")

	router.Disconnect(aID)
	router.Dispatch(aID, ClientMessage{Kind: KindOffer, To: bID, Offer: json.RawMessage(`{}`)})

	if got := b.byKind(KindOffer); len(got) != 0 {
		t.Fatalf("relay from dead connection delivered: %+v", got)
	}
}
