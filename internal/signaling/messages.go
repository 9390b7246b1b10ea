package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Kind tags every signaling message on the wire.
type Kind string

const (
	// Client -> server.
	KindJoinRoom Kind = "join-room"

	// Client -> server (with "to") and server -> target (with "from").
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice-candidate"

	// Server -> client only.
	KindExistingParticipants Kind = "existing-participants"
	KindUserJoined           Kind = "user-joined"
	KindUserLeft             Kind = "user-left"
)

// ParticipantInfo identifies one participant to other clients.
type ParticipantInfo struct {
	ConnectionID string `json:"connectionId"`
	UserName     string `json:"userName"`
}

// ClientMessage is the envelope for everything a client sends.
//
// Offer/Answer/Candidate bodies are relayed verbatim; the relay never
// interprets SDP or candidate internals, so they stay raw JSON.
type ClientMessage struct {
	Kind Kind `json:"kind"`

	RoomID   string `json:"roomId,omitempty"`
	UserName string `json:"userName,omitempty"`

	To        string          `json:"to,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// ServerMessage is the envelope for everything the server sends.
type ServerMessage struct {
	Kind Kind `json:"kind"`

	Participants []ParticipantInfo `json:"participants,omitempty"`

	ConnectionID string `json:"connectionId,omitempty"`
	UserName     string `json:"userName,omitempty"`

	From      string          `json:"from,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// ParseClientMessage decodes and validates one inbound signaling message.
//
// The envelope is strict: unknown fields, trailing data, and kind/field
// mismatches are all rejected. A rejected message is a ValidationError in the
// protocol sense; the caller ignores it and keeps the connection open.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg ClientMessage
	if err := dec.Decode(&msg); err != nil {
		return ClientMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return ClientMessage{}, fmt.Errorf("unexpected trailing data")
	}
	if err := msg.validate(); err != nil {
		return ClientMessage{}, err
	}
	return msg, nil
}

func (m ClientMessage) validate() error {
	switch m.Kind {
	case KindJoinRoom:
		if m.RoomID == "" {
			return fmt.Errorf("join-room message missing roomId")
		}
		if m.To != "" || m.Offer != nil || m.Answer != nil || m.Candidate != nil {
			return fmt.Errorf("join-room message has unexpected fields")
		}
	case KindOffer:
		if m.Offer == nil {
			return fmt.Errorf("offer message missing offer")
		}
		if m.To == "" {
			return fmt.Errorf("offer message missing to")
		}
		if m.RoomID != "" || m.UserName != "" || m.Answer != nil || m.Candidate != nil {
			return fmt.Errorf("offer message has unexpected fields")
		}
	case KindAnswer:
		if m.Answer == nil {
			return fmt.Errorf("answer message missing answer")
		}
		if m.To == "" {
			return fmt.Errorf("answer message missing to")
		}
		if m.RoomID != "" || m.UserName != "" || m.Offer != nil || m.Candidate != nil {
			return fmt.Errorf("answer message has unexpected fields")
		}
	case KindICECandidate:
		if m.Candidate == nil {
			return fmt.Errorf("ice-candidate message missing candidate")
		}
		if m.To == "" {
			return fmt.Errorf("ice-candidate message missing to")
		}
		if m.RoomID != "" || m.UserName != "" || m.Offer != nil || m.Answer != nil {
			return fmt.Errorf("ice-candidate message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message kind %q", m.Kind)
	}
	return nil
}
