package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/meshconf/meshconf/internal/sigclient"
	"github.com/meshconf/meshconf/internal/signaling"
)

// OrchestratorConfig wires the conference-level state machine.
type OrchestratorConfig struct {
	Client *sigclient.Client

	API        *webrtc.API
	ICEServers []webrtc.ICEServer

	// Media provides local tracks for every session. Nil means NoMedia.
	Media MediaSource

	NegotiationTimeout time.Duration

	Logger *slog.Logger

	// OnPeerConnected fires when the transport to one remote peer comes up.
	OnPeerConnected func(remoteID, userName string)
	// OnPeerGone fires when a session ends for any reason: the peer left, the
	// transport failed, or negotiation timed out.
	OnPeerGone func(remoteID string)
	// OnTrack fires for every inbound remote track, tagged with the remote
	// peer it belongs to.
	OnTrack func(remoteID string, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
}

// Orchestrator keeps one negotiation session per remote participant and maps
// signaling traffic onto them. Roles are fixed by join order: the
// orchestrator offers to everyone listed in its roster snapshot, and answers
// everyone who joins later.
type Orchestrator struct {
	log    *slog.Logger
	client *sigclient.Client
	cfg    OrchestratorConfig
	media  MediaSource

	mu       sync.Mutex
	sessions map[string]*Session
	names    map[string]string
	left     bool

	leaveOnce sync.Once
}

func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("orchestrator requires a signaling client")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.API == nil {
		api, err := NewAPI(logger)
		if err != nil {
			return nil, err
		}
		cfg.API = api
	}
	media := cfg.Media
	if media == nil {
		media = NoMedia{}
	}

	return &Orchestrator{
		log:      logger,
		client:   cfg.Client,
		cfg:      cfg,
		media:    media,
		sessions: make(map[string]*Session),
		names:    make(map[string]string),
	}, nil
}

// Join announces this participant into a room and starts consuming signaling
// events. It returns when the event stream ends or ctx is cancelled; either
// way the orchestrator is left fully torn down.
func (o *Orchestrator) Join(ctx context.Context, roomID, userName string) error {
	if err := o.client.JoinRoom(roomID, userName); err != nil {
		return fmt.Errorf("join room: %w", err)
	}
	o.log.Info("joined room", "room_id", roomID, "user_name", userName)

	defer o.Leave()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-o.client.Events():
			if !ok {
				if err := o.client.Err(); err != nil && err != sigclient.ErrClosed {
					return fmt.Errorf("signaling stream: %w", err)
				}
				return nil
			}
			o.handle(msg)
		}
	}
}

// Leave closes every session, the signaling connection, and the media source.
// Idempotent.
func (o *Orchestrator) Leave() {
	o.leaveOnce.Do(func() {
		o.mu.Lock()
		o.left = true
		sessions := make([]*Session, 0, len(o.sessions))
		for _, s := range o.sessions {
			sessions = append(sessions, s)
		}
		o.sessions = make(map[string]*Session)
		o.mu.Unlock()

		for _, s := range sessions {
			_ = s.Close()
		}
		_ = o.client.Close()
		if err := o.media.Close(); err != nil {
			o.log.Warn("media source close failed", "err", err)
		}
		o.log.Info("left room")
	})
}

// Peers lists the remote IDs with a live session.
func (o *Orchestrator) Peers() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		out = append(out, id)
	}
	return out
}

// PeerState reports the negotiation state toward one remote peer.
func (o *Orchestrator) PeerState(remoteID string) (State, bool) {
	o.mu.Lock()
	s, ok := o.sessions[remoteID]
	o.mu.Unlock()
	if !ok {
		return "", false
	}
	return s.State(), true
}

func (o *Orchestrator) handle(msg signaling.ServerMessage) {
	switch msg.Kind {
	case signaling.KindExistingParticipants:
		o.handleRoster(msg.Participants)
	case signaling.KindUserJoined:
		o.handleUserJoined(msg.ConnectionID, msg.UserName)
	case signaling.KindOffer:
		o.handleOffer(msg.From, msg.UserName, msg.Offer)
	case signaling.KindAnswer:
		o.handleAnswer(msg.From, msg.Answer)
	case signaling.KindICECandidate:
		o.handleCandidate(msg.From, msg.Candidate)
	case signaling.KindUserLeft:
		o.dropSession(msg.ConnectionID, "peer left")
	default:
		o.log.Debug("ignoring unexpected signaling message", "kind", msg.Kind)
	}
}

// handleRoster offers to everyone already in the room. This side joined
// later, so it is the offerer toward each of them.
func (o *Orchestrator) handleRoster(roster []signaling.ParticipantInfo) {
	for _, p := range roster {
		o.setName(p.ConnectionID, p.UserName)
		s, err := o.newSession(RoleOfferer, p.ConnectionID)
		if err != nil {
			o.log.Error("session setup failed", "remote_id", p.ConnectionID, "err", err)
			continue
		}

		offer, err := s.CreateOffer()
		if err != nil {
			o.log.Error("offer failed", "remote_id", p.ConnectionID, "err", err)
			o.dropSession(p.ConnectionID, "offer failed")
			continue
		}
		if err := o.client.SendOffer(p.ConnectionID, mustMarshal(offer)); err != nil {
			o.log.Error("offer send failed", "remote_id", p.ConnectionID, "err", err)
			o.dropSession(p.ConnectionID, "offer send failed")
		}
	}
}

// handleUserJoined prepares a passive answerer session: the new arrival will
// offer to us, and candidates may land before its offer does.
func (o *Orchestrator) handleUserJoined(remoteID, userName string) {
	o.setName(remoteID, userName)
	if _, err := o.newSession(RoleAnswerer, remoteID); err != nil {
		o.log.Error("session setup failed", "remote_id", remoteID, "err", err)
	}
}

func (o *Orchestrator) handleOffer(remoteID, userName string, raw json.RawMessage) {
	if userName != "" {
		o.setName(remoteID, userName)
	}

	s, ok := o.session(remoteID)
	if !ok {
		// Offer from a peer we have not seen a user-joined for; tolerate it.
		var err error
		if s, err = o.newSession(RoleAnswerer, remoteID); err != nil {
			o.log.Error("session setup failed", "remote_id", remoteID, "err", err)
			return
		}
	}

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &offer); err != nil {
		o.log.Warn("ignoring malformed offer", "remote_id", remoteID, "err", err)
		return
	}

	answer, err := s.HandleOffer(offer)
	if err != nil {
		o.log.Error("answering offer failed", "remote_id", remoteID, "err", err)
		o.dropSession(remoteID, "answer failed")
		return
	}
	if err := o.client.SendAnswer(remoteID, mustMarshal(answer)); err != nil {
		o.log.Error("answer send failed", "remote_id", remoteID, "err", err)
		o.dropSession(remoteID, "answer send failed")
	}
}

func (o *Orchestrator) handleAnswer(remoteID string, raw json.RawMessage) {
	s, ok := o.session(remoteID)
	if !ok {
		o.log.Debug("answer for unknown peer", "remote_id", remoteID)
		return
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &answer); err != nil {
		o.log.Warn("ignoring malformed answer", "remote_id", remoteID, "err", err)
		return
	}

	if err := s.HandleAnswer(answer); err != nil {
		o.log.Error("applying answer failed", "remote_id", remoteID, "err", err)
		o.dropSession(remoteID, "answer failed")
	}
}

func (o *Orchestrator) handleCandidate(remoteID string, raw json.RawMessage) {
	s, ok := o.session(remoteID)
	if !ok {
		o.log.Debug("candidate for unknown peer", "remote_id", remoteID)
		return
	}

	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &candidate); err != nil {
		o.log.Warn("ignoring malformed candidate", "remote_id", remoteID, "err", err)
		return
	}

	if err := s.AddRemoteCandidate(candidate); err != nil {
		o.log.Debug("candidate rejected", "remote_id", remoteID, "err", err)
	}
}

func (o *Orchestrator) newSession(role Role, remoteID string) (*Session, error) {
	s, err := NewSession(SessionConfig{
		Role:               role,
		RemoteID:           remoteID,
		API:                o.cfg.API,
		ICEServers:         o.cfg.ICEServers,
		Tracks:             o.media.Tracks(),
		NegotiationTimeout: o.cfg.NegotiationTimeout,
		Logger:             o.log,
		OnLocalCandidate: func(candidate webrtc.ICECandidateInit) {
			if err := o.client.SendCandidate(remoteID, mustMarshal(candidate)); err != nil {
				o.log.Debug("candidate send failed", "remote_id", remoteID, "err", err)
			}
		},
		OnConnected: func() {
			if o.cfg.OnPeerConnected != nil {
				o.cfg.OnPeerConnected(remoteID, o.name(remoteID))
			}
		},
		OnFailed: func(cause error) {
			o.log.Warn("peer session failed", "remote_id", remoteID, "err", cause)
			o.dropSession(remoteID, "session failed")
		},
		OnTrack: func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
			if o.cfg.OnTrack != nil {
				o.cfg.OnTrack(remoteID, track, receiver)
			}
		},
	})
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.left {
		o.mu.Unlock()
		_ = s.Close()
		return nil, fmt.Errorf("orchestrator already left")
	}
	if prev, ok := o.sessions[remoteID]; ok {
		// A stale session toward the same peer (e.g. the peer rejoined before
		// we saw its departure) is replaced.
		defer func() { _ = prev.Close() }()
	}
	o.sessions[remoteID] = s
	o.mu.Unlock()

	return s, nil
}

func (o *Orchestrator) session(remoteID string) (*Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[remoteID]
	return s, ok
}

func (o *Orchestrator) dropSession(remoteID, reason string) {
	o.mu.Lock()
	s, ok := o.sessions[remoteID]
	delete(o.sessions, remoteID)
	delete(o.names, remoteID)
	o.mu.Unlock()
	if !ok {
		return
	}

	_ = s.Close()
	o.log.Info("peer session ended", "remote_id", remoteID, "reason", reason)
	if o.cfg.OnPeerGone != nil {
		o.cfg.OnPeerGone(remoteID)
	}
}

func (o *Orchestrator) setName(remoteID, userName string) {
	o.mu.Lock()
	o.names[remoteID] = userName
	o.mu.Unlock()
}

func (o *Orchestrator) name(remoteID string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.names[remoteID]
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// The marshalled types are plain structs; this cannot fail.
		panic(err)
	}
	return b
}
