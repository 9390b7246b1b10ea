// Package peer drives the client side of a conference: one negotiation
// session per remote participant, coordinated by an orchestrator that turns
// signaling events into offer/answer/candidate exchanges.
package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// Role fixes which side of the offer/answer exchange a session takes. The
// later joiner offers; everyone already in the room answers. The roles never
// swap for the lifetime of a session, which is what keeps glare impossible.
type Role string

const (
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

// State tracks negotiation progress with one remote peer.
type State string

const (
	// StateIdle is the initial state: no description applied on either side.
	StateIdle State = "idle"
	// StateHaveLocalOffer: the offerer produced its offer and is waiting for
	// the answer.
	StateHaveLocalOffer State = "have-local-offer"
	// StateHaveRemoteOffer: the answerer applied the remote offer and is
	// producing its answer.
	StateHaveRemoteOffer State = "have-remote-offer"
	// StateStable: both descriptions applied; buffered candidates flushed.
	StateStable State = "stable"
	// StateConnected: the transport reached connected on top of a stable
	// negotiation.
	StateConnected State = "connected"
	// Terminal states.
	StateFailed State = "failed"
	StateClosed State = "closed"
)

var (
	ErrSessionClosed = errors.New("negotiation session closed")
	errWrongRole     = errors.New("operation not valid for this session role")
)

// SessionConfig wires one negotiation session.
type SessionConfig struct {
	Role     Role
	RemoteID string

	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Tracks     []webrtc.TrackLocal

	// NegotiationTimeout bounds the window from session creation to reaching
	// StateStable. Zero disables the deadline.
	NegotiationTimeout time.Duration

	Logger *slog.Logger

	// OnLocalCandidate fires for every gathered ICE candidate; the caller
	// relays it to the remote peer.
	OnLocalCandidate func(webrtc.ICECandidateInit)
	// OnConnected fires once when the transport reaches connected.
	OnConnected func()
	// OnFailed fires once when negotiation or the transport fails. The
	// session is unusable afterwards; the caller should Close it.
	OnFailed func(error)
	// OnTrack fires for every inbound remote track.
	OnTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

// Session is one peer connection under negotiation. All description and
// candidate operations are serialized by the session mutex; pion callbacks
// arrive on their own goroutines.
type Session struct {
	log      *slog.Logger
	role     Role
	remoteID string

	pc *webrtc.PeerConnection

	mu        sync.Mutex
	state     State
	pending   []webrtc.ICECandidateInit
	deadline  *time.Timer
	closeOnce sync.Once

	onConnected func()
	onFailed    func(error)
	failedOnce  sync.Once
	connOnce    sync.Once
}

// NewSession builds the peer connection for one remote participant and starts
// candidate gathering hooks. The offer/answer exchange itself is driven by
// the caller through CreateOffer/HandleOffer/HandleAnswer.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Role != RoleOfferer && cfg.Role != RoleAnswerer {
		return nil, fmt.Errorf("invalid session role %q", cfg.Role)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	api := cfg.API
	if api == nil {
		var err error
		if api, err = NewAPI(logger); err != nil {
			return nil, err
		}
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	s := &Session{
		log:         logger.With("remote_id", cfg.RemoteID, "role", string(cfg.Role)),
		role:        cfg.Role,
		remoteID:    cfg.RemoteID,
		pc:          pc,
		state:       StateIdle,
		onConnected: cfg.OnConnected,
		onFailed:    cfg.OnFailed,
	}

	for _, track := range cfg.Tracks {
		if _, err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add track: %w", err)
		}
	}
	// An offer with no media section never completes ICE; a track-less
	// offerer negotiates a data channel instead.
	if cfg.Role == RoleOfferer && len(cfg.Tracks) == 0 {
		if _, err := pc.CreateDataChannel("control", nil); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("create data channel: %w", err)
		}
	}

	if cfg.OnTrack != nil {
		pc.OnTrack(cfg.OnTrack)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || cfg.OnLocalCandidate == nil {
			return
		}
		cfg.OnLocalCandidate(c.ToJSON())
	})

	pc.OnConnectionStateChange(func(cs webrtc.PeerConnectionState) {
		s.log.Debug("peer connection state", "state", cs.String())
		switch cs {
		case webrtc.PeerConnectionStateConnected:
			s.markConnected()
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			s.fail(fmt.Errorf("peer connection %s", cs))
		}
	})

	if cfg.NegotiationTimeout > 0 {
		s.deadline = time.AfterFunc(cfg.NegotiationTimeout, func() {
			s.mu.Lock()
			st := s.state
			s.mu.Unlock()
			if st == StateIdle || st == StateHaveLocalOffer || st == StateHaveRemoteOffer {
				s.fail(fmt.Errorf("negotiation timed out in state %s", st))
			}
		})
	}

	return s, nil
}

// RemoteID names the remote participant this session negotiates with.
func (s *Session) RemoteID() string { return s.remoteID }

// Role reports which side of the exchange this session takes.
func (s *Session) Role() Role { return s.role }

// State reports the current negotiation state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CreateOffer produces and applies the local offer. Offerer only; valid once,
// from StateIdle.
func (s *Session) CreateOffer() (webrtc.SessionDescription, error) {
	if s.role != RoleOfferer {
		return webrtc.SessionDescription{}, errWrongRole
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireStateLocked(StateIdle); err != nil {
		return webrtc.SessionDescription{}, err
	}

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	s.state = StateHaveLocalOffer
	return offer, nil
}

// HandleOffer applies a remote offer and produces the answer. Answerer only;
// valid once, from StateIdle. On return the session is stable and buffered
// candidates have been applied.
func (s *Session) HandleOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if s.role != RoleAnswerer {
		return webrtc.SessionDescription{}, errWrongRole
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireStateLocked(StateIdle); err != nil {
		return webrtc.SessionDescription{}, err
	}

	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	s.state = StateHaveRemoteOffer

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}

	s.becomeStableLocked()
	return answer, nil
}

// HandleAnswer applies the remote answer. Offerer only; valid once, from
// StateHaveLocalOffer. On return the session is stable and buffered
// candidates have been applied.
func (s *Session) HandleAnswer(answer webrtc.SessionDescription) error {
	if s.role != RoleOfferer {
		return errWrongRole
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireStateLocked(StateHaveLocalOffer); err != nil {
		return err
	}

	if err := s.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}

	s.becomeStableLocked()
	return nil
}

// AddRemoteCandidate queues or applies one remote ICE candidate. Candidates
// arriving before the remote description are buffered in arrival order and
// applied on the transition to StateStable.
func (s *Session) AddRemoteCandidate(candidate webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed, StateFailed:
		return ErrSessionClosed
	case StateStable, StateConnected:
		if err := s.pc.AddICECandidate(candidate); err != nil {
			return fmt.Errorf("add ice candidate: %w", err)
		}
		return nil
	default:
		s.pending = append(s.pending, candidate)
		return nil
	}
}

// Close tears the session down. Idempotent; pending candidates are dropped.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.deadline != nil {
			s.deadline.Stop()
		}
		s.state = StateClosed
		s.pending = nil
		s.mu.Unlock()

		err = s.pc.Close()
		s.log.Debug("session closed")
	})
	return err
}

func (s *Session) requireStateLocked(want State) error {
	if s.state == StateClosed || s.state == StateFailed {
		return ErrSessionClosed
	}
	if s.state != want {
		return fmt.Errorf("invalid negotiation state %s, want %s", s.state, want)
	}
	return nil
}

// becomeStableLocked transitions to StateStable and flushes the candidate
// buffer in arrival order. Called with the mutex held.
func (s *Session) becomeStableLocked() {
	s.state = StateStable
	if s.deadline != nil {
		s.deadline.Stop()
	}

	for _, candidate := range s.pending {
		if err := s.pc.AddICECandidate(candidate); err != nil {
			s.log.Warn("dropping buffered ice candidate", "err", err)
		}
	}
	s.pending = nil
}

func (s *Session) markConnected() {
	s.connOnce.Do(func() {
		s.mu.Lock()
		if s.state == StateStable {
			s.state = StateConnected
		}
		st := s.state
		s.mu.Unlock()

		if st == StateConnected {
			s.log.Info("peer connected")
			if s.onConnected != nil {
				s.onConnected()
			}
		}
	})
}

func (s *Session) fail(cause error) {
	s.failedOnce.Do(func() {
		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			return
		}
		s.state = StateFailed
		s.pending = nil
		if s.deadline != nil {
			s.deadline.Stop()
		}
		s.mu.Unlock()

		s.log.Warn("negotiation failed", "err", cause)
		if s.onFailed != nil {
			s.onFailed(cause)
		}
	})
}
