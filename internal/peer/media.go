package peer

import "github.com/pion/webrtc/v4"

// MediaSource provides the local tracks attached to every session. The
// orchestrator owns the source and closes it exactly once on Leave.
type MediaSource interface {
	// Tracks is called once per session, before the offer/answer exchange.
	Tracks() []webrtc.TrackLocal
	Close() error
}

// NoMedia is a source with no local tracks, for receive-only or
// data-channel-only participants.
type NoMedia struct{}

func (NoMedia) Tracks() []webrtc.TrackLocal { return nil }
func (NoMedia) Close() error                { return nil }
