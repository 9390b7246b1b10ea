package peer

import (
	"log/slog"

	"github.com/pion/webrtc/v4"
)

// NewAPI builds the shared pion API: default codecs plus pion logging routed
// through slog. All sessions of one orchestrator share the API.
func NewAPI(logger *slog.Logger) (*webrtc.API, error) {
	if logger == nil {
		logger = slog.Default()
	}

	se := webrtc.SettingEngine{
		LoggerFactory: newSlogLoggerFactory(logger),
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}
