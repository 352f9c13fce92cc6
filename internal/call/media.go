package call

import (
	"context"
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// WebRTCMedia builds pion peer connections for voice calls. Codec and
// capture internals live in the media transport itself; this layer only
// guarantees a connection whose SDP carries valid audio m-lines and ICE
// credentials.
type WebRTCMedia struct {
	iceServers []string
	logger     *zap.Logger
}

// NewWebRTCMedia creates a factory using the given STUN/TURN URLs.
func NewWebRTCMedia(iceServers []string, logger *zap.Logger) *WebRTCMedia {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebRTCMedia{iceServers: iceServers, logger: logger}
}

// Acquire creates a peer connection with default codecs and
// interceptors registered.
func (m *WebRTCMedia) Acquire(ctx context.Context) (PeerConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: m.iceServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	// An audio transceiver makes CreateOffer/CreateAnswer produce a
	// valid m-line even before any capture track is attached.
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	}); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add audio transceiver: %w", err)
	}

	m.logger.Debug("peer connection ready", zap.Strings("ice_servers", m.iceServers))
	return pc, nil
}
