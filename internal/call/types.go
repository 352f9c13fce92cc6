package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/onboardly/comms/internal/proto"
	"github.com/pion/webrtc/v4"
)

// State is the call session state.
type State string

const (
	Idle      State = "IDLE"
	Calling   State = "CALLING"
	Answering State = "ANSWERING"
	InCall    State = "IN_CALL"
)

// validTransitions guards every state change; call-related events are
// processed strictly one at a time under the session mutex.
var validTransitions = map[State][]State{
	Idle:      {Calling, Answering},
	Calling:   {InCall, Idle},
	Answering: {InCall, Idle},
	InCall:    {Idle},
}

var (
	// ErrAlreadyInCall rejects a second StartCall while a session is
	// active. No network traffic results.
	ErrAlreadyInCall = errors.New("already in a call")

	// ErrMediaUnavailable wraps a failed local media acquisition; the
	// session stays Idle.
	ErrMediaUnavailable = errors.New("local media unavailable")
)

// SignalingError carries a server-reported call failure. It forces
// teardown to Idle.
type SignalingError struct {
	Message string
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("signaling error: %s", e.Message)
}

// Signaler is the only surface the call package needs from the
// connection layer: enqueue one outbound frame. Call frames have no
// REST fallback — a send failure is surfaced, not retried.
type Signaler interface {
	Send(f proto.Frame) error
}

// PeerConnection is the subset of *webrtc.PeerConnection the session
// drives. Tests substitute a fake.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	Close() error
}

// Media acquires the local media handle backing a call. Exactly one
// handle exists per active session and it is released on teardown.
type Media interface {
	Acquire(ctx context.Context) (PeerConnection, error)
}
