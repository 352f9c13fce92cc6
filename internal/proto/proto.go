// Package proto defines the JSON frame protocol spoken over the
// persistent signaling channel. Every frame is a flat JSON object
// tagged by its "event" field; Decode turns raw bytes into exactly one
// concrete frame type so consumers type-switch instead of poking at
// string-keyed maps.
package proto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// Kind identifies a frame variant on the wire.
type Kind string

const (
	KindLogin          Kind = "login"
	KindLoginSuccess   Kind = "login-success"
	KindLoginError     Kind = "login-error"
	KindMessage        Kind = "message"
	KindMessagesRead   Kind = "messages-read"
	KindMessageUpdated Kind = "message-updated"
	KindCall           Kind = "call"
	KindIncomingCall   Kind = "incoming-call"
	KindAnswer         Kind = "answer"
	KindCallAnswer     Kind = "call-answer"
	KindICECandidate   Kind = "ice-candidate"
	KindEndCall        Kind = "end-call"
	KindCallError      Kind = "call-error"
)

// Frame is implemented by every concrete frame type.
type Frame interface {
	FrameKind() Kind
}

// Login registers an identity on the channel. Outbound only; replayed
// verbatim after every reconnect.
type Login struct {
	Event    Kind   `json:"event"`
	SenderID string `json:"senderId"`
}

// LoginSuccess acknowledges a login frame.
type LoginSuccess struct {
	Event    Kind   `json:"event"`
	SenderID string `json:"senderId"`
}

// LoginError rejects a login frame with a server-supplied reason.
type LoginError struct {
	Event   Kind   `json:"event"`
	Message string `json:"message"`
}

// MessageSend is the outbound chat-message frame.
type MessageSend struct {
	Event      Kind   `json:"event"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
}

// Message is the inbound server-confirmed chat message.
type Message struct {
	Event     Kind      `json:"event,omitempty"`
	ID        string    `json:"_id"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Status    string    `json:"status"`
}

// MessagesRead reports a batch of messages the peer has read.
type MessagesRead struct {
	Event    Kind      `json:"event"`
	Messages []Message `json:"messages"`
}

// MessageUpdated reports a single status transition for a message.
type MessageUpdated struct {
	Event  Kind   `json:"event"`
	ID     string `json:"_id"`
	Status string `json:"status"`
}

// Call is the outbound call-initiation frame carrying the SDP offer.
type Call struct {
	Event      Kind                      `json:"event"`
	SenderID   string                    `json:"senderId"`
	ReceiverID string                    `json:"receiverId"`
	Offer      webrtc.SessionDescription `json:"offer"`
}

// IncomingCall is the inbound counterpart of Call.
type IncomingCall struct {
	Event    Kind                      `json:"event"`
	SenderID string                    `json:"senderId"`
	Offer    webrtc.SessionDescription `json:"offer"`
}

// Answer is the outbound callee response carrying the SDP answer.
type Answer struct {
	Event      Kind                      `json:"event"`
	SenderID   string                    `json:"senderId"`
	ReceiverID string                    `json:"receiverId"`
	Answer     webrtc.SessionDescription `json:"answer"`
}

// CallAnswer delivers the callee's SDP answer to the caller.
type CallAnswer struct {
	Event  Kind                      `json:"event"`
	Answer webrtc.SessionDescription `json:"answer"`
}

// ICECandidate carries one ICE candidate in either direction.
type ICECandidate struct {
	Event      Kind                    `json:"event"`
	SenderID   string                  `json:"senderId"`
	ReceiverID string                  `json:"receiverId"`
	Candidate  webrtc.ICECandidateInit `json:"candidate"`
}

// EndCall terminates a call in either direction.
type EndCall struct {
	Event      Kind   `json:"event"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
}

// CallError reports a server-side signaling failure.
type CallError struct {
	Event   Kind   `json:"event"`
	Message string `json:"message"`
}

func (f *Login) FrameKind() Kind          { return KindLogin }
func (f *LoginSuccess) FrameKind() Kind   { return KindLoginSuccess }
func (f *LoginError) FrameKind() Kind     { return KindLoginError }
func (f *MessageSend) FrameKind() Kind    { return KindMessage }
func (f *Message) FrameKind() Kind        { return KindMessage }
func (f *MessagesRead) FrameKind() Kind   { return KindMessagesRead }
func (f *MessageUpdated) FrameKind() Kind { return KindMessageUpdated }
func (f *Call) FrameKind() Kind           { return KindCall }
func (f *IncomingCall) FrameKind() Kind   { return KindIncomingCall }
func (f *Answer) FrameKind() Kind         { return KindAnswer }
func (f *CallAnswer) FrameKind() Kind     { return KindCallAnswer }
func (f *ICECandidate) FrameKind() Kind   { return KindICECandidate }
func (f *EndCall) FrameKind() Kind        { return KindEndCall }
func (f *CallError) FrameKind() Kind      { return KindCallError }

// UnknownEventError is returned by Decode for events this client does
// not understand. Callers log and drop; an unknown event is never fatal.
type UnknownEventError struct {
	Event string
}

func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("unknown event %q", e.Event)
}

// Decode parses one wire frame. The event tag is probed first, then the
// full payload is unmarshaled into the matching concrete type.
func Decode(data []byte) (Frame, error) {
	var head struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	var f Frame
	switch Kind(head.Event) {
	case KindLoginSuccess:
		f = &LoginSuccess{}
	case KindLoginError:
		f = &LoginError{}
	case KindMessage:
		f = &Message{}
	case KindMessagesRead:
		f = &MessagesRead{}
	case KindMessageUpdated:
		f = &MessageUpdated{}
	case KindIncomingCall:
		f = &IncomingCall{}
	case KindCallAnswer:
		f = &CallAnswer{}
	case KindICECandidate:
		f = &ICECandidate{}
	case KindEndCall:
		f = &EndCall{}
	case KindCallError:
		f = &CallError{}
	default:
		return nil, &UnknownEventError{Event: head.Event}
	}

	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("decode %s frame: %w", head.Event, err)
	}
	return f, nil
}

// Encode serializes an outbound frame, stamping its event tag.
func Encode(f Frame) ([]byte, error) {
	setKind(f)
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.FrameKind(), err)
	}
	return data, nil
}

func setKind(f Frame) {
	switch v := f.(type) {
	case *Login:
		v.Event = KindLogin
	case *MessageSend:
		v.Event = KindMessage
	case *Call:
		v.Event = KindCall
	case *Answer:
		v.Event = KindAnswer
	case *ICECandidate:
		v.Event = KindICECandidate
	case *EndCall:
		v.Event = KindEndCall
	}
}
