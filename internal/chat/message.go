package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/onboardly/comms/internal/proto"
)

// Status is the delivery state of a message. Transitions are monotonic:
// sent → delivered → read, never backwards.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

func (s Status) rank() int {
	switch s {
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	default:
		return 0
	}
}

// Message is one entry in a conversation log. ID is either a
// server-issued identifier or a temporary local one pending
// confirmation.
type Message struct {
	ID        string
	Sender    string
	Receiver  string
	Content   string
	CreatedAt time.Time
	Status    Status
}

const tempIDPrefix = "tmp-"

// NewTempID generates a tagged local identifier for an optimistic entry.
func NewTempID() string {
	return tempIDPrefix + uuid.New().String()
}

// IsTempID reports whether id is a local identifier awaiting its
// server-confirmed counterpart.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// FromWire converts a wire message into a log entry. An absent status
// defaults to sent.
func FromWire(m proto.Message) Message {
	st := Status(m.Status)
	if st == "" {
		st = StatusSent
	}
	return Message{
		ID:        m.ID,
		Sender:    m.Sender,
		Receiver:  m.Receiver,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
		Status:    st,
	}
}

