package store

// Message is one cached conversation entry.
type Message struct {
	ID        int64
	PeerID    string
	MsgID     string
	Sender    string
	Receiver  string
	Body      string
	Status    string
	CreatedAt int64 // unix millis
}

// OutboxEntry is a queued outgoing message.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	PeerID       string
	Body         string
	Status       string // queued, sending, sent, failed
	ErrorMessage string
	ServerMsgID  string
}
