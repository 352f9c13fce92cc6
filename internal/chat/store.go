// Package chat keeps the client-side ordered log of messages per
// conversation. It merges optimistic local echoes, server confirmations
// and remotely pushed messages without ever duplicating an entry: the
// push channel and the REST fallback both deliver at least once, so
// every apply operation here is idempotent and absorbs duplicates
// silently.
package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/onboardly/comms/internal/bus"
	"go.uber.org/zap"
)

// matchWindow bounds the createdAt distance used when pairing an
// optimistic entry with its server confirmation. The protocol carries
// no correlation id, so matching falls back to sender+receiver+content
// plus this window. Two identical texts to the same peer inside the
// window would false-match; the first unresolved one wins.
const matchWindow = 10 * time.Second

// Store holds the in-memory message logs, one per peer. All mutations
// are serialized by a single mutex.
type Store struct {
	selfID string
	bus    *bus.Bus
	logger *zap.Logger

	mu   sync.Mutex
	logs map[string][]Message
}

// NewStore creates an empty store for the given identity.
func NewStore(selfID string, b *bus.Bus, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		selfID: selfID,
		bus:    b,
		logs:   make(map[string][]Message),
		logger: logger,
	}
}

// AppendOptimistic creates a temporary entry for a locally sent message
// and returns it immediately. The entry is replaced in place once the
// server-confirmed counterpart arrives.
func (s *Store) AppendOptimistic(peerID, content string) Message {
	msg := Message{
		ID:        NewTempID(),
		Sender:    s.selfID,
		Receiver:  peerID,
		Content:   content,
		CreatedAt: time.Now(),
		Status:    StatusSent,
	}

	s.mu.Lock()
	s.logs[peerID] = insertOrdered(s.logs[peerID], msg)
	s.mu.Unlock()

	s.publish("message.appended", peerID, msg)
	return msg
}

// ApplyConfirmed merges a server-confirmed message into the log. A
// matching unresolved optimistic entry is replaced in place; an already
// known server id is a no-op; anything else is appended in order.
func (s *Store) ApplyConfirmed(m Message) {
	peerID := s.conversationPeer(m)

	s.mu.Lock()
	log := s.logs[peerID]

	if i := s.findOptimisticMatch(log, m); i >= 0 {
		log[i] = m
		s.logs[peerID] = resortFrom(log, i)
		s.mu.Unlock()
		s.publish("message.confirmed", peerID, m)
		return
	}

	if indexByID(log, m.ID) >= 0 {
		// Duplicate delivery; absorb.
		s.mu.Unlock()
		return
	}

	s.logs[peerID] = insertOrdered(log, m)
	s.mu.Unlock()
	s.publish("message.confirmed", peerID, m)
}

// ApplyReadReceipt marks each matching message as read. Unmatched ids
// are ignored: the receipt may race the history fetch that would have
// introduced them.
func (s *Store) ApplyReadReceipt(messageIDs []string) {
	want := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		want[id] = struct{}{}
	}

	var updated []Message
	s.mu.Lock()
	for peerID, log := range s.logs {
		for i := range log {
			if _, ok := want[log[i].ID]; ok && log[i].Status.rank() < StatusRead.rank() {
				log[i].Status = StatusRead
				updated = append(updated, log[i])
			}
		}
		s.logs[peerID] = log
	}
	s.mu.Unlock()

	for _, m := range updated {
		s.publish("message.read", s.conversationPeer(m), m)
	}
}

// ApplyStatus applies a single status transition reported by the
// server. Downgrades and unknown ids are ignored.
func (s *Store) ApplyStatus(messageID string, st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for peerID, log := range s.logs {
		if i := indexByID(log, messageID); i >= 0 {
			if log[i].Status.rank() < st.rank() {
				log[i].Status = st
				s.logs[peerID] = log
			}
			return
		}
	}
}

// LoadHistory replaces the log for a peer wholesale with the fetched
// history, sorted by createdAt. Used after opening a conversation and
// after reconnecting, since the channel carries no replay guarantee.
func (s *Store) LoadHistory(peerID string, msgs []Message) {
	sorted := make([]Message, len(msgs))
	copy(sorted, msgs)
	stableSortByCreatedAt(sorted)

	s.mu.Lock()
	s.logs[peerID] = sorted
	s.mu.Unlock()

	s.publish("message.history_loaded", peerID, nil)
}

// Messages returns a snapshot of the conversation log for a peer.
func (s *Store) Messages(peerID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.logs[peerID]))
	copy(out, s.logs[peerID])
	return out
}

// conversationPeer resolves which conversation a message belongs to.
func (s *Store) conversationPeer(m Message) string {
	if m.Sender == s.selfID {
		return m.Receiver
	}
	return m.Sender
}

// findOptimisticMatch locates the first unresolved temporary entry that
// matches the confirmed message by sender, receiver, content and
// approximate time.
func (s *Store) findOptimisticMatch(log []Message, m Message) int {
	for i := range log {
		if !IsTempID(log[i].ID) {
			continue
		}
		if log[i].Sender != m.Sender || log[i].Receiver != m.Receiver || log[i].Content != m.Content {
			continue
		}
		d := m.CreatedAt.Sub(log[i].CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= matchWindow {
			return i
		}
	}
	return -1
}

func (s *Store) publish(kind, peerID string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   Update{PeerID: peerID, Message: payload},
	})
}

// Update is the payload of message.* bus events.
type Update struct {
	PeerID  string
	Message any
}

func indexByID(log []Message, id string) int {
	for i := range log {
		if log[i].ID == id {
			return i
		}
	}
	return -1
}

// insertOrdered places msg so the log stays ascending by createdAt,
// with ties keeping insertion order (new entry goes after equals).
func insertOrdered(log []Message, msg Message) []Message {
	i := len(log)
	for i > 0 && log[i-1].CreatedAt.After(msg.CreatedAt) {
		i--
	}
	log = append(log, Message{})
	copy(log[i+1:], log[i:])
	log[i] = msg
	return log
}

// resortFrom restores ordering after the entry at i was replaced with
// one carrying a server timestamp. Only the affected tail moves.
func resortFrom(log []Message, i int) []Message {
	msg := log[i]
	rest := append(log[:i], log[i+1:]...)
	return insertOrdered(rest, msg)
}

func stableSortByCreatedAt(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}
