// Package unread maintains per-peer unread counters, reconciled
// against both live push events and periodic authoritative snapshots.
package unread

import (
	"context"
	"sync"
	"time"

	"github.com/onboardly/comms/internal/bus"
	"go.uber.org/zap"
)

// MarkReader performs the mark-read round trip against the portal API.
type MarkReader interface {
	MarkRead(ctx context.Context, peerID string) error
}

// Tracker owns the unread counters. The counter of the currently open
// conversation is pinned to zero; all counters are clamped at zero.
type Tracker struct {
	marker MarkReader
	bus    *bus.Bus
	logger *zap.Logger

	mu     sync.Mutex
	counts map[string]int
	active string
}

// NewTracker creates an empty tracker.
func NewTracker(marker MarkReader, b *bus.Bus, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		marker: marker,
		bus:    b,
		logger: logger,
		counts: make(map[string]int),
	}
}

// OnInboundMessage records an inbound message from senderID. If that
// conversation is currently open the counter stays at zero and a
// mark-read round trip is issued instead.
func (t *Tracker) OnInboundMessage(ctx context.Context, senderID string) {
	t.mu.Lock()
	if senderID != t.active {
		t.counts[senderID]++
		n := t.counts[senderID]
		t.mu.Unlock()
		t.publish(senderID, n)
		return
	}
	t.counts[senderID] = 0
	t.mu.Unlock()

	if err := t.marker.MarkRead(ctx, senderID); err != nil {
		t.logger.Warn("mark-read failed for open conversation", zap.String("peer", senderID), zap.Error(err))
	}
}

// OpenConversation marks a conversation as the active one, zeroes its
// counter optimistically and issues a mark-read request. A failed
// request keeps the local zero; retrying is the caller's policy.
func (t *Tracker) OpenConversation(ctx context.Context, peerID string) {
	t.mu.Lock()
	t.active = peerID
	t.counts[peerID] = 0
	t.mu.Unlock()
	t.publish(peerID, 0)

	if err := t.marker.MarkRead(ctx, peerID); err != nil {
		t.logger.Warn("mark-read failed on open", zap.String("peer", peerID), zap.Error(err))
	}
}

// CloseConversation clears the active peer.
func (t *Tracker) CloseConversation() {
	t.mu.Lock()
	t.active = ""
	t.mu.Unlock()
}

// ActivePeer returns the currently open conversation, or "".
func (t *Tracker) ActivePeer() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// ApplySnapshot replaces the full mapping with an authoritative fetch,
// correcting any drift from push events missed across reconnects.
// Negative values are clamped and the active peer stays at zero.
func (t *Tracker) ApplySnapshot(counts map[string]int) {
	t.mu.Lock()
	fresh := make(map[string]int, len(counts))
	for peerID, n := range counts {
		if n < 0 {
			n = 0
		}
		fresh[peerID] = n
	}
	if t.active != "" {
		fresh[t.active] = 0
	}
	t.counts = fresh
	changed := make(map[string]int, len(fresh))
	for k, v := range fresh {
		changed[k] = v
	}
	t.mu.Unlock()

	for peerID, n := range changed {
		t.publish(peerID, n)
	}
}

// Count returns the unread counter for a peer.
func (t *Tracker) Count(peerID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[peerID]
}

// Counts returns a snapshot of all counters.
func (t *Tracker) Counts() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	return out
}

// Change is the payload of unread.changed bus events.
type Change struct {
	PeerID string
	Count  int
}

func (t *Tracker) publish(peerID string, n int) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(bus.Event{
		Kind:      "unread.changed",
		Timestamp: time.Now(),
		Payload:   Change{PeerID: peerID, Count: n},
	})
}
