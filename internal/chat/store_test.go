package chat

import (
	"fmt"
	"testing"
	"time"

	"github.com/onboardly/comms/internal/bus"
)

const (
	self = "emp-42"
	peer = "hr-7"
)

func confirmed(id, sender, receiver, content string, at time.Time) Message {
	return Message{ID: id, Sender: sender, Receiver: receiver, Content: content, CreatedAt: at, Status: StatusSent}
}

func TestAppendOptimisticReturnsTempID(t *testing.T) {
	s := NewStore(self, nil, nil)

	msg := s.AppendOptimistic(peer, "hello")
	if !IsTempID(msg.ID) {
		t.Errorf("ID = %q, want tmp- prefix", msg.ID)
	}
	if msg.Status != StatusSent {
		t.Errorf("Status = %q, want sent", msg.Status)
	}

	log := s.Messages(peer)
	if len(log) != 1 || log[0].ID != msg.ID {
		t.Fatalf("log = %+v, want single optimistic entry", log)
	}
}

func TestApplyConfirmedReplacesOptimistic(t *testing.T) {
	s := NewStore(self, nil, nil)

	tmp := s.AppendOptimistic(peer, "hello")
	s.ApplyConfirmed(confirmed("srv-1", self, peer, "hello", tmp.CreatedAt.Add(200*time.Millisecond)))

	log := s.Messages(peer)
	if len(log) != 1 {
		t.Fatalf("log has %d entries, want 1 (optimistic replaced, not duplicated)", len(log))
	}
	if log[0].ID != "srv-1" {
		t.Errorf("ID = %q, want srv-1", log[0].ID)
	}
}

func TestApplyConfirmedDuplicateSuppression(t *testing.T) {
	s := NewStore(self, nil, nil)

	m := confirmed("srv-1", peer, self, "hi", time.Now())
	s.ApplyConfirmed(m)
	s.ApplyConfirmed(m)
	s.ApplyConfirmed(m)

	if got := len(s.Messages(peer)); got != 1 {
		t.Errorf("log has %d entries after triple delivery, want 1", got)
	}
}

func TestApplyConfirmedNeverDuplicatesServerID(t *testing.T) {
	s := NewStore(self, nil, nil)
	base := time.Now()

	// Interleave pushes, duplicates and optimistic confirmations.
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("srv-%d", i)
		m := confirmed(id, peer, self, fmt.Sprintf("msg %d", i), base.Add(time.Duration(i)*time.Second))
		s.ApplyConfirmed(m)
		s.ApplyConfirmed(m)
	}

	log := s.Messages(peer)
	seen := make(map[string]bool)
	for _, m := range log {
		if seen[m.ID] {
			t.Fatalf("duplicate server id %q in log", m.ID)
		}
		seen[m.ID] = true
	}
	if len(log) != 5 {
		t.Errorf("log has %d entries, want 5", len(log))
	}
}

func TestApplyConfirmedOutsideMatchWindowAppends(t *testing.T) {
	s := NewStore(self, nil, nil)

	tmp := s.AppendOptimistic(peer, "hello")
	// Same content but far outside the window: different message.
	s.ApplyConfirmed(confirmed("srv-1", self, peer, "hello", tmp.CreatedAt.Add(time.Hour)))

	log := s.Messages(peer)
	if len(log) != 2 {
		t.Fatalf("log has %d entries, want 2 (no false match across the window)", len(log))
	}
}

func TestOrderingByCreatedAt(t *testing.T) {
	s := NewStore(self, nil, nil)
	base := time.Now()

	s.ApplyConfirmed(confirmed("b", peer, self, "second", base.Add(2*time.Second)))
	s.ApplyConfirmed(confirmed("a", peer, self, "first", base.Add(1*time.Second)))
	s.ApplyConfirmed(confirmed("c", peer, self, "third", base.Add(3*time.Second)))

	log := s.Messages(peer)
	want := []string{"a", "b", "c"}
	for i, id := range want {
		if log[i].ID != id {
			t.Fatalf("log order = %v, want %v", ids(log), want)
		}
	}
}

func TestOrderingTiesKeepInsertionOrder(t *testing.T) {
	s := NewStore(self, nil, nil)
	at := time.Now()

	s.ApplyConfirmed(confirmed("x", peer, self, "one", at))
	s.ApplyConfirmed(confirmed("y", peer, self, "two", at))

	log := s.Messages(peer)
	if log[0].ID != "x" || log[1].ID != "y" {
		t.Errorf("tie order = %v, want [x y]", ids(log))
	}
}

func TestApplyReadReceipt(t *testing.T) {
	s := NewStore(self, nil, nil)
	now := time.Now()

	s.ApplyConfirmed(confirmed("srv-1", self, peer, "one", now))
	s.ApplyConfirmed(confirmed("srv-2", self, peer, "two", now.Add(time.Second)))

	s.ApplyReadReceipt([]string{"srv-1", "srv-2", "never-heard-of-it"})

	for _, m := range s.Messages(peer) {
		if m.Status != StatusRead {
			t.Errorf("message %s status = %q, want read", m.ID, m.Status)
		}
	}
}

func TestApplyStatusNeverDowngrades(t *testing.T) {
	s := NewStore(self, nil, nil)
	s.ApplyConfirmed(confirmed("srv-1", self, peer, "one", time.Now()))

	s.ApplyStatus("srv-1", StatusRead)
	s.ApplyStatus("srv-1", StatusDelivered)

	if got := s.Messages(peer)[0].Status; got != StatusRead {
		t.Errorf("status = %q, want read (no downgrade)", got)
	}
}

func TestLoadHistoryReplacesWholesale(t *testing.T) {
	s := NewStore(self, nil, nil)
	base := time.Now()

	s.AppendOptimistic(peer, "stale")
	s.LoadHistory(peer, []Message{
		confirmed("srv-2", peer, self, "two", base.Add(2*time.Second)),
		confirmed("srv-1", peer, self, "one", base.Add(1*time.Second)),
	})

	log := s.Messages(peer)
	if len(log) != 2 || log[0].ID != "srv-1" || log[1].ID != "srv-2" {
		t.Errorf("log = %v, want [srv-1 srv-2]", ids(log))
	}
}

func TestConfirmedPublishesOnBus(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	s := NewStore(self, b, nil)
	s.ApplyConfirmed(confirmed("srv-1", peer, self, "hi", time.Now()))

	select {
	case evt := <-ch:
		if evt.Kind != "message.confirmed" {
			t.Errorf("event kind = %q, want message.confirmed", evt.Kind)
		}
		upd, ok := evt.Payload.(Update)
		if !ok {
			t.Fatalf("payload type = %T, want Update", evt.Payload)
		}
		if upd.PeerID != peer {
			t.Errorf("PeerID = %q, want %q", upd.PeerID, peer)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message.confirmed event")
	}
}

func ids(log []Message) []string {
	out := make([]string, len(log))
	for i, m := range log {
		out[i] = m.ID
	}
	return out
}
