package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/onboardly/comms/internal/bus"
	"github.com/onboardly/comms/internal/chat"
	"github.com/onboardly/comms/internal/conn"
	"github.com/onboardly/comms/internal/proto"
	"github.com/onboardly/comms/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(t.TempDir() + "/cache.db")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type fakeChannel struct {
	err  error
	sent []proto.Frame
}

func (c *fakeChannel) Send(f proto.Frame) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, f)
	return nil
}

type fakeFallback struct {
	err   error
	msg   proto.Message
	calls int
}

func (f *fakeFallback) SendMessage(_ context.Context, peerID, content string) (proto.Message, error) {
	f.calls++
	if f.err != nil {
		return proto.Message{}, f.err
	}
	return f.msg, nil
}

func newTestSender(t *testing.T, ch *fakeChannel, fb *fakeFallback) (*Sender, *chat.Store, *store.DB, *bus.Bus) {
	t.Helper()
	b := bus.New()
	db := testDB(t)
	msgs := chat.NewStore("alice", b, nil)
	s := NewSender("alice", db, ch, fb, msgs, b, nil)
	return s, msgs, db, b
}

func TestQueueAppendsOptimisticEntry(t *testing.T) {
	s, msgs, db, _ := newTestSender(t, &fakeChannel{}, &fakeFallback{})

	m, err := s.Queue("bob", "hello")
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}
	if !chat.IsTempID(m.ID) {
		t.Errorf("expected temp id, got %q", m.ID)
	}

	log := msgs.Messages("bob")
	if len(log) != 1 || log[0].Content != "hello" {
		t.Fatalf("unexpected log: %+v", log)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatalf("PendingOutbox: %v", err)
	}
	if len(pending) != 1 || pending[0].ClientMsgID != m.ID {
		t.Fatalf("unexpected outbox: %+v", pending)
	}
}

func TestDeliverOverChannel(t *testing.T) {
	ch := &fakeChannel{}
	fb := &fakeFallback{}
	s, _, db, b := newTestSender(t, ch, fb)

	events, cancel := b.Subscribe("message.send_ack", 4)
	defer cancel()

	if _, err := s.Queue("bob", "hello"); err != nil {
		t.Fatalf("Queue: %v", err)
	}
	s.processPending(context.Background())

	if len(ch.sent) != 1 {
		t.Fatalf("expected 1 channel send, got %d", len(ch.sent))
	}
	ms, ok := ch.sent[0].(*proto.MessageSend)
	if !ok {
		t.Fatalf("unexpected frame type %T", ch.sent[0])
	}
	if ms.SenderID != "alice" || ms.ReceiverID != "bob" || ms.Content != "hello" {
		t.Errorf("unexpected frame: %+v", ms)
	}
	if fb.calls != 0 {
		t.Errorf("fallback should not be used when the channel works")
	}

	pending, _ := db.PendingOutbox()
	if len(pending) != 0 {
		t.Errorf("outbox should be drained, got %+v", pending)
	}

	select {
	case <-events:
	case <-time.After(time.Second):
		t.Error("expected message.send_ack event")
	}
}

func TestFallbackWhenChannelUnavailable(t *testing.T) {
	ch := &fakeChannel{err: conn.ErrChannelUnavailable}
	fb := &fakeFallback{msg: proto.Message{
		ID:        "srv-1",
		Sender:    "alice",
		Receiver:  "bob",
		Content:   "hello",
		CreatedAt: time.Now(),
		Status:    "sent",
	}}
	s, msgs, db, _ := newTestSender(t, ch, fb)

	if _, err := s.Queue("bob", "hello"); err != nil {
		t.Fatalf("Queue: %v", err)
	}
	s.processPending(context.Background())

	if fb.calls != 1 {
		t.Fatalf("expected 1 fallback call, got %d", fb.calls)
	}

	log := msgs.Messages("bob")
	if len(log) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(log))
	}
	if log[0].ID != "srv-1" {
		t.Errorf("optimistic entry not replaced: %+v", log[0])
	}

	pending, _ := db.PendingOutbox()
	if len(pending) != 0 {
		t.Errorf("outbox should be drained, got %+v", pending)
	}
}

func TestFallbackFailureMarksFailed(t *testing.T) {
	ch := &fakeChannel{err: conn.ErrChannelUnavailable}
	fb := &fakeFallback{err: errors.New("api down")}
	s, _, db, b := newTestSender(t, ch, fb)

	events, cancel := b.Subscribe("message.send_failed", 4)
	defer cancel()

	m, err := s.Queue("bob", "hello")
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}
	s.processPending(context.Background())

	select {
	case <-events:
	case <-time.After(time.Second):
		t.Error("expected message.send_failed event")
	}

	var status string
	if err := db.QueryRow(`SELECT status FROM outbox WHERE client_msg_id = ?`, m.ID).Scan(&status); err != nil {
		t.Fatalf("query outbox: %v", err)
	}
	if status != "failed" {
		t.Errorf("status = %q, want failed", status)
	}
}

func TestTransientChannelErrorRequeues(t *testing.T) {
	ch := &fakeChannel{err: errors.New("write timeout")}
	fb := &fakeFallback{}
	s, _, db, _ := newTestSender(t, ch, fb)

	if _, err := s.Queue("bob", "hello"); err != nil {
		t.Fatalf("Queue: %v", err)
	}
	s.processPending(context.Background())

	if fb.calls != 0 {
		t.Errorf("transient channel error must not hit the fallback")
	}
	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatalf("PendingOutbox: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected entry back in queue, got %+v", pending)
	}

	// Channel recovers on the next pass.
	ch.err = nil
	s.processPending(context.Background())
	pending, _ = db.PendingOutbox()
	if len(pending) != 0 {
		t.Errorf("outbox should drain after recovery, got %+v", pending)
	}
}
