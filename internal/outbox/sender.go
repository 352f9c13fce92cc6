// Package outbox implements the non-blocking send path: a queued
// message shows up in the conversation log immediately as an optimistic
// entry, while a background sender delivers it over the channel — or
// over the REST fallback when the channel is unavailable.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/onboardly/comms/internal/bus"
	"github.com/onboardly/comms/internal/chat"
	"github.com/onboardly/comms/internal/conn"
	"github.com/onboardly/comms/internal/proto"
	"github.com/onboardly/comms/internal/store"
	"go.uber.org/zap"
)

// ChannelSender enqueues a frame on the push channel.
type ChannelSender interface {
	Send(f proto.Frame) error
}

// Fallback delivers a message over the request/response API and
// returns the server-confirmed message.
type Fallback interface {
	SendMessage(ctx context.Context, peerID, content string) (proto.Message, error)
}

// Sender drains the durable outbox.
type Sender struct {
	selfID   string
	db       *store.DB
	channel  ChannelSender
	fallback Fallback
	msgs     *chat.Store
	bus      *bus.Bus
	logger   *zap.Logger
	cancel   context.CancelFunc
}

// NewSender creates a sender that is not yet running.
func NewSender(selfID string, db *store.DB, channel ChannelSender, fallback Fallback, msgs *chat.Store, b *bus.Bus, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		selfID:   selfID,
		db:       db,
		channel:  channel,
		fallback: fallback,
		msgs:     msgs,
		bus:      b,
		logger:   logger,
	}
}

// Queue appends an optimistic entry to the conversation log, persists
// the message in the outbox and returns the entry immediately.
func (s *Sender) Queue(peerID, content string) (chat.Message, error) {
	msg := s.msgs.AppendOptimistic(peerID, content)
	if err := s.db.QueueOutbox(msg.ID, peerID, content); err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}

// Start begins polling the outbox for pending messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}
		s.deliver(ctx, entry)
	}
}

// deliver tries the push channel first; only ErrChannelUnavailable
// falls through to the REST API. Any other channel failure keeps the
// message for a later pass.
func (s *Sender) deliver(ctx context.Context, entry store.OutboxEntry) {
	err := s.channel.Send(&proto.MessageSend{
		SenderID:   s.selfID,
		ReceiverID: entry.PeerID,
		Content:    entry.Body,
	})
	if err == nil {
		// Confirmation arrives as a pushed message frame.
		if err := s.db.MarkOutboxSent(entry.ClientMsgID, ""); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}
		s.publish("message.send_ack", map[string]string{"client_msg_id": entry.ClientMsgID, "via": "channel"})
		return
	}

	if errors.Is(err, conn.ErrLoginFailed) {
		s.fail(entry, err)
		return
	}
	if !errors.Is(err, conn.ErrChannelUnavailable) {
		s.logger.Warn("channel send failed, retrying later", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		if err := s.db.RequeueOutbox(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to requeue", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}
		return
	}

	confirmed, err := s.fallback.SendMessage(ctx, entry.PeerID, entry.Body)
	if err != nil {
		s.fail(entry, err)
		return
	}

	// The REST path returns the confirmation synchronously; merge it so
	// the optimistic entry resolves without waiting for a push.
	s.msgs.ApplyConfirmed(chat.FromWire(confirmed))
	if err := s.db.MarkOutboxSent(entry.ClientMsgID, confirmed.ID); err != nil {
		s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}
	s.publish("message.send_ack", map[string]string{"client_msg_id": entry.ClientMsgID, "server_msg_id": confirmed.ID, "via": "fallback"})
}

func (s *Sender) fail(entry store.OutboxEntry, cause error) {
	s.logger.Error("message delivery failed", zap.Error(cause), zap.String("client_msg_id", entry.ClientMsgID))
	if err := s.db.MarkOutboxFailed(entry.ClientMsgID, cause.Error()); err != nil {
		s.logger.Error("failed to mark failed", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}
	s.publish("message.send_failed", map[string]string{
		"client_msg_id": entry.ClientMsgID,
		"error":         cause.Error(),
	})
}

func (s *Sender) publish(kind string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
