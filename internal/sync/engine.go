// Package sync reconciles the in-memory conversation state with the
// two server surfaces: pushed frames arriving over the channel and the
// request/response API used for history and unread snapshots.
package sync

import (
	"context"
	"time"

	"github.com/onboardly/comms/internal/bus"
	"github.com/onboardly/comms/internal/call"
	"github.com/onboardly/comms/internal/chat"
	"github.com/onboardly/comms/internal/proto"
	"github.com/onboardly/comms/internal/store"
	"github.com/onboardly/comms/internal/unread"
	"go.uber.org/zap"
)

// Fetcher is the slice of the API client the engine needs.
type Fetcher interface {
	History(ctx context.Context, peerID string) ([]proto.Message, error)
	UnreadSnapshot(ctx context.Context) (map[string]int, error)
}

// CallHandler receives signaling frames routed off the channel.
type CallHandler interface {
	HandleIncoming(ctx context.Context, f *proto.IncomingCall)
	HandleAnswer(f *proto.CallAnswer)
	HandleRemoteCandidate(f *proto.ICECandidate)
	HandleRemoteHangup(f *proto.EndCall)
	HandleCallError(f *proto.CallError)
}

var _ CallHandler = (*call.Session)(nil)

// Engine routes pushed frames to the conversation logs, the unread
// tracker and the call session, and refreshes server-derived state
// whenever the channel comes (back) up.
type Engine struct {
	selfID   string
	db       *store.DB
	msgs     *chat.Store
	unread   *unread.Tracker
	calls    CallHandler
	api      Fetcher
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration
	cancel   context.CancelFunc
}

// NewEngine creates a new sync engine. interval is the period of the
// background unread-snapshot refresh; zero disables it.
func NewEngine(selfID string, db *store.DB, msgs *chat.Store, tracker *unread.Tracker, calls CallHandler, api Fetcher, b *bus.Bus, logger *zap.Logger, interval time.Duration) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		selfID:   selfID,
		db:       db,
		msgs:     msgs,
		unread:   tracker,
		calls:    calls,
		api:      api,
		bus:      b,
		logger:   logger,
		interval: interval,
	}
}

// Start subscribes to channel events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	frames, unsubFrames := e.bus.Subscribe("frame.", 256)
	updates, unsubUpdates := e.bus.Subscribe("message.", 256)
	conn, unsubConn := e.bus.Subscribe("conn.ready", 8)

	go func() {
		defer unsubFrames()
		defer unsubUpdates()
		defer unsubConn()

		var tick <-chan time.Time
		if e.interval > 0 {
			ticker := time.NewTicker(e.interval)
			defer ticker.Stop()
			tick = ticker.C
		}

		for {
			select {
			case evt := <-frames:
				e.handleFrame(ctx, evt)
			case evt := <-updates:
				e.handleUpdate(evt)
			case <-conn:
				e.refresh(ctx)
			case <-tick:
				e.refreshUnread(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleFrame(ctx context.Context, evt bus.Event) {
	switch f := evt.Payload.(type) {
	case *proto.Message:
		e.ingestMessage(ctx, f)
	case *proto.MessagesRead:
		e.applyReadReceipt(f)
	case *proto.MessageUpdated:
		e.msgs.ApplyStatus(f.ID, chat.Status(f.Status))
		if err := e.db.UpdateMessageStatus(f.ID, f.Status); err != nil {
			e.logger.Error("failed to persist status", zap.Error(err), zap.String("msg_id", f.ID))
		}
	case *proto.IncomingCall:
		e.calls.HandleIncoming(ctx, f)
	case *proto.CallAnswer:
		e.calls.HandleAnswer(f)
	case *proto.ICECandidate:
		e.calls.HandleRemoteCandidate(f)
	case *proto.EndCall:
		e.calls.HandleRemoteHangup(f)
	case *proto.CallError:
		e.calls.HandleCallError(f)
	default:
		e.logger.Debug("unhandled frame", zap.String("kind", evt.Kind))
	}
}

// ingestMessage merges a pushed message into the conversation log.
// Cache persistence happens via the message.confirmed event the log
// publishes, so the REST fallback path lands in the cache the same way.
func (e *Engine) ingestMessage(ctx context.Context, f *proto.Message) {
	e.msgs.ApplyConfirmed(chat.FromWire(*f))

	if f.Sender != e.selfID {
		e.unread.OnInboundMessage(ctx, f.Sender)
	}
}

// handleUpdate persists confirmed log entries to the cache. The upsert
// is idempotent; temp-id entries never reach this path because the log
// only announces server-confirmed messages on message.confirmed.
func (e *Engine) handleUpdate(evt bus.Event) {
	if evt.Kind != "message.confirmed" {
		return
	}
	upd, ok := evt.Payload.(chat.Update)
	if !ok {
		return
	}
	m, ok := upd.Message.(chat.Message)
	if !ok {
		return
	}
	if err := e.db.UpsertMessage(entryToRow(upd.PeerID, m)); err != nil {
		e.logger.Error("failed to cache message", zap.Error(err), zap.String("msg_id", m.ID))
	}
}

func (e *Engine) applyReadReceipt(f *proto.MessagesRead) {
	ids := make([]string, 0, len(f.Messages))
	for _, m := range f.Messages {
		ids = append(ids, m.ID)
	}
	e.msgs.ApplyReadReceipt(ids)
	for _, id := range ids {
		if err := e.db.UpdateMessageStatus(id, string(chat.StatusRead)); err != nil {
			e.logger.Error("failed to persist read receipt", zap.Error(err), zap.String("msg_id", id))
		}
	}
}

// OpenConversation makes peerID the active conversation: history is
// fetched and loaded wholesale, and the unread counter is cleared. When
// the fetch fails the cached copy is shown instead and the error is
// returned.
func (e *Engine) OpenConversation(ctx context.Context, peerID string) error {
	history, err := e.api.History(ctx, peerID)
	if err != nil {
		e.logger.Warn("history fetch failed, using cache", zap.Error(err), zap.String("peer_id", peerID))
		e.loadCached(peerID)
		e.unread.OpenConversation(ctx, peerID)
		return err
	}

	e.loadHistory(peerID, history)
	e.unread.OpenConversation(ctx, peerID)
	return nil
}

// CloseConversation clears the active conversation.
func (e *Engine) CloseConversation() {
	e.unread.CloseConversation()
}

// refresh runs the full post-(re)connect reconciliation: the unread
// snapshot replaces local counters, and the active conversation is
// re-fetched since frames pushed while the channel was down are gone.
func (e *Engine) refresh(ctx context.Context) {
	e.refreshUnread(ctx)

	peerID := e.unread.ActivePeer()
	if peerID == "" {
		return
	}
	history, err := e.api.History(ctx, peerID)
	if err != nil {
		e.logger.Warn("history refresh failed", zap.Error(err), zap.String("peer_id", peerID))
		return
	}
	e.loadHistory(peerID, history)
}

func (e *Engine) refreshUnread(ctx context.Context) {
	counts, err := e.api.UnreadSnapshot(ctx)
	if err != nil {
		e.logger.Warn("unread snapshot failed", zap.Error(err))
		return
	}
	e.unread.ApplySnapshot(counts)
}

func (e *Engine) loadHistory(peerID string, history []proto.Message) {
	msgs := make([]chat.Message, 0, len(history))
	rows := make([]store.Message, 0, len(history))
	for _, wm := range history {
		msgs = append(msgs, chat.FromWire(wm))
		rows = append(rows, *wireToRow(e.selfID, wm))
	}
	e.msgs.LoadHistory(peerID, msgs)
	if err := e.db.ReplaceConversation(peerID, rows); err != nil {
		e.logger.Error("failed to cache history", zap.Error(err), zap.String("peer_id", peerID))
	}
}

func (e *Engine) loadCached(peerID string) {
	rows, err := e.db.ListMessages(peerID, 0, 500)
	if err != nil {
		e.logger.Error("failed to read cache", zap.Error(err), zap.String("peer_id", peerID))
		return
	}
	msgs := make([]chat.Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, chat.Message{
			ID:        r.MsgID,
			Sender:    r.Sender,
			Receiver:  r.Receiver,
			Content:   r.Body,
			CreatedAt: time.UnixMilli(r.CreatedAt),
			Status:    chat.Status(r.Status),
		})
	}
	e.msgs.LoadHistory(peerID, msgs)
}

func entryToRow(peerID string, m chat.Message) *store.Message {
	return &store.Message{
		PeerID:    peerID,
		MsgID:     m.ID,
		Sender:    m.Sender,
		Receiver:  m.Receiver,
		Body:      m.Content,
		Status:    string(m.Status),
		CreatedAt: m.CreatedAt.UnixMilli(),
	}
}

func wireToRow(selfID string, m proto.Message) *store.Message {
	peer := m.Sender
	if peer == selfID {
		peer = m.Receiver
	}
	status := m.Status
	if status == "" {
		status = string(chat.StatusSent)
	}
	return &store.Message{
		PeerID:    peer,
		MsgID:     m.ID,
		Sender:    m.Sender,
		Receiver:  m.Receiver,
		Body:      m.Content,
		Status:    status,
		CreatedAt: m.CreatedAt.UnixMilli(),
	}
}
