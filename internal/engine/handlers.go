// ABOUTME: Event handlers run on the engine goroutine, one event to completion at a time
// ABOUTME: Routes frames to the router, reconciler, presence tracker, unread index and orderer

package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/clinic-chat/internal/chat"
	"github.com/2389/clinic-chat/internal/presence"
	"github.com/2389/clinic-chat/internal/protocol"
	"github.com/2389/clinic-chat/internal/router"
	"github.com/2389/clinic-chat/internal/session"
)

func newTempID() string {
	return uuid.New().String()
}

func (e *Engine) handleEvent(ctx context.Context, ev session.Event) {
	if ev.Status != nil {
		e.handleStatus(ctx, ev.Epoch, ev.Status)
		return
	}
	if ev.Epoch < e.epoch {
		e.logger.Debug("dropping frame from previous connection", "epoch", ev.Epoch, "current", e.epoch)
		return
	}
	e.handleMessage(ctx, ev.Message)
}

func (e *Engine) handleStatus(ctx context.Context, epoch uint64, st *session.StatusChange) {
	if epoch < e.epoch {
		// A newer status already arrived out of band.
		e.logger.Debug("dropping stale status", "state", st.State.String(), "epoch", epoch, "current", e.epoch)
		return
	}
	e.epoch = epoch
	e.conn = st.State

	switch st.State {
	case session.Reconnecting:
		// In-flight joins and history are void; the selection must be redone.
		e.router.Invalidate()
		e.presence.Reset()
	case session.Disconnected:
		e.router.Reset()
		e.presence.Reset()
		e.unread.Reset()
		e.activity.ResetActivity()
		e.seen.Reset()
		e.pending = make(map[string]string)
		e.publish(Update{Kind: UnreadChanged, Unread: e.unread.Counts()})
	}

	e.logger.Info("connection state changed", "state", st.State.String(), "epoch", epoch)
	e.publish(Update{Kind: ConnectionChanged, Connection: st.State, Err: st.Err})

	if st.State == session.Connected {
		e.rejoin(ctx)
	}
}

// rejoin redoes a selection whose join was never sent or was voided by a
// connection loss.
func (e *Engine) rejoin(ctx context.Context) {
	peer, ok := e.router.SelectedPeer()
	if !ok || e.router.Phase() != router.Idle {
		return
	}
	if err := e.selectPeer(ctx, peer); err != nil {
		e.logger.Warn("rejoining conversation", "peer_id", peer.ID, "error", err)
	}
}

func (e *Engine) handleMessage(ctx context.Context, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.ConversationJoined:
		e.handleJoined(ctx, m)
	case *protocol.HistoryPayload:
		e.handleHistory(m)
	case *protocol.JoinError:
		e.handleJoinError(m)
	case *protocol.DeliveryConfirmation:
		e.handleConfirmation(m)
	case *protocol.InboundMessage:
		e.handleInbound(m.Message)
	case *protocol.TypingStart:
		if e.presence.RemoteStart(m.ConversationID, m.UserID) {
			e.publishTyping()
		}
	case *protocol.TypingStop:
		if e.presence.RemoteStop(m.ConversationID, m.UserID) {
			e.publishTyping()
		}
	case *protocol.IdentityRegistered:
		e.logger.Debug("identity registered", "self_id", m.SelfID)
	case *protocol.ErrorMessage:
		e.logger.Warn("server error", "code", m.Code, "message", m.Message)
	default:
		e.logger.Debug("ignoring message", "type", msg.Header().Type)
	}
}

func (e *Engine) handleJoined(ctx context.Context, m *protocol.ConversationJoined) {
	act, err := e.router.AcceptJoin(m)
	if err != nil {
		return
	}

	// Drain unread before history replaces the visible log; drained
	// messages seed the placeholder so none are lost.
	if drained := e.unread.Clear(act.PeerID); len(drained) > 0 {
		_, _ = e.router.ApplyLog(act.ConversationID, func(l chat.Log) chat.Log {
			for _, msg := range drained {
				l, _ = chat.Receive(l, msg)
			}
			return l
		})
		e.publish(Update{Kind: UnreadChanged, PeerID: act.PeerID, Unread: e.unread.Counts()})
	}

	conv, _ := e.router.Active()
	e.publish(Update{
		Kind:           ConversationActive,
		PeerID:         act.PeerID,
		ConversationID: act.ConversationID,
		Messages:       conv.Log.Messages(),
	})

	if err := e.channel.Send(ctx, act.HistoryRequest()); err != nil {
		e.logger.Warn("requesting history", "conversation_id", act.ConversationID, "error", err)
	}
}

func (e *Engine) handleHistory(m *protocol.HistoryPayload) {
	history := chat.FromWireList(m.Messages)
	if err := e.router.AcceptHistory(m, history); err != nil {
		return
	}
	for _, msg := range history {
		if msg.ServerID != "" {
			e.seen.Mark(msg.ServerID)
		}
		// History relaying one of our tempIds confirms that send.
		if msg.TempID != "" {
			delete(e.pending, msg.TempID)
		}
	}
	e.publishLog(true)
}

func (e *Engine) handleJoinError(m *protocol.JoinError) {
	joinErr, err := e.router.RejectJoin(m)
	if err != nil {
		return
	}
	e.logger.Warn("join rejected", "peer_id", joinErr.PeerID, "code", joinErr.Code)
	e.publish(Update{Kind: JoinFailed, PeerID: joinErr.PeerID, Err: joinErr})
}

func (e *Engine) handleConfirmation(m *protocol.DeliveryConfirmation) {
	convID, ok := e.pending[m.TempID]
	if !ok {
		if e.seen.Check(m.ServerID) {
			e.logger.Debug("confirmation for an applied message", "temp_id", m.TempID, "server_id", m.ServerID)
			return
		}
		convID = m.ConversationID
	}
	if convID == "" {
		e.logger.Debug("confirmation for unknown send", "temp_id", m.TempID)
		return
	}

	var outcome chat.Outcome
	_, err := e.router.ApplyLog(convID, func(l chat.Log) chat.Log {
		var next chat.Log
		next, outcome = chat.Confirm(l, chat.Confirmation{
			TempID:         m.TempID,
			ServerID:       m.ServerID,
			ConversationID: m.ConversationID,
		})
		return next
	})
	if err != nil {
		e.logger.Debug("confirmation for unknown conversation", "conversation_id", convID, "temp_id", m.TempID)
		return
	}

	if outcome == chat.OutcomeConfirmed {
		delete(e.pending, m.TempID)
		e.seen.Mark(m.ServerID)
		if e.router.IsActive(convID) {
			e.publishLog(false)
		}
	}
}

func (e *Engine) handleInbound(w protocol.WireMessage) {
	if w.ID == "" {
		e.logger.Debug("dropping inbound message without id")
		return
	}
	if e.seen.CheckAndMark(w.ID) {
		e.logger.Debug("dropping redelivered message", "id", w.ID)
		return
	}

	msg := chat.FromWire(w)
	peerID := msg.PeerOf(e.cfg.SelfID)
	e.touch(peerID, msg.ConversationID)

	if e.isActive(msg, peerID) {
		convID := e.router.ActiveConversationID()
		var outcome chat.Outcome
		_, _ = e.router.ApplyLog(convID, func(l chat.Log) chat.Log {
			var next chat.Log
			next, outcome = chat.Receive(l, msg)
			return next
		})
		if outcome == chat.OutcomeConfirmed {
			delete(e.pending, msg.TempID)
		}
		if outcome == chat.OutcomeAppended || outcome == chat.OutcomeConfirmed {
			e.publishLog(outcome == chat.OutcomeAppended)
		}
		return
	}

	if msg.SenderID == e.cfg.SelfID {
		// Our own message for a conversation not on screen: keep its log
		// current but never count it as unread.
		if conv, ok := e.router.ConversationFor(peerID); ok {
			_, _ = e.router.ApplyLog(conv.ID, func(l chat.Log) chat.Log {
				next, _ := chat.Receive(l, msg)
				return next
			})
		}
		return
	}

	if e.unread.Add(peerID, msg) {
		e.publish(Update{Kind: UnreadChanged, PeerID: peerID, Unread: e.unread.Counts()})
	}
}

func (e *Engine) handleExpiry(ctx context.Context, x presence.Expiry) {
	sig, ok := e.presence.Expire(x)
	if !ok {
		return
	}
	if x.Kind == presence.Local {
		e.sendTyping(ctx, sig)
		return
	}
	e.publishTyping()
}

func (e *Engine) selectPeer(ctx context.Context, peer chat.Peer) error {
	e.stopTyping(ctx)
	e.presence.ClearRemote()

	req, err := e.router.SelectPeer(peer)
	if err != nil {
		return err
	}
	e.publish(Update{Kind: ConversationLoading, PeerID: peer.ID})

	if e.conn != session.Connected {
		// Keep the selection; the join goes out once the channel is Connected.
		e.router.Invalidate()
		return session.ErrNotConnected
	}
	return e.channel.Send(ctx, req.Message())
}

func (e *Engine) send(ctx context.Context, body string) (chat.Message, error) {
	if strings.TrimSpace(body) == "" {
		return chat.Message{}, ErrEmptyMessage
	}
	if e.router.ActiveConversationID() == "" {
		return chat.Message{}, ErrNoActiveConversation
	}
	if e.conn != session.Connected {
		return chat.Message{}, session.ErrNotConnected
	}

	conv, _ := e.router.Active()
	draft := chat.Message{
		TempID:         e.newTempID(),
		ConversationID: conv.ID,
		SenderID:       e.cfg.SelfID,
		ReceiverID:     conv.PeerID,
		Body:           body,
		CreatedAt:      e.clock.Now(),
	}

	var outcome chat.Outcome
	l, err := e.router.ApplyLog(conv.ID, func(l chat.Log) chat.Log {
		var next chat.Log
		next, outcome = chat.Send(l, draft)
		return next
	})
	if err != nil {
		return chat.Message{}, err
	}
	if outcome != chat.OutcomeAppended {
		return chat.Message{}, fmt.Errorf("optimistic send %s: %s", draft.TempID, outcome)
	}
	sent, _ := l.Get(draft.TempID)
	e.pending[draft.TempID] = conv.ID

	e.touch(conv.PeerID, conv.ID)
	e.publishLog(true)
	e.stopTyping(ctx)

	if err := e.channel.Send(ctx, &protocol.SendMessage{
		SelfID:         e.cfg.SelfID,
		PeerID:         conv.PeerID,
		ConversationID: conv.ID,
		Body:           body,
		TempID:         draft.TempID,
	}); err != nil {
		e.logger.Warn("send failed, message stays pending", "temp_id", draft.TempID, "error", err)
	}
	return sent, nil
}

func (e *Engine) keystroke(ctx context.Context) {
	if e.conn != session.Connected {
		return
	}
	if sig, ok := e.presence.Keystroke(); ok {
		e.sendTyping(ctx, sig)
	}
}

func (e *Engine) setPeers(peers []chat.Peer) {
	e.activity.SetPeers(peers)
	e.publish(Update{Kind: ActivityChanged, Peers: e.activity.Ordered()})
}

// isActive reports whether msg belongs to the active conversation. Messages
// without a conversation id are matched by peer.
func (e *Engine) isActive(msg chat.Message, peerID string) bool {
	if msg.ConversationID != "" {
		return e.router.IsActive(msg.ConversationID)
	}
	conv, ok := e.router.Active()
	return ok && conv.PeerID == peerID
}

// touch records activity for peerID at receipt time.
func (e *Engine) touch(peerID, conversationID string) {
	now := e.clock.Now()
	e.router.Touch(conversationID, now)
	if e.activity.Touch(peerID, now) {
		e.publish(Update{Kind: ActivityChanged, PeerID: peerID, Peers: e.activity.Ordered()})
	}
}

func (e *Engine) stopTyping(ctx context.Context) {
	for _, sig := range e.presence.StopLocal() {
		e.sendTyping(ctx, sig)
	}
}

func (e *Engine) sendTyping(ctx context.Context, sig presence.Signal) {
	if e.conn != session.Connected {
		return
	}
	var msg protocol.Message
	if sig.Typing {
		msg = &protocol.TypingStart{ConversationID: sig.ConversationID, UserID: e.cfg.SelfID}
	} else {
		msg = &protocol.TypingStop{ConversationID: sig.ConversationID, UserID: e.cfg.SelfID}
	}
	if err := e.channel.Send(ctx, msg); err != nil {
		e.logger.Debug("sending typing signal", "typing", sig.Typing, "error", err)
	}
}

func (e *Engine) publishLog(scroll bool) {
	conv, ok := e.router.Active()
	if !ok {
		return
	}
	e.publish(Update{
		Kind:           LogChanged,
		PeerID:         conv.PeerID,
		ConversationID: conv.ID,
		Messages:       conv.Log.Messages(),
		ScrollToLatest: scroll,
	})
}

func (e *Engine) publishTyping() {
	convID := e.router.ActiveConversationID()
	e.publish(Update{Kind: TypingChanged, ConversationID: convID, Typing: e.presence.Typing(convID)})
}
