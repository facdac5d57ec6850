// ABOUTME: End-to-end tests for the sync engine with a fake channel and a fake clock
// ABOUTME: Covers joins and races, optimistic sends, unread, activity, presence, and connection loss

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/clinic-chat/internal/chat"
	"github.com/2389/clinic-chat/internal/clock"
	"github.com/2389/clinic-chat/internal/protocol"
	"github.com/2389/clinic-chat/internal/router"
	"github.com/2389/clinic-chat/internal/session"
)

const self = "d1"

var (
	peer1 = chat.Peer{ID: "p1", DisplayName: "Pat One"}
	peer2 = chat.Peer{ID: "p2", DisplayName: "Pat Two"}
	peer3 = chat.Peer{ID: "p3", DisplayName: "Pat Three"}
)

type sentFrame struct {
	msg protocol.Message
	at  time.Time
}

// fakeChannel records outbound frames and lets tests feed events.
type fakeChannel struct {
	clock    clock.Clock
	events   chan session.Event
	overflow chan session.Event

	mu      sync.Mutex
	sent    []sentFrame
	sendErr error
}

func newFakeChannel(clk clock.Clock) *fakeChannel {
	return &fakeChannel{clock: clk, events: make(chan session.Event, 64), overflow: make(chan session.Event, 1)}
}

func (c *fakeChannel) Send(_ context.Context, msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, sentFrame{msg: msg, at: c.clock.Now()})
	return nil
}

func (c *fakeChannel) Events() <-chan session.Event { return c.events }

func (c *fakeChannel) Overflow() <-chan session.Event { return c.overflow }

func (c *fakeChannel) State() session.State { return session.Disconnected }

func (c *fakeChannel) frames() []sentFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentFrame(nil), c.sent...)
}

func (c *fakeChannel) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}

// sentOf returns the outbound frames of type T in order.
func sentOf[T protocol.Message](c *fakeChannel) []T {
	var out []T
	for _, f := range c.frames() {
		if m, ok := f.msg.(T); ok {
			out = append(out, m)
		}
	}
	return out
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	clock   *clock.Fake
	channel *fakeChannel
	engine  *Engine
	epoch   uint64
	temps   int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, ctx: t.Context(), clock: clock.NewFake(time.Unix(1_700_000_000, 0))}
	h.channel = newFakeChannel(h.clock)
	h.engine = New(Config{SelfID: self}, h.channel, nil,
		WithClock(h.clock),
		WithTempIDs(func() string {
			h.temps++
			return fmt.Sprintf("t%d", h.temps)
		}),
	)
	t.Cleanup(h.engine.shutdown)
	return h
}

func (h *harness) status(state session.State, err error) {
	h.epoch++
	h.engine.handleEvent(h.ctx, session.Event{Epoch: h.epoch, Status: &session.StatusChange{State: state, Err: err}})
}

func (h *harness) connect() {
	h.status(session.Connected, nil)
}

func (h *harness) deliver(msg protocol.Message) {
	h.engine.handleEvent(h.ctx, session.Event{Epoch: h.epoch, Message: msg})
}

// advance moves virtual time and applies every timer that fired.
func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	for {
		select {
		case x := <-h.engine.expiries:
			h.engine.handleExpiry(h.ctx, x)
		default:
			return
		}
	}
}

func (h *harness) snapshot() Snapshot {
	h.engine.refresh()
	return h.engine.Snapshot()
}

func (h *harness) logKeys() []string {
	var out []string
	for _, m := range h.snapshot().Messages {
		out = append(out, m.Key)
	}
	return out
}

func (h *harness) lastJoinToken() uint64 {
	joins := sentOf[*protocol.JoinConversation](h.channel)
	require.NotEmpty(h.t, joins)
	return joins[len(joins)-1].Token
}

// open selects peer and completes its join and history round trip.
func (h *harness) open(peer chat.Peer, convID string, history ...protocol.WireMessage) {
	h.t.Helper()
	require.NoError(h.t, h.engine.selectPeer(h.ctx, peer))
	token := h.lastJoinToken()
	h.deliver(joined(token, convID, peer.ID))
	h.deliver(historyPayload(token, convID, history...))
}

func joined(token uint64, convID, peerID string) *protocol.ConversationJoined {
	return &protocol.ConversationJoined{
		BaseMessage:    protocol.BaseMessage{Token: token},
		ConversationID: convID,
		SelfID:         self,
		PeerID:         peerID,
	}
}

func historyPayload(token uint64, convID string, msgs ...protocol.WireMessage) *protocol.HistoryPayload {
	return &protocol.HistoryPayload{
		BaseMessage:    protocol.BaseMessage{Token: token},
		ConversationID: convID,
		Messages:       msgs,
	}
}

func wire(id, convID, from, to string) protocol.WireMessage {
	return protocol.WireMessage{ID: id, ConversationID: convID, SenderID: from, ReceiverID: to, Body: "body " + id}
}

func inbound(w protocol.WireMessage) *protocol.InboundMessage {
	return &protocol.InboundMessage{Message: w}
}

func TestScenario_SelectJoinHistoryRendersLog(t *testing.T) {
	h := newHarness(t)
	h.connect()

	require.NoError(t, h.engine.selectPeer(h.ctx, peer1))
	joins := sentOf[*protocol.JoinConversation](h.channel)
	require.Len(t, joins, 1)
	assert.Equal(t, self, joins[0].SelfID)
	assert.Equal(t, "p1", joins[0].PeerID)
	assert.Equal(t, router.Joining, h.snapshot().Phase)

	h.deliver(joined(joins[0].Token, "c1", "p1"))
	gets := sentOf[*protocol.GetHistory](h.channel)
	require.Len(t, gets, 1)
	assert.Equal(t, "c1", gets[0].ConversationID)
	assert.Equal(t, self, gets[0].SelfID)

	h.deliver(historyPayload(joins[0].Token, "c1", wire("m1", "c1", "p1", self), wire("m2", "c1", self, "p1")))

	snap := h.snapshot()
	assert.Equal(t, router.Ready, snap.Phase)
	assert.Equal(t, "c1", snap.ConversationID)
	assert.Equal(t, "p1", snap.SelectedPeer.ID)
	assert.Equal(t, []string{"m1", "m2"}, h.logKeys())
}

func TestScenario_LateHistoryForPreviousSelectionIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.connect()

	require.NoError(t, h.engine.selectPeer(h.ctx, peer1))
	token1 := h.lastJoinToken()
	h.deliver(joined(token1, "c1", "p1"))

	// P2 selected while C1's history is still pending.
	require.NoError(t, h.engine.selectPeer(h.ctx, peer2))
	token2 := h.lastJoinToken()
	assert.Greater(t, token2, token1)
	assert.Empty(t, h.snapshot().Messages, "previous content is cleared while loading")

	h.deliver(historyPayload(token1, "c1", wire("m1", "c1", "p1", self)))
	assert.Empty(t, h.snapshot().Messages)

	h.deliver(joined(token2, "c2", "p2"))
	h.deliver(historyPayload(token2, "c2", wire("m9", "c2", "p2", self)))

	snap := h.snapshot()
	assert.Equal(t, "c2", snap.ConversationID)
	assert.Equal(t, []string{"m9"}, h.logKeys())
}

func TestRapidSwitches_FinalSelectionWins(t *testing.T) {
	h := newHarness(t)
	h.connect()

	var tokens []uint64
	for _, p := range []chat.Peer{peer1, peer2, peer3} {
		require.NoError(t, h.engine.selectPeer(h.ctx, p))
		tokens = append(tokens, h.lastJoinToken())
	}

	// Responses arrive out of order; only p3's apply.
	h.deliver(joined(tokens[2], "c3", "p3"))
	h.deliver(joined(tokens[0], "c1", "p1"))
	h.deliver(historyPayload(tokens[1], "c2", wire("x", "c2", "p2", self)))
	h.deliver(joined(tokens[1], "c2", "p2"))
	h.deliver(historyPayload(tokens[0], "c1", wire("y", "c1", "p1", self)))
	h.deliver(historyPayload(tokens[2], "c3", wire("m3", "c3", "p3", self)))

	snap := h.snapshot()
	assert.Equal(t, "c3", snap.ConversationID)
	assert.Equal(t, []string{"m3"}, h.logKeys())
	assert.Len(t, sentOf[*protocol.GetHistory](h.channel), 1, "history requested only for the final selection")
}

func TestScenario_OptimisticSendConfirmedInPlace(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.open(peer1, "c1")

	sent, err := h.engine.send(h.ctx, "Hello")
	require.NoError(t, err)
	assert.Equal(t, "t1", sent.TempID)
	assert.Equal(t, chat.StatePending, sent.State)

	snap := h.snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "t1", snap.Messages[0].Key)
	assert.Equal(t, 1, snap.PendingCount())

	out := sentOf[*protocol.SendMessage](h.channel)
	require.Len(t, out, 1)
	assert.Equal(t, protocol.SendMessage{
		BaseMessage:    out[0].BaseMessage,
		SelfID:         self,
		PeerID:         "p1",
		ConversationID: "c1",
		Body:           "Hello",
		TempID:         "t1",
	}, *out[0])

	confirm := &protocol.DeliveryConfirmation{TempID: "t1", ServerID: "m100", ConversationID: "c1"}
	h.deliver(confirm)
	h.deliver(confirm)
	// The receiver-side broadcast echoed back to us is dropped.
	h.deliver(inbound(wire("m100", "c1", self, "p1")))

	snap = h.snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "m100", snap.Messages[0].Key)
	assert.Equal(t, chat.StateConfirmed, snap.Messages[0].State)
	assert.Equal(t, 0, snap.PendingCount())
}

func TestHistory_ConfirmsPendingSendByTempID(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.open(peer1, "c1")

	_, err := h.engine.send(h.ctx, "Hello")
	require.NoError(t, err)
	require.Contains(t, h.engine.pending, "t1")

	// The connection drops before the confirmation; history carries the send.
	h.status(session.Reconnecting, errors.New("reset"))
	h.connect()
	token := h.lastJoinToken()
	echoed := wire("m100", "c1", self, "p1")
	echoed.TempID = "t1"
	h.deliver(joined(token, "c1", "p1"))
	h.deliver(historyPayload(token, "c1", echoed))

	assert.Empty(t, h.engine.pending)
	assert.Equal(t, []string{"m100"}, h.logKeys())
	assert.Zero(t, h.snapshot().PendingCount())

	// Late copies of the same send change nothing.
	h.deliver(inbound(echoed))
	h.deliver(&protocol.DeliveryConfirmation{TempID: "t1", ServerID: "m100", ConversationID: "c1"})
	assert.Equal(t, []string{"m100"}, h.logKeys())
}

func TestConfirmation_ForAppliedMessageChangesNothing(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.open(peer1, "c1", wire("m1", "c1", self, "p1"))

	h.deliver(&protocol.DeliveryConfirmation{TempID: "t9", ServerID: "m1", ConversationID: "c1"})

	snap := h.snapshot()
	assert.Equal(t, []string{"m1"}, h.logKeys())
	assert.Zero(t, snap.PendingCount())
	assert.Empty(t, h.engine.pending)
}

func TestSend_WriteFailureLeavesMessagePending(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.open(peer1, "c1")

	h.channel.sendErr = errors.New("broken pipe")
	sent, err := h.engine.send(h.ctx, "are you there?")
	require.NoError(t, err)
	assert.True(t, sent.Pending())
	assert.Equal(t, 1, h.snapshot().PendingCount())
}

func TestSend_Refusals(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.send(h.ctx, "  ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = h.engine.send(h.ctx, "hi")
	assert.ErrorIs(t, err, ErrNoActiveConversation)

	h.connect()
	h.open(peer1, "c1")
	h.status(session.Reconnecting, errors.New("reset"))

	_, err = h.engine.send(h.ctx, "hi")
	assert.ErrorIs(t, err, ErrNoActiveConversation, "selection must be redone after connection loss")
	assert.Empty(t, sentOf[*protocol.SendMessage](h.channel))
}

func TestSelectPeer_WhileDisconnectedKeepsSelectionButSendsNothing(t *testing.T) {
	h := newHarness(t)

	err := h.engine.selectPeer(h.ctx, peer1)
	assert.ErrorIs(t, err, session.ErrNotConnected)
	assert.Empty(t, h.channel.frames())

	snap := h.snapshot()
	assert.Equal(t, router.Idle, snap.Phase)
	assert.Equal(t, "p1", snap.SelectedPeer.ID)
}

func TestSelectPeer_WhileReconnectingJoinsOnceConnected(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.status(session.Reconnecting, errors.New("reset"))

	err := h.engine.selectPeer(h.ctx, peer1)
	assert.ErrorIs(t, err, session.ErrNotConnected)
	assert.Empty(t, sentOf[*protocol.JoinConversation](h.channel))

	h.connect()
	joins := sentOf[*protocol.JoinConversation](h.channel)
	require.Len(t, joins, 1)
	assert.Equal(t, "p1", joins[0].PeerID)
	assert.Equal(t, router.Joining, h.snapshot().Phase)

	h.deliver(joined(joins[0].Token, "c1", "p1"))
	h.deliver(historyPayload(joins[0].Token, "c1", wire("m1", "c1", "p1", self)))

	snap := h.snapshot()
	assert.Equal(t, router.Ready, snap.Phase)
	assert.Equal(t, "c1", snap.ConversationID)
	assert.Equal(t, []string{"m1"}, h.logKeys())
}

func TestConnected_WithoutSelectionSendsNoJoin(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.status(session.Reconnecting, errors.New("reset"))
	h.connect()

	assert.Empty(t, h.channel.frames())
	assert.Equal(t, router.Idle, h.snapshot().Phase)
}

func TestInbound_ActiveConversationDedupByID(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.open(peer1, "c1", wire("m1", "c1", "p1", self))

	updates := h.engine.Subscribe(h.ctx, LogChanged)

	h.deliver(inbound(wire("m2", "c1", "p1", self)))
	h.deliver(inbound(wire("m2", "c1", "p1", self)))
	h.deliver(inbound(wire("m1", "c1", "p1", self)))

	assert.Equal(t, []string{"m1", "m2"}, h.logKeys())

	select {
	case u := <-updates:
		assert.True(t, u.ScrollToLatest)
		assert.Equal(t, "c1", u.ConversationID)
		assert.Len(t, u.Messages, 2)
	case <-time.After(time.Second):
		t.Fatal("expected a log update")
	}
	select {
	case u := <-updates:
		t.Fatalf("unexpected second update %v", u.Kind)
	default:
	}
}

func TestInbound_LiveMessageDuringHistoryLoadFollowsHistory(t *testing.T) {
	h := newHarness(t)
	h.connect()

	require.NoError(t, h.engine.selectPeer(h.ctx, peer1))
	token := h.lastJoinToken()
	h.deliver(joined(token, "c1", "p1"))
	h.deliver(inbound(wire("m3", "c1", "p1", self)))
	h.deliver(historyPayload(token, "c1", wire("m1", "c1", "p1", self), wire("m2", "c1", self, "p1")))

	assert.Equal(t, []string{"m1", "m2", "m3"}, h.logKeys())
}

func TestScenario_UnreadWhileInactiveThenActivation(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.open(peer2, "c2")

	h.deliver(inbound(wire("m5", "c1", "p1", self)))

	snap := h.snapshot()
	assert.Equal(t, 1, snap.Unread["p1"])
	assert.Empty(t, snap.Messages, "active log untouched")

	updates := h.engine.Subscribe(h.ctx, UnreadChanged)
	require.NoError(t, h.engine.selectPeer(h.ctx, peer1))
	token := h.lastJoinToken()
	h.deliver(joined(token, "c1", "p1"))

	snap = h.snapshot()
	assert.Equal(t, 0, snap.Unread["p1"])
	assert.Equal(t, []string{"m5"}, h.logKeys(), "drained message is displayed before history")

	h.deliver(historyPayload(token, "c1", wire("m4", "c1", self, "p1"), wire("m5", "c1", "p1", self)))
	assert.Equal(t, []string{"m4", "m5"}, h.logKeys())

	var clears int
	for {
		select {
		case u := <-updates:
			if u.PeerID == "p1" && u.Unread["p1"] == 0 {
				clears++
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, 1, clears, "bucket cleared exactly once")
}

func TestUnread_CountsEachMessageAndIgnoresSelf(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.open(peer2, "c2")

	const n = 4
	for i := 0; i < n; i++ {
		h.deliver(inbound(wire(fmt.Sprintf("m%d", i), "c1", "p1", self)))
	}
	h.deliver(inbound(wire("m0", "c1", "p1", self)))
	h.deliver(inbound(wire("own", "c3", self, "p3")))

	snap := h.snapshot()
	assert.Equal(t, n, snap.Unread["p1"])
	assert.Zero(t, snap.Unread["p3"])
}

func (h *harness) peerOrder() []string {
	var ids []string
	for _, p := range h.snapshot().Peers {
		ids = append(ids, p.ID)
	}
	return ids
}

func TestActivity_SendOrReceiveMovesPeerToFront(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.engine.setPeers([]chat.Peer{peer1, peer2, peer3})
	assert.Equal(t, []string{"p1", "p2", "p3"}, h.peerOrder())

	h.clock.Advance(time.Second)
	h.deliver(inbound(wire("m1", "c3", "p3", self)))
	assert.Equal(t, []string{"p3", "p1", "p2"}, h.peerOrder())

	h.open(peer2, "c2")
	h.clock.Advance(time.Second)
	_, err := h.engine.send(h.ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "p3", "p1"}, h.peerOrder())
}

func TestActivity_EventsAtSameInstantStillMoveToFront(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.engine.setPeers([]chat.Peer{peer1, peer2, peer3})

	h.deliver(inbound(wire("m1", "c3", "p3", self)))
	h.deliver(inbound(wire("m2", "c2", "p2", self)))
	assert.Equal(t, []string{"p2", "p3", "p1"}, h.peerOrder())

	h.open(peer1, "c1")
	_, err := h.engine.send(h.ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2", "p3"}, h.peerOrder())
}

func TestScenario_TypingStartOnceThenStopAfterIdle(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.open(peer1, "c1")
	h.channel.reset()

	var last time.Time
	for elapsed := time.Duration(0); elapsed <= 2*time.Second; elapsed += 100 * time.Millisecond {
		h.engine.keystroke(h.ctx)
		last = h.clock.Now()
		h.advance(100 * time.Millisecond)
	}
	require.Len(t, sentOf[*protocol.TypingStart](h.channel), 1)
	assert.Empty(t, sentOf[*protocol.TypingStop](h.channel))

	h.advance(1300 * time.Millisecond)
	assert.Empty(t, sentOf[*protocol.TypingStop](h.channel))
	h.advance(100 * time.Millisecond)

	var stopAt time.Time
	stops := 0
	for _, f := range h.channel.frames() {
		if stop, ok := f.msg.(*protocol.TypingStop); ok {
			stops++
			stopAt = f.at
			assert.Equal(t, "c1", stop.ConversationID)
			assert.Equal(t, self, stop.UserID)
		}
	}
	require.Equal(t, 1, stops)
	assert.Equal(t, last.Add(1500*time.Millisecond), stopAt)
}

func TestTyping_SendStopsLocalTyping(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.open(peer1, "c1")

	h.engine.keystroke(h.ctx)
	_, err := h.engine.send(h.ctx, "done")
	require.NoError(t, err)
	assert.Len(t, sentOf[*protocol.TypingStop](h.channel), 1)

	h.advance(5 * time.Second)
	assert.Len(t, sentOf[*protocol.TypingStop](h.channel), 1, "no second stop after expiry")
}

func TestTyping_RemoteIndicatorSelfHeals(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.open(peer1, "c1")

	h.deliver(&protocol.TypingStart{ConversationID: "c1", UserID: "p1"})
	h.deliver(&protocol.TypingStart{ConversationID: "c9", UserID: "p9"})
	h.deliver(&protocol.TypingStart{ConversationID: "c1", UserID: self})

	typing := h.snapshot().Typing
	require.Len(t, typing, 1)
	assert.Equal(t, "p1", typing[0].UserID)

	h.advance(1499 * time.Millisecond)
	assert.Len(t, h.snapshot().Typing, 1)
	h.advance(time.Millisecond)
	assert.Empty(t, h.snapshot().Typing)
}

func TestTyping_RemoteStopClearsImmediately(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.open(peer1, "c1")

	h.deliver(&protocol.TypingStart{ConversationID: "c1", UserID: "p1"})
	h.deliver(&protocol.TypingStop{ConversationID: "c1", UserID: "p1"})
	assert.Empty(t, h.snapshot().Typing)
}

func TestJoinError_SurfacedWithoutStateChange(t *testing.T) {
	h := newHarness(t)
	h.connect()
	updates := h.engine.Subscribe(h.ctx, JoinFailed)

	require.NoError(t, h.engine.selectPeer(h.ctx, peer1))
	h.deliver(&protocol.JoinError{
		BaseMessage: protocol.BaseMessage{Token: h.lastJoinToken()},
		PeerID:      "p1",
		Code:        protocol.ErrorCodeUnknownPeer,
		Message:     "no such peer",
	})

	select {
	case u := <-updates:
		var joinErr *router.JoinError
		require.ErrorAs(t, u.Err, &joinErr)
		assert.Equal(t, protocol.ErrorCodeUnknownPeer, joinErr.Code)
		assert.Equal(t, "p1", u.PeerID)
	case <-time.After(time.Second):
		t.Fatal("expected JoinFailed")
	}
	assert.Equal(t, router.Joining, h.snapshot().Phase)
}

func TestReconnecting_InvalidatesInFlightJoin(t *testing.T) {
	h := newHarness(t)
	h.connect()

	require.NoError(t, h.engine.selectPeer(h.ctx, peer1))
	stale := h.lastJoinToken()

	h.status(session.Reconnecting, &session.ConnectionError{Op: "read", Err: errors.New("reset")})
	assert.Equal(t, router.Idle, h.snapshot().Phase)

	// Connected again: the selection is rejoined under a fresh token and
	// the answer to the voided join is ignored.
	h.connect()
	fresh := h.lastJoinToken()
	assert.Greater(t, fresh, stale)
	h.deliver(joined(stale, "c1", "p1"))

	snap := h.snapshot()
	assert.Equal(t, session.Connected, snap.Connection)
	assert.Equal(t, router.Joining, snap.Phase)
	assert.Empty(t, snap.ConversationID)

	h.deliver(joined(fresh, "c1", "p1"))
	h.deliver(historyPayload(fresh, "c1", wire("m1", "c1", "p1", self)))
	assert.Equal(t, []string{"m1"}, h.logKeys())
}

func TestReconnecting_ActiveConversationReopensOnConnected(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.open(peer2, "c2", wire("m1", "c2", "p2", self))
	h.channel.reset()

	h.status(session.Reconnecting, errors.New("reset"))
	h.connect()

	joins := sentOf[*protocol.JoinConversation](h.channel)
	require.Len(t, joins, 1)
	assert.Equal(t, "p2", joins[0].PeerID)
}

func TestDisconnected_DiscardsState(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.open(peer2, "c2", wire("m1", "c2", "p2", self))
	h.deliver(inbound(wire("m2", "c1", "p1", self)))
	require.Equal(t, 1, h.snapshot().Unread["p1"])

	h.status(session.Disconnected, nil)

	snap := h.snapshot()
	assert.Equal(t, session.Disconnected, snap.Connection)
	assert.Empty(t, snap.Unread)
	assert.Empty(t, snap.Messages)
	assert.Empty(t, snap.SelectedPeer.ID)

	// Ids seen before the teardown are accepted again.
	h.connect()
	h.open(peer2, "c2")
	h.deliver(inbound(wire("m1", "c2", "p2", self)))
	assert.Equal(t, []string{"m1"}, h.logKeys())
}

func TestStaleFrameFromPreviousConnectionIsDropped(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.open(peer1, "c1")
	old := h.epoch

	h.status(session.Reconnecting, errors.New("reset"))
	h.engine.handleEvent(h.ctx, session.Event{Epoch: old, Message: inbound(wire("m1", "c2", "p2", self))})

	assert.Zero(t, h.snapshot().Unread["p2"])
}

func TestStatusOlderThanCurrentEpochIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.open(peer1, "c1")

	// A Reconnecting that overtook an older Connected still in the buffer.
	h.engine.handleEvent(h.ctx, session.Event{Epoch: h.epoch + 2, Status: &session.StatusChange{State: session.Reconnecting}})
	h.engine.handleEvent(h.ctx, session.Event{Epoch: h.epoch + 1, Status: &session.StatusChange{State: session.Connected}})

	snap := h.snapshot()
	assert.Equal(t, session.Reconnecting, snap.Connection)
	assert.Equal(t, router.Idle, snap.Phase)
}

func TestRun_AppliesOverflowStatus(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	ch := newFakeChannel(clk)
	e := New(Config{SelfID: self}, ch, nil, WithClock(clk))

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	ch.overflow <- session.Event{Epoch: 4, Status: &session.StatusChange{State: session.Reconnecting}}
	require.Eventually(t, func() bool {
		return e.Snapshot().Connection == session.Reconnecting
	}, 2*time.Second, time.Millisecond)

	ch.events <- session.Event{Epoch: 3, Status: &session.StatusChange{State: session.Connected}}
	ch.events <- session.Event{Epoch: 5, Status: &session.StatusChange{State: session.Connected}}
	require.Eventually(t, func() bool {
		return e.Snapshot().Connection == session.Connected
	}, 2*time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestRun_ProcessesCommandsAndEvents(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	ch := newFakeChannel(clk)
	e := New(Config{SelfID: self}, ch, nil, WithClock(clk))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	updates := e.Subscribe(ctx)
	await := func(kind Kind) Update {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case u := <-updates:
				if u.Kind == kind {
					return u
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %s", kind)
				return Update{}
			}
		}
	}

	ch.events <- session.Event{Epoch: 1, Status: &session.StatusChange{State: session.Connected}}
	await(ConnectionChanged)

	require.NoError(t, e.SetPeers(ctx, []chat.Peer{peer1, peer2}))
	assert.ErrorIs(t, e.SelectPeerByID(ctx, "nobody"), ErrUnknownPeer)
	require.NoError(t, e.SelectPeerByID(ctx, "p1"))
	require.NoError(t, e.Keystroke(ctx))

	joins := sentOf[*protocol.JoinConversation](ch)
	require.Len(t, joins, 1)

	ch.events <- session.Event{Epoch: 1, Message: joined(joins[0].Token, "c1", "p1")}
	await(ConversationActive)
	ch.events <- session.Event{Epoch: 1, Message: historyPayload(joins[0].Token, "c1", wire("m1", "c1", "p1", self))}
	u := await(LogChanged)
	assert.Len(t, u.Messages, 1)

	msg, err := e.Send(ctx, "hello")
	require.NoError(t, err)
	assert.True(t, msg.Pending())

	snap := e.Snapshot()
	assert.Equal(t, "c1", snap.ConversationID)
	assert.Len(t, snap.Messages, 2)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}

	_, err = e.Send(t.Context(), "after stop")
	assert.ErrorIs(t, err, ErrStopped)
}
