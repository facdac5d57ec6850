// ABOUTME: Single-threaded actor that owns all conversation sync state
// ABOUTME: Drains channel events, user commands and timer fires one at a time and publishes updates

package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/2389/clinic-chat/internal/activity"
	"github.com/2389/clinic-chat/internal/chat"
	"github.com/2389/clinic-chat/internal/clock"
	"github.com/2389/clinic-chat/internal/dedupe"
	"github.com/2389/clinic-chat/internal/presence"
	"github.com/2389/clinic-chat/internal/protocol"
	"github.com/2389/clinic-chat/internal/router"
	"github.com/2389/clinic-chat/internal/session"
	"github.com/2389/clinic-chat/internal/unread"
)

// Engine errors
var (
	ErrNoActiveConversation = errors.New("no active conversation")
	ErrEmptyMessage         = errors.New("message body is empty")
	ErrUnknownPeer          = errors.New("unknown peer")
	ErrStopped              = errors.New("engine stopped")
)

const (
	commandQueueSize = 16
	expiryQueueSize  = 64
)

// Channel is the conversation channel the engine drives. *session.Session
// implements it.
type Channel interface {
	Send(ctx context.Context, msg protocol.Message) error
	Events() <-chan session.Event
	Overflow() <-chan session.Event
	State() session.State
}

// Config holds engine settings.
type Config struct {
	SelfID        string
	IdleThreshold time.Duration
	DedupeTTL     time.Duration
	DedupeMaxSize int
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock for presence timers, dedupe expiry and activity
// times. Defaults to the system clock.
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) {
		e.clock = clk
	}
}

// WithTempIDs sets the generator for optimistic send ids.
func WithTempIDs(next func() string) Option {
	return func(e *Engine) {
		e.newTempID = next
	}
}

type command struct {
	fn   func(ctx context.Context) error
	done chan error
}

// Engine coordinates the router, reconciler, presence tracker, unread index
// and activity orderer. All of its state is touched only by the goroutine
// running Run.
type Engine struct {
	cfg     Config
	channel Channel
	clock   clock.Clock
	logger  *slog.Logger

	router   *router.Router
	presence *presence.Tracker
	unread   *unread.Index
	activity *activity.Orderer
	seen     *dedupe.Cache
	updates  *Broadcaster

	newTempID func() string
	// pending maps tempIds of unconfirmed sends to their conversation.
	pending map[string]string
	conn    session.State
	epoch   uint64

	commands chan command
	expiries chan presence.Expiry
	stopped  chan struct{}
	snapshot atomic.Pointer[Snapshot]
}

// New creates an Engine bound to channel. Pass nil logger for default.
func New(cfg Config, channel Channel, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:       cfg,
		channel:   channel,
		clock:     clock.System(),
		logger:    logger.With("component", "engine"),
		unread:    unread.New(),
		activity:  activity.New(),
		updates:   NewBroadcaster(logger),
		newTempID: newTempID,
		pending:   make(map[string]string),
		conn:      channel.State(),
		commands:  make(chan command, commandQueueSize),
		expiries:  make(chan presence.Expiry, expiryQueueSize),
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.router = router.New(cfg.SelfID, logger)
	e.presence = presence.New(e.clock, cfg.IdleThreshold, e.router.View(), e.postExpiry, logger)
	e.seen = dedupe.New(cfg.DedupeTTL, cfg.DedupeMaxSize, dedupe.WithClock(e.clock))
	e.refresh()
	return e
}

// Run processes events until ctx is cancelled or the channel's event stream
// closes. It must be called exactly once.
func (e *Engine) Run(ctx context.Context) error {
	defer e.shutdown()

	events := e.channel.Events()
	overflow := e.channel.Overflow()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			e.handleEvent(ctx, ev)
		case ev := <-overflow:
			e.handleEvent(ctx, ev)
		case x := <-e.expiries:
			e.handleExpiry(ctx, x)
		case cmd := <-e.commands:
			cmd.done <- cmd.fn(ctx)
		}
		e.refresh()
	}
}

// Subscribe returns a stream of updates of the given kinds, or of every
// kind when none are given, until ctx is cancelled.
func (e *Engine) Subscribe(ctx context.Context, kinds ...Kind) <-chan Update {
	ch, _ := e.updates.Subscribe(ctx, kinds...)
	return ch
}

// Snapshot returns the state after the most recently processed event.
func (e *Engine) Snapshot() Snapshot {
	return *e.snapshot.Load()
}

// SelectPeer switches the active conversation to peer. The join completes
// asynchronously; watch for ConversationActive or JoinFailed.
func (e *Engine) SelectPeer(ctx context.Context, peer chat.Peer) error {
	return e.do(ctx, func(ctx context.Context) error {
		return e.selectPeer(ctx, peer)
	})
}

// SelectPeerByID selects a peer known from the directory or past activity.
func (e *Engine) SelectPeerByID(ctx context.Context, peerID string) error {
	return e.do(ctx, func(ctx context.Context) error {
		peer, ok := e.activity.Lookup(peerID)
		if !ok {
			return ErrUnknownPeer
		}
		return e.selectPeer(ctx, peer)
	})
}

// Send posts body to the active conversation. The returned message is
// Pending until the server confirms it; a failed write leaves it Pending.
func (e *Engine) Send(ctx context.Context, body string) (chat.Message, error) {
	var sent chat.Message
	err := e.do(ctx, func(ctx context.Context) error {
		var err error
		sent, err = e.send(ctx, body)
		return err
	})
	return sent, err
}

// Keystroke records local typing in the active conversation.
func (e *Engine) Keystroke(ctx context.Context) error {
	return e.do(ctx, func(ctx context.Context) error {
		e.keystroke(ctx)
		return nil
	})
}

// SetPeers installs the peer directory listing.
func (e *Engine) SetPeers(ctx context.Context, peers []chat.Peer) error {
	return e.do(ctx, func(context.Context) error {
		e.setPeers(peers)
		return nil
	})
}

// do runs fn on the engine goroutine and waits for its result.
func (e *Engine) do(ctx context.Context, fn func(ctx context.Context) error) error {
	cmd := command{fn: fn, done: make(chan error, 1)}
	select {
	case e.commands <- cmd:
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.done:
		return err
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// postExpiry hands a fired presence timer back to the engine goroutine.
func (e *Engine) postExpiry(x presence.Expiry) {
	select {
	case e.expiries <- x:
	case <-e.stopped:
	}
}

func (e *Engine) shutdown() {
	close(e.stopped)
	e.presence.Reset()
	e.seen.Close()
	e.updates.Close()
}

func (e *Engine) publish(u Update) {
	e.updates.Publish(u)
}

// refresh publishes a new snapshot of the current state.
func (e *Engine) refresh() {
	snap := &Snapshot{
		Connection: e.conn,
		Phase:      e.router.Phase(),
		Unread:     e.unread.Counts(),
		Peers:      e.activity.Ordered(),
	}
	if peer, ok := e.router.SelectedPeer(); ok {
		snap.SelectedPeer = peer
	}
	if conv, ok := e.router.Active(); ok {
		snap.ConversationID = conv.ID
		snap.Messages = conv.Log.Messages()
		snap.Typing = e.presence.Typing(conv.ID)
	}
	e.snapshot.Store(snap)
}
