// ABOUTME: Typing presence state machine with debounced local emission and self-expiring remote signals
// ABOUTME: Timer fires are posted back to the owner as Expiry values carrying a generation token

package presence

import (
	"log/slog"
	"sort"
	"time"

	"github.com/2389/clinic-chat/internal/clock"
)

// DefaultIdleThreshold is how long typing is presumed to continue after the
// last keystroke or remote typing_start.
const DefaultIdleThreshold = 1500 * time.Millisecond

// Kind tells which side an expiry belongs to.
type Kind int

const (
	Local Kind = iota
	Remote
)

// Expiry is posted when a presence timer fires. It is applied with Expire on
// the owner's goroutine and is inert if Gen was replaced in the meantime.
type Expiry struct {
	Kind           Kind
	ConversationID string
	UserID         string
	Gen            uint64
}

// Signal is an outbound typing notification to send.
type Signal struct {
	ConversationID string
	Typing         bool
}

// TypingSignal is a remote user presumed to be typing.
type TypingSignal struct {
	ConversationID string
	UserID         string
	ExpiresAt      time.Time
}

// View is the part of the session context the tracker reads.
type View interface {
	SelfID() string
	ActiveConversationID() string
}

type token struct {
	gen   uint64
	timer clock.Timer
}

type local struct {
	token
	started bool
}

type remoteKey struct {
	conversationID string
	userID         string
}

type remote struct {
	token
	signal TypingSignal
}

// Tracker is not safe for concurrent use; it belongs to a single owner
// goroutine, and timer fires reach it only through the post callback.
type Tracker struct {
	clock     clock.Clock
	threshold time.Duration
	view      View
	post      func(Expiry)
	logger    *slog.Logger

	gen    uint64
	local  map[string]*local
	remote map[remoteKey]*remote
}

// New creates a Tracker. post must hand the Expiry back to the goroutine
// that owns the tracker. A zero threshold uses DefaultIdleThreshold.
func New(clk clock.Clock, threshold time.Duration, view View, post func(Expiry), logger *slog.Logger) *Tracker {
	if threshold <= 0 {
		threshold = DefaultIdleThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		clock:     clk,
		threshold: threshold,
		view:      view,
		post:      post,
		logger:    logger.With("component", "presence"),
		local:     make(map[string]*local),
		remote:    make(map[remoteKey]*remote),
	}
}

// Threshold returns the idle threshold.
func (t *Tracker) Threshold() time.Duration {
	return t.threshold
}

// Keystroke records local input in the active conversation. It re-arms the
// idle timer and returns a typing_start signal for the first keystroke of
// an idle window.
func (t *Tracker) Keystroke() (Signal, bool) {
	convID := t.view.ActiveConversationID()
	if convID == "" {
		return Signal{}, false
	}

	l, ok := t.local[convID]
	if !ok {
		l = &local{}
		t.local[convID] = l
	}
	t.arm(&l.token, Expiry{Kind: Local, ConversationID: convID})

	if l.started {
		return Signal{}, false
	}
	l.started = true
	return Signal{ConversationID: convID, Typing: true}, true
}

// StopLocal ends every local typing window, for example after a send or a
// conversation switch, and returns the typing_stop signals owed.
func (t *Tracker) StopLocal() []Signal {
	var out []Signal
	for convID, l := range t.local {
		stopTimer(&l.token)
		if l.started {
			out = append(out, Signal{ConversationID: convID})
		}
		delete(t.local, convID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out
}

// RemoteStart marks userID as typing in the active conversation. Events
// for other conversations or from self are ignored. Returns true if the
// visible indicator changed.
func (t *Tracker) RemoteStart(conversationID, userID string) bool {
	if !t.relevant(conversationID, userID) {
		return false
	}

	key := remoteKey{conversationID: conversationID, userID: userID}
	r, existed := t.remote[key]
	if !existed {
		r = &remote{}
		t.remote[key] = r
	}
	r.signal = TypingSignal{
		ConversationID: conversationID,
		UserID:         userID,
		ExpiresAt:      t.clock.Now().Add(t.threshold),
	}
	t.arm(&r.token, Expiry{Kind: Remote, ConversationID: conversationID, UserID: userID})
	return !existed
}

// RemoteStop clears userID's indicator. Returns true if one was showing.
func (t *Tracker) RemoteStop(conversationID, userID string) bool {
	if !t.relevant(conversationID, userID) {
		return false
	}
	return t.clearRemote(remoteKey{conversationID: conversationID, userID: userID})
}

// Expire applies a fired timer. For a local expiry it returns the
// typing_stop signal to send; for a remote one it reports whether the
// indicator was cleared. Expiries whose generation was replaced do nothing.
func (t *Tracker) Expire(x Expiry) (Signal, bool) {
	switch x.Kind {
	case Local:
		l, ok := t.local[x.ConversationID]
		if !ok || l.gen != x.Gen {
			return Signal{}, false
		}
		delete(t.local, x.ConversationID)
		if !l.started {
			return Signal{}, false
		}
		t.logger.Debug("local typing expired", "conversation_id", x.ConversationID)
		return Signal{ConversationID: x.ConversationID}, true
	case Remote:
		key := remoteKey{conversationID: x.ConversationID, userID: x.UserID}
		r, ok := t.remote[key]
		if !ok || r.gen != x.Gen {
			return Signal{}, false
		}
		delete(t.remote, key)
		t.logger.Debug("remote typing expired", "conversation_id", x.ConversationID, "user_id", x.UserID)
		return Signal{ConversationID: x.ConversationID, Typing: false}, true
	default:
		return Signal{}, false
	}
}

// Typing returns the remote users currently typing in conversationID,
// ordered by user id.
func (t *Tracker) Typing(conversationID string) []TypingSignal {
	var out []TypingSignal
	for key, r := range t.remote {
		if key.conversationID == conversationID {
			out = append(out, r.signal)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// ClearRemote drops every remote indicator, as on a conversation switch.
// Returns true if any was showing.
func (t *Tracker) ClearRemote() bool {
	changed := false
	for key := range t.remote {
		if t.clearRemote(key) {
			changed = true
		}
	}
	return changed
}

// Reset cancels all timers and forgets all state without emitting anything.
func (t *Tracker) Reset() {
	for convID, l := range t.local {
		stopTimer(&l.token)
		delete(t.local, convID)
	}
	t.ClearRemote()
}

func (t *Tracker) relevant(conversationID, userID string) bool {
	if userID == "" || userID == t.view.SelfID() {
		return false
	}
	return conversationID != "" && conversationID == t.view.ActiveConversationID()
}

func (t *Tracker) clearRemote(key remoteKey) bool {
	r, ok := t.remote[key]
	if !ok {
		return false
	}
	stopTimer(&r.token)
	delete(t.remote, key)
	return true
}

// arm replaces tok's timer with a fresh one under a new generation.
func (t *Tracker) arm(tok *token, x Expiry) {
	stopTimer(tok)
	t.gen++
	tok.gen = t.gen
	x.Gen = tok.gen
	tok.timer = t.clock.AfterFunc(t.threshold, func() { t.post(x) })
}

func stopTimer(tok *token) {
	if tok.timer != nil {
		tok.timer.Stop()
		tok.timer = nil
	}
}
