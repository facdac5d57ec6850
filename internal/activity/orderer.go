// ABOUTME: Orders the peer list by most recent conversation activity
// ABOUTME: Stable: peers without newer activity keep their previous relative order

package activity

import (
	"cmp"
	"slices"
	"time"

	"github.com/samber/lo"

	"github.com/2389/clinic-chat/internal/chat"
)

// Orderer keeps the peer list sorted by lastActivityAt, newest first. It is
// not safe for concurrent use.
type Orderer struct {
	peers []chat.Peer
	last  map[string]time.Time
	// seq orders touches that share a timestamp; later touches win.
	seq  map[string]uint64
	tick uint64
}

// New creates an empty Orderer.
func New() *Orderer {
	return &Orderer{last: make(map[string]time.Time), seq: make(map[string]uint64)}
}

// SetPeers installs a directory listing. Peers already known keep their
// current relative order and take the new display names; new peers follow
// in listing order. Peers missing from the listing are dropped unless they
// have recorded activity.
func (o *Orderer) SetPeers(peers []chat.Peer) {
	listed := lo.KeyBy(lo.UniqBy(peers, func(p chat.Peer) string { return p.ID }), func(p chat.Peer) string { return p.ID })

	next := make([]chat.Peer, 0, len(listed))
	known := make(map[string]struct{}, len(o.peers))
	for _, p := range o.peers {
		if fresh, ok := listed[p.ID]; ok {
			next = append(next, fresh)
			known[p.ID] = struct{}{}
			continue
		}
		if _, active := o.last[p.ID]; active {
			next = append(next, p)
			known[p.ID] = struct{}{}
		}
	}
	for _, p := range peers {
		if _, ok := known[p.ID]; ok || p.ID == "" {
			continue
		}
		next = append(next, p)
		known[p.ID] = struct{}{}
	}

	o.peers = next
	o.sort()
}

// Touch records activity for peerID at the given time. Later times win; a
// touch at the same time as the newest activity still moves peerID ahead.
// An unknown peer is added by id. Returns true if the order or the
// recorded time changed.
func (o *Orderer) Touch(peerID string, at time.Time) bool {
	if peerID == "" {
		return false
	}

	if !lo.ContainsBy(o.peers, func(p chat.Peer) bool { return p.ID == peerID }) {
		o.peers = append(o.peers, chat.Peer{ID: peerID})
	}
	if prev, ok := o.last[peerID]; ok && at.Before(prev) {
		return false
	}
	before := o.ids()
	prev, had := o.last[peerID]
	o.tick++
	o.last[peerID] = at
	o.seq[peerID] = o.tick
	o.sort()
	return !had || !prev.Equal(at) || !slices.Equal(before, o.ids())
}

// Ordered returns the peers newest activity first.
func (o *Orderer) Ordered() []chat.Peer {
	return slices.Clone(o.peers)
}

// LastActivity returns the recorded activity time for peerID.
func (o *Orderer) LastActivity(peerID string) (time.Time, bool) {
	at, ok := o.last[peerID]
	return at, ok
}

// Lookup returns the peer with the given id.
func (o *Orderer) Lookup(peerID string) (chat.Peer, bool) {
	return lo.Find(o.peers, func(p chat.Peer) bool { return p.ID == peerID })
}

// ResetActivity forgets every activity time. The current order is kept.
func (o *Orderer) ResetActivity() {
	o.last = make(map[string]time.Time)
	o.seq = make(map[string]uint64)
}

func (o *Orderer) ids() []string {
	return lo.Map(o.peers, func(p chat.Peer, _ int) string { return p.ID })
}

// sort orders peers by activity descending, most recent touch first among
// equal times. Peers without activity sort last and keep their current order.
func (o *Orderer) sort() {
	slices.SortStableFunc(o.peers, func(a, b chat.Peer) int {
		if c := o.last[b.ID].Compare(o.last[a.ID]); c != 0 {
			return c
		}
		return cmp.Compare(o.seq[b.ID], o.seq[a.ID])
	})
}
