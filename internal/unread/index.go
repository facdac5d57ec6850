// ABOUTME: Per-peer buckets of messages that arrived while the peer's conversation was inactive
// ABOUTME: Adds are idempotent by message id; a bucket is drained exactly once per activation

package unread

import (
	"github.com/samber/lo"

	"github.com/2389/clinic-chat/internal/chat"
)

// Index holds the unread buckets. It is not safe for concurrent use.
type Index struct {
	buckets map[string][]chat.Message
	seen    map[string]map[string]struct{}
}

// New creates an empty Index.
func New() *Index {
	return &Index{
		buckets: make(map[string][]chat.Message),
		seen:    make(map[string]map[string]struct{}),
	}
}

// Add appends msg to peerID's bucket unless a message with the same id is
// already there. Returns true if the bucket grew.
func (x *Index) Add(peerID string, msg chat.Message) bool {
	id := msg.ServerID
	if peerID == "" || id == "" {
		return false
	}

	ids, ok := x.seen[peerID]
	if !ok {
		ids = make(map[string]struct{})
		x.seen[peerID] = ids
	}
	if _, dup := ids[id]; dup {
		return false
	}
	ids[id] = struct{}{}
	x.buckets[peerID] = append(x.buckets[peerID], msg)
	return true
}

// Clear removes and returns peerID's bucket. A second call returns nil.
func (x *Index) Clear(peerID string) []chat.Message {
	msgs := x.buckets[peerID]
	delete(x.buckets, peerID)
	delete(x.seen, peerID)
	return msgs
}

// Count returns the number of unread messages for peerID.
func (x *Index) Count(peerID string) int {
	return len(x.buckets[peerID])
}

// Counts returns unread counts for every peer with a non-empty bucket.
func (x *Index) Counts() map[string]int {
	return lo.MapValues(x.buckets, func(msgs []chat.Message, _ string) int {
		return len(msgs)
	})
}

// Total returns the number of unread messages across all peers.
func (x *Index) Total() int {
	return lo.Sum(lo.Values(x.Counts()))
}

// Reset drops every bucket.
func (x *Index) Reset() {
	x.buckets = make(map[string][]chat.Message)
	x.seen = make(map[string]map[string]struct{})
}
