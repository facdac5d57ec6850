// ABOUTME: Ordered message log and the pure reconciliation functions over it
// ABOUTME: Optimistic sends, confirmations, live receives, and history hydration

package chat

// Outcome reports what a reconciliation step did to the log.
type Outcome int

const (
	// OutcomeIgnored means the event did not apply to this log.
	OutcomeIgnored Outcome = iota
	// OutcomeAppended means a new entry was added at the end.
	OutcomeAppended
	// OutcomeConfirmed means a Pending entry became Confirmed in place.
	OutcomeConfirmed
	// OutcomeDuplicate means the event referred to an entry already present.
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAppended:
		return "appended"
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "ignored"
	}
}

// Confirmation pairs a client tempId with the server id it was assigned.
type Confirmation struct {
	TempID         string
	ServerID       string
	ConversationID string
}

// Log is an immutable ordered sequence of messages, unique by Key.
// Every operation returns a new Log and leaves its input untouched.
type Log struct {
	entries []Message
	index   map[string]int
}

// NewLog builds a log from messages in order, dropping repeated keys.
func NewLog(msgs ...Message) Log {
	var l Log
	for _, m := range msgs {
		if m.Key == "" || l.Has(m.Key) {
			continue
		}
		l = l.appended(m)
	}
	return l
}

// Len returns the number of entries.
func (l Log) Len() int {
	return len(l.entries)
}

// Messages returns a copy of the entries in order.
func (l Log) Messages() []Message {
	out := make([]Message, len(l.entries))
	copy(out, l.entries)
	return out
}

// Has reports whether an entry with key exists.
func (l Log) Has(key string) bool {
	_, ok := l.index[key]
	return ok
}

// Get returns the entry with key.
func (l Log) Get(key string) (Message, bool) {
	i, ok := l.index[key]
	if !ok {
		return Message{}, false
	}
	return l.entries[i], true
}

// PendingCount returns how many entries await confirmation.
func (l Log) PendingCount() int {
	n := 0
	for _, m := range l.entries {
		if m.Pending() {
			n++
		}
	}
	return n
}

// Send appends an optimistic Pending entry keyed by its TempID.
// A draft without TempID, or whose TempID is already present, is ignored.
func Send(l Log, draft Message) (Log, Outcome) {
	if draft.TempID == "" {
		return l, OutcomeIgnored
	}
	if l.Has(draft.TempID) {
		return l, OutcomeDuplicate
	}
	draft.Key = draft.TempID
	draft.ServerID = ""
	draft.State = StatePending
	return l.appended(draft), OutcomeAppended
}

// Confirm marks the Pending entry for c.TempID as Confirmed in place. When
// the confirmation arrives after the entry was already confirmed (matched
// by server id) the result is OutcomeDuplicate. If an inbound echo with the
// same server id was appended before the confirmation, the echo is folded
// into the pending slot so the key stays unique.
func Confirm(l Log, c Confirmation) (Log, Outcome) {
	if c.ServerID == "" {
		return l, OutcomeIgnored
	}

	i, ok := l.index[c.TempID]
	if !ok || c.TempID == "" || !l.entries[i].Pending() {
		if _, seen := l.index[c.ServerID]; seen {
			return l, OutcomeDuplicate
		}
		return l, OutcomeIgnored
	}

	entries := l.Messages()
	entry := entries[i]
	entry.Key = c.ServerID
	entry.ServerID = c.ServerID
	entry.State = StateConfirmed
	if entry.ConversationID == "" {
		entry.ConversationID = c.ConversationID
	}
	entries[i] = entry

	if j, dup := l.index[c.ServerID]; dup {
		entries = append(entries[:j], entries[j+1:]...)
	}
	return fromEntries(entries), OutcomeConfirmed
}

// Receive applies a live inbound message. A message relaying one of our
// pending tempIds confirms that entry; a known server id is a duplicate;
// anything else is appended.
func Receive(l Log, m Message) (Log, Outcome) {
	if m.ServerID == "" {
		return l, OutcomeIgnored
	}

	if m.TempID != "" {
		if i, ok := l.index[m.TempID]; ok && l.entries[i].Pending() {
			return Confirm(l, Confirmation{TempID: m.TempID, ServerID: m.ServerID, ConversationID: m.ConversationID})
		}
	}

	if l.Has(m.ServerID) {
		return l, OutcomeDuplicate
	}

	m.Key = m.ServerID
	m.State = StateConfirmed
	return l.appended(m), OutcomeAppended
}

// Hydrate replaces the log with server history, oldest first, then re-appends
// every entry of the previous log that history does not contain, in its
// previous order. Pending entries whose tempId appears in history are
// considered confirmed by it.
func Hydrate(l Log, history []Message) Log {
	next := NewLog(history...)

	confirmedTemps := make(map[string]struct{})
	for _, m := range history {
		if m.TempID != "" {
			confirmedTemps[m.TempID] = struct{}{}
		}
	}

	for _, m := range l.entries {
		if next.Has(m.Key) {
			continue
		}
		if m.Pending() {
			if _, ok := confirmedTemps[m.TempID]; ok {
				continue
			}
		}
		next = next.appended(m)
	}
	return next
}

func (l Log) appended(m Message) Log {
	entries := make([]Message, len(l.entries), len(l.entries)+1)
	copy(entries, l.entries)
	entries = append(entries, m)

	index := make(map[string]int, len(entries))
	for k, v := range l.index {
		index[k] = v
	}
	index[m.Key] = len(entries) - 1
	return Log{entries: entries, index: index}
}

func fromEntries(entries []Message) Log {
	index := make(map[string]int, len(entries))
	for i, m := range entries {
		index[m.Key] = i
	}
	return Log{entries: entries, index: index}
}
