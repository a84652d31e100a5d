package pingme

import "sort"

type setEntry struct {
	msg Message
	seq uint64
}

// MessageSet holds one conversation's messages keyed by ID and kept sorted by
// timestamp, ties broken by insertion order. Every mutation builds a new
// backing slice and index, so snapshots are O(1) and never alias later
// writes. The price is O(n) per insert and O(n²) for a bulk load, fine at
// history-page sizes but not for unbounded sets.
//
// A MessageSet is not safe for concurrent use; ConversationSync serializes
// access to it.
type MessageSet struct {
	entries []setEntry
	index   map[string]struct{}
	nextSeq uint64
}

// Snapshot is an immutable capture of a MessageSet.
type Snapshot struct {
	entries []setEntry
	index   map[string]struct{}
}

// NewMessageSet returns an empty set.
func NewMessageSet() *MessageSet {
	return &MessageSet{index: make(map[string]struct{})}
}

// UpsertIfAbsent inserts m unless its ID is already present. It reports
// whether the set changed.
func (s *MessageSet) UpsertIfAbsent(m Message) bool {
	if _, ok := s.index[m.ID]; ok {
		return false
	}
	e := setEntry{msg: m, seq: s.nextSeq}
	s.nextSeq++

	// First entry strictly later than m; equal timestamps keep arrival order.
	pos := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].msg.Timestamp.After(m.Timestamp)
	})

	entries := make([]setEntry, 0, len(s.entries)+1)
	entries = append(entries, s.entries[:pos]...)
	entries = append(entries, e)
	entries = append(entries, s.entries[pos:]...)

	index := make(map[string]struct{}, len(s.index)+1)
	for id := range s.index {
		index[id] = struct{}{}
	}
	index[m.ID] = struct{}{}

	s.entries, s.index = entries, index
	return true
}

// UpsertAll inserts every absent message and returns how many were added.
func (s *MessageSet) UpsertAll(msgs []Message) int {
	added := 0
	for _, m := range msgs {
		if s.UpsertIfAbsent(m) {
			added++
		}
	}
	return added
}

// Remove deletes id if present and reports whether the set changed.
func (s *MessageSet) Remove(id string) bool {
	if _, ok := s.index[id]; !ok {
		return false
	}
	entries := make([]setEntry, 0, len(s.entries)-1)
	for _, e := range s.entries {
		if e.msg.ID != id {
			entries = append(entries, e)
		}
	}
	index := make(map[string]struct{}, len(s.index))
	for k := range s.index {
		if k != id {
			index[k] = struct{}{}
		}
	}
	s.entries, s.index = entries, index
	return true
}

// Has reports whether id is in the set.
func (s *MessageSet) Has(id string) bool {
	_, ok := s.index[id]
	return ok
}

// Get returns the message with the given id.
func (s *MessageSet) Get(id string) (Message, bool) {
	if !s.Has(id) {
		return Message{}, false
	}
	for _, e := range s.entries {
		if e.msg.ID == id {
			return e.msg, true
		}
	}
	return Message{}, false
}

// Len returns the number of messages.
func (s *MessageSet) Len() int { return len(s.entries) }

// Snapshot captures the current state.
func (s *MessageSet) Snapshot() Snapshot {
	return Snapshot{entries: s.entries, index: s.index}
}

// Restore replaces the current state with snap.
func (s *MessageSet) Restore(snap Snapshot) {
	s.entries = snap.entries
	s.index = snap.index
	if s.index == nil {
		s.index = make(map[string]struct{})
	}
}

// Reset empties the set.
func (s *MessageSet) Reset() {
	s.entries = nil
	s.index = make(map[string]struct{})
}

// Sequence returns the messages in ascending timestamp order. The returned
// slice is owned by the caller.
func (s *MessageSet) Sequence() []Message {
	out := make([]Message, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.msg
	}
	return out
}

// Len of a snapshot, mostly for logging.
func (snap Snapshot) Len() int { return len(snap.entries) }
