package conversation

import (
	"slices"
	"sort"
	"sync"
	"time"
)

// DefaultWindow is how far apart an optimistic insert and its server echo may
// be and still be treated as the same message.
const DefaultWindow = 5 * time.Second

// Outcome describes what Ingest did with a message.
type Outcome int

const (
	// Unchanged means the message was already present and nothing changed.
	Unchanged Outcome = iota
	// Inserted means the message was new.
	Inserted
	// Merged means an existing entry was updated or reconciled.
	Merged
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Merged:
		return "merged"
	default:
		return "unchanged"
	}
}

// Changed reports whether the conversation's contents changed.
func (o Outcome) Changed() bool { return o != Unchanged }

// Buffer merges messages from every delivery path into one ordered,
// duplicate-free sequence per conversation. It is safe for concurrent use.
type Buffer struct {
	mu     sync.RWMutex
	convs  map[string][]Message
	window time.Duration
}

// NewBuffer creates a buffer using the given dedup window. A non-positive
// window selects DefaultWindow.
func NewBuffer(window time.Duration) *Buffer {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Buffer{convs: make(map[string][]Message), window: window}
}

// Ingest merges msg into the conversation. Calling it again with the same
// message is a no-op.
func (b *Buffer) Ingest(conversationID string, msg Message) Outcome {
	msg = normalize(msg)
	msg.ConversationID = conversationID

	b.mu.Lock()
	defer b.mu.Unlock()

	msgs := b.convs[conversationID]
	outcome := Inserted
	if i := slices.IndexFunc(msgs, func(e Message) bool { return msg.ID != "" && e.ID == msg.ID }); i >= 0 {
		outcome = merge(&msgs[i], msg)
	} else if msg.Confirmed() {
		if i := b.closestPending(msgs, msg); i >= 0 {
			msgs[i] = msg
			outcome = Merged
		} else {
			msgs = append(msgs, msg)
		}
	} else if i := b.closestEcho(msgs, msg); i >= 0 {
		// An unconfirmed copy of something already present adds nothing,
		// except that among placeholders the lowest (createdAt, id) is kept
		// so the survivor does not depend on arrival order.
		outcome = Unchanged
		if msgs[i].State == Pending && compare(msg, msgs[i]) < 0 {
			msgs[i] = msg
			outcome = Merged
		}
	} else {
		msgs = append(msgs, msg)
	}

	if outcome.Changed() {
		slices.SortFunc(msgs, compare)
	}
	b.convs[conversationID] = msgs
	return outcome
}

// IngestAll merges a batch and reports whether anything changed.
func (b *Buffer) IngestAll(conversationID string, msgs []Message) bool {
	changed := false
	for _, m := range msgs {
		if b.Ingest(conversationID, m).Changed() {
			changed = true
		}
	}
	return changed
}

// merge folds an incoming copy into an entry with the same id. A confirmed
// copy always wins over a pending or failed one.
func merge(existing *Message, incoming Message) Outcome {
	if *existing == incoming {
		return Unchanged
	}
	if existing.State == Sent && incoming.State != Sent {
		return Unchanged
	}
	*existing = incoming
	return Merged
}

// closestPending finds the pending entry a confirmed message reconciles.
func (b *Buffer) closestPending(msgs []Message, msg Message) int {
	return b.closest(msgs, msg, func(e Message) bool { return e.State == Pending })
}

// closestEcho finds any live entry, confirmed or pending, an unconfirmed
// message duplicates.
func (b *Buffer) closestEcho(msgs []Message, msg Message) int {
	return b.closest(msgs, msg, func(e Message) bool { return e.State != Failed })
}

func (b *Buffer) closest(msgs []Message, msg Message, eligible func(Message) bool) int {
	best := -1
	var bestDelta time.Duration
	for i, e := range msgs {
		if !eligible(e) || e.Content != msg.Content || e.SenderID != msg.SenderID {
			continue
		}
		delta := e.CreatedAt.Sub(msg.CreatedAt).Abs()
		if delta > b.window {
			continue
		}
		// msgs is sorted, so on equal distance the first hit has the lower (createdAt, id).
		if best < 0 || delta < bestDelta {
			best, bestDelta = i, delta
		}
	}
	return best
}

// Confirm replaces the pending entry tempID with its server-confirmed
// counterpart. If the confirmed message already arrived through another path,
// the placeholder is dropped instead. Returns false when tempID is unknown.
func (b *Buffer) Confirm(conversationID, tempID string, confirmed Message) bool {
	confirmed = normalize(confirmed)
	confirmed.ConversationID = conversationID
	confirmed.State = Sent

	b.mu.Lock()
	defer b.mu.Unlock()

	msgs := b.convs[conversationID]
	ti := slices.IndexFunc(msgs, func(e Message) bool { return e.ID == tempID })
	if ti < 0 {
		return false
	}
	if ci := slices.IndexFunc(msgs, func(e Message) bool { return e.ID == confirmed.ID }); ci >= 0 {
		msgs[ci] = confirmed
		msgs = slices.Delete(msgs, ti, ti+1)
	} else {
		msgs[ti] = confirmed
	}
	slices.SortFunc(msgs, compare)
	b.convs[conversationID] = msgs
	return true
}

// MarkFailed moves a pending entry to Failed without removing it.
func (b *Buffer) MarkFailed(conversationID, tempID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.convs[conversationID]
	i := slices.IndexFunc(msgs, func(e Message) bool { return e.ID == tempID })
	if i < 0 || msgs[i].State != Pending {
		return false
	}
	msgs[i].State = Failed
	return true
}

// Remove deletes the entry with the given id, used to roll back an optimistic
// insert.
func (b *Buffer) Remove(conversationID, id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.convs[conversationID]
	i := slices.IndexFunc(msgs, func(e Message) bool { return e.ID == id })
	if i < 0 {
		return false
	}
	b.convs[conversationID] = slices.Delete(msgs, i, i+1)
	return true
}

// Snapshot returns a copy of the ordered messages of a conversation.
func (b *Buffer) Snapshot(conversationID string) []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.convs[conversationID])
}

// Last returns the most recent message of a conversation.
func (b *Buffer) Last(conversationID string) (Message, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	msgs := b.convs[conversationID]
	if len(msgs) == 0 {
		return Message{}, false
	}
	return msgs[len(msgs)-1], true
}

// Conversations lists the ids of every conversation with at least one message.
func (b *Buffer) Conversations() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.convs))
	for id, msgs := range b.convs {
		if len(msgs) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Reset drops every conversation.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.convs = make(map[string][]Message)
	b.mu.Unlock()
}
