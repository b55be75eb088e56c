package core

import "time"

// RawEvent is one row read from the Messages database. Exactly one of Text
// and RichPayload is expected to carry content; RowID is the source of truth
// for ordering and dedup.
type RawEvent struct {
	RowID           int64
	Text            string    // plain text column, may be empty
	RichPayload     []byte    // attributedBody typedstream archive, may be nil
	ConversationKey string    // chat_identifier (phone number or group id)
	OccurredAt      time.Time // message date converted from the Apple epoch
	Content         string    // resolved content; filled by the decoder stage
}

// Batch groups temporally adjacent events from a single conversation. Content
// entries are chronological; consecutive members are never further apart than
// the coalescing window.
type Batch struct {
	ConversationKey string
	Content         []string
	WindowStart     time.Time
	WindowEnd       time.Time
}

// Prompt renders the batch as a single user prompt, one message per line.
func (b Batch) Prompt() string {
	switch len(b.Content) {
	case 0:
		return ""
	case 1:
		return b.Content[0]
	}
	out := b.Content[0]
	for _, line := range b.Content[1:] {
		out += "\n" + line
	}
	return out
}
