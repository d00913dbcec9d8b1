package voice

import (
	"iter"
	"time"
)

// TranscriptEntry is one finalized utterance. Entries are never modified after
// they are appended.
type TranscriptEntry struct {
	Sequence  uint64    `json:"sequence"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcript accumulates final transcript events, newest first. It is not safe for
// concurrent use; the Controller serializes access.
type Transcript struct {
	entries []TranscriptEntry // oldest first, reversed on read
	nextSeq uint64
	now     func() time.Time
}

// NewTranscript creates an empty transcript log.
func NewTranscript() *Transcript {
	return &Transcript{now: time.Now}
}

// OnTranscriptEvent appends msg if it is a final transcript. Interim and
// non-transcript messages are dropped. It reports whether an entry was added.
func (t *Transcript) OnTranscriptEvent(msg Message) (TranscriptEntry, bool) {
	if !msg.IsFinalTranscript() {
		return TranscriptEntry{}, false
	}

	t.nextSeq++
	entry := TranscriptEntry{
		Sequence:  t.nextSeq,
		Role:      msg.Role,
		Content:   msg.Transcript,
		Timestamp: t.now(),
	}
	t.entries = append(t.entries, entry)
	return entry, true
}

// Len returns the number of entries.
func (t *Transcript) Len() int {
	return len(t.entries)
}

// Entries yields the log newest first. The sequence reflects the log at the time
// each entry is reached.
func (t *Transcript) Entries() iter.Seq[TranscriptEntry] {
	return func(yield func(TranscriptEntry) bool) {
		for i := len(t.entries) - 1; i >= 0; i-- {
			if !yield(t.entries[i]) {
				return
			}
		}
	}
}

// Snapshot returns a copy of the log, newest first.
func (t *Transcript) Snapshot() []TranscriptEntry {
	out := make([]TranscriptEntry, 0, len(t.entries))
	for entry := range t.Entries() {
		out = append(out, entry)
	}
	return out
}

// Reset empties the log and restarts sequence numbering.
func (t *Transcript) Reset() {
	t.entries = nil
	t.nextSeq = 0
}
