package voice

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func final(role Role, text string) Message {
	return Message{Type: MessageTypeTranscript, Role: role, TranscriptType: TranscriptFinal, Transcript: text}
}

func TestTranscriptNewestFirst(t *testing.T) {
	tr := NewTranscript()

	for _, msg := range []Message{
		final(RoleUser, "Hi"),
		final(RoleAssistant, "Hello"),
		final(RoleUser, "Let's begin"),
	} {
		_, ok := tr.OnTranscriptEvent(msg)
		require.True(t, ok)
	}

	snap := tr.Snapshot()
	assert.Equal(t, []string{"Let's begin", "Hello", "Hi"}, contents(snap))
	assert.Equal(t, []uint64{3, 2, 1}, []uint64{snap[0].Sequence, snap[1].Sequence, snap[2].Sequence})
	assert.Equal(t, 3, tr.Len())
}

func TestTranscriptDropsNonFinal(t *testing.T) {
	tr := NewTranscript()

	_, ok := tr.OnTranscriptEvent(Message{Type: MessageTypeTranscript, TranscriptType: TranscriptPartial, Transcript: "Hel"})
	assert.False(t, ok)
	_, ok = tr.OnTranscriptEvent(Message{Type: "status-update", TranscriptType: TranscriptFinal, Transcript: "x"})
	assert.False(t, ok)
	assert.Equal(t, 0, tr.Len())
}

func TestTranscriptKeepsEmptyAndDuplicateFinals(t *testing.T) {
	tr := NewTranscript()
	tr.OnTranscriptEvent(final(RoleUser, ""))
	tr.OnTranscriptEvent(final(RoleUser, "again"))
	tr.OnTranscriptEvent(final(RoleUser, "again"))
	assert.Equal(t, 3, tr.Len())
}

func TestTranscriptEntriesStopsEarly(t *testing.T) {
	tr := NewTranscript()
	for _, text := range []string{"one", "two", "three"} {
		tr.OnTranscriptEvent(final(RoleUser, text))
	}

	var got []string
	for e := range tr.Entries() {
		got = append(got, e.Content)
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"three", "two"}, got)
}

func TestTranscriptSnapshotIsCopy(t *testing.T) {
	tr := NewTranscript()
	tr.OnTranscriptEvent(final(RoleUser, "a"))

	snap := tr.Snapshot()
	snap[0].Content = "changed"
	tr.OnTranscriptEvent(final(RoleUser, "b"))

	assert.Len(t, snap, 1)
	assert.Equal(t, []string{"b", "a"}, contents(tr.Snapshot()))
}

func TestTranscriptReset(t *testing.T) {
	tr := NewTranscript()
	stamp := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return stamp }

	tr.OnTranscriptEvent(final(RoleUser, "a"))
	tr.Reset()
	assert.Equal(t, 0, tr.Len())

	entry, ok := tr.OnTranscriptEvent(final(RoleAssistant, "b"))
	require.True(t, ok)
	assert.Equal(t, uint64(1), entry.Sequence)
	assert.Equal(t, stamp, entry.Timestamp)
}

func TestMessageJSON(t *testing.T) {
	var msg Message
	err := json.Unmarshal([]byte(`{"type":"transcript","role":"assistant","transcriptType":"final","transcript":"Hello"}`), &msg)
	require.NoError(t, err)
	assert.Equal(t, final(RoleAssistant, "Hello"), msg)
	assert.True(t, msg.IsFinalTranscript())

	err = json.Unmarshal([]byte(`{"type":"transcript","role":"narrator"}`), &msg)
	assert.Error(t, err)
}

func TestParseRole(t *testing.T) {
	role, err := ParseRole("user")
	require.NoError(t, err)
	assert.Equal(t, RoleUser, role)

	role, err = ParseRole("assistant")
	require.NoError(t, err)
	assert.Equal(t, RoleAssistant, role)

	_, err = ParseRole("system")
	assert.Error(t, err)
}
