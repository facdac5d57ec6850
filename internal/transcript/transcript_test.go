// ABOUTME: Tests for HTML transcript rendering
// ABOUTME: Covers markdown bodies, sender labels, pending markers, and raw HTML suppression

package transcript

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/clinic-chat/internal/chat"
)

var at = time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC)

func render(t *testing.T, msgs []chat.Message) string {
	t.Helper()
	var buf bytes.Buffer
	r := Renderer{SelfID: "d1", Now: func() time.Time { return at }}
	require.NoError(t, r.Render(&buf, chat.Peer{ID: "p1", DisplayName: "Pat"}, msgs))
	return buf.String()
}

func TestRender_MarkdownAndSenders(t *testing.T) {
	out := render(t, []chat.Message{
		{Key: "s1", ServerID: "s1", ConversationID: "c1", SenderID: "p1", Body: "Is **Tuesday** ok?", CreatedAt: at, State: chat.StateConfirmed},
		{Key: "s2", ServerID: "s2", ConversationID: "c1", SenderID: "d1", Body: "Yes, see you then", CreatedAt: at.Add(time.Minute), State: chat.StateConfirmed},
	})

	assert.Contains(t, out, "<title>Conversation with Pat</title>")
	assert.Contains(t, out, "<strong>Tuesday</strong>")
	assert.Contains(t, out, "Pat &middot; 2026-03-04 10:30")
	assert.Contains(t, out, "You &middot; 2026-03-04 10:31")
	assert.Contains(t, out, "c1")
	assert.Contains(t, out, "Exported 2026-03-04 10:30 UTC")
}

func TestRender_PendingMarked(t *testing.T) {
	out := render(t, []chat.Message{
		{Key: "tmp-1", TempID: "tmp-1", ConversationID: "c1", SenderID: "d1", Body: "on my way", CreatedAt: at, State: chat.StatePending},
	})

	assert.Contains(t, out, `class="message self pending"`)
	assert.Contains(t, out, `data-state="pending"`)
}

func TestRender_RawHTMLOmitted(t *testing.T) {
	out := render(t, []chat.Message{
		{Key: "s1", ServerID: "s1", SenderID: "p1", Body: "<script>alert(1)</script>", CreatedAt: at, State: chat.StateConfirmed},
	})

	assert.NotContains(t, out, "<script>alert(1)</script>")
}

func TestRender_Empty(t *testing.T) {
	out := render(t, nil)
	assert.Contains(t, out, "No messages.")
}

func TestRender_PackageHelper(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, "d1", chat.Peer{ID: "p1"}, []chat.Message{
		{Key: "s1", ServerID: "s1", SenderID: "p1", Body: "hi", CreatedAt: at, State: chat.StateConfirmed},
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Conversation with p1")
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestRender_WriteError(t *testing.T) {
	err := Render(failingWriter{}, "d1", chat.Peer{ID: "p1"}, nil)
	assert.ErrorContains(t, err, "writing transcript")
}
