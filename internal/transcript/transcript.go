// ABOUTME: Renders a conversation log to a standalone HTML transcript
// ABOUTME: Message bodies are Markdown converted with goldmark; pending messages are marked

package transcript

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/clinic-chat/internal/chat"
)

//go:embed templates/*.html
var templateFS embed.FS

var page = template.Must(template.ParseFS(templateFS, "templates/transcript.html"))

// Goldmark's default renderer omits raw HTML, so bodies cannot inject markup.
var markdown = goldmark.New(goldmark.WithExtensions(extension.Linkify, extension.Strikethrough))

type entry struct {
	Sender    string
	Self      bool
	Pending   bool
	State     string
	CreatedAt time.Time
	Body      template.HTML
}

// Renderer writes transcripts for one local user.
type Renderer struct {
	SelfID string
	Now    func() time.Time
}

// Render writes an HTML transcript of messages exchanged with peer.
func (r Renderer) Render(w io.Writer, peer chat.Peer, messages []chat.Message) error {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}

	entries := make([]entry, 0, len(messages))
	var conversationID string
	for _, m := range messages {
		if conversationID == "" {
			conversationID = m.ConversationID
		}

		var body bytes.Buffer
		if err := markdown.Convert([]byte(m.Body), &body); err != nil {
			return fmt.Errorf("rendering message %s: %w", m.Key, err)
		}

		sender := peer.Name()
		if m.SenderID == r.SelfID {
			sender = "You"
		} else if m.SenderID != peer.ID {
			sender = m.SenderID
		}

		entries = append(entries, entry{
			Sender:    sender,
			Self:      m.SenderID == r.SelfID,
			Pending:   m.Pending(),
			State:     m.State.String(),
			CreatedAt: m.CreatedAt,
			Body:      template.HTML(body.String()),
		})
	}

	data := struct {
		Peer           chat.Peer
		ConversationID string
		Exported       time.Time
		Messages       []entry
	}{
		Peer:           peer,
		ConversationID: conversationID,
		Exported:       now(),
		Messages:       entries,
	}

	if err := page.Execute(w, data); err != nil {
		return fmt.Errorf("writing transcript: %w", err)
	}
	return nil
}

// Render writes a transcript for selfID with the current time.
func Render(w io.Writer, selfID string, peer chat.Peer, messages []chat.Message) error {
	return Renderer{SelfID: selfID}.Render(w, peer, messages)
}
