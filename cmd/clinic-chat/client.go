// ABOUTME: Interactive command loop and update printer for the clinic-chat CLI
// ABOUTME: Routes slash commands to the engine and reconnects the session after failures

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"

	"github.com/2389/clinic-chat/internal/chat"
	"github.com/2389/clinic-chat/internal/engine"
	"github.com/2389/clinic-chat/internal/presence"
	"github.com/2389/clinic-chat/internal/session"
	"github.com/2389/clinic-chat/internal/transcript"
)

// chatEngine is the part of *engine.Engine the CLI drives.
type chatEngine interface {
	Snapshot() engine.Snapshot
	SelectPeerByID(ctx context.Context, peerID string) error
	Send(ctx context.Context, body string) (chat.Message, error)
	Keystroke(ctx context.Context) error
	SetPeers(ctx context.Context, peers []chat.Peer) error
}

// reconnecter re-dials a session that lost its channel.
type reconnecter interface {
	Reconnect(ctx context.Context) error
}

// peerLister fetches the peer directory.
type peerLister interface {
	ListPeers(ctx context.Context) ([]chat.Peer, error)
}

type client struct {
	engine  chatEngine
	conn    reconnecter
	dir     peerLister
	selfID  string
	backoff time.Duration
	logger  *slog.Logger

	mu  sync.Mutex
	out io.Writer

	// Owned by the watch goroutine.
	printed    map[string]bool
	activeConv string
	lastUnread map[string]int
	lastTyping string

	reconnecting atomic.Bool
}

func newClient(eng chatEngine, conn reconnecter, dir peerLister, selfID string, backoff time.Duration, out io.Writer, logger *slog.Logger) *client {
	if logger == nil {
		logger = slog.Default()
	}
	return &client{
		engine:     eng,
		conn:       conn,
		dir:        dir,
		selfID:     selfID,
		backoff:    backoff,
		logger:     logger.With("component", "cli"),
		out:        out,
		printed:    make(map[string]bool),
		lastUnread: make(map[string]int),
	}
}

// loadPeers installs the directory listing. Without a directory the peer
// list grows from conversation activity alone.
func (c *client) loadPeers(ctx context.Context) error {
	if c.dir == nil {
		return nil
	}
	peers, err := c.dir.ListPeers(ctx)
	if err != nil {
		return fmt.Errorf("listing peers: %w", err)
	}
	return c.engine.SetPeers(ctx, peers)
}

func (c *client) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// run reads lines from in until /quit, EOF or ctx ends.
func (c *client) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	errCh := make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errCh <- err
			return
		}
		errCh <- io.EOF
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case line := <-lines:
			if c.handleLine(ctx, line) {
				return nil
			}
		}
	}
}

// handleLine executes one input line and reports whether to quit.
func (c *client) handleLine(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	if !strings.HasPrefix(line, "/") {
		c.say(ctx, line)
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit", "/q":
		return true
	case "/help":
		c.printHelp()
	case "/peers":
		if arg == "refresh" {
			if err := c.loadPeers(ctx); err != nil {
				c.printf("%s %v\n", color.RedString("[error]"), err)
				return false
			}
		}
		c.printPeers()
	case "/open":
		c.open(ctx, arg)
	case "/export":
		c.export(arg)
	case "/status":
		c.printStatus()
	default:
		c.printf("%s unknown command %s (try /help)\n", color.RedString("[error]"), cmd)
	}
	return false
}

func (c *client) printHelp() {
	c.printf("Commands:\n" +
		"  /peers [refresh] List peers by recent activity with unread counts\n" +
		"  /open <peer-id>  Open the conversation with a peer\n" +
		"  /export <file>   Write the open conversation to an HTML file\n" +
		"  /status          Show connection and conversation state\n" +
		"  /help            Show this help\n" +
		"  /quit            Exit\n" +
		"Any other line is sent to the open conversation.\n")
}

func (c *client) printPeers() {
	snap := c.engine.Snapshot()
	if len(snap.Peers) == 0 {
		c.printf("No peers known yet\n")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	table := tablewriter.NewWriter(c.out)
	table.SetHeader([]string{"", "Peer", "Name", "Unread"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	for _, p := range snap.Peers {
		marker := ""
		if p.ID == snap.SelectedPeer.ID {
			marker = "*"
		}
		unread := ""
		if n := snap.Unread[p.ID]; n > 0 {
			unread = strconv.Itoa(n)
		}
		table.Append([]string{marker, p.ID, p.DisplayName, unread})
	}
	table.Render()
}

func (c *client) open(ctx context.Context, peerID string) {
	if peerID == "" {
		c.printf("Usage: /open <peer-id>\n")
		return
	}
	err := c.engine.SelectPeerByID(ctx, peerID)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrUnknownPeer):
		c.printf("%s unknown peer %q (see /peers)\n", color.RedString("[error]"), peerID)
	case errors.Is(err, session.ErrNotConnected):
		c.printf("%s not connected; the conversation opens once the channel is back\n", color.YellowString("[wait]"))
	default:
		c.printf("%s %v\n", color.RedString("[error]"), err)
	}
}

func (c *client) export(path string) {
	if path == "" {
		c.printf("Usage: /export <file.html>\n")
		return
	}
	snap := c.engine.Snapshot()
	if snap.ConversationID == "" {
		c.printf("%s no open conversation\n", color.RedString("[error]"))
		return
	}

	f, err := os.Create(path)
	if err != nil {
		c.printf("%s %v\n", color.RedString("[error]"), err)
		return
	}
	defer f.Close()

	if err := transcript.Render(f, c.selfID, snap.SelectedPeer, snap.Messages); err != nil {
		c.printf("%s %v\n", color.RedString("[error]"), err)
		return
	}
	c.printf("Wrote %d messages to %s\n", len(snap.Messages), path)
}

func (c *client) printStatus() {
	snap := c.engine.Snapshot()
	c.printf("Connection:   %s\n", snap.Connection)
	if snap.SelectedPeer.ID == "" {
		c.printf("Conversation: none\n")
	} else {
		c.printf("Conversation: %s (%s)\n", snap.SelectedPeer.Name(), snap.Phase)
	}
	c.printf("Pending:      %d\n", snap.PendingCount())
	c.printf("Unread:       %d\n", lo.Sum(lo.Values(snap.Unread)))
}

func (c *client) say(ctx context.Context, body string) {
	if err := c.engine.Keystroke(ctx); err != nil {
		c.logger.Debug("keystroke not recorded", "error", err)
	}
	_, err := c.engine.Send(ctx, body)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrNoActiveConversation):
		c.printf("%s open a conversation first (/open <peer-id>)\n", color.RedString("[error]"))
	case errors.Is(err, session.ErrNotConnected):
		c.printf("%s not connected; message not sent\n", color.RedString("[error]"))
	default:
		c.printf("%s %v\n", color.RedString("[error]"), err)
	}
}

// watch prints updates and drives reconnects until updates closes.
func (c *client) watch(ctx context.Context, updates <-chan engine.Update) {
	for u := range updates {
		c.render(u)
		if u.Kind != engine.ConnectionChanged {
			continue
		}
		if u.Connection == session.Reconnecting && c.reconnecting.CompareAndSwap(false, true) {
			go c.reconnect(ctx)
		}
	}
}

// reconnect retries with a fixed delay until the session is back.
func (c *client) reconnect(ctx context.Context) {
	defer c.reconnecting.Store(false)

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.backoff):
		}

		err := c.conn.Reconnect(ctx)
		if err == nil || errors.Is(err, session.ErrNotReconnecting) {
			return
		}
		c.logger.Warn("reconnect failed", "attempt", attempt, "error", err)
	}
}

func (c *client) peerName(id string) string {
	if p, ok := lo.Find(c.engine.Snapshot().Peers, func(p chat.Peer) bool { return p.ID == id }); ok {
		return p.Name()
	}
	return id
}

func (c *client) render(u engine.Update) {
	switch u.Kind {
	case engine.ConversationLoading:
		c.printf("%s\n", color.HiBlackString("Opening conversation with %s...", c.peerName(u.PeerID)))

	case engine.ConversationActive:
		if u.ConversationID != c.activeConv {
			c.activeConv = u.ConversationID
			c.printed = make(map[string]bool)
			c.lastTyping = ""
		}
		c.printf("%s\n", color.GreenString("── %s ──", c.peerName(u.PeerID)))
		c.printMessages(u.Messages)

	case engine.LogChanged:
		if u.ConversationID == c.activeConv {
			c.printMessages(u.Messages)
		}

	case engine.JoinFailed:
		c.printf("%s could not open %s: %v\n", color.RedString("[error]"), c.peerName(u.PeerID), u.Err)

	case engine.UnreadChanged:
		for peerID, n := range u.Unread {
			if n > c.lastUnread[peerID] {
				c.printf("%s\n", color.YellowString("New message from %s (%d unread)", c.peerName(peerID), n))
			}
		}
		c.lastUnread = u.Unread

	case engine.TypingChanged:
		typing := strings.Join(lo.Map(u.Typing, func(s presence.TypingSignal, _ int) string {
			return c.peerName(s.UserID)
		}), ", ")
		if typing != "" && typing != c.lastTyping {
			c.printf("%s\n", color.HiBlackString("%s is typing...", typing))
		}
		c.lastTyping = typing

	case engine.ConnectionChanged:
		switch u.Connection {
		case session.Connected:
			c.printf("%s\n", color.GreenString("[connected]"))
		case session.Reconnecting:
			if u.Err != nil {
				c.printf("%s %v\n", color.YellowString("[reconnecting]"), u.Err)
			} else {
				c.printf("%s\n", color.YellowString("[reconnecting]"))
			}
		case session.Disconnected:
			c.printf("%s\n", color.RedString("[disconnected]"))
		}
	}
}

// messageID is stable across confirmation: own sends keep their tempId.
func messageID(m chat.Message) string {
	if m.TempID != "" {
		return m.TempID
	}
	return m.ServerID
}

func (c *client) printMessages(msgs []chat.Message) {
	for _, m := range msgs {
		id := messageID(m)
		if c.printed[id] {
			continue
		}
		c.printed[id] = true

		who := color.CyanString(c.peerName(m.SenderID))
		if m.SenderID == c.selfID {
			who = color.BlueString("you")
		}
		stamp := color.HiBlackString(m.CreatedAt.Local().Format("15:04"))
		suffix := ""
		if m.Pending() {
			suffix = color.HiBlackString(" (sending)")
		}
		c.printf("%s %s: %s%s\n", stamp, who, m.Body, suffix)
	}
}
