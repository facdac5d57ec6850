// ABOUTME: Owns the lifecycle of the single persistent conversation channel
// ABOUTME: Registers identity on connect, reports transport failures, never retries itself

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/clinic-chat/internal/protocol"
	"github.com/2389/clinic-chat/internal/transport"
)

// State is the connection state of a Session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrAlreadyOpen     = errors.New("session already open")
	ErrNotReconnecting = errors.New("session is not reconnecting")
	ErrEmptyIdentity   = errors.New("identity is required")
)

// ConnectionError reports that the transport failed.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// StatusChange describes a state transition.
type StatusChange struct {
	State State
	Err   error
}

// Event is either an inbound protocol message or a status change. Epoch
// identifies the connection it belongs to; it increases on every connect,
// failure and close.
type Event struct {
	Epoch   uint64
	Message protocol.Message
	Status  *StatusChange
}

const eventBufferSize = 256

// Session manages one channel connection at a time.
type Session struct {
	dialer transport.Dialer
	url    string
	logger *slog.Logger

	events chan Event
	// overflow holds the newest status that did not fit in events.
	overflow   chan Event
	overflowMu sync.Mutex

	mu       sync.Mutex
	state    State
	identity string
	conn     transport.Conn
	epoch    uint64
	stop     chan struct{}
	readers  sync.WaitGroup
}

// New creates a disconnected Session. Pass nil logger for default.
func New(dialer transport.Dialer, url string, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		dialer: dialer,
		url:    url,
		logger: logger.With("component", "session"),
		events:   make(chan Event, eventBufferSize),
		overflow: make(chan Event, 1),
	}
}

// Events returns the stream of inbound messages and status changes, in
// receipt order.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Overflow carries the newest status change that found Events full. A
// consumer selects on both; an overflow status may arrive ahead of older
// events, which its higher epoch marks as stale.
func (s *Session) Overflow() <-chan Event {
	return s.overflow
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Epoch returns the current connection epoch.
func (s *Session) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Identity returns the registered identity.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Open dials the channel and registers identity on it. A dial or
// registration failure leaves the session Reconnecting and returns a
// *ConnectionError.
func (s *Session) Open(ctx context.Context, identity string) error {
	if identity == "" {
		return ErrEmptyIdentity
	}

	s.mu.Lock()
	if s.state != Disconnected {
		s.mu.Unlock()
		return ErrAlreadyOpen
	}
	s.identity = identity
	s.state = Connecting
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()

	s.emitStatus(epoch, Connecting, nil)
	return s.connect(ctx, Connecting)
}

// Reconnect re-dials after a failure and registers identity again.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Reconnecting {
		s.mu.Unlock()
		return ErrNotReconnecting
	}
	s.mu.Unlock()

	return s.connect(ctx, Reconnecting)
}

func (s *Session) connect(ctx context.Context, from State) error {
	conn, err := s.dialer.Dial(ctx, s.url)
	if err != nil {
		return s.connectFailed(from, &ConnectionError{Op: "dial", Err: err})
	}

	s.mu.Lock()
	if s.state != from {
		// Closed while dialing.
		s.mu.Unlock()
		_ = conn.Close()
		return ErrNotConnected
	}
	identity := s.identity
	s.mu.Unlock()

	frame, err := protocol.Encode(&protocol.RegisterIdentity{SelfID: identity})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("encoding identity: %w", err)
	}
	if err := conn.Write(ctx, frame); err != nil {
		_ = conn.Close()
		return s.connectFailed(from, &ConnectionError{Op: "register", Err: err})
	}

	s.mu.Lock()
	if s.state != from {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrNotConnected
	}
	s.conn = conn
	s.state = Connected
	s.epoch++
	epoch := s.epoch
	stop := make(chan struct{})
	s.stop = stop
	s.readers.Add(1)
	s.mu.Unlock()

	s.logger.Info("channel connected", "url", s.url, "self_id", identity, "epoch", epoch)
	s.emitStatus(epoch, Connected, nil)

	go s.read(conn, epoch, stop)
	return nil
}

func (s *Session) connectFailed(from State, err *ConnectionError) error {
	s.mu.Lock()
	if s.state != from {
		s.mu.Unlock()
		return err
	}
	s.state = Reconnecting
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()

	s.logger.Warn("channel connect failed", "op", err.Op, "error", err.Err)
	s.emitStatus(epoch, Reconnecting, err)
	return err
}

// Send encodes and writes a message. It fails with ErrNotConnected unless
// the session is Connected. A write failure moves the session to
// Reconnecting and returns a *ConnectionError.
func (s *Session) Send(ctx context.Context, msg protocol.Message) error {
	s.mu.Lock()
	if s.state != Connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	conn := s.conn
	epoch := s.epoch
	s.mu.Unlock()

	frame, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", msg.Header().Type, err)
	}

	if err := conn.Write(ctx, frame); err != nil {
		connErr := &ConnectionError{Op: "write", Err: err}
		s.fail(epoch, connErr)
		return connErr
	}
	return nil
}

// Close tears the session down. All state is discarded; Open may be called
// again afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == Disconnected {
		s.mu.Unlock()
		return nil
	}
	s.state = Disconnected
	s.epoch++
	epoch := s.epoch
	conn := s.conn
	s.conn = nil
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.readers.Wait()

	s.logger.Info("channel closed", "epoch", epoch)
	s.emitStatus(epoch, Disconnected, nil)
	return nil
}

// fail moves a Connected session to Reconnecting if epoch is still current.
func (s *Session) fail(epoch uint64, err *ConnectionError) {
	s.mu.Lock()
	if s.state != Connected || s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	s.state = Reconnecting
	s.epoch++
	newEpoch := s.epoch
	conn := s.conn
	s.conn = nil
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	s.logger.Warn("channel lost", "op", err.Op, "error", err.Err, "epoch", newEpoch)
	s.emitStatus(newEpoch, Reconnecting, err)
}

// read forwards decoded frames until the connection fails or is stopped.
func (s *Session) read(conn transport.Conn, epoch uint64, stop <-chan struct{}) {
	defer s.readers.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			s.fail(epoch, &ConnectionError{Op: "read", Err: err})
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			s.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}

		select {
		case s.events <- Event{Epoch: epoch, Message: msg}:
		case <-stop:
			return
		}
	}
}

// emitStatus publishes a status change without blocking on a stalled consumer.
func (s *Session) emitStatus(epoch uint64, state State, err error) {
	ev := Event{Epoch: epoch, Status: &StatusChange{State: state, Err: err}}
	select {
	case s.events <- ev:
		return
	default:
	}

	s.logger.Warn("event buffer full, keeping status change out of band", "state", state.String(), "epoch", epoch)
	s.overflowMu.Lock()
	defer s.overflowMu.Unlock()
	select {
	case prev := <-s.overflow:
		if prev.Epoch > ev.Epoch {
			ev = prev
		}
	default:
	}
	s.overflow <- ev
}
