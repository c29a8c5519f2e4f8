// Package dispatch owns the classifier's link to the controller. It turns
// classified frames into open commands, debounced so that a sustained
// detection is re-sent periodically rather than on every frame.
//
// There is no automatic reconnection. Once a session is disconnected it
// stays that way until the operator starts a new one.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/banshee-data/wastesort/internal/camera"
	"github.com/banshee-data/wastesort/internal/detector"
	"github.com/banshee-data/wastesort/internal/protocol"
	"github.com/banshee-data/wastesort/internal/timeutil"
	"github.com/banshee-data/wastesort/internal/waste"
)

const (
	DefaultConnectTimeout   = 5 * time.Second
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultWriteTimeout     = 2 * time.Second
	DefaultFrameInterval    = 10 * time.Millisecond
)

var (
	// ErrDisconnected is returned by Send and Run when the session has no
	// usable connection.
	ErrDisconnected = errors.New("dispatch: disconnected")
	// ErrHandshake is returned by Connect when the controller does not
	// complete the greeting exchange.
	ErrHandshake = errors.New("dispatch: handshake failed")
)

// State is an immutable snapshot of a session for display.
type State struct {
	Connected   bool           `json:"connected"`
	SessionID   string         `json:"session_id,omitempty"`
	Addr        string         `json:"addr"`
	LastResult  waste.Result   `json:"last_result"`
	LastSent    waste.Category `json:"last_sent"`
	LastSentAt  time.Time      `json:"last_sent_at,omitzero"`
	LastCommand string         `json:"last_command,omitempty"`
	Sent        int            `json:"sent"`
	Frames      int            `json:"frames"`
	Error       string         `json:"error,omitempty"`
}

// Config holds the session tunables. Zero values take the defaults.
type Config struct {
	Addr             string
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	DebounceWindow   time.Duration
	FrameInterval    time.Duration
	Clock            timeutil.Clock
}

// Session is one classifier run against one controller connection. Only the
// goroutine that called Run (or, before Run, the caller of Connect and Send)
// touches the connection; other goroutines observe it through Snapshot and
// Updates.
type Session struct {
	cfg      Config
	debounce *Debouncer

	conn   net.Conn
	connMu sync.Mutex

	state   atomic.Pointer[State]
	updates chan State
}

func NewSession(cfg Config) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = DefaultFrameInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	s := &Session{
		cfg:      cfg,
		debounce: NewDebouncer(cfg.DebounceWindow),
		updates:  make(chan State, 1),
	}
	s.state.Store(&State{Addr: cfg.Addr})
	return s
}

// Snapshot returns the current state.
func (s *Session) Snapshot() State {
	return *s.state.Load()
}

// Updates delivers the latest state after every change. Only the most
// recent state is buffered; slow readers skip intermediate states.
func (s *Session) Updates() <-chan State {
	return s.updates
}

func (s *Session) update(fn func(*State)) State {
	next := *s.state.Load()
	fn(&next)
	s.state.Store(&next)
	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- next:
	default:
	}
	return next
}

// Connect dials the controller and completes the handshake: the controller
// greets with HELLO, the session answers OK and then confirms the link with
// its own HELLO, which the controller acknowledges with OK. On failure the
// session is left disconnected.
func (s *Session) Connect(ctx context.Context) error {
	s.releaseConn()
	dialer := net.Dialer{Timeout: s.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		err = fmt.Errorf("connect %s: %w", s.cfg.Addr, err)
		s.markDisconnected(err)
		return err
	}

	if err := s.handshake(conn); err != nil {
		conn.Close()
		s.markDisconnected(err)
		return err
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	s.debounce.Reset()
	st := s.update(func(st *State) {
		*st = State{Connected: true, SessionID: uuid.NewString(), Addr: s.cfg.Addr}
	})
	log.Info().Str("session", st.SessionID).Str("peer", s.cfg.Addr).Msg("connected to controller")
	return nil
}

func (s *Session) handshake(conn net.Conn) error {
	conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	reader := protocol.NewReader(conn)

	expect := func(want protocol.Kind) error {
		line, err := reader.ReadLine()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrHandshake, err)
		}
		if cmd, err := protocol.Parse(line); err != nil || cmd.Kind != want {
			return fmt.Errorf("%w: expected %s, got %q", ErrHandshake, want, line)
		}
		return nil
	}

	if err := expect(protocol.KindHello); err != nil {
		return err
	}
	if err := protocol.WriteLine(conn, protocol.Ack); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if err := protocol.WriteLine(conn, protocol.Greeting); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if err := expect(protocol.KindAck); err != nil {
		return err
	}
	return conn.SetDeadline(time.Time{})
}

// Send dispatches the open command for c if the debouncer allows it and
// reports whether a command was written. A write failure disconnects the
// session and releases the connection.
func (s *Session) Send(c waste.Category) (bool, error) {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return false, ErrDisconnected
	}

	now := s.cfg.Clock.Now()
	if !s.debounce.ShouldSend(c, now) {
		return false, nil
	}
	bin, ok := c.Bin()
	if !ok {
		return false, nil
	}

	command := protocol.OpenCommand(bin)
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := protocol.WriteLine(conn, command); err != nil {
		err = fmt.Errorf("%w: %w", ErrDisconnected, err)
		s.releaseConn()
		s.markDisconnected(err)
		return false, err
	}
	s.debounce.MarkSent(c, now)
	s.update(func(st *State) {
		st.LastSent = c
		st.LastSentAt = now
		st.LastCommand = command
		st.Sent++
	})
	log.Info().Str("category", c.String()).Str("command", command).Msg("dispatched")
	return true, nil
}

// Run is the detection loop: read a frame, classify it, send, repeat. It
// stops when ctx is cancelled, the frames run out, or the link fails, and it
// always releases both the frame source and the connection before
// returning. Cancellation is checked between frames.
func (s *Session) Run(ctx context.Context, frames camera.FrameSource, det detector.Detector, table *waste.Table) error {
	defer frames.Close()
	defer s.Close()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if !s.Snapshot().Connected {
			return ErrDisconnected
		}

		frame, err := frames.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, camera.ErrExhausted) {
				return nil
			}
			return fmt.Errorf("next frame: %w", err)
		}

		dets, err := det.Detect(ctx, frame)
		if err != nil {
			if errors.Is(err, detector.ErrReplayDone) {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Uint64("frame", frame.Seq).Msg("detection failed")
			dets = nil
		}

		result := table.ClassifyFrame(dets)
		s.update(func(st *State) {
			st.LastResult = result
			st.Frames++
		})
		if _, err := s.Send(result.Category); err != nil {
			return err
		}
		s.cfg.Clock.Sleep(s.cfg.FrameInterval)
	}
}

// Close releases the connection and marks the session disconnected.
func (s *Session) Close() error {
	if s.releaseConn() {
		s.markDisconnected(nil)
	}
	return nil
}

func (s *Session) releaseConn() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return false
	}
	s.conn.Close()
	s.conn = nil
	return true
}

func (s *Session) markDisconnected(err error) {
	st := s.update(func(st *State) {
		st.Connected = false
		if err != nil {
			st.Error = err.Error()
		}
	})
	ev := log.Warn().Str("peer", s.cfg.Addr)
	if st.SessionID != "" {
		ev = ev.Str("session", st.SessionID)
	}
	ev.AnErr("error", err).Msg("disconnected from controller")
}
