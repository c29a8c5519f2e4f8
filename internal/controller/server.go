// Package controller accepts the classifier's connection and turns its open
// commands into lid actuations.
//
// Connections are served one at a time. A second peer that connects while a
// session is live waits in the listen backlog until the first disconnects.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/banshee-data/wastesort/internal/lid"
	"github.com/banshee-data/wastesort/internal/protocol"
	"github.com/banshee-data/wastesort/internal/timeutil"
	"github.com/banshee-data/wastesort/internal/waste"
)

// DefaultHandshakeTimeout bounds the wait for the client's acknowledgment.
const DefaultHandshakeTimeout = 5 * time.Second

// ErrHandshake is reported when a client's first message is not the
// acknowledgment token.
var ErrHandshake = errors.New("controller: handshake failed")

// State is the server's connection state.
type State int

const (
	Listening State = iota
	Handshaking
	Serving
	Closed
)

func (s State) String() string {
	switch s {
	case Listening:
		return "LISTENING"
	case Handshaking:
		return "HANDSHAKING"
	case Serving:
		return "SERVING"
	}
	return "CLOSED"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Opener opens a bin's lid. lid.Bank satisfies it.
type Opener interface {
	Open(bin waste.BinID, source lid.Source) error
}

// Session describes one connection that completed the handshake.
type Session struct {
	ID            string    `json:"id"`
	Peer          string    `json:"peer"`
	StartedAt     time.Time `json:"started_at"`
	Commands      int       `json:"commands"`
	LastCommand   string    `json:"last_command,omitempty"`
	LastCommandAt time.Time `json:"last_command_at,omitzero"`
}

// Status is a snapshot of the server.
type Status struct {
	State   State    `json:"state"`
	Session *Session `json:"session,omitempty"`
}

// SessionObserver is told when sessions begin and end. reason is a short
// human-readable cause such as "peer closed".
type SessionObserver interface {
	SessionStarted(Session)
	SessionEnded(s Session, endedAt time.Time, reason string)
}

// Server is the actuation server.
type Server struct {
	opener           Opener
	clock            timeutil.Clock
	handshakeTimeout time.Duration
	observer         SessionObserver

	mu      sync.Mutex
	state   State
	session *Session
	conn    net.Conn
}

// Option configures a Server.
type Option func(*Server)

func WithClock(c timeutil.Clock) Option {
	return func(s *Server) { s.clock = c }
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

func WithSessionObserver(o SessionObserver) Option {
	return func(s *Server) { s.observer = o }
}

// NewServer returns a Server that forwards open commands to opener.
func NewServer(opener Opener, opts ...Option) *Server {
	s := &Server{
		opener:           opener,
		clock:            timeutil.RealClock{},
		handshakeTimeout: DefaultHandshakeTimeout,
		state:            Closed,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListenAndServe listens on the TCP address addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln one at a time until ctx is cancelled. It
// closes ln and any live connection on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		ln.Close()
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
	})
	defer stop()
	defer ln.Close()

	log.Info().Str("addr", ln.Addr().String()).Msg("actuation server listening")
	for {
		s.setState(Listening)
		conn, err := ln.Accept()
		if err != nil {
			s.setState(Closed)
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.serveConn(ctx, conn)
		if ctx.Err() != nil {
			s.setState(Closed)
			return nil
		}
	}
}

func (s *Server) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Status returns the current state and the live session, if any.
func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{State: s.state}
	if s.session != nil {
		sess := *s.session
		st.Session = &sess
	}
	return st
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	peer := conn.RemoteAddr().String()
	s.mu.Lock()
	s.conn = conn
	s.state = Handshaking
	s.mu.Unlock()
	defer func() {
		conn.Close()
		s.mu.Lock()
		s.conn = nil
		s.session = nil
		s.state = Closed
		s.mu.Unlock()
	}()
	if ctx.Err() != nil {
		return
	}

	reader := protocol.NewReader(conn)
	if err := s.handshake(conn, reader); err != nil {
		log.Warn().Err(err).Str("peer", peer).Msg("handshake rejected")
		return
	}

	sess := &Session{ID: uuid.NewString(), Peer: peer, StartedAt: s.clock.Now()}
	s.mu.Lock()
	s.session = sess
	s.state = Serving
	s.mu.Unlock()
	log.Info().Str("session", sess.ID).Str("peer", peer).Msg("classifier connected")
	if s.observer != nil {
		s.observer.SessionStarted(*sess)
	}

	reason := s.serveCommands(conn, reader, sess)

	s.mu.Lock()
	final := *sess
	s.mu.Unlock()
	log.Info().Str("session", sess.ID).Str("peer", peer).Str("reason", reason).Msg("classifier disconnected")
	if s.observer != nil {
		s.observer.SessionEnded(final, s.clock.Now(), reason)
	}
}

func (s *Server) handshake(conn net.Conn, reader *protocol.Reader) error {
	conn.SetDeadline(time.Now().Add(s.handshakeTimeout))
	if err := protocol.WriteLine(conn, protocol.Greeting); err != nil {
		return fmt.Errorf("send greeting: %w", err)
	}
	line, err := reader.ReadLine()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	cmd, err := protocol.Parse(line)
	if err != nil || cmd.Kind != protocol.KindAck {
		return fmt.Errorf("%w: got %q", ErrHandshake, line)
	}
	return conn.SetDeadline(time.Time{})
}

// serveCommands handles lines until the transport fails and returns why it
// stopped. Malformed lines are logged and dropped.
func (s *Server) serveCommands(conn net.Conn, reader *protocol.Reader, sess *Session) string {
	for {
		line, err := reader.ReadLine()
		if errors.Is(err, protocol.ErrMalformed) {
			log.Warn().Err(err).Str("session", sess.ID).Msg("dropping command")
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "peer closed"
			}
			return err.Error()
		}
		cmd, err := protocol.Parse(line)
		if err != nil {
			log.Warn().Err(err).Str("session", sess.ID).Msg("dropping command")
			continue
		}

		s.mu.Lock()
		sess.Commands++
		sess.LastCommand = cmd.Raw
		sess.LastCommandAt = s.clock.Now()
		s.mu.Unlock()

		switch cmd.Kind {
		case protocol.KindHello:
			if err := protocol.WriteLine(conn, protocol.Ack); err != nil {
				return err.Error()
			}
		case protocol.KindOpen:
			log.Info().Str("session", sess.ID).Str("bin", string(cmd.Bin)).Msg("open command")
			if err := s.opener.Open(cmd.Bin, lid.SourceRemote); err != nil {
				log.Error().Err(err).Str("bin", string(cmd.Bin)).Msg("open failed")
			}
		case protocol.KindAck:
			log.Debug().Str("session", sess.ID).Msg("ignoring stray acknowledgment")
		}
	}
}
