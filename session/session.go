// Package session owns the single TCP connection between a ChatBridge client
// and its relay hub: dialing, the login handshake, framed sends, the inbound
// receive loop and shutdown.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/cyberinferno/go-chatbridge/codec"
	"github.com/cyberinferno/go-chatbridge/logger"
	"github.com/cyberinferno/go-chatbridge/protocol"
)

// DefaultWriteTimeout bounds a single framed write.
const DefaultWriteTimeout = 10 * time.Second

// FrameHandler receives each decrypted inbound payload from ReceiveLoop.
type FrameHandler func(ctx context.Context, payload []byte)

// Options configures a Session.
type Options struct {
	Identity Identity
	Address  Address
	// WriteTimeout bounds each write; 0 selects DefaultWriteTimeout.
	WriteTimeout time.Duration
	// Codec overrides the AES codec derived from Identity.AESKey.
	Codec  codec.Codec
	Logger logger.Logger
}

// Session is one client identity's connection to the hub. It is safe for
// concurrent use; all sends are serialized on the socket.
type Session struct {
	identity     Identity
	address      Address
	codec        codec.Codec
	writeTimeout time.Duration
	logger       logger.Logger

	mu     sync.Mutex
	state  State
	conn   net.Conn
	connID string
	cancel context.CancelFunc

	writeMu sync.Mutex
}

// New validates opts and returns a Disconnected session.
//
// Returns:
//   - The session
//   - An error wrapping ErrInvalid for bad identity or address, or a codec error
func New(opts Options) (*Session, error) {
	if err := opts.Identity.Validate(); err != nil {
		return nil, err
	}

	if err := opts.Address.Validate(); err != nil {
		return nil, err
	}

	c := opts.Codec
	if c == nil {
		aesCodec, err := codec.NewAESCodec(opts.Identity.AESKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		c = aesCodec
	}

	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}

	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}

	return &Session{
		identity:     opts.Identity,
		address:      opts.Address,
		codec:        c,
		writeTimeout: opts.WriteTimeout,
		logger:       log.With(logger.F("component", "session"), logger.F("addr", opts.Address.String())),
		state:        Disconnected,
	}, nil
}

// Name returns the client name used at login.
func (s *Session) Name() string {
	return s.identity.Name
}

// Address returns the hub address.
func (s *Session) Address() Address {
	return s.address
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsOnline reports whether the session has logged in and not since dropped.
func (s *Session) IsOnline() bool {
	return s.State() == Online
}

// Connect dials the hub and sends the login request. Stop aborts an
// in-flight dial.
//
// Parameters:
//   - ctx: Cancels the dial
//   - timeout: Dial timeout
//
// Returns:
//   - nil once the login request is written; the session is then Connecting
//   - An error wrapping ErrNetwork otherwise; the session is Disconnected
func (s *Session) Connect(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	if s.state != Disconnected {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: session is %s", ErrNetwork, state)
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.state = Connecting
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("connecting to hub")

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(attemptCtx, "tcp", s.address.String())
	if err != nil {
		s.abortAttempt()
		return fmt.Errorf("%w: dial %s: %w", ErrNetwork, s.address, err)
	}

	s.mu.Lock()
	if s.state != Connecting || attemptCtx.Err() != nil {
		s.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("%w: connect aborted", ErrNetwork)
	}

	s.conn = conn
	s.cancel = nil
	s.connID = uuid.NewString()
	s.mu.Unlock()

	login, err := json.Marshal(protocol.NewLoginRequest(s.identity.Name, s.identity.Password))
	if err != nil {
		s.dropConn(conn)
		return fmt.Errorf("%w: encode login: %w", ErrNetwork, err)
	}

	if err := s.write(conn, login); err != nil {
		s.dropConn(conn)
		return fmt.Errorf("%w: send login: %w", ErrNetwork, err)
	}

	return nil
}

// AwaitLoginResult reads the hub's single login reply.
//
// Parameters:
//   - timeout: How long to wait for the reply frame
//
// Returns:
//   - The reply's "result" string; compare against LoginSuccess
//   - ErrTimeout if nothing arrives, ErrMalformed if the reply cannot be
//     read as JSON with a string result, ErrNetwork for socket failures.
//     On error the session is Disconnected.
func (s *Session) AwaitLoginResult(timeout time.Duration) (string, error) {
	s.mu.Lock()
	if s.state != Connecting || s.conn == nil {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %w", ErrNetwork, ErrNotConnected)
	}

	s.state = AwaitingLoginResult
	conn := s.conn
	s.mu.Unlock()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		s.dropConn(conn)
		return "", fmt.Errorf("%w: %w", ErrNetwork, err)
	}

	payload, err := codec.ReadFrame(conn)
	if err != nil {
		s.dropConn(conn)

		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "", fmt.Errorf("%w: no login result within %s", ErrTimeout, timeout)
		}

		return "", fmt.Errorf("%w: read login result: %w", ErrNetwork, err)
	}

	plain, err := s.codec.Decode(payload)
	if err != nil {
		s.dropConn(conn)
		return "", fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	result := gjson.GetBytes(plain, "result")
	if !gjson.ValidBytes(plain) || result.Type != gjson.String {
		s.dropConn(conn)
		return "", fmt.Errorf("%w: no result in %q", ErrMalformed, plain)
	}

	_ = conn.SetReadDeadline(time.Time{})
	return result.Str, nil
}

// Promote moves a session whose login succeeded to Online.
func (s *Session) Promote() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != AwaitingLoginResult || s.conn == nil {
		return fmt.Errorf("%w: cannot go online from %s", ErrNotConnected, s.state)
	}

	s.state = Online
	s.logger.Info("client online", logger.F("conn_id", s.connID))
	return nil
}

// ReceiveLoop reads frames until the connection fails, ctx is cancelled or
// Stop is called, handing each decrypted payload to handle in arrival order.
// On exit the session is Disconnected.
//
// Returns:
//   - ErrNotConnected if the session is not Online; otherwise the error
//     that ended the loop
func (s *Session) ReceiveLoop(ctx context.Context, handle FrameHandler) error {
	s.mu.Lock()
	if s.state != Online || s.conn == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	conn := s.conn
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { s.dropConn(conn) })
	defer stop()

	for {
		plain, err := codec.ReadMessage(conn, s.codec)
		if err != nil {
			if s.dropConn(conn) {
				s.logger.Warn("connection to hub lost", logger.Err(err))
			}

			return fmt.Errorf("receive: %w", err)
		}

		handle(ctx, plain)
	}
}

// Send writes one plaintext payload. A write failure takes the session offline.
func (s *Session) Send(payload []byte) error {
	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()

	if state != Online || conn == nil {
		return ErrNotConnected
	}

	if err := s.write(conn, payload); err != nil {
		if s.dropConn(conn) {
			s.logger.Warn("send failed, client offline", logger.Err(err))
		}

		return fmt.Errorf("send: %w", err)
	}

	return nil
}

// SendJSON marshals v and sends it.
func (s *Session) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %T: %w", v, err)
	}

	return s.Send(data)
}

// Stop closes the connection and aborts any connect in progress. With
// graceful set, an online session first tells the hub it is leaving.
// Calling Stop on a Disconnected session does nothing.
func (s *Session) Stop(graceful bool) {
	s.mu.Lock()
	conn, state, cancel := s.conn, s.state, s.cancel
	s.conn = nil
	s.cancel = nil
	s.state = Disconnected
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if conn == nil {
		return
	}

	if graceful && state == Online {
		if notice, err := json.Marshal(protocol.NewStopNotice()); err == nil {
			if err := s.write(conn, notice); err != nil {
				s.logger.Debug("stop notice not sent", logger.Err(err))
			}
		}
	}

	_ = conn.Close()
	s.logger.Info("client stopped", logger.F("from", state.String()))
}

// write frames plaintext onto conn under the write lock and deadline.
func (s *Session) write(conn net.Conn, plaintext []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}

	defer func() {
		_ = conn.SetWriteDeadline(time.Time{})
	}()

	return codec.WriteMessage(conn, s.codec, plaintext)
}

// dropConn closes conn and goes Disconnected if conn is still the session's
// socket. It reports whether it did, i.e. whether nobody stopped us first.
func (s *Session) dropConn(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = conn.Close()
	if s.conn != conn {
		return false
	}

	s.conn = nil
	s.state = Disconnected
	return true
}

// abortAttempt resets a failed dial.
func (s *Session) abortAttempt() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancel = nil
	if s.state == Connecting {
		s.state = Disconnected
	}
}
