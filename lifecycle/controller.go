// Package lifecycle owns the client's single hub session: it starts, stops
// and reloads it on request and turns host events into outbound messages.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/go-chatbridge/config"
	"github.com/cyberinferno/go-chatbridge/logger"
	"github.com/cyberinferno/go-chatbridge/protocol"
	"github.com/cyberinferno/go-chatbridge/roster"
	"github.com/cyberinferno/go-chatbridge/session"
)

// ControlPrefix marks chat lines addressed to the client itself. They are
// never relayed.
const ControlPrefix = "!!ChatBridge"

// DefaultMaxTasks bounds concurrent outbound event sends.
const DefaultMaxTasks = 64

// ErrClosed is returned by Reload after Close.
var ErrClosed = errors.New("controller closed")

// Loader reads the current configuration. It is called once by New and again
// by every Reload.
type Loader func() (config.Config, error)

// Status is a snapshot for status queries.
type Status struct {
	Online  bool
	State   session.State
	Name    string
	Address string
	Players []string
}

// String renders the status for operators.
func (s Status) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ChatBridge client %q online: %t (%s, hub %s)", s.Name, s.Online, s.State, s.Address)
	if len(s.Players) > 0 {
		fmt.Fprintf(&b, ", players: %s", strings.Join(s.Players, ", "))
	}

	return b.String()
}

// Controller manages the session lifecycle. All methods are safe for
// concurrent use.
type Controller struct {
	load     Loader
	sink     protocol.LineSink
	handler  protocol.CommandHandler
	logger   logger.Logger
	roster   *roster.Roster
	maxTasks int

	starting atomic.Bool

	mu      sync.RWMutex
	cfg     config.Config
	session *session.Session

	ctx    context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup

	tasksMu sync.RWMutex
	tasks   *errgroup.Group
	closed  bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithLineSink sets where chat lines from the hub are delivered.
func WithLineSink(s protocol.LineSink) Option {
	return func(c *Controller) { c.sink = s }
}

// WithCommandHandler sets the handler answering hub commands.
func WithCommandHandler(h protocol.CommandHandler) Option {
	return func(c *Controller) { c.handler = h }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithMaxTasks bounds concurrent outbound event sends. Events arriving while
// the pool is full are dropped.
func WithMaxTasks(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxTasks = n
		}
	}
}

// New loads the configuration and prepares a Disconnected session. It does
// not connect; call Start.
//
// Parameters:
//   - load: Configuration source, re-read on Reload
//   - opts: Sink, command handler, logger and pool size
//
// Returns:
//   - The controller; call Close when done
//   - A configuration or session error
func New(load Loader, opts ...Option) (*Controller, error) {
	c := &Controller{
		load:     load,
		logger:   logger.Nop(),
		roster:   roster.New(),
		maxTasks: DefaultMaxTasks,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.logger = c.logger.With(logger.F("component", "lifecycle"))

	cfg, err := load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	sess, err := c.newSession(cfg)
	if err != nil {
		return nil, err
	}

	c.cfg, c.session = cfg, sess
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.tasks = new(errgroup.Group)
	c.tasks.SetLimit(c.maxTasks)
	return c, nil
}

// Start connects and logs in unless the session is online or another Start
// is in flight, in which case it returns false at once. Failures are logged
// and leave the session Disconnected.
//
// Returns:
//   - true if this call brought the client online
func (c *Controller) Start(ctx context.Context) bool {
	if !c.starting.CompareAndSwap(false, true) {
		c.logger.Debug("start already in progress")
		return false
	}
	defer c.starting.Store(false)

	return c.start(ctx)
}

// Stop closes the session. It is a no-op while offline.
func (c *Controller) Stop(graceful bool) {
	c.current().Stop(graceful)
}

// Reload stops the session, re-reads the configuration, swaps in a fresh
// session and starts it. On a configuration error the client stays offline
// with its previous settings.
func (c *Controller) Reload(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}

	c.Stop(true)

	// A Start in flight observes the Stop and releases the guard promptly.
	for !c.starting.CompareAndSwap(false, true) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	defer c.starting.Store(false)

	c.Stop(true)

	cfg, err := c.load()
	if err != nil {
		c.logger.Error("reload failed", logger.Err(err))
		return fmt.Errorf("load config: %w", err)
	}

	sess, err := c.newSession(cfg)
	if err != nil {
		c.logger.Error("reload failed", logger.Err(err))
		return err
	}

	c.mu.Lock()
	c.cfg, c.session = cfg, sess
	c.mu.Unlock()

	c.logger.Info("configuration reloaded", logger.F("hub", cfg.Address().String()), logger.F("name", cfg.Name))
	c.start(ctx)
	return nil
}

// IsOnline reports whether the session is logged in.
func (c *Controller) IsOnline() bool {
	return c.current().IsOnline()
}

// Status returns a snapshot of the session and player roster.
func (c *Controller) Status() Status {
	sess := c.current()
	state := sess.State()
	return Status{
		Online:  state == session.Online,
		State:   state,
		Name:    sess.Name(),
		Address: sess.Address().String(),
		Players: c.roster.Players(),
	}
}

// Close stops accepting events, waits for pending sends, stops the session
// gracefully and waits for the receive loop to exit.
func (c *Controller) Close() error {
	c.tasksMu.Lock()
	if c.closed {
		c.tasksMu.Unlock()
		return nil
	}
	c.closed = true
	c.tasksMu.Unlock()

	err := c.tasks.Wait()
	c.Stop(true)
	c.cancel()
	c.loops.Wait()
	c.logger.Info("controller closed")
	return err
}

func (c *Controller) start(ctx context.Context) (online bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("start panicked", logger.F("panic", fmt.Sprint(r)))
			online = false
		}
	}()

	if c.isClosed() {
		return false
	}

	c.mu.RLock()
	sess, cfg := c.session, c.cfg
	c.mu.RUnlock()

	if sess.IsOnline() {
		return false
	}

	if err := sess.Connect(ctx, cfg.ConnectTimeoutDuration()); err != nil {
		c.logger.Warn("failed to connect to hub", logger.Err(err))
		return false
	}

	result, err := sess.AwaitLoginResult(cfg.LoginTimeoutDuration())
	if err != nil {
		c.logger.Warn("login failed", logger.Err(err))
		sess.Stop(false)
		return false
	}

	if result != session.LoginSuccess {
		c.logger.Warn("login rejected by hub", logger.F("result", result))
		sess.Stop(false)
		return false
	}

	if err := sess.Promote(); err != nil {
		c.logger.Warn("cannot go online", logger.Err(err))
		sess.Stop(false)
		return false
	}

	c.loops.Add(1)
	go c.receive(sess)
	return true
}

func (c *Controller) receive(sess *session.Session) {
	defer c.loops.Done()

	d := protocol.NewDispatcher(c.sink, c.handler, sess, c.logger)
	err := sess.ReceiveLoop(c.ctx, func(ctx context.Context, payload []byte) {
		if err := d.Dispatch(ctx, payload); err != nil {
			c.logger.Debug("inbound payload not fully handled", logger.Err(err))
		}
	})

	c.logger.Info("receive loop ended", logger.Err(err))
}

func (c *Controller) newSession(cfg config.Config) (*session.Session, error) {
	return session.New(session.Options{
		Identity:     cfg.Identity(),
		Address:      cfg.Address(),
		WriteTimeout: cfg.WriteTimeoutDuration(),
		Logger:       c.logger,
	})
}

func (c *Controller) current() *session.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

func (c *Controller) currentConfig() config.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

func (c *Controller) isClosed() bool {
	c.tasksMu.RLock()
	defer c.tasksMu.RUnlock()
	return c.closed
}
