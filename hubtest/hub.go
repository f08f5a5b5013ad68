// Package hubtest runs an in-process ChatBridge relay hub on a loopback TCP
// port. It speaks the framed, encrypted protocol so client code can be
// exercised end to end in tests.
package hubtest

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/cyberinferno/go-chatbridge/codec"
	"github.com/cyberinferno/go-chatbridge/logger"
	"github.com/cyberinferno/go-chatbridge/protocol"
)

// LoginReplyFunc decides the hub's answer to a login request. Returning
// ok=false makes the hub stay silent.
type LoginReplyFunc func(req protocol.LoginRequest) (reply []byte, ok bool)

// AcceptAll answers every login with the success marker.
func AcceptAll(protocol.LoginRequest) ([]byte, bool) {
	return []byte(`{"action":"result","result":"` + protocol.LoginSuccess + `"}`), true
}

// Hub is a loopback relay hub. Configure fields before Start.
type Hub struct {
	Logger     logger.Logger
	Codec      codec.Codec
	LoginReply LoginReplyFunc

	listener net.Listener
	running  atomic.Bool
	nextID   atomic.Uint32
	accepted atomic.Int32
	wg       sync.WaitGroup

	mu       sync.Mutex
	sessions map[uint32]*hubSession
	logins   []protocol.LoginRequest
	received chan []byte
}

type hubSession struct {
	id      uint32
	traceID string
	conn    net.Conn
	writeMu sync.Mutex
	loginOK bool
}

// New returns a hub using the AES codec for key. Call Start to listen.
func New(key string) (*Hub, error) {
	c, err := codec.NewAESCodec(key)
	if err != nil {
		return nil, err
	}

	return &Hub{
		Logger:     logger.Nop(),
		Codec:      c,
		LoginReply: AcceptAll,
		sessions:   make(map[uint32]*hubSession),
		received:   make(chan []byte, 256),
	}, nil
}

// Start listens on 127.0.0.1 on a free port and runs the accept loop.
func (h *Hub) Start() error {
	if h.running.Load() {
		return fmt.Errorf("hub already running")
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("hub failed to start: %w", err)
	}

	h.listener = ln
	h.running.Store(true)
	h.Logger.Info("hub started", logger.F("addr", ln.Addr().String()))

	h.wg.Add(1)
	go h.acceptLoop()
	return nil
}

// Addr returns the host and port clients should dial.
func (h *Hub) Addr() (string, int) {
	addr := h.listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

// Close stops accepting, drops every client and waits for handlers to exit.
// Safe to call more than once.
func (h *Hub) Close() {
	if !h.running.CompareAndSwap(true, false) {
		return
	}

	_ = h.listener.Close()

	h.mu.Lock()
	for _, s := range h.sessions {
		_ = s.conn.Close()
	}
	h.mu.Unlock()

	h.wg.Wait()
}

// Connections returns how many TCP connections the hub has accepted.
func (h *Hub) Connections() int {
	return int(h.accepted.Load())
}

// Clients returns how many clients are currently connected.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// LoggedIn returns how many connected clients passed login.
func (h *Hub) LoggedIn() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, s := range h.sessions {
		if s.loginOK {
			n++
		}
	}

	return n
}

// Logins returns every login request seen so far.
func (h *Hub) Logins() []protocol.LoginRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]protocol.LoginRequest, len(h.logins))
	copy(out, h.logins)
	return out
}

// Received delivers every post-login payload clients send, in arrival order
// per connection.
func (h *Hub) Received() <-chan []byte {
	return h.received
}

// Next waits up to timeout for the next received payload.
func (h *Hub) Next(timeout time.Duration) ([]byte, bool) {
	select {
	case p := <-h.received:
		return p, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Broadcast sends payload to every logged-in client.
func (h *Hub) Broadcast(payload []byte) error {
	h.mu.Lock()
	targets := make([]*hubSession, 0, len(h.sessions))
	for _, s := range h.sessions {
		if s.loginOK {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	if len(targets) == 0 {
		return fmt.Errorf("no logged-in clients")
	}

	for _, s := range targets {
		if err := h.send(s, payload); err != nil {
			return err
		}
	}

	return nil
}

// BroadcastJSON marshals v and broadcasts it.
func (h *Hub) BroadcastJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return h.Broadcast(data)
}

// WaitFor polls cond every few milliseconds until it holds or timeout passes.
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}

	return cond()
}

func (h *Hub) acceptLoop() {
	defer h.wg.Done()

	for h.running.Load() {
		conn, err := h.listener.Accept()
		if err != nil {
			if !h.running.Load() {
				return
			}

			h.Logger.Error("hub accept error", logger.Err(err))
			continue
		}

		s := &hubSession{id: h.nextID.Add(1), traceID: uuid.NewString(), conn: conn}
		h.accepted.Add(1)
		h.mu.Lock()
		h.sessions[s.id] = s
		h.mu.Unlock()

		h.wg.Add(1)
		go h.handle(s)
	}
}

func (h *Hub) handle(s *hubSession) {
	defer h.wg.Done()
	defer func() {
		_ = s.conn.Close()
		h.mu.Lock()
		delete(h.sessions, s.id)
		h.mu.Unlock()
	}()

	log := h.Logger.With(logger.F("hub_session", s.id), logger.F("trace_id", s.traceID))

	for {
		plain, err := codec.ReadMessage(s.conn, h.Codec)
		if err != nil {
			log.Debug("hub session closed", logger.Err(err))
			return
		}

		if gjson.GetBytes(plain, "action").String() == protocol.ActionLogin {
			h.login(s, plain, log)
			continue
		}

		select {
		case h.received <- plain:
		default:
			log.Warn("hub receive buffer full, dropping payload")
		}
	}
}

func (h *Hub) login(s *hubSession, plain []byte, log logger.Logger) {
	var req protocol.LoginRequest
	if err := json.Unmarshal(plain, &req); err != nil {
		log.Warn("bad login request", logger.Err(err))
		return
	}

	h.mu.Lock()
	h.logins = append(h.logins, req)
	h.mu.Unlock()

	reply, ok := h.LoginReply(req)
	if !ok {
		return
	}

	if err := h.send(s, reply); err != nil {
		log.Warn("login reply not sent", logger.Err(err))
		return
	}

	if gjson.GetBytes(reply, "result").String() == protocol.LoginSuccess {
		h.mu.Lock()
		s.loginOK = true
		h.mu.Unlock()
	}
}

func (h *Hub) send(s *hubSession, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return codec.WriteMessage(s.conn, h.Codec, payload)
}
