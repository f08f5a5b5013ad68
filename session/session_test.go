package session

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-chatbridge/hubtest"
	"github.com/cyberinferno/go-chatbridge/protocol"
)

const testKey = "ThisIsTheSecret"

func startHub(t *testing.T, reply hubtest.LoginReplyFunc) *hubtest.Hub {
	t.Helper()

	hub, err := hubtest.New(testKey)
	require.NoError(t, err)
	if reply != nil {
		hub.LoginReply = reply
	}
	require.NoError(t, hub.Start())
	t.Cleanup(hub.Close)
	return hub
}

func newSession(t *testing.T, hub *hubtest.Hub) *Session {
	t.Helper()

	host, port := hub.Addr()
	s, err := New(Options{
		Identity: Identity{Name: "survival", Password: "pw", AESKey: testKey},
		Address:  Address{Host: host, Port: port},
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Stop(false) })
	return s
}

func goOnline(t *testing.T, s *Session) {
	t.Helper()

	require.NoError(t, s.Connect(context.Background(), time.Second))
	result, err := s.AwaitLoginResult(time.Second)
	require.NoError(t, err)
	require.Equal(t, LoginSuccess, result)
	require.NoError(t, s.Promote())
}

func reply(body string) hubtest.LoginReplyFunc {
	return func(protocol.LoginRequest) ([]byte, bool) { return []byte(body), true }
}

func silent(protocol.LoginRequest) ([]byte, bool) { return nil, false }

func TestNew(t *testing.T) {
	valid := Options{
		Identity: Identity{Name: "survival", Password: "pw", AESKey: testKey},
		Address:  Address{Host: "localhost", Port: 30001},
	}

	t.Run("valid options", func(t *testing.T) {
		s, err := New(valid)
		require.NoError(t, err)
		assert.Equal(t, Disconnected, s.State())
		assert.False(t, s.IsOnline())
		assert.Equal(t, "survival", s.Name())
		assert.Equal(t, "localhost:30001", s.Address().String())
	})

	t.Run("invalid identity or address", func(t *testing.T) {
		cases := map[string]func(o *Options){
			"empty name":     func(o *Options) { o.Identity.Name = "" },
			"empty password": func(o *Options) { o.Identity.Password = "" },
			"empty aes key":  func(o *Options) { o.Identity.AESKey = "" },
			"empty host":     func(o *Options) { o.Address.Host = "" },
			"port zero":      func(o *Options) { o.Address.Port = 0 },
			"port too large": func(o *Options) { o.Address.Port = 65536 },
		}

		for name, mutate := range cases {
			t.Run(name, func(t *testing.T) {
				o := valid
				mutate(&o)
				_, err := New(o)
				assert.ErrorIs(t, err, ErrInvalid)
			})
		}
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Disconnected", Disconnected.String())
	assert.Equal(t, "Connecting", Connecting.String())
	assert.Equal(t, "AwaitingLoginResult", AwaitingLoginResult.String())
	assert.Equal(t, "Online", Online.String())
	assert.Equal(t, "Unknown", State(42).String())
}

func TestAddressString(t *testing.T) {
	assert.Equal(t, "[::1]:30001", Address{Host: "::1", Port: 30001}.String())
}

func TestSession_Login(t *testing.T) {
	t.Run("successful login goes online", func(t *testing.T) {
		hub := startHub(t, nil)
		s := newSession(t, hub)

		require.NoError(t, s.Connect(context.Background(), time.Second))
		assert.Equal(t, Connecting, s.State())

		result, err := s.AwaitLoginResult(time.Second)
		require.NoError(t, err)
		assert.Equal(t, LoginSuccess, result)
		assert.Equal(t, AwaitingLoginResult, s.State())
		assert.False(t, s.IsOnline())

		require.NoError(t, s.Promote())
		assert.True(t, s.IsOnline())

		logins := hub.Logins()
		require.Len(t, logins, 1)
		assert.Equal(t, protocol.NewLoginRequest("survival", "pw"), logins[0])
	})

	t.Run("rejected login returns the hub's text", func(t *testing.T) {
		hub := startHub(t, reply(`{"action":"result","result":"login fail"}`))
		s := newSession(t, hub)

		require.NoError(t, s.Connect(context.Background(), time.Second))
		result, err := s.AwaitLoginResult(time.Second)
		require.NoError(t, err)
		assert.Equal(t, "login fail", result)
		assert.False(t, s.IsOnline())
	})

	t.Run("no reply times out", func(t *testing.T) {
		hub := startHub(t, silent)
		s := newSession(t, hub)

		require.NoError(t, s.Connect(context.Background(), time.Second))
		_, err := s.AwaitLoginResult(100 * time.Millisecond)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Equal(t, Disconnected, s.State())
	})

	t.Run("unparseable reply is malformed", func(t *testing.T) {
		for _, body := range []string{`not json`, `{"other":"field"}`, `{"result":7}`} {
			hub := startHub(t, reply(body))
			s := newSession(t, hub)

			require.NoError(t, s.Connect(context.Background(), time.Second))
			_, err := s.AwaitLoginResult(time.Second)
			assert.ErrorIs(t, err, ErrMalformed, body)
			assert.Equal(t, Disconnected, s.State())
		}
	})

	t.Run("refused connection is a network error", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := ln.Addr().(*net.TCPAddr).Port
		require.NoError(t, ln.Close())

		s, err := New(Options{
			Identity: Identity{Name: "survival", Password: "pw", AESKey: testKey},
			Address:  Address{Host: "127.0.0.1", Port: port},
		})
		require.NoError(t, err)

		err = s.Connect(context.Background(), time.Second)
		assert.ErrorIs(t, err, ErrNetwork)
		assert.Equal(t, Disconnected, s.State())
	})

	t.Run("await without connect", func(t *testing.T) {
		hub := startHub(t, nil)
		s := newSession(t, hub)

		_, err := s.AwaitLoginResult(time.Second)
		assert.ErrorIs(t, err, ErrNetwork)
		assert.ErrorIs(t, s.Promote(), ErrNotConnected)
	})

	t.Run("second connect while connecting is refused", func(t *testing.T) {
		hub := startHub(t, silent)
		s := newSession(t, hub)

		require.NoError(t, s.Connect(context.Background(), time.Second))
		assert.ErrorIs(t, s.Connect(context.Background(), time.Second), ErrNetwork)
	})
}

func TestSession_StopDuringLogin(t *testing.T) {
	hub := startHub(t, silent)
	s := newSession(t, hub)

	require.NoError(t, s.Connect(context.Background(), time.Second))

	done := make(chan error, 1)
	go func() {
		_, err := s.AwaitLoginResult(5 * time.Second)
		done <- err
	}()

	require.True(t, hubtest.WaitFor(time.Second, func() bool { return s.State() == AwaitingLoginResult }))
	s.Stop(true)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrNetwork)
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitLoginResult did not return after Stop")
	}

	assert.Equal(t, Disconnected, s.State())
}

func TestSession_SendAndReceive(t *testing.T) {
	t.Run("send requires online", func(t *testing.T) {
		hub := startHub(t, nil)
		s := newSession(t, hub)
		assert.ErrorIs(t, s.Send([]byte(`{}`)), ErrNotConnected)
	})

	t.Run("send reaches the hub", func(t *testing.T) {
		hub := startHub(t, nil)
		s := newSession(t, hub)
		goOnline(t, s)

		require.NoError(t, s.SendJSON(protocol.NewChatMessage("survival", "Steve", "hello")))

		got, ok := hub.Next(time.Second)
		require.True(t, ok)
		assert.JSONEq(t, `{"action":"message","type":"message","client":"survival","player":"Steve","message":"hello"}`, string(got))
	})

	t.Run("receive loop forwards frames in order and ends when the hub goes away", func(t *testing.T) {
		hub := startHub(t, nil)
		s := newSession(t, hub)
		goOnline(t, s)
		require.True(t, hubtest.WaitFor(time.Second, func() bool { return hub.LoggedIn() == 1 }))

		var mu sync.Mutex
		var got []string
		done := make(chan error, 1)
		go func() {
			done <- s.ReceiveLoop(context.Background(), func(ctx context.Context, payload []byte) {
				mu.Lock()
				got = append(got, string(payload))
				mu.Unlock()
			})
		}()

		for _, p := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
			require.NoError(t, hub.Broadcast([]byte(p)))
		}

		require.True(t, hubtest.WaitFor(time.Second, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(got) == 3
		}))
		assert.Equal(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}, got)

		hub.Close()
		select {
		case err := <-done:
			assert.Error(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("receive loop did not exit")
		}
		assert.Equal(t, Disconnected, s.State())
	})

	t.Run("receive loop exits on context cancel", func(t *testing.T) {
		hub := startHub(t, nil)
		s := newSession(t, hub)
		goOnline(t, s)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- s.ReceiveLoop(ctx, func(context.Context, []byte) {}) }()

		cancel()
		select {
		case err := <-done:
			assert.Error(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("receive loop did not exit")
		}
		assert.False(t, s.IsOnline())
	})

	t.Run("receive loop requires online", func(t *testing.T) {
		hub := startHub(t, nil)
		s := newSession(t, hub)
		assert.ErrorIs(t, s.ReceiveLoop(context.Background(), func(context.Context, []byte) {}), ErrNotConnected)
	})
}

func TestSession_Stop(t *testing.T) {
	t.Run("idempotent when offline", func(t *testing.T) {
		hub := startHub(t, nil)
		s := newSession(t, hub)

		s.Stop(true)
		s.Stop(false)
		assert.Equal(t, Disconnected, s.State())
	})

	t.Run("graceful stop notifies the hub", func(t *testing.T) {
		hub := startHub(t, nil)
		s := newSession(t, hub)
		goOnline(t, s)

		s.Stop(true)
		assert.False(t, s.IsOnline())

		got, ok := hub.Next(time.Second)
		require.True(t, ok)
		assert.JSONEq(t, `{"action":"stop"}`, string(got))

		s.Stop(true)
		assert.Equal(t, Disconnected, s.State())
	})

	t.Run("session can reconnect after stop", func(t *testing.T) {
		hub := startHub(t, nil)
		s := newSession(t, hub)
		goOnline(t, s)
		s.Stop(false)

		goOnline(t, s)
		assert.True(t, s.IsOnline())
		assert.Equal(t, 2, hub.Connections())
	})
}
