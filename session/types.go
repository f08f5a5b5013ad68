package session

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/cyberinferno/go-chatbridge/protocol"
)

// LoginSuccess is the only login result that brings a session online.
const LoginSuccess = protocol.LoginSuccess

// Connection errors reported by Connect and AwaitLoginResult. Callers classify
// with errors.Is.
var (
	ErrNetwork      = errors.New("network error")
	ErrTimeout      = errors.New("timed out")
	ErrMalformed    = errors.New("malformed reply")
	ErrNotConnected = errors.New("not connected")
	ErrInvalid      = errors.New("invalid session settings")
)

// State is a step of the session lifecycle.
type State int

const (
	Disconnected        State = iota // No socket
	Connecting                       // Dialing and sending the login request
	AwaitingLoginResult              // Login sent, waiting for the hub's verdict
	Online                           // Logged in; receive loop may run
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case AwaitingLoginResult:
		return "AwaitingLoginResult"
	case Online:
		return "Online"
	default:
		return "Unknown"
	}
}

// Identity is the client's credentials and shared secret.
type Identity struct {
	Name     string
	Password string
	AESKey   string
}

// Validate reports an error if name or password is empty.
func (i Identity) Validate() error {
	if i.Name == "" {
		return fmt.Errorf("%w: empty client name", ErrInvalid)
	}

	if i.Password == "" {
		return fmt.Errorf("%w: empty password", ErrInvalid)
	}

	return nil
}

// Address is the relay hub endpoint.
type Address struct {
	Host string
	Port int
}

// Validate reports an error for an empty host or a port outside [1, 65535].
func (a Address) Validate() error {
	if a.Host == "" {
		return fmt.Errorf("%w: empty server hostname", ErrInvalid)
	}

	if a.Port < 1 || a.Port > 65535 {
		return fmt.Errorf("%w: server port %d out of range", ErrInvalid, a.Port)
	}

	return nil
}

// String returns "host:port".
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}
