// Package protocol defines the ChatBridge wire envelopes exchanged with the
// relay hub and dispatches inbound envelopes to the chat sink or the command
// handler.
package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Envelope actions.
const (
	ActionLogin   = "login"
	ActionResult  = "result"
	ActionMessage = "message"
	ActionStop    = "stop"
)

// LoginSuccess is the only login result the hub sends for accepted credentials.
const LoginSuccess = "login success"

// ErrMalformedEnvelope is returned by Decode for payloads that are not a JSON object.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// LoginRequest is the first frame a client sends after connecting.
type LoginRequest struct {
	Action   string `json:"action"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

// NewLoginRequest builds the login frame for the given credentials.
func NewLoginRequest(name, password string) LoginRequest {
	return LoginRequest{Action: ActionLogin, Name: name, Password: password}
}

// ChatMessage relays one chat or status line to the hub. Player is empty for
// synthetic status messages.
type ChatMessage struct {
	Action  string `json:"action"`
	Type    string `json:"type"`
	Client  string `json:"client"`
	Player  string `json:"player"`
	Message string `json:"message"`
}

// NewChatMessage builds an outbound message envelope.
func NewChatMessage(client, player, message string) ChatMessage {
	return ChatMessage{
		Action:  ActionMessage,
		Type:    ActionMessage,
		Client:  client,
		Player:  player,
		Message: message,
	}
}

// StopNotice tells the hub the client is disconnecting on purpose.
type StopNotice struct {
	Action string `json:"action"`
}

// NewStopNotice builds the orderly-disconnect frame.
func NewStopNotice() StopNotice {
	return StopNotice{Action: ActionStop}
}

// Kind tags a decoded inbound envelope.
type Kind int

const (
	KindUnknown Kind = iota
	KindMessage
	KindCommand
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindCommand:
		return "command"
	default:
		return "unknown"
	}
}

// Envelope is one decoded inbound unit. Lines is set for KindMessage,
// Command for KindCommand. Raw always holds the plaintext JSON exactly as
// received so command responses can echo it.
type Envelope struct {
	Kind    Kind
	Lines   []string
	Command string
	Raw     []byte
}

// Decode classifies a plaintext payload. Anything carrying a string
// "command" field is a command request; an "action" or "type" of "message"
// is a chat relay; other valid objects decode as KindUnknown.
//
// Parameters:
//   - data: Decrypted frame body
//
// Returns:
//   - The decoded Envelope
//   - ErrMalformedEnvelope (wrapped) if data is not a JSON object
func Decode(data []byte) (Envelope, error) {
	if !gjson.ValidBytes(data) {
		return Envelope{}, fmt.Errorf("%w: invalid json", ErrMalformedEnvelope)
	}

	parsed := gjson.ParseBytes(data)
	if !parsed.IsObject() {
		return Envelope{}, fmt.Errorf("%w: not an object", ErrMalformedEnvelope)
	}

	raw := make([]byte, len(data))
	copy(raw, data)
	env := Envelope{Raw: raw}

	if cmd := parsed.Get("command"); cmd.Type == gjson.String {
		env.Kind = KindCommand
		env.Command = cmd.Str
		return env, nil
	}

	if parsed.Get("action").String() == ActionMessage || parsed.Get("type").String() == ActionMessage {
		env.Kind = KindMessage
		env.Lines = messageLines(parsed)
	}

	return env, nil
}

// messageLines renders a message envelope as display lines. An explicit
// "lines" array wins; otherwise each line of "message" is prefixed with
// "[client] <player> ".
func messageLines(parsed gjson.Result) []string {
	if lines := parsed.Get("lines"); lines.IsArray() {
		var out []string
		for _, l := range lines.Array() {
			out = append(out, l.String())
		}

		return out
	}

	var prefix strings.Builder
	if client := parsed.Get("client").String(); client != "" {
		prefix.WriteString("[" + client + "] ")
	}

	if player := parsed.Get("player").String(); player != "" {
		prefix.WriteString("<" + player + "> ")
	}

	text := strings.ReplaceAll(parsed.Get("message").String(), "\r\n", "\n")
	var out []string
	for _, line := range strings.Split(text, "\n") {
		out = append(out, prefix.String()+line)
	}

	return out
}
