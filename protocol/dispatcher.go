package protocol

import (
	"context"
	"fmt"

	"github.com/cyberinferno/go-chatbridge/logger"
)

// LineSink receives chat lines relayed from the hub, e.g. to broadcast them to
// players on the game server.
type LineSink interface {
	RelayIncomingLine(line string) error
}

// CommandHandler executes a hub command locally.
type CommandHandler interface {
	Handle(ctx context.Context, command string) CommandResult
}

// Sender writes one plaintext payload back to the hub.
type Sender interface {
	Send(payload []byte) error
}

// Dispatcher routes decoded inbound envelopes. It is called from a single
// receive loop, so envelopes are handled strictly in arrival order.
type Dispatcher struct {
	sink    LineSink
	handler CommandHandler
	sender  Sender
	logger  logger.Logger
}

// NewDispatcher wires a dispatcher. A nil sink drops chat lines; a nil
// handler answers every command as unavailable.
func NewDispatcher(sink LineSink, handler CommandHandler, sender Sender, log logger.Logger) *Dispatcher {
	return &Dispatcher{
		sink:    sink,
		handler: handler,
		sender:  sender,
		logger:  log.With(logger.F("component", "dispatcher")),
	}
}

// Dispatch decodes payload and acts on it.
//
// Parameters:
//   - ctx: Passed through to the command handler
//   - payload: Decrypted frame body
//
// Returns:
//   - An error if the payload is malformed, some chat lines could not be
//     delivered, or the command response could not be sent
func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte) error {
	env, err := Decode(payload)
	if err != nil {
		d.logger.Warn("dropping inbound payload", logger.Err(err))
		return err
	}

	switch env.Kind {
	case KindMessage:
		return d.relay(env.Lines)
	case KindCommand:
		return d.respond(ctx, env)
	default:
		d.logger.Debug("ignoring envelope", logger.F("payload", string(env.Raw)))
		return nil
	}
}

// relay delivers every line in order; a failed line does not stop the rest.
func (d *Dispatcher) relay(lines []string) error {
	if d.sink == nil {
		d.logger.Debug("no chat sink, dropping lines", logger.F("lines", len(lines)))
		return nil
	}

	failed := 0
	for _, line := range lines {
		d.logger.Info(line)
		if err := d.sink.RelayIncomingLine(line); err != nil {
			failed++
			d.logger.Warn("chat line not delivered", logger.F("line", line), logger.Err(err))
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d chat lines not delivered", failed, len(lines))
	}

	return nil
}

func (d *Dispatcher) respond(ctx context.Context, env Envelope) error {
	result := d.execute(ctx, env.Command)

	response, err := MergeResult(env.Raw, result)
	if err != nil {
		d.logger.Error("cannot build command response", logger.F("command", env.Command), logger.Err(err))
		return err
	}

	d.logger.Info("command received, responding", logger.F("command", env.Command), logger.F("response", string(response)))
	if err := d.sender.Send(response); err != nil {
		d.logger.Warn("command response not sent", logger.F("command", env.Command), logger.Err(err))
		return fmt.Errorf("send command response: %w", err)
	}

	return nil
}

// execute runs the handler, mapping a missing handler or a panic to type 2.
func (d *Dispatcher) execute(ctx context.Context, command string) (result CommandResult) {
	if d.handler == nil {
		return Unavailable()
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("command handler panicked", logger.F("command", command), logger.F("panic", fmt.Sprint(r)))
			result = Unavailable()
		}
	}()

	return d.handler.Handle(ctx, command)
}
