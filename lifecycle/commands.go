package lifecycle

import (
	"context"
	"strings"
)

// Host command names, accepted bare or after ControlPrefix.
const (
	CmdStatus = "status"
	CmdStart  = "start"
	CmdStop   = "stop"
	CmdReload = "reload"
)

// HelpText lists the host commands.
const HelpText = ControlPrefix + " status: show client status\n" +
	ControlPrefix + " reload: reload the config file and reconnect\n" +
	ControlPrefix + " start: start the client\n" +
	ControlPrefix + " stop: stop the client"

// Exec runs a host command such as "status" or "!!ChatBridge reload" and
// returns the reply for the operator. ok is false when line is not a host
// command. ControlPrefix alone returns HelpText.
func (c *Controller) Exec(ctx context.Context, line string) (reply string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) > 0 && fields[0] == ControlPrefix {
		fields = fields[1:]
		if len(fields) == 0 {
			return HelpText, true
		}
	}

	if len(fields) != 1 {
		return "", false
	}

	switch fields[0] {
	case CmdStatus:
	case CmdStart:
		c.Start(ctx)
	case CmdStop:
		c.Stop(true)
	case CmdReload:
		if err := c.Reload(ctx); err != nil {
			return "reload failed: " + err.Error() + "\n" + c.Status().String(), true
		}
	default:
		return "", false
	}

	return c.Status().String(), true
}
