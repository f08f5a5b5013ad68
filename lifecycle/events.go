package lifecycle

import (
	"context"
	"strings"

	"github.com/cyberinferno/go-chatbridge/logger"
	"github.com/cyberinferno/go-chatbridge/protocol"
)

// OnChatLine relays a player's chat line. Lines addressed to the client
// with ControlPrefix are skipped. With auto_start_on_chat the client is
// started first if it is offline.
func (c *Controller) OnChatLine(player, text string) {
	if fields := strings.Fields(text); len(fields) > 0 && fields[0] == ControlPrefix {
		return
	}

	autoStart := c.currentConfig().AutoStartOnChat
	c.submit("chat", func(ctx context.Context) {
		if autoStart && !c.IsOnline() {
			c.Start(ctx)
		}

		c.send(protocol.NewChatMessage(c.current().Name(), player, text))
	})
}

// OnPlayerJoined records the player and announces the join.
func (c *Controller) OnPlayerJoined(player string) {
	c.roster.Join(player)
	c.relayNotice(player + " joined " + c.current().Name())
}

// OnPlayerLeft removes the player and announces the departure.
func (c *Controller) OnPlayerLeft(player string) {
	c.roster.Leave(player)
	c.relayNotice(player + " left " + c.current().Name())
}

// OnServerStartup announces that the game server is up.
func (c *Controller) OnServerStartup() {
	c.relayNotice("Server has started up")
}

// OnServerStop announces that the game server stopped and forgets its players.
func (c *Controller) OnServerStop() {
	c.roster.Reset()
	c.relayNotice("Server stopped")
}

// relayNotice sends a status message that has no player attached.
func (c *Controller) relayNotice(text string) {
	c.submit("notice", func(ctx context.Context) {
		c.send(protocol.NewChatMessage(c.current().Name(), "", text))
	})
}

// send delivers msg if the client is online; offline messages are dropped.
func (c *Controller) send(msg protocol.ChatMessage) {
	sess := c.current()
	if !sess.IsOnline() {
		c.logger.Debug("client offline, message dropped", logger.F("message", msg.Message))
		return
	}

	c.logger.Info("sending message to hub", logger.F("player", msg.Player), logger.F("message", msg.Message))
	if err := sess.SendJSON(msg); err != nil {
		c.logger.Warn("message not sent", logger.Err(err))
	}
}

// submit runs fn on the task pool without blocking the caller.
func (c *Controller) submit(kind string, fn func(ctx context.Context)) {
	c.tasksMu.RLock()
	defer c.tasksMu.RUnlock()

	if c.closed {
		c.logger.Debug("controller closed, event dropped", logger.F("event", kind))
		return
	}

	ok := c.tasks.TryGo(func() error {
		fn(c.ctx)
		return nil
	})

	if !ok {
		c.logger.Warn("task pool full, event dropped", logger.F("event", kind))
	}
}
