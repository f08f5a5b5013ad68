// Package command answers the hub's command requests ("!!stats", "!!online")
// against the host game server. Every outcome, including failures, is
// reported as a protocol.CommandResult.
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cyberinferno/go-chatbridge/cacher"
	"github.com/cyberinferno/go-chatbridge/logger"
	"github.com/cyberinferno/go-chatbridge/protocol"
)

// Recognised commands.
const (
	StatsPrefix   = "!!stats "
	OnlineCommand = "!!online"
	// OnlineQuery is sent to the remote console to list players.
	OnlineQuery = "glist"
)

// ErrStatsSyntax is returned by ParseStats for commands not shaped like
// "!!stats rank <class> <target> [-bot] [-all]".
var ErrStatsSyntax = errors.New("bad stats command")

// StatsOptions are the flags of a stats ranking lookup.
type StatsOptions struct {
	ListBots bool
	All      bool
}

// StatsProvider looks up rankings on the host, e.g. a statistics plugin.
type StatsProvider interface {
	// QueryRank returns the ranking as text whose first line is the
	// statistic's display name, or ok=false if there is nothing to show.
	QueryRank(ctx context.Context, class, target string, opts StatsOptions) (text string, ok bool)
}

// RemoteConsole runs queries on the host's remote console (RCON).
type RemoteConsole interface {
	Enabled() bool
	Query(ctx context.Context, query string) (text string, ok bool)
}

// Lookup is a cached host answer.
type Lookup struct {
	Text  string `json:"text"`
	Found bool   `json:"found"`
}

// StatsQuery is a parsed stats command.
type StatsQuery struct {
	Class   string
	Target  string
	Options StatsOptions
}

// ParseStats parses a stats command. The -bot and -all flags may appear
// anywhere; after removing them exactly four tokens must remain:
// "!!stats", "rank", class and target.
func ParseStats(command string) (StatsQuery, error) {
	opts := StatsOptions{
		ListBots: strings.Contains(command, "-bot"),
		All:      strings.Contains(command, "-all"),
	}

	trimmed := strings.NewReplacer("-bot", "", "-all", "").Replace(command)
	tokens := strings.Fields(trimmed)
	if len(tokens) != 4 {
		return StatsQuery{}, fmt.Errorf("%w: want 4 tokens, got %d", ErrStatsSyntax, len(tokens))
	}

	if tokens[1] != "rank" {
		return StatsQuery{}, fmt.Errorf("%w: unknown stats type %q", ErrStatsSyntax, tokens[1])
	}

	return StatsQuery{Class: tokens[2], Target: tokens[3], Options: opts}, nil
}

// Handler executes hub commands. The stats provider and remote console are
// optional; a nil capability makes its command unavailable.
type Handler struct {
	stats   StatsProvider
	console RemoteConsole
	cache   cacher.Cacher[Lookup]
	ttl     time.Duration
	logger  logger.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithStatsProvider enables "!!stats".
func WithStatsProvider(p StatsProvider) Option {
	return func(h *Handler) { h.stats = p }
}

// WithRemoteConsole enables "!!online" while the console reports Enabled.
func WithRemoteConsole(c RemoteConsole) Option {
	return func(h *Handler) { h.console = c }
}

// WithCache caches host answers for ttl. A ttl of zero disables caching.
func WithCache(c cacher.Cacher[Lookup], ttl time.Duration) Option {
	return func(h *Handler) {
		h.cache = c
		h.ttl = ttl
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// NewHandler builds a Handler.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{logger: logger.Nop()}
	for _, opt := range opts {
		opt(h)
	}

	h.logger = h.logger.With(logger.F("component", "command"))
	return h
}

// Handle implements protocol.CommandHandler. It never panics.
func (h *Handler) Handle(ctx context.Context, command string) (result protocol.CommandResult) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("command failed", logger.F("command", command), logger.F("panic", fmt.Sprint(r)))
			result = protocol.Unavailable()
		}
	}()

	switch {
	case strings.HasPrefix(command, StatsPrefix):
		return h.handleStats(ctx, command)
	case strings.TrimSpace(command) == OnlineCommand:
		return h.handleOnline(ctx)
	default:
		return protocol.Unavailable()
	}
}

func (h *Handler) handleStats(ctx context.Context, command string) protocol.CommandResult {
	if h.stats == nil {
		return protocol.Unavailable()
	}

	q, err := ParseStats(command)
	if err != nil {
		h.logger.Debug("stats command not understood", logger.F("command", command), logger.Err(err))
		return protocol.NoData()
	}

	key := fmt.Sprintf("stats:%s:%s:%t:%t", q.Class, q.Target, q.Options.ListBots, q.Options.All)
	res := h.lookup(ctx, key, func(ctx context.Context) (Lookup, error) {
		text, ok := h.stats.QueryRank(ctx, q.Class, q.Target, q.Options)
		return Lookup{Text: text, Found: ok}, nil
	})

	if !res.Found || res.Text == "" {
		return protocol.NoData()
	}

	lines := strings.Split(strings.TrimSuffix(strings.ReplaceAll(res.Text, "\r\n", "\n"), "\n"), "\n")
	return protocol.StatsSuccess(lines[0], strings.Join(lines[1:], "\n"))
}

func (h *Handler) handleOnline(ctx context.Context) protocol.CommandResult {
	if h.console == nil || !h.console.Enabled() {
		return protocol.Unavailable()
	}

	res := h.lookup(ctx, "online", func(ctx context.Context) (Lookup, error) {
		text, ok := h.console.Query(ctx, OnlineQuery)
		return Lookup{Text: text, Found: ok}, nil
	})

	if !res.Found {
		return protocol.NoData()
	}

	return protocol.Success(res.Text)
}

// lookup runs fetch through the cache when one is configured. A failing
// cache backend falls back to a direct fetch.
func (h *Handler) lookup(ctx context.Context, key string, fetch cacher.FetchFunc[Lookup]) Lookup {
	if h.cache != nil && h.ttl > 0 {
		v, err := h.cache.GetOrFetch(ctx, key, h.ttl, fetch)
		if err == nil {
			return v
		}

		h.logger.Warn("command cache unavailable", logger.F("key", key), logger.Err(err))
	}

	v, _ := fetch(ctx)
	return v
}
