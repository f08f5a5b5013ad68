package command

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-chatbridge/cacher"
	"github.com/cyberinferno/go-chatbridge/protocol"
)

type fakeStats struct {
	text  string
	ok    bool
	calls atomic.Int32
	got   StatsQuery
	panic bool
}

func (f *fakeStats) QueryRank(ctx context.Context, class, target string, opts StatsOptions) (string, bool) {
	f.calls.Add(1)
	if f.panic {
		panic("stats plugin crashed")
	}
	f.got = StatsQuery{Class: class, Target: target, Options: opts}
	return f.text, f.ok
}

type fakeConsole struct {
	enabled bool
	text    string
	ok      bool
	queries []string
}

func (f *fakeConsole) Enabled() bool { return f.enabled }

func (f *fakeConsole) Query(ctx context.Context, query string) (string, bool) {
	f.queries = append(f.queries, query)
	return f.text, f.ok
}

type failingCache struct{}

func (failingCache) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn cacher.FetchFunc[Lookup]) (Lookup, error) {
	return Lookup{}, assert.AnError
}

func (failingCache) Delete(ctx context.Context, key string) error { return assert.AnError }
func (failingCache) Clear(ctx context.Context) error              { return assert.AnError }

func resultText(t *testing.T, r protocol.CommandResult) string {
	t.Helper()
	require.NotNil(t, r.Result)
	return *r.Result
}

func TestParseStats(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		q, err := ParseStats("!!stats rank used diamond_pickaxe")
		require.NoError(t, err)
		assert.Equal(t, StatsQuery{Class: "used", Target: "diamond_pickaxe"}, q)
	})

	t.Run("flags anywhere", func(t *testing.T) {
		q, err := ParseStats("!!stats rank -bot mined -all stone")
		require.NoError(t, err)
		assert.Equal(t, StatsQuery{Class: "mined", Target: "stone", Options: StatsOptions{ListBots: true, All: true}}, q)
	})

	t.Run("syntax errors", func(t *testing.T) {
		for _, cmd := range []string{
			"!!stats rank",
			"!!stats rank used",
			"!!stats rank used stone extra",
			"!!stats list used stone",
		} {
			_, err := ParseStats(cmd)
			assert.ErrorIs(t, err, ErrStatsSyntax, cmd)
		}
	})
}

func TestHandler_Stats(t *testing.T) {
	ctx := context.Background()

	t.Run("provider answer is split into name and payload", func(t *testing.T) {
		stats := &fakeStats{text: "Used Diamond Pickaxe\n1. Steve 40\n2. Alex 12\n", ok: true}
		h := NewHandler(WithStatsProvider(stats))

		r := h.Handle(ctx, "!!stats rank someClass someTarget")
		assert.True(t, r.Responded)
		assert.Equal(t, protocol.ResultOK, r.Type)
		assert.Equal(t, "Used Diamond Pickaxe", r.StatsName)
		assert.Equal(t, "1. Steve 40\n2. Alex 12", resultText(t, r))
		assert.Equal(t, StatsQuery{Class: "someClass", Target: "someTarget"}, stats.got)
	})

	t.Run("flags reach the provider", func(t *testing.T) {
		stats := &fakeStats{text: "Killed\n1. Steve 3", ok: true}
		h := NewHandler(WithStatsProvider(stats))

		r := h.Handle(ctx, "!!stats rank killed zombie -bot -all")
		assert.Equal(t, protocol.ResultOK, r.Type)
		assert.Equal(t, StatsOptions{ListBots: true, All: true}, stats.got.Options)
	})

	t.Run("too few tokens is no data", func(t *testing.T) {
		stats := &fakeStats{text: "x", ok: true}
		h := NewHandler(WithStatsProvider(stats))

		r := h.Handle(ctx, "!!stats rank")
		assert.Equal(t, protocol.ResultNoData, r.Type)
		assert.Nil(t, r.Result)
		assert.Equal(t, int32(0), stats.calls.Load())
	})

	t.Run("provider finds nothing", func(t *testing.T) {
		h := NewHandler(WithStatsProvider(&fakeStats{ok: false}))
		assert.Equal(t, protocol.ResultNoData, h.Handle(ctx, "!!stats rank used stone").Type)
	})

	t.Run("no provider is unavailable", func(t *testing.T) {
		h := NewHandler()
		assert.Equal(t, protocol.ResultUnavailable, h.Handle(ctx, "!!stats rank used stone").Type)
	})

	t.Run("panicking provider is unavailable", func(t *testing.T) {
		h := NewHandler(WithStatsProvider(&fakeStats{panic: true}))
		r := h.Handle(ctx, "!!stats rank used stone")
		assert.True(t, r.Responded)
		assert.Equal(t, protocol.ResultUnavailable, r.Type)
	})
}

func TestHandler_Online(t *testing.T) {
	ctx := context.Background()

	t.Run("console disabled", func(t *testing.T) {
		console := &fakeConsole{enabled: false, text: "x", ok: true}
		h := NewHandler(WithRemoteConsole(console))

		assert.Equal(t, protocol.ResultUnavailable, h.Handle(ctx, "!!online").Type)
		assert.Empty(t, console.queries)
	})

	t.Run("no console", func(t *testing.T) {
		assert.Equal(t, protocol.ResultUnavailable, NewHandler().Handle(ctx, "!!online").Type)
	})

	t.Run("player list", func(t *testing.T) {
		console := &fakeConsole{enabled: true, text: "[survival] (2): Steve, Alex", ok: true}
		h := NewHandler(WithRemoteConsole(console))

		r := h.Handle(ctx, "!!online")
		assert.Equal(t, protocol.ResultOK, r.Type)
		assert.Equal(t, "[survival] (2): Steve, Alex", resultText(t, r))
		assert.Equal(t, []string{OnlineQuery}, console.queries)
	})

	t.Run("console returns nothing", func(t *testing.T) {
		h := NewHandler(WithRemoteConsole(&fakeConsole{enabled: true}))
		assert.Equal(t, protocol.ResultNoData, h.Handle(ctx, "!!online").Type)
	})
}

func TestHandler_Unsupported(t *testing.T) {
	h := NewHandler(WithStatsProvider(&fakeStats{}), WithRemoteConsole(&fakeConsole{enabled: true}))
	for _, cmd := range []string{"", "!!help", "!!stats", "!!onlinex", "hello"} {
		r := h.Handle(context.Background(), cmd)
		assert.True(t, r.Responded, cmd)
		assert.Equal(t, protocol.ResultUnavailable, r.Type, cmd)
	}
}

func TestHandler_Cache(t *testing.T) {
	ctx := context.Background()

	t.Run("repeated queries hit the console once", func(t *testing.T) {
		console := &fakeConsole{enabled: true, text: "list", ok: true}
		c := cacher.NewMemoryCacher[Lookup](cache.NoExpiration, time.Minute)
		h := NewHandler(WithRemoteConsole(console), WithCache(c, time.Minute))

		for i := 0; i < 3; i++ {
			assert.Equal(t, protocol.ResultOK, h.Handle(ctx, "!!online").Type)
		}
		assert.Len(t, console.queries, 1)
	})

	t.Run("zero ttl bypasses the cache", func(t *testing.T) {
		console := &fakeConsole{enabled: true, text: "list", ok: true}
		c := cacher.NewMemoryCacher[Lookup](cache.NoExpiration, time.Minute)
		h := NewHandler(WithRemoteConsole(console), WithCache(c, 0))

		h.Handle(ctx, "!!online")
		h.Handle(ctx, "!!online")
		assert.Len(t, console.queries, 2)
	})

	t.Run("stats keys include flags", func(t *testing.T) {
		stats := &fakeStats{text: "Name\nrow", ok: true}
		c := cacher.NewMemoryCacher[Lookup](cache.NoExpiration, time.Minute)
		h := NewHandler(WithStatsProvider(stats), WithCache(c, time.Minute))

		h.Handle(ctx, "!!stats rank used stone")
		h.Handle(ctx, "!!stats rank used stone")
		h.Handle(ctx, "!!stats rank used stone -bot")
		assert.Equal(t, int32(2), stats.calls.Load())
	})

	t.Run("failing cache falls back to the host", func(t *testing.T) {
		console := &fakeConsole{enabled: true, text: "list", ok: true}
		h := NewHandler(WithRemoteConsole(console), WithCache(failingCache{}, time.Minute))

		r := h.Handle(ctx, "!!online")
		assert.Equal(t, protocol.ResultOK, r.Type)
		assert.Len(t, console.queries, 1)
	})
}
