// Command chatbridge-client runs a ChatBridge client in console mode: chat
// from the hub is printed to stdout, and each stdin line is either a host
// command (status, start, stop, reload) or a message relayed to the hub.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cyberinferno/go-chatbridge/cacher"
	"github.com/cyberinferno/go-chatbridge/command"
	"github.com/cyberinferno/go-chatbridge/config"
	"github.com/cyberinferno/go-chatbridge/lifecycle"
	"github.com/cyberinferno/go-chatbridge/logger"
)

const serviceName = "ChatBridge_client"

// consoleSink prints relayed chat lines.
type consoleSink struct {
	w io.Writer
}

func (s consoleSink) RelayIncomingLine(line string) error {
	_, err := fmt.Fprintln(s.w, line)
	return err
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", config.DefaultFile, "path to the client config file")
	flag.Parse()

	fmt.Printf("[ChatBridge] Config File = %s\n", *configPath)
	cfg, err := config.Load(*configPath)
	if errors.Is(err, config.ErrMissing) {
		fmt.Fprintf(os.Stderr, "[ChatBridge] %v; edit it and restart\n", err)
		return 1
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "[ChatBridge] %v\n", err)
		return 1
	}

	log, err := logger.NewFileLogger(serviceName, cfg.LogDir, logger.ParseLevel(cfg.LogLevel), os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[ChatBridge] %v\n", err)
		return 1
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cache, closeCache := newCommandCache(ctx, cfg, log)
	defer closeCache()

	handler := command.NewHandler(
		command.WithCache(cache, cfg.CommandCacheTTLDuration()),
		command.WithLogger(log),
	)

	ctrl, err := lifecycle.New(
		func() (config.Config, error) { return config.Load(*configPath) },
		lifecycle.WithLineSink(consoleSink{w: os.Stdout}),
		lifecycle.WithCommandHandler(handler),
		lifecycle.WithLogger(log),
	)
	if err != nil {
		log.Error("cannot create client", logger.Err(err))
		return 1
	}
	defer func() {
		if err := ctrl.Close(); err != nil {
			log.Warn("close failed", logger.Err(err))
		}
	}()

	if cfg.WatchConfig {
		w, err := config.NewWatcher(*configPath, config.DefaultDebounce, func() {
			if err := ctrl.Reload(ctx); err != nil {
				log.Warn("reload after config change failed", logger.Err(err))
			}
		}, log)
		if err != nil {
			log.Warn("config watch disabled", logger.Err(err))
		} else {
			defer w.Close()
		}
	}

	go ctrl.Start(ctx)

	lines := readLines(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return 0
		case line, ok := <-lines:
			if !ok {
				log.Info("stdin closed, shutting down")
				return 0
			}

			if reply, ok := ctrl.Exec(ctx, line); ok {
				fmt.Println(reply)
				continue
			}

			ctrl.OnChatLine("", line)
		}
	}
}

// newCommandCache returns a Redis-backed cache when redis_addr is set and
// reachable, and an in-memory one otherwise.
func newCommandCache(ctx context.Context, cfg config.Config, log logger.Logger) (cacher.Cacher[command.Lookup], func()) {
	ttl := cfg.CommandCacheTTLDuration()
	memory := func() (cacher.Cacher[command.Lookup], func()) {
		return cacher.NewMemoryCacher[command.Lookup](ttl, time.Minute), func() {}
	}

	if cfg.RedisAddr == "" {
		return memory()
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis unavailable, caching commands in memory", logger.F("addr", cfg.RedisAddr), logger.Err(err))
		_ = client.Close()
		return memory()
	}

	log.Info("caching commands in redis", logger.F("addr", cfg.RedisAddr))
	return cacher.NewRedisCacher[command.Lookup](client, "chatbridge:"+cfg.Name+":"), func() { _ = client.Close() }
}

// readLines streams stdin lines until EOF.
func readLines(r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			out <- scanner.Text()
		}
	}()

	return out
}
