package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/phsym/zeroslog"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	mbus "github.com/glimte/mbus-go"
	"github.com/glimte/mbus-go/config"
)

var (
	// Version information
	version   = "dev"
	gitCommit = "unknown"
)

type globals struct {
	appKey     string
	configFile string
	redisAddr  string
	redisKey   string
	host       string
	verbose    bool
	timeout    time.Duration
}

func main() {
	var g globals

	rootCmd := &cobra.Command{
		Use:   "mbus",
		Short: "Plan, apply and exercise a message bus topology",
		Long: `mbus applies exchange and queue topologies to RabbitMQ and sends or
receives messages through the same handler chain applications use.

Settings come from --config (a properties or YAML file), --redis (a hash
written with "mbus config set"), or --host alone.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, gitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(g.verbose)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&g.appKey, "app", "a", envOr("MBUS_APP_KEY", "mbus-cli"), "Application key used for connections and messages")
	flags.StringVarP(&g.configFile, "config", "c", os.Getenv("MBUS_CONFIG"), "Config file path")
	flags.StringVar(&g.redisAddr, "redis", os.Getenv("MBUS_REDIS_ADDR"), "Redis address holding the config hash")
	flags.StringVar(&g.redisKey, "redis-key", config.DefaultRedisKey, "Redis hash holding the config")
	flags.StringVar(&g.host, "host", envOr("MBUS_HOST", "localhost"), "Broker host or amqp:// URL when no config store is given")
	flags.BoolVarP(&g.verbose, "verbose", "v", false, "Enable debug logging")
	flags.DurationVar(&g.timeout, "timeout", 30*time.Second, "Timeout for broker operations")

	rootCmd.AddCommand(
		planCmd(),
		applyCmd(&g),
		deleteQueueCmd(&g),
		existsCmd(&g),
		produceCmd(&g),
		consumeCmd(&g),
		healthCmd(&g),
		configCmd(&g),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Stamp}
	log := zerolog.New(output).With().Timestamp().Logger()
	slog.SetDefault(slog.New(
		zeroslog.NewHandler(log, &zeroslog.HandlerOptions{Level: level}),
	))
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (g *globals) store() (config.Store, error) {
	switch {
	case g.redisAddr != "":
		client := redis.NewClient(&redis.Options{Addr: g.redisAddr})
		return config.NewRedisStore(client, config.WithRedisKey(g.redisKey), config.WithOwnedClient()), nil
	case g.configFile != "":
		return config.NewFileStore(g.configFile)
	default:
		return config.NewStaticStore(map[string]string{config.KeyHost: g.host}), nil
	}
}

// open returns an open bus and a context bounded by --timeout
func (g *globals) open(cmd *cobra.Command) (*mbus.Bus, context.Context, context.CancelFunc, error) {
	store, err := g.store()
	if err != nil {
		return nil, nil, nil, err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
	bus := mbus.New(g.appKey, store)
	if err := bus.Open(ctx); err != nil {
		cancel()
		_ = store.Close()
		return nil, nil, nil, err
	}
	return bus, ctx, cancel, nil
}

// signalContext is cancelled on Ctrl+C or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
