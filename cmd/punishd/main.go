package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/udisondev/punishd/internal/cache"
	"github.com/udisondev/punishd/internal/config"
	"github.com/udisondev/punishd/internal/console"
	"github.com/udisondev/punishd/internal/db"
	"github.com/udisondev/punishd/internal/enforcement"
	"github.com/udisondev/punishd/internal/identity"
	"github.com/udisondev/punishd/internal/messenger"
	"github.com/udisondev/punishd/internal/model"
	"github.com/udisondev/punishd/internal/platform"
	"github.com/udisondev/punishd/internal/punishment"
	"github.com/udisondev/punishd/internal/synchronizer"
)

const DefaultConfigPath = "config/punishd.yaml"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx, os.Args[1:]); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("punishd", pflag.ContinueOnError)
	cfgPath := flags.StringP("config", "c", DefaultConfigPath, "path to the YAML config (env PUNISHD_CONFIG)")
	logLevel := flags.String("log-level", "", "override log_level from the config")
	noConsole := flags.Bool("no-console", false, "do not read commands from stdin")
	migrateOnly := flags.Bool("migrate-only", false, "apply database migrations and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	path := *cfgPath
	if p := os.Getenv("PUNISHD_CONFIG"); p != "" && !flags.Changed("config") {
		path = p
	}
	cfg, err := config.LoadPunishd(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))

	slog.Info("punishd starting",
		"instance", cfg.Instance.ID,
		"server", cfg.Instance.Server,
		"categories", cfg.Instance.Categories,
		"messenger", cfg.Sync.Messenger,
		"consistency_window", cfg.ConsistencyWindow())

	database, err := db.New(ctx, cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer database.Close()
	slog.Info("database connected")

	if err := db.RunMigrations(ctx, cfg.Database.DSN()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	slog.Info("database migrations applied")
	if *migrateOnly {
		return nil
	}

	clk := clockwork.NewRealClock()
	msgr, err := newMessenger(cfg, database, clk)
	if err != nil {
		return err
	}
	if c, ok := msgr.(io.Closer); ok {
		defer func() {
			if err := c.Close(); err != nil {
				slog.Warn("closing messenger", "err", err)
			}
		}()
	}

	scopes := model.ServerScopes{Server: cfg.Instance.Server, Categories: cfg.Instance.Categories}
	punishments := database.Punishments()
	identities := database.Identities()

	selection := cache.NewSelection(enforcement.NewLoader(punishments, scopes, clk), cfg.Cache.TTL, clk)
	registry := platform.NewRegistry()
	enforcer := enforcement.New(enforcement.Config{
		Platform:      registry,
		Punishments:   punishments,
		Identities:    identities,
		Cache:         selection,
		Clock:         clk,
		Scopes:        scopes,
		MutedCommands: cfg.Enforcement.MutedCommands,
	})
	registry.OnLeave(enforcer.Disconnected)

	sync := synchronizer.New(synchronizer.Config{
		Messenger:    msgr,
		Handler:      enforcement.NewReceiver(enforcer),
		Cache:        selection,
		PollInterval: cfg.Sync.PollInterval,
		Retention:    cfg.Sync.Retention,
		PruneEvery:   cfg.Sync.PruneEvery,
	})
	service := punishment.NewService(punishments, enforcer, selection, sync, clk)

	handler := console.NewHandler()
	console.RegisterDefaults(handler, console.Deps{
		Punishments: service,
		Identities:  identity.NewResolver(identities),
		Clock:       clk,
		Gate:        enforcer,
		Sessions:    registry,
	})
	cons := console.New(handler, os.Stdout)
	registry.SetConsole(func(msg string) {
		cons.SendMessage("[broadcast] " + msg)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sync.Run(gctx)
	})
	if !*noConsole {
		g.Go(func() error {
			return cons.Run(gctx, os.Stdin)
		})
	}

	slog.Info("punishd ready", "commands", handler.Count())
	return g.Wait()
}

func newMessenger(cfg config.Punishd, database *db.DB, clk clockwork.Clock) (messenger.Messenger, error) {
	switch cfg.Sync.Messenger {
	case config.MessengerSQL:
		return messenger.NewOutboxMessenger(database.Messages(), cfg.Instance.ID, clk), nil
	case config.MessengerKafka:
		k := cfg.Sync.Kafka
		return messenger.NewKafka(messenger.KafkaConfig{
			Brokers:   k.Brokers,
			Topic:     k.Topic,
			Partition: k.Partition,
			BatchWait: k.BatchWait,
		}, cfg.Instance.ID, database.Messages(), clk), nil
	case config.MessengerNone:
		slog.Warn("synchronization disabled, punishments apply to this instance only")
		return messenger.Noop{}, nil
	}
	return nil, fmt.Errorf("unknown messenger %q", cfg.Sync.Messenger)
}

// parseLogLevel converts string log level to slog.Level.
// Defaults to Info if invalid or empty.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
