package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/user/termlink/configs"
	"github.com/user/termlink/internal/api"
	"github.com/user/termlink/internal/auth"
	"github.com/user/termlink/internal/backend"
	"github.com/user/termlink/internal/config"
	"github.com/user/termlink/internal/db"
	"github.com/user/termlink/internal/pty"
	"github.com/user/termlink/internal/server"
	"github.com/user/termlink/internal/session"
	"github.com/user/termlink/internal/transport"
)

const tokenPruneInterval = time.Hour

func main() {
	if len(os.Args) > 1 && os.Args[1] == "example-config" {
		_, _ = os.Stdout.Write(configs.TermlinkdExample)
		return
	}

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "termlinkd:", err)
		os.Exit(2)
	}
	level, _ := cfg.SlogLevel()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	database, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	authority := auth.New(database.Tokens(), auth.Options{
		TokenTTL:    cfg.TokenTTL,
		PairingTTL:  cfg.PairingTTL,
		StaticToken: cfg.Token,
	})

	be := backend.Resolve(cfg.BackendConfig())
	slog.Info("session backend resolved", "backend", be.Name(), "persistent", be.SupportsPersistence())

	ptys := pty.NewManager(pty.Options{
		Backend:      be,
		DefaultShell: cfg.Shell,
		CaptureDir:   cfg.CaptureDir,
	})
	defer ptys.Close()

	broadcaster := transport.NewBroadcaster(0)
	sessions := session.NewService(ptys, database.Sessions(), broadcaster, session.Options{DefaultShell: cfg.Shell})

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go func() {
		if err := sessions.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("session event loop stopped", "error", err)
		}
	}()

	restored, err := sessions.Restore(ctx)
	if err != nil {
		slog.Warn("failed to restore sessions", "error", err)
	} else if restored > 0 {
		slog.Info("restored sessions", "count", restored)
	}

	go pruneTokens(ctx, authority, cfg.TokenTTL)

	stream := transport.NewServer(sessions, authority, broadcaster, transport.Options{})
	srv := server.New(cfg.Addr(), stream, api.NewRouter(sessions, authority, nil), nil)

	code, expires, err := authority.PairingCode()
	if err != nil {
		return err
	}
	fmt.Printf("\ntermlinkd listening on %s\npairing code: %s (valid until %s)\n", cfg.Addr(), code, expires.Format(time.Kitchen))
	if cfg.PrintToken {
		fmt.Printf("static token: %s\n", cfg.Token)
	}
	fmt.Println()

	serveErr := srv.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sessions.Shutdown(shutdownCtx)
	return serveErr
}

// pruneTokens removes tokens that have been dead for longer than one TTL.
func pruneTokens(ctx context.Context, authority *auth.Authority, grace time.Duration) {
	ticker := time.NewTicker(tokenPruneInterval)
	defer ticker.Stop()
	for {
		if _, err := authority.Prune(ctx, grace); err != nil {
			slog.Warn("token prune failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
