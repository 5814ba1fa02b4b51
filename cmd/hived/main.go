package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hiveworks/hived/internal/budget"
	"github.com/hiveworks/hived/internal/config"
	"github.com/hiveworks/hived/internal/eventbus"
	"github.com/hiveworks/hived/internal/lifecycle"
	"github.com/hiveworks/hived/internal/natsbus"
	"github.com/hiveworks/hived/internal/notify"
	"github.com/hiveworks/hived/internal/queue"
	"github.com/hiveworks/hived/internal/runtime"
	"github.com/hiveworks/hived/internal/store"
	"github.com/hiveworks/hived/internal/swarm"
	"github.com/hiveworks/hived/internal/vault"
	"github.com/hiveworks/hived/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("hived %s\n", version)
	case "serve":
		if err := runServe(); err != nil {
			slog.Error("serve failed", "error", err)
			os.Exit(1)
		}
	case "backup":
		if err := runBackup(os.Args[2:]); err != nil {
			slog.Error("backup failed", "error", err)
			os.Exit(1)
		}
	case "restore":
		if err := runRestore(os.Args[2:]); err != nil {
			slog.Error("restore failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: hived <command>

Commands:
  serve      Start the hived orchestration daemon
  backup     Write a zstd-compressed snapshot of the data directory
  restore    Restore a snapshot into the data directory
  version    Print version
`)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting hived", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Runtime API key, encrypted at rest when a vault passphrase is set.
	if cfg.Vault.Passphrase != "" {
		if err := resolveAPIKey(db, cfg); err != nil {
			return fmt.Errorf("resolve api key: %w", err)
		}
	}

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", bus.Port())

	nc, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("init nats client: %w", err)
	}
	defer nc.Close()

	// In-process event bus with its standing subscribers: the append-only
	// event log and the NATS mirror.
	events := eventbus.New()
	defer eventbus.PersistTo(events, db)()
	defer natsbus.ForwardEvents(events, nc)()

	// Budget controller
	budgets := budget.NewController(db, events, cfg.Budget)
	go budgets.StartWindowReset(ctx, 0)

	// Task queue + lease sweeper
	q := queue.New(db, events, cfg.Queue)
	go q.StartSweeper(ctx)

	// Docker agent runtime
	rt, err := runtime.NewDockerRuntime(cfg.Runtime, bus.AgentNATSURL())
	if err != nil {
		return fmt.Errorf("init runtime: %w", err)
	}
	if err := rt.CleanupStale(ctx); err != nil {
		slog.Warn("stale container cleanup failed", "error", err)
	}

	// Agent lifecycle manager
	agents := lifecycle.NewManager(db, events, rt, budgets, cfg.Lifecycle, cfg.Runtime)
	go agents.StartAnomalySweeper(ctx)

	// Swarm orchestrator, also the budget enforcer
	orch := swarm.NewOrchestrator(db, events, q, agents, budgets, cfg.Orchestra, cfg.Lifecycle)
	budgets.SetEnforcer(orch)
	go orch.StartSpawnWorkers(ctx)

	// Usage/result/heartbeat stream from agent sessions
	stream := runtime.NewStream(nc)
	stream.OnUsage = func(ev runtime.UsageEvent) { agents.HandleUsage(ctx, ev) }
	stream.OnResult = func(ev runtime.ResultEvent) {
		if err := agents.HandleResult(ctx, ev); err != nil {
			slog.Error("handle result failed", "agent", ev.AgentID, "error", err)
		}
	}
	stream.OnHeartbeat = agents.HandleHeartbeat
	if err := stream.Start(); err != nil {
		return fmt.Errorf("start agent stream: %w", err)
	}
	defer stream.Stop()

	// Telegram notifier
	tg, err := notify.NewTelegram(cfg.Notify)
	if err != nil {
		return fmt.Errorf("init telegram: %w", err)
	}
	if tg != nil {
		tg.Start(ctx, events)
		slog.Info("telegram notifier started")
	}

	// Web API
	if cfg.Web.Enabled {
		srv := web.NewServer(db, events, orch, q, budgets, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()

	rt.KillAll(context.Background())
	return nil
}

// resolveAPIKey keeps the runtime credential encrypted at rest: a key given
// via config/env is sealed into the store, a missing one is unsealed from
// it.
func resolveAPIKey(db *store.Store, cfg *config.Config) error {
	v := vault.New(cfg.Vault.Passphrase)

	if cfg.Runtime.APIKey != "" {
		ciphertext, nonce, err := v.Encrypt([]byte(cfg.Runtime.APIKey))
		if err != nil {
			return err
		}
		return db.SaveCredential("runtime_api_key", ciphertext, nonce)
	}

	ciphertext, nonce, err := db.GetCredential("runtime_api_key")
	if err != nil {
		return err
	}
	if ciphertext == nil {
		return nil
	}
	plaintext, err := v.Decrypt(ciphertext, nonce)
	if err != nil {
		return err
	}
	cfg.Runtime.APIKey = string(plaintext)
	slog.Info("runtime api key loaded from vault")
	return nil
}
