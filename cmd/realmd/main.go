// Command realmd runs the synchronization daemon: HTTP API, websocket
// endpoint for live DOM agents, file watcher, durable change history, and
// an optional MCP tool surface over stdio.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/realm/bus"
	"github.com/hazyhaar/realm/changelog"
	"github.com/hazyhaar/realm/dbopen"
	"github.com/hazyhaar/realm/engine"
	"github.com/hazyhaar/realm/filelock"
	"github.com/hazyhaar/realm/registry"
	"github.com/hazyhaar/realm/server"
	"github.com/hazyhaar/realm/txn"
	"github.com/hazyhaar/realm/watch"
)

const version = "0.3.0"

func main() {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Durable change history.
	db, err := dbopen.Open(cfg.Database, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	store := changelog.NewStore(db, logger)
	if err := store.Init(); err != nil {
		slog.Error("init change store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	log := changelog.New(changelog.Options{Store: store, Logger: logger})
	if entries, err := store.Recent(ctx, changelog.DefaultMaxEntries); err != nil {
		slog.Warn("rehydrate change history", "error", err)
	} else {
		for _, e := range entries {
			log.Append(e)
		}
		slog.Info("change history rehydrated", "entries", len(entries))
	}

	// Core wiring.
	events := bus.New(bus.Options{Logger: logger})
	reg := registry.New(events, logger)
	locks := filelock.New(filelock.Options{Logger: logger})
	txns := txn.NewManager(locks, log, events, txn.Options{Logger: logger})
	go txns.Start(ctx)

	eng := engine.New(ctx, reg, txns, events, engine.Options{
		Conflicts: engine.ConflictStrategy(cfg.Conflicts),
		Logger:    logger,
	})
	defer eng.Cleanup()

	// External-edit watcher. Writes whose hash matches the newest change
	// entry for the file are the engine's own commits.
	watcher := watch.New(events, watch.Options{
		Interval: cfg.WatchInterval,
		Debounce: cfg.WatchDebounce,
		Logger:   logger,
		SelfWrite: func(path, hash string) bool {
			entries := log.Query(changelog.Query{FilePath: path, Limit: 1})
			return len(entries) == 1 && entries[0].AfterHash == hash
		},
	})
	for _, path := range cfg.Watch {
		watcher.Track(path)
	}
	go watcher.Run(ctx)

	// An external edit invalidates every tracked position in the file;
	// agents re-register after their next render.
	events.Subscribe(bus.TypeFileChanged, func(ev bus.Event) {
		fc := ev.Payload.(bus.FileChanged)
		removed := reg.ClearFile(fc.FilePath)
		logger.Info("file changed externally", "file", fc.FilePath, "invalidated", removed)
	})

	srv := server.New(reg, eng, log, watcher, events, server.Options{
		Addr:   cfg.Addr,
		Logger: logger,
	})

	if cfg.MCPTransport == "stdio" {
		mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "realm", Version: version}, nil)
		srv.RegisterMCP(mcpSrv)
		go func() {
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil {
				logger.Error("mcp server", "error", err)
			}
		}()
		logger.Info("mcp tools registered", "transport", "stdio")
	}

	logger.Info("realmd starting",
		"version", version,
		"addr", cfg.Addr,
		"conflicts", cfg.Conflicts,
		"watched", len(cfg.Watch))

	if err := srv.Start(ctx); err != nil {
		logger.Error("server", "error", err)
		os.Exit(1)
	}
	logger.Info("realmd stopped")
}
