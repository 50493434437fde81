// Command aria is the self-hosted personal music server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aria-music/aria/internal/discovery"
	"github.com/aria-music/aria/internal/secret"
	"github.com/aria-music/aria/internal/server"
	"github.com/aria-music/aria/pkg/blobstore"
	"github.com/aria-music/aria/pkg/config"
	"github.com/aria-music/aria/pkg/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	// --- Catalog ---
	db, err := store.Connect(ctx, filepath.Join(cfg.DataDir, "music.db"))
	if err != nil {
		return fmt.Errorf("connect catalog: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	slog.Info("catalog ready")

	// --- Content store ---
	blob, err := blobstore.New(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("content store: %w", err)
	}

	// --- Signing secret ---
	secrets, err := secret.Load(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("load signing secret: %w", err)
	}
	go secrets.Rotate(ctx)

	// --- Rate limiter (optional) ---
	var kv *redis.Client
	if cfg.RedisAddr != "" {
		kv = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer kv.Close()
		if err := kv.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unreachable at startup", "err", err)
		} else {
			slog.Info("login rate limiting enabled")
		}
	}

	// The library lock: one writer (folder/track mutations) against many
	// readers (uploads, streams, queries) across the whole content tree.
	var libraryLock sync.RWMutex

	r := server.New(db, blob, secrets, kv, cfg.SignupEnabled, &libraryLock)

	// --- Discovery (optional) ---
	if cfg.MDNSEnabled {
		mdnsSrv, err := discovery.Start(int(cfg.Port), "")
		if err != nil {
			slog.Warn("mdns failed to start", "err", err)
		} else {
			defer mdnsSrv.Shutdown()
		}
	}

	// --- HTTP server ---
	addr := net.JoinHostPort(cfg.IPAddr.String(), strconv.Itoa(int(cfg.Port)))
	srv := &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: 0, // uploads enforce their own per-chunk deadline
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	slog.Info("listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}
