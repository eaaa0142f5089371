// Command cratebridge-origin runs the local library server: it indexes a
// music collection, serves it and its crates over HTTP, and optionally
// tunnels the same API to a relay for remote mobile access.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/halvard-ems/cratebridge/internal/httplog"
	"github.com/halvard-ems/cratebridge/internal/originserver"
	"github.com/halvard-ems/cratebridge/pkg/config"
	"github.com/halvard-ems/cratebridge/pkg/cratewriter"
	"github.com/halvard-ems/cratebridge/pkg/discovery"
	"github.com/halvard-ems/cratebridge/pkg/libraryindex"
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
	musicPaths := config.EnvList("MUSIC_PATHS", []string{"/music"})
	dbPaths := config.EnvList("LIBRARY_DB_PATHS", nil)
	cratesDir := config.Env("CRATES_DIR", "./data/Subcrates")
	readOnly := config.EnvBool("CRATES_READ_ONLY", false)
	port := config.Env("HTTP_PORT", "8090")

	deviceID := config.Env("DEVICE_ID", "")
	relayURL := config.Env("RELAY_URL", "")
	pairingSecret := config.Env("PAIRING_SECRET", "")
	discoveryEnabled := config.EnvBool("DISCOVERY_ENABLED", true)

	index := libraryindex.New(musicPaths, dbPaths, libraryindex.WithProgress(func(p libraryindex.Progress) {
		slog.Info("libraryindex: progress", "state", p.State.String(), "processed", p.Processed, "total", p.Total)
	}))

	slog.Info("indexing library", "music_paths", musicPaths, "db_paths", dbPaths)
	if err := index.Refresh(ctx); err != nil {
		return fmt.Errorf("initial library index: %w", err)
	}
	slog.Info("library indexed", "tracks", len(index.All()))

	crates, err := cratewriter.New(cratesDir, readOnly)
	if err != nil {
		return fmt.Errorf("crate writer: %w", err)
	}

	svc := originserver.New(index, crates)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httplog.Middleware)
	r.Use(httplog.CORS)
	svc.Routes(r)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // streaming endpoints write beyond any fixed deadline
		IdleTimeout:  60 * time.Second,
	}

	if relayURL != "" && deviceID != "" {
		tc := originserver.NewTunnelClient(relayURL, deviceID, pairingSecret, svc)
		go tc.Run(ctx)
		slog.Info("tunnel client started", "relay_url", relayURL, "device_id", deviceID)
	} else {
		slog.Info("tunnel client disabled: RELAY_URL or DEVICE_ID not set")
	}

	var disc *discovery.Server
	if discoveryEnabled {
		httpPort := 8090
		if n, err := parsePort(port); err == nil {
			httpPort = n
		}
		disc, err = discovery.Start(httpPort, deviceID)
		if err != nil {
			slog.Warn("discovery: failed to start", "err", err)
		}
	}

	go func() {
		<-ctx.Done()
		if disc != nil {
			disc.Shutdown()
		}
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	slog.Info("listening", "port", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

func parsePort(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
