// Command cratebridge-relay runs the cloud relay: it accepts tunnel
// connections from origins and proxies mobile-client HTTP requests to
// whichever origin is currently connected for a given device.
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
	"github.com/redis/go-redis/v9"

	"github.com/halvard-ems/cratebridge/internal/httplog"
	"github.com/halvard-ems/cratebridge/internal/relayserver"
	"github.com/halvard-ems/cratebridge/pkg/config"
	"github.com/halvard-ems/cratebridge/pkg/devicereg"
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
	dsn := config.RelayDSN()
	redisAddr := config.RelayRedisAddr()
	jwtSecret := config.Env("JWT_SECRET", "dev-secret-change-in-prod")
	port := config.Env("RELAY_HTTP_PORT", "8091")

	devices, err := devicereg.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect device registry: %w", err)
	}
	defer devices.Close()
	slog.Info("device registry connected")

	kv := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer kv.Close()
	if err := kv.Ping(ctx).Err(); err != nil {
		slog.Warn("redis unreachable at startup", "err", err)
	} else {
		slog.Info("redis connected")
	}

	svc := relayserver.New(devices, kv, jwtSecret)

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
		WriteTimeout: 0, // proxied streaming responses write beyond any fixed deadline
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
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
