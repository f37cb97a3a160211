// mockbackend serves an in-memory OhmGuard backend for local development: REST auth and
// events, push-token registration and the Socket.IO feed, seeded with sample accounts.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/config"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/mockbackend"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/security"
)

func main() {
	cfg, err := config.LoadMockBackend()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	key, err := security.SigningKey(cfg.JWTPrivateKey)
	if err != nil {
		log.Fatalf("jwt key: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	backend, err := mockbackend.New(mockbackend.Options{
		Key:        key,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		AccessTTL:  cfg.AccessTTL(),
		RefreshTTL: cfg.RefreshTTL(),
		BcryptCost: cfg.BcryptCost,
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("mockbackend: %v", err)
	}
	if err := backend.Seed(); err != nil {
		log.Fatalf("seed: %v", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	if every := cfg.AlertEvery(); every > 0 {
		go backend.SimulateDetections(ctx, mockbackend.DevTenantID, every)
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: backend.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Printf("mock backend listening on %s (login %s / %s)", cfg.Addr, mockbackend.DevAdminEmail, mockbackend.DevPassword)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("shutting down mock backend...")
	stop()
	backend.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Println("mock backend stopped")
}
