// Package main runs a local authentication authority and realtime push
// endpoint for exercising the sync client by hand.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Watchdog088/Test-apps-sub002/internal/devserver"
	"github.com/Watchdog088/Test-apps-sub002/internal/logging"
)

func main() {
	addr := flag.String("addr", ":8080", "Listen address")
	secret := flag.String("secret", os.Getenv("DEVSERVER_SECRET"), "HS256 signing secret (random when empty)")
	lifetime := flag.Duration("token-lifetime", 60*time.Minute, "Lifetime of issued tokens")
	seed := flag.String("user", "", "Seed account as name:email:password")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	logger := logging.New("devserver", *logLevel, "text")

	srv := devserver.New(devserver.Config{
		Secret:        []byte(*secret),
		TokenLifetime: *lifetime,
		Logger:        logger,
	})

	if *seed != "" {
		parts := strings.SplitN(*seed, ":", 3)
		if len(parts) != 3 {
			log.Fatalf("invalid -user %q, expected name:email:password", *seed)
		}
		user, err := srv.AddUser(parts[0], parts[1], parts[2])
		if err != nil {
			log.Fatalf("Failed to seed user: %v", err)
		}
		logger.WithFields(map[string]interface{}{"user_id": user.ID, "email": user.Email}).Info("seeded user")
	}

	server := &http.Server{
		Addr:              *addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.WithFields(map[string]interface{}{"addr": *addr}).Info("devserver listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv.Close()
	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("shutdown error")
	}
}
