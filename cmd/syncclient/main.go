// Package main runs the sync client from the command line: it resumes or
// opens a session, keeps the realtime channel up and prints every state
// change as a JSON line.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Watchdog088/Test-apps-sub002/internal/app"
	"github.com/Watchdog088/Test-apps-sub002/internal/config"
	"github.com/Watchdog088/Test-apps-sub002/internal/logging"
	"github.com/Watchdog088/Test-apps-sub002/internal/metrics"
	"github.com/Watchdog088/Test-apps-sub002/internal/session"
	"github.com/Watchdog088/Test-apps-sub002/internal/store"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Printf("syncclient: %v", err)
		os.Exit(1)
	}
}

// run owns every deferred teardown, so failures return instead of exiting.
func run(args []string) error {
	fs := flag.NewFlagSet("syncclient", flag.ContinueOnError)
	configPath := fs.String("config", "", "Optional YAML config file")
	envFile := fs.String("env", ".env", "Optional .env file")
	email := fs.String("email", "", "Login email (skipped when a session is restored)")
	password := fs.String("password", os.Getenv("SYNC_PASSWORD"), "Login password")
	name := fs.String("register", "", "Register a new account with this display name before logging in")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New("syncclient", cfg.LogLevel, cfg.LogFormat)
	collector := metrics.NewCollector("syncclient")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := app.New(ctx, cfg, app.Deps{Logger: logger, Metrics: collector})
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.WithError(err).Warn("close failed")
		}
	}()

	off := client.Store.Subscribe(store.Wildcard, printChange)
	defer off()

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("start client: %w", err)
	}

	if !client.Session.IsAuthenticated() {
		if err := authenticate(ctx, client, *name, *email, *password); err != nil {
			return fmt.Errorf("authenticate: %w", err)
		}
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           collector.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.WithFields(map[string]interface{}{"addr": cfg.MetricsAddr}).Info("metrics listening")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Error("metrics server failed")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 5*time.Second)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return nil
}

func authenticate(ctx context.Context, client *app.App, name, email, password string) error {
	if email == "" {
		return fmt.Errorf("no persisted session; -email and -password are required")
	}
	if name != "" {
		_, err := client.Register(ctx, session.Registration{Name: name, Email: email, Password: password})
		return err
	}
	_, err := client.Login(ctx, session.Credentials{Email: email, Password: password})
	return err
}

type changeLine struct {
	Time   time.Time   `json:"time"`
	Path   string      `json:"path"`
	Value  interface{} `json:"value"`
	Remote bool        `json:"remote,omitempty"`
}

func printChange(c store.Change) {
	line, err := json.Marshal(changeLine{Time: c.Timestamp, Path: c.Path, Value: c.Value, Remote: c.Remote})
	if err != nil {
		return
	}
	fmt.Println(string(line))
}
