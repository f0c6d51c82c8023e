package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/signup-agent/internal/httpapi"
	"github.com/aixgo-dev/signup-agent/internal/observability"
	metrics "github.com/aixgo-dev/signup-agent/pkg/observability"
	"github.com/aixgo-dev/signup-agent/pkg/security"
)

var (
	serveAddr string
	adminAddr string
	simulate  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the conversation API over HTTP",
	Long: `Serves POST /v1/turn and POST /v1/action, plus health and metrics.

Identity tokens travel as "Authorization: Bearer <token>"; mint one for
testing with "signupd token". With --admin-addr, health and metrics are
also served on a separate listener.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", getEnv("SIGNUP_ADDR", ""), "Listen address (overrides server.addr)")
	serveCmd.Flags().StringVar(&adminAddr, "admin-addr", getEnv("SIGNUP_ADMIN_ADDR", ""), "Separate health and metrics listener (overrides server.admin_addr)")
	serveCmd.Flags().BoolVar(&simulate, "simulate", false, "Use the built-in provider simulator")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	if adminAddr != "" {
		cfg.Server.AdminAddr = adminAddr
	}
	if simulate {
		cfg.Server.Simulate = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log.Printf("Starting signup agent v%s", Version)

	ctx := cmd.Context()

	metrics.InitMetrics()
	shutdownTracing, err := observability.Init(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	audit := security.NewJSONAuditLogger(os.Stderr)
	a, err := newApp(ctx, cfg, appOptions{audit: audit})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			log.Printf("Close error: %v", err)
		}
	}()
	if err := a.startSweeps(); err != nil {
		return err
	}

	api := httpapi.New(a.orchestrator, a.auth,
		httpapi.WithAuditLogger(audit),
		httpapi.WithHealthChecker(a.checker),
		httpapi.WithDebug(cfg.Debug),
	)
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errChan := make(chan error, 2)
	go func() {
		log.Printf("Starting HTTP server on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	var admin *metrics.Server
	if cfg.Server.AdminAddr != "" {
		admin = metrics.NewServer(cfg.Server.AdminAddr, a.checker)
		go func() {
			log.Printf("Starting admin server on %s", cfg.Server.AdminAddr)
			if err := admin.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- fmt.Errorf("admin server error: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case runErr = <-errChan:
		log.Printf("Error: %v", runErr)
	case <-quit:
		log.Println("Shutting down signup agent...")
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	if admin != nil {
		if err := admin.Shutdown(shutdownCtx); err != nil {
			log.Printf("Admin server shutdown error: %v", err)
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Printf("Tracing shutdown error: %v", err)
	}

	log.Println("Signup agent stopped")
	return runErr
}
