package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/signup-agent/internal/provider"
	"github.com/aixgo-dev/signup-agent/pkg/config"
	"github.com/aixgo-dev/signup-agent/pkg/mandate"
	"github.com/aixgo-dev/signup-agent/pkg/mcp"
)

var (
	simListen      string
	simPublicURL   string
	simWriteConfig string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Serve the provider simulator as remote tool servers",
	Long: `Serves the provider directory and every simulated provider over HTTP,
each under /<provider>/, so an agent can reach them the way it reaches real
tool servers.

With --write-config, also writes an agent configuration listing them; run
"signupd serve --config <file>" with the same SIGNUP_MANDATE_SECRET.`,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().StringVar(&simListen, "listen", getEnv("SIGNUP_SIM_ADDR", ":9100"), "Listen address")
	simulateCmd.Flags().StringVar(&simPublicURL, "public-url", "", "Base URL agents use to reach this listener (default http://localhost<port>)")
	simulateCmd.Flags().StringVar(&simWriteConfig, "write-config", "", "Write an agent configuration pointing at these tool servers")
}

// simulatorHost builds the HTTP surface for the simulator and the agent
// configuration that reaches it through baseURL.
func simulatorHost(cfg *config.Config, baseURL string) (http.Handler, *config.Config, error) {
	codec, err := mandate.NewHMACCodec([]byte(cfg.Mandate.Secret))
	if err != nil {
		return nil, nil, fmt.Errorf("mandate codec: %w", err)
	}
	sim := provider.New(provider.WithDebug(cfg.Debug))
	handler, providers, err := sim.Handler(baseURL, codec, mcp.WithDebug(cfg.Debug))
	if err != nil {
		return nil, nil, err
	}

	agent := *cfg
	agent.Server.Simulate = false
	agent.Providers = providers
	return handler, &agent, nil
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	base := simPublicURL
	if base == "" {
		_, port, err := net.SplitHostPort(simListen)
		if err != nil {
			return fmt.Errorf("invalid --listen %q: %w", simListen, err)
		}
		base = "http://localhost:" + port
	}

	handler, agent, err := simulatorHost(cfg, base)
	if err != nil {
		return err
	}
	if simWriteConfig != "" {
		if err := config.SaveConfig(agent, simWriteConfig); err != nil {
			return err
		}
		log.Printf("Agent configuration written to %s", simWriteConfig)
	}

	srv := &http.Server{
		Addr:              simListen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Printf("Serving %d simulated tool servers on %s", len(agent.Providers), simListen)
		for _, p := range agent.Providers {
			log.Printf("  %s at %s", p.Name, p.Address)
		}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("simulator server error: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case runErr = <-errChan:
	case <-quit:
	case <-cmd.Context().Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Simulator shutdown error: %v", err)
	}
	return runErr
}
