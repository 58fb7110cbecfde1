// Command fleet-agent runs the Agent side of the fleet protocol: it dials
// the Manager, authenticates, and executes commands it receives (§4.2,
// §4.4).
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/redpepper-go/fleet/internal/cluster/agent"
	"github.com/redpepper-go/fleet/internal/config"
	"github.com/redpepper-go/fleet/internal/logging"
	"github.com/redpepper-go/fleet/internal/tlsconfig"
)

var version = "dev"
var commit = "unknown"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: fleet-agent <config-file> [key=value ...]")
		os.Exit(1)
	}
	cfg, err := config.Load(os.Args[1], os.Args[2:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if cfg.AgentID == "" || cfg.AgentSecret == "" {
		fmt.Fprintln(os.Stderr, "configuration error: agent_id and agent_secret are required")
		os.Exit(1)
	}

	log := logging.New(cfg.LogJSON)
	log.Info("fleet-agent starting", "version", version, "commit", commit, "agent_id", cfg.AgentID)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	clientTLS, err := tlsconfig.BuildClientConfig(cfg, cfg.ManagerHost)
	if err != nil {
		log.Error("failed to build TLS config", "error", err)
		os.Exit(1)
	}

	a := agent.New(agent.Config{
		ManagerAddr:              net.JoinHostPort(cfg.ManagerHost, fmt.Sprint(cfg.ManagerPort)),
		AgentID:                  cfg.AgentID,
		AgentSecret:              cfg.AgentSecret,
		TLSConfig:                clientTLS,
		HelloTimeout:             cfg.HelloTimeout,
		PingInterval:             cfg.PingInterval,
		PingTimeout:              cfg.PingTimeout,
		DataRequestTimeout:       cfg.DataRequestTimeout,
		OperationModulesCacheDir: cfg.OperationModulesCacheDir,
		MaxMessageSize:           cfg.MaxMessageSize,
	}, log.Logger)

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("fleet-agent exited with error", "error", err)
		os.Exit(1)
	}

	log.Info("fleet-agent shutdown complete")
}
