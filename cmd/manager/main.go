// Command fleet-manager runs the Manager side of the fleet protocol: the
// Agent-facing TLS listener (§4.2) and, alongside it, the console API
// (§6's "Console API") used by dashboards and operators.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redpepper-go/fleet/internal/auth"
	"github.com/redpepper-go/fleet/internal/authstore"
	clusterserver "github.com/redpepper-go/fleet/internal/cluster/server"
	"github.com/redpepper-go/fleet/internal/commandlog"
	"github.com/redpepper-go/fleet/internal/config"
	"github.com/redpepper-go/fleet/internal/console"
	"github.com/redpepper-go/fleet/internal/data"
	"github.com/redpepper-go/fleet/internal/events"
	"github.com/redpepper-go/fleet/internal/logging"
	"github.com/redpepper-go/fleet/internal/metrics"
	"github.com/redpepper-go/fleet/internal/notify"
	"github.com/redpepper-go/fleet/internal/tlsconfig"
)

// version and commit are set at build time via ldflags:
//
//	-X main.version=$(VERSION) -X main.commit=$(COMMIT)
var version = "dev"
var commit = "unknown"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: fleet-manager <config-file> [key=value ...]")
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

	log := logging.New(cfg.LogJSON)
	log.Info("fleet-manager starting", "version", version, "commit", commit)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	dataMgr := data.New(cfg.DataBaseDir, log.Logger)

	cmdLog, err := commandlog.Open(cfg.CommandLogFile, log.Logger)
	if err != nil {
		log.Error("failed to open command log", "error", err)
		os.Exit(1)
	}
	defer cmdLog.Close()
	purgeTask := commandlog.StartPurgeTask(cmdLog, cfg.CommandLogPurgeInterval, cfg.CommandLogMaxAge, log.Logger)
	defer purgeTask.Stop()

	bus := events.New(log.Logger, func() int64 { return time.Now().UnixMilli() })
	startNotifyDispatch(ctx, cfg.NotifyChannelsFile, bus, log.Logger)

	serverTLS, err := tlsconfig.BuildServerConfig(cfg)
	if err != nil {
		log.Error("failed to build cluster TLS config", "error", err)
		os.Exit(1)
	}

	clusterSrv := clusterserver.New(clusterserver.Config{
		ListenAddr:          net.JoinHostPort(cfg.BindHost, fmt.Sprint(cfg.BindPort)),
		TLSConfig:           serverTLS,
		HelloTimeout:        cfg.HelloTimeout,
		PingInterval:        cfg.PingInterval,
		PingTimeout:         cfg.PingTimeout,
		MaxMessageSize:      cfg.MaxMessageSize,
		AwaitCommandTimeout: cfg.DataRequestTimeout,
	}, dataMgr, dataMgr, cmdLog, bus, log.Logger)

	go func() {
		if err := clusterSrv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("cluster server error", "error", err)
		}
	}()

	authDBPath := filepath.Join(cfg.DataBaseDir, "auth.bolt")
	store, err := authstore.Open(authDBPath)
	if err != nil {
		log.Error("failed to open auth store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	authSvc := auth.NewService(auth.ServiceConfig{
		Users:         store,
		Sessions:      store,
		Roles:         store,
		Tokens:        store,
		Settings:      store,
		WebAuthnCreds: store,
		PendingTOTP:   store,
		Log:           log.Logger,
		CookieSecure:  cfg.APICookieSecure,
		SessionExpiry: cfg.APISessionExpiry,
	})

	var webauthnOrigins []string
	if cfg.APIWebAuthnOrigins != "" {
		webauthnOrigins = strings.Split(cfg.APIWebAuthnOrigins, ",")
	}
	consoleSrv := console.NewServer(console.Dependencies{
		Fleet:                 clusterSrv,
		CommandLog:            cmdLog,
		EventBus:              bus,
		Auth:                  authSvc,
		Config:                console.NewFileConfigStore(cfg.DataBaseDir),
		MetricsEnabled:        cfg.MetricsEnabled,
		Log:                   log.Logger,
		WebAuthnRPID:          cfg.APIWebAuthnRPID,
		WebAuthnRPDisplayName: cfg.APIWebAuthnRPDisplayName,
		WebAuthnOrigins:       webauthnOrigins,
	})
	consoleSrv.SetTLS(cfg.TLSCertFilePath(), cfg.TLSKeyFilePath())

	go func() {
		addr := net.JoinHostPort(cfg.APIBindHost, fmt.Sprint(cfg.APIBindPort))
		log.Info("console API listening", "addr", addr)
		if err := consoleSrv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("console API server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		_ = consoleSrv.Shutdown(shutCtx)
	}()

	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := authSvc.CleanupExpiredSessions()
				if err != nil {
					log.Warn("session cleanup failed", "error", err)
				} else if n > 0 {
					log.Info("cleaned up expired sessions", "count", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if cfg.MetricsTextfile != "" {
		go func() {
			ticker := time.NewTicker(cfg.MetricsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := metrics.WriteTextfile(cfg.MetricsTextfile); err != nil {
						log.Warn("failed to write metrics textfile", "path", cfg.MetricsTextfile, "error", err)
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	<-ctx.Done()
	log.Info("fleet-manager shutting down")
	_ = clusterSrv.Close()
	log.Info("fleet-manager shutdown complete")
}

// startNotifyDispatch subscribes to the event bus and fans every event out
// through a notify.Multi: a LogNotifier that always records the event,
// plus one notifier per channel configured in channelsFile (if any). It
// runs until ctx is cancelled.
func startNotifyDispatch(ctx context.Context, channelsFile string, bus *events.Bus, log notify.Logger) {
	notifiers := []notify.Notifier{notify.NewLogNotifier(log)}

	if channelsFile != "" {
		channels, err := loadNotifyChannels(channelsFile)
		if err != nil {
			log.Error("failed to load notification channels", "path", channelsFile, "error", err)
		}
		for _, ch := range channels {
			if !ch.Enabled {
				continue
			}
			n, err := notify.BuildFilteredNotifier(ch)
			if err != nil {
				log.Error("failed to build notification channel", "channel", ch.Name, "error", err)
				continue
			}
			notifiers = append(notifiers, n)
		}
	}

	multi := notify.NewMulti(log, notifiers...)
	sub, cancel := bus.Subscribe()

	go func() {
		defer cancel()
		for {
			select {
			case evt, ok := <-sub:
				if !ok {
					return
				}
				multi.Notify(ctx, notify.FromBusEvent(evt))
			case <-ctx.Done():
				return
			}
		}
	}()
}

// loadNotifyChannels reads a JSON array of notify.Channel from path.
func loadNotifyChannels(path string) ([]notify.Channel, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var channels []notify.Channel
	if err := json.Unmarshal(raw, &channels); err != nil {
		return nil, fmt.Errorf("parse notify channels file: %w", err)
	}
	return channels, nil
}
