// Command e2eed is a reference host driver for the crypto engine: it wires
// config, store and engine together and runs the poll loop a real sync
// driver would — drain outgoing requests, feed incoming to-device events,
// sweep verification timeouts. It is not a Matrix client; the loopback
// relay stands in for the homeserver transport.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/n42/matrix-crypto-core/internal/config"
	"github.com/n42/matrix-crypto-core/internal/engine"
	"github.com/n42/matrix-crypto-core/internal/relay"
	"github.com/n42/matrix-crypto-core/internal/store"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "e2eed",
		Short:         "Matrix end-to-end encryption engine host",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "generate-config",
		Short: "Print an example configuration",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print(config.Example())
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the engine host loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	})

	return root
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func newStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Type {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		return store.OpenSQLite(cfg.Path)
	case "postgres":
		return store.OpenPostgres(cfg.URI, 20, 5)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	log := newLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := newStore(cfg.Store)
	if err != nil {
		return err
	}
	defer s.Close()

	machine, err := engine.NewMachine(ctx, log, s, cfg.Identity.UserID, cfg.Identity.DeviceID, cfg.Crypto.PickleKey)
	if err != nil {
		return err
	}
	ed25519Key, curveKey := machine.IdentityKeys()
	log.Info("engine ready",
		"user_id", cfg.Identity.UserID, "device_id", cfg.Identity.DeviceID,
		"ed25519", ed25519Key, "curve25519", curveKey)

	if _, err := machine.GenerateOneTimeKeys(ctx, cfg.Crypto.OneTimeKeyCount); err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Info("metrics listening", "addr", cfg.Metrics.Listen)
			if err := http.ListenAndServe(cfg.Metrics.Listen, mux); err != nil {
				log.Error("metrics server", "error", err)
			}
		}()
	}

	var client *relay.Client
	if cfg.Relay.Enabled {
		if cfg.Relay.Listen != "" {
			hub := relay.NewHub(log)
			go func() {
				log.Info("relay hub listening", "addr", cfg.Relay.Listen)
				if err := http.ListenAndServe(cfg.Relay.Listen, hub); err != nil {
					log.Error("relay hub", "error", err)
				}
			}()
		}
		if cfg.Relay.URL != "" {
			client, err = relay.Dial(cfg.Relay.URL, cfg.Identity.UserID, cfg.Identity.DeviceID)
			if err != nil {
				return err
			}
			defer client.Close()
			go receiveLoop(ctx, log, machine, client)
		}
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		case <-ticker.C:
			machine.Sweep()
			requests, err := machine.OutgoingRequests(ctx)
			if err != nil {
				log.Error("collect outgoing requests", "error", err)
				continue
			}
			for _, req := range requests {
				if client != nil {
					if err := client.Send(req); err != nil {
						log.Error("relay send", "txn_id", req.TxnID, "error", err)
						continue
					}
				}
				if err := machine.MarkRequestAsSent(ctx, req.TxnID); err != nil {
					log.Error("mark request as sent", "txn_id", req.TxnID, "error", err)
				}
			}
		}
	}
}

func receiveLoop(ctx context.Context, log *slog.Logger, machine *engine.Machine, client *relay.Client) {
	for {
		ev, err := client.Receive()
		if err != nil {
			if ctx.Err() == nil {
				log.Error("relay receive", "error", err)
			}
			return
		}
		if err := machine.HandleToDeviceEvent(ctx, ev); err != nil {
			log.Warn("handle to-device event", "type", ev.Type, "error", err)
		}
	}
}
