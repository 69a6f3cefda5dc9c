package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/oriys/hvbus/internal/config"
	"github.com/oriys/hvbus/internal/hostemu"
	"github.com/oriys/hvbus/internal/logging"
	"github.com/oriys/hvbus/internal/metrics"
	"github.com/oriys/hvbus/internal/protocol"
)

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}

func serveCmd() *cobra.Command {
	var (
		addr     string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the emulated host daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Emulator.Addr = addr
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}

			logging.SetLevelFromString(cfg.Log.Level)
			logging.InitStructured(cfg.Log.Format, cfg.Log.Level)

			maxVersion, err := protocol.ParseVersion(cfg.Emulator.MaxVersion)
			if err != nil {
				return err
			}

			ln, err := hostemu.Listen(cfg.Emulator.UseVsock, cfg.Emulator.Addr, cfg.Emulator.Port)
			if err != nil {
				return err
			}
			srv := hostemu.NewServer(ln, maxVersion)
			logging.Op().Info("emulated host listening",
				"addr", ln.Addr().String(),
				"vsock", cfg.Emulator.UseVsock,
				"max_version", maxVersion.String())

			var metricsServer *http.Server
			if cfg.Metrics.Enabled {
				metrics.Init(cfg.Metrics.Namespace)
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
			}

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				err := srv.Serve()
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				return err
			})
			if metricsServer != nil {
				g.Go(func() error {
					err := metricsServer.ListenAndServe()
					if errors.Is(err, http.ErrServerClosed) {
						return nil
					}
					return err
				})
			}
			g.Go(func() error {
				<-ctx.Done()
				srv.Close()
				if metricsServer != nil {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					metricsServer.Shutdown(shutdownCtx)
				}
				return nil
			})

			err = g.Wait()
			logging.Op().Info("emulated host stopped")
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (overrides config)")

	return cmd
}
