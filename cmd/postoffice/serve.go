// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/turtacn/mqtt-postoffice/pkg/admin"
	"github.com/turtacn/mqtt-postoffice/pkg/broker"
	"github.com/turtacn/mqtt-postoffice/pkg/config"
	"github.com/turtacn/mqtt-postoffice/pkg/logger"
	"github.com/turtacn/mqtt-postoffice/pkg/metrics"
	"github.com/turtacn/mqtt-postoffice/pkg/monitor"
)

const healthInterval = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			log, err := logger.Setup(cfg.LoggerOptions())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.LoadConfig(path)
}

// serve runs the broker and its side servers until ctx is done or one of
// them fails. Empty addresses disable the matching server.
func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	b, err := broker.New(cfg, broker.WithLogger(log))
	if err != nil {
		return err
	}
	defer b.Close()

	checker := monitor.NewHealthChecker(monitor.Options{
		Node:    cfg.Broker.NodeID,
		Version: version,
		Logger:  log,
	})
	checker.RegisterCheck("broker", b.Ready, true)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := b.ListenAndServe(ctx, cfg.Broker.MQTTAddr); err != nil && !errors.Is(err, broker.ErrClosed) {
			return fmt.Errorf("mqtt listener: %w", err)
		}
		return nil
	})
	g.Go(func() error { return checker.Run(ctx, healthInterval) })
	if addr := cfg.Broker.MetricsAddr; addr != "" {
		g.Go(func() error { return metrics.Serve(ctx, addr, log) })
	}
	if addr := cfg.Broker.HealthAddr; addr != "" {
		g.Go(func() error { return monitor.ServeHTTP(ctx, addr, checker, log) })
	}
	if addr := cfg.Broker.GRPCAddr; addr != "" {
		g.Go(func() error { return monitor.ServeGRPC(ctx, addr, checker, log) })
	}
	if addr := cfg.Broker.AdminAddr; addr != "" {
		api := admin.NewAPIServer(b, admin.Options{Node: cfg.Broker.NodeID, Logger: log})
		g.Go(func() error { return admin.Serve(ctx, addr, api) })
	}
	log.Info("serving", "node", cfg.Broker.NodeID, "mqtt_addr", cfg.Broker.MQTTAddr, "version", version)

	<-ctx.Done()
	log.Info("shutting down")
	_ = b.Close()
	return g.Wait()
}
