// Copyright 2023 Wayback Archiver. All rights reserved.
// Use of this source code is governed by the MIT
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/wabarc/emproxy"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		verbose    bool
	)

	root := &cobra.Command{
		Use:          "emproxy",
		Short:        "WireGuard loopback proxy",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "WireGuard style config file (defaults to the built-in keys)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(startCmd(&configPath), testCmd(&configPath), keygenCmd())
	return root
}

func startCmd(configPath *string) *cobra.Command {
	var addr, metricsAddr string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the proxy until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			ctl, err := newController(*configPath, emproxy.WithRegisterer(reg))
			if err != nil {
				return err
			}
			defer ctl.Close()

			if metricsAddr != "" {
				srv := &http.Server{
					Addr:              metricsAddr,
					Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logrus.WithError(err).Error("metrics server stopped")
					}
				}()
				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(ctx)
				}()
			}

			if err := ctl.Start(addr); err != nil {
				return err
			}
			<-cmd.Context().Done()
			logrus.Info("shutting down")
			return nil
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1", "address to bind, ip or ip:port")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "serve prometheus metrics on this address")
	return cmd
}

func testCmd(configPath *string) *cobra.Command {
	var iterations int

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Run the self-test",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl, err := newController(*configPath)
			if err != nil {
				return err
			}
			return ctl.TestContext(cmd.Context(), iterations)
		},
	}
	cmd.Flags().IntVarP(&iterations, "iterations", "n", 10, "number of self-test iterations")
	return cmd
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a new key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, err := wgtypes.GeneratePrivateKey()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "PrivateKey = %s\nPublicKey = %s\n", priv, priv.PublicKey())
			return nil
		},
	}
}

func newController(configPath string, opts ...emproxy.Option) (*emproxy.Controller, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	engine, err := emproxy.NewWireGuardEngine(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return emproxy.NewController(engine, opts...), nil
}

func loadConfig(path string) (*emproxy.DeviceConfig, error) {
	if path == "" {
		return emproxy.DefaultConfig()
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg, err := emproxy.LoadConfig(f)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if err := cfg.LoadEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}
