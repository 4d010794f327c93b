package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gregtusar/fixgateway/api"
	"github.com/gregtusar/fixgateway/internal/config"
	"github.com/gregtusar/fixgateway/pkg/gateway"
	"github.com/gregtusar/fixgateway/pkg/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

var cfgFile string

// shutdownGrace is added to the cancel timeout when waiting for a clean stop.
const shutdownGrace = 10 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:          "fix-gateway",
		Short:        "FIX gateway client with order and position reconciliation",
		SilenceUsage: true,
		RunE:         runGateway,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Connect to the FIX bridge and run the gateway",
		RunE:  runGateway,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LoggingConfig) (*logrus.Logger, func(), error) {
	logger := logrus.New()
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	closer := func() {}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logger.SetOutput(f)
		closer = func() { f.Close() }
	}
	return logger, closer, nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, closeLog, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()

	auth, err := session.NewAuthenticator(cfg.Credentials())
	if err != nil {
		return fmt.Errorf("failed to create authenticator: %w", err)
	}
	bridge := session.NewBridge(cfg.BridgeConfig(), auth, logger)

	exporter, err := gateway.NewFileExporter(cfg.Gateway.ExportDir)
	if err != nil {
		return fmt.Errorf("failed to create history exporter: %w", err)
	}

	dispatcher, err := gateway.NewDispatcher(cfg.DispatcherConfig(), bridge, exporter, nil, logger)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	dispatcher.SetMetrics(reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	apiServer := api.NewServer(dispatcher, reg, logger, cfg.Server.Port)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.WithError(err).Error("API server stopped")
		}
	}()

	go dispatcher.Run(ctx)

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	logger.Info("FIX gateway is running. Press Ctrl+C to stop.")

	select {
	case <-dispatcher.Done():
		return dispatcher.Err()
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Received shutdown signal")
	}

	// cancel open orders and log out; a second signal or the deadline aborts
	dispatcher.Stop()
	timeout := cfg.Gateway.CancelTimeout + shutdownGrace
	select {
	case <-dispatcher.Done():
	case <-sigChan:
		logger.Warn("Second signal, aborting")
		cancel()
		<-dispatcher.Done()
	case <-time.After(timeout):
		logger.WithField("timeout", timeout).Warn("Dispatcher did not stop in time, aborting")
		cancel()
		<-dispatcher.Done()
	}

	if err := dispatcher.Err(); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Warn("Dispatcher exited with error")
	}
	logger.Info("FIX gateway stopped")
	return nil
}
