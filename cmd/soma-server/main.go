package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/jdblischak/TileDB-SOMA/api"
	"github.com/jdblischak/TileDB-SOMA/engine"
	"github.com/jdblischak/TileDB-SOMA/network"
	"github.com/jdblischak/TileDB-SOMA/soma"
)

func main() {
	var (
		addr        = flag.String("addr", ":50051", "array service listen address")
		metricsAddr = flag.String("metrics-addr", ":9090", "metrics listen address")
		notifyHost  = flag.String("notify-host", "127.0.0.1", "change feed bind host")
		notifyPort  = flag.Int("notify-port", 5556, "change feed bind port")
	)
	flag.Parse()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	store := engine.NewStore()
	ctx := soma.NewContext(store, nil).WithLogger(logger)

	auth, err := api.NewAuthenticatorFromEnv(logger)
	if err != nil {
		level.Error(logger).Log("msg", "failed to configure authentication", "err", err)
		os.Exit(1)
	}
	if auth.IsEnabled() {
		level.Info(logger).Log("msg", "authentication enabled")
	}

	notifier := network.NewNotifier(*notifyHost, *notifyPort)
	if err := notifier.Start(); err != nil {
		level.Error(logger).Log("msg", "failed to start change feed", "err", err)
		os.Exit(1)
	}
	defer notifier.Stop()

	metricsServer := api.NewMetricsServer(*metricsAddr)
	metricsServer.StartAsync()
	defer func() {
		if err := metricsServer.Stop(); err != nil {
			level.Warn(logger).Log("msg", "metrics server stop failed", "err", err)
		}
	}()

	server := api.NewArrowServer(ctx, auth, api.DefaultMetrics, notifier, logger)
	if err := server.StartAsync(*addr); err != nil {
		level.Error(logger).Log("msg", "failed to start server", "err", err)
		os.Exit(1)
	}

	level.Info(logger).Log("msg", "array service started", "addr", *addr, "metrics", *metricsAddr, "feed", notifier.Address())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	level.Info(logger).Log("msg", "shutting down")
	server.Stop()
}
