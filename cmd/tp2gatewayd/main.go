// Command tp2gatewayd runs the TP2.0/KWP2000 diagnostics gateway: it
// opens a CAN bus backend, drives the polling scheduler, and serves
// the JSON command/diagnostics/system-events endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/tp2diag/gateway/pkg/can"
	_ "github.com/tp2diag/gateway/pkg/can/socketcan"
	_ "github.com/tp2diag/gateway/pkg/can/virtual"
	"github.com/tp2diag/gateway/pkg/config"
	"github.com/tp2diag/gateway/pkg/scheduler"
	"github.com/tp2diag/gateway/pkg/transport"
)

func main() {
	configPath := flag.String("config", "", "path to gateway.ini (defaults used if omitted)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg := config.Defaults()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Error("failed to load config", "path", *configPath, "err", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("gateway exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.ServiceConfig, logger *slog.Logger) error {
	bus, err := can.NewBus(cfg.CAN.Interface, cfg.CAN.Channel)
	if err != nil {
		return fmt.Errorf("opening can interface %s/%s: %w", cfg.CAN.Interface, cfg.CAN.Channel, err)
	}

	bm := can.NewBusManager(bus, logger)
	if err := bm.Connect(); err != nil {
		return fmt.Errorf("connecting can bus: %w", err)
	}
	defer bm.Disconnect()

	factory := scheduler.NewTP2ChannelFactory(bm, logger, scheduler.ChannelConfig{
		TesterIDBase: cfg.Session.TesterIDBase,
		BlockSize:    cfg.Session.BlockSize,
		T1:           cfg.Session.T1,
		T3:           cfg.Session.T3,
	})
	sch := scheduler.New(factory, nil, logger, cfg.Session.Type)

	srv := transport.NewServer(cfg.Endpoints.ListenAddr, sch, sch, logger)
	sch.SetPublisher(srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sch.Run(ctx)

	go func() {
		logger.Info("serving control surface", "addr", cfg.Endpoints.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("transport server error", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()
	sch.Stop()
	return srv.Close()
}
