package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/spear-bpm/spear/internal/config"
	"github.com/spear-bpm/spear/internal/rest"
	"github.com/spear-bpm/spear/pkg/bpmn"
	"github.com/spear-bpm/spear/pkg/rdf"
)

func main() {
	conf, err := config.Init()
	if err != nil {
		hclog.Default().Error("configuration", "error", err)
		os.Exit(1)
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:       conf.Name,
		Level:      hclog.LevelFromString(conf.LogLevel),
		JSONFormat: true,
	})

	store, err := rdf.Open(conf.Store.Dir, logger)
	if err != nil {
		logger.Error("open graph store", "dir", conf.Store.Dir, "error", err)
		os.Exit(1)
	}

	engine, err := bpmn.NewEngine(store,
		bpmn.WithLogger(logger),
		bpmn.WithConfig(conf.Engine),
		bpmn.WithMetricsRegistry(prometheus.DefaultRegisterer),
	)
	if err != nil {
		logger.Error("engine init", "error", err)
		os.Exit(1)
	}
	engine.Start()

	server := rest.NewServer(engine, conf, logger)
	server.Start()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logger.Info("shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Stop(ctx)
	if err := engine.Stop(); err != nil {
		logger.Error("engine shutdown", "error", err)
	}
}
