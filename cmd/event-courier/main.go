package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/telemetry-tools/event-courier/internal/config"
	"github.com/telemetry-tools/event-courier/internal/health"
	"github.com/telemetry-tools/event-courier/internal/logging"
	"github.com/telemetry-tools/event-courier/internal/pipeline"
	"github.com/telemetry-tools/event-courier/internal/receiver"
	"github.com/telemetry-tools/event-courier/internal/scheduler"
	"github.com/telemetry-tools/event-courier/internal/store"
	"github.com/telemetry-tools/event-courier/internal/transport"
	"github.com/telemetry-tools/event-courier/internal/tuning"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.ParseFlags()

	if cfg.ShowHelp {
		config.PrintUsage()
		os.Exit(0)
	}
	if cfg.ShowVersion {
		config.PrintVersion()
		os.Exit(0)
	}

	logging.SetDebug(cfg.Debug)
	logging.SetResource(map[string]string{"service.name": "event-courier"})

	if err := cfg.Validate(); err != nil {
		logging.Fatal("invalid configuration", logging.F("error", err.Error()))
	}

	if limit, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(cfg.MemoryLimitRatio),
		memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
	); err != nil {
		logging.Warn("failed to set GOMEMLIMIT", logging.F("error", err.Error()))
	} else {
		logging.Info("GOMEMLIMIT set", logging.F("bytes", limit))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open the event store
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logging.Fatal("failed to open event store", logging.F("error", err.Error(), "path", cfg.DatabasePath))
	}

	// Load persisted tuning and backoff state
	tun, err := tuning.Load(st, tuning.Defaults{
		MaxTotalDBSize:   cfg.MaxTotalDBSize,
		MaxBatchSize:     cfg.MaxBatchSize,
		MinBatchInterval: cfg.MinBatchInterval,
		MaxWait:          cfg.MaxWait,
	})
	if err != nil {
		logging.Fatal("failed to load tuning state", logging.F("error", err.Error()))
	}

	// Create the collection endpoint transport
	compression, _ := transport.ParseCompression(cfg.Compression)
	tr, err := transport.New(transport.Config{
		Endpoint:    cfg.EndpointURL,
		DefaultPath: cfg.EndpointPath,
		Insecure:    cfg.EndpointInsecure,
		Timeout:     cfg.UploadTimeout,
		BearerToken: cfg.AuthBearerToken,
		Compression: compression,
	})
	if err != nil {
		logging.Fatal("failed to create transport", logging.F("error", err.Error()))
	}
	defer tr.Close()

	// Wire alarm -> scheduler -> pipeline
	var pipe *pipeline.Pipeline
	alarm := scheduler.NewWakeupTimer(func() { pipe.Upload() })
	sched := scheduler.New(alarm, tun, scheduler.Config{
		BatchDelay:                  cfg.BatchDelay,
		RegionBatchDelay:            cfg.RegionBatchDelay,
		BackgroundReportingInterval: cfg.BackgroundReportingInterval,
	})
	pipe = pipeline.New(st, tun, sched, tr, pipeline.Config{QueueSize: cfg.CommandQueueSize})

	go pipe.Run(ctx)

	// Events left over from a previous run still need a wakeup.
	if count, err := st.Count(); err == nil && count > 0 {
		logging.Info("rescheduling upload for buffered events", logging.F("count", count))
		sched.Schedule(sched.NextSendDelay())
	}

	checker := health.New()
	checker.RegisterReadiness("store", st.Ping)

	ingest := receiver.New(cfg.IngestListenAddr, pipe)

	statsMux := http.NewServeMux()
	statsMux.Handle("/metrics", promhttp.Handler())
	statsMux.HandleFunc("/live", checker.LiveHandler())
	statsMux.HandleFunc("/ready", checker.ReadyHandler())
	statsServer := &http.Server{
		Addr:    cfg.StatsAddr,
		Handler: statsMux,
	}

	var g errgroup.Group
	g.Go(func() error {
		if err := ingest.Start(); err != nil && err != http.ErrServerClosed {
			logging.Error("ingest receiver error", logging.F("error", err.Error()))
			return err
		}
		return nil
	})
	g.Go(func() error {
		logging.Info("stats endpoint started", logging.F("addr", cfg.StatsAddr))
		if err := statsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("stats server error", logging.F("error", err.Error()))
			return err
		}
		return nil
	})

	logging.Info("event-courier started", logging.F(
		"ingest_addr", cfg.IngestListenAddr,
		"stats_addr", cfg.StatsAddr,
		"endpoint", cfg.EndpointURL,
		"db_path", cfg.DatabasePath,
	))

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logging.Info("shutting down")
	checker.SetShuttingDown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = ingest.Stop(shutdownCtx)
	_ = statsServer.Shutdown(shutdownCtx)
	alarm.Stop()
	cancel()
	pipe.Wait()
	_ = g.Wait()

	if err := st.Close(); err != nil {
		logging.Error("failed to close event store", logging.F("error", err.Error()))
	}

	logging.Info("shutdown complete")
}
