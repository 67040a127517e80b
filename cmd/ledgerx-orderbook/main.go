package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"

	"ledger_books/internal/audit"
	"ledger_books/internal/config"
	"ledger_books/internal/contracts"
	"ledger_books/internal/feed"
	"ledger_books/internal/ledgerx"
	"ledger_books/internal/logging"
	"ledger_books/internal/metrics"
	"ledger_books/internal/sink"
	"ledger_books/internal/ws"
)

var (
	configFlag   = flag.String("config", "", "optional YAML config file")
	noProgress   = flag.Bool("no-progress", false, "disable the snapshot progress bar")
	contractFlag = flag.String("contracts", "", "override contracts: 'all' or comma separated ids")
)

func main() {
	flag.Parse()
	if *contractFlag != "" {
		_ = os.Setenv(config.EnvPrefix+"_CONTRACTS", *contractFlag)
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	logger := logging.Setup(logging.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, Output: os.Stdout})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	trail, err := audit.New(cfg.Log.AuditDir, "ledgerx-orderbook")
	if err != nil {
		logger.Fatal().Err(err).Msg("audit trail")
	}
	defer trail.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	metricsSrv := metrics.StartServer(cfg.Metrics.Listen, reg, logger)

	mode, _ := sink.ParseMode(cfg.Output.Mode)
	pub, err := sink.Open(ctx, sink.Options{
		Driver:            cfg.Sink.Driver,
		Brokers:           cfg.Sink.Brokers,
		Topic:             cfg.Sink.Topic,
		RedisAddr:         cfg.Sink.RedisAddr,
		Partitions:        cfg.Sink.Partitions,
		ReplicationFactor: cfg.Sink.ReplicationFactor,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Sink.Driver).Msg("open sink")
	}
	out := sink.New(sink.Encoder{Mode: mode, Depth: cfg.Output.Depth}, pub, cfg.Sink.Driver, logger, m)
	defer out.Close()

	handoff := sink.NewHandoff(out.Publish, m)
	handoffCtx, stopHandoff := context.WithCancel(context.Background())
	handoffDone := make(chan struct{})
	go func() {
		handoff.Run(handoffCtx)
		close(handoffDone)
	}()

	client := ledgerx.NewClient(cfg.RESTURL, cfg.BookStatesURL, cfg.APIKey)
	conn := ws.New(ws.Config{
		URL:         ledgerx.WebsocketURL(cfg.WSURL, cfg.APIKey),
		ReadTimeout: cfg.Feed.ReadTimeout,
		Reconnect:   cfg.Feed.Reconnect,
	}, logger)

	total := int64(len(cfg.ContractIDs))
	if cfg.AllContracts {
		total = -1
	}
	var bar *progressbar.ProgressBar
	if !*noProgress {
		bar = progressbar.Default(total, "loading books")
	}

	ctrl := feed.New(feed.Config{
		Contracts:          cfg.ContractIDs,
		All:                cfg.AllContracts,
		WarmUp:             cfg.Feed.WarmUp,
		WaitForHeartbeat:   cfg.Feed.WaitForHeartbeat,
		LogCapacity:        cfg.Feed.LogCapacity,
		MaxConcurrentLoads: cfg.Feed.MaxConcurrentLoads,
		AutoResync:         cfg.Feed.AutoResync,
		ResyncAttempts:     cfg.Feed.ResyncAttempts,
		Audit:              trail,
		OnSnapshot: func(int64, error) {
			if bar != nil {
				_ = bar.Add(1)
			}
		},
	}, conn, client, handoff.Offer, logger, m)

	logger.Info().
		Str("contracts", contracts.Format(cfg.ContractIDs, cfg.AllContracts)).
		Str("sink", cfg.Sink.Driver).
		Str("topic", cfg.Sink.Topic).
		Str("output", string(mode)).
		Int("depth", cfg.Output.Depth).
		Msg("Starting LedgerX Orderbook Follower")

	startErr := ctrl.Start(ctx)
	if bar != nil {
		_ = bar.Finish()
	}
	if startErr != nil {
		live := 0
		for _, id := range ctrl.Contracts() {
			if ctrl.State(id) == feed.StateLive {
				live++
			}
		}
		if live == 0 || errors.Is(startErr, context.Canceled) {
			logger.Error().Err(startErr).Msg("feed failed to start")
			_ = ctrl.Stop()
			stopHandoff()
			<-handoffDone
			return
		}
		logger.Warn().Err(startErr).Int("live", live).Msg("some books failed to load")
	}
	logger.Info().Int("contracts", len(ctrl.Contracts())).Msg("feed running")

	<-ctx.Done()
	logger.Info().Msg("Interrupt received, shutting down...")

	if err := ctrl.Stop(); err != nil {
		logger.Warn().Err(err).Msg("stop feed")
	}
	stopHandoff()
	<-handoffDone
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
}
