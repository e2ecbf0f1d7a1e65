package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/midcurve/autoclose/internal/broker"
	"github.com/midcurve/autoclose/internal/chain"
	"github.com/midcurve/autoclose/internal/config"
	"github.com/midcurve/autoclose/internal/db"
	"github.com/midcurve/autoclose/internal/executor"
	"github.com/midcurve/autoclose/internal/lifecycle"
	"github.com/midcurve/autoclose/internal/logging"
	"github.com/midcurve/autoclose/internal/metrics"
	"github.com/midcurve/autoclose/internal/notifications"
	"github.com/midcurve/autoclose/internal/repository"
	"github.com/midcurve/autoclose/internal/signer"
	"github.com/midcurve/autoclose/internal/swapquote"
	"github.com/midcurve/autoclose/internal/trigger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	cfg.Print()

	log := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})

	pool, err := db.Connect(cfg.DSN())
	if err != nil {
		log.WithError(err).Fatal("connect database")
	}
	defer pool.Close()
	if err := db.TestConnection(pool); err != nil {
		log.WithError(err).Fatal("database health check")
	}

	orderRepo := repository.NewOrderRepo(pool)
	positionRepo := repository.NewPositionRepo(pool)
	subRepo := repository.NewSubscriptionRepo(pool)

	chainClient, err := chain.NewClient(cfg.RPCEndpoint, cfg.ChainID, cfg.GasLimitFallback, cfg.GasMultiplier)
	if err != nil {
		log.WithError(err).Fatal("connect chain RPC")
	}
	defer chainClient.Close()

	conn := broker.NewConnection(
		cfg.BrokerURL,
		time.Duration(cfg.BrokerReconnectDelay)*time.Second,
		cfg.BrokerMaxReconnects,
		logging.Component(log, "broker"),
	)

	notify := notifications.NewSender(cfg.WebhookURL, logging.Component(log, "notifications"))
	quotes := swapquote.NewClient(cfg.QuoteAPIURL)
	txSigner := signer.NewClient(cfg.SignerURL)

	pipeline := executor.NewPipeline(
		chainClient, positionRepo, quotes, txSigner,
		cfg.OperatorAddress, cfg.ManagerAddress, cfg.CloserAddress,
		cfg.Confirmations,
		logging.Component(log, "pipeline"),
	)
	rechecks := executor.NewRecheckScheduler(
		orderRepo, positionRepo, chainClient, conn, notify,
		time.Duration(cfg.RetryDelaySecs)*time.Second,
		cfg.MaxExecutionAttempts,
		logging.Component(log, "recheck"),
	)
	engine := executor.NewEngine(
		conn, orderRepo, subRepo, pipeline, rechecks, notify,
		cfg.ExecutorPoolSize, cfg.MaxExecutionAttempts,
		logging.Component(log, "executor"),
	)

	eval := trigger.NewEvaluator(orderRepo, conn, notify, logging.Component(log, "trigger"))
	polling := trigger.NewPollingMonitor(
		subRepo, chainClient, eval, cfg.ChainID,
		time.Duration(cfg.PollIntervalSecs)*time.Second,
		logging.Component(log, "polling"),
	)

	events := buildEventMonitor(cfg, chainClient, orderRepo, positionRepo, subRepo, eval, conn, log)

	mgr := lifecycle.NewManager(
		conn, engine, polling, events, cfg.TriggerMode,
		logging.Component(log, "lifecycle"),
	)

	metricsSrv := startMetricsServer(cfg.MetricsPort, mgr, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mgr.Start(ctx); err != nil {
		log.WithError(err).Fatal("start worker")
	}

	<-ctx.Done()
	log.Info("shutdown signal received")

	mgr.Stop()

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutCtx)
}

// buildEventMonitor wires the websocket strategy. The stream handler and the
// monitor reference each other, so the monitor is built first with the
// stream injected afterwards via the handler closure.
func buildEventMonitor(
	cfg *config.Config,
	chainClient *chain.Client,
	orderRepo *repository.OrderRepo,
	positionRepo *repository.PositionRepo,
	subRepo *repository.SubscriptionRepo,
	eval *trigger.Evaluator,
	conn *broker.Connection,
	log *logrus.Logger,
) *trigger.EventMonitor {
	var monitor *trigger.EventMonitor
	stream := trigger.NewSwapStream(
		cfg.RPCWSEndpoint,
		chain.SwapTopic.Hex(),
		func(pool string, data []byte) { monitor.HandleSwapLog(pool, data) },
		time.Duration(cfg.BrokerReconnectDelay)*time.Second,
		cfg.BrokerMaxReconnects,
		logging.Component(log, "stream"),
	)
	monitor = trigger.NewEventMonitor(
		stream, chainClient, orderRepo, positionRepo, subRepo, chainClient,
		eval, conn, cfg.ChainID, candleBucket(cfg.CandleTimeframe),
		time.Duration(cfg.ReconcileMinutes)*time.Minute,
		logging.Component(log, "events"),
	)
	return monitor
}

func candleBucket(timeframe string) time.Duration {
	if d, err := time.ParseDuration(timeframe); err == nil && d > 0 {
		return d
	}
	return time.Minute
}

func startMetricsServer(port int, mgr *lifecycle.Manager, log *logrus.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if mgr.Healthy() {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "ok")
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, "degraded")
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server")
		}
	}()
	return srv
}
