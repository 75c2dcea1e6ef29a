package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	appfulfillment "github.com/Zhima-Mochi/minishop-fulfillment/internal/application/fulfillment"
	appinventory "github.com/Zhima-Mochi/minishop-fulfillment/internal/application/inventory"
	apppayment "github.com/Zhima-Mochi/minishop-fulfillment/internal/application/payment"
	appshipping "github.com/Zhima-Mochi/minishop-fulfillment/internal/application/shipping"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/config"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/infrastructure/observability/oteltrace"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/infrastructure/observability/prometrics"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/infrastructure/observability/telemetry"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/infrastructure/observability/zaplogger"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/infrastructure/outbox"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/pkg/logging"
	httppresentation "github.com/Zhima-Mochi/minishop-fulfillment/internal/presentation/http"
	workerpresentation "github.com/Zhima-Mochi/minishop-fulfillment/internal/presentation/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		// No structured logger exists yet.
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		return 2
	}

	baseLogger, err := logging.NewLogger(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		return 2
	}
	defer func() { _ = baseLogger.Sync() }()
	zap.ReplaceGlobals(baseLogger)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	tel := telemetry.New(
		oteltrace.New(cfg.ServiceName),
		zaplogger.New(baseLogger),
		prometrics.New(reg, ""),
	)
	systemLogger := tel.Logger().With(observability.F("component", "main"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bk, err := openBackends(ctx, cfg, tel)
	if err != nil {
		systemLogger.Error("backend_init_failed", observability.F("error", err.Error()))
		return 1
	}
	defer bk.close(systemLogger)

	systemLogger.Info("backends_ready",
		observability.F("store", cfg.Store.Backend),
		observability.F("lock", cfg.Lock.Backend),
		observability.F("mock_providers", cfg.Providers.Mock),
		observability.F("kafka", len(cfg.Kafka.Brokers) > 0),
	)

	// In-process bus carries fulfillment.requested to the worker; outcome
	// events additionally go to Kafka when brokers are configured.
	bus := outbox.NewBus(tel.Logger(),
		outbox.WithHandlerTimeout(handlerTimeout(cfg.Fulfillment)),
	)
	events := outbox.Fanout{bus}
	if bk.kafka != nil {
		events = append(events, bk.kafka)
	}

	policy := appfulfillment.Policy{
		MaxAttempts:     cfg.Fulfillment.MaxAttempts,
		InitialInterval: cfg.Fulfillment.BackoffInitial,
		MaxInterval:     cfg.Fulfillment.BackoffMax,
		Multiplier:      2,
		StepTimeout:     cfg.Fulfillment.StepTimeout,
		LockTTL:         cfg.Fulfillment.LockTTL,
	}

	acceptUC := appfulfillment.NewAcceptUseCase(bk.repo, bus, tel)
	processUC := appfulfillment.NewProcessUseCase(appfulfillment.ProcessDeps{
		Repo:     bk.repo,
		Ledger:   bk.ledger,
		Labels:   bk.labels,
		Notifier: bk.notifier,
		Locker:   bk.locker,
		Events:   events,
	}, policy, tel)
	checkStockUC := appinventory.NewCheckStockUseCase(bk.ledger, tel)
	createSessionUC := apppayment.NewCreateSessionUseCase(bk.gateway, checkStockUC, tel)
	quoteRatesUC := appshipping.NewQuoteRatesUseCase(bk.rates, tel)

	worker := appfulfillment.NewWorker(bus, processUC, workerpresentation.EventDecorator(tel.Logger(), tel), tel)
	worker.Start()
	bus.Start(ctx)

	sweeper := appfulfillment.NewSweeper(bk.repo, bus, cfg.Fulfillment.SweepInterval, cfg.Fulfillment.SweepAge, tel)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweeper.Run(ctx)
	}()

	handler := httppresentation.NewHandler(httppresentation.Deps{
		Verifier:      bk.gateway,
		Accept:        acceptUC,
		CreateSession: createSessionUC,
		QuoteRates:    quoteRatesUC,
		CheckStock:    checkStockUC,
		Fulfillments:  appfulfillment.NewQuery(bk.repo),
		Metrics:       promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	}, tel.Logger(), tel)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		systemLogger.Info("http_server_start",
			observability.F("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		systemLogger.Error("http_server_error", observability.F("error", err.Error()))
		exitCode = 1
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		systemLogger.Error("http_server_shutdown_error",
			observability.F("error", err.Error()),
		)
	} else {
		systemLogger.Info("http_server_stopped")
	}

	// Runs still in flight at the deadline are canceled and resumed by the
	// sweeper after restart.
	<-sweepDone
	bus.Stop(shutdownCtx)
	systemLogger.Info("shutdown_complete")
	return exitCode
}

// handlerTimeout bounds one bus delivery: every retry pass plus the backoff
// between passes has to fit.
func handlerTimeout(fc config.FulfillmentConfig) time.Duration {
	passes := time.Duration(fc.MaxAttempts)
	return passes*(3*fc.StepTimeout) + passes*fc.BackoffMax
}
