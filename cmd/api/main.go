package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"callgate/internal/audit"
	"callgate/internal/calls"
	"callgate/internal/config"
	"callgate/internal/dispatch"
	"callgate/internal/httpapi"
	"callgate/internal/observability"
	"callgate/internal/pipeline"
	"callgate/internal/provider"
	"callgate/internal/queue"
	"callgate/internal/slots"
	"callgate/internal/webhooks"
	"callgate/pkg/logger"
	"callgate/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	observability.Register(prometheus.DefaultRegisterer)

	// External collaborators.
	var credit slots.CreditChecker
	if cfg.Provider.BillingBaseURL != "" {
		credit = provider.NewHTTPCreditChecker(cfg.Provider.BillingBaseURL, cfg.Provider.BillingToken)
	}
	placer := provider.NewHTTPPlacer(cfg.Provider.BaseURL, cfg.Provider.Token)
	analysisBase := strings.TrimRight(cfg.Provider.AnalysisBaseURL, "/")
	analysis := provider.NewHTTPAnalysisClient(
		analysisBase+"/v1/transcriptions",
		analysisBase+"/v1/lead-extractions",
		cfg.Provider.AnalysisToken,
	)

	// Core state: slot ledger in Redis so capacity survives process restarts
	// and is shared across replicas; queue, calls and pipeline tasks in
	// Postgres.
	ledger := slots.NewRedisLedger(rdb,
		slots.StaticLimits(cfg.Slots.DirectLimit, cfg.Slots.CampaignLimit, cfg.Slots.Overrides),
		cfg.QueuePolicy(), credit)
	callQueue := queue.NewPGQueue(db)
	callStore := calls.NewPGStore(db)
	taskStore := pipeline.NewPGTaskStore(db)
	faults := audit.NewService(audit.NewPGRepo(db), log)

	dispatcher := dispatch.NewDispatcher(ledger, callQueue, callStore, placer,
		cfg.AnswerURL(), cfg.HangupURL(), log)
	notifier := dispatch.NewNotifier(dispatcher,
		rate.NewLimiter(rate.Limit(cfg.Slots.DispatchRate), 1), log)
	notifier.Faults = faults
	dispatcher.Notify = notifier
	defer notifier.Stop()

	trigger := pipeline.NewTrigger(taskStore, cfg.Pipeline.RecordingDelay, cfg.Pipeline.TranscriptDelay, log)
	lifecycle := calls.NewLifecycle(callStore, ledger, notifier, trigger, log)

	worker := pipeline.NewWorker(taskStore, callStore, analysis, analysis, log)
	worker.Interval = cfg.Pipeline.WorkerInterval
	worker.RetryDelay = cfg.Pipeline.RetryDelay
	worker.MaxAttempts = cfg.Pipeline.MaxAttempts
	worker.Faults = faults
	worker.Start(rootCtx)
	defer worker.Stop()

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	api := httpapi.Handlers{
		Dispatcher: dispatcher,
		Queue:      callQueue,
		Ledger:     ledger,
		Notifier:   notifier,
	}
	push := webhooks.PushHandler{Lifecycle: lifecycle, Faults: faults}
	tel := webhooks.TelephonyHandler{
		Lifecycle: lifecycle,
		Faults:    faults,
		Route:     answerRoute(cfg),
	}
	registerRoutes(r, db, api, push, tel)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}

// answerRoute bridges an answered call to its agent's SIP endpoint and turns
// recording on. Calls without an agent are recorded and hung up.
func answerRoute(cfg config.Config) func(webhooks.AnswerForm) webhooks.AnswerDecision {
	return func(f webhooks.AnswerForm) webhooks.AnswerDecision {
		d := webhooks.AnswerDecision{
			Record:            true,
			RecordingCallback: cfg.RecordingURL(),
		}
		if f.AgentID != "" && cfg.Provider.SIPDomain != "" {
			d.ConnectTo = "sip:agent-" + f.AgentID + "@" + cfg.Provider.SIPDomain
		}
		return d
	}
}
