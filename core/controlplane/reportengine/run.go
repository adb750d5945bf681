package reportengine

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mycelia/mycelia/core/audit"
	"github.com/mycelia/mycelia/core/controlplane/actionengine"
	"github.com/mycelia/mycelia/core/controlplane/policy"
	"github.com/mycelia/mycelia/core/infra/archive"
	"github.com/mycelia/mycelia/core/infra/buildinfo"
	"github.com/mycelia/mycelia/core/infra/bus"
	"github.com/mycelia/mycelia/core/infra/config"
	"github.com/mycelia/mycelia/core/infra/logging"
	"github.com/mycelia/mycelia/core/infra/memory"
	infraMetrics "github.com/mycelia/mycelia/core/infra/metrics"
	"github.com/mycelia/mycelia/core/report"
)

const (
	defaultHTTPAddr        = ":9094"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 5 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 3 * time.Second
	heartbeatInterval      = 30 * time.Second
)

// Run starts the report engine component and blocks until SIGINT/SIGTERM.
func Run(cfg *config.Config) error {
	if cfg == nil {
		cfg = config.Load()
	}

	httpAddr := os.Getenv("REPORT_ENGINE_HTTP_ADDR")
	if httpAddr == "" {
		httpAddr = defaultHTTPAddr
	}

	accessPolicy, err := config.LoadAccessPolicy(cfg.AccessPolicyPath)
	if err != nil {
		return fmt.Errorf("load access policy: %w", err)
	}
	timeouts, err := config.LoadTimeouts(cfg.TimeoutConfig)
	if err != nil {
		return fmt.Errorf("load timeouts (%s): %w", cfg.TimeoutConfig, err)
	}

	recordStore, err := memory.NewRedisRecordStore(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis record store: %w", err)
	}
	defer recordStore.Close()

	taskStore, err := memory.NewRedisTaskStore(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis task store: %w", err)
	}
	defer taskStore.Close()

	archiveStore, err := archive.NewRedisStore(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis archive: %w", err)
	}
	defer archiveStore.Close()

	scheduleStore, err := report.NewScheduleStore(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis schedule store: %w", err)
	}
	defer scheduleStore.Close()

	trail, err := audit.NewRedisTrail(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis audit trail: %w", err)
	}
	defer trail.Close()

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer natsBus.Close()
	trail.AttachPublisher(natsBus, defaultSenderID)

	m := infraMetrics.NewReportProm("mycelia_report_engine")
	checker := policy.NewChecker(accessPolicy, trail, infraMetrics.NewProm("mycelia"))
	builder := report.NewBuilder(nil, buildinfo.Version)

	engine := NewEngine(natsBus, recordStore, taskStore, builder, archiveStore, checker, m, actionengine.NewTrailAuditor(trail)).
		WithSchedules(scheduleStore)

	if err := engine.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go engine.StartSchedules(ctx, timeouts.ScheduleInterval())
	go engine.StartHeartbeats(ctx, heartbeatInterval)

	srv := startHealthServer(httpAddr)
	logging.Info("report-engine", "started", "http", httpAddr, "schedule_interval", timeouts.ScheduleInterval().String())

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	logging.Info("report-engine", "stopped")
	return nil
}

func startHealthServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", infraMetrics.Handler())

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("report-engine", "http server error", "error", err)
		}
	}()
	return srv
}
