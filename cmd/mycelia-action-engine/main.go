package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mycelia/mycelia/core/audit"
	"github.com/mycelia/mycelia/core/controlplane/actionengine"
	"github.com/mycelia/mycelia/core/controlplane/policy"
	"github.com/mycelia/mycelia/core/infra/buildinfo"
	"github.com/mycelia/mycelia/core/infra/bus"
	"github.com/mycelia/mycelia/core/infra/config"
	"github.com/mycelia/mycelia/core/infra/memory"
	infraMetrics "github.com/mycelia/mycelia/core/infra/metrics"
	"github.com/mycelia/mycelia/core/infra/schema"
	"github.com/mycelia/mycelia/core/ingest"
)

const (
	defaultHTTPAddr   = ":9093"
	shutdownTimeout   = 3 * time.Second
	heartbeatInterval = 30 * time.Second
	senderID          = "mycelia-action-engine"
)

func main() {
	log.Println("mycelia action engine starting...")
	buildinfo.Log(senderID)

	cfg := config.Load()

	httpAddr := os.Getenv("ACTION_ENGINE_HTTP_ADDR")
	if httpAddr == "" {
		httpAddr = defaultHTTPAddr
	}

	phases, err := config.LoadPhases(cfg.PhasesConfigPath)
	if err != nil {
		log.Fatalf("load phases: %v", err)
	}
	accessPolicy, err := config.LoadAccessPolicy(cfg.AccessPolicyPath)
	if err != nil {
		log.Fatalf("load access policy: %v", err)
	}
	timeouts, err := config.LoadTimeouts(cfg.TimeoutConfig)
	if err != nil {
		log.Fatalf("load timeouts (%s): %v", cfg.TimeoutConfig, err)
	}

	taskStore, err := memory.NewRedisTaskStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("connect redis task store: %v", err)
	}
	defer taskStore.Close()

	recordStore, err := memory.NewRedisRecordStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("connect redis record store: %v", err)
	}
	defer recordStore.Close()

	quarantineStore, err := memory.NewQuarantineStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("connect redis quarantine store: %v", err)
	}
	defer quarantineStore.Close()

	trail, err := audit.NewRedisTrail(cfg.RedisURL)
	if err != nil {
		log.Fatalf("connect redis audit trail: %v", err)
	}
	defer trail.Close()

	schemaRegistry, err := schema.NewRegistry(cfg.RedisURL)
	if err != nil {
		log.Fatalf("connect redis schema registry: %v", err)
	}
	defer schemaRegistry.Close()

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		log.Fatalf("connect nats: %v", err)
	}
	defer natsBus.Close()
	trail.AttachPublisher(natsBus, senderID)

	m := infraMetrics.NewProm("mycelia_action_engine")
	checker := policy.NewChecker(accessPolicy, trail, m)
	engine := actionengine.NewEngine(natsBus, ingest.NewRouter(phases), checker, taskStore, recordStore, quarantineStore, timeouts, m, actionengine.NewTrailAuditor(trail)).
		WithSchemas(schemaRegistry)

	if err := engine.Start(); err != nil {
		log.Fatalf("start engine: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := actionengine.NewReconciler(engine, taskStore, timeouts.ScanInterval())
	go sweeper.Start(ctx)
	go engine.StartHeartbeats(ctx, heartbeatInterval)

	srv := startHealthServer(httpAddr)
	log.Printf("action engine started, http %s, scan interval %s", httpAddr, timeouts.ScanInterval())

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	log.Println("action engine stopped")
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
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("health server error: %v", err)
		}
	}()
	return srv
}
