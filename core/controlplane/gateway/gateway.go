// Package gateway is the HTTP and WebSocket surface of the platform. Reads go
// straight to Redis, writes go through the bus: report requests and task
// lifecycle commands are published for the engines, never applied here.
package gateway

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mycelia/mycelia/core/audit"
	"github.com/mycelia/mycelia/core/configsvc"
	"github.com/mycelia/mycelia/core/controlplane/policy"
	"github.com/mycelia/mycelia/core/infra/archive"
	"github.com/mycelia/mycelia/core/infra/bus"
	"github.com/mycelia/mycelia/core/infra/buildinfo"
	"github.com/mycelia/mycelia/core/infra/config"
	"github.com/mycelia/mycelia/core/infra/locks"
	"github.com/mycelia/mycelia/core/infra/logging"
	"github.com/mycelia/mycelia/core/infra/memory"
	infraMetrics "github.com/mycelia/mycelia/core/infra/metrics"
	"github.com/mycelia/mycelia/core/infra/registry"
	"github.com/mycelia/mycelia/core/infra/schema"
	"github.com/mycelia/mycelia/core/ingest"
	"github.com/mycelia/mycelia/core/protocol/wire"
	"github.com/mycelia/mycelia/core/report"
)

const (
	defaultHTTPAddr       = ":8081"
	defaultMetricsAddr    = ":9092"
	defaultRateLimitRPS   = 50
	defaultRateLimitBurst = 100
	// #nosec G101 -- protocol label, not a credential.
	wsAPIKeyProtocol = "mycelia-api-key"

	defaultListLimit = 50
	maxListLimit     = 500
)

const (
	envGatewayHTTPAddr    = "GATEWAY_HTTP_ADDR"
	envGatewayMetricsAddr = "GATEWAY_METRICS_ADDR"
)

// Bus is the message bus slice the gateway needs.
type Bus interface {
	Publish(subject string, env *wire.Envelope) error
	Subscribe(subject, queue string, handler func(*wire.Envelope) error) error
}

type server struct {
	bus        Bus
	tasks      *memory.RedisTaskStore
	records    *memory.RedisRecordStore
	quarantine *memory.QuarantineStore
	archive    archive.Store
	trail      audit.Trail
	checker    *policy.Checker
	schemas    *schema.Registry
	schedules  *report.ScheduleStore
	settings   *configsvc.Service
	lockStore  locks.Store
	router     *ingest.Router

	beats   map[string]registry.Beat
	beatsMu sync.RWMutex

	clients   map[*websocket.Conn]chan []byte
	clientsMu sync.RWMutex
	eventsCh  chan []byte

	metrics infraMetrics.GatewayMetrics
	exports infraMetrics.ReportMetrics
	tenant  string
	started time.Time
	auth    AuthProvider
}

var upgrader = websocket.Upgrader{
	CheckOrigin:  func(r *http.Request) bool { return isAllowedOrigin(r) },
	Subprotocols: []string{wsAPIKeyProtocol},
}

type tokenBucket struct {
	tokens chan struct{}
}

func newTokenBucket(rps, burst int) *tokenBucket {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	tb := &tokenBucket{tokens: make(chan struct{}, burst)}
	for i := 0; i < burst; i++ {
		tb.tokens <- struct{}{}
	}
	interval := time.Second / time.Duration(rps)
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			select {
			case tb.tokens <- struct{}{}:
			default:
			}
		}
	}()
	return tb
}

func newTokenBucketFromEnv() *tokenBucket {
	rps := defaultRateLimitRPS
	burst := defaultRateLimitBurst
	if val := os.Getenv("API_RATE_LIMIT_RPS"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil && parsed > 0 {
			rps = parsed
		}
	}
	if val := os.Getenv("API_RATE_LIMIT_BURST"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil && parsed > 0 {
			burst = parsed
		}
	}
	return newTokenBucket(rps, burst)
}

func (tb *tokenBucket) Allow() bool {
	if tb == nil {
		return true
	}
	select {
	case <-tb.tokens:
		return true
	default:
		return false
	}
}

var apiLimiter = newTokenBucketFromEnv()

// Run starts the gateway with the basic env-configured auth provider.
func Run(cfg *config.Config) error {
	return RunWithAuth(cfg, nil)
}

// RunWithAuth starts the gateway with a custom auth provider. When nil, keys
// come from MYCELIA_API_KEYS.
func RunWithAuth(cfg *config.Config, provider AuthProvider) error {
	if cfg == nil {
		cfg = config.Load()
	}
	httpAddr := addrFromEnv(envGatewayHTTPAddr, defaultHTTPAddr)
	metricsAddr := addrFromEnv(envGatewayMetricsAddr, defaultMetricsAddr)

	tenantID := strings.TrimSpace(os.Getenv("TENANT_ID"))
	if tenantID == "" {
		tenantID = "default"
	}

	gwMetrics := infraMetrics.NewGatewayProm("mycelia_api_gateway")
	if provider == nil {
		basic, err := newBasicAuthProvider(tenantID)
		if err != nil {
			return fmt.Errorf("init auth: %w", err)
		}
		provider = basic
	}

	phases, err := config.LoadPhases(cfg.PhasesConfigPath)
	if err != nil {
		return fmt.Errorf("load phases: %w", err)
	}
	accessPolicy, err := config.LoadAccessPolicy(cfg.AccessPolicyPath)
	if err != nil {
		return fmt.Errorf("load access policy: %w", err)
	}

	taskStore, err := memory.NewRedisTaskStore(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis task store: %w", err)
	}
	defer taskStore.Close()

	recordStore, err := memory.NewRedisRecordStore(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis record store: %w", err)
	}
	defer recordStore.Close()

	quarantineStore, err := memory.NewQuarantineStore(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis quarantine store: %w", err)
	}
	defer quarantineStore.Close()

	archiveStore, err := archive.NewRedisStore(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis archive: %w", err)
	}
	defer archiveStore.Close()

	trail, err := audit.NewRedisTrail(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis audit trail: %w", err)
	}
	defer trail.Close()

	schemaRegistry, err := schema.NewRegistry(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis schema registry: %w", err)
	}
	defer schemaRegistry.Close()

	scheduleStore, err := report.NewScheduleStore(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis schedule store: %w", err)
	}
	defer scheduleStore.Close()

	settingsSvc, err := configsvc.New(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis settings service: %w", err)
	}
	defer settingsSvc.Close()

	lockStore, err := locks.NewRedisStore(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis lock store: %w", err)
	}
	defer lockStore.Close()

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer natsBus.Close()
	trail.AttachPublisher(natsBus, "mycelia-api-gateway")

	checker := policy.NewChecker(accessPolicy, trail, infraMetrics.NewProm("mycelia"))

	s := &server{
		bus:        natsBus,
		tasks:      taskStore,
		records:    recordStore,
		quarantine: quarantineStore,
		archive:    archiveStore,
		trail:      trail,
		checker:    checker,
		schemas:    schemaRegistry,
		schedules:  scheduleStore,
		settings:   settingsSvc,
		lockStore:  lockStore,
		router:     ingest.NewRouter(phases),
		beats:      make(map[string]registry.Beat),
		clients:    make(map[*websocket.Conn]chan []byte),
		eventsCh:   make(chan []byte, 512),
		metrics:    gwMetrics,
		exports:    infraMetrics.NewReportProm("mycelia_api_gateway"),
		tenant:     tenantID,
		started:    time.Now().UTC(),
		auth:       provider,
	}

	s.startBusTaps()

	return startHTTPServer(s, httpAddr, metricsAddr)
}

// startBusTaps subscribes to heartbeats and event streams once for the
// lifetime of the gateway.
func (s *server) startBusTaps() {
	if err := s.bus.Subscribe(wire.SubjectHeartbeat, "", func(env *wire.Envelope) error {
		var hb wire.Heartbeat
		if err := env.Decode(&hb); err != nil {
			return nil
		}
		s.beatsMu.Lock()
		s.beats[registry.Key(hb)] = registry.Beat{
			Heartbeat: hb,
			Source:    env.Source,
			LastSeen:  time.Now().UTC(),
		}
		s.beatsMu.Unlock()
		s.broadcast(env)
		return nil
	}); err != nil {
		logging.Error("api-gateway", "bus subscribe failed", "subject", wire.SubjectHeartbeat, "error", err)
	}

	for _, subject := range []string{wire.SubjectTaskEvent, wire.SubjectAuditEvent} {
		subj := subject
		if err := s.bus.Subscribe(subj, "", func(env *wire.Envelope) error {
			s.broadcast(env)
			return nil
		}); err != nil {
			logging.Error("api-gateway", "bus subscribe failed", "subject", subj, "error", err)
		}
	}

	go func() {
		for evt := range s.eventsCh {
			var slowClients []*websocket.Conn
			s.clientsMu.RLock()
			for conn, ch := range s.clients {
				select {
				case ch <- evt:
				default:
					slowClients = append(slowClients, conn)
				}
			}
			s.clientsMu.RUnlock()

			if len(slowClients) > 0 {
				s.clientsMu.Lock()
				for _, conn := range slowClients {
					delete(s.clients, conn)
				}
				s.clientsMu.Unlock()
				for _, conn := range slowClients {
					if err := conn.Close(); err != nil {
						logging.Error("api-gateway", "ws client close failed", "error", err)
					}
				}
			}
		}
	}()
}

// broadcast queues an envelope for WS fanout, dropping when the queue is full.
func (s *server) broadcast(env *wire.Envelope) {
	data, err := wire.Marshal(env)
	if err != nil {
		return
	}
	select {
	case s.eventsCh <- data:
	default:
	}
}

func startHTTPServer(s *server, httpAddr, metricsAddr string) error {
	mux := s.buildMux()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", infraMetrics.Handler())
	go func() {
		srv := &http.Server{
			Addr:         metricsAddr,
			Handler:      metricsMux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		logging.Info("api-gateway", "metrics listening", "addr", metricsAddr+"/metrics")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("api-gateway", "metrics server error", "error", err)
		}
	}()

	handler := corsMiddleware(rateLimitMiddleware(apiKeyMiddleware(s.auth, mux)))

	logging.Info("api-gateway", "http listening", "addr", httpAddr)
	srv := &http.Server{
		Addr:              httpAddr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logging.Error("api-gateway", "http server error", "error", err)
		return err
	}
	return nil
}

func (s *server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /api/v1/status", s.instrumented("/api/v1/status", s.handleStatus))
	mux.HandleFunc("GET /api/v1/phases", s.instrumented("/api/v1/phases", s.handlePhases))

	mux.HandleFunc("GET /api/v1/records", s.instrumented("/api/v1/records", s.handleListRecords))
	mux.HandleFunc("GET /api/v1/records/{id}", s.instrumented("/api/v1/records/{id}", s.handleGetRecord))

	mux.HandleFunc("POST /api/v1/reports", s.instrumented("/api/v1/reports", s.handleSubmitReport))
	mux.HandleFunc("GET /api/v1/reports", s.instrumented("/api/v1/reports", s.handleListReports))
	mux.HandleFunc("GET /api/v1/reports/{id}", s.instrumented("/api/v1/reports/{id}", s.handleGetReport))
	mux.HandleFunc("GET /api/v1/reports/{id}/export", s.instrumented("/api/v1/reports/{id}/export", s.handleExportReport))

	mux.HandleFunc("GET /api/v1/tasks", s.instrumented("/api/v1/tasks", s.handleListTasks))
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.instrumented("/api/v1/tasks/{id}", s.handleGetTask))
	mux.HandleFunc("GET /api/v1/tasks/{id}/events", s.instrumented("/api/v1/tasks/{id}/events", s.handleTaskEvents))
	for _, op := range []string{wire.TaskOpAcknowledge, wire.TaskOpAssign, wire.TaskOpStart, wire.TaskOpResolve, wire.TaskOpDismiss} {
		route := "/api/v1/tasks/{id}/" + op
		mux.HandleFunc("POST "+route, s.instrumented(route, s.handleTaskOp(op)))
	}

	mux.HandleFunc("GET /api/v1/audit", s.instrumented("/api/v1/audit", s.handleQueryAudit))
	mux.HandleFunc("GET /api/v1/audit/stats", s.instrumented("/api/v1/audit/stats", s.handleAuditStats))

	mux.HandleFunc("POST /api/v1/policy/evaluate", s.instrumented("/api/v1/policy/evaluate", s.handlePolicyEvaluate))
	mux.HandleFunc("POST /api/v1/policy/simulate", s.instrumented("/api/v1/policy/simulate", s.handlePolicySimulate))
	mux.HandleFunc("GET /api/v1/policy/rules", s.instrumented("/api/v1/policy/rules", s.handlePolicyRules))

	mux.HandleFunc("POST /api/v1/schemas", s.instrumented("/api/v1/schemas", s.handleRegisterSchema))
	mux.HandleFunc("GET /api/v1/schemas", s.instrumented("/api/v1/schemas", s.handleListSchemas))
	mux.HandleFunc("GET /api/v1/schemas/{id}", s.instrumented("/api/v1/schemas/{id}", s.handleGetSchema))
	mux.HandleFunc("DELETE /api/v1/schemas/{id}", s.instrumented("/api/v1/schemas/{id}", s.handleDeleteSchema))

	mux.HandleFunc("GET /api/v1/quarantine", s.instrumented("/api/v1/quarantine", s.handleListQuarantine))
	mux.HandleFunc("DELETE /api/v1/quarantine/{id}", s.instrumented("/api/v1/quarantine/{id}", s.handleDeleteQuarantine))
	mux.HandleFunc("POST /api/v1/quarantine/{id}/retry", s.instrumented("/api/v1/quarantine/{id}/retry", s.handleRetryQuarantine))

	mux.HandleFunc("GET /api/v1/schedules", s.instrumented("/api/v1/schedules", s.handleListSchedules))
	mux.HandleFunc("POST /api/v1/schedules", s.instrumented("/api/v1/schedules", s.handleUpsertSchedule))
	mux.HandleFunc("GET /api/v1/schedules/{id}", s.instrumented("/api/v1/schedules/{id}", s.handleGetSchedule))
	mux.HandleFunc("DELETE /api/v1/schedules/{id}", s.instrumented("/api/v1/schedules/{id}", s.handleDeleteSchedule))

	mux.HandleFunc("GET /api/v1/settings/effective", s.instrumented("/api/v1/settings/effective", s.handleEffectiveSettings))
	mux.HandleFunc("POST /api/v1/settings", s.instrumented("/api/v1/settings", s.handleSetSettings))

	mux.HandleFunc("GET /api/v1/locks", s.instrumented("/api/v1/locks", s.handleGetLock))
	mux.HandleFunc("POST /api/v1/locks/acquire", s.instrumented("/api/v1/locks/acquire", s.handleAcquireLock))
	mux.HandleFunc("POST /api/v1/locks/release", s.instrumented("/api/v1/locks/release", s.handleReleaseLock))
	mux.HandleFunc("POST /api/v1/locks/renew", s.instrumented("/api/v1/locks/renew", s.handleRenewLock))

	mux.HandleFunc("/api/v1/stream", s.instrumented("/api/v1/stream", s.handleStream))

	return mux
}

// --- Core handlers ---

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	uptimeSeconds := int64(0)
	if !s.started.IsZero() {
		uptimeSeconds = int64(now.Sub(s.started).Seconds())
	}

	natsConnected := false
	natsStatus := "UNKNOWN"
	natsURL := ""
	if nb, ok := s.bus.(*bus.NatsBus); ok {
		natsConnected = nb.IsConnected()
		natsStatus = nb.Status()
		natsURL = nb.ConnectedURL()
	}

	redisOK := false
	redisErr := ""
	if s.tasks == nil {
		redisErr = "task store unavailable"
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		err := s.tasks.Ping(ctx)
		cancel()
		if err != nil {
			redisErr = err.Error()
		} else {
			redisOK = true
		}
	}

	snap := s.registrySnapshot(now)

	writeJSON(w, map[string]any{
		"time":           now.Format(time.RFC3339),
		"uptime_seconds": uptimeSeconds,
		"version":        buildinfo.Version,
		"nats": map[string]any{
			"connected": natsConnected,
			"status":    natsStatus,
			"url":       natsURL,
		},
		"redis": map[string]any{
			"ok":    redisOK,
			"error": redisErr,
		},
		"phases": map[string]any{
			"healthy": snap.Healthy,
			"total":   snap.Total,
		},
	})
}

func (s *server) handlePhases(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.registrySnapshot(time.Now().UTC()))
}

func (s *server) registrySnapshot(now time.Time) registry.Snapshot {
	s.beatsMu.RLock()
	beats := make(map[string]registry.Beat, len(s.beats))
	for key, beat := range s.beats {
		beats[key] = beat
	}
	s.beatsMu.RUnlock()
	return registry.BuildSnapshot(beats, s.router.Phases(), registry.DefaultStaleAfter, now)
}

func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	if err := s.requireRole(r, policy.RoleViewer); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("api-gateway", "ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	logging.Info("api-gateway", "ws connected", "remote", r.RemoteAddr)

	clientCh := make(chan []byte, 100)
	s.clientsMu.Lock()
	s.clients[ws] = clientCh
	s.clientsMu.Unlock()
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, ws)
		s.clientsMu.Unlock()
		close(clientCh)
	}()

	for {
		select {
		case msg, ok := <-clientCh:
			if !ok {
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// --- Middleware ---

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			if !isAllowedOrigin(r) {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isAllowedOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients often omit Origin; treat as allowed.
		return true
	}

	allowed, allowAll := allowedOriginsFromEnv()
	if allowAll {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}

	if len(allowed) == 0 {
		host := strings.ToLower(u.Hostname())
		switch host {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
		reqHost := strings.ToLower(requestHostname(r.Host))
		if reqHost != "" && host == reqHost {
			return true
		}
		return false
	}

	_, ok := allowed[origin]
	return ok
}

func allowedOriginsFromEnv() (map[string]struct{}, bool) {
	for _, key := range []string{"MYCELIA_ALLOWED_ORIGINS", "CORS_ALLOW_ORIGINS"} {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			continue
		}
		if raw == "*" {
			return nil, true
		}
		set := make(map[string]struct{})
		for _, part := range strings.Split(raw, ",") {
			p := strings.TrimSpace(part)
			if p == "" {
				continue
			}
			set[p] = struct{}{}
		}
		return set, false
	}
	return nil, false
}

func requestHostname(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil && host != "" {
		return host
	}
	return hostport
}

func rateLimitMiddleware(next http.Handler) http.Handler {
	if apiLimiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if !apiLimiter.Allow() {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// apiKeyMiddleware enforces API key auth and injects auth context.
func apiKeyMiddleware(auth AuthProvider, next http.Handler) http.Handler {
	if auth == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		authCtx, err := auth.AuthenticateHTTP(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(withAuthContext(r.Context(), authCtx)))
	})
}

func normalizeAPIKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	// Common .env mistake: quoting values.
	key = strings.Trim(key, "\"'")
	return strings.TrimSpace(key)
}

func apiKeyFromWebSocket(r *http.Request) string {
	if r == nil {
		return ""
	}
	protocols := websocket.Subprotocols(r)
	for i, protocol := range protocols {
		if strings.EqualFold(protocol, wsAPIKeyProtocol) && i+1 < len(protocols) {
			return decodeWSAPIKey(protocols[i+1])
		}
		prefix := strings.ToLower(wsAPIKeyProtocol) + "."
		if strings.HasPrefix(strings.ToLower(protocol), prefix) {
			return decodeWSAPIKey(protocol[len(prefix):])
		}
	}
	return ""
}

func decodeWSAPIKey(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	return raw
}

func addrFromEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// --- Instrumentation ---

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack forwards websocket hijacking support to the underlying writer.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacker not supported")
	}
	return hj.Hijack()
}

// Flush preserves streaming support if the wrapped writer implements it.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrumented wraps handlers to record metrics.
func (s *server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, route, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
		}
	}
}

// --- Response helpers ---

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

// writePage emits the list contract: items plus an opaque next cursor, empty
// when the page is not full.
func writePage(w http.ResponseWriter, items any, nextCursor string) {
	writeJSON(w, map[string]any{
		"items":       items,
		"next_cursor": nextCursor,
	})
}

func parseLimit(r *http.Request) int64 {
	limit := int64(defaultListLimit)
	if q := r.URL.Query().Get("limit"); q != "" {
		if v, err := strconv.ParseInt(q, 10, 64); err == nil && v > 0 {
			limit = v
		}
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit
}

// parseCursor decodes the opaque unix-second cursor; ok is false on garbage.
func parseCursor(r *http.Request) (int64, bool) {
	q := strings.TrimSpace(r.URL.Query().Get("cursor"))
	if q == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(q, 10, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

func parseUnixParam(r *http.Request, name string) int64 {
	if q := r.URL.Query().Get(name); q != "" {
		if v, err := strconv.ParseInt(q, 10, 64); err == nil && v > 0 {
			return v
		}
		if t, err := time.Parse(time.RFC3339, q); err == nil {
			return t.Unix()
		}
	}
	return 0
}

func parseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}
