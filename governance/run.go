// Copyright 2025 IntelliPM
// SPDX-License-Identifier: BUSL-1.1

// Package governance wires the decision governance and quota enforcement
// engine: configuration, storage, the HTTP surface, metrics, the expiry
// sweeper, and event publishing.
package governance

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/cors"

	"intellipm/platform/governance/approval"
	"intellipm/platform/governance/audit"
	"intellipm/platform/governance/decision"
	"intellipm/platform/governance/events"
	"intellipm/platform/governance/quota"
	"intellipm/platform/shared/logger"
)

// Server holds the engine's wired components.
type Server struct {
	cfg       Config
	log       *logger.Logger
	metrics   *Metrics
	jwtSecret []byte

	db        *sql.DB
	redis     *redis.Client
	enforcer  *quota.Enforcer
	quotaRepo quota.Repository

	policies         *approval.Service
	approvalResolver *approval.PolicyResolver

	lifecycle *decision.Lifecycle
	auditLog  *audit.Log

	schemas []func(context.Context) error
}

// webhookTrigger executes approved decisions by POSTing them to the
// configured execution endpoint.
type webhookTrigger struct {
	url    string
	client *http.Client
}

func (t *webhookTrigger) Execute(ctx context.Context, rec *decision.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build execution request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("execution webhook unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("execution webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// NewServer wires the engine's components over the given database handle.
// The redis client and execution trigger are optional.
func NewServer(cfg Config, db *sql.DB, redisClient *redis.Client, log *logger.Logger) *Server {
	if log == nil {
		log = logger.New("governance")
	}
	metrics := NewMetrics(prometheus.DefaultRegisterer)

	var publisher events.Publisher
	if redisClient != nil {
		publisher = events.NewRedisPublisher(redisClient, log)
	} else {
		publisher = events.NewLogPublisher(log)
	}

	auditLog := audit.NewLog(db, log)

	quotaRepo := quota.NewPostgresRepository(db)
	quotaResolver := quota.NewResolver(quotaRepo)
	enforcer := quota.NewEnforcer(quotaRepo, quotaResolver, log,
		quota.WithAuditSink(&quotaAuditSink{recorder: auditLog, metrics: metrics}),
		quota.WithThresholdNotifier(&thresholdRelay{publisher: publisher, metrics: metrics}),
		quota.WithConflictObserver(metrics.ConflictRetries.Inc),
	)

	approvalRepo := approval.NewPostgresRepository(db)
	approvalResolver := approval.NewPolicyResolver(approvalRepo)
	gate := approval.NewGate(approvalResolver, log)
	policies := approval.NewService(approvalRepo, log)

	var trigger decision.ExecutionTrigger
	if cfg.ExecutionWebhookURL != "" {
		trigger = &webhookTrigger{
			url:    cfg.ExecutionWebhookURL,
			client: &http.Client{Timeout: 30 * time.Second},
		}
	}

	decisionRepo := decision.NewPostgresRepository(db)
	lifecycle := decision.NewLifecycle(decisionRepo, gate, approvalResolver, trigger, log,
		decision.WithPublisher(publisher),
		decision.WithAuditRecorder(auditLog),
	)

	return &Server{
		cfg:              cfg,
		log:              log,
		metrics:          metrics,
		jwtSecret:        []byte(cfg.JWTSecret),
		db:               db,
		redis:            redisClient,
		enforcer:         enforcer,
		quotaRepo:        quotaRepo,
		policies:         policies,
		approvalResolver: approvalResolver,
		lifecycle:        lifecycle,
		auditLog:         auditLog,
		schemas: []func(context.Context) error{
			quotaRepo.EnsureSchema,
			approvalRepo.EnsureSchema,
			decisionRepo.EnsureSchema,
			auditLog.EnsureSchema,
		},
	}
}

// EnsureSchemas creates all engine tables.
func (s *Server) EnsureSchemas(ctx context.Context) error {
	for _, ensure := range s.schemas {
		if err := ensure(ctx); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// Router builds the engine's HTTP routes.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.durationMiddleware)

	// Unauthenticated surface
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.Handle("/prometheus", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)

	// Quota enforcement
	api.HandleFunc("/quota/check", s.quotaCheckHandler).Methods("POST")
	api.HandleFunc("/quota/finalize", s.quotaFinalizeHandler).Methods("POST")
	api.HandleFunc("/quota/usage", s.quotaUsageHandler).Methods("GET")

	// Quota administration
	api.HandleFunc("/quota/tiers", s.createTemplateHandler).Methods("POST")
	api.HandleFunc("/quota/tiers", s.listTemplatesHandler).Methods("GET")
	api.HandleFunc("/quota/tiers/{tier_name}", s.getTemplateHandler).Methods("GET")
	api.HandleFunc("/quota/tiers/{id}", s.updateTemplateHandler).Methods("PUT")
	api.HandleFunc("/quota/tiers/{id}", s.deleteTemplateHandler).Methods("DELETE")
	api.HandleFunc("/quota/orgs", s.createOrgQuotaHandler).Methods("POST")
	api.HandleFunc("/quota/orgs/{org_id}", s.getOrgQuotaHandler).Methods("GET")
	api.HandleFunc("/quota/orgs/{id}", s.updateOrgQuotaHandler).Methods("PUT")
	api.HandleFunc("/quota/orgs/{id}", s.deactivateOrgQuotaHandler).Methods("DELETE")
	api.HandleFunc("/quota/overrides", s.createOverrideHandler).Methods("POST")
	api.HandleFunc("/quota/overrides/{id}", s.deleteOverrideHandler).Methods("DELETE")

	// Decision lifecycle
	api.HandleFunc("/decisions", s.createDecisionHandler).Methods("POST")
	api.HandleFunc("/decisions", s.listDecisionsHandler).Methods("GET")
	api.HandleFunc("/decisions/{id}", s.getDecisionHandler).Methods("GET")
	api.HandleFunc("/decisions/{id}/approve", s.approveDecisionHandler).Methods("POST")
	api.HandleFunc("/decisions/{id}/reject", s.rejectDecisionHandler).Methods("POST")
	api.HandleFunc("/decisions/{id}/retry", s.retryDecisionHandler).Methods("POST")

	// Approval policy administration
	api.HandleFunc("/approval/policies", s.createPolicyHandler).Methods("POST")
	api.HandleFunc("/approval/policies", s.listPoliciesHandler).Methods("GET")
	api.HandleFunc("/approval/policies/{id}", s.updatePolicyHandler).Methods("PUT")
	api.HandleFunc("/approval/policies/{id}", s.deactivatePolicyHandler).Methods("DELETE")
	api.HandleFunc("/approval/settings/{org_id}", s.getOrgSettingsHandler).Methods("GET")
	api.HandleFunc("/approval/settings/{org_id}", s.putOrgSettingsHandler).Methods("PUT")

	// Audit
	api.HandleFunc("/audit", s.auditQueryHandler).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

func (s *Server) durationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.RequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

// Run starts the governance engine and blocks until shutdown.
func Run() {
	log := logger.New("governance")

	cfg, err := LoadConfig(os.Getenv("GOVERNANCE_CONFIG"))
	if err != nil {
		log.ErrorWithErr("", "", "invalid configuration", err, nil)
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.ErrorWithErr("", "", "failed to open database", err, nil)
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.ErrorWithErr("", "", "invalid redis URL, falling back to log publisher", err, nil)
		} else {
			redisClient = redis.NewClient(opts)
			defer redisClient.Close()
		}
	}

	server := NewServer(cfg, db, redisClient, log)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := server.EnsureSchemas(ctx); err != nil {
		cancel()
		log.ErrorWithErr("", "", "failed to ensure database schema", err, nil)
		os.Exit(1)
	}
	cancel()

	// Expired pending decisions are swept on a schedule so deadlines hold
	// even when nobody touches the record.
	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.SweepSchedule, func() {
		sweepCtx, sweepCancel := context.WithTimeout(context.Background(), time.Minute)
		defer sweepCancel()
		count, err := server.lifecycle.SweepExpired(sweepCtx, time.Now().UTC())
		if err != nil {
			log.ErrorWithErr("", "", "expiry sweep failed", err, nil)
			return
		}
		if count > 0 {
			log.Info("", "", "expired pending decisions", map[string]interface{}{"count": count})
		}
	}); err != nil {
		log.ErrorWithErr("", "", "invalid sweep schedule", err, nil)
		os.Exit(1)
	}
	sweeper.Start()
	defer sweeper.Stop()

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("", "", "governance engine listening", map[string]interface{}{"port": cfg.Port})
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.ErrorWithErr("", "", "http server failed", err, nil)
		}
	case sig := <-sigCh:
		log.Info("", "", "shutting down", map[string]interface{}{"signal": sig.String()})
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.ErrorWithErr("", "", "http shutdown incomplete", err, nil)
	}

	// Flush queued audit entries before the process exits.
	server.auditLog.Shutdown()
}
