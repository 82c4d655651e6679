// Council Proxy reference gateway binary (A8).
//
// Wires every internal collaborator (config, health, pool, similarity,
// synthesis, consensus, eventsink, metrics, tracing, streaming,
// ratelimit) behind the §6 core surface and exposes it over HTTP with
// gin, matching the teacher's cmd/api reference-server structure.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/council-proxy/core/internal/config"
	"github.com/council-proxy/core/internal/consensus"
	"github.com/council-proxy/core/internal/embedding"
	"github.com/council-proxy/core/internal/eventsink"
	"github.com/council-proxy/core/internal/health"
	"github.com/council-proxy/core/internal/llm/providers"
	"github.com/council-proxy/core/internal/metrics"
	"github.com/council-proxy/core/internal/models"
	"github.com/council-proxy/core/internal/orchestrator"
	"github.com/council-proxy/core/internal/pool"
	"github.com/council-proxy/core/internal/ratelimit"
	"github.com/council-proxy/core/internal/similarity"
	"github.com/council-proxy/core/internal/streaming"
	"github.com/council-proxy/core/internal/synthesis"
	"github.com/council-proxy/core/internal/tracing"
)

// Server exposes the core over HTTP and owns the process's long-lived
// collaborators (config watcher, streaming hub, broker sinks).
type Server struct {
	port            string
	log             *logrus.Logger
	engine          *orchestrator.Engine
	hub             *streaming.Hub
	reg             *prometheus.Registry
	metrics         *metrics.Registry
	shutdownTracing func(context.Context) error
}

func newServer() (*Server, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfgProvider, err := config.NewFileProvider(getEnv("COUNCIL_CONFIG_PATH", "council.yaml"), log)
	if err != nil {
		return nil, err
	}
	if err := cfgProvider.Watch(); err != nil {
		log.WithError(err).Warn("config hot-reload disabled: failed to start watcher")
	}
	applyLogLevel(log, cfgProvider.Logging())

	shutdownTracing, err := tracing.NewProvider(context.Background(), tracing.ProviderConfig{
		ServiceName:    "council-proxy",
		ServiceVersion: version,
		Exporter:       tracing.ExporterType(getEnv("COUNCIL_TRACE_EXPORTER", "none")),
		OTLPEndpoint:   getEnv("COUNCIL_TRACE_OTLP_ENDPOINT", "localhost:4318"),
	})
	if err != nil {
		log.WithError(err).Warn("tracing exporter disabled: failed to initialize")
		shutdownTracing = func(context.Context) error { return nil }
	}

	healthCfg := cfgProvider.Health()
	tracker := health.New(health.Config{
		WindowSize:       healthCfg.WindowSize,
		FailureThreshold: healthCfg.FailureThreshold,
		DegradedLatency:  healthCfg.DegradedLatency,
	})
	registry := providers.BuildRegistry(loadCredentials())
	p := pool.New(registry, tracker)

	embedder := embedding.NewOpenAIEmbedder(os.Getenv("OPENAI_API_KEY"), "", nil)
	similarityService := similarity.New(embedder)

	synthEngine := synthesis.New(p, tracker, nil)

	svc := cfgProvider.Services()
	sink := buildEventSink(svc, log)
	hub := streaming.NewHub()

	limiter := buildRateLimiter(svc)
	templates := consensus.NewPromptTemplateRegistry()
	loop := consensus.New(p, similarityService, limiter, sink, synthEngine.SynthesizeDirect, nil, templates, log)

	// synthEngine was built without a consensus runner (to avoid the
	// import cycle described in DESIGN.md); rebuild it now that loop
	// exists so iterative-consensus requests can delegate to C6.
	synthEngine = synthesis.New(p, tracker, loop)

	promReg := prometheus.NewRegistry()
	metricsRegistry := metrics.New(promReg)

	eng := orchestrator.New(cfgProvider, p, tracker, synthEngine, loop, sink, hub, log)

	return &Server{
		port:            getEnv("COUNCIL_PORT", "8080"),
		log:             log,
		engine:          eng,
		hub:             hub,
		reg:             promReg,
		metrics:         metricsRegistry,
		shutdownTracing: shutdownTracing,
	}, nil
}

const version = "0.1.0"

func applyLogLevel(log *logrus.Logger, cfg config.LoggingConfig) {
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(level)
	}
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
}

func loadCredentials() map[string]providers.ProviderCredentials {
	creds := map[string]providers.ProviderCredentials{}
	for _, tag := range []string{"openai", "anthropic", "google", "xai"} {
		key := os.Getenv(envKeyName(tag))
		if key == "" {
			continue
		}
		creds[tag] = providers.ProviderCredentials{APIKey: key, BaseURL: os.Getenv(envKeyName(tag) + "_BASE_URL")}
	}
	return creds
}

func envKeyName(tag string) string {
	switch tag {
	case "openai":
		return "OPENAI_API_KEY"
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	case "xai":
		return "XAI_API_KEY"
	default:
		return ""
	}
}

func buildEventSink(svc config.ServicesConfig, log *logrus.Logger) eventsink.Sink {
	sinks := []eventsink.Sink{eventsink.NewLogSink(log)}

	if svc.Postgres.Enabled {
		poolCfg, err := pgxpool.New(context.Background(), "postgres://"+svc.Postgres.ResolvedURL())
		if err != nil {
			log.WithError(err).Warn("postgres event sink disabled: failed to connect")
		} else {
			sinks = append(sinks, eventsink.NewPostgresSink(poolCfg, log))
		}
	}
	if svc.Kafka.Enabled {
		sinks = append(sinks, eventsink.NewKafkaSink([]string{svc.Kafka.ResolvedURL()}, "council-proxy-events", log))
	}
	if svc.RabbitMQ.Enabled {
		rmq, err := eventsink.NewRabbitMQSink("amqp://"+svc.RabbitMQ.ResolvedURL(), "council-proxy", log)
		if err != nil {
			log.WithError(err).Warn("rabbitmq event sink disabled: failed to connect")
		} else {
			sinks = append(sinks, rmq)
		}
	}
	return eventsink.NewMultiSink(sinks...)
}

func buildRateLimiter(svc config.ServicesConfig) *ratelimit.Limiter {
	if !svc.Redis.Enabled {
		return ratelimit.New(nil, 5)
	}
	client := redis.NewClient(&redis.Options{Addr: svc.Redis.ResolvedURL()})
	return ratelimit.New(client, 5)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Start registers every route and blocks serving HTTP.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), ginLogger(s.log))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})))
	r.GET("/ws/stream", gin.WrapF(streaming.Handler(s.hub, s.log)))

	go s.watchProviderHealth()

	v1 := r.Group("/api/v1")
	{
		v1.POST("/requests", s.handleProcessRequest)
		v1.GET("/providers/health", s.handleProviderHealth)
		v1.POST("/providers/:id/enable", s.handleEnableProvider)
		v1.POST("/providers/:id/disable", s.handleDisableProvider)
	}

	s.log.WithField("port", s.port).Info("council proxy listening")
	return r.Run(":" + s.port)
}

// watchProviderHealth mirrors the Health Tracker into Prometheus every
// few seconds, since the tracker itself has no change-notification hook.
func (s *Server) watchProviderHealth() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		for _, h := range s.engine.ProviderHealth() {
			s.metrics.ObserveHealth(h)
		}
	}
}

func ginLogger(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithField("path", c.Request.URL.Path).
			WithField("status", c.Writer.Status()).
			WithField("latency", time.Since(start)).Info("request handled")
	}
}

type processRequestBody struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query" binding:"required"`
	Context   string `json:"context"`
	Preset    string `json:"preset"`
}

func (s *Server) handleProcessRequest(c *gin.Context) {
	var body processRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req := models.UserRequest{
		ID:        uuidOrRequestID(c),
		Query:     body.Query,
		SessionID: body.SessionID,
		Context:   body.Context,
		Preset:    body.Preset,
		Timestamp: time.Now(),
	}

	result, err := s.engine.ProcessRequest(c.Request.Context(), req)
	if err != nil {
		var cerr *models.CouncilError
		if errors.As(err, &cerr) {
			s.metrics.ObserveRequest(nil, cerr.Kind)
		} else {
			s.metrics.ObserveRequest(nil, models.ErrUnknown)
		}
		writeCouncilError(c, err)
		return
	}
	s.metrics.ObserveRequest(result.Metrics, "")
	c.JSON(http.StatusOK, gin.H{"decision": result.Decision, "metrics": result.Metrics})
}

func (s *Server) handleProviderHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": s.engine.ProviderHealth()})
}

func (s *Server) handleEnableProvider(c *gin.Context) {
	s.engine.EnableProvider(c.Param("id"))
	c.Status(http.StatusNoContent)
}

type disableProviderBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleDisableProvider(c *gin.Context) {
	var body disableProviderBody
	_ = c.ShouldBindJSON(&body)
	s.engine.DisableProvider(c.Param("id"), body.Reason)
	c.Status(http.StatusNoContent)
}

func writeCouncilError(c *gin.Context, err error) {
	var cerr *models.CouncilError
	if errors.As(err, &cerr) {
		c.JSON(statusForKind(cerr.Kind), gin.H{"error": cerr.Message, "kind": cerr.Kind})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func statusForKind(kind models.ErrorKind) int {
	switch kind {
	case models.ErrInvalidRequest:
		return http.StatusBadRequest
	case models.ErrInsufficientMembers, models.ErrGlobalDeadline:
		return http.StatusServiceUnavailable
	case models.ErrSynthesisFailed:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func uuidOrRequestID(c *gin.Context) string {
	if id := c.GetHeader("X-Request-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

func main() {
	srv, err := newServer()
	if err != nil {
		logrus.WithError(err).Fatal("failed to initialize council proxy")
	}
	defer func() {
		if err := srv.shutdownTracing(context.Background()); err != nil {
			srv.log.WithError(err).Warn("tracing provider shutdown reported errors")
		}
	}()
	if err := srv.Start(); err != nil {
		srv.log.WithError(err).Fatal("server exited")
	}
}
