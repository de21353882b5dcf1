package main

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"iamlp/pkg/aggregate"
	"iamlp/pkg/allowlist"
	"iamlp/pkg/eventbus"
	"iamlp/pkg/httpx"
	"iamlp/pkg/metrics"
	"iamlp/pkg/models"
	"iamlp/pkg/policydiff"
	"iamlp/pkg/simulate"
	"iamlp/pkg/store"
	"iamlp/pkg/stream"
	"iamlp/pkg/synth"
	"iamlp/pkg/telemetry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

// complianceTags annotate generated policies for downstream audit tooling.
var complianceTags = []string{
	"AC-6",
	"AU-6",
	"CM-3",
	"SI-10",
	"ISO27001-A.9",
	"ISO27001-A.12.6",
	"ISO27001-A.12.1.2",
	"AWS-WA-Sec-IAM",
}

type usageStatser interface {
	Stats(ctx context.Context) (store.UsageStats, error)
}

type Server struct {
	Store               usageStatser
	Cache               *store.PolicyCache
	Events              *stream.Hub
	Metrics             *metrics.Registry
	Simulator           *simulate.Simulator
	AllowlistPath       string
	MaxRequestBodyBytes int64
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openStoreFn     func(context.Context) (*store.UsageStore, func(), error)
	listenFn        func(*http.Server) error
)

func main() {
	if err := run(initTelemetryFn, openStoreFn, listenFn); err != nil {
		logFatalf("iamlpd: %v", err)
	}
}

func run(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openStore func(context.Context) (*store.UsageStore, func(), error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openStore == nil {
		openStore = func(ctx context.Context) (*store.UsageStore, func(), error) {
			pool, err := store.NewPostgresPool(ctx)
			if err != nil {
				return nil, nil, err
			}
			s := store.NewUsageStore(pool)
			if err := s.EnsureSchema(ctx); err != nil {
				pool.Close()
				return nil, nil, err
			}
			return s, pool.Close, nil
		}
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "iamlpd")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	usage, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	cacheTTL := envDurationSec("POLICY_CACHE_TTL_SEC", 300)
	var cache store.Cache = store.NewMemoryCache()
	if env("REDIS_ENABLED", "false") == "true" {
		client, err := store.NewRedis(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()
		cache = &store.RedisCache{Client: client}
	}

	s := &Server{
		Store:               usage,
		Cache:               store.NewPolicyCache(cache, cacheTTL),
		Events:              stream.NewHub(),
		Metrics:             metrics.NewRegistry(),
		Simulator:           simulate.New(evaluatorFromEnv()),
		AllowlistPath:       env("ALLOWLIST_PATH", allowlist.DefaultPath),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}
	if s.MaxRequestBodyBytes <= 0 {
		s.MaxRequestBodyBytes = 1 << 20
	}

	ingestCancel, err := startIngestor(ctx, usage, s.Metrics, s.Events)
	if err != nil {
		return err
	}
	defer ingestCancel()

	addr := env("ADDR", ":8080")
	log.Printf("iamlpd listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

func evaluatorFromEnv() simulate.Evaluator {
	eval := simulate.NewHTTPEvaluatorFromEnv()
	if eval == nil {
		return nil
	}
	eval.Client = telemetry.InstrumentClient(eval.Client)
	return eval
}

// startIngestor wires the Kafka feed into the usage store when enabled. The
// returned cancel stops the consumer loop.
func startIngestor(ctx context.Context, usage *store.UsageStore, reg *metrics.Registry, hub *stream.Hub) (context.CancelFunc, error) {
	if env("KAFKA_ENABLED", "false") != "true" {
		return func() {}, nil
	}
	consumer, err := eventbus.NewKafkaConsumer(eventbus.KafkaConfig{
		Brokers: strings.Split(env("KAFKA_BROKERS", "localhost:9092"), ","),
		Topic:   env("KAFKA_TOPIC", "iamlp.audit.events"),
		GroupID: env("KAFKA_GROUP_ID", "iamlp"),
	})
	if err != nil {
		return nil, err
	}
	agg, err := aggregate.New(aggregate.Config{Sink: aggregate.SinkFunc(usage.Accumulate)})
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	ing := eventbus.NewIngestor(consumer, agg, reg, hub)
	go func() {
		if err := ing.Run(runCtx); err != nil && runCtx.Err() == nil {
			log.Printf("iamlpd ingest stopped: %v", err)
		}
	}()
	return func() {
		cancel()
		_ = consumer.Close()
	}, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(httpx.RequestIDMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("iamlpd"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "iamlpd"})
	})
	r.Get("/metrics", s.Metrics.PrometheusHandler())
	r.Get("/metrics.json", s.Metrics.Handler())
	r.Post("/v1/generate", s.handleGenerate)
	r.Post("/v1/diff", s.handleDiff)
	r.Post("/v1/simulate", s.handleSimulate)
	r.Get("/v1/stats", s.handleStats)
	r.Get("/v1/stream", s.streamEvents)
	return r
}

type generateRequest struct {
	PrincipalARN  string               `json:"principalArn"`
	Mode          string               `json:"mode"`
	LogsBaseline  bool                 `json:"logsBaseline"`
	MaxStatements int                  `json:"maxStatements"`
	Records       []models.UsageRecord `json:"records"`
}

type waiver struct {
	Action    string   `json:"action"`
	Principal string   `json:"principal"`
	Resources []string `json:"resources,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Owner     string   `json:"owner,omitempty"`
	ExpiresAt string   `json:"expiresAt,omitempty"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := httpx.DecodeJSON(w, r, &req, s.MaxRequestBodyBytes); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	strict := false
	list, err := allowlist.Load(s.AllowlistPath, allowlist.Options{Strict: &strict})
	if err != nil {
		httpx.Error(w, 500, err.Error())
		return
	}
	records, waivers := applyAllowlist(req.Records, list)

	generator, err := synth.New(synth.Options{
		Mode:                synth.Mode(strings.TrimSpace(req.Mode)),
		IncludeLogsBaseline: req.LogsBaseline,
		MaxStatements:       req.MaxStatements,
	})
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	mode := string(synth.ModeActions)
	if req.Mode != "" {
		mode = req.Mode
	}
	principal := req.PrincipalARN
	if principal == "" {
		principal = "unknown"
	}

	cacheKey := generateCacheKey(principal, mode, req.LogsBaseline, req.MaxStatements, records)
	if cached, ok, err := s.Cache.Get(r.Context(), cacheKey); err == nil && ok {
		httpx.WriteJSON(w, 200, map[string]interface{}{
			"policy":   cached,
			"overflow": []models.PolicyDocument{},
			"meta": map[string]interface{}{
				"principal":   principal,
				"mode":        mode,
				"generatedAt": time.Now().UTC().Format(time.RFC3339),
				"compliance":  complianceTags,
				"cached":      true,
			},
			"allowlistWaivers": waivers,
		})
		return
	}

	start := time.Now()
	doc, overflow := generator.Build(records)
	s.Metrics.ObserveSynthLatency(time.Since(start))
	s.Metrics.IncGeneration(mode)

	// Overflow documents are not cached; a hit must reproduce the full result.
	if len(overflow) == 0 {
		if err := s.Cache.Put(r.Context(), cacheKey, doc); err != nil {
			log.Printf("iamlpd cache put: %v", err)
		}
	}
	s.Events.Publish(stream.NewEvent(stream.TypePolicyGenerated, map[string]interface{}{
		"principal":  principal,
		"mode":       mode,
		"statements": len(doc.Statements),
	}))

	httpx.WriteJSON(w, 200, map[string]interface{}{
		"policy":   doc,
		"overflow": overflow,
		"meta": map[string]interface{}{
			"principal":   principal,
			"mode":        mode,
			"generatedAt": time.Now().UTC().Format(time.RFC3339),
			"compliance":  complianceTags,
		},
		"allowlistWaivers": waivers,
	})
}

// generateCacheKey fingerprints the full synthesis input, so only a request
// with identical records and options is served a cached document.
func generateCacheKey(principal, mode string, logsBaseline bool, maxStatements int, records []models.UsageRecord) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%t|%d|", principal, mode, logsBaseline, maxStatements)
	enc := json.NewEncoder(h)
	for _, rec := range records {
		_ = enc.Encode(rec)
	}
	return principal + "@" + mode + "@" + hex.EncodeToString(h.Sum(nil))
}

// applyAllowlist removes waived records from generation and reports each
// waiver with its provenance.
func applyAllowlist(records []models.UsageRecord, list allowlist.Allowlist) ([]models.UsageRecord, []waiver) {
	waivers := []waiver{}
	kept := make([]models.UsageRecord, 0, len(records))
	for _, rec := range records {
		if allowlisted(rec, list) {
			waivers = append(waivers, waiver{
				Action:    rec.Action,
				Principal: rec.PrincipalARN,
				Resources: rec.Resources,
				Reason:    list.Reason,
				Owner:     list.Owner,
				ExpiresAt: list.ExpiresAt,
			})
			continue
		}
		kept = append(kept, rec)
	}
	return kept, waivers
}

func allowlisted(rec models.UsageRecord, list allowlist.Allowlist) bool {
	for _, pattern := range list.Actions {
		if aggregate.Glob(pattern, rec.Action) {
			return true
		}
	}
	for _, pattern := range list.Principals {
		if aggregate.Glob(pattern, rec.PrincipalARN) {
			return true
		}
	}
	for _, pattern := range list.Resources {
		for _, resource := range rec.Resources {
			if aggregate.Glob(pattern, resource) {
				return true
			}
		}
	}
	return false
}

type diffRequest struct {
	Before           models.PolicyDocument `json:"before"`
	After            models.PolicyDocument `json:"after"`
	DeniedBefore     int                   `json:"deniedBefore"`
	DeniedAfter      int                   `json:"deniedAfter"`
	TopServices      int                   `json:"topServices"`
	HighRiskServices []string              `json:"highRiskServices"`
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	var req diffRequest
	if err := httpx.DecodeJSON(w, r, &req, s.MaxRequestBodyBytes); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	diff := policydiff.New(req.Before, req.After)
	if len(req.HighRiskServices) > 0 {
		highRisk := make(map[string]struct{}, len(req.HighRiskServices))
		for _, service := range req.HighRiskServices {
			highRisk[service] = struct{}{}
		}
		diff.HighRisk = highRisk
	}
	limit := req.TopServices
	if limit <= 0 {
		limit = 5
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"metrics":        diff.Metrics(req.DeniedBefore, req.DeniedAfter),
		"serviceChanges": diff.TopServiceChanges(limit),
	})
}

type simulateRequest struct {
	Before models.PolicyDocument `json:"before"`
	After  models.PolicyDocument `json:"after"`
	Cases  []models.ProbeCase    `json:"cases"`
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if err := httpx.DecodeJSON(w, r, &req, s.MaxRequestBodyBytes); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	if len(req.Cases) == 0 {
		httpx.Error(w, 400, "cases required")
		return
	}
	results := s.Simulator.Compare(r.Context(), req.Before, req.After, req.Cases)
	for _, res := range results {
		s.Metrics.IncDecision(res.Before, res.After)
	}
	s.Events.Publish(stream.NewEvent(stream.TypeSimulationRun, map[string]int{"cases": len(results)}))
	httpx.WriteJSON(w, 200, map[string]interface{}{"results": results})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Store.Stats(r.Context())
	if err != nil {
		log.Printf("iamlpd stats: %v", err)
		httpx.Error(w, 500, "internal error")
		return
	}
	s.Metrics.SetGauge("usage_records", float64(stats.Records))
	httpx.WriteJSON(w, 200, stats)
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

// Hijack forwards to the wrapped writer so websocket upgrades work through
// the metrics middleware.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
	}
	return hj.Hijack()
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		s.Metrics.Observe(path, rec.code, elapsed)
		s.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
