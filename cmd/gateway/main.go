package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/CoastalTensors/LibrePedagogy/pkg/audit"
	"github.com/CoastalTensors/LibrePedagogy/pkg/bus"
	"github.com/CoastalTensors/LibrePedagogy/pkg/config"
	"github.com/CoastalTensors/LibrePedagogy/pkg/deny"
	"github.com/CoastalTensors/LibrePedagogy/pkg/gate"
	"github.com/CoastalTensors/LibrePedagogy/pkg/httpx"
	"github.com/CoastalTensors/LibrePedagogy/pkg/judge"
	"github.com/CoastalTensors/LibrePedagogy/pkg/messages"
	"github.com/CoastalTensors/LibrePedagogy/pkg/metrics"
	"github.com/CoastalTensors/LibrePedagogy/pkg/policy"
	"github.com/CoastalTensors/LibrePedagogy/pkg/store"
	"github.com/CoastalTensors/LibrePedagogy/pkg/stream"
	"github.com/CoastalTensors/LibrePedagogy/pkg/telemetry"
)

type Server struct {
	DB            gatewayDB
	Cache         store.Cache
	HTTPClient    *http.Client
	Metrics       *metrics.Registry
	Events        *stream.Hub
	Bus           *bus.Publisher
	Policy        policy.Config
	Judge         *judge.Service
	Gate          *gate.Gate
	Messages      *messages.Store
	Audit         *audit.Writer
	ChatConfig    config.Judge
	ChatTimeout   time.Duration
	EndpointsPath string
}

type gatewayDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type (
	gatewayInitTelemetryFunc func(ctx context.Context, serviceName string) (func(context.Context) error, error)
	gatewayOpenDBFunc        func(ctx context.Context) (gatewayDBCloser, error)
	gatewayOpenRedisFunc     func(ctx context.Context) (*redis.Client, error)
	gatewayListenFunc        func(server *http.Server) error
)

var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	_ = godotenv.Load()
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()
	if err := ensureSchema(ctx, pool); err != nil {
		return fmt.Errorf("schema: %w", err)
	}

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	policyCfg := policy.Default()
	judgeCfg := config.JudgeFromEnv()
	chatCfg := judgeCfg
	chatCfg.Enabled = true
	chatCfg.EndpointOverride = ""
	chatCfg.ModelOverride = env("CHAT_MODEL", "")
	chatCfg.MaxTokens = envInt("CHAT_MAX_TOKENS", 1024)

	upstreamClient := telemetry.InstrumentClient(&http.Client{
		Timeout: time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 60000)),
	})

	s := &Server{
		DB:            pool,
		Cache:         cache,
		HTTPClient:    upstreamClient,
		Metrics:       metrics.NewRegistry(),
		Events:        stream.NewHub(),
		Policy:        policyCfg,
		Messages:      &messages.Store{DB: pool},
		Audit:         &audit.Writer{DB: pool},
		ChatConfig:    chatCfg,
		ChatTimeout:   time.Millisecond * time.Duration(envInt("CHAT_TIMEOUT_MS", 60000)),
		EndpointsPath: env("ENDPOINTS_CONFIG_PATH", "endpoints.yaml"),
	}

	if brokers := strings.TrimSpace(env("KAFKA_BROKERS", "")); brokers != "" {
		publisher, err := bus.NewPublisher(bus.Config{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_JUDGMENT_TOPIC", "policy.judgments"),
		})
		if err != nil {
			log.Printf("kafka disabled: %v", err)
		} else {
			s.Bus = publisher
			defer s.Bus.Close()
		}
	}

	s.Judge = judge.NewService(judgeCfg, policyCfg.JudgePrompt, upstreamClient)
	s.Judge.Cache = cache
	s.Judge.Metrics = s.Metrics
	s.Judge.Audit = s.Audit
	s.Judge.Events = s.Events
	s.Judge.Bus = s.Bus

	s.Gate = &gate.Gate{
		Judge:     s.Judge,
		Deny:      &deny.Flow{Store: s.Messages, RefusalText: policyCfg.BadPromptMessage},
		Policy:    policyCfg,
		Endpoints: s.loadEndpoints,
		Events:    s.Events,
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	r.Get("/v1/judgments", s.listJudgments)
	r.Get("/v1/stream", s.streamEvents)
	r.Route("/api", func(api chi.Router) {
		api.Use(s.userContextMiddleware)
		api.With(s.Gate.Middleware).Post("/chat", s.handleChat)
	})

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 120),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func ensureSchema(ctx context.Context, db gatewayDB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS conversation_messages (
			message_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			parent_message_id TEXT NOT NULL,
			user_id TEXT,
			sender TEXT NOT NULL,
			text TEXT NOT NULL,
			is_created_by_user BOOLEAN NOT NULL,
			error BOOLEAN NOT NULL DEFAULT FALSE,
			model TEXT,
			endpoint TEXT,
			context_label TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_messages_conversation
			ON conversation_messages (conversation_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS judgment_records (
			decision_id TEXT PRIMARY KEY,
			user_hash TEXT NOT NULL,
			endpoint TEXT,
			model TEXT,
			blocked BOOLEAN NOT NULL,
			categories TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			rewrite TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_judgment_records_created
			ON judgment_records (created_at DESC)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) loadEndpoints() []config.Endpoint {
	file, err := config.LoadFile(s.EndpointsPath)
	if err != nil {
		log.Printf("gateway: endpoints config: %v", err)
		return nil
	}
	return file.Custom()
}

// userContextMiddleware carries the id injected by the auth layer in
// front of the gateway onto the request context.
func (s *Server) userContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
			r = r.WithContext(gate.WithUserID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// handleChat forwards an allowed prompt to the user's chat backend and
// streams the turn back the same way the refusal path does.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := gate.RequestFrom(r.Context())
	if !ok {
		httpx.Error(w, 400, "invalid chat request")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		httpx.Error(w, 400, "text required")
		return
	}

	backend := judge.Resolve(s.ChatConfig, judge.Request{
		Endpoint:  req.Endpoint,
		Model:     req.Model,
		Endpoints: s.loadEndpoints(),
	})
	if !backend.Available() {
		httpx.Error(w, 502, "no chat backend available")
		return
	}
	completer, err := backend.Completer(s.HTTPClient)
	if err != nil {
		httpx.Error(w, 502, "chat backend unavailable")
		return
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	parentID := req.ParentMessageID
	if parentID == "" {
		parentID = messages.NoParent
	}
	messageID := req.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}

	userMessage := messages.Message{
		MessageID:       messageID,
		ConversationID:  conversationID,
		ParentMessageID: parentID,
		UserID:          gate.UserID(r.Context()),
		Sender:          messages.SenderUser,
		Text:            req.Text,
		IsCreatedByUser: true,
		Endpoint:        req.Endpoint,
	}

	sender := stream.NewSender(w)
	if err := sender.Send(stream.CreatedEvent(userMessage)); err != nil {
		log.Printf("gateway: chat created event: %v", err)
		return
	}
	if _, err := s.Messages.Save(r.Context(), userMessage, "chat user turn"); err != nil {
		sender.Close()
		return
	}

	ctx := r.Context()
	if s.ChatTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.ChatTimeout)
		defer cancel()
	}
	content, err := completer.Complete(ctx, judge.Completion{
		Model:     backend.Model,
		System:    req.PromptPrefix,
		User:      req.Text,
		MaxTokens: s.ChatConfig.MaxTokens,
	})
	responseMessage := messages.Message{
		MessageID:       uuid.NewString(),
		ConversationID:  conversationID,
		ParentMessageID: userMessage.MessageID,
		UserID:          userMessage.UserID,
		Sender:          messages.SenderAssistant,
		Model:           backend.Model,
		Endpoint:        req.Endpoint,
	}
	if err != nil {
		log.Printf("gateway: chat completion (%s/%s): %v", backend.Provider, backend.Model, err)
		responseMessage.Error = true
		responseMessage.Text = "The model did not return a reply. Please try again."
	} else {
		responseMessage.Text = content
	}
	if _, err := s.Messages.Save(r.Context(), responseMessage, "chat assistant turn"); err != nil {
		sender.Close()
		return
	}

	conversation := map[string]any{
		"conversationId": conversationID,
		"endpoint":       req.Endpoint,
		"title":          "New Chat",
	}
	if err := sender.Send(stream.FinalEvent(conversation, userMessage, responseMessage)); err != nil {
		log.Printf("gateway: chat final event: %v", err)
	}
	sender.Close()

	s.Events.Publish(stream.NewEvent(stream.EventTurn, map[string]any{
		"conversationId": conversationID,
		"endpoint":       req.Endpoint,
		"model":          backend.Model,
		"error":          responseMessage.Error,
	}))
}

func (s *Server) listJudgments(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	records, err := s.Audit.Recent(r.Context(), limit)
	if err != nil {
		log.Printf("gateway: list judgments: %v", err)
		httpx.Error(w, 500, "failed to list judgments")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"judgments": records})
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

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		srv.Metrics.Observe(r.Method+" "+r.URL.Path, rec.code, time.Since(start))
	})
}

func wsOriginPatterns(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
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
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
