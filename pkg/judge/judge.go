package judge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/CoastalTensors/LibrePedagogy/pkg/audit"
	"github.com/CoastalTensors/LibrePedagogy/pkg/bus"
	"github.com/CoastalTensors/LibrePedagogy/pkg/config"
	"github.com/CoastalTensors/LibrePedagogy/pkg/metrics"
	"github.com/CoastalTensors/LibrePedagogy/pkg/store"
	"github.com/CoastalTensors/LibrePedagogy/pkg/stream"
	"github.com/CoastalTensors/LibrePedagogy/pkg/verdict"
)

// Prompt is one judgment request: the user text plus the request-scoped
// routing snapshot.
type Prompt struct {
	Text      string
	UserID    string
	Endpoint  string
	Model     string
	Endpoints []config.Endpoint
}

// Service orchestrates resolver, completion call, and parser into a
// single fail-open judgment. Every distinguishable failure (disabled, no
// credentials, transport error, unparsable verdict) degrades to an
// unblocked verdict: a safety-subsystem outage must not break chat.
type Service struct {
	Config      config.Judge
	JudgePrompt string
	Client      *http.Client

	// Optional collaborators, all nil-safe.
	Cache   store.Cache
	Metrics *metrics.Registry
	Audit   *audit.Writer
	Events  *stream.Hub
	Bus     *bus.Publisher

	// completerFor is swapped in tests to stub the provider.
	completerFor func(Backend) (Completer, error)
}

func NewService(cfg config.Judge, judgePrompt string, client *http.Client) *Service {
	s := &Service{Config: cfg, JudgePrompt: judgePrompt, Client: client}
	s.completerFor = func(b Backend) (Completer, error) { return b.Completer(s.Client) }
	return s
}

// Judge runs one policy judgment. It never returns an error and never
// panics through; the worst outcome is an unblocked fail-open verdict.
func (s *Service) Judge(ctx context.Context, p Prompt) (v verdict.Verdict) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("judge: recovered: %v", r)
			v = verdict.Allow(verdict.ReasonJudgeError)
		}
	}()

	if !s.Config.Enabled {
		return verdict.Allow(verdict.ReasonDisabled)
	}

	if cached, ok := s.cachedVerdict(ctx, p.Text); ok {
		return cached
	}

	backend := Resolve(s.Config, Request{Endpoint: p.Endpoint, Model: p.Model, Endpoints: p.Endpoints})
	if !backend.Available() {
		v = verdict.Allow(verdict.ReasonUnavailable)
		s.record(ctx, p, backend, v)
		return v
	}

	v = s.complete(ctx, backend, p.Text)
	s.cacheVerdict(ctx, p.Text, v)
	s.record(ctx, p, backend, v)
	return v
}

func (s *Service) complete(ctx context.Context, backend Backend, userText string) verdict.Verdict {
	completer, err := s.completerFor(backend)
	if err != nil {
		return verdict.Allow(verdict.ReasonJudgeError)
	}
	if s.Config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Config.Timeout)
		defer cancel()
	}
	started := time.Now()
	content, err := completer.Complete(ctx, Completion{
		Model:       backend.Model,
		System:      s.JudgePrompt,
		User:        "USER_PROMPT:\n" + userText,
		MaxTokens:   s.Config.MaxTokens,
		Temperature: 0,
		JSONMode:    backend.JSONMode || backend.Provider == ProviderGoogle,
	})
	if s.Metrics != nil {
		s.Metrics.ObserveJudgeLatency(time.Since(started))
	}
	if err != nil {
		log.Printf("judge: completion failed (%s/%s): %v", backend.Provider, backend.Model, err)
		return verdict.Allow(verdict.ReasonJudgeError)
	}
	return verdict.Parse(content)
}

func (s *Service) cachedVerdict(ctx context.Context, text string) (verdict.Verdict, bool) {
	if s.Cache == nil || s.Config.CacheTTL <= 0 {
		return verdict.Verdict{}, false
	}
	raw, err := s.Cache.Get(ctx, verdictCacheKey(text))
	if err != nil {
		if !store.IsMiss(err) {
			log.Printf("judge: cache get: %v", err)
		}
		return verdict.Verdict{}, false
	}
	var v verdict.Verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return verdict.Verdict{}, false
	}
	if v.Categories == nil {
		v.Categories = []string{}
	}
	return v, true
}

func (s *Service) cacheVerdict(ctx context.Context, text string, v verdict.Verdict) {
	if s.Cache == nil || s.Config.CacheTTL <= 0 {
		return
	}
	// Only model-originated verdicts are worth caching.
	switch v.Reason {
	case verdict.ReasonJudgeError, verdict.ReasonUnavailable, verdict.ReasonDisabled:
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.Cache.Set(ctx, verdictCacheKey(text), string(raw), s.Config.CacheTTL); err != nil {
		log.Printf("judge: cache set: %v", err)
	}
}

func verdictCacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "judge:verdict:" + hex.EncodeToString(sum[:])
}

// record fans the judgment out to the audit trail, metrics, the live
// event feed, and the Kafka bus. All of it is best-effort.
func (s *Service) record(ctx context.Context, p Prompt, backend Backend, v verdict.Verdict) {
	label := "allowed"
	if v.Blocked {
		label = "blocked"
	}
	if s.Metrics != nil {
		s.Metrics.IncVerdict(label)
		s.Metrics.IncReason(v.Reason)
	}

	rec := audit.Record{
		DecisionID: uuid.NewString(),
		UserHash:   audit.HashUser(p.UserID),
		Endpoint:   p.Endpoint,
		Model:      backend.Model,
		Blocked:    v.Blocked,
		Categories: v.Categories,
		Reason:     v.Reason,
		CreatedAt:  time.Now().UTC(),
	}
	if v.Rewrite != nil {
		rec.Rewrite = *v.Rewrite
	}
	if s.Audit != nil {
		if err := s.Audit.Append(ctx, rec); err != nil {
			log.Printf("judge: audit append: %v", err)
		}
	}
	s.Events.Publish(stream.NewEvent(stream.EventJudgment, rec))
	if err := s.Bus.Publish(ctx, rec.DecisionID, rec); err != nil {
		log.Printf("judge: bus publish: %v", err)
	}
}
