// Package gate is the policy middleware: every chat request is judged
// before it reaches a model. Allowed prompts continue with the
// educational prefix injected; blocked prompts are answered by the
// synthetic refusal turn instead.
package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/CoastalTensors/LibrePedagogy/pkg/config"
	"github.com/CoastalTensors/LibrePedagogy/pkg/deny"
	"github.com/CoastalTensors/LibrePedagogy/pkg/judge"
	"github.com/CoastalTensors/LibrePedagogy/pkg/policy"
	"github.com/CoastalTensors/LibrePedagogy/pkg/stream"
	"github.com/CoastalTensors/LibrePedagogy/pkg/verdict"
)

const maxBodyBytes = 1 << 20

// ChatRequest is the subset of the chat body the gate reads and mutates.
// Unknown fields in the body survive the round trip untouched.
type ChatRequest struct {
	Text            string `json:"text"`
	PromptPrefix    string `json:"promptPrefix,omitempty"`
	MessageID       string `json:"messageId,omitempty"`
	ConversationID  string `json:"conversationId,omitempty"`
	ParentMessageID string `json:"parentMessageId,omitempty"`
	Model           string `json:"model,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`
}

// Judger issues one policy judgment for a prompt.
type Judger interface {
	Judge(ctx context.Context, p judge.Prompt) verdict.Verdict
}

// Gate wires the judgment service, the refusal flow, and the policy text
// into one middleware.
type Gate struct {
	Judge     Judger
	Deny      *deny.Flow
	Policy    policy.Config
	Endpoints func() []config.Endpoint
	Events    *stream.Hub
}

type ctxKey int

const (
	userIDKey ctxKey = iota
	requestKey
	verdictKey
)

// WithUserID records the authenticated user id on the context. The auth
// layer in front of the gateway sets it before the gate runs.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// RequestFrom returns the parsed chat request recorded by the gate.
func RequestFrom(ctx context.Context) (ChatRequest, bool) {
	req, ok := ctx.Value(requestKey).(ChatRequest)
	return req, ok
}

// VerdictFrom returns the judgment recorded by the gate.
func VerdictFrom(ctx context.Context) (verdict.Verdict, bool) {
	v, ok := ctx.Value(verdictKey).(verdict.Verdict)
	return v, ok
}

// Middleware judges the request body. It must run after authentication
// and before any model call. Any failure inside the gate itself passes
// the request through unchanged.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		r.Body.Close()
		if err != nil {
			log.Printf("gate: read body: %v", err)
			r.Body = io.NopCloser(bytes.NewReader(raw))
			next.ServeHTTP(w, r)
			return
		}

		// A literal null body decodes without error into a nil map.
		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err != nil || payload == nil {
			r.Body = io.NopCloser(bytes.NewReader(raw))
			next.ServeHTTP(w, r)
			return
		}
		req := chatRequestFrom(payload)

		v := g.judge(r.Context(), req)
		if v.Blocked {
			g.denyRequest(w, r, req, v)
			return
		}

		aug := policy.NewAugmented(req.PromptPrefix)
		aug.Inject(g.Policy.AssistantSystemPrefix)
		req.PromptPrefix = aug.String()
		payload["promptPrefix"] = req.PromptPrefix
		if mutated, err := json.Marshal(payload); err == nil {
			raw = mutated
		}
		r.Body = io.NopCloser(bytes.NewReader(raw))
		r.ContentLength = int64(len(raw))

		ctx := context.WithValue(r.Context(), requestKey, req)
		ctx = context.WithValue(ctx, verdictKey, v)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// judge shields the pipeline from the judgment path: a panic here is a
// pass-through, not a failed request.
func (g *Gate) judge(ctx context.Context, req ChatRequest) (v verdict.Verdict) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("gate: judge panic: %v", rec)
			v = verdict.Allow(verdict.ReasonJudgeError)
		}
	}()
	return g.Judge.Judge(ctx, judge.Prompt{
		Text:      req.Text,
		UserID:    UserID(ctx),
		Endpoint:  req.Endpoint,
		Model:     req.Model,
		Endpoints: g.endpoints(),
	})
}

func (g *Gate) denyRequest(w http.ResponseWriter, r *http.Request, req ChatRequest, v verdict.Verdict) {
	g.Events.Publish(stream.NewEvent(stream.EventDenial, map[string]any{
		"conversationId": req.ConversationID,
		"endpoint":       req.Endpoint,
		"reason":         v.Reason,
		"categories":     v.Categories,
	}))
	sender := stream.NewSender(w)
	err := g.Deny.Run(r.Context(), sender, deny.Request{
		UserID:          UserID(r.Context()),
		Text:            req.Text,
		MessageID:       req.MessageID,
		ConversationID:  req.ConversationID,
		ParentMessageID: req.ParentMessageID,
		Endpoint:        req.Endpoint,
		Model:           req.Model,
	})
	if err != nil {
		log.Printf("gate: deny flow: %v", err)
		if !sender.Started() {
			http.Error(w, "failed to record refusal", http.StatusInternalServerError)
		}
	}
}

func (g *Gate) endpoints() []config.Endpoint {
	if g.Endpoints == nil {
		return nil
	}
	return g.Endpoints()
}

func chatRequestFrom(payload map[string]any) ChatRequest {
	str := func(key string) string {
		s, _ := payload[key].(string)
		return s
	}
	return ChatRequest{
		Text:            str("text"),
		PromptPrefix:    str("promptPrefix"),
		MessageID:       str("messageId"),
		ConversationID:  str("conversationId"),
		ParentMessageID: str("parentMessageId"),
		Model:           str("model"),
		Endpoint:        str("endpoint"),
	}
}
