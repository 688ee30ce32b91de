package gate

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/CoastalTensors/LibrePedagogy/pkg/deny"
	"github.com/CoastalTensors/LibrePedagogy/pkg/judge"
	"github.com/CoastalTensors/LibrePedagogy/pkg/messages"
	"github.com/CoastalTensors/LibrePedagogy/pkg/policy"
	"github.com/CoastalTensors/LibrePedagogy/pkg/stream"
	"github.com/CoastalTensors/LibrePedagogy/pkg/verdict"
)

type stubJudge struct {
	verdict verdict.Verdict
	panics  bool
	prompts []judge.Prompt
}

func (s *stubJudge) Judge(_ context.Context, p judge.Prompt) verdict.Verdict {
	s.prompts = append(s.prompts, p)
	if s.panics {
		panic("judge blew up")
	}
	return s.verdict
}

type memorySaver struct {
	saved []messages.Message
}

func (m *memorySaver) Save(_ context.Context, msg messages.Message, _ string) (messages.Message, error) {
	m.saved = append(m.saved, msg)
	return msg, nil
}

func newGate(j Judger) (*Gate, *memorySaver) {
	saver := &memorySaver{}
	cfg := policy.Default()
	return &Gate{
		Judge:  j,
		Deny:   &deny.Flow{Store: saver, RefusalText: cfg.BadPromptMessage},
		Policy: cfg,
	}, saver
}

func postChat(t *testing.T, g *Gate, body string, next http.Handler) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	req = req.WithContext(WithUserID(req.Context(), "u1"))
	rec := httptest.NewRecorder()
	g.Middleware(next).ServeHTTP(rec, req)
	return rec
}

func TestAllowedRequestGetsPrefixAndContinues(t *testing.T) {
	j := &stubJudge{}
	g, _ := newGate(j)

	var seenBody map[string]any
	var seenReq ChatRequest
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &seenBody); err != nil {
			t.Fatalf("downstream body: %v", err)
		}
		seenReq, _ = RequestFrom(r.Context())
		if v, ok := VerdictFrom(r.Context()); !ok || v.Blocked {
			t.Fatalf("verdict on context: %v %v", v, ok)
		}
		w.WriteHeader(http.StatusOK)
	})

	rec := postChat(t, g, `{"text":"hello","endpoint":"openAI","extra":"kept"}`, next)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	prefix, _ := seenBody["promptPrefix"].(string)
	if !strings.Contains(prefix, g.Policy.AssistantSystemPrefix) {
		t.Fatalf("prefix not injected: %q", prefix)
	}
	if seenBody["extra"] != "kept" {
		t.Fatal("unknown body fields must survive the gate")
	}
	if seenReq.Text != "hello" || seenReq.Endpoint != "openAI" {
		t.Fatalf("context request: %+v", seenReq)
	}
	if len(j.prompts) != 1 || j.prompts[0].UserID != "u1" {
		t.Fatalf("judge prompt: %+v", j.prompts)
	}
}

func TestPrefixInjectionIsIdempotent(t *testing.T) {
	j := &stubJudge{}
	g, _ := newGate(j)

	var prefix string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		prefix, _ = body["promptPrefix"].(string)
	})

	body, _ := json.Marshal(map[string]any{
		"text":         "hello",
		"promptPrefix": g.Policy.AssistantSystemPrefix + "\n\nhouse rules",
	})
	postChat(t, g, string(body), next)
	if n := strings.Count(prefix, g.Policy.AssistantSystemPrefix); n != 1 {
		t.Fatalf("prefix occurs %d times: %q", n, prefix)
	}
	if !strings.Contains(prefix, "house rules") {
		t.Fatalf("existing prefix text lost: %q", prefix)
	}
}

func TestBlockedRequestGetsRefusalTurn(t *testing.T) {
	j := &stubJudge{verdict: verdict.Verdict{
		Blocked:    true,
		Categories: []string{"harassment"},
		Reason:     "bullying content",
	}}
	g, saver := newGate(j)
	hub := stream.NewHub()
	g.Events = hub
	events := hub.Subscribe(4)
	defer hub.Unsubscribe(events)

	nextCalled := false
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { nextCalled = true })

	rec := postChat(t, g, `{"text":"insult my classmate","conversationId":"c1","messageId":"m1"}`, next)
	if nextCalled {
		t.Fatal("blocked request must not reach the model")
	}
	if rec.Header().Get("Content-Type") != "text/event-stream" {
		t.Fatalf("content type: %q", rec.Header().Get("Content-Type"))
	}
	if len(saver.saved) != 2 {
		t.Fatalf("saved %d messages", len(saver.saved))
	}
	if saver.saved[1].Text != g.Policy.BadPromptMessage {
		t.Fatalf("refusal text: %q", saver.saved[1].Text)
	}
	if !strings.Contains(rec.Body.String(), `"final":true`) {
		t.Fatalf("body: %s", rec.Body.String())
	}

	select {
	case evt := <-events:
		if evt.Type != stream.EventDenial {
			t.Fatalf("event type: %q", evt.Type)
		}
	default:
		t.Fatal("no denial event published")
	}
}

func TestJudgePanicFailsOpen(t *testing.T) {
	j := &stubJudge{panics: true}
	g, saver := newGate(j)

	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		if v, ok := VerdictFrom(r.Context()); !ok || v.Blocked || v.Reason != verdict.ReasonJudgeError {
			t.Fatalf("verdict: %v %v", v, ok)
		}
	})
	postChat(t, g, `{"text":"hello"}`, next)
	if !nextCalled {
		t.Fatal("panic in judging must fail open")
	}
	if len(saver.saved) != 0 {
		t.Fatalf("saved: %+v", saver.saved)
	}
}

func TestUnparsableBodyPassesThroughUnchanged(t *testing.T) {
	j := &stubJudge{verdict: verdict.Verdict{Blocked: true}}
	g, _ := newGate(j)

	var downstream string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		downstream = string(raw)
	})
	postChat(t, g, "not json at all", next)
	if downstream != "not json at all" {
		t.Fatalf("body: %q", downstream)
	}
	if len(j.prompts) != 0 {
		t.Fatal("unparsable body must not be judged")
	}
}

func TestNullBodyPassesThroughUnchanged(t *testing.T) {
	j := &stubJudge{verdict: verdict.Verdict{Blocked: true}}
	g, _ := newGate(j)

	var downstream string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		downstream = string(raw)
	})
	rec := postChat(t, g, "null", next)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if downstream != "null" {
		t.Fatalf("body: %q", downstream)
	}
	if len(j.prompts) != 0 {
		t.Fatal("null body must not be judged")
	}
}

func TestUserIDContextHelpers(t *testing.T) {
	ctx := WithUserID(context.Background(), "u9")
	if UserID(ctx) != "u9" {
		t.Fatalf("user id: %q", UserID(ctx))
	}
	if UserID(context.Background()) != "" {
		t.Fatal("missing user id must be empty")
	}
}
