package flow

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/config"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

func TestResolveOption(t *testing.T) {
	opts := []models.Option{
		{ID: "a", Label: "Alpha", Value: "first"},
		{ID: "b", Label: "Beta", Value: "second"},
		{ID: "c", Label: "Gamma", Value: "third"},
	}
	tests := []struct {
		name     string
		text     string
		choiceID string
		want     string
		ok       bool
	}{
		{"index", "2", "", "b", true},
		{"choice id beats index", "2", "a", "a", true},
		{"unknown choice id falls back to text", "3", "zzz", "c", true},
		{"exact value", "second", "", "b", true},
		{"exact id", "c", "", "c", true},
		{"label ignoring case", "gAmMa", "", "c", true},
		{"label substring", "I think beta sounds right", "", "b", true},
		{"index out of range", "4", "", "", false},
		{"no match", "none of these", "", "", false},
		{"empty", "  ", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ResolveOption(opts, tt.text, tt.choiceID)
			if ok != tt.ok || got.ID != tt.want {
				t.Errorf("ResolveOption(%q, %q) = %q, %v; want %q, %v", tt.text, tt.choiceID, got.ID, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestResolveOptionExactBeatsIndex(t *testing.T) {
	// A value that looks like an index is matched as a value first.
	opts := []models.Option{{Label: "Ten", Value: "2"}, {Label: "Two", Value: "x"}}
	got, ok := ResolveOption(opts, "2", "")
	if !ok || got.Label != "Ten" {
		t.Errorf("got %+v, %v", got, ok)
	}
}

func TestEvaluateCondition(t *testing.T) {
	vars := map[string]any{"age": "5", "score": 42.0, "plan": "Premium", "lead": map[string]any{"tier": "gold"}}
	tests := []struct {
		expr string
		want bool
	}{
		{"age < 18", true},
		{"age >= 18", false},
		{"score == 42", true},
		{"score != 42", false},
		{"score > 41.5", true},
		{"score <= 10", false},
		{"plan == premium", true},
		{`plan == "Premium"`, true},
		{"plan != basic", true},
		{"lead.tier == gold", true},
		{"else", true},
		{"default", true},
		{"", true},
	}
	for _, tt := range tests {
		got, err := EvaluateCondition(tt.expr, vars)
		if err != nil {
			t.Errorf("EvaluateCondition(%q): %v", tt.expr, err)
			continue
		}
		if got != tt.want {
			t.Errorf("EvaluateCondition(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestEvaluateConditionErrors(t *testing.T) {
	if _, err := EvaluateCondition("missing > 1", map[string]any{}); !errors.Is(err, ErrVariableNotSet) {
		t.Errorf("missing variable: %v", err)
	}
	if _, err := EvaluateCondition("age is old", map[string]any{"age": 3}); !errors.Is(err, ErrInvalidExpression) {
		t.Errorf("bad expression: %v", err)
	}
}

func TestRender(t *testing.T) {
	vars := map[string]any{"name": "Ana", "age": 25.0, "order": map[string]any{"id": 7}}
	got := Render("Hi {{name}} ({{ age }}), order {{order.id}}{{missing}}.", vars)
	if got != "Hi Ana (25), order 7." {
		t.Errorf("Render = %q", got)
	}
	if Render("plain", nil) != "plain" {
		t.Error("plain text changed")
	}
}

func webhookFlow(url string) models.Flow {
	return keywordFlow("hook", 1, []string{"hook"},
		[]models.Node{
			trig("t"),
			{ID: "call", Type: models.NodeTypeWebhook, Spec: &models.WebhookNode{
				URL:      url + "/orders/{{order}}",
				Method:   "post",
				Headers:  map[string]string{"X-Contact": "{{contact}}"},
				Body:     `{"order":"{{order}}"}`,
				Variable: "result",
			}},
			msg("after", "status={{result.status}} error={{result.error}}"),
		},
		chain("t", "call", "after"),
	)
}

func TestWebhookNodeStoresResponse(t *testing.T) {
	var (
		mu                          sync.Mutex
		gotPath, gotHeader, gotBody string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotPath, gotHeader, gotBody = r.URL.Path, r.Header.Get("X-Contact"), string(b)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"state":"shipped"}`))
	}))
	defer srv.Close()

	f := webhookFlow(srv.URL)
	f.DefaultVariables = map[string]any{"order": "A1", "contact": "ana"}
	h := newHarness(t, nil, f)

	res := h.send("hook")
	if res.Type != models.ResultFlowCompleted || res.Message != "status=200 error=." {
		t.Fatalf("got %+v", res)
	}
	mu.Lock()
	if gotPath != "/orders/A1" || gotHeader != "ana" || gotBody != `{"order":"A1"}` {
		t.Errorf("request path=%q header=%q body=%q", gotPath, gotHeader, gotBody)
	}
	mu.Unlock()
	log := h.execution(res.ExecutionID)
	body, _ := log.Variables["result"].(map[string]any)["body"].(map[string]any)
	if body["state"] != "shipped" {
		t.Errorf("stored result = %+v", log.Variables["result"])
	}
}

func TestWebhookNodeFailureContinues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	h := newHarness(t, nil, webhookFlow(srv.URL))
	res := h.send("hook")
	if res.Type != models.ResultFlowCompleted {
		t.Fatalf("got %+v", res)
	}
	if !strings.HasPrefix(res.Message, "status=502 error=webhook returned HTTP 502") {
		t.Errorf("message = %q", res.Message)
	}

	srv.Close()
	h = newHarness(t, nil, webhookFlow(srv.URL))
	res = h.send("hook")
	if res.Type != models.ResultFlowCompleted || !strings.Contains(res.Message, "webhook request failed") {
		t.Fatalf("unreachable server: got %+v", res)
	}
	log := h.execution(res.ExecutionID)
	if log.Steps[1].Status != models.StepFailed {
		t.Errorf("webhook step status = %s", log.Steps[1].Status)
	}
}

func TestClampTimeout(t *testing.T) {
	if clampTimeout(0) != DefaultWebhookTimeout {
		t.Error("zero should use the default")
	}
	if clampTimeout(time.Minute) != MaxWebhookTimeout {
		t.Error("long timeouts should be capped")
	}
	if clampTimeout(2*time.Second) != 2*time.Second {
		t.Error("short timeouts should be kept")
	}
}

func TestActionsNotifyAndTicketEndpoints(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		if r.URL.Path == "/tickets" {
			_, _ = w.Write([]byte(`{"id":"T-42"}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := &config.Bot{DefaultTeam: "sales", WebhookTimeout: time.Second}
	cfg.Actions.NotifyURL = srv.URL + "/notify"
	cfg.Actions.TicketURL = srv.URL + "/tickets"

	a := NewActions(store.NewInMemoryStore(), nil)
	ctx := context.Background()
	req := ActionRequest{ContactID: contact, FlowID: "f", Config: cfg}

	res, err := a.Run(ctx, ActionNotifyTeam, req)
	if err != nil || res.Output != "team sales notified" {
		t.Fatalf("notify: %+v %v", res, err)
	}
	res, err = a.Run(ctx, ActionCreateTicket, req)
	if err != nil || res.Variables["ticket_id"] != "T-42" {
		t.Fatalf("ticket: %+v %v", res, err)
	}
	if _, err := a.Run(ctx, ActionWebhook, req); err == nil {
		t.Error("webhook action without url should fail")
	}
	req.Payload = map[string]any{"url": srv.URL + "/hook"}
	if _, err := a.Run(ctx, ActionWebhook, req); err != nil {
		t.Errorf("webhook action: %v", err)
	}
	mu.Lock()
	if len(paths) != 3 || paths[2] != "/hook" {
		t.Errorf("paths = %v", paths)
	}
	mu.Unlock()

	a.Register("custom", func(context.Context, ActionRequest) (ActionResult, error) {
		return ActionResult{Output: "ok"}, nil
	})
	if names := a.Names(); len(names) != 5 {
		t.Errorf("names = %v", names)
	}
}

func TestCatalog(t *testing.T) {
	repo := store.NewInMemoryStore()
	valid := keywordFlow("b", 2, []string{"b"}, []models.Node{trig("t")}, nil)
	valid.Intents = []string{"billing"}
	first := keywordFlow("a", 1, []string{"a"}, []models.Node{trig("t")}, nil)
	broken := keywordFlow("c", 3, []string{"c"}, []models.Node{trig("t")}, []models.Connection{{From: "t", To: "nowhere"}})
	inactive := keywordFlow("d", 0, []string{"d"}, []models.Node{trig("t")}, nil)
	inactive.Active = false
	for _, f := range []models.Flow{valid, first, broken, inactive} {
		if err := repo.SaveFlow(f); err != nil {
			t.Fatal(err)
		}
	}

	c := NewCatalog(repo)
	n, err := c.Reload()
	if err != nil || n != 2 {
		t.Fatalf("Reload = %d, %v", n, err)
	}
	flows := c.Flows()
	if flows[0].ID != "a" || flows[1].ID != "b" {
		t.Errorf("order = %s, %s", flows[0].ID, flows[1].ID)
	}
	if _, ok := c.ByID("c"); ok {
		t.Error("invalid flow should be skipped")
	}
	if f, ok := c.ByIntent("Billing"); !ok || f.ID != "b" {
		t.Errorf("ByIntent = %v, %v", f, ok)
	}

	if err := c.Save(broken); err == nil {
		t.Error("Save should validate")
	}
	extra := keywordFlow("e", 4, []string{"e"}, []models.Node{trig("t")}, nil)
	if err := c.Save(extra); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.ByID("e"); !ok {
		t.Error("saved flow should be loaded")
	}
}
