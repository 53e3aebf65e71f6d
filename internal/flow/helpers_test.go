package flow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/classifier"
	"github.com/BTreeMap/FlowPipe/internal/config"
	"github.com/BTreeMap/FlowPipe/internal/events"
	"github.com/BTreeMap/FlowPipe/internal/execlog"
	"github.com/BTreeMap/FlowPipe/internal/fallback"
	"github.com/BTreeMap/FlowPipe/internal/genai"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/session"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

const contact = "15551234567"

// Node builders for test flows.

func trig(id string) models.Node {
	return models.Node{ID: id, Type: models.NodeTypeTrigger, Spec: &models.TriggerNode{}}
}

func msg(id, content string) models.Node {
	return models.Node{ID: id, Type: models.NodeTypeMessage, Spec: &models.MessageNode{Content: content}}
}

func ask(id, prompt, variable string, opts ...models.Option) models.Node {
	return models.Node{ID: id, Type: models.NodeTypeQuestion, Spec: &models.QuestionNode{Prompt: prompt, Variable: variable, Options: opts}}
}

func cond(id, elseTarget string, rules ...models.ConditionRule) models.Node {
	return models.Node{ID: id, Type: models.NodeTypeCondition, Spec: &models.ConditionNode{Rules: rules, Else: elseTarget}}
}

func end(id, text string) models.Node {
	return models.Node{ID: id, Type: models.NodeTypeEnd, Spec: &models.EndNode{Message: text}}
}

func transfer(id, text, team string) models.Node {
	return models.Node{ID: id, Type: models.NodeTypeTransfer, Spec: &models.TransferNode{Message: text, Team: team}}
}

func action(id, name string, payload map[string]any) models.Node {
	return models.Node{ID: id, Type: models.NodeTypeAction, Spec: &models.ActionNode{Action: name, Payload: payload}}
}

func chain(ids ...string) []models.Connection {
	var out []models.Connection
	for i := 1; i < len(ids); i++ {
		out = append(out, models.Connection{From: ids[i-1], To: ids[i]})
	}
	return out
}

func keywordFlow(id string, priority int, keywords []string, nodes []models.Node, conns []models.Connection) models.Flow {
	return models.Flow{
		ID:          id,
		Slug:        id,
		Name:        id,
		Active:      true,
		Priority:    priority,
		Trigger:     models.Trigger{Type: models.TriggerKeyword, Keywords: keywords},
		Nodes:       nodes,
		Connections: conns,
	}
}

// onboardingFlow greets, asks for name and age, then routes on age.
func onboardingFlow() models.Flow {
	f := keywordFlow("onboarding", 1, []string{"start"},
		[]models.Node{
			trig("t"),
			msg("welcome", "Hi! Let's get you set up."),
			ask("ask_name", "What's your name?", "name"),
			ask("ask_age", "How old are you, {{name}}?", "age"),
			cond("route", "",
				models.ConditionRule{Expression: "age < 18", Target: "minor"},
				models.ConditionRule{Expression: "age >= 18", Target: "adult"},
			),
			end("minor", "Thanks {{name}}, a guardian will follow up."),
			msg("adult", "Great, {{name}}! You're all set."),
		},
		chain("t", "welcome", "ask_name", "ask_age", "route"),
	)
	f.RunOnce = true
	return f
}

// stubClassifier returns a fixed result per text, ignoring case, and "other" otherwise.
type stubClassifier struct {
	mu      sync.Mutex
	results map[string]*models.ClassificationResult
	calls   int
}

func (s *stubClassifier) Classify(_ context.Context, text string, _ map[string]string) (*models.ClassificationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	for k, r := range s.results {
		if strings.EqualFold(k, text) {
			return r, nil
		}
	}
	return &models.ClassificationResult{Intent: models.IntentResult{Type: "other", Confidence: 0.2}}, nil
}

func intent(name string, confidence float64) *models.ClassificationResult {
	return &models.ClassificationResult{Intent: models.IntentResult{Type: name, Confidence: confidence}}
}

// stubFallback records requests and returns a canned reply or error.
type stubFallback struct {
	mu       sync.Mutex
	reply    string
	err      error
	requests []fallback.Request
}

func (s *stubFallback) Generate(_ context.Context, req fallback.Request) (*fallback.Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	return &fallback.Reply{Text: s.reply, Parts: []string{s.reply}}, nil
}

func (s *stubFallback) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type harness struct {
	t        *testing.T
	engine   *Engine
	repo     *store.InMemoryStore
	sessions *session.MemoryStore
	sender   *messaging.MockService
	events   *events.Recorder
	fallback *stubFallback
	llm      *genai.MockClient
	cfg      *config.Bot
	slept    []time.Duration
	mu       sync.Mutex
}

func newHarness(t *testing.T, cls classifier.Classifier, flows ...models.Flow) *harness {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	cfg.MessageDelay = 0
	cfg.DefaultTeam = "support"

	repo := store.NewInMemoryStore()
	for _, f := range flows {
		if err := repo.SaveFlow(f); err != nil {
			t.Fatalf("SaveFlow(%s): %v", f.ID, err)
		}
	}
	catalog := NewCatalog(repo)
	if _, err := catalog.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	h := &harness{
		t:        t,
		repo:     repo,
		sessions: session.NewMemoryStore(),
		sender:   messaging.NewMockService(),
		events:   &events.Recorder{},
		fallback: &stubFallback{reply: "Happy to help with that."},
		llm:      genai.NewMockClient("Here is a tip."),
		cfg:      cfg,
	}
	h.engine = NewEngine(Deps{
		Catalog:    catalog,
		Sessions:   session.NewManager(h.sessions),
		Repo:       repo,
		Sender:     h.sender,
		Classifier: cls,
		Completer:  h.llm,
		Fallback:   h.fallback,
		Logger:     execlog.New(repo, h.events),
		Events:     h.events,
		Config:     config.Static(cfg),
	}, WithSleep(func(_ context.Context, d time.Duration) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.slept = append(h.slept, d)
		return nil
	}))
	return h
}

func (h *harness) send(text string) models.ProcessResult {
	h.t.Helper()
	return h.sendMessage(models.InboundMessage{ContactID: contact, Text: text})
}

func (h *harness) sendMessage(in models.InboundMessage) models.ProcessResult {
	h.t.Helper()
	res, err := h.engine.ProcessMessage(context.Background(), in)
	if err != nil {
		h.t.Fatalf("ProcessMessage(%q): %v", in.Text, err)
	}
	return res
}

func (h *harness) session() *models.SessionState {
	h.t.Helper()
	st, err := h.sessions.Get(context.Background(), contact)
	if err != nil {
		h.t.Fatalf("session Get: %v", err)
	}
	return st
}

func (h *harness) execution(id string) *models.ExecutionLog {
	h.t.Helper()
	log, err := h.repo.GetExecution(id)
	if err != nil || log == nil {
		h.t.Fatalf("GetExecution(%s): %v %v", id, log, err)
	}
	return log
}

func (h *harness) bodies() []string {
	var out []string
	for _, m := range h.sender.Messages() {
		out = append(out, m.Body)
	}
	return out
}

var errBoom = errors.New("boom")
