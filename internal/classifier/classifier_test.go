package classifier

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/FlowPipe/internal/genai"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

func TestParse(t *testing.T) {
	reply := "Sure:\n```json\n{\"intent\":{\"type\":\"Complaint\",\"confidence\":1.4},\"urgency\":{\"level\":\"HIGH\"},\"lead_score\":{\"value\":10},\"sentiment\":\"negative\"}\n```"
	res, err := Parse(reply)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Intent.Type != "complaint" {
		t.Errorf("expected lowercased intent, got %q", res.Intent.Type)
	}
	if res.Intent.Confidence != 1 {
		t.Errorf("expected confidence clamped to 1, got %v", res.Intent.Confidence)
	}
	if res.Urgency.Level != "high" || res.LeadScore.Value != 10 || res.Sentiment != "negative" {
		t.Errorf("unexpected result %+v", res)
	}

	if _, err := Parse("no json here"); !errors.Is(err, ErrNoJSON) {
		t.Errorf("expected ErrNoJSON, got %v", err)
	}
	if _, err := Parse("{not json}"); err == nil {
		t.Error("expected decode error")
	}
}

func TestLLMClassifier(t *testing.T) {
	mock := genai.NewMockClient(`{"intent":{"type":"sales","confidence":0.9},"urgency":{"level":"low"},"lead_score":{"value":80}}`)
	c := NewLLMClassifier(mock, WithModel("classifier-model"), WithIntents("sales", "other"))

	res, err := c.Classify(context.Background(), "I want to buy ten units", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Intent.Type != "sales" || res.Intent.Confidence != 0.9 {
		t.Errorf("unexpected intent %+v", res.Intent)
	}
	req, _ := mock.LastRequest()
	if req.Model != "classifier-model" {
		t.Errorf("expected model override, got %q", req.Model)
	}
	if req.Temperature == nil || *req.Temperature != 0 {
		t.Errorf("expected zero temperature, got %v", req.Temperature)
	}

	if _, err := c.Classify(context.Background(), "  ", nil); err == nil {
		t.Error("expected error for empty text")
	}
}

func TestLLMClassifierIntentSource(t *testing.T) {
	mock := genai.NewMockClient(`{"intent":{"type":"refund","confidence":0.8},"urgency":{"level":"low"},"lead_score":{"value":20}}`)
	intents := []string{"sales"}
	c := NewLLMClassifier(mock, WithIntentSource(func() []string { return intents }))

	if _, err := c.Classify(context.Background(), "hello", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req, _ := mock.LastRequest()
	if strings.Contains(req.Messages[0].Content, "refund") {
		t.Errorf("refund offered before it was added: %q", req.Messages[0].Content)
	}

	intents = append(intents, "refund")
	if _, err := c.Classify(context.Background(), "I want my money back", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req, _ = mock.LastRequest()
	if !strings.Contains(req.Messages[0].Content, "Known intents: sales, refund.") {
		t.Errorf("expected the current intents in the prompt, got %q", req.Messages[0].Content)
	}
}

func TestKeywordClassifier(t *testing.T) {
	k := NewKeywordClassifier()
	tests := []struct {
		text      string
		intent    string
		urgency   string
		sentiment string
	}{
		{"I want to make a complaint, the product is broken", "complaint", "medium", "negative"},
		{"Let me speak to your manager immediately", "support_escalation", "high", "neutral"},
		{"How much does the blue one cost?", "pricing", "low", "neutral"},
		{"I'd like to buy two, thanks!", "sales", "low", "positive"},
		{"hi", "greeting", "low", "neutral"},
		{"this is something else", "other", "low", "neutral"},
		{"Shipping details please", "other", "low", "neutral"},
	}
	for _, tt := range tests {
		res, err := k.Classify(context.Background(), tt.text, nil)
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", tt.text, err)
		}
		if res.Intent.Type != tt.intent || res.Urgency.Level != tt.urgency || res.Sentiment != tt.sentiment {
			t.Errorf("%q: got intent=%s urgency=%s sentiment=%s", tt.text, res.Intent.Type, res.Urgency.Level, res.Sentiment)
		}
	}
}

func TestKeywordClassifier_WordBoundaries(t *testing.T) {
	k := NewKeywordClassifier()
	// "this" contains "hi" but must not be read as a greeting.
	res, _ := k.Classify(context.Background(), "this thing", nil)
	if res.Intent.Type == "greeting" {
		t.Error("matched a phrase inside a word")
	}
}

func TestWithFallbackAndSafe(t *testing.T) {
	failing := Func(func(context.Context, string, map[string]string) (*models.ClassificationResult, error) {
		return nil, errors.New("model down")
	})
	c := WithFallback(failing, NewKeywordClassifier())
	res, err := c.Classify(context.Background(), "I have a complaint", nil)
	if err != nil {
		t.Fatalf("expected fallback to succeed, got %v", err)
	}
	if res.Intent.Type != "complaint" {
		t.Errorf("expected complaint from fallback, got %s", res.Intent.Type)
	}

	if got := Safe(context.Background(), failing, "x", nil); got != nil {
		t.Errorf("expected nil on failure, got %+v", got)
	}
	if got := Safe(context.Background(), nil, "x", nil); got != nil {
		t.Errorf("expected nil for nil classifier, got %+v", got)
	}
}
