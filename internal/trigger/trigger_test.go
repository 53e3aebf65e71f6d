package trigger

import (
	"testing"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

func cls(intent string, conf float64, urgency string, lead float64) *models.ClassificationResult {
	return &models.ClassificationResult{
		Intent:    models.IntentResult{Type: intent, Confidence: conf},
		Urgency:   models.UrgencyResult{Level: urgency},
		LeadScore: models.LeadScoreResult{Value: lead},
	}
}

func ptr(f float64) *float64 { return &f }

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name    string
		trigger models.Trigger
		text    string
		cls     *models.ClassificationResult
		want    bool
	}{
		{"keyword case insensitive substring", models.Trigger{Type: models.TriggerKeyword, Keywords: []string{"Price"}}, "what is the PRICE of latte", nil, true},
		{"keyword miss", models.Trigger{Type: models.TriggerKeyword, Keywords: []string{"refund"}}, "hello", nil, false},
		{"keyword blank ignored", models.Trigger{Type: models.TriggerKeyword, Keywords: []string{" "}}, "hello", nil, false},
		{"classification all constraints", models.Trigger{Type: models.TriggerClassification, Intents: []string{"sales"}, Urgency: "high", MinLeadScore: ptr(50)}, "", cls("sales", 0.5, "high", 70), true},
		{"classification urgency mismatch", models.Trigger{Type: models.TriggerClassification, Urgency: "high"}, "", cls("sales", 0.5, "low", 70), false},
		{"classification lead below min", models.Trigger{Type: models.TriggerClassification, MinLeadScore: ptr(80)}, "", cls("sales", 0.5, "high", 70), false},
		{"classification intent outside set", models.Trigger{Type: models.TriggerClassification, Intents: []string{"support"}}, "", cls("sales", 0.9, "", 0), false},
		{"classification nil", models.Trigger{Type: models.TriggerClassification}, "", nil, false},
		{"intent above threshold", models.Trigger{Type: models.TriggerIntent, Intents: []string{"complaint"}, MinConfidence: 0.7}, "", cls("complaint", 0.8, "", 0), true},
		{"intent below threshold", models.Trigger{Type: models.TriggerIntent, Intents: []string{"complaint"}, MinConfidence: 0.9}, "", cls("complaint", 0.8, "", 0), false},
		{"intent not in set", models.Trigger{Type: models.TriggerIntent, Intents: []string{"sales"}}, "", cls("complaint", 0.99, "", 0), false},
		{"always", models.Trigger{Type: models.TriggerAlways}, "anything", nil, true},
		{"unknown type", models.Trigger{Type: "telepathy"}, "anything", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := Evaluate(tt.trigger, tt.text, tt.cls)
			if got != tt.want {
				t.Errorf("Evaluate() = %v (%s), want %v", got, reason, tt.want)
			}
		})
	}
}

func TestMatchOrderAndDefault(t *testing.T) {
	flows := []models.Flow{
		{ID: "fallback", IsDefault: true, Trigger: models.Trigger{Type: models.TriggerAlways}},
		{ID: "pricing", Trigger: models.Trigger{Type: models.TriggerKeyword, Keywords: []string{"price"}}},
		{ID: "catch-all", Trigger: models.Trigger{Type: models.TriggerKeyword, Keywords: []string{"price", "hours"}}},
	}

	if got := Match(flows, "price please", nil); got == nil || got.ID != "pricing" {
		t.Errorf("expected first matching flow in list order, got %+v", got)
	}
	if got := Match(flows, "opening hours?", nil); got == nil || got.ID != "catch-all" {
		t.Errorf("expected catch-all, got %+v", got)
	}
	if got := Match(flows, "something else", nil); got == nil || got.ID != "fallback" {
		t.Errorf("expected default flow as last resort, got %+v", got)
	}
	if got := Match(flows[1:], "something else", nil); got != nil {
		t.Errorf("expected nil without default flow, got %+v", got)
	}
}

func TestTraceEvaluatesEveryFlow(t *testing.T) {
	flows := []models.Flow{
		{ID: "a", Trigger: models.Trigger{Type: models.TriggerAlways}},
		{ID: "b", Trigger: models.Trigger{Type: models.TriggerKeyword, Keywords: []string{"x"}}},
		{ID: "c", Trigger: models.Trigger{Type: "bogus"}},
	}
	evals := Trace(flows, "x marks", nil)
	if len(evals) != 3 {
		t.Fatalf("expected 3 evaluations, got %d", len(evals))
	}
	if !evals[0].Matched || !evals[1].Matched || evals[2].Matched {
		t.Errorf("unexpected trace: %+v", evals)
	}
}
