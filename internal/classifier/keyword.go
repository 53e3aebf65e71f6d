package classifier

import (
	"context"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Rule maps a set of phrases to an intent.
type Rule struct {
	Intent     string
	Phrases    []string
	Confidence float64
	LeadScore  float64
}

// DefaultRules is a small English vocabulary good enough for offline runs.
var DefaultRules = []Rule{
	{Intent: "complaint", Confidence: 0.8, Phrases: []string{"complaint", "complain", "terrible", "awful", "broken", "not working", "refund", "disappointed", "worst"}},
	{Intent: "support_escalation", Confidence: 0.8, Phrases: []string{"manager", "supervisor", "escalate", "real person", "speak to someone"}},
	{Intent: "sales", Confidence: 0.75, LeadScore: 70, Phrases: []string{"buy", "purchase", "order", "quote", "interested in"}},
	{Intent: "pricing", Confidence: 0.75, LeadScore: 50, Phrases: []string{"price", "cost", "how much", "pricing"}},
	{Intent: "support", Confidence: 0.6, Phrases: []string{"help", "problem", "issue", "support"}},
	{Intent: "greeting", Confidence: 0.6, Phrases: []string{"hello", "hi", "hey", "good morning", "good afternoon"}},
}

var (
	urgentPhrases   = []string{"urgent", "asap", "immediately", "right now", "emergency"}
	negativePhrases = []string{"terrible", "awful", "angry", "worst", "disappointed", "hate", "broken"}
	positivePhrases = []string{"thanks", "thank you", "great", "love", "awesome", "perfect"}
)

// KeywordClassifier is a deterministic phrase-matching classifier.
// Rules are checked in order; the first rule with a matching phrase wins.
type KeywordClassifier struct {
	Rules []Rule
}

// NewKeywordClassifier returns a classifier using rules, or DefaultRules when none are given.
func NewKeywordClassifier(rules ...Rule) *KeywordClassifier {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	return &KeywordClassifier{Rules: rules}
}

// Classify implements Classifier. It never fails on non-empty input.
func (k *KeywordClassifier) Classify(_ context.Context, text string, _ map[string]string) (*models.ClassificationResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, models.ErrEmptyText
	}
	words := tokenize(text)
	out := &models.ClassificationResult{
		Intent:    models.IntentResult{Type: "other", Confidence: 0.3},
		Urgency:   models.UrgencyResult{Level: "low"},
		Sentiment: "neutral",
	}
	for _, r := range k.Rules {
		if containsAny(words, r.Phrases) {
			out.Intent = models.IntentResult{Type: r.Intent, Confidence: r.Confidence}
			out.LeadScore.Value = r.LeadScore
			break
		}
	}
	if containsAny(words, urgentPhrases) {
		out.Urgency.Level = "high"
	} else if out.Intent.Type == "complaint" || out.Intent.Type == "support_escalation" {
		out.Urgency.Level = "medium"
	}
	switch {
	case containsAny(words, negativePhrases):
		out.Sentiment = "negative"
	case containsAny(words, positivePhrases):
		out.Sentiment = "positive"
	}
	return out, nil
}

// tokenize lowercases text and pads it with spaces so phrase lookups can
// match on word boundaries.
func tokenize(text string) string {
	f := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'' || r > 127)
	})
	return " " + strings.Join(f, " ") + " "
}

func containsAny(padded string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(padded, " "+p+" ") {
			return true
		}
	}
	return false
}
