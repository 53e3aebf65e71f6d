// Package classifier provides the intent/urgency/lead-score classifiers
// consumed by the flow engine. Two implementations exist: an LLM-backed
// classifier asking the model for a JSON verdict, and a keyword heuristic
// used offline or as a fallback when the model is unavailable.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/genai"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

// ErrNoJSON is returned when the model reply carries no JSON object.
var ErrNoJSON = errors.New("classifier: no JSON object in reply")

// Classifier classifies one inbound message. meta carries channel context
// such as the message id; implementations may ignore it.
type Classifier interface {
	Classify(ctx context.Context, text string, meta map[string]string) (*models.ClassificationResult, error)
}

// Func adapts a plain function to the Classifier interface.
type Func func(ctx context.Context, text string, meta map[string]string) (*models.ClassificationResult, error)

// Classify calls f.
func (f Func) Classify(ctx context.Context, text string, meta map[string]string) (*models.ClassificationResult, error) {
	return f(ctx, text, meta)
}

// Safe runs c and degrades any failure to a nil result.
func Safe(ctx context.Context, c Classifier, text string, meta map[string]string) *models.ClassificationResult {
	if c == nil {
		return nil
	}
	res, err := c.Classify(ctx, text, meta)
	if err != nil {
		slog.Warn("classifier.Safe: classification failed, continuing without it", "error", err)
		return nil
	}
	return res
}

const systemPrompt = `You classify customer messages for a business messaging assistant.
Reply with a single JSON object and nothing else, using this shape:
{"intent":{"type":"<intent>","confidence":<0..1>},"urgency":{"level":"low|medium|high"},"lead_score":{"value":<0..100>},"sentiment":"positive|neutral|negative"}
Known intents: %s. Use "other" when none applies.`

// DefaultIntents is the intent vocabulary offered to the model.
var DefaultIntents = []string{"greeting", "sales", "pricing", "support", "support_escalation", "complaint", "information", "other"}

// LLMClassifier asks the completion model for a JSON classification.
type LLMClassifier struct {
	client  genai.Completer
	model   string
	intents func() []string
}

// LLMOption configures an LLMClassifier.
type LLMOption func(*LLMClassifier)

// WithModel overrides the completion model.
func WithModel(model string) LLMOption {
	return func(c *LLMClassifier) { c.model = model }
}

// WithIntents replaces the intent vocabulary.
func WithIntents(intents ...string) LLMOption {
	return func(c *LLMClassifier) { c.intents = func() []string { return intents } }
}

// WithIntentSource reads the intent vocabulary on every call, so it can follow a catalog
// that changes at runtime.
func WithIntentSource(fn func() []string) LLMOption {
	return func(c *LLMClassifier) { c.intents = fn }
}

// NewLLMClassifier creates a classifier backed by client.
func NewLLMClassifier(client genai.Completer, opts ...LLMOption) *LLMClassifier {
	c := &LLMClassifier{client: client, intents: func() []string { return DefaultIntents }}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify implements Classifier.
func (c *LLMClassifier) Classify(ctx context.Context, text string, _ map[string]string) (*models.ClassificationResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, models.ErrEmptyText
	}
	temp := 0.0
	res, err := c.client.Complete(ctx, genai.Request{
		Messages: []genai.Message{
			{Role: genai.RoleSystem, Content: fmt.Sprintf(systemPrompt, strings.Join(c.intents(), ", "))},
			{Role: genai.RoleUser, Content: text},
		},
		Model:       c.model,
		Temperature: &temp,
		MaxTokens:   150,
	})
	if err != nil {
		return nil, fmt.Errorf("classifier: completion: %w", err)
	}
	out, err := Parse(res.Text)
	if err != nil {
		return nil, err
	}
	slog.Debug("LLMClassifier.Classify: classified", "intent", out.Intent.Type, "confidence", out.Intent.Confidence)
	return out, nil
}

// Parse extracts a classification from a model reply that may wrap the
// JSON object in prose or a code fence.
func Parse(reply string) (*models.ClassificationResult, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return nil, ErrNoJSON
	}
	var out models.ClassificationResult
	if err := json.Unmarshal([]byte(reply[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("classifier: decode reply: %w", err)
	}
	out.Intent.Type = strings.ToLower(strings.TrimSpace(out.Intent.Type))
	out.Intent.Confidence = clamp(out.Intent.Confidence, 0, 1)
	out.Urgency.Level = strings.ToLower(strings.TrimSpace(out.Urgency.Level))
	out.Sentiment = strings.ToLower(strings.TrimSpace(out.Sentiment))
	return &out, nil
}

// WithFallback returns a Classifier that tries primary and falls back to
// secondary when primary fails.
func WithFallback(primary, secondary Classifier) Classifier {
	return Func(func(ctx context.Context, text string, meta map[string]string) (*models.ClassificationResult, error) {
		res, err := primary.Classify(ctx, text, meta)
		if err == nil {
			return res, nil
		}
		slog.Debug("classifier: primary failed, using fallback", "error", err)
		return secondary.Classify(ctx, text, meta)
	})
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
