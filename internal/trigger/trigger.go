// Package trigger decides which flow an inbound message activates.
//
// Flows are evaluated in list order. A flow flagged as default is only used when no other flow
// matched.
package trigger

import (
	"log/slog"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Evaluation is the diagnostic outcome of one flow's trigger.
type Evaluation struct {
	FlowID  string             `json:"flow_id"`
	Type    models.TriggerType `json:"type"`
	Matched bool               `json:"matched"`
	Reason  string             `json:"reason"`
}

// Match returns the first active flow whose trigger matches, falling back to the first default
// flow. It returns nil when nothing matches; the caller then runs the generative fallback.
func Match(flows []models.Flow, text string, cls *models.ClassificationResult) *models.Flow {
	var def *models.Flow
	for i := range flows {
		f := &flows[i]
		if f.IsDefault {
			if def == nil {
				def = f
			}
			continue
		}
		if ok, _ := Evaluate(f.Trigger, text, cls); ok {
			slog.Debug("trigger.Match: flow matched", "flowID", f.ID, "type", f.Trigger.Type)
			return f
		}
	}
	if def != nil {
		slog.Debug("trigger.Match: using default flow", "flowID", def.ID)
	}
	return def
}

// Trace evaluates every flow without short-circuiting and reports each result.
func Trace(flows []models.Flow, text string, cls *models.ClassificationResult) []Evaluation {
	out := make([]Evaluation, 0, len(flows))
	for _, f := range flows {
		ok, reason := Evaluate(f.Trigger, text, cls)
		if f.IsDefault {
			reason = "default flow; " + reason
		}
		out = append(out, Evaluation{FlowID: f.ID, Type: f.Trigger.Type, Matched: ok, Reason: reason})
	}
	return out
}

// Evaluate checks a single trigger. The reason explains the outcome for tracing.
func Evaluate(t models.Trigger, text string, cls *models.ClassificationResult) (bool, string) {
	switch t.Type {
	case models.TriggerKeyword:
		if kw, ok := matchKeyword(t.Keywords, text); ok {
			return true, "keyword " + kw
		}
		return false, "no keyword found"
	case models.TriggerClassification:
		return matchClassification(t, cls)
	case models.TriggerIntent:
		return matchIntent(t, cls)
	case models.TriggerAlways:
		return true, "always"
	default:
		slog.Warn("trigger.Evaluate: unknown trigger type", "type", t.Type)
		return false, "unknown trigger type " + string(t.Type)
	}
}

// matchKeyword does a case-insensitive substring match; the first configured keyword found wins.
func matchKeyword(keywords []string, text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		k := strings.ToLower(strings.TrimSpace(kw))
		if k == "" {
			continue
		}
		if strings.Contains(lower, k) {
			return kw, true
		}
	}
	return "", false
}

// matchClassification is the AND of the configured constraints. Unset constraints pass.
func matchClassification(t models.Trigger, cls *models.ClassificationResult) (bool, string) {
	if cls == nil {
		return false, "no classification"
	}
	if len(t.Intents) > 0 && !contains(t.Intents, cls.Intent.Type) {
		return false, "intent " + cls.Intent.Type + " not allowed"
	}
	if t.Urgency != "" && !strings.EqualFold(t.Urgency, cls.Urgency.Level) {
		return false, "urgency " + cls.Urgency.Level + " != " + t.Urgency
	}
	if t.MinLeadScore != nil && cls.LeadScore.Value < *t.MinLeadScore {
		return false, "lead score below minimum"
	}
	return true, "classification constraints met"
}

func matchIntent(t models.Trigger, cls *models.ClassificationResult) (bool, string) {
	if cls == nil {
		return false, "no classification"
	}
	if !contains(t.Intents, cls.Intent.Type) {
		return false, "intent " + cls.Intent.Type + " not in set"
	}
	if cls.Intent.Confidence < t.MinConfidence {
		return false, "confidence below threshold"
	}
	return true, "intent " + cls.Intent.Type
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
