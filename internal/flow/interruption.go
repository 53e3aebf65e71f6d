package flow

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/BTreeMap/FlowPipe/internal/classifier"
	"github.com/BTreeMap/FlowPipe/internal/config"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Interruption describes a high-priority intent that pre-empts the active flow.
type Interruption struct {
	Intent         string
	Confidence     float64
	Classification *models.ClassificationResult
}

// InterruptionDetector decides whether a mid-flow message should abandon the active flow.
type InterruptionDetector struct {
	classifier classifier.Classifier
	config     *config.Cache
}

// NewInterruptionDetector creates a detector. A nil classifier disables detection.
func NewInterruptionDetector(c classifier.Classifier, cfg *config.Cache) *InterruptionDetector {
	return &InterruptionDetector{classifier: c, config: cfg}
}

// Check returns nil when the message should be handled by the active flow. Detection only
// runs for typed messages longer than the configured minimum, and only interrupts for a
// high-priority intent, above the threshold, that the active flow does not declare itself.
func (d *InterruptionDetector) Check(ctx context.Context, st *models.SessionState, f *models.Flow, in models.InboundMessage) (*Interruption, error) {
	if d == nil || d.classifier == nil || st == nil || f == nil || in.ChoiceID != "" {
		return nil, nil
	}
	cfg, err := d.config.Get(ctx)
	if err != nil {
		return nil, err
	}
	ic := cfg.Interruption
	if !ic.Enabled || utf8.RuneCountInString(strings.TrimSpace(in.Text)) <= ic.MinLength {
		return nil, nil
	}

	cls := classifier.Safe(ctx, d.classifier, in.Text, map[string]string{
		"contact_id": in.ContactID,
		"flow_id":    f.ID,
		"node_id":    st.CurrentNodeID,
	})
	if cls == nil {
		return nil, nil
	}
	intent := cls.Intent.Type
	if !ic.IsHighPriority(intent) || cls.Intent.Confidence <= ic.Threshold {
		return nil, nil
	}
	if containsFold(f.Intents, intent) {
		slog.Debug("InterruptionDetector.Check: intent handled by active flow", "contactID", in.ContactID, "flowID", f.ID, "intent", intent)
		return nil, nil
	}
	slog.Info("InterruptionDetector.Check: flow interrupted", "contactID", in.ContactID, "flowID", f.ID, "intent", intent, "confidence", cls.Intent.Confidence)
	return &Interruption{Intent: intent, Confidence: cls.Intent.Confidence, Classification: cls}, nil
}
