package flow

import (
	"strconv"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// ResolveOption maps a reply onto one of a question's options. The first rule that applies
// wins:
//
//  1. the channel's choice id equals an option id
//  2. the raw text equals an option value or id
//  3. the text is a 1-based index into the options
//  4. the text equals a label or value, ignoring case
//  5. the text contains a label, ignoring case
func ResolveOption(options []models.Option, text, choiceID string) (models.Option, bool) {
	if choiceID != "" {
		for _, o := range options {
			if o.ID != "" && o.ID == choiceID {
				return o, true
			}
		}
	}

	raw := strings.TrimSpace(text)
	if raw == "" {
		return models.Option{}, false
	}

	for _, o := range options {
		if (o.Value != "" && o.Value == raw) || (o.ID != "" && o.ID == raw) {
			return o, true
		}
	}

	if n, err := strconv.Atoi(raw); err == nil && n >= 1 && n <= len(options) {
		return options[n-1], true
	}

	for _, o := range options {
		if strings.EqualFold(o.Label, raw) || (o.Value != "" && strings.EqualFold(o.Value, raw)) {
			return o, true
		}
	}

	lower := strings.ToLower(raw)
	for _, o := range options {
		if o.Label != "" && strings.Contains(lower, strings.ToLower(o.Label)) {
			return o, true
		}
	}
	return models.Option{}, false
}
