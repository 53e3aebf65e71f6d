// Package config loads the bot behaviour configuration.
//
// Values come from an optional YAML file overridden by FLOWPIPE_ environment variables
// (FLOWPIPE_PACING__MAX_CHARS sets pacing.max_chars). The result is validated and served
// through a Cache with a time-to-live and explicit invalidation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "FLOWPIPE_"

// ErrInvalidConfig wraps validation failures.
var ErrInvalidConfig = errors.New("invalid bot configuration")

// Fidelity levels for injected knowledge.
const (
	FidelityExact    = "exact"
	FidelityPolished = "polished"
	FidelityEnhanced = "enhanced"
	FidelityCreative = "creative"
)

// Bot is the behaviour configuration of the conversational engine.
type Bot struct {
	Persona              string                 `koanf:"persona"`
	Fidelity             string                 `koanf:"fidelity" validate:"oneof=exact polished enhanced creative"`
	OperatorRules        []string               `koanf:"operator_rules"`
	Model                string                 `koanf:"model" validate:"required"`
	Temperature          float64                `koanf:"temperature" validate:"gte=0,lte=2"`
	KnowledgeTemperature float64                `koanf:"knowledge_temperature" validate:"gte=0,lte=2"`
	MaxTokens            int                    `koanf:"max_tokens" validate:"gt=0"`
	KnowledgeLimit       int                    `koanf:"knowledge_limit" validate:"gte=0"`
	Pacing               Pacing                 `koanf:"pacing"`
	History              History                `koanf:"history"`
	Interruption         Interruption           `koanf:"interruption"`
	Keywords             []models.GlobalKeyword `koanf:"keywords" validate:"dive"`
	MaxSteps             int                    `koanf:"max_steps" validate:"gt=0"`
	MessageDelay         time.Duration          `koanf:"message_delay" validate:"gte=0"`
	WebhookTimeout       time.Duration          `koanf:"webhook_timeout" validate:"gt=0"`
	ReturningGreeting    string                 `koanf:"returning_greeting"`
	UnavailableMessage   string                 `koanf:"unavailable_message"`
	DefaultTeam          string                 `koanf:"default_team"`
	Actions              Actions                `koanf:"actions"`
}

// Pacing controls human-like delivery of generated replies.
type Pacing struct {
	MaxChars int           `koanf:"max_chars" validate:"gt=0"`
	PerChar  time.Duration `koanf:"per_char" validate:"gte=0"`
	Min      time.Duration `koanf:"min" validate:"gte=0"`
	Max      time.Duration `koanf:"max" validate:"gtefield=Min"`
	Jitter   float64       `koanf:"jitter" validate:"gte=0,lt=1"`
	Typing   bool          `koanf:"typing"`
}

// History bounds the conversation window sent to the model.
type History struct {
	Turns     int `koanf:"turns" validate:"gte=0"`
	MaxTokens int `koanf:"max_tokens" validate:"gte=0"`
}

// Interruption configures mid-flow pre-emption by high-priority intents.
type Interruption struct {
	Enabled   bool     `koanf:"enabled"`
	MinLength int      `koanf:"min_length" validate:"gte=0"`
	Threshold float64  `koanf:"threshold" validate:"gte=0,lte=1"`
	Intents   []string `koanf:"intents"`
}

// Actions holds endpoints used by built-in actions. Empty URLs make those actions event-only.
type Actions struct {
	NotifyURL string `koanf:"notify_url" validate:"omitempty,url"`
	TicketURL string `koanf:"ticket_url" validate:"omitempty,url"`
}

// defaults are applied for every key the file and environment leave unset.
var defaults = map[string]any{
	"fidelity":                FidelityPolished,
	"model":                   "gpt-4o-mini",
	"temperature":             0.7,
	"knowledge_temperature":   0.3,
	"max_tokens":              500,
	"knowledge_limit":         5,
	"pacing.max_chars":        180,
	"pacing.per_char":         "30ms",
	"pacing.min":              "1s",
	"pacing.max":              "6s",
	"pacing.jitter":           0.2,
	"pacing.typing":           true,
	"history.turns":           10,
	"history.max_tokens":      1500,
	"interruption.enabled":    true,
	"interruption.min_length": 10,
	"interruption.threshold":  0.7,
	"interruption.intents":    []string{"complaint", "support_escalation", "sales"},
	"max_steps":               50,
	"message_delay":           "800ms",
	"webhook_timeout":         "10s",
	"returning_greeting":      "Welcome back, {{name}}! How can I help you today?",
	"keywords": []map[string]any{
		{"keyword": "reset", "action": "reset", "response": "Okay, let's start over."},
		{"keyword": "stop", "action": "stop", "response": "Got it, I'll stop here."},
		{"keyword": "agent", "action": "human", "response": "Connecting you with a person from our team."},
	},
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads the YAML file at path (optional; a missing file is not an error), applies env
// overrides and defaults, and validates the result.
func Load(path string) (*Bot, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read bot config %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for key, v := range defaults {
		if !k.Exists(key) {
			k.Set(key, v)
		}
	}

	var cfg Bot
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode bot config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and keyword uniqueness.
func (b *Bot) Validate() error {
	if err := validate.Struct(b); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	seen := map[string]bool{}
	for _, kw := range b.Keywords {
		n := models.NormalizeKeyword(kw.Keyword)
		if seen[n] {
			return fmt.Errorf("%w: duplicate keyword %q", ErrInvalidConfig, kw.Keyword)
		}
		seen[n] = true
	}
	return nil
}

// Keyword returns the global keyword matching the whole normalized message.
func (b *Bot) Keyword(text string) (models.GlobalKeyword, bool) {
	n := models.NormalizeKeyword(text)
	for _, kw := range b.Keywords {
		if models.NormalizeKeyword(kw.Keyword) == n {
			return kw, true
		}
	}
	return models.GlobalKeyword{}, false
}

// IsHighPriority reports whether an intent may interrupt an active flow.
func (i Interruption) IsHighPriority(intent string) bool {
	for _, v := range i.Intents {
		if strings.EqualFold(v, intent) {
			return true
		}
	}
	return false
}
