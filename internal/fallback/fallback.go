// Package fallback composes a knowledge-grounded generative reply when no
// flow handles a message, and delivers it in human-paced parts.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/config"
	"github.com/BTreeMap/FlowPipe/internal/genai"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/BTreeMap/FlowPipe/internal/fallback")

// ErrEmptyReply is returned when the model produced only whitespace.
var ErrEmptyReply = errors.New("fallback: empty reply")

// Retriever is the knowledge-retrieval collaborator.
type Retriever interface {
	Retrieve(ctx context.Context, text string, limit int) ([]models.KnowledgeItem, error)
	IsPriceQuery(text string) bool
	ExtractProductInfo(text string) models.ProductInfo
	FindPrice(ctx context.Context, product, variant string) ([]models.PriceRecord, error)
	GetRecentContext(ctx context.Context, contactID string, turns int) ([]models.ConversationTurn, error)
}

// Profiles reads durable contact fields.
type Profiles interface {
	GetContactFields(contactID string) (map[string]string, error)
}

// History records delivered parts.
type History interface {
	AddMessage(m models.MessageRecord) (int64, error)
}

// Sender delivers text and the composing indicator.
type Sender interface {
	SendMessage(ctx context.Context, to, body string) (string, error)
	SendTyping(ctx context.Context, to string) (string, error)
}

// Deps are the collaborators of a Generator. Retriever, Profiles and History may be nil.
type Deps struct {
	Completer genai.Completer
	Retriever Retriever
	Profiles  Profiles
	History   History
	Sender    Sender
	Config    *config.Cache
}

// Option configures a Generator.
type Option func(*Generator)

// WithSleep replaces the wait between parts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Generator) { g.sleep = fn }
}

// WithRand replaces the jitter source.
func WithRand(fn func() float64) Option {
	return func(g *Generator) { g.rnd = fn }
}

// WithTokenCounter replaces the tokenizer used to bound history.
func WithTokenCounter(fn func(string) int) Option {
	return func(g *Generator) { g.count = fn }
}

// Request is one fallback invocation.
type Request struct {
	ContactID      string
	Text           string
	Classification *models.ClassificationResult
}

// Reply describes what was generated and delivered.
type Reply struct {
	Text          string          `json:"text"`
	Parts         []string        `json:"parts"`
	Delays        []time.Duration `json:"delays"`
	MessageIDs    []string        `json:"message_ids"`
	KnowledgeUsed int             `json:"knowledge_used"`
	PricesUsed    int             `json:"prices_used"`
	Temperature   float64         `json:"temperature"`
	Usage         genai.Usage     `json:"usage"`
}

// Generator implements the knowledge-augmented fallback.
type Generator struct {
	deps  Deps
	sleep func(ctx context.Context, d time.Duration) error
	rnd   func() float64
	count func(string) int
}

// New creates a Generator.
func New(deps Deps, opts ...Option) *Generator {
	g := &Generator{deps: deps, sleep: sleepCtx, count: CountTokens}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type gathered struct {
	profile   map[string]string
	knowledge []models.KnowledgeItem
	prices    []models.PriceRecord
	history   []models.ConversationTurn
}

// Generate builds the prompt, calls the model and delivers the reply. A nil
// reply with an error means nothing was sent.
func (g *Generator) Generate(ctx context.Context, req Request) (*Reply, error) {
	ctx, span := tracer.Start(ctx, "fallback.Generate")
	defer span.End()

	cfg, err := g.deps.Config.Get(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("fallback: config: %w", err)
	}

	data := g.gather(ctx, req, cfg)
	system := BuildSystemPrompt(PromptInput{
		Persona:       cfg.Persona,
		Profile:       data.profile,
		Knowledge:     data.knowledge,
		Fidelity:      cfg.Fidelity,
		Prices:        data.prices,
		OperatorRules: cfg.OperatorRules,
	})

	// The inbound message is usually already recorded; it is appended below as the user turn.
	history := data.history
	if n := len(history); n > 0 && history[n-1].Role == models.RoleUser && history[n-1].Content == req.Text {
		history = history[:n-1]
	}

	msgs := []genai.Message{{Role: genai.RoleSystem, Content: system}}
	for _, t := range TrimHistory(history, cfg.History.MaxTokens, g.count) {
		role := genai.RoleUser
		if t.Role == models.RoleAssistant {
			role = genai.RoleAssistant
		}
		msgs = append(msgs, genai.Message{Role: role, Content: t.Content})
	}
	msgs = append(msgs, genai.Message{Role: genai.RoleUser, Content: req.Text})

	temperature := cfg.Temperature
	if len(data.knowledge) > 0 && cfg.KnowledgeTemperature < temperature {
		temperature = cfg.KnowledgeTemperature
	}
	span.SetAttributes(
		attribute.Int("fallback.knowledge", len(data.knowledge)),
		attribute.Int("fallback.prices", len(data.prices)),
		attribute.Int("fallback.history", len(msgs)-2),
		attribute.Float64("fallback.temperature", temperature),
	)

	res, err := g.deps.Completer.Complete(ctx, genai.Request{
		Messages:    msgs,
		Model:       cfg.Model,
		Temperature: &temperature,
		MaxTokens:   cfg.MaxTokens,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Generator.Generate: completion failed", "contactID", req.ContactID, "error", err)
		return nil, err
	}
	if res.Text == "" {
		return nil, ErrEmptyReply
	}

	reply := &Reply{
		Text:          res.Text,
		Parts:         SplitReply(res.Text, cfg.Pacing.MaxChars),
		KnowledgeUsed: len(data.knowledge),
		PricesUsed:    len(data.prices),
		Temperature:   temperature,
		Usage:         res.Usage,
	}
	reply.Delays = PlanDelays(reply.Parts, cfg.Pacing, g.rnd)

	if err := g.deliver(ctx, req.ContactID, reply, cfg.Pacing.Typing); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	slog.Info("Generator.Generate: reply delivered", "contactID", req.ContactID, "parts", len(reply.Parts), "knowledge", reply.KnowledgeUsed)
	return reply, nil
}

// gather loads profile, knowledge, prices and history concurrently. Each
// source degrades to empty on error.
func (g *Generator) gather(ctx context.Context, req Request, cfg *config.Bot) gathered {
	var out gathered
	eg, ctx := errgroup.WithContext(ctx)

	if g.deps.Profiles != nil {
		eg.Go(func() error {
			fields, err := g.deps.Profiles.GetContactFields(req.ContactID)
			if err != nil {
				slog.Warn("Generator.gather: profile lookup failed", "contactID", req.ContactID, "error", err)
				return nil
			}
			out.profile = fields
			return nil
		})
	}

	if r := g.deps.Retriever; r != nil {
		eg.Go(func() error {
			items, err := r.Retrieve(ctx, req.Text, cfg.KnowledgeLimit)
			if err != nil {
				slog.Warn("Generator.gather: knowledge retrieval failed", "contactID", req.ContactID, "error", err)
				return nil
			}
			out.knowledge = items
			return nil
		})

		if r.IsPriceQuery(req.Text) || isPricingIntent(req.Classification) {
			eg.Go(func() error {
				info := r.ExtractProductInfo(req.Text)
				if info.Product == "" {
					return nil
				}
				prices, err := r.FindPrice(ctx, info.Product, info.Variant)
				if err != nil {
					slog.Warn("Generator.gather: price lookup failed", "product", info.Product, "error", err)
					return nil
				}
				out.prices = prices
				return nil
			})
		}

		if cfg.History.Turns > 0 {
			eg.Go(func() error {
				turns, err := r.GetRecentContext(ctx, req.ContactID, cfg.History.Turns)
				if err != nil {
					slog.Warn("Generator.gather: history lookup failed", "contactID", req.ContactID, "error", err)
					return nil
				}
				out.history = turns
				return nil
			})
		}
	}

	_ = eg.Wait()
	return out
}

func (g *Generator) deliver(ctx context.Context, to string, reply *Reply, typing bool) error {
	for i, part := range reply.Parts {
		if typing {
			if _, err := g.deps.Sender.SendTyping(ctx, to); err != nil {
				slog.Debug("Generator.deliver: typing indicator failed", "to", to, "error", err)
			}
		}
		if err := g.sleep(ctx, reply.Delays[i]); err != nil {
			return g.partial(reply, err)
		}
		id, err := g.deps.Sender.SendMessage(ctx, to, part)
		if err != nil {
			slog.Error("Generator.deliver: send failed", "to", to, "part", i, "error", err)
			return g.partial(reply, err)
		}
		reply.MessageIDs = append(reply.MessageIDs, id)
		if g.deps.History != nil {
			if _, err := g.deps.History.AddMessage(models.MessageRecord{
				ContactID:        to,
				Direction:        models.DirectionOutbound,
				Text:             part,
				Generated:        true,
				ChannelMessageID: id,
			}); err != nil {
				slog.Warn("Generator.deliver: history write failed", "to", to, "error", err)
			}
		}
	}
	return nil
}

// partial keeps a reply whose first parts went out and fails one that sent nothing.
func (g *Generator) partial(reply *Reply, err error) error {
	if len(reply.MessageIDs) == 0 {
		return fmt.Errorf("fallback: delivery: %w", err)
	}
	slog.Warn("Generator.deliver: reply truncated", "sent", len(reply.MessageIDs), "parts", len(reply.Parts), "error", err)
	reply.Parts = reply.Parts[:len(reply.MessageIDs)]
	reply.Delays = reply.Delays[:len(reply.MessageIDs)]
	return nil
}

func isPricingIntent(c *models.ClassificationResult) bool {
	return c != nil && c.Intent.Type == "pricing"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
