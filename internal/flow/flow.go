// Package flow runs conversation flows for inbound messages.
//
// The Engine owns the per-contact state machine: global keywords are checked first, an active
// session resumes at its pending question (unless a high-priority intent interrupts it), and
// otherwise the trigger matcher picks a flow or the generative fallback answers. A flow runs
// as a bounded loop over its nodes until a question suspends it or a terminal node ends it.
package flow

import (
	"context"
	"errors"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/classifier"
	"github.com/BTreeMap/FlowPipe/internal/config"
	"github.com/BTreeMap/FlowPipe/internal/events"
	"github.com/BTreeMap/FlowPipe/internal/execlog"
	"github.com/BTreeMap/FlowPipe/internal/fallback"
	"github.com/BTreeMap/FlowPipe/internal/genai"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/session"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/BTreeMap/FlowPipe/internal/flow")

// DefaultMaxSteps bounds the nodes run for one inbound message when the config leaves it unset.
const DefaultMaxSteps = 50

// MaxDelay caps a delay node so a single flow cannot hold a contact's lock for long.
const MaxDelay = 30 * time.Second

var (
	// ErrFlowNotFound is returned when a flow id is not in the catalog.
	ErrFlowNotFound = errors.New("flow not found")
	// ErrUnknownAction is returned when an action node names an unregistered action.
	ErrUnknownAction = errors.New("unknown action")
)

// Sender is the channel-dispatch collaborator. Every call returns the channel message id.
type Sender interface {
	SendMessage(ctx context.Context, to, body string) (string, error)
	SendButtons(ctx context.Context, to, body string, options []models.Option) (string, error)
	SendList(ctx context.Context, to, body string, options []models.Option) (string, error)
	SendTyping(ctx context.Context, to string) (string, error)
}

// Fallback answers messages no flow handles.
type Fallback interface {
	Generate(ctx context.Context, req fallback.Request) (*fallback.Reply, error)
}

// Repo is the durable storage the engine writes through.
type Repo interface {
	store.ContactRepo
	store.MessageRepo
}

// Deps are the collaborators of an Engine. Classifier, Completer and Fallback may be nil.
type Deps struct {
	Catalog    *Catalog
	Sessions   *session.Manager
	Repo       Repo
	Sender     Sender
	Classifier classifier.Classifier
	Completer  genai.Completer
	Fallback   Fallback
	Logger     *execlog.Logger
	Events     events.Publisher
	Config     *config.Cache
	Actions    *Actions
	Webhooks   *WebhookCaller
}

// Option configures an Engine.
type Option func(*Engine)

// WithSleep replaces the pause used between messages and by delay nodes.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine processes inbound messages against the flow catalog.
type Engine struct {
	catalog    *Catalog
	sessions   *session.Manager
	repo       Repo
	sender     Sender
	classifier classifier.Classifier
	completer  genai.Completer
	fallback   Fallback
	logger     *execlog.Logger
	events     events.Publisher
	config     *config.Cache
	actions    *Actions
	webhooks   *WebhookCaller
	interrupts *InterruptionDetector

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewEngine wires an Engine. Missing optional collaborators get working defaults.
func NewEngine(deps Deps, opts ...Option) *Engine {
	e := &Engine{
		catalog:    deps.Catalog,
		sessions:   deps.Sessions,
		repo:       deps.Repo,
		sender:     deps.Sender,
		classifier: deps.Classifier,
		completer:  deps.Completer,
		fallback:   deps.Fallback,
		logger:     deps.Logger,
		events:     deps.Events,
		config:     deps.Config,
		actions:    deps.Actions,
		webhooks:   deps.Webhooks,
		sleep:      sleepCtx,
		now:        time.Now,
	}
	if e.events == nil {
		e.events = events.Nop{}
	}
	if e.webhooks == nil {
		e.webhooks = NewWebhookCaller(nil)
	}
	if e.actions == nil {
		e.actions = NewActions(deps.Repo, e.webhooks)
	}
	e.interrupts = NewInterruptionDetector(deps.Classifier, deps.Config)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Catalog returns the flow catalog.
func (e *Engine) Catalog() *Catalog { return e.catalog }

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
