package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/config"
	"github.com/BTreeMap/FlowPipe/internal/util"
)

// Built-in action names.
const (
	ActionNotifyTeam   = "notify_team"
	ActionCreateTicket = "create_ticket"
	ActionSaveLead     = "save_lead"
	ActionWebhook      = "webhook"
)

// ActionRequest is what an action handler sees. Payload has already been rendered against the
// session variables.
type ActionRequest struct {
	ContactID   string
	FlowID      string
	ExecutionID string
	NodeID      string
	Payload     map[string]any
	Variables   map[string]any
	Config      *config.Bot
}

// ActionResult is the outcome of an action. Variables are merged into the session.
type ActionResult struct {
	Output    string
	Variables map[string]any
}

// ActionFunc runs a named action.
type ActionFunc func(ctx context.Context, req ActionRequest) (ActionResult, error)

// FieldWriter persists durable contact fields.
type FieldWriter interface {
	SetContactFields(contactID string, fields map[string]string) error
}

// Actions is the named-operation registry used by action nodes.
type Actions struct {
	mu       sync.RWMutex
	handlers map[string]ActionFunc
}

// NewActions creates a registry with the built-in actions. A nil contacts writer makes
// save_lead fail; a nil caller uses a default one.
func NewActions(contacts FieldWriter, caller *WebhookCaller) *Actions {
	if caller == nil {
		caller = NewWebhookCaller(nil)
	}
	a := &Actions{handlers: make(map[string]ActionFunc)}
	b := builtins{contacts: contacts, caller: caller}
	a.Register(ActionNotifyTeam, b.notifyTeam)
	a.Register(ActionCreateTicket, b.createTicket)
	a.Register(ActionSaveLead, b.saveLead)
	a.Register(ActionWebhook, b.webhook)
	return a
}

// Register associates an action name with a handler, replacing any previous one.
func (a *Actions) Register(name string, fn ActionFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[name] = fn
}

// Get retrieves the handler for an action name.
func (a *Actions) Get(name string) (ActionFunc, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	fn, ok := a.handlers[name]
	return fn, ok
}

// Names lists the registered actions.
func (a *Actions) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.handlers))
	for n := range a.handlers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Run finds and runs the handler for name.
func (a *Actions) Run(ctx context.Context, name string, req ActionRequest) (ActionResult, error) {
	fn, ok := a.Get(name)
	if !ok {
		slog.Error("Actions.Run: no handler registered", "action", name, "contactID", req.ContactID)
		return ActionResult{}, fmt.Errorf("%w: %s", ErrUnknownAction, name)
	}
	return fn(ctx, req)
}

type builtins struct {
	contacts FieldWriter
	caller   *WebhookCaller
}

func (b builtins) timeout(req ActionRequest) time.Duration {
	if req.Config != nil {
		return req.Config.WebhookTimeout
	}
	return DefaultWebhookTimeout
}

func (b builtins) notifyTeam(ctx context.Context, req ActionRequest) (ActionResult, error) {
	team := payloadString(req.Payload, "team")
	if team == "" && req.Config != nil {
		team = req.Config.DefaultTeam
	}
	message := payloadString(req.Payload, "message")
	if req.Config == nil || req.Config.Actions.NotifyURL == "" {
		return ActionResult{Output: "team " + team + " notified"}, nil
	}
	_, err := b.caller.PostJSON(ctx, req.Config.Actions.NotifyURL, map[string]any{
		"contact_id": req.ContactID,
		"flow_id":    req.FlowID,
		"team":       team,
		"message":    message,
		"variables":  req.Variables,
	}, b.timeout(req))
	if err != nil {
		return ActionResult{}, fmt.Errorf("notify team: %w", err)
	}
	return ActionResult{Output: "team " + team + " notified"}, nil
}

func (b builtins) createTicket(ctx context.Context, req ActionRequest) (ActionResult, error) {
	id := util.GenerateTicketID()
	if req.Config != nil && req.Config.Actions.TicketURL != "" {
		resp, err := b.caller.PostJSON(ctx, req.Config.Actions.TicketURL, map[string]any{
			"contact_id": req.ContactID,
			"flow_id":    req.FlowID,
			"subject":    payloadString(req.Payload, "subject"),
			"priority":   payloadString(req.Payload, "priority"),
			"variables":  req.Variables,
		}, b.timeout(req))
		if err != nil {
			return ActionResult{}, fmt.Errorf("create ticket: %w", err)
		}
		if body, ok := resp.Body.(map[string]any); ok {
			for _, k := range []string{"ticket_id", "id"} {
				if v := payloadString(body, k); v != "" {
					id = v
					break
				}
			}
		}
	}
	return ActionResult{Output: "ticket " + id, Variables: map[string]any{"ticket_id": id}}, nil
}

// saveLead writes the session variables, and any payload fields, as lead_* profile fields.
func (b builtins) saveLead(_ context.Context, req ActionRequest) (ActionResult, error) {
	if b.contacts == nil {
		return ActionResult{}, fmt.Errorf("save lead: no contact store")
	}
	fields := make(map[string]string, len(req.Variables)+len(req.Payload)+1)
	for k, v := range req.Variables {
		fields["lead_"+k] = stringify(v)
	}
	for k, v := range req.Payload {
		fields["lead_"+k] = stringify(v)
	}
	fields["lead_saved_at"] = time.Now().UTC().Format(time.RFC3339)
	if err := b.contacts.SetContactFields(req.ContactID, fields); err != nil {
		return ActionResult{}, fmt.Errorf("save lead: %w", err)
	}
	return ActionResult{Output: fmt.Sprintf("lead saved with %d fields", len(fields))}, nil
}

func (b builtins) webhook(ctx context.Context, req ActionRequest) (ActionResult, error) {
	url := payloadString(req.Payload, "url")
	if url == "" {
		return ActionResult{}, fmt.Errorf("webhook action: payload url is required")
	}
	resp, err := b.caller.PostJSON(ctx, url, map[string]any{
		"contact_id":   req.ContactID,
		"flow_id":      req.FlowID,
		"execution_id": req.ExecutionID,
		"variables":    req.Variables,
	}, b.timeout(req))
	if err != nil {
		return ActionResult{}, fmt.Errorf("webhook action: %w", err)
	}
	return ActionResult{Output: fmt.Sprintf("HTTP %d", resp.Status)}, nil
}

func payloadString(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	return stringify(v)
}
