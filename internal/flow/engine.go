package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/classifier"
	"github.com/BTreeMap/FlowPipe/internal/config"
	"github.com/BTreeMap/FlowPipe/internal/events"
	"github.com/BTreeMap/FlowPipe/internal/execlog"
	"github.com/BTreeMap/FlowPipe/internal/fallback"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/trigger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Finalization reasons written to execution logs.
const (
	ReasonAbandoned        = "abandoned"
	ReasonInterrupted      = "interrupted"
	ReasonNoConditionMatch = "no_condition_match"
	ReasonMaxSteps         = "max_steps_exceeded"
	ReasonDispatchFailed   = "dispatch_failed"
	ReasonUnknownNode      = "unknown_node"
	ReasonFlowUnavailable  = "flow_unavailable"
	ReasonHumanRequested   = "human_requested"
)

// ProcessMessage handles one inbound message for a contact. Messages of the same contact are
// processed one at a time.
func (e *Engine) ProcessMessage(ctx context.Context, in models.InboundMessage) (models.ProcessResult, error) {
	if err := in.Validate(); err != nil {
		return models.ProcessResult{}, err
	}
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = e.now()
	}

	ctx, span := tracer.Start(ctx, "flow.ProcessMessage", trace.WithAttributes(
		attribute.String("contact.id", in.ContactID),
		attribute.Bool("message.choice", in.ChoiceID != ""),
	))
	defer span.End()

	var res models.ProcessResult
	err := e.sessions.WithLock(ctx, in.ContactID, func(ctx context.Context) error {
		var err error
		res, err = e.process(ctx, in)
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Engine.ProcessMessage: processing failed", "contactID", in.ContactID, "error", err)
		return res, err
	}
	span.SetAttributes(attribute.String("result.type", string(res.Type)), attribute.String("flow.id", res.FlowID))
	slog.Debug("Engine.ProcessMessage: processed", "contactID", in.ContactID, "result", res.Type, "flowID", res.FlowID, "nodeID", res.NodeID)
	return res, nil
}

func (e *Engine) process(ctx context.Context, in models.InboundMessage) (models.ProcessResult, error) {
	cfg, err := e.config.Get(ctx)
	if err != nil {
		return models.ProcessResult{}, fmt.Errorf("failed to load bot config: %w", err)
	}

	e.events.Publish(ctx, events.Event{
		Type:      events.MessageReceived,
		ContactID: in.ContactID,
		Data:      map[string]any{"channel": in.Channel, "choice": in.ChoiceID != ""},
	})
	e.record(in.ContactID, models.DirectionInbound, in.Text, in.MessageID)

	if in.ChoiceID == "" {
		if kw, ok := cfg.Keyword(in.Text); ok {
			return e.keyword(ctx, cfg, kw, in)
		}
	}

	st, err := e.sessions.Store().Get(ctx, in.ContactID)
	if err != nil {
		return models.ProcessResult{}, fmt.Errorf("failed to load session: %w", err)
	}
	if st != nil {
		f, ok := e.catalog.ByID(st.FlowID)
		if !ok {
			slog.Warn("Engine.process: session flow no longer active", "contactID", in.ContactID, "flowID", st.FlowID)
			e.abandon(ctx, st, models.ExecutionFailed, ReasonFlowUnavailable)
			return e.route(ctx, cfg, in, nil)
		}

		intr, err := e.interrupts.Check(ctx, st, f, in)
		if err != nil {
			slog.Warn("Engine.process: interruption check failed", "contactID", in.ContactID, "error", err)
		}
		if intr != nil {
			return e.interrupt(ctx, cfg, st, f, in, intr)
		}
		return e.resume(ctx, cfg, st, f, in)
	}
	return e.route(ctx, cfg, in, nil)
}

// route classifies the message and starts the matching flow, or falls back.
func (e *Engine) route(ctx context.Context, cfg *config.Bot, in models.InboundMessage, cls *models.ClassificationResult) (models.ProcessResult, error) {
	if cls == nil {
		cls = classifier.Safe(ctx, e.classifier, in.Text, map[string]string{
			"contact_id": in.ContactID,
			"channel":    in.Channel,
		})
	}
	f := trigger.Match(e.catalog.Flows(), in.Text, cls)
	if f == nil {
		return e.fallbackReply(ctx, cfg, in, cls)
	}
	return e.start(ctx, cfg, f, in, cls)
}

// start begins a new run of f, or greets a returning contact for a run-once flow.
func (e *Engine) start(ctx context.Context, cfg *config.Bot, f *models.Flow, in models.InboundMessage, cls *models.ClassificationResult) (models.ProcessResult, error) {
	if f.RunOnce {
		done, err := e.repo.HasCompletedFlow(in.ContactID, f.ID)
		if err != nil {
			slog.Warn("Engine.start: completion lookup failed", "contactID", in.ContactID, "flowID", f.ID, "error", err)
		}
		if done {
			return e.greet(ctx, cfg, f, in)
		}
	}

	entry := f.EntryNode()
	if entry == nil {
		return models.ProcessResult{}, fmt.Errorf("%w: %s has no nodes", ErrFlowNotFound, f.ID)
	}

	st := models.NewSessionState(in.ContactID, f, e.now())
	if in.MessageID != "" {
		st.Context["trigger_message_id"] = in.MessageID
	}
	if in.Channel != "" {
		st.Context["channel"] = in.Channel
	}
	st.ExecutionID = e.logger.Start(ctx, execlog.StartInput{
		Flow:           f,
		ContactID:      in.ContactID,
		TriggerMessage: in.Text,
		Classification: cls,
		Variables:      st.Variables,
	})
	slog.Info("Engine.start: flow started", "contactID", in.ContactID, "flowID", f.ID, "executionID", st.ExecutionID)
	return e.run(ctx, &pass{cfg: cfg, flow: f, st: st, in: in}, entry.ID)
}

// resume answers the pending question and continues the flow.
func (e *Engine) resume(ctx context.Context, cfg *config.Bot, st *models.SessionState, f *models.Flow, in models.InboundMessage) (models.ProcessResult, error) {
	node, ok := f.Node(st.CurrentNodeID)
	var q *models.QuestionNode
	if ok {
		q, ok = node.Spec.(*models.QuestionNode)
	}
	if !ok {
		slog.Warn("Engine.resume: session is not parked on a question", "contactID", in.ContactID, "flowID", f.ID, "nodeID", st.CurrentNodeID)
		e.abandon(ctx, st, models.ExecutionFailed, ReasonUnknownNode)
		return e.route(ctx, cfg, in, nil)
	}

	p := &pass{cfg: cfg, flow: f, st: st, in: in}
	answer := strings.TrimSpace(in.Text)
	if len(q.Options) > 0 {
		opt, matched := ResolveOption(q.Options, in.Text, in.ChoiceID)
		if !matched {
			return e.retry(ctx, p, node, q)
		}
		answer = opt.Answer()
		if opt.ID != "" && q.Variable != "" {
			st.SetVariable(q.Variable+"_id", opt.ID)
		}
	}
	if q.Variable != "" {
		st.SetVariable(q.Variable, answer)
	}
	delete(st.Context, "awaiting_variable")
	slog.Debug("Engine.resume: answer recorded", "contactID", in.ContactID, "flowID", f.ID, "nodeID", node.ID, "variable", q.Variable)

	next := f.Next(node.ID)
	if next == "" {
		return e.complete(ctx, p, node.ID, "")
	}
	return e.run(ctx, p, next)
}

// retry re-sends the pending question. State and variables are left as they were.
func (e *Engine) retry(ctx context.Context, p *pass, node *models.Node, q *models.QuestionNode) (models.ProcessResult, error) {
	if q.RetryMessage != "" {
		if _, err := e.send(ctx, p, Render(q.RetryMessage, p.st.Variables)); err != nil {
			return models.ProcessResult{}, err
		}
	}
	if _, err := e.ask(ctx, p, q); err != nil {
		return models.ProcessResult{}, err
	}
	slog.Debug("Engine.retry: answer not understood", "contactID", p.st.ContactID, "flowID", p.flow.ID, "nodeID", node.ID)
	return models.ProcessResult{
		Type:        models.ResultWaitingForResponse,
		FlowID:      p.flow.ID,
		NodeID:      node.ID,
		ExecutionID: p.st.ExecutionID,
		Message:     p.last(),
		Parts:       p.sent,
		Retry:       true,
	}, nil
}

// interrupt abandons the active flow and hands the message to a flow for the new intent, or
// to the fallback.
func (e *Engine) interrupt(ctx context.Context, cfg *config.Bot, st *models.SessionState, f *models.Flow, in models.InboundMessage, intr *Interruption) (models.ProcessResult, error) {
	e.events.Publish(ctx, events.Event{
		Type:        events.FlowInterrupted,
		ContactID:   in.ContactID,
		FlowID:      f.ID,
		ExecutionID: st.ExecutionID,
		NodeID:      st.CurrentNodeID,
		Reason:      ReasonInterrupted,
		Data:        map[string]any{"intent": intr.Intent, "confidence": intr.Confidence},
	})
	e.abandon(ctx, st, models.ExecutionFailed, ReasonInterrupted)

	if target, ok := e.catalog.ByIntent(intr.Intent); ok && target.ID != f.ID {
		return e.start(ctx, cfg, target, in, intr.Classification)
	}
	return e.fallbackReply(ctx, cfg, in, intr.Classification)
}

// keyword applies a global keyword before any flow logic.
func (e *Engine) keyword(ctx context.Context, cfg *config.Bot, kw models.GlobalKeyword, in models.InboundMessage) (models.ProcessResult, error) {
	e.events.Publish(ctx, events.Event{
		Type:      events.KeywordTriggered,
		ContactID: in.ContactID,
		Data:      map[string]any{"keyword": kw.Keyword, "action": string(kw.Action)},
	})
	p := &pass{cfg: cfg, in: in}
	st, err := e.sessions.Store().Get(ctx, in.ContactID)
	if err != nil {
		return models.ProcessResult{}, fmt.Errorf("failed to load session: %w", err)
	}

	res := models.ProcessResult{Type: models.ResultMessageSent, Reason: string(kw.Action)}
	switch kw.Action {
	case models.KeywordReset, models.KeywordStop:
		if st != nil {
			res.FlowID, res.ExecutionID = st.FlowID, st.ExecutionID
			e.abandon(ctx, st, models.ExecutionFailed, ReasonAbandoned)
		}
	case models.KeywordHuman:
		res.Type = models.ResultTransferToHuman
		res.TeamHint = cfg.DefaultTeam
		if st != nil {
			res.FlowID, res.ExecutionID = st.FlowID, st.ExecutionID
			if f, ok := e.catalog.ByID(st.FlowID); ok && len(f.Intents) > 0 {
				res.TeamHint = f.Intents[0]
			}
			e.abandon(ctx, st, models.ExecutionTransferred, ReasonHumanRequested)
		}
	case models.KeywordReply:
	}

	if kw.Response != "" {
		if _, err := e.send(ctx, p, kw.Response); err != nil {
			return models.ProcessResult{}, err
		}
		res.Message = kw.Response
	}
	slog.Info("Engine.keyword: global keyword applied", "contactID", in.ContactID, "keyword", kw.Keyword, "action", kw.Action)
	return res, nil
}

// greet sends the returning-contact greeting instead of replaying a run-once flow.
func (e *Engine) greet(ctx context.Context, cfg *config.Bot, f *models.Flow, in models.InboundMessage) (models.ProcessResult, error) {
	vars := map[string]any{}
	fields, err := e.repo.GetContactFields(in.ContactID)
	if err != nil {
		slog.Warn("Engine.greet: profile lookup failed", "contactID", in.ContactID, "error", err)
	}
	for k, v := range fields {
		vars[k] = v
	}
	if name, _ := vars["name"].(string); strings.TrimSpace(name) == "" {
		vars["name"] = "there"
	}
	text := Render(cfg.ReturningGreeting, vars)
	if text == "" {
		text = Render("Welcome back, {{name}}!", vars)
	}

	p := &pass{cfg: cfg, flow: f, in: in}
	if _, err := e.send(ctx, p, text); err != nil {
		return models.ProcessResult{}, err
	}
	slog.Info("Engine.greet: returning contact greeted", "contactID", in.ContactID, "flowID", f.ID)
	return models.ProcessResult{
		Type:    models.ResultPersonalizedGreeting,
		FlowID:  f.ID,
		Message: text,
		Parts:   p.sent,
	}, nil
}

// fallbackReply runs the generative fallback. When it produces nothing the configured
// unavailable message is sent instead, if any.
func (e *Engine) fallbackReply(ctx context.Context, cfg *config.Bot, in models.InboundMessage, cls *models.ClassificationResult) (models.ProcessResult, error) {
	data := map[string]any{}
	if cls != nil {
		data["intent"] = cls.Intent.Type
	}
	e.events.Publish(ctx, events.Event{Type: events.AIFallback, ContactID: in.ContactID, Data: data})

	if e.fallback != nil {
		reply, err := e.fallback.Generate(ctx, fallback.Request{ContactID: in.ContactID, Text: in.Text, Classification: cls})
		if err == nil && reply != nil {
			return models.ProcessResult{
				Type:    models.ResultAIFallback,
				Message: reply.Text,
				Parts:   reply.Parts,
			}, nil
		}
		slog.Warn("Engine.fallbackReply: fallback produced no reply", "contactID", in.ContactID, "error", err)
	}

	res := models.ProcessResult{Type: models.ResultNoResponse, Reason: "fallback_unavailable"}
	if cfg.UnavailableMessage != "" {
		p := &pass{cfg: cfg, in: in}
		if _, err := e.send(ctx, p, cfg.UnavailableMessage); err != nil {
			slog.Error("Engine.fallbackReply: unavailable message failed", "contactID", in.ContactID, "error", err)
		} else {
			res.Message = cfg.UnavailableMessage
		}
	}
	return res, nil
}

// abandon finalizes the run and clears the session without completion bookkeeping.
func (e *Engine) abandon(ctx context.Context, st *models.SessionState, status models.ExecutionStatus, reason string) {
	e.logger.Finish(ctx, execlog.FinishInput{
		ExecutionID: st.ExecutionID,
		ContactID:   st.ContactID,
		FlowID:      st.FlowID,
		Status:      status,
		FinalNodeID: st.CurrentNodeID,
		Reason:      reason,
		Variables:   st.Variables,
	})
	if err := e.sessions.Store().Delete(ctx, st.ContactID); err != nil {
		slog.Error("Engine.abandon: session delete failed", "contactID", st.ContactID, "error", err)
	}
	slog.Info("Engine.abandon: session cleared", "contactID", st.ContactID, "flowID", st.FlowID, "reason", reason)
}

// send dispatches text and records it in the conversation history.
func (e *Engine) send(ctx context.Context, p *pass, text string) (string, error) {
	id, err := e.sender.SendMessage(ctx, p.in.ContactID, text)
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	p.sent = append(p.sent, text)
	e.record(p.in.ContactID, models.DirectionOutbound, text, id)
	return id, nil
}

// ask dispatches a question: buttons for up to three options, a list for more, text otherwise.
func (e *Engine) ask(ctx context.Context, p *pass, q *models.QuestionNode) (string, error) {
	vars := p.st.Variables
	prompt := Render(q.Prompt, vars)
	if len(q.Options) == 0 {
		return e.send(ctx, p, prompt)
	}

	opts := make([]models.Option, len(q.Options))
	for i, o := range q.Options {
		opts[i] = models.Option{ID: o.ID, Label: Render(o.Label, vars), Value: o.Value}
	}
	var (
		id  string
		err error
	)
	if len(opts) <= 3 {
		id, err = e.sender.SendButtons(ctx, p.in.ContactID, prompt, opts)
	} else {
		id, err = e.sender.SendList(ctx, p.in.ContactID, prompt, opts)
	}
	if err != nil {
		return "", fmt.Errorf("failed to send question: %w", err)
	}
	p.sent = append(p.sent, prompt)
	e.record(p.in.ContactID, models.DirectionOutbound, prompt, id)
	return id, nil
}

func (e *Engine) record(contactID string, dir models.MessageDirection, text, channelID string) {
	if e.repo == nil || strings.TrimSpace(text) == "" {
		return
	}
	if _, err := e.repo.AddMessage(models.MessageRecord{
		ContactID:        contactID,
		Direction:        dir,
		Text:             text,
		ChannelMessageID: channelID,
		CreatedAt:        e.now(),
	}); err != nil {
		slog.Warn("Engine.record: history write failed", "contactID", contactID, "direction", dir, "error", err)
	}
}
