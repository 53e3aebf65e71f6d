package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/config"
	"github.com/BTreeMap/FlowPipe/internal/events"
	"github.com/BTreeMap/FlowPipe/internal/execlog"
	"github.com/BTreeMap/FlowPipe/internal/genai"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// pass is the state of one synchronous run over a flow for one inbound message.
type pass struct {
	cfg  *config.Bot
	flow *models.Flow
	st   *models.SessionState
	in   models.InboundMessage
	sent []string
}

func (p *pass) last() string {
	if len(p.sent) == 0 {
		return ""
	}
	return p.sent[len(p.sent)-1]
}

// step is what a node handler reports back to the loop.
type step struct {
	status models.StepStatus
	output string
	err    error

	next    string // explicit jump; empty follows the default connection
	suspend bool   // wait for the contact's reply
	halt    bool   // terminal; result is final
	reason  string // completion reason when the flow ends here
	result  models.ProcessResult
	// finish runs after the step is written and produces the terminal result.
	finish func() (models.ProcessResult, error)
}

// run executes nodes from startID until a question suspends the flow or it ends. The number of
// nodes per call is bounded so a cyclic graph cannot loop forever.
func (e *Engine) run(ctx context.Context, p *pass, startID string) (models.ProcessResult, error) {
	maxSteps := p.cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	cursor := startID
	for n := 0; ; n++ {
		if n >= maxSteps {
			slog.Error("Engine.run: step limit reached", "contactID", p.st.ContactID, "flowID", p.flow.ID, "nodeID", cursor, "maxSteps", maxSteps)
			e.abandon(ctx, p.st, models.ExecutionFailed, ReasonMaxSteps)
			return models.ProcessResult{
				Type:        models.ResultFlowError,
				FlowID:      p.flow.ID,
				NodeID:      cursor,
				ExecutionID: p.st.ExecutionID,
				Message:     p.last(),
				Parts:       p.sent,
				Reason:      ReasonMaxSteps,
			}, nil
		}

		node, ok := p.flow.Node(cursor)
		if !ok {
			slog.Error("Engine.run: connection to missing node", "flowID", p.flow.ID, "nodeID", cursor)
			e.abandon(ctx, p.st, models.ExecutionFailed, ReasonUnknownNode)
			return models.ProcessResult{Type: models.ResultFlowError, FlowID: p.flow.ID, NodeID: cursor, ExecutionID: p.st.ExecutionID, Reason: ReasonUnknownNode}, nil
		}
		p.st.CurrentNodeID = node.ID

		s := e.execute(ctx, p, node)
		if s.halt {
			return s.result, s.err
		}
		if s.suspend {
			if err := e.sessions.Store().Save(ctx, p.st); err != nil {
				return models.ProcessResult{}, fmt.Errorf("failed to save session: %w", err)
			}
			return models.ProcessResult{
				Type:        models.ResultWaitingForResponse,
				FlowID:      p.flow.ID,
				NodeID:      node.ID,
				ExecutionID: p.st.ExecutionID,
				Message:     p.last(),
				Parts:       p.sent,
			}, nil
		}

		next := s.next
		if next == "" {
			next = p.flow.Next(node.ID)
		}
		if next == "" {
			return e.complete(ctx, p, node.ID, s.reason)
		}
		cursor = next
	}
}

// execute runs a single node and writes its step.
func (e *Engine) execute(ctx context.Context, p *pass, node *models.Node) step {
	ctx, span := tracer.Start(ctx, "flow.node", trace.WithAttributes(
		attribute.String("flow.id", p.flow.ID),
		attribute.String("node.id", node.ID),
		attribute.String("node.type", string(node.Type)),
	))
	defer span.End()

	e.logger.NodeStarted(ctx, p.st.ExecutionID, p.st.ContactID, p.flow.ID, node)
	started := e.now()

	var s step
	switch spec := node.Spec.(type) {
	case *models.TriggerNode:
		s = step{status: models.StepCompleted}
	case *models.MessageNode:
		s = e.message(ctx, p, node, spec)
	case *models.QuestionNode:
		s = e.question(ctx, p, node, spec)
	case *models.ConditionNode:
		s = e.condition(p, node, spec)
	case *models.ActionNode:
		s = e.action(ctx, p, node, spec)
	case *models.TransferNode:
		s = e.transfer(ctx, p, node, spec)
	case *models.EndNode:
		s = e.end(ctx, p, node, spec)
	case *models.AIResponseNode:
		s = e.aiResponse(ctx, p, node, spec)
	case *models.WebhookNode:
		s = e.webhook(ctx, p, spec)
	case *models.DelayNode:
		s = e.delay(ctx, p, spec)
	default:
		s = e.unknown(ctx, p, node)
	}

	if s.err != nil {
		span.SetStatus(codes.Error, s.err.Error())
	}
	e.writeStep(ctx, p, node, s, started)
	if s.finish != nil {
		res, err := s.finish()
		s.result = res
		if err != nil {
			s.err = err
		}
	}
	return s
}

func (e *Engine) writeStep(ctx context.Context, p *pass, node *models.Node, s step, started time.Time) {
	st := models.ExecutionStep{
		NodeID:     node.ID,
		NodeType:   node.Type,
		Status:     s.status,
		Output:     s.output,
		StartedAt:  started,
		DurationMS: e.now().Sub(started).Milliseconds(),
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	e.logger.Step(ctx, p.st.ExecutionID, p.st.ContactID, p.flow.ID, st)
}

// dispatchFailed ends the run when the channel could not deliver.
func (e *Engine) dispatchFailed(ctx context.Context, p *pass, node *models.Node, err error) step {
	return step{status: models.StepFailed, err: err, halt: true, finish: func() (models.ProcessResult, error) {
		e.abandon(ctx, p.st, models.ExecutionFailed, ReasonDispatchFailed)
		return models.ProcessResult{
			Type:        models.ResultFlowError,
			FlowID:      p.flow.ID,
			NodeID:      node.ID,
			ExecutionID: p.st.ExecutionID,
			Message:     p.last(),
			Parts:       p.sent,
			Reason:      ReasonDispatchFailed,
		}, err
	}}
}

func (e *Engine) message(ctx context.Context, p *pass, node *models.Node, spec *models.MessageNode) step {
	text := Render(spec.Content, p.st.Variables)
	if _, err := e.send(ctx, p, text); err != nil {
		return e.dispatchFailed(ctx, p, node, err)
	}
	if p.flow.Next(node.ID) != "" {
		if err := e.sleep(ctx, p.cfg.MessageDelay); err != nil {
			return e.dispatchFailed(ctx, p, node, err)
		}
	}
	return step{status: models.StepCompleted, output: text}
}

func (e *Engine) question(ctx context.Context, p *pass, node *models.Node, spec *models.QuestionNode) step {
	if _, err := e.ask(ctx, p, spec); err != nil {
		return e.dispatchFailed(ctx, p, node, err)
	}
	if spec.Variable != "" {
		if p.st.Context == nil {
			p.st.Context = map[string]string{}
		}
		p.st.Context["awaiting_variable"] = spec.Variable
	}
	return step{status: models.StepWaiting, output: p.last(), suspend: true}
}

func (e *Engine) condition(p *pass, node *models.Node, spec *models.ConditionNode) step {
	for i, r := range spec.Rules {
		ok, err := EvaluateCondition(r.Expression, p.st.Variables)
		if err != nil {
			slog.Debug("Engine.condition: rule not evaluated", "flowID", p.flow.ID, "nodeID", node.ID, "rule", i, "error", err)
			continue
		}
		if ok {
			return step{status: models.StepCompleted, output: fmt.Sprintf("%s -> %s", r.Expression, r.Target), next: r.Target}
		}
	}
	if spec.Else != "" {
		return step{status: models.StepCompleted, output: "else -> " + spec.Else, next: spec.Else}
	}
	if def := p.flow.Next(node.ID); def != "" {
		return step{status: models.StepCompleted, output: "default -> " + def, next: def}
	}
	return step{status: models.StepCompleted, output: "no rule matched", reason: ReasonNoConditionMatch}
}

// action runs a registered operation. Failures are recorded and the flow continues.
func (e *Engine) action(ctx context.Context, p *pass, node *models.Node, spec *models.ActionNode) step {
	res, err := e.actions.Run(ctx, spec.Action, ActionRequest{
		ContactID:   p.st.ContactID,
		FlowID:      p.flow.ID,
		ExecutionID: p.st.ExecutionID,
		NodeID:      node.ID,
		Payload:     renderMap(spec.Payload, p.st.Variables),
		Variables:   p.st.Variables,
		Config:      p.cfg,
	})
	for k, v := range res.Variables {
		p.st.SetVariable(k, v)
	}
	e.events.Publish(ctx, events.Event{
		Type:        events.ActionExecuted,
		ContactID:   p.st.ContactID,
		FlowID:      p.flow.ID,
		ExecutionID: p.st.ExecutionID,
		NodeID:      node.ID,
		Status:      stepStatus(err),
		Data:        map[string]any{"action": spec.Action},
	})
	if err != nil {
		slog.Warn("Engine.action: action failed, continuing", "contactID", p.st.ContactID, "flowID", p.flow.ID, "action", spec.Action, "error", err)
		return step{status: models.StepFailed, err: err}
	}
	return step{status: models.StepCompleted, output: res.Output}
}

func stepStatus(err error) string {
	if err != nil {
		return string(models.StepFailed)
	}
	return string(models.StepCompleted)
}

func (e *Engine) transfer(ctx context.Context, p *pass, node *models.Node, spec *models.TransferNode) step {
	text := Render(spec.Message, p.st.Variables)
	if text != "" {
		if _, err := e.send(ctx, p, text); err != nil {
			return e.dispatchFailed(ctx, p, node, err)
		}
	}

	team := spec.Team
	if team == "" && len(p.flow.Intents) > 0 {
		team = p.flow.Intents[0]
	}
	if team == "" {
		team = p.cfg.DefaultTeam
	}

	return step{status: models.StepCompleted, output: text, halt: true, finish: func() (models.ProcessResult, error) {
		e.persistVariables(p)
		e.logger.Finish(ctx, execlog.FinishInput{
			ExecutionID: p.st.ExecutionID,
			ContactID:   p.st.ContactID,
			FlowID:      p.flow.ID,
			Status:      models.ExecutionTransferred,
			FinalNodeID: node.ID,
			Variables:   p.st.Variables,
		})
		e.clearSession(ctx, p.st.ContactID)
		slog.Info("Engine.transfer: handed off to a human", "contactID", p.st.ContactID, "flowID", p.flow.ID, "team", team)
		return models.ProcessResult{
			Type:        models.ResultTransferToHuman,
			FlowID:      p.flow.ID,
			NodeID:      node.ID,
			ExecutionID: p.st.ExecutionID,
			Message:     text,
			Parts:       p.sent,
			TeamHint:    team,
		}, nil
	}}
}

func (e *Engine) end(ctx context.Context, p *pass, node *models.Node, spec *models.EndNode) step {
	text := Render(spec.Message, p.st.Variables)
	if text != "" {
		if _, err := e.send(ctx, p, text); err != nil {
			return e.dispatchFailed(ctx, p, node, err)
		}
	}
	return step{status: models.StepCompleted, output: text, halt: true, finish: func() (models.ProcessResult, error) {
		return e.complete(ctx, p, node.ID, "")
	}}
}

func (e *Engine) aiResponse(ctx context.Context, p *pass, node *models.Node, spec *models.AIResponseNode) step {
	vars := p.st.Variables
	text, err := e.complete1(ctx, p, spec)
	if err != nil {
		slog.Warn("Engine.aiResponse: completion failed", "contactID", p.st.ContactID, "flowID", p.flow.ID, "nodeID", node.ID, "error", err)
		text = Render(spec.FallbackText, vars)
		if text == "" {
			return step{status: models.StepFailed, err: err}
		}
	}
	if spec.Variable != "" {
		p.st.SetVariable(spec.Variable, text)
	}
	if !spec.Silent {
		if _, err := e.send(ctx, p, text); err != nil {
			return e.dispatchFailed(ctx, p, node, err)
		}
	}
	return step{status: models.StepCompleted, output: text}
}

// complete1 runs the model for an ai_response node with the node's bounds, falling back to
// the bot configuration.
func (e *Engine) complete1(ctx context.Context, p *pass, spec *models.AIResponseNode) (string, error) {
	if e.completer == nil {
		return "", errors.New("no completion client configured")
	}
	vars := p.st.Variables
	req := genai.Request{Model: spec.Model, MaxTokens: spec.MaxTokens}
	if req.Model == "" {
		req.Model = p.cfg.Model
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = p.cfg.MaxTokens
	}
	temp := p.cfg.Temperature
	if spec.Temperature != nil {
		temp = *spec.Temperature
	}
	req.Temperature = &temp
	if sys := Render(spec.SystemPrompt, vars); sys != "" {
		req.Messages = append(req.Messages, genai.Message{Role: genai.RoleSystem, Content: sys})
	}
	user := Render(spec.UserPrompt, vars)
	if user == "" {
		user = p.in.Text
	}
	req.Messages = append(req.Messages, genai.Message{Role: genai.RoleUser, Content: user})

	res, err := e.completer.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	if res.Text == "" {
		return "", genai.ErrNoChoicesReturned
	}
	return res.Text, nil
}

// webhook calls out and stores the response or the error. The flow always continues.
func (e *Engine) webhook(ctx context.Context, p *pass, spec *models.WebhookNode) step {
	vars := p.st.Variables
	headers := make(map[string]string, len(spec.Headers))
	for k, v := range spec.Headers {
		headers[k] = Render(v, vars)
	}
	timeout := time.Duration(spec.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = p.cfg.WebhookTimeout
	}

	resp, err := e.webhooks.Do(ctx, WebhookRequest{
		Method:  spec.Method,
		URL:     Render(spec.URL, vars),
		Headers: headers,
		Body:    Render(spec.Body, vars),
		Timeout: timeout,
	})

	value := map[string]any{}
	if resp != nil {
		value["status"] = resp.Status
		value["body"] = resp.Body
	}
	if err != nil {
		value["error"] = err.Error()
		slog.Warn("Engine.webhook: call failed, continuing", "contactID", p.st.ContactID, "flowID", p.flow.ID, "url", spec.URL, "error", err)
	}
	if spec.Variable != "" {
		p.st.SetVariable(spec.Variable, value)
	}

	out, _ := json.Marshal(value)
	if err != nil {
		return step{status: models.StepFailed, output: string(out), err: err}
	}
	return step{status: models.StepCompleted, output: string(out)}
}

func (e *Engine) delay(ctx context.Context, p *pass, spec *models.DelayNode) step {
	d := time.Duration(spec.Seconds * float64(time.Second))
	if d > MaxDelay {
		d = MaxDelay
	}
	if spec.Typing {
		if _, err := e.sender.SendTyping(ctx, p.st.ContactID); err != nil {
			slog.Debug("Engine.delay: typing indicator failed", "contactID", p.st.ContactID, "error", err)
		}
	}
	if err := e.sleep(ctx, d); err != nil {
		return step{status: models.StepFailed, err: err}
	}
	return step{status: models.StepCompleted, output: d.String()}
}

// unknown passes through a node of an unrecognised type, or stops the run when it has no
// outgoing connection.
func (e *Engine) unknown(ctx context.Context, p *pass, node *models.Node) step {
	slog.Warn("Engine.unknown: unknown node type", "flowID", p.flow.ID, "nodeID", node.ID, "type", node.Type)
	if p.flow.Next(node.ID) != "" {
		return step{status: models.StepSkipped, output: "unknown node type " + string(node.Type)}
	}
	return step{status: models.StepSkipped, output: "unknown node type " + string(node.Type), halt: true, finish: func() (models.ProcessResult, error) {
		e.abandon(ctx, p.st, models.ExecutionFailed, ReasonUnknownNode)
		return models.ProcessResult{
			Type:        models.ResultNoResponse,
			FlowID:      p.flow.ID,
			NodeID:      node.ID,
			ExecutionID: p.st.ExecutionID,
			Message:     p.last(),
			Parts:       p.sent,
			Reason:      ReasonUnknownNode,
		}, nil
	}}
}

// complete finishes the run: variables are persisted, the flow is marked completed for the
// contact, the log is finalized and the session is cleared.
func (e *Engine) complete(ctx context.Context, p *pass, finalNodeID, reason string) (models.ProcessResult, error) {
	e.persistVariables(p)
	if err := e.repo.MarkFlowCompleted(p.st.ContactID, p.flow.ID); err != nil {
		slog.Warn("Engine.complete: completion marker failed", "contactID", p.st.ContactID, "flowID", p.flow.ID, "error", err)
	}
	e.logger.Finish(ctx, execlog.FinishInput{
		ExecutionID: p.st.ExecutionID,
		ContactID:   p.st.ContactID,
		FlowID:      p.flow.ID,
		Status:      models.ExecutionCompleted,
		FinalNodeID: finalNodeID,
		Reason:      reason,
		Variables:   p.st.Variables,
	})
	e.clearSession(ctx, p.st.ContactID)
	slog.Info("Engine.complete: flow completed", "contactID", p.st.ContactID, "flowID", p.flow.ID, "reason", reason)
	return models.ProcessResult{
		Type:        models.ResultFlowCompleted,
		FlowID:      p.flow.ID,
		NodeID:      finalNodeID,
		ExecutionID: p.st.ExecutionID,
		Message:     p.last(),
		Parts:       p.sent,
		Reason:      reason,
	}, nil
}

func (e *Engine) clearSession(ctx context.Context, contactID string) {
	if err := e.sessions.Store().Delete(ctx, contactID); err != nil {
		slog.Error("Engine.clearSession: session delete failed", "contactID", contactID, "error", err)
	}
}

// persistVariables copies the flow's selected variables (all when none are listed) into the
// contact's durable profile.
func (e *Engine) persistVariables(p *pass) {
	if len(p.st.Variables) == 0 {
		return
	}
	names := p.flow.PersistVariables
	if len(names) == 0 {
		names = make([]string, 0, len(p.st.Variables))
		for k := range p.st.Variables {
			names = append(names, k)
		}
	}
	fields := make(map[string]string, len(names))
	for _, k := range names {
		v, ok := p.st.Variables[k]
		if !ok || v == nil {
			continue
		}
		fields[k] = fieldValue(v)
	}
	if len(fields) == 0 {
		return
	}
	if err := e.repo.SetContactFields(p.st.ContactID, fields); err != nil {
		slog.Warn("Engine.persistVariables: profile write failed", "contactID", p.st.ContactID, "flowID", p.flow.ID, "error", err)
	}
}

func fieldValue(v any) string {
	switch v.(type) {
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err == nil {
			return string(b)
		}
	}
	return stringify(v)
}
