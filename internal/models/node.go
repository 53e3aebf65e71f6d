package models

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// NodeType identifies the kind of work a node performs.
type NodeType string

const (
	NodeTypeTrigger    NodeType = "trigger"
	NodeTypeMessage    NodeType = "message"
	NodeTypeQuestion   NodeType = "question"
	NodeTypeCondition  NodeType = "condition"
	NodeTypeAction     NodeType = "action"
	NodeTypeTransfer   NodeType = "transfer"
	NodeTypeEnd        NodeType = "end"
	NodeTypeAIResponse NodeType = "ai_response"
	NodeTypeWebhook    NodeType = "webhook"
	NodeTypeDelay      NodeType = "delay"
)

// NodeSpec is the type-specific payload of a node. The set of implementations is closed:
// only the node structs in this package satisfy it.
type NodeSpec interface {
	nodeType() NodeType
}

// Node is one typed unit of work in a flow. On the wire it is {"id", "type", "data"}.
type Node struct {
	ID   string   `json:"id" validate:"required"`
	Type NodeType `json:"type" validate:"required"`
	Spec NodeSpec `json:"-"`
}

// Option is a selectable answer of a question node.
type Option struct {
	ID    string `json:"id,omitempty"`
	Label string `json:"label"`
	Value string `json:"value,omitempty"`
}

// Answer returns the value stored into the question variable when this option is chosen.
func (o Option) Answer() string {
	if o.Value != "" {
		return o.Value
	}
	return o.Label
}

// ConditionRule is one ordered predicate/target pair of a condition node.
type ConditionRule struct {
	Expression string `json:"expression"` // "variable OP literal", or "else"/"default"
	Target     string `json:"target"`
}

type TriggerNode struct{}

type MessageNode struct {
	Content string `json:"content"`
}

type QuestionNode struct {
	Prompt       string   `json:"prompt"`
	Options      []Option `json:"options,omitempty"`
	Variable     string   `json:"variable"`
	RetryMessage string   `json:"retry_message,omitempty"`
}

type ConditionNode struct {
	Rules []ConditionRule `json:"rules"`
	Else  string          `json:"else,omitempty"`
}

type ActionNode struct {
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload,omitempty"`
}

type TransferNode struct {
	Message string `json:"message"`
	Team    string `json:"team,omitempty"`
}

type EndNode struct {
	Message string `json:"message,omitempty"`
}

type AIResponseNode struct {
	SystemPrompt string   `json:"system_prompt"`
	UserPrompt   string   `json:"user_prompt"`
	Model        string   `json:"model,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"` // nil uses the bot temperature
	MaxTokens    int      `json:"max_tokens,omitempty"`
	Variable     string   `json:"variable,omitempty"`
	Silent       bool     `json:"silent,omitempty"` // store only, do not dispatch
	FallbackText string   `json:"fallback_text,omitempty"`
}

type WebhookNode struct {
	URL            string            `json:"url"`
	Method         string            `json:"method,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           string            `json:"body,omitempty"`
	Variable       string            `json:"variable,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

type DelayNode struct {
	Seconds float64 `json:"seconds"`
	Typing  bool    `json:"typing,omitempty"`
}

// UnknownNode keeps the raw data of a node whose type this build does not know.
type UnknownNode struct {
	Raw map[string]any `json:"-"`
}

func (*TriggerNode) nodeType() NodeType    { return NodeTypeTrigger }
func (*MessageNode) nodeType() NodeType    { return NodeTypeMessage }
func (*QuestionNode) nodeType() NodeType   { return NodeTypeQuestion }
func (*ConditionNode) nodeType() NodeType  { return NodeTypeCondition }
func (*ActionNode) nodeType() NodeType     { return NodeTypeAction }
func (*TransferNode) nodeType() NodeType   { return NodeTypeTransfer }
func (*EndNode) nodeType() NodeType        { return NodeTypeEnd }
func (*AIResponseNode) nodeType() NodeType { return NodeTypeAIResponse }
func (*WebhookNode) nodeType() NodeType    { return NodeTypeWebhook }
func (*DelayNode) nodeType() NodeType      { return NodeTypeDelay }
func (*UnknownNode) nodeType() NodeType    { return "" }

func newSpec(t NodeType) NodeSpec {
	switch t {
	case NodeTypeTrigger:
		return &TriggerNode{}
	case NodeTypeMessage:
		return &MessageNode{}
	case NodeTypeQuestion:
		return &QuestionNode{}
	case NodeTypeCondition:
		return &ConditionNode{}
	case NodeTypeAction:
		return &ActionNode{}
	case NodeTypeTransfer:
		return &TransferNode{}
	case NodeTypeEnd:
		return &EndNode{}
	case NodeTypeAIResponse:
		return &AIResponseNode{}
	case NodeTypeWebhook:
		return &WebhookNode{}
	case NodeTypeDelay:
		return &DelayNode{}
	default:
		return nil
	}
}

// DecodeNodeSpec builds the concrete spec for a node type from loosely typed data.
// Unknown types produce an *UnknownNode carrying the raw data.
func DecodeNodeSpec(t NodeType, data map[string]any) (NodeSpec, error) {
	spec := newSpec(t)
	if spec == nil {
		return &UnknownNode{Raw: data}, nil
	}
	if len(data) == 0 {
		return spec, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           spec,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(data); err != nil {
		return nil, fmt.Errorf("decode %s node: %w", t, err)
	}
	return spec, nil
}

type wireNode struct {
	ID   string         `json:"id"`
	Type NodeType       `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// UnmarshalJSON decodes {"id","type","data"} into the matching node struct.
func (n *Node) UnmarshalJSON(b []byte) error {
	var w wireNode
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	spec, err := DecodeNodeSpec(w.Type, w.Data)
	if err != nil {
		return fmt.Errorf("node %s: %w", w.ID, err)
	}
	n.ID, n.Type, n.Spec = w.ID, w.Type, spec
	return nil
}

// MarshalJSON encodes the node in its {"id","type","data"} wire form.
func (n Node) MarshalJSON() ([]byte, error) {
	out := struct {
		ID   string   `json:"id"`
		Type NodeType `json:"type"`
		Data any      `json:"data,omitempty"`
	}{ID: n.ID, Type: n.Type, Data: n.Spec}
	if u, ok := n.Spec.(*UnknownNode); ok {
		out.Data = u.Raw
	}
	return json.Marshal(out)
}
