package models

import (
	"encoding/json"
	"errors"
	"testing"
)

const sampleFlowJSON = `{
  "id": "onboarding",
  "slug": "onboarding",
  "name": "Onboarding",
  "active": true,
  "trigger": {"type": "keyword", "keywords": ["hello", "hi"]},
  "nodes": [
    {"id": "t", "type": "trigger"},
    {"id": "q", "type": "question", "data": {"prompt": "How old are you?", "variable": "age"}},
    {"id": "c", "type": "condition", "data": {"rules": [{"expression": "age < 18", "target": "kid"}, {"expression": "else", "target": "adult"}]}},
    {"id": "kid", "type": "message", "data": {"content": "Hi kiddo"}},
    {"id": "adult", "type": "delay", "data": {"seconds": "1.5", "typing": true}},
    {"id": "x", "type": "carousel", "data": {"cards": 3}}
  ],
  "connections": [{"from": "t", "to": "q"}, {"from": "q", "to": "c"}]
}`

func TestNodeUnmarshalDecodesConcreteTypes(t *testing.T) {
	var f Flow
	if err := json.Unmarshal([]byte(sampleFlowJSON), &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(f.Nodes) != 6 {
		t.Fatalf("expected 6 nodes, got %d", len(f.Nodes))
	}

	if _, ok := f.Nodes[0].Spec.(*TriggerNode); !ok {
		t.Errorf("node t: expected *TriggerNode, got %T", f.Nodes[0].Spec)
	}
	q, ok := f.Nodes[1].Spec.(*QuestionNode)
	if !ok {
		t.Fatalf("node q: expected *QuestionNode, got %T", f.Nodes[1].Spec)
	}
	if q.Variable != "age" || q.Prompt != "How old are you?" {
		t.Errorf("unexpected question node: %+v", q)
	}
	c, ok := f.Nodes[2].Spec.(*ConditionNode)
	if !ok || len(c.Rules) != 2 || c.Rules[0].Target != "kid" {
		t.Errorf("unexpected condition node: %+v", f.Nodes[2].Spec)
	}
	d, ok := f.Nodes[4].Spec.(*DelayNode)
	if !ok {
		t.Fatalf("node adult: expected *DelayNode, got %T", f.Nodes[4].Spec)
	}
	if d.Seconds != 1.5 || !d.Typing {
		t.Errorf("weakly typed seconds not decoded: %+v", d)
	}
	u, ok := f.Nodes[5].Spec.(*UnknownNode)
	if !ok {
		t.Fatalf("node x: expected *UnknownNode, got %T", f.Nodes[5].Spec)
	}
	if u.Raw["cards"] != float64(3) {
		t.Errorf("unknown node lost its data: %v", u.Raw)
	}
}

func TestNodeMarshalRoundTrip(t *testing.T) {
	n := Node{ID: "m", Type: NodeTypeMessage, Spec: &MessageNode{Content: "Hello {{name}}"}}
	b, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Node
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	m, ok := back.Spec.(*MessageNode)
	if !ok || m.Content != "Hello {{name}}" {
		t.Errorf("round trip lost content: %s", b)
	}
}

func TestFlowValidate(t *testing.T) {
	var f Flow
	if err := json.Unmarshal([]byte(sampleFlowJSON), &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := f.Validate(); err != nil {
		t.Fatalf("expected valid flow, got %v", err)
	}

	bad := f
	bad.Connections = append([]Connection{}, f.Connections...)
	bad.Connections = append(bad.Connections, Connection{From: "q", To: "missing"})
	if err := bad.Validate(); !errors.Is(err, ErrUnknownNodeRef) {
		t.Errorf("expected ErrUnknownNodeRef, got %v", err)
	}

	dup := f
	dup.Nodes = append([]Node{}, f.Nodes...)
	dup.Nodes = append(dup.Nodes, Node{ID: "q", Type: NodeTypeEnd, Spec: &EndNode{}})
	if err := dup.Validate(); !errors.Is(err, ErrDuplicateNodeID) {
		t.Errorf("expected ErrDuplicateNodeID, got %v", err)
	}

	empty := Flow{ID: "e", Name: "Empty"}
	if err := empty.Validate(); !errors.Is(err, ErrEmptyFlow) {
		t.Errorf("expected ErrEmptyFlow, got %v", err)
	}

	noName := Flow{ID: "n", Nodes: []Node{{ID: "a", Type: NodeTypeEnd, Spec: &EndNode{}}}}
	if err := noName.Validate(); err == nil {
		t.Error("expected validation error for missing name")
	}
}

func TestFlowNavigation(t *testing.T) {
	var f Flow
	if err := json.Unmarshal([]byte(sampleFlowJSON), &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := f.EntryNode(); got == nil || got.ID != "t" {
		t.Errorf("expected entry node t, got %+v", got)
	}
	if got := f.Next("t"); got != "q" {
		t.Errorf("Next(t) = %q, want q", got)
	}
	if got := f.Next("kid"); got != "" {
		t.Errorf("Next(kid) = %q, want empty", got)
	}
	if _, ok := f.Node("adult"); !ok {
		t.Error("expected to find node adult")
	}

	noTrigger := Flow{Nodes: []Node{{ID: "first", Type: NodeTypeMessage, Spec: &MessageNode{}}}}
	if got := noTrigger.EntryNode(); got.ID != "first" {
		t.Errorf("expected first node as entry, got %s", got.ID)
	}
}

func TestOptionAnswer(t *testing.T) {
	if got := (Option{Label: "Yes", Value: "y"}).Answer(); got != "y" {
		t.Errorf("Answer() = %q, want y", got)
	}
	if got := (Option{Label: "Yes"}).Answer(); got != "Yes" {
		t.Errorf("Answer() = %q, want Yes", got)
	}
}

func TestInboundMessageValidate(t *testing.T) {
	tests := []struct {
		name string
		msg  InboundMessage
		want error
	}{
		{"ok", InboundMessage{ContactID: "+1", Text: "hi"}, nil},
		{"choice only", InboundMessage{ContactID: "+1", ChoiceID: "opt_a"}, nil},
		{"no contact", InboundMessage{Text: "hi"}, ErrEmptyContact},
		{"blank text", InboundMessage{ContactID: "+1", Text: "  "}, ErrEmptyText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.msg.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestTruncateOutput(t *testing.T) {
	long := make([]rune, MaxStepOutputLength+10)
	for i := range long {
		long[i] = 'a'
	}
	got := TruncateOutput(string(long))
	if n := len([]rune(got)); n != MaxStepOutputLength+1 {
		t.Errorf("expected %d runes, got %d", MaxStepOutputLength+1, n)
	}
	if TruncateOutput("short") != "short" {
		t.Error("short output should be unchanged")
	}
}
