package execlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/events"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

func testFlow() *models.Flow {
	return &models.Flow{ID: "onboarding", Slug: "onboarding", Trigger: models.Trigger{Type: models.TriggerKeyword}}
}

func TestLoggerLifecycle(t *testing.T) {
	repo := store.NewInMemoryStore()
	rec := &events.Recorder{}
	l := New(repo, rec)
	ctx := context.Background()

	id := l.Start(ctx, StartInput{Flow: testFlow(), ContactID: "+1", TriggerMessage: "hello"})
	if id == "" {
		t.Fatal("Start returned empty id")
	}
	node := &models.Node{ID: "m", Type: models.NodeTypeMessage}
	l.NodeStarted(ctx, id, "+1", "onboarding", node)
	l.Step(ctx, id, "+1", "onboarding", models.ExecutionStep{NodeID: "m", NodeType: models.NodeTypeMessage, Status: models.StepCompleted, StartedAt: time.Now()})

	if !l.Finish(ctx, FinishInput{ExecutionID: id, ContactID: "+1", FlowID: "onboarding", Status: models.ExecutionCompleted, FinalNodeID: "m"}) {
		t.Fatal("first Finish should finalize")
	}
	if l.Finish(ctx, FinishInput{ExecutionID: id, Status: models.ExecutionFailed, Reason: "late"}) {
		t.Error("second Finish must not finalize again")
	}

	got, err := l.Get(id)
	if err != nil || got == nil {
		t.Fatalf("Get: %v %v", got, err)
	}
	if got.Status != models.ExecutionCompleted || len(got.Steps) != 1 || got.TriggerMessage != "hello" {
		t.Errorf("unexpected log: %+v", got)
	}

	want := []events.Type{events.FlowStarted, events.NodeStarted, events.NodeCompleted, events.FlowCompleted}
	types := rec.Types()
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestStepTruncatesOutput(t *testing.T) {
	repo := store.NewInMemoryStore()
	l := New(repo, nil)
	ctx := context.Background()
	id := l.Start(ctx, StartInput{Flow: testFlow(), ContactID: "+1"})

	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	l.Step(ctx, id, "+1", "onboarding", models.ExecutionStep{NodeID: "m", Output: string(long)})
	got, _ := l.Get(id)
	if n := len([]rune(got.Steps[0].Output)); n > models.MaxStepOutputLength+1 {
		t.Errorf("output not truncated: %d runes", n)
	}
}

type failingRepo struct{ store.ExecutionRepo }

func (failingRepo) CreateExecution(models.ExecutionLog) error { return errors.New("disk full") }
func (failingRepo) AppendExecutionStep(string, models.ExecutionStep) error {
	return errors.New("disk full")
}
func (failingRepo) FinalizeExecution(string, store.Finalization) (bool, error) {
	return false, errors.New("disk full")
}

func TestStorageFailuresAreSwallowed(t *testing.T) {
	l := New(failingRepo{}, nil)
	ctx := context.Background()
	id := l.Start(ctx, StartInput{Flow: testFlow(), ContactID: "+1"})
	if id == "" {
		t.Fatal("Start must still return an id")
	}
	l.Step(ctx, id, "+1", "onboarding", models.ExecutionStep{NodeID: "m"})
	if l.Finish(ctx, FinishInput{ExecutionID: id, Status: models.ExecutionCompleted}) {
		t.Error("Finish should report false on storage failure")
	}
}
