package messaging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/FlowPipe/internal/whatsapp"
)

type fakeProcessor struct {
	mu  sync.Mutex
	got []models.InboundMessage
	err error
}

func (f *fakeProcessor) ProcessMessage(_ context.Context, in models.InboundMessage) (models.ProcessResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, in)
	if f.err != nil {
		return models.ProcessResult{}, f.err
	}
	return models.ProcessResult{Type: models.ResultMessageSent}, nil
}

func (f *fakeProcessor) messages() []models.InboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.InboundMessage(nil), f.got...)
}

func TestCanonicalizePhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+1 (555) 123-4567", "15551234567", false},
		{"whatsapp:+15551234567", "15551234567", false},
		{"", "", true},
		{"abc", "", true},
		{"12345", "", true},
	}
	for _, tt := range tests {
		got, err := CanonicalizePhone(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("CanonicalizePhone(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestFormatChoices(t *testing.T) {
	opts := []models.Option{{ID: "a", Label: "Apples"}, {ID: "b", Value: "bananas"}}
	got := FormatChoices("Pick one", opts)
	want := "Pick one\n\n1. Apples\n2. bananas"
	if got != want {
		t.Errorf("FormatChoices = %q, want %q", got, want)
	}
	if FormatChoices("Plain", nil) != "Plain" {
		t.Error("expected body unchanged without options")
	}
	if !strings.HasSuffix(FormatList("Pick", opts), "Reply with the number of your choice.") {
		t.Error("expected list hint")
	}
}

func TestResponseHandler_DedupAndRouting(t *testing.T) {
	svc := NewMockService()
	proc := &fakeProcessor{}
	st := store.NewInMemoryStore()
	rh := NewResponseHandler(svc, proc, WithDedup(st), WithChannel("test"))
	ctx := context.Background()

	resp := models.Response{From: "+15550001111", Body: "  hello ", Time: 1700000000, MessageID: "wamid-1", ChoiceID: "opt-1"}
	res, err := rh.ProcessResponse(ctx, resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Type != models.ResultMessageSent {
		t.Errorf("expected processor result, got %s", res.Type)
	}
	res, err = rh.ProcessResponse(ctx, resp)
	if err != nil || res.Type != models.ResultNoResponse || res.Reason != "duplicate" {
		t.Errorf("expected duplicate to be dropped, got %+v, %v", res, err)
	}

	got := proc.messages()
	if len(got) != 1 {
		t.Fatalf("expected one processed message, got %d", len(got))
	}
	in := got[0]
	if in.Text != "hello" || in.ChoiceID != "opt-1" || in.Channel != "test" || in.MessageID != "wamid-1" {
		t.Errorf("unexpected inbound message %+v", in)
	}
	if !in.ReceivedAt.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("unexpected received time %v", in.ReceivedAt)
	}

	rec, _ := st.GetInbound("wamid-1")
	if rec == nil || rec.ContactID != in.ContactID || rec.ProcessedAt == nil {
		t.Errorf("expected processed record keyed by contact, got %+v", rec)
	}

	// A reused id from another contact is still dropped and keeps its first contact.
	other := resp
	other.From = "+15550002222"
	if res, _ := rh.ProcessResponse(ctx, other); res.Reason != "duplicate" {
		t.Errorf("expected reused id to be dropped, got %+v", res)
	}
	if rec, _ := st.GetInbound("wamid-1"); rec == nil || rec.ContactID != in.ContactID {
		t.Errorf("first contact overwritten: %+v", rec)
	}
	if len(proc.messages()) != 1 {
		t.Errorf("processor saw %d messages, want 1", len(proc.messages()))
	}
}

func TestResponseHandler_ProcessorErrorNotifiesContact(t *testing.T) {
	svc := NewMockService()
	proc := &fakeProcessor{err: errors.New("boom")}
	rh := NewResponseHandler(svc, proc)

	if _, err := rh.ProcessResponse(context.Background(), models.Response{From: "c1", Body: "hi"}); err == nil {
		t.Fatal("expected error")
	}
	msgs := svc.Messages()
	if len(msgs) != 1 || msgs[0].To != "c1" {
		t.Errorf("expected error notice to contact, got %+v", msgs)
	}

	rh = NewResponseHandler(svc, proc, WithErrorMessage(""))
	svc.Reset()
	_, _ = rh.ProcessResponse(context.Background(), models.Response{From: "c1", Body: "hi"})
	if len(svc.Messages()) != 0 {
		t.Error("expected no notice with empty error message")
	}
}

func TestResponseHandler_StartKeepsPerContactOrder(t *testing.T) {
	svc := NewMockService()
	proc := &fakeProcessor{}
	rh := NewResponseHandler(svc, proc)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rh.Start(ctx)

	for _, body := range []string{"one", "two", "three"} {
		svc.Emit(models.Response{From: "c1", Body: body})
	}
	svc.Emit(models.Response{From: "c2", Body: "other"})

	deadline := time.After(2 * time.Second)
	for len(proc.messages()) < 4 {
		select {
		case <-deadline:
			t.Fatalf("timed out, processed %d", len(proc.messages()))
		case <-time.After(5 * time.Millisecond):
		}
	}
	var order []string
	for _, m := range proc.messages() {
		if m.ContactID == "c1" {
			order = append(order, m.Text)
		}
	}
	if strings.Join(order, ",") != "one,two,three" {
		t.Errorf("expected in-order processing for c1, got %v", order)
	}
	cancel()
	rh.Wait()
}

func TestTwilioWebhookHandler(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	form := url.Values{"From": {"whatsapp:+15550001111"}, "Body": {"2"}, "MessageSid": {"SM1"}, "ButtonPayload": {"opt-b"}}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	svc.TwilioWebhookHandler(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	select {
	case r := <-svc.Responses():
		if r.MessageID != "SM1" || r.ChoiceID != "opt-b" || r.Body != "2" {
			t.Errorf("unexpected response %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("expected response to be emitted")
	}

	bad := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader("From=x"))
	bad.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	svc.TwilioWebhookHandler(rec, bad)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing body, got %d", rec.Code)
	}
}

func TestTwilioService_Send(t *testing.T) {
	client := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(client)
	ctx := context.Background()

	id, err := svc.SendButtons(ctx, "+1 555 000 1111", "Choose", []models.Option{{ID: "a", Label: "A"}})
	if err != nil || id == "" {
		t.Fatalf("expected sid, got %q, %v", id, err)
	}
	if client.SentMessages[0].To != "15550001111" || !strings.Contains(client.SentMessages[0].Body, "1. A") {
		t.Errorf("unexpected sent message %+v", client.SentMessages[0])
	}
	select {
	case r := <-svc.Receipts():
		if r.Status != models.MessageStatusSent {
			t.Errorf("unexpected receipt %+v", r)
		}
	default:
		t.Error("expected sent receipt")
	}

	_ = svc.Stop()
	if _, err := svc.SendMessage(ctx, "15550001111", "x"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

func TestWhatsAppService_Send(t *testing.T) {
	client := whatsapp.NewMockClient()
	svc := NewWhatsAppService(client)
	ctx := context.Background()

	id, err := svc.SendList(ctx, "+15550001111", "Pick", []models.Option{{Label: "a"}, {Label: "b"}, {Label: "c"}, {Label: "d"}})
	if err != nil || id == "" {
		t.Fatalf("expected id, got %q, %v", id, err)
	}
	if _, err := svc.SendTyping(ctx, "+15550001111"); err != nil {
		t.Fatalf("unexpected typing error: %v", err)
	}
	if len(client.Sent) != 1 || !strings.Contains(client.Sent[0].Body, "4. d") || len(client.Typing) != 1 {
		t.Errorf("unexpected client state %+v", client)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestRateLimitedService(t *testing.T) {
	mock := NewMockService()
	svc := NewRateLimitedService(mock, 1, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := svc.SendMessage(ctx, "c1", "burst"); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := svc.SendMessage(short, "c1", "over"); err == nil {
		t.Error("expected third send to be throttled")
	}
	if _, err := svc.SendButtons(ctx, "c2", "other contact", nil); err != nil {
		t.Errorf("expected independent limiter per contact, got %v", err)
	}
	if n := len(mock.Messages()); n != 3 {
		t.Errorf("expected 3 delivered messages, got %d", n)
	}
}
