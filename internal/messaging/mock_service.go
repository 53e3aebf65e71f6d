package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// SendKind distinguishes the calls captured by MockService.
type SendKind string

const (
	SendKindText    SendKind = "text"
	SendKindButtons SendKind = "buttons"
	SendKindList    SendKind = "list"
	SendKindTyping  SendKind = "typing"
)

// SentMessage is one call captured by MockService.
type SentMessage struct {
	ID      string
	Kind    SendKind
	To      string
	Body    string
	Options []models.Option
}

// MockService is an in-memory Service for tests and local runs.
type MockService struct {
	mu        sync.Mutex
	sent      []SentMessage
	next      int
	Err       error
	receipts  chan models.Receipt
	responses chan models.Response
}

// NewMockService creates a MockService.
func NewMockService() *MockService {
	return &MockService{
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
}

func (m *MockService) record(kind SendKind, to, body string, options []models.Option) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.next++
	id := fmt.Sprintf("mock-%d", m.next)
	if kind == SendKindTyping {
		id = ""
	}
	m.sent = append(m.sent, SentMessage{ID: id, Kind: kind, To: to, Body: body, Options: options})
	return id, nil
}

func (m *MockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	return recipient, nil
}

func (m *MockService) SendMessage(_ context.Context, to string, body string) (string, error) {
	return m.record(SendKindText, to, body, nil)
}

func (m *MockService) SendButtons(_ context.Context, to string, body string, options []models.Option) (string, error) {
	return m.record(SendKindButtons, to, body, options)
}

func (m *MockService) SendList(_ context.Context, to string, body string, options []models.Option) (string, error) {
	return m.record(SendKindList, to, body, options)
}

func (m *MockService) SendTyping(_ context.Context, to string) (string, error) {
	return m.record(SendKindTyping, to, "", nil)
}

func (m *MockService) Start(context.Context) error { return nil }

func (m *MockService) Stop() error { return nil }

func (m *MockService) Receipts() <-chan models.Receipt { return m.receipts }

func (m *MockService) Responses() <-chan models.Response { return m.responses }

// Emit queues an inbound message as if the channel had received it.
func (m *MockService) Emit(r models.Response) {
	m.responses <- r
}

// Sent returns every captured call, typing indicators included.
func (m *MockService) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}

// Messages returns the captured calls that delivered content, skipping typing indicators.
func (m *MockService) Messages() []SentMessage {
	var out []SentMessage
	for _, s := range m.Sent() {
		if s.Kind != SendKindTyping {
			out = append(out, s)
		}
	}
	return out
}

// Reset clears captured calls.
func (m *MockService) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}
