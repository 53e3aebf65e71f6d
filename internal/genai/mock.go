package genai

import (
	"context"
	"sync"
)

// MockClient is a scripted Completer for tests and offline runs. Replies are
// returned in order; once exhausted the last reply repeats.
type MockClient struct {
	mu       sync.Mutex
	Replies  []string
	Err      error
	Requests []Request
}

// NewMockClient returns a MockClient answering with the given replies.
func NewMockClient(replies ...string) *MockClient {
	return &MockClient{Replies: replies}
}

// Complete records the request and returns the next scripted reply.
func (m *MockClient) Complete(_ context.Context, req Request) (*Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Replies) == 0 {
		return nil, ErrNoChoicesReturned
	}
	idx := len(m.Requests) - 1
	if idx >= len(m.Replies) {
		idx = len(m.Replies) - 1
	}
	return &Completion{Text: m.Replies[idx], Model: req.Model}, nil
}

// LastRequest returns the most recent request, if any.
func (m *MockClient) LastRequest() (Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Requests) == 0 {
		return Request{}, false
	}
	return m.Requests[len(m.Requests)-1], true
}

// Calls returns the number of Complete invocations.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}
