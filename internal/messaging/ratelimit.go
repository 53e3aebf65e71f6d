package messaging

import (
	"context"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"golang.org/x/time/rate"
)

// RateLimitedService wraps a Service and bounds the send rate per recipient.
// Sends wait for a token; a cancelled context aborts the wait.
type RateLimitedService struct {
	Service
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimitedService allows perSecond sends per recipient with the given burst.
func NewRateLimitedService(svc Service, perSecond float64, burst int) *RateLimitedService {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedService{
		Service:  svc,
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (s *RateLimitedService) limiter(to string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[to]
	if !ok {
		l = rate.NewLimiter(s.limit, s.burst)
		s.limiters[to] = l
	}
	return l
}

func (s *RateLimitedService) wait(ctx context.Context, to string) error {
	key, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	return s.limiter(key).Wait(ctx)
}

// SendMessage waits for the recipient's limiter, then sends.
func (s *RateLimitedService) SendMessage(ctx context.Context, to string, body string) (string, error) {
	if err := s.wait(ctx, to); err != nil {
		return "", err
	}
	return s.Service.SendMessage(ctx, to, body)
}

// SendButtons waits for the recipient's limiter, then sends.
func (s *RateLimitedService) SendButtons(ctx context.Context, to string, body string, options []models.Option) (string, error) {
	if err := s.wait(ctx, to); err != nil {
		return "", err
	}
	return s.Service.SendButtons(ctx, to, body, options)
}

// SendList waits for the recipient's limiter, then sends.
func (s *RateLimitedService) SendList(ctx context.Context, to string, body string, options []models.Option) (string, error) {
	if err := s.wait(ctx, to); err != nil {
		return "", err
	}
	return s.Service.SendList(ctx, to, body, options)
}
