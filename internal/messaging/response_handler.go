package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// ErrInvalidSender is returned when the sender cannot be canonicalized.
var ErrInvalidSender = errors.New("invalid sender")

// Processor consumes inbound messages; the flow engine implements it.
type Processor interface {
	ProcessMessage(ctx context.Context, in models.InboundMessage) (models.ProcessResult, error)
}

// ResponseHandler routes channel responses to a Processor. Messages carrying
// a channel id are deduplicated through the store before processing.
type ResponseHandler struct {
	msgService Service
	processor  Processor
	dedup      store.DedupRepo
	channel    string
	// errorMessage is sent when processing fails
	errorMessage string

	mu     sync.Mutex
	queues map[string]chan models.Response
	idle   time.Duration
	wg     sync.WaitGroup
}

// contactQueueSize bounds the backlog of a single contact.
const contactQueueSize = 32

// ResponseHandlerOption configures a ResponseHandler.
type ResponseHandlerOption func(*ResponseHandler)

// WithDedup enables duplicate suppression backed by repo.
func WithDedup(repo store.DedupRepo) ResponseHandlerOption {
	return func(rh *ResponseHandler) { rh.dedup = repo }
}

// WithChannel names the channel in inbound messages, e.g. "whatsapp".
func WithChannel(name string) ResponseHandlerOption {
	return func(rh *ResponseHandler) { rh.channel = name }
}

// WithErrorMessage sets the text sent to the contact when processing fails. Empty sends nothing.
func WithErrorMessage(msg string) ResponseHandlerOption {
	return func(rh *ResponseHandler) { rh.errorMessage = msg }
}

// NewResponseHandler creates a new ResponseHandler.
func NewResponseHandler(msgService Service, processor Processor, opts ...ResponseHandlerOption) *ResponseHandler {
	rh := &ResponseHandler{
		msgService:   msgService,
		processor:    processor,
		errorMessage: "⚠️ We encountered an issue processing your message. Please try again in a moment.",
		queues:       make(map[string]chan models.Response),
		idle:         30 * time.Second,
	}
	for _, opt := range opts {
		opt(rh)
	}
	return rh
}

// ProcessResponse canonicalizes the sender, drops duplicates and hands the
// message to the processor.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, response models.Response) (models.ProcessResult, error) {
	canonicalFrom, err := rh.msgService.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		slog.Error("ResponseHandler ProcessResponse validation failed", "error", err, "from", response.From)
		return models.ProcessResult{}, fmt.Errorf("%w: %w", ErrInvalidSender, err)
	}

	if rh.dedup != nil && response.MessageID != "" {
		isNew, err := rh.dedup.RecordInbound(response.MessageID, canonicalFrom)
		if err != nil {
			slog.Warn("ResponseHandler dedup record failed, processing anyway", "error", err, "messageID", response.MessageID)
		} else if !isNew {
			rh.logDuplicate(canonicalFrom, response.MessageID)
			return models.ProcessResult{Type: models.ResultNoResponse, Reason: "duplicate"}, nil
		}
	}

	in := models.InboundMessage{
		ContactID:  canonicalFrom,
		Text:       strings.TrimSpace(response.Body),
		MessageID:  response.MessageID,
		ChoiceID:   response.ChoiceID,
		Channel:    rh.channel,
		ReceivedAt: time.Unix(response.Time, 0),
	}
	if response.Time == 0 {
		in.ReceivedAt = time.Now()
	}

	result, err := rh.processor.ProcessMessage(ctx, in)
	if err != nil {
		slog.Error("ResponseHandler processing failed", "error", err, "from", canonicalFrom)
		if rh.errorMessage != "" {
			if _, sendErr := rh.msgService.SendMessage(ctx, canonicalFrom, rh.errorMessage); sendErr != nil {
				slog.Error("ResponseHandler failed to send error message", "error", sendErr, "from", canonicalFrom)
			}
		}
		return result, fmt.Errorf("process message: %w", err)
	}

	if rh.dedup != nil && response.MessageID != "" {
		if err := rh.dedup.MarkProcessed(response.MessageID); err != nil {
			slog.Warn("ResponseHandler mark processed failed", "error", err, "messageID", response.MessageID)
		}
	}
	slog.Debug("ResponseHandler message processed", "from", canonicalFrom, "result", result.Type)
	return result, nil
}

// Start processes responses from the messaging service until ctx is done or
// the channel closes. Each contact gets its own queue so that one contact's
// slow reply never delays another, while a contact's messages stay in order.
func (rh *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler starting response processing")
	go func() {
		defer slog.Info("ResponseHandler stopped response processing")
		for {
			select {
			case response, ok := <-rh.msgService.Responses():
				if !ok {
					slog.Debug("ResponseHandler responses channel closed")
					return
				}
				rh.dispatch(ctx, response)
			case <-ctx.Done():
				slog.Debug("ResponseHandler stopping due to context cancellation")
				return
			}
		}
	}()
}

// Wait blocks until every contact queue has drained and exited.
func (rh *ResponseHandler) Wait() {
	rh.wg.Wait()
}

func (rh *ResponseHandler) dispatch(ctx context.Context, response models.Response) {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	q, ok := rh.queues[response.From]
	if !ok {
		q = make(chan models.Response, contactQueueSize)
		rh.queues[response.From] = q
		rh.wg.Add(1)
		go rh.drain(ctx, response.From, q)
	}
	select {
	case q <- response:
	default:
		slog.Warn("ResponseHandler contact queue full, dropping message", "from", response.From)
	}
}

func (rh *ResponseHandler) drain(ctx context.Context, key string, q chan models.Response) {
	defer rh.wg.Done()
	timer := time.NewTimer(rh.idle)
	defer timer.Stop()
	for {
		select {
		case response := <-q:
			if _, err := rh.ProcessResponse(ctx, response); err != nil {
				slog.Error("ResponseHandler failed to process response", "error", err, "from", response.From)
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(rh.idle)
		case <-timer.C:
			rh.mu.Lock()
			if len(q) == 0 {
				delete(rh.queues, key)
				rh.mu.Unlock()
				return
			}
			rh.mu.Unlock()
			timer.Reset(rh.idle)
		case <-ctx.Done():
			rh.mu.Lock()
			delete(rh.queues, key)
			rh.mu.Unlock()
			return
		}
	}
}

// logDuplicate reports a redelivered message against its first sighting. An id first seen
// from another contact is logged as a warning since channel ids are expected to be unique.
func (rh *ResponseHandler) logDuplicate(from, messageID string) {
	rec, err := rh.dedup.GetInbound(messageID)
	if err != nil || rec == nil {
		slog.Info("ResponseHandler dropping duplicate message", "from", from, "messageID", messageID)
		return
	}
	if rec.ContactID != from {
		slog.Warn("ResponseHandler dropping message id first seen from another contact", "from", from, "firstContactID", rec.ContactID, "messageID", messageID)
		return
	}
	slog.Info("ResponseHandler dropping duplicate message", "from", from, "messageID", messageID,
		"firstSeen", rec.ReceivedAt, "processed", rec.ProcessedAt != nil)
}
