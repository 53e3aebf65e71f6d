// Package messaging defines the channel-dispatch abstraction used by the
// flow engine, its WhatsApp and Twilio implementations, and the inbound
// response loop that feeds the engine.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// ErrServiceStopped is returned by sends after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// phoneNumberRegex matches everything that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`\D`)

// Service defines a pluggable message delivery abstraction.
// Every send returns the channel's identifier for the delivered message.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends plain text.
	SendMessage(ctx context.Context, to string, body string) (string, error)

	// SendButtons sends a prompt with a small set of selectable choices.
	SendButtons(ctx context.Context, to string, body string, options []models.Option) (string, error)

	// SendList sends a prompt with a longer list of choices.
	SendList(ctx context.Context, to string, body string, options []models.Option) (string, error)

	// SendTyping shows a composing indicator.
	SendTyping(ctx context.Context, to string) (string, error)

	// Start begins any background processing (e.g., polling for events).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Receipts returns a channel of receipt events (sent, delivered, read).
	Receipts() <-chan models.Receipt

	// Responses returns a channel of incoming contact messages.
	Responses() <-chan models.Response
}

// CanonicalizePhone strips formatting from a phone number and checks it is plausible.
func CanonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(strings.TrimPrefix(recipient, "whatsapp:"), "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	if canonical != recipient {
		slog.Debug("canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// FormatChoices renders options as a numbered list under body, for channels
// without native selectable-choice UI. Numbers match option positions, so a
// reply of "2" selects the second option.
func FormatChoices(body string, options []models.Option) string {
	if len(options) == 0 {
		return body
	}
	var b strings.Builder
	b.WriteString(body)
	b.WriteString("\n")
	for i, o := range options {
		label := o.Label
		if label == "" {
			label = o.Value
		}
		fmt.Fprintf(&b, "\n%d. %s", i+1, label)
	}
	return b.String()
}

// FormatList renders a long option list with a reply hint.
func FormatList(body string, options []models.Option) string {
	if len(options) == 0 {
		return body
	}
	return FormatChoices(body, options) + "\n\nReply with the number of your choice."
}
