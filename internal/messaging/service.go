// Package messaging provides pluggable outbound message delivery for Botflow.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/chatfuse/botflow/internal/models"
)

// Constants for messaging service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for inbound message channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when a send is attempted after Stop.
var ErrServiceStopped = errors.New("messaging service is stopped")

// phoneNumberRegex matches everything except digits, used for canonicalization.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable message delivery abstraction. Each intent kind
// maps to one send method; inbound messages arrive on the Responses channel.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	// Returns the canonicalized recipient and an error if validation fails.
	// This allows each service to implement its own recipient validation rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendText sends a plain text message.
	SendText(ctx context.Context, to string, body string) error

	// SendMedia sends an image, video, audio, or document attachment by URL.
	SendMedia(ctx context.Context, to string, mediaURL, mediaType, caption string) error

	// SendTemplate sends a pre-approved provider template with parameters.
	SendTemplate(ctx context.Context, to string, templateID string, params map[string]any) error

	// SendInteractive sends a message with reply buttons.
	SendInteractive(ctx context.Context, to string, intent models.Intent) error

	// SendLocation sends a geographic coordinate pin.
	SendLocation(ctx context.Context, to string, intent models.Intent) error

	// Start begins any background processing (e.g., polling for events).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Responses returns a channel of incoming contact messages.
	Responses() <-chan models.InboundMessage
}

// SendIntent dispatches an outbound intent to the matching Service method.
func SendIntent(ctx context.Context, svc Service, intent models.Intent) error {
	to, err := svc.ValidateAndCanonicalizeRecipient(intent.To)
	if err != nil {
		return fmt.Errorf("invalid recipient for intent %s: %w", intent.ID, err)
	}

	switch intent.Kind {
	case models.IntentKindText:
		return svc.SendText(ctx, to, intent.Body)
	case models.IntentKindMedia:
		return svc.SendMedia(ctx, to, intent.MediaURL, intent.MediaType, intent.Caption)
	case models.IntentKindTemplate:
		return svc.SendTemplate(ctx, to, intent.TemplateID, intent.TemplateParams)
	case models.IntentKindInteractive:
		return svc.SendInteractive(ctx, to, intent)
	case models.IntentKindLocation:
		return svc.SendLocation(ctx, to, intent)
	default:
		return fmt.Errorf("intent %s: %w", intent.ID, models.ErrInvalidIntentKind)
	}
}

// validatePhoneNumber canonicalizes a phone-shaped recipient by stripping all
// non-numeric characters. Shared by the Twilio and WhatsApp services.
func validatePhoneNumber(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return canonical, nil
}
