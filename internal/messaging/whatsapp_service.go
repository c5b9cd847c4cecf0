package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/chatfuse/botflow/internal/models"
	"github.com/chatfuse/botflow/internal/whatsapp"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client    whatsapp.WhatsAppSender
	waClient  *whatsapp.Client // Access to underlying client for event handling
	tenantID  string
	responses chan models.InboundMessage
	done      chan struct{}
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given
// WhatsAppSender. Inbound messages are attributed to tenantID.
func NewWhatsAppService(client whatsapp.WhatsAppSender, tenantID string) *WhatsAppService {
	service := &WhatsAppService{
		client:    client,
		tenantID:  tenantID,
		responses: make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:      make(chan struct{}),
	}

	// If the client is a full Client (not just an interface), store it for event handling
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}

	return service
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return validatePhoneNumber(recipient)
}

// Start begins background event processing.
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked")

	if s.waClient != nil {
		go s.handleEvents(ctx)
		slog.Debug("WhatsAppService event handler started")
	} else {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
	}

	return nil
}

// Stop stops background processing.
func (s *WhatsAppService) Stop() error {
	slog.Info("WhatsAppService Stop invoked")
	close(s.done)
	close(s.responses)
	return nil
}

// SendText sends a plain text message.
func (s *WhatsAppService) SendText(ctx context.Context, to string, body string) error {
	slog.Debug("WhatsAppService SendText invoked", "to", to, "body_length", len(body))
	if err := s.client.SendMessage(ctx, to, body); err != nil {
		slog.Error("WhatsAppService SendText error", "error", err, "to", to)
		return err
	}
	return nil
}

// SendMedia sends a media attachment by URL.
func (s *WhatsAppService) SendMedia(ctx context.Context, to string, mediaURL, mediaType, caption string) error {
	if err := s.client.SendMedia(ctx, to, mediaURL, mediaType, caption); err != nil {
		slog.Error("WhatsAppService SendMedia error", "error", err, "to", to)
		return err
	}
	return nil
}

// SendTemplate degrades to a plain text render of the template parameters;
// provider-managed templates are a business API feature unavailable here.
func (s *WhatsAppService) SendTemplate(ctx context.Context, to string, templateID string, params map[string]any) error {
	slog.Warn("WhatsAppService SendTemplate: templates unsupported, sending text fallback", "to", to, "templateID", templateID)
	body := templateID
	for k, v := range params {
		body += fmt.Sprintf("\n%s: %v", k, v)
	}
	return s.SendText(ctx, to, body)
}

// SendInteractive sends a message with quick-reply buttons.
func (s *WhatsAppService) SendInteractive(ctx context.Context, to string, intent models.Intent) error {
	if err := s.client.SendButtons(ctx, to, intent.Body, intent.Header, intent.Footer, intent.Buttons); err != nil {
		slog.Error("WhatsAppService SendInteractive error", "error", err, "to", to)
		return err
	}
	return nil
}

// SendLocation sends a geographic pin.
func (s *WhatsAppService) SendLocation(ctx context.Context, to string, intent models.Intent) error {
	if intent.Latitude == nil || intent.Longitude == nil {
		return fmt.Errorf("location intent %s has no coordinates", intent.ID)
	}
	if err := s.client.SendLocation(ctx, to, *intent.Latitude, *intent.Longitude, intent.LocationName); err != nil {
		slog.Error("WhatsAppService SendLocation error", "error", err, "to", to)
		return err
	}
	return nil
}

// Responses returns a channel of incoming contact messages.
func (s *WhatsAppService) Responses() <-chan models.InboundMessage {
	return s.responses
}

// handleEvents processes WhatsApp events and feeds them into the responses channel
func (s *WhatsAppService) handleEvents(ctx context.Context) {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Error("WhatsAppService handleEvents: no client available")
		return
	}

	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(v)
		default:
			// Ignore other event types
		}
	})

	slog.Debug("WhatsAppService event handler registered")

	<-ctx.Done()
	slog.Debug("WhatsAppService handleEvents stopping due to context cancellation")
}

// handleIncomingMessage processes incoming messages from contacts. Button taps
// report the tapped button id; plain text messages report their body.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil {
		return
	}

	var messageText string
	switch {
	case evt.Message.ButtonsResponseMessage != nil && evt.Message.ButtonsResponseMessage.SelectedButtonID != nil:
		messageText = *evt.Message.ButtonsResponseMessage.SelectedButtonID
	case evt.Message.Conversation != nil:
		messageText = *evt.Message.Conversation
	case evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil:
		messageText = *evt.Message.ExtendedTextMessage.Text
	default:
		// Skip non-text messages (images, audio, etc.)
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}

	fromNumber := evt.Info.Sender.User

	msg := models.InboundMessage{
		TenantID:       s.tenantID,
		ConversationID: fromNumber,
		From:           fromNumber,
		Body:           messageText,
		Time:           evt.Info.Timestamp.Unix(),
	}

	slog.Debug("WhatsAppService processing incoming message", "from", msg.From, "body_length", len(msg.Body))

	select {
	case s.responses <- msg:
		slog.Info("WhatsAppService incoming message forwarded", "from", msg.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService responses channel blocked, dropping message", "from", msg.From, "timeout", DefaultChannelTimeout)
	}
}
