package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/chatfuse/botflow/internal/models"
)

// TwilioOpts holds configuration options for the Twilio-backed service.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	FromNumber string // WhatsApp number in "whatsapp:+1234567890" format
	TenantID   string // tenant attributed to inbound webhook messages
}

// TwilioOption defines a configuration option for the Twilio service.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFromNumber sets the sending WhatsApp number.
func WithFromNumber(from string) TwilioOption {
	return func(o *TwilioOpts) { o.FromNumber = from }
}

// WithTwilioTenantID sets the tenant attributed to inbound webhook messages.
func WithTwilioTenantID(tenantID string) TwilioOption {
	return func(o *TwilioOpts) { o.TenantID = tenantID }
}

// TwilioService implements the Service interface using the Twilio API.
type TwilioService struct {
	client     *twilio.RestClient
	fromNumber string
	tenantID   string
	responses  chan models.InboundMessage
	done       chan struct{}
	mu         sync.RWMutex
	stopped    bool
}

// NewTwilioService creates a new TwilioService. Credentials fall back to the
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER environment
// variables when not provided via options.
func NewTwilioService(opts ...TwilioOption) (*TwilioService, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio service config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})

	return &TwilioService{
		client:     client,
		fromNumber: cfg.FromNumber,
		tenantID:   cfg.TenantID,
		responses:  make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:       make(chan struct{}),
	}, nil
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
// It removes all non-numeric characters and validates the result has at least 6 digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := validatePhoneNumber(recipient)
	if err != nil {
		return "", err
	}
	if canonical != recipient {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start is a no-op for Twilio; inbound messages arrive via the webhook handler.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.responses)
	}()

	return nil
}

// SendText sends a plain text message via Twilio.
func (s *TwilioService) SendText(ctx context.Context, to string, body string) error {
	if err := s.checkStopped(); err != nil {
		return err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:+" + to)
	params.SetFrom(s.fromNumber)
	params.SetBody(body)
	return s.createMessage(params, to)
}

// SendMedia sends a media attachment by URL, with an optional caption.
func (s *TwilioService) SendMedia(ctx context.Context, to string, mediaURL, mediaType, caption string) error {
	if err := s.checkStopped(); err != nil {
		return err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:+" + to)
	params.SetFrom(s.fromNumber)
	params.SetMediaUrl([]string{mediaURL})
	if caption != "" {
		params.SetBody(caption)
	}
	return s.createMessage(params, to)
}

// SendTemplate sends a pre-approved content template with variables.
func (s *TwilioService) SendTemplate(ctx context.Context, to string, templateID string, templateParams map[string]any) error {
	if err := s.checkStopped(); err != nil {
		return err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:+" + to)
	params.SetFrom(s.fromNumber)
	params.SetContentSid(templateID)
	if len(templateParams) > 0 {
		variables, err := json.Marshal(templateParams)
		if err != nil {
			return fmt.Errorf("failed to marshal template variables: %w", err)
		}
		params.SetContentVariables(string(variables))
	}
	return s.createMessage(params, to)
}

// SendInteractive degrades reply buttons to a numbered-option text message,
// since the Twilio Go SDK has no native WhatsApp button support.
func (s *TwilioService) SendInteractive(ctx context.Context, to string, intent models.Intent) error {
	if err := s.checkStopped(); err != nil {
		return err
	}
	var sb strings.Builder
	if intent.Header != "" {
		sb.WriteString(intent.Header)
		sb.WriteString("\n")
	}
	sb.WriteString(intent.Body)
	for i, b := range intent.Buttons {
		fmt.Fprintf(&sb, "\n%d. %s", i+1, b.Title)
	}
	if intent.Footer != "" {
		sb.WriteString("\n")
		sb.WriteString(intent.Footer)
	}
	return s.SendText(ctx, to, sb.String())
}

// SendLocation sends a geographic pin via a persistent geo action.
func (s *TwilioService) SendLocation(ctx context.Context, to string, intent models.Intent) error {
	if err := s.checkStopped(); err != nil {
		return err
	}
	if intent.Latitude == nil || intent.Longitude == nil {
		return fmt.Errorf("location intent %s has no coordinates", intent.ID)
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:+" + to)
	params.SetFrom(s.fromNumber)
	action := fmt.Sprintf("geo:%f,%f", *intent.Latitude, *intent.Longitude)
	if intent.LocationName != "" {
		action += "|" + intent.LocationName
		params.SetBody(intent.LocationName)
	}
	params.SetPersistentAction([]string{action})
	return s.createMessage(params, to)
}

// Responses returns the channel for incoming webhook messages.
func (s *TwilioService) Responses() <-chan models.InboundMessage {
	return s.responses
}

func (s *TwilioService) checkStopped() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrServiceStopped
	}
	return nil
}

func (s *TwilioService) createMessage(params *twilioApi.CreateMessageParams, to string) error {
	_, err := s.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio CreateMessage failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("Twilio message sent", "to", to)
	return nil
}

// WebhookHandler handles inbound Twilio webhook requests. It parses incoming
// messages and emits them into the Responses() channel. Button taps arrive
// with the tapped payload in ButtonPayload; that takes precedence over Body.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	slog.Info("Twilio webhook received")

	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := strings.TrimPrefix(r.FormValue("From"), "whatsapp:")
	body := r.FormValue("Body")
	if payload := r.FormValue("ButtonPayload"); payload != "" {
		body = payload
	}

	if from == "" || body == "" {
		slog.Warn("Twilio webhook missing fields", "from", from)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	canonical, err := s.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		slog.Warn("Twilio webhook invalid sender", "from", from, "error", err)
		http.Error(w, "Invalid sender", http.StatusBadRequest)
		return
	}

	slog.Info("Inbound WhatsApp message from Twilio", "from", canonical)

	s.safeEmitResponse(models.InboundMessage{
		TenantID:       s.tenantID,
		ConversationID: canonical,
		From:           canonical,
		Body:           body,
		Time:           time.Now().Unix(),
	})

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// safeEmitResponse safely pushes inbound messages into the responses channel.
func (s *TwilioService) safeEmitResponse(msg models.InboundMessage) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		slog.Warn("TwilioService dropping inbound message (service stopped)", "from", msg.From)
		return
	}

	select {
	case s.responses <- msg:
		slog.Debug("TwilioService emitted inbound message", "from", msg.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService responses channel blocked, dropping message", "from", msg.From)
	}
}
