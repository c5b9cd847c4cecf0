// Package models defines the core data structures for Botflow.
//
// It includes contacts, inbound messages, and outbound message intents, which
// are shared across modules.
package models

import (
	"errors"
	"strings"
)

// IntentKind defines the transport shape of an outbound message intent.
type IntentKind string

const (
	// IntentKindText sends a plain text message body.
	IntentKindText IntentKind = "text"
	// IntentKindMedia sends an image, video, audio, or document attachment.
	IntentKindMedia IntentKind = "media"
	// IntentKindTemplate sends a pre-approved provider template with parameters.
	IntentKindTemplate IntentKind = "template"
	// IntentKindInteractive sends a message with reply buttons.
	IntentKindInteractive IntentKind = "interactive"
	// IntentKindLocation sends a geographic coordinate pin.
	IntentKindLocation IntentKind = "location"
)

// Validation constants for outbound intents.
const (
	// MaxIntentBodyLength defines the maximum allowed length for message body content.
	MaxIntentBodyLength = 4096
	// MaxInteractiveButtons defines the maximum number of reply buttons per interactive message.
	MaxInteractiveButtons = 3
	// MaxButtonTitleLength defines the maximum allowed length for a reply button title.
	MaxButtonTitleLength = 20
)

// Error variables for better error handling and testability.
var (
	ErrEmptyRecipient     = errors.New("recipient cannot be empty")
	ErrInvalidIntentKind  = errors.New("invalid intent kind")
	ErrEmptyBody          = errors.New("body is required for text intents")
	ErrBodyTooLong        = errors.New("intent body exceeds maximum length")
	ErrMissingMediaURL    = errors.New("media URL is required for media intents")
	ErrMissingTemplateID  = errors.New("template id is required for template intents")
	ErrMissingButtons     = errors.New("buttons are required for interactive intents")
	ErrTooManyButtons     = errors.New("too many interactive buttons")
	ErrEmptyButtonTitle   = errors.New("button title cannot be empty")
	ErrMissingCoordinates = errors.New("latitude and longitude are required for location intents")
)

// IsValidIntentKind checks if the given intent kind is supported.
func IsValidIntentKind(k IntentKind) bool {
	switch k {
	case IntentKindText, IntentKindMedia, IntentKindTemplate, IntentKindInteractive, IntentKindLocation:
		return true
	default:
		return false
	}
}

// Button represents a single reply button on an interactive intent.
type Button struct {
	ID    string `json:"id"`    // option identifier reported back on tap
	Title string `json:"title"` // label shown to the contact
}

// Intent represents one outbound message produced by the engine. A single
// struct with a kind discriminator keeps the transport layer pluggable.
type Intent struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	To             string         `json:"to"`
	Kind           IntentKind     `json:"kind"`
	Body           string         `json:"body,omitempty"`
	MediaURL       string         `json:"media_url,omitempty"`
	MediaType      string         `json:"media_type,omitempty"`
	Caption        string         `json:"caption,omitempty"`
	TemplateID     string         `json:"template_id,omitempty"`
	TemplateParams map[string]any `json:"template_params,omitempty"`
	Header         string         `json:"header,omitempty"`
	Footer         string         `json:"footer,omitempty"`
	Buttons        []Button       `json:"buttons,omitempty"`
	Latitude       *float64       `json:"latitude,omitempty"`
	Longitude      *float64       `json:"longitude,omitempty"`
	LocationName   string         `json:"location_name,omitempty"`
}

// Validate performs comprehensive validation on an Intent structure.
func (i *Intent) Validate() error {
	if i.To == "" {
		return ErrEmptyRecipient
	}
	if !IsValidIntentKind(i.Kind) {
		return ErrInvalidIntentKind
	}

	switch i.Kind {
	case IntentKindText:
		if i.Body == "" {
			return ErrEmptyBody
		}
		if len(i.Body) > MaxIntentBodyLength {
			return ErrBodyTooLong
		}
	case IntentKindMedia:
		if i.MediaURL == "" {
			return ErrMissingMediaURL
		}
	case IntentKindTemplate:
		if i.TemplateID == "" {
			return ErrMissingTemplateID
		}
	case IntentKindInteractive:
		if len(i.Buttons) == 0 {
			return ErrMissingButtons
		}
		if len(i.Buttons) > MaxInteractiveButtons {
			return ErrTooManyButtons
		}
		for _, b := range i.Buttons {
			if b.Title == "" {
				return ErrEmptyButtonTitle
			}
		}
		if len(i.Body) > MaxIntentBodyLength {
			return ErrBodyTooLong
		}
	case IntentKindLocation:
		// Presence, not value: 0,0 is a sendable coordinate.
		if i.Latitude == nil || i.Longitude == nil {
			return ErrMissingCoordinates
		}
	}

	return nil
}

// ContactField is a single custom field attached to a contact. Name is the
// display name authors reference in placeholders, not an internal key.
type ContactField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Contact represents a messaging contact with its custom field values.
type Contact struct {
	ID       string         `json:"id"`
	TenantID string         `json:"tenant_id"`
	Name     string         `json:"name,omitempty"`
	Phone    string         `json:"phone,omitempty"`
	Fields   []ContactField `json:"fields,omitempty"`
}

// FieldValue looks up a contact field by display name, case-insensitively.
func (c *Contact) FieldValue(name string) (string, bool) {
	if c == nil {
		return "", false
	}
	for _, f := range c.Fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

// InboundMessage represents an incoming message from a contact.
type InboundMessage struct {
	TenantID       string `json:"tenant_id"`
	ConversationID string `json:"conversation_id"`
	ContactID      string `json:"contact_id"`
	From           string `json:"from"`
	Body           string `json:"body"`
	Time           int64  `json:"time"`
}

// MessageStatus represents the delivery status of an outbound message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// Receipt records a delivery status change for an outbound intent.
type Receipt struct {
	IntentID string        `json:"intent_id,omitempty"`
	To       string        `json:"to"`
	Status   MessageStatus `json:"status"`
	Time     int64         `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result any) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result any) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
