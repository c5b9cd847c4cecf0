package messaging

import (
	"context"
	"testing"

	"github.com/chatfuse/botflow/internal/models"
)

func f64(v float64) *float64 { return &v }

// fakeService records which send method was invoked and with what recipient.
type fakeService struct {
	method string
	to     string
	body   string
}

func (f *fakeService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return validatePhoneNumber(recipient)
}

func (f *fakeService) SendText(ctx context.Context, to, body string) error {
	f.method, f.to, f.body = "text", to, body
	return nil
}

func (f *fakeService) SendMedia(ctx context.Context, to, mediaURL, mediaType, caption string) error {
	f.method, f.to = "media", to
	return nil
}

func (f *fakeService) SendTemplate(ctx context.Context, to, templateID string, params map[string]any) error {
	f.method, f.to = "template", to
	return nil
}

func (f *fakeService) SendInteractive(ctx context.Context, to string, intent models.Intent) error {
	f.method, f.to = "interactive", to
	return nil
}

func (f *fakeService) SendLocation(ctx context.Context, to string, intent models.Intent) error {
	f.method, f.to = "location", to
	return nil
}

func (f *fakeService) Start(ctx context.Context) error { return nil }
func (f *fakeService) Stop() error                     { return nil }
func (f *fakeService) Responses() <-chan models.InboundMessage {
	return nil
}

func TestSendIntent_DispatchesByKind(t *testing.T) {
	cases := []struct {
		kind   models.IntentKind
		intent models.Intent
		want   string
	}{
		{models.IntentKindText, models.Intent{Body: "hi"}, "text"},
		{models.IntentKindMedia, models.Intent{MediaURL: "https://example.com/a.jpg"}, "media"},
		{models.IntentKindTemplate, models.Intent{TemplateID: "tpl"}, "template"},
		{models.IntentKindInteractive, models.Intent{Body: "pick", Buttons: []models.Button{{ID: "1", Title: "A"}}}, "interactive"},
		{models.IntentKindLocation, models.Intent{Latitude: f64(1), Longitude: f64(2)}, "location"},
	}
	for _, tc := range cases {
		svc := &fakeService{}
		intent := tc.intent
		intent.Kind = tc.kind
		intent.To = "+1 (555) 123-4567"
		if err := SendIntent(context.Background(), svc, intent); err != nil {
			t.Fatalf("SendIntent(%s): %v", tc.kind, err)
		}
		if svc.method != tc.want {
			t.Errorf("kind %s dispatched to %q, want %q", tc.kind, svc.method, tc.want)
		}
		if svc.to != "15551234567" {
			t.Errorf("kind %s: recipient should be canonicalized, got %q", tc.kind, svc.to)
		}
	}
}

func TestSendIntent_UnknownKind(t *testing.T) {
	svc := &fakeService{}
	err := SendIntent(context.Background(), svc, models.Intent{To: "15551234567", Kind: "smoke-signal"})
	if err == nil {
		t.Fatal("expected an error for an unknown intent kind")
	}
	if svc.method != "" {
		t.Errorf("nothing should be dispatched, got %q", svc.method)
	}
}

func TestSendIntent_InvalidRecipient(t *testing.T) {
	svc := &fakeService{}
	err := SendIntent(context.Background(), svc, models.Intent{To: "not-a-number", Kind: models.IntentKindText, Body: "hi"})
	if err == nil {
		t.Fatal("expected an error for a recipient with no digits")
	}
}

func TestValidatePhoneNumber(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+1 (555) 123-4567", "15551234567", false},
		{"whatsapp:+445551234", "445551234", false},
		{"123456", "123456", false},
		{"12345", "", true},
		{"", "", true},
		{"abc", "", true},
	}
	for _, tc := range cases {
		got, err := validatePhoneNumber(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("validatePhoneNumber(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("validatePhoneNumber(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("validatePhoneNumber(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
