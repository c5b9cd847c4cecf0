package models

import (
	"errors"
	"strings"
	"testing"
)

func f64(v float64) *float64 { return &v }

func TestIntentValidate(t *testing.T) {
	cases := []struct {
		name   string
		intent Intent
		want   error
	}{
		{"valid text", Intent{To: "15551234567", Kind: IntentKindText, Body: "hi"}, nil},
		{"empty recipient", Intent{Kind: IntentKindText, Body: "hi"}, ErrEmptyRecipient},
		{"unknown kind", Intent{To: "15551234567", Kind: IntentKind("carrier-pigeon")}, ErrInvalidIntentKind},
		{"empty body", Intent{To: "15551234567", Kind: IntentKindText}, ErrEmptyBody},
		{"body too long", Intent{To: "15551234567", Kind: IntentKindText, Body: strings.Repeat("x", MaxIntentBodyLength+1)}, ErrBodyTooLong},
		{"media without url", Intent{To: "15551234567", Kind: IntentKindMedia}, ErrMissingMediaURL},
		{"template without id", Intent{To: "15551234567", Kind: IntentKindTemplate}, ErrMissingTemplateID},
		{"interactive without buttons", Intent{To: "15551234567", Kind: IntentKindInteractive, Body: "pick"}, ErrMissingButtons},
		{"interactive too many buttons", Intent{To: "15551234567", Kind: IntentKindInteractive, Body: "pick",
			Buttons: []Button{{ID: "1", Title: "a"}, {ID: "2", Title: "b"}, {ID: "3", Title: "c"}, {ID: "4", Title: "d"}}}, ErrTooManyButtons},
		{"interactive empty button title", Intent{To: "15551234567", Kind: IntentKindInteractive, Body: "pick",
			Buttons: []Button{{ID: "1"}}}, ErrEmptyButtonTitle},
		{"location without coordinates", Intent{To: "15551234567", Kind: IntentKindLocation}, ErrMissingCoordinates},
		{"location with only latitude", Intent{To: "15551234567", Kind: IntentKindLocation, Latitude: f64(51.5)}, ErrMissingCoordinates},
		{"valid location", Intent{To: "15551234567", Kind: IntentKindLocation, Latitude: f64(51.5), Longitude: f64(-0.12)}, nil},
		{"location at origin", Intent{To: "15551234567", Kind: IntentKindLocation, Latitude: f64(0), Longitude: f64(0)}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.intent.Validate()
			if !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestContactFieldValue(t *testing.T) {
	contact := &Contact{
		ID: "c1",
		Fields: []ContactField{
			{Name: "First Name", Value: "Ada"},
			{Name: "city", Value: "London"},
		},
	}

	if v, ok := contact.FieldValue("first name"); !ok || v != "Ada" {
		t.Errorf("lookup should be case-insensitive, got %q, %v", v, ok)
	}
	if v, ok := contact.FieldValue("City"); !ok || v != "London" {
		t.Errorf("lookup should be case-insensitive, got %q, %v", v, ok)
	}
	if _, ok := contact.FieldValue("missing"); ok {
		t.Error("unknown field should report !ok")
	}

	var nilContact *Contact
	if _, ok := nilContact.FieldValue("anything"); ok {
		t.Error("nil contact should report !ok")
	}
}

func TestSessionVisit(t *testing.T) {
	s := &Session{}
	now := s.CreatedAt
	s.Visit("a", now)
	s.Visit("b", now)

	if s.CurrentNodeID != "b" {
		t.Errorf("visit should advance the current node, got %s", s.CurrentNodeID)
	}
	if len(s.History) != 2 || s.History[0].NodeID != "a" || s.History[1].NodeID != "b" {
		t.Errorf("history should record visits in order, got %+v", s.History)
	}
}

func TestSetVariable_AllocatesMap(t *testing.T) {
	s := &Session{}
	s.SetVariable("name", "Ada")
	if s.Variables["name"] != "Ada" {
		t.Errorf("variable not stored: %+v", s.Variables)
	}
}
