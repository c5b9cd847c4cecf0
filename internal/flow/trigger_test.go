package flow

import (
	"testing"

	"github.com/chatfuse/botflow/internal/models"
)

func TestMatchBot_KeywordBeforeCatchAll(t *testing.T) {
	bots := []models.Bot{
		{ID: "fallback", TenantID: "t1", CatchAll: true},
		{ID: "sales", TenantID: "t1", Triggers: []models.Trigger{
			{Phrase: "pricing", MatchType: models.TriggerMatchContains},
		}},
	}

	got := MatchBot(bots, "tell me about PRICING please")
	if got == nil || got.ID != "sales" {
		t.Fatalf("keyword bot should win over catch-all, got %+v", got)
	}

	got = MatchBot(bots, "something unrelated")
	if got == nil || got.ID != "fallback" {
		t.Fatalf("catch-all should match when no keyword does, got %+v", got)
	}
}

func TestMatchBot_NoMatch(t *testing.T) {
	bots := []models.Bot{
		{ID: "sales", TenantID: "t1", Triggers: []models.Trigger{
			{Phrase: "pricing", MatchType: models.TriggerMatchExact},
		}},
	}
	if got := MatchBot(bots, "hello"); got != nil {
		t.Errorf("expected no match, got %+v", got)
	}
}

func TestMatchTrigger_Exact(t *testing.T) {
	trigger := models.Trigger{Phrase: "Start", MatchType: models.TriggerMatchExact}
	if !matchTrigger(trigger, "start") {
		t.Error("exact match should be case-insensitive by default")
	}
	if matchTrigger(trigger, "start now") {
		t.Error("exact match should not match a longer message")
	}

	trigger.CaseSensitive = true
	if matchTrigger(trigger, "start") {
		t.Error("case-sensitive exact match should reject different casing")
	}
	if !matchTrigger(trigger, "Start") {
		t.Error("case-sensitive exact match should accept identical text")
	}
}

func TestMatchTrigger_Regex(t *testing.T) {
	trigger := models.Trigger{Phrase: `^order\s+\d+$`, MatchType: models.TriggerMatchRegex}
	if !matchTrigger(trigger, "ORDER 123") {
		t.Error("regex match should be case-insensitive by default")
	}
	if matchTrigger(trigger, "order abc") {
		t.Error("regex should not match non-digit order")
	}
}

func TestMatchTrigger_InvalidRegexIsFalse(t *testing.T) {
	trigger := models.Trigger{Phrase: "([", MatchType: models.TriggerMatchRegex}
	if matchTrigger(trigger, "anything") {
		t.Error("invalid regex should never match")
	}
}

func TestMatchTrigger_EmptyPhrase(t *testing.T) {
	trigger := models.Trigger{Phrase: "", MatchType: models.TriggerMatchContains}
	if matchTrigger(trigger, "anything") {
		t.Error("empty phrase should never match")
	}
}

func TestMatchBot_TrimsInput(t *testing.T) {
	bots := []models.Bot{
		{ID: "b1", TenantID: "t1", Triggers: []models.Trigger{
			{Phrase: "hi", MatchType: models.TriggerMatchExact},
		}},
	}
	if got := MatchBot(bots, "  hi  "); got == nil || got.ID != "b1" {
		t.Errorf("surrounding whitespace should be trimmed before matching, got %+v", got)
	}
}
