package flow

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/chatfuse/botflow/internal/models"
)

// MatchBot selects the bot to start for a piece of inbound text: the first
// bot with a matching keyword trigger wins, and a catch-all bot applies only
// when no keyword bot matched.
func MatchBot(bots []models.Bot, text string) *models.Bot {
	trimmed := strings.TrimSpace(text)

	for i := range bots {
		for _, trigger := range bots[i].Triggers {
			if matchTrigger(trigger, trimmed) {
				slog.Debug("trigger matched", "botID", bots[i].ID, "phrase", trigger.Phrase, "matchType", trigger.MatchType)
				return &bots[i]
			}
		}
	}

	for i := range bots {
		if bots[i].CatchAll {
			slog.Debug("catch-all bot matched", "botID", bots[i].ID)
			return &bots[i]
		}
	}

	return nil
}

func matchTrigger(t models.Trigger, text string) bool {
	if t.Phrase == "" {
		return false
	}

	phrase, subject := t.Phrase, text
	if !t.CaseSensitive && t.MatchType != models.TriggerMatchRegex {
		phrase = strings.ToLower(phrase)
		subject = strings.ToLower(subject)
	}

	switch t.MatchType {
	case models.TriggerMatchExact:
		return subject == phrase
	case models.TriggerMatchContains:
		return strings.Contains(subject, phrase)
	case models.TriggerMatchRegex:
		pattern := t.Phrase
		if !t.CaseSensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			slog.Warn("invalid trigger regex", "phrase", t.Phrase, "error", err)
			return false
		}
		return re.MatchString(text)
	default:
		return false
	}
}
