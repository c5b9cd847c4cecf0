// Package models defines session and bot configuration structures for Botflow.
package models

import "time"

// SessionStatus represents the lifecycle state of a conversation session.
type SessionStatus string

const (
	// SessionStatusActive indicates the session is executing nodes.
	SessionStatusActive SessionStatus = "ACTIVE"
	// SessionStatusWaiting indicates the session is parked on a question node.
	SessionStatusWaiting SessionStatus = "WAITING"
	// SessionStatusCompleted indicates the session reached a terminal node.
	SessionStatusCompleted SessionStatus = "COMPLETED"
	// SessionStatusTimeout indicates the wait deadline elapsed with no input.
	SessionStatusTimeout SessionStatus = "TIMEOUT"
)

// IsValidSessionStatus checks if the given session status is supported.
func IsValidSessionStatus(s SessionStatus) bool {
	switch s {
	case SessionStatusActive, SessionStatusWaiting, SessionStatusCompleted, SessionStatusTimeout:
		return true
	default:
		return false
	}
}

// HistoryEntry records one node visit during a session.
type HistoryEntry struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the live execution state of one contact's walk through a flow.
// At most one session per conversation may be ACTIVE or WAITING at a time.
type Session struct {
	ID                string            `json:"id"`
	BotID             string            `json:"bot_id"`
	FlowID            string            `json:"flow_id"`
	ConversationID    string            `json:"conversation_id"`
	ContactID         string            `json:"contact_id"`
	CurrentNodeID     string            `json:"current_node_id,omitempty"`
	Status            SessionStatus     `json:"status"`
	Variables         map[string]string `json:"variables,omitempty"`
	History           []HistoryEntry    `json:"history,omitempty"`
	LastInteractionAt time.Time         `json:"last_interaction_at"`
	TimeoutAt         *time.Time        `json:"timeout_at,omitempty"`
	WarningDueAt      *time.Time        `json:"warning_due_at,omitempty"`
	WarningSentAt     *time.Time        `json:"warning_sent_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// IsLive reports whether the session still owns its conversation.
func (s *Session) IsLive() bool {
	return s.Status == SessionStatusActive || s.Status == SessionStatusWaiting
}

// Visit appends a history entry and moves the session to the given node.
func (s *Session) Visit(nodeID string, at time.Time) {
	s.CurrentNodeID = nodeID
	s.History = append(s.History, HistoryEntry{NodeID: nodeID, Timestamp: at})
}

// SetVariable stores a variable value, allocating the map on first use.
func (s *Session) SetVariable(name, value string) {
	if s.Variables == nil {
		s.Variables = make(map[string]string)
	}
	s.Variables[name] = value
}

// BotAction identifies a terminal action configured on a bot.
type BotAction string

const (
	// BotActionNone performs no action.
	BotActionNone BotAction = ""
	// BotActionUnassign clears the conversation assignment.
	BotActionUnassign BotAction = "unassign"
	// BotActionAssignUser assigns the conversation to a specific user.
	BotActionAssignUser BotAction = "assign_user"
	// BotActionAssignBot starts a nested session for another bot.
	BotActionAssignBot BotAction = "assign_bot"
	// BotActionMessage relies on the caller having already sent a message.
	BotActionMessage BotAction = "message"
)

// ActionConfig is one configured action/message/target triple. The same shape
// backs the timeout, no-match, and end-of-conversation configuration.
type ActionConfig struct {
	Action  BotAction `json:"action,omitempty"`
	Message string    `json:"message,omitempty"`
	UserID  string    `json:"user_id,omitempty"`
	BotID   string    `json:"bot_id,omitempty"`
}

// BotConfig carries the per-bot engine defaults. Read-only to the engine.
type BotConfig struct {
	WaitMinutes     int          `json:"wait_minutes,omitempty"`
	WarningMinutes  int          `json:"warning_minutes,omitempty"`
	WarningMessage  string       `json:"warning_message,omitempty"`
	Timeout         ActionConfig `json:"timeout,omitempty"`
	NoMatch         ActionConfig `json:"no_match,omitempty"`
	EndConversation ActionConfig `json:"end_conversation,omitempty"`
}

// DefaultWaitMinutes is used when a bot has no wait time configured.
const DefaultWaitMinutes = 30

// TriggerMatchType defines how a trigger phrase is matched against inbound text.
type TriggerMatchType string

const (
	// TriggerMatchExact matches the whole trimmed message.
	TriggerMatchExact TriggerMatchType = "exact"
	// TriggerMatchContains matches a substring of the message.
	TriggerMatchContains TriggerMatchType = "contains"
	// TriggerMatchRegex matches the message against a regular expression.
	TriggerMatchRegex TriggerMatchType = "regex"
)

// Trigger is one configured phrase + match-type + case-sensitivity triple.
type Trigger struct {
	Phrase        string           `json:"phrase"`
	MatchType     TriggerMatchType `json:"match_type"`
	CaseSensitive bool             `json:"case_sensitive,omitempty"`
}

// Bot is a tenant-configured conversational bot.
type Bot struct {
	ID       string    `json:"id"`
	TenantID string    `json:"tenant_id"`
	Name     string    `json:"name,omitempty"`
	CatchAll bool      `json:"catch_all,omitempty"`
	Triggers []Trigger `json:"triggers,omitempty"`
	Config   BotConfig `json:"config"`
}

// DayHours is an open/close pair in "15:04" format for one weekday.
type DayHours struct {
	Open  string `json:"open"`
	Close string `json:"close"`
}

// WorkingHoursConfig is the tenant's availability schedule. Weekdays without
// an entry are closed; a nil config means always available.
type WorkingHoursConfig struct {
	Timezone string                    `json:"timezone,omitempty"`
	Days     map[time.Weekday]DayHours `json:"days,omitempty"`
}
