package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/chatfuse/botflow/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// encodeJSON marshals v for storage in a JSON column. Nil-able values that are
// empty are stored as NULL.
func encodeJSON(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return string(b), nil
}

// decodeJSON unmarshals a nullable JSON column into dst. NULL and empty
// columns leave dst untouched.
func decodeJSON(src sql.NullString, dst interface{}) error {
	if !src.Valid || src.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(src.String), dst); err != nil {
		return fmt.Errorf("decode json column: %w", err)
	}
	return nil
}

// sessionColumns is the canonical column list for session queries.
const sessionColumns = `id, bot_id, flow_id, conversation_id, contact_id, current_node_id, status, variables, history, last_interaction_at, timeout_at, warning_due_at, warning_sent_at, created_at, updated_at`

// scanSession scans a Session from sql.Rows.
func scanSession(rows *sql.Rows) (models.Session, error) {
	var s models.Session
	var contactID, currentNodeID, variablesJSON, historyJSON sql.NullString
	var status string
	var timeoutAt, warningDueAt, warningSentAt sql.NullTime
	err := rows.Scan(
		&s.ID, &s.BotID, &s.FlowID, &s.ConversationID, &contactID, &currentNodeID, &status,
		&variablesJSON, &historyJSON, &s.LastInteractionAt, &timeoutAt, &warningDueAt, &warningSentAt,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return s, fmt.Errorf("scan session failed: %w", err)
	}
	return buildSession(s, contactID, currentNodeID, status, variablesJSON, historyJSON, timeoutAt, warningDueAt, warningSentAt)
}

// scanSessionRow scans a Session from a single sql.Row.
func scanSessionRow(row *sql.Row) (models.Session, error) {
	var s models.Session
	var contactID, currentNodeID, variablesJSON, historyJSON sql.NullString
	var status string
	var timeoutAt, warningDueAt, warningSentAt sql.NullTime
	err := row.Scan(
		&s.ID, &s.BotID, &s.FlowID, &s.ConversationID, &contactID, &currentNodeID, &status,
		&variablesJSON, &historyJSON, &s.LastInteractionAt, &timeoutAt, &warningDueAt, &warningSentAt,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return s, err
	}
	return buildSession(s, contactID, currentNodeID, status, variablesJSON, historyJSON, timeoutAt, warningDueAt, warningSentAt)
}

func buildSession(s models.Session, contactID, currentNodeID sql.NullString, status string, variablesJSON, historyJSON sql.NullString, timeoutAt, warningDueAt, warningSentAt sql.NullTime) (models.Session, error) {
	s.ContactID = contactID.String
	s.CurrentNodeID = currentNodeID.String
	s.Status = models.SessionStatus(status)
	if err := decodeJSON(variablesJSON, &s.Variables); err != nil {
		return s, err
	}
	if err := decodeJSON(historyJSON, &s.History); err != nil {
		return s, err
	}
	if timeoutAt.Valid {
		s.TimeoutAt = &timeoutAt.Time
	}
	if warningDueAt.Valid {
		s.WarningDueAt = &warningDueAt.Time
	}
	if warningSentAt.Valid {
		s.WarningSentAt = &warningSentAt.Time
	}
	return s, nil
}

// sessionArgs builds the insert/update argument list matching sessionColumns.
func sessionArgs(s models.Session) ([]interface{}, error) {
	variablesJSON, err := encodeJSON(s.Variables)
	if err != nil {
		return nil, err
	}
	historyJSON, err := encodeJSON(s.History)
	if err != nil {
		return nil, err
	}
	var timeoutAt, warningDueAt, warningSentAt interface{}
	if s.TimeoutAt != nil {
		timeoutAt = *s.TimeoutAt
	}
	if s.WarningDueAt != nil {
		warningDueAt = *s.WarningDueAt
	}
	if s.WarningSentAt != nil {
		warningSentAt = *s.WarningSentAt
	}
	return []interface{}{
		s.ID, s.BotID, s.FlowID, s.ConversationID, nilIfEmpty(s.ContactID), nilIfEmpty(s.CurrentNodeID),
		string(s.Status), variablesJSON, historyJSON, s.LastInteractionAt, timeoutAt, warningDueAt, warningSentAt,
		s.CreatedAt, s.UpdatedAt,
	}, nil
}

// scanBot scans a Bot from sql.Rows.
func scanBot(rows *sql.Rows) (models.Bot, error) {
	var b models.Bot
	var name, triggersJSON, configJSON sql.NullString
	if err := rows.Scan(&b.ID, &b.TenantID, &name, &b.CatchAll, &triggersJSON, &configJSON); err != nil {
		return b, fmt.Errorf("scan bot failed: %w", err)
	}
	return buildBot(b, name, triggersJSON, configJSON)
}

// scanBotRow scans a Bot from a single sql.Row.
func scanBotRow(row *sql.Row) (models.Bot, error) {
	var b models.Bot
	var name, triggersJSON, configJSON sql.NullString
	if err := row.Scan(&b.ID, &b.TenantID, &name, &b.CatchAll, &triggersJSON, &configJSON); err != nil {
		return b, err
	}
	return buildBot(b, name, triggersJSON, configJSON)
}

func buildBot(b models.Bot, name, triggersJSON, configJSON sql.NullString) (models.Bot, error) {
	b.Name = name.String
	if err := decodeJSON(triggersJSON, &b.Triggers); err != nil {
		return b, err
	}
	if err := decodeJSON(configJSON, &b.Config); err != nil {
		return b, err
	}
	return b, nil
}

// outboxColumns is the canonical column list for outbox queries.
const outboxColumns = `id, conversation_id, kind, payload_json, status, attempts, last_error, next_attempt_at, created_at, updated_at`

// scanOutboxMessage scans an OutboxMessage from sql.Rows.
func scanOutboxMessage(rows *sql.Rows) (OutboxMessage, error) {
	var m OutboxMessage
	var status string
	var lastError sql.NullString
	err := rows.Scan(
		&m.ID, &m.ConversationID, &m.Kind, &m.PayloadJSON, &status, &m.Attempts,
		&lastError, &m.NextAttemptAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.Status = OutboxStatus(status)
	m.LastError = lastError.String
	return m, nil
}
