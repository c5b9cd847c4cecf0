// Package store provides storage backends for Botflow.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/chatfuse/botflow/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveSession stores or replaces a session.
func (s *SQLiteStore) SaveSession(sess models.Session) error {
	args, err := sessionArgs(sess)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   current_node_id = excluded.current_node_id,
		   status = excluded.status,
		   variables = excluded.variables,
		   history = excluded.history,
		   last_interaction_at = excluded.last_interaction_at,
		   timeout_at = excluded.timeout_at,
		   warning_due_at = excluded.warning_due_at,
		   warning_sent_at = excluded.warning_sent_at,
		   updated_at = excluded.updated_at`,
		args...,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession retrieves a session by id, or (nil, nil) when absent.
func (s *SQLiteStore) GetSession(id string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSessionRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return &sess, nil
}

// GetLiveSessionByConversation returns the conversation's ACTIVE or WAITING
// session, if any.
func (s *SQLiteStore) GetLiveSessionByConversation(conversationID string) (*models.Session, error) {
	row := s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE conversation_id = ? AND status IN ('ACTIVE', 'WAITING')
		 ORDER BY created_at DESC LIMIT 1`,
		conversationID,
	)
	sess, err := scanSessionRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get live session for %s: %w", conversationID, err)
	}
	return &sess, nil
}

// ClaimDueSessions flips due WAITING sessions to TIMEOUT and returns them.
// SQLite has no SKIP LOCKED; the guarded UPDATE keeps the flip exactly-once.
func (s *SQLiteStore) ClaimDueSessions(now time.Time, limit int) ([]models.Session, error) {
	rows, err := s.db.Query(
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE status = 'WAITING' AND timeout_at <= ? ORDER BY timeout_at ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due sessions query failed: %w", err)
	}
	defer rows.Close()

	var candidates []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due sessions iteration failed: %w", err)
	}

	var claimed []models.Session
	for i := range candidates {
		res, err := s.db.Exec(
			`UPDATE sessions SET status = 'TIMEOUT', timeout_at = NULL, warning_due_at = NULL, updated_at = ?
			 WHERE id = ? AND status = 'WAITING'`,
			now, candidates[i].ID,
		)
		if err != nil {
			return nil, fmt.Errorf("claim session failed: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim session rows affected failed: %w", err)
		}
		if n == 0 {
			continue
		}
		candidates[i].Status = models.SessionStatusTimeout
		candidates[i].TimeoutAt = nil
		candidates[i].WarningDueAt = nil
		candidates[i].UpdatedAt = now
		claimed = append(claimed, candidates[i])
	}
	return claimed, nil
}

// ClaimDueWarnings stamps warning_sent_at on due WAITING sessions and returns them.
func (s *SQLiteStore) ClaimDueWarnings(now time.Time, limit int) ([]models.Session, error) {
	rows, err := s.db.Query(
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE status = 'WAITING' AND warning_sent_at IS NULL AND warning_due_at <= ?
		 ORDER BY warning_due_at ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due warnings query failed: %w", err)
	}
	defer rows.Close()

	var candidates []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due warnings iteration failed: %w", err)
	}

	var claimed []models.Session
	for i := range candidates {
		res, err := s.db.Exec(
			`UPDATE sessions SET warning_sent_at = ?, updated_at = ?
			 WHERE id = ? AND status = 'WAITING' AND warning_sent_at IS NULL`,
			now, now, candidates[i].ID,
		)
		if err != nil {
			return nil, fmt.Errorf("claim warning failed: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim warning rows affected failed: %w", err)
		}
		if n == 0 {
			continue
		}
		stamp := now
		candidates[i].WarningSentAt = &stamp
		candidates[i].UpdatedAt = now
		claimed = append(claimed, candidates[i])
	}
	return claimed, nil
}

// SaveFlow stores or replaces a flow. Activating a flow deactivates any other
// flow for the same bot.
func (s *SQLiteStore) SaveFlow(f models.Flow) error {
	nodesJSON, err := encodeJSON(f.Nodes)
	if err != nil {
		return err
	}
	edgesJSON, err := encodeJSON(f.Edges)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin flow transaction: %w", err)
	}
	defer tx.Rollback()

	if f.Active {
		if _, err := tx.Exec(`UPDATE flows SET active = 0 WHERE bot_id = ? AND id <> ?`, f.BotID, f.ID); err != nil {
			return fmt.Errorf("failed to deactivate flows for bot %s: %w", f.BotID, err)
		}
	}
	_, err = tx.Exec(
		`INSERT INTO flows (id, bot_id, name, active, nodes, edges, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name, active = excluded.active,
		   nodes = excluded.nodes, edges = excluded.edges`,
		f.ID, f.BotID, nilIfEmpty(f.Name), f.Active, nodesJSON, edgesJSON, f.CreatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveFlow failed", "error", err, "flowID", f.ID)
		return fmt.Errorf("failed to save flow %s: %w", f.ID, err)
	}
	return tx.Commit()
}

// GetFlowGraph loads the bot's active flow as an indexed graph, or nil when
// the bot has no active flow.
func (s *SQLiteStore) GetFlowGraph(botID string) (*models.FlowGraph, error) {
	row := s.db.QueryRow(
		`SELECT id, nodes, edges FROM flows WHERE bot_id = ? AND active = 1
		 ORDER BY created_at DESC LIMIT 1`,
		botID,
	)
	var flowID string
	var nodesJSON, edgesJSON sql.NullString
	err := row.Scan(&flowID, &nodesJSON, &edgesJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active flow for bot %s: %w", botID, err)
	}
	var nodes []models.Node
	var edges []models.Edge
	if err := decodeJSON(nodesJSON, &nodes); err != nil {
		return nil, err
	}
	if err := decodeJSON(edgesJSON, &edges); err != nil {
		return nil, err
	}
	return models.NewFlowGraph(flowID, botID, nodes, edges)
}

// SaveContact stores or replaces a contact.
func (s *SQLiteStore) SaveContact(c models.Contact) error {
	fieldsJSON, err := encodeJSON(c.Fields)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO contacts (id, tenant_id, name, phone, fields) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   tenant_id = excluded.tenant_id, name = excluded.name,
		   phone = excluded.phone, fields = excluded.fields`,
		c.ID, nilIfEmpty(c.TenantID), nilIfEmpty(c.Name), nilIfEmpty(c.Phone), fieldsJSON,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveContact failed", "error", err, "contactID", c.ID)
		return fmt.Errorf("failed to save contact %s: %w", c.ID, err)
	}
	return nil
}

// GetContact retrieves a contact by id, or (nil, nil) when absent.
func (s *SQLiteStore) GetContact(id string) (*models.Contact, error) {
	row := s.db.QueryRow(`SELECT id, tenant_id, name, phone, fields FROM contacts WHERE id = ?`, id)
	var c models.Contact
	var tenantID, name, phone, fieldsJSON sql.NullString
	err := row.Scan(&c.ID, &tenantID, &name, &phone, &fieldsJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact %s: %w", id, err)
	}
	c.TenantID = tenantID.String
	c.Name = name.String
	c.Phone = phone.String
	if err := decodeJSON(fieldsJSON, &c.Fields); err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveBot stores or replaces a bot.
func (s *SQLiteStore) SaveBot(b models.Bot) error {
	triggersJSON, err := encodeJSON(b.Triggers)
	if err != nil {
		return err
	}
	configJSON, err := encodeJSON(b.Config)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO bots (id, tenant_id, name, catch_all, triggers, config, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   tenant_id = excluded.tenant_id, name = excluded.name,
		   catch_all = excluded.catch_all, triggers = excluded.triggers,
		   config = excluded.config`,
		b.ID, b.TenantID, nilIfEmpty(b.Name), b.CatchAll, triggersJSON, configJSON, time.Now(),
	)
	if err != nil {
		slog.Error("SQLiteStore SaveBot failed", "error", err, "botID", b.ID)
		return fmt.Errorf("failed to save bot %s: %w", b.ID, err)
	}
	return nil
}

// GetBot retrieves a bot by id, or (nil, nil) when absent.
func (s *SQLiteStore) GetBot(id string) (*models.Bot, error) {
	row := s.db.QueryRow(`SELECT id, tenant_id, name, catch_all, triggers, config FROM bots WHERE id = ?`, id)
	b, err := scanBotRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bot %s: %w", id, err)
	}
	return &b, nil
}

// ListBotsByTenant returns the tenant's bots ordered by creation time.
func (s *SQLiteStore) ListBotsByTenant(tenantID string) ([]models.Bot, error) {
	rows, err := s.db.Query(
		`SELECT id, tenant_id, name, catch_all, triggers, config FROM bots
		 WHERE tenant_id = ? ORDER BY created_at ASC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list bots for tenant %s: %w", tenantID, err)
	}
	defer rows.Close()

	var bots []models.Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bot rows: %w", err)
	}
	return bots, nil
}

// SaveWorkingHours stores the tenant's availability schedule.
func (s *SQLiteStore) SaveWorkingHours(tenantID string, cfg models.WorkingHoursConfig) error {
	configJSON, err := encodeJSON(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO working_hours (tenant_id, config) VALUES (?, ?)
		 ON CONFLICT(tenant_id) DO UPDATE SET config = excluded.config`,
		tenantID, configJSON,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveWorkingHours failed", "error", err, "tenantID", tenantID)
		return fmt.Errorf("failed to save working hours for %s: %w", tenantID, err)
	}
	return nil
}

// GetWorkingHours retrieves the tenant's availability schedule, if configured.
func (s *SQLiteStore) GetWorkingHours(tenantID string) (*models.WorkingHoursConfig, error) {
	row := s.db.QueryRow(`SELECT config FROM working_hours WHERE tenant_id = ?`, tenantID)
	var configJSON sql.NullString
	err := row.Scan(&configJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get working hours for %s: %w", tenantID, err)
	}
	var cfg models.WorkingHoursConfig
	if err := decodeJSON(configJSON, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// EnqueueOutboxMessage inserts a new outbox message.
func (s *SQLiteStore) EnqueueOutboxMessage(msg OutboxMessage) error {
	_, err := s.db.Exec(
		`INSERT INTO outbox (`+outboxColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Kind, msg.PayloadJSON, string(msg.Status), msg.Attempts,
		nilIfEmpty(msg.LastError), msg.NextAttemptAt, msg.CreatedAt, msg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	return nil
}

// ClaimDueOutboxMessages marks due queued messages as sending and returns them.
func (s *SQLiteStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	rows, err := s.db.Query(
		`SELECT `+outboxColumns+` FROM outbox
		 WHERE status = 'queued' AND next_attempt_at <= ? ORDER BY next_attempt_at ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages query failed: %w", err)
	}
	defer rows.Close()

	var candidates []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due outbox messages iteration failed: %w", err)
	}

	var claimed []OutboxMessage
	for i := range candidates {
		res, err := s.db.Exec(
			`UPDATE outbox SET status = 'sending', updated_at = ? WHERE id = ? AND status = 'queued'`,
			now, candidates[i].ID,
		)
		if err != nil {
			return nil, fmt.Errorf("mark outbox message sending failed: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("mark outbox message sending rows affected failed: %w", err)
		}
		if n == 0 {
			continue
		}
		candidates[i].Status = OutboxStatusSending
		candidates[i].UpdatedAt = now
		claimed = append(claimed, candidates[i])
	}
	return claimed, nil
}

// MarkOutboxMessageSent marks a message as successfully sent.
func (s *SQLiteStore) MarkOutboxMessageSent(id string) error {
	_, err := s.db.Exec(
		`UPDATE outbox SET status = 'sent', updated_at = ? WHERE id = ?`,
		time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox message sent failed: %w", err)
	}
	return nil
}

// FailOutboxMessage records a send failure and schedules a retry.
func (s *SQLiteStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE outbox SET status = 'queued', attempts = attempts + 1, last_error = ?,
		   next_attempt_at = ?, updated_at = ? WHERE id = ?`,
		errMsg, nextAttemptAt, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

// RequeueStaleSendingMessages resets messages stuck in sending back to queued.
func (s *SQLiteStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE outbox SET status = 'queued', updated_at = ? WHERE status = 'sending' AND updated_at < ?`,
		time.Now(), staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages rows affected failed: %w", err)
	}
	return int(n), nil
}
