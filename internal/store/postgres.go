// Package store provides storage backends for Botflow.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/chatfuse/botflow/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// SaveSession stores or replaces a session.
func (s *PostgresStore) SaveSession(sess models.Session) error {
	args, err := sessionArgs(sess)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (id) DO UPDATE SET
		   current_node_id = EXCLUDED.current_node_id,
		   status = EXCLUDED.status,
		   variables = EXCLUDED.variables,
		   history = EXCLUDED.history,
		   last_interaction_at = EXCLUDED.last_interaction_at,
		   timeout_at = EXCLUDED.timeout_at,
		   warning_due_at = EXCLUDED.warning_due_at,
		   warning_sent_at = EXCLUDED.warning_sent_at,
		   updated_at = EXCLUDED.updated_at`,
		args...,
	)
	if err != nil {
		slog.Error("PostgresStore SaveSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession retrieves a session by id, or (nil, nil) when absent.
func (s *PostgresStore) GetSession(id string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
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
func (s *PostgresStore) GetLiveSessionByConversation(conversationID string) (*models.Session, error) {
	row := s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE conversation_id = $1 AND status IN ('ACTIVE', 'WAITING')
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

// ClaimDueSessions atomically flips due WAITING sessions to TIMEOUT and
// returns them. SKIP LOCKED keeps concurrent sweepers from double-claiming.
func (s *PostgresStore) ClaimDueSessions(now time.Time, limit int) ([]models.Session, error) {
	rows, err := s.db.Query(
		`UPDATE sessions SET status = 'TIMEOUT', timeout_at = NULL, warning_due_at = NULL, updated_at = $1
		 WHERE id IN (
		   SELECT id FROM sessions WHERE status = 'WAITING' AND timeout_at <= $1
		   ORDER BY timeout_at ASC LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+sessionColumns,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due sessions failed: %w", err)
	}
	defer rows.Close()

	var claimed []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due sessions iteration failed: %w", err)
	}
	return claimed, nil
}

// ClaimDueWarnings atomically stamps warning_sent_at on due WAITING sessions
// and returns them.
func (s *PostgresStore) ClaimDueWarnings(now time.Time, limit int) ([]models.Session, error) {
	rows, err := s.db.Query(
		`UPDATE sessions SET warning_sent_at = $1, updated_at = $1
		 WHERE id IN (
		   SELECT id FROM sessions
		   WHERE status = 'WAITING' AND warning_sent_at IS NULL AND warning_due_at <= $1
		   ORDER BY warning_due_at ASC LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+sessionColumns,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due warnings failed: %w", err)
	}
	defer rows.Close()

	var claimed []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due warnings iteration failed: %w", err)
	}
	return claimed, nil
}

// SaveFlow stores or replaces a flow. Activating a flow deactivates any other
// flow for the same bot.
func (s *PostgresStore) SaveFlow(f models.Flow) error {
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
		if _, err := tx.Exec(`UPDATE flows SET active = FALSE WHERE bot_id = $1 AND id <> $2`, f.BotID, f.ID); err != nil {
			return fmt.Errorf("failed to deactivate flows for bot %s: %w", f.BotID, err)
		}
	}
	_, err = tx.Exec(
		`INSERT INTO flows (id, bot_id, name, active, nodes, edges, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name, active = EXCLUDED.active,
		   nodes = EXCLUDED.nodes, edges = EXCLUDED.edges`,
		f.ID, f.BotID, nilIfEmpty(f.Name), f.Active, nodesJSON, edgesJSON, f.CreatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore SaveFlow failed", "error", err, "flowID", f.ID)
		return fmt.Errorf("failed to save flow %s: %w", f.ID, err)
	}
	return tx.Commit()
}

// GetFlowGraph loads the bot's active flow as an indexed graph, or nil when
// the bot has no active flow.
func (s *PostgresStore) GetFlowGraph(botID string) (*models.FlowGraph, error) {
	row := s.db.QueryRow(
		`SELECT id, nodes, edges FROM flows WHERE bot_id = $1 AND active
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
func (s *PostgresStore) SaveContact(c models.Contact) error {
	fieldsJSON, err := encodeJSON(c.Fields)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO contacts (id, tenant_id, name, phone, fields) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		   tenant_id = EXCLUDED.tenant_id, name = EXCLUDED.name,
		   phone = EXCLUDED.phone, fields = EXCLUDED.fields`,
		c.ID, nilIfEmpty(c.TenantID), nilIfEmpty(c.Name), nilIfEmpty(c.Phone), fieldsJSON,
	)
	if err != nil {
		slog.Error("PostgresStore SaveContact failed", "error", err, "contactID", c.ID)
		return fmt.Errorf("failed to save contact %s: %w", c.ID, err)
	}
	return nil
}

// GetContact retrieves a contact by id, or (nil, nil) when absent.
func (s *PostgresStore) GetContact(id string) (*models.Contact, error) {
	row := s.db.QueryRow(`SELECT id, tenant_id, name, phone, fields FROM contacts WHERE id = $1`, id)
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
func (s *PostgresStore) SaveBot(b models.Bot) error {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   tenant_id = EXCLUDED.tenant_id, name = EXCLUDED.name,
		   catch_all = EXCLUDED.catch_all, triggers = EXCLUDED.triggers,
		   config = EXCLUDED.config`,
		b.ID, b.TenantID, nilIfEmpty(b.Name), b.CatchAll, triggersJSON, configJSON, time.Now(),
	)
	if err != nil {
		slog.Error("PostgresStore SaveBot failed", "error", err, "botID", b.ID)
		return fmt.Errorf("failed to save bot %s: %w", b.ID, err)
	}
	return nil
}

// GetBot retrieves a bot by id, or (nil, nil) when absent.
func (s *PostgresStore) GetBot(id string) (*models.Bot, error) {
	row := s.db.QueryRow(`SELECT id, tenant_id, name, catch_all, triggers, config FROM bots WHERE id = $1`, id)
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
func (s *PostgresStore) ListBotsByTenant(tenantID string) ([]models.Bot, error) {
	rows, err := s.db.Query(
		`SELECT id, tenant_id, name, catch_all, triggers, config FROM bots
		 WHERE tenant_id = $1 ORDER BY created_at ASC`,
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
func (s *PostgresStore) SaveWorkingHours(tenantID string, cfg models.WorkingHoursConfig) error {
	configJSON, err := encodeJSON(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO working_hours (tenant_id, config) VALUES ($1, $2)
		 ON CONFLICT (tenant_id) DO UPDATE SET config = EXCLUDED.config`,
		tenantID, configJSON,
	)
	if err != nil {
		slog.Error("PostgresStore SaveWorkingHours failed", "error", err, "tenantID", tenantID)
		return fmt.Errorf("failed to save working hours for %s: %w", tenantID, err)
	}
	return nil
}

// GetWorkingHours retrieves the tenant's availability schedule, if configured.
func (s *PostgresStore) GetWorkingHours(tenantID string) (*models.WorkingHoursConfig, error) {
	row := s.db.QueryRow(`SELECT config FROM working_hours WHERE tenant_id = $1`, tenantID)
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
func (s *PostgresStore) EnqueueOutboxMessage(msg OutboxMessage) error {
	_, err := s.db.Exec(
		`INSERT INTO outbox (`+outboxColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		msg.ID, msg.ConversationID, msg.Kind, msg.PayloadJSON, string(msg.Status), msg.Attempts,
		nilIfEmpty(msg.LastError), msg.NextAttemptAt, msg.CreatedAt, msg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	return nil
}

// ClaimDueOutboxMessages atomically marks due queued messages as sending and
// returns them.
func (s *PostgresStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	rows, err := s.db.Query(
		`UPDATE outbox SET status = 'sending', updated_at = $1
		 WHERE id IN (
		   SELECT id FROM outbox WHERE status = 'queued' AND next_attempt_at <= $1
		   ORDER BY next_attempt_at ASC LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+outboxColumns,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}
	defer rows.Close()

	var claimed []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due outbox messages iteration failed: %w", err)
	}
	return claimed, nil
}

// MarkOutboxMessageSent marks a message as successfully sent.
func (s *PostgresStore) MarkOutboxMessageSent(id string) error {
	_, err := s.db.Exec(
		`UPDATE outbox SET status = 'sent', updated_at = $1 WHERE id = $2`,
		time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox message sent failed: %w", err)
	}
	return nil
}

// FailOutboxMessage records a send failure and schedules a retry.
func (s *PostgresStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE outbox SET status = 'queued', attempts = attempts + 1, last_error = $1,
		   next_attempt_at = $2, updated_at = $3 WHERE id = $4`,
		errMsg, nextAttemptAt, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

// RequeueStaleSendingMessages resets messages stuck in sending back to queued.
func (s *PostgresStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE outbox SET status = 'queued', updated_at = $1 WHERE status = 'sending' AND updated_at < $2`,
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
