// Package store provides storage backends for Botflow.
//
// It includes an in-memory store for tests and development, plus SQLite and
// PostgreSQL backends sharing one schema.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chatfuse/botflow/internal/models"
)

// Store is the persistence surface consumed by the engine and the API. Get
// methods return (nil, nil) when the record does not exist.
type Store interface {
	SaveSession(s models.Session) error
	GetSession(id string) (*models.Session, error)
	GetLiveSessionByConversation(conversationID string) (*models.Session, error)
	// ClaimDueSessions atomically flips WAITING sessions whose deadline has
	// elapsed to TIMEOUT and returns the claimed rows.
	ClaimDueSessions(now time.Time, limit int) ([]models.Session, error)
	// ClaimDueWarnings atomically stamps warning_sent_at on WAITING sessions
	// whose warning is due and returns the claimed rows.
	ClaimDueWarnings(now time.Time, limit int) ([]models.Session, error)

	SaveFlow(f models.Flow) error
	// GetFlowGraph loads the bot's active flow as an indexed graph.
	GetFlowGraph(botID string) (*models.FlowGraph, error)

	SaveContact(c models.Contact) error
	GetContact(id string) (*models.Contact, error)

	SaveBot(b models.Bot) error
	GetBot(id string) (*models.Bot, error)
	ListBotsByTenant(tenantID string) ([]models.Bot, error)

	SaveWorkingHours(tenantID string, cfg models.WorkingHoursConfig) error
	GetWorkingHours(tenantID string) (*models.WorkingHoursConfig, error)
}

// Opts holds configuration options for store constructors.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports "postgres" for PostgreSQL connection strings and
// "sqlite" for anything else (file paths).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}

// InMemoryStore is a mutex-guarded Store and OutboxRepo used by tests and
// single-process development setups.
type InMemoryStore struct {
	mu           sync.RWMutex
	sessions     map[string]models.Session
	flows        map[string]models.Flow
	contacts     map[string]models.Contact
	bots         map[string]models.Bot
	botOrder     []string
	workingHours map[string]models.WorkingHoursConfig
	outbox       map[string]OutboxMessage
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:     make(map[string]models.Session),
		flows:        make(map[string]models.Flow),
		contacts:     make(map[string]models.Contact),
		bots:         make(map[string]models.Bot),
		workingHours: make(map[string]models.WorkingHoursConfig),
		outbox:       make(map[string]OutboxMessage),
	}
}

// SaveSession stores or replaces a session.
func (s *InMemoryStore) SaveSession(sess models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

// GetSession retrieves a session by id.
func (s *InMemoryStore) GetSession(id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	out := cloneSession(sess)
	return &out, nil
}

// GetLiveSessionByConversation returns the conversation's ACTIVE or WAITING
// session, if any.
func (s *InMemoryStore) GetLiveSessionByConversation(conversationID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.ConversationID == conversationID && sess.IsLive() {
			out := cloneSession(sess)
			return &out, nil
		}
	}
	return nil, nil
}

// ClaimDueSessions flips due WAITING sessions to TIMEOUT and returns them.
func (s *InMemoryStore) ClaimDueSessions(now time.Time, limit int) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []models.Session
	for id, sess := range s.sessions {
		if len(claimed) == limit {
			break
		}
		if sess.Status == models.SessionStatusWaiting && sess.TimeoutAt != nil && !now.Before(*sess.TimeoutAt) {
			sess.Status = models.SessionStatusTimeout
			sess.TimeoutAt = nil
			sess.WarningDueAt = nil
			sess.UpdatedAt = now
			s.sessions[id] = sess
			claimed = append(claimed, cloneSession(sess))
		}
	}
	return claimed, nil
}

// ClaimDueWarnings stamps warning_sent_at on due WAITING sessions and returns them.
func (s *InMemoryStore) ClaimDueWarnings(now time.Time, limit int) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []models.Session
	for id, sess := range s.sessions {
		if len(claimed) == limit {
			break
		}
		if sess.Status == models.SessionStatusWaiting && sess.WarningSentAt == nil &&
			sess.WarningDueAt != nil && !now.Before(*sess.WarningDueAt) {
			stamp := now
			sess.WarningSentAt = &stamp
			sess.UpdatedAt = now
			s.sessions[id] = sess
			claimed = append(claimed, cloneSession(sess))
		}
	}
	return claimed, nil
}

// SaveFlow stores or replaces a flow. Activating a flow deactivates any other
// flow for the same bot.
func (s *InMemoryStore) SaveFlow(f models.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.Active {
		for id, other := range s.flows {
			if other.BotID == f.BotID && other.ID != f.ID && other.Active {
				other.Active = false
				s.flows[id] = other
			}
		}
	}
	s.flows[f.ID] = f
	return nil
}

// GetFlowGraph loads the bot's active flow as an indexed graph, or nil when
// the bot has no active flow.
func (s *InMemoryStore) GetFlowGraph(botID string) (*models.FlowGraph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.flows {
		if f.BotID == botID && f.Active {
			return models.NewFlowGraph(f.ID, f.BotID, f.Nodes, f.Edges)
		}
	}
	return nil, nil
}

// SaveContact stores or replaces a contact.
func (s *InMemoryStore) SaveContact(c models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.ID] = c
	return nil
}

// GetContact retrieves a contact by id.
func (s *InMemoryStore) GetContact(id string) (*models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// SaveBot stores or replaces a bot, preserving first-saved ordering for
// trigger matching.
func (s *InMemoryStore) SaveBot(b models.Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.bots[b.ID]; !exists {
		s.botOrder = append(s.botOrder, b.ID)
	}
	s.bots[b.ID] = b
	return nil
}

// GetBot retrieves a bot by id.
func (s *InMemoryStore) GetBot(id string) (*models.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bots[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

// ListBotsByTenant returns the tenant's bots in insertion order.
func (s *InMemoryStore) ListBotsByTenant(tenantID string) ([]models.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var bots []models.Bot
	for _, id := range s.botOrder {
		if b := s.bots[id]; b.TenantID == tenantID {
			bots = append(bots, b)
		}
	}
	return bots, nil
}

// SaveWorkingHours stores the tenant's availability schedule.
func (s *InMemoryStore) SaveWorkingHours(tenantID string, cfg models.WorkingHoursConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workingHours[tenantID] = cfg
	return nil
}

// GetWorkingHours retrieves the tenant's availability schedule, if configured.
func (s *InMemoryStore) GetWorkingHours(tenantID string) (*models.WorkingHoursConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.workingHours[tenantID]
	if !ok {
		return nil, nil
	}
	return &cfg, nil
}

// EnqueueOutboxMessage inserts a new outbox message.
func (s *InMemoryStore) EnqueueOutboxMessage(msg OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox[msg.ID] = msg
	return nil
}

// ClaimDueOutboxMessages marks due queued messages as sending and returns them.
func (s *InMemoryStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []OutboxMessage
	for id, msg := range s.outbox {
		if len(claimed) == limit {
			break
		}
		if msg.Status == OutboxStatusQueued && !msg.NextAttemptAt.After(now) {
			msg.Status = OutboxStatusSending
			msg.UpdatedAt = now
			s.outbox[id] = msg
			claimed = append(claimed, msg)
		}
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].CreatedAt.Before(claimed[j].CreatedAt) })
	return claimed, nil
}

// MarkOutboxMessageSent marks a message as successfully sent.
func (s *InMemoryStore) MarkOutboxMessageSent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.outbox[id]; ok {
		msg.Status = OutboxStatusSent
		msg.UpdatedAt = time.Now()
		s.outbox[id] = msg
	}
	return nil
}

// FailOutboxMessage records a send failure and schedules a retry.
func (s *InMemoryStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.outbox[id]; ok {
		msg.Status = OutboxStatusQueued
		msg.Attempts++
		msg.LastError = errMsg
		msg.NextAttemptAt = nextAttemptAt
		msg.UpdatedAt = time.Now()
		s.outbox[id] = msg
	}
	return nil
}

// RequeueStaleSendingMessages resets messages stuck in sending back to queued.
func (s *InMemoryStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, msg := range s.outbox {
		if msg.Status == OutboxStatusSending && msg.UpdatedAt.Before(staleBefore) {
			msg.Status = OutboxStatusQueued
			s.outbox[id] = msg
			n++
		}
	}
	return n, nil
}

func cloneSession(s models.Session) models.Session {
	out := s
	if s.Variables != nil {
		out.Variables = make(map[string]string, len(s.Variables))
		for k, v := range s.Variables {
			out.Variables[k] = v
		}
	}
	if s.History != nil {
		out.History = append([]models.HistoryEntry(nil), s.History...)
	}
	return out
}
