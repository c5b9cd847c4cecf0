package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatfuse/botflow/internal/models"
)

// sweepBatchSize bounds how many sessions one timeout sweep pass claims.
const sweepBatchSize = 50

// Store is the persistence surface the engine consumes. The store package
// backends satisfy it; tests use an in-memory implementation.
type Store interface {
	SaveSession(s models.Session) error
	GetSession(id string) (*models.Session, error)
	GetLiveSessionByConversation(conversationID string) (*models.Session, error)
	// ClaimDueSessions atomically flips WAITING sessions past their deadline
	// to TIMEOUT and returns the claimed rows, so repeated sweeps handle each
	// expiry exactly once.
	ClaimDueSessions(now time.Time, limit int) ([]models.Session, error)
	// ClaimDueWarnings atomically stamps warning_sent_at on WAITING sessions
	// whose warning is due and returns the claimed rows.
	ClaimDueWarnings(now time.Time, limit int) ([]models.Session, error)
	GetFlowGraph(botID string) (*models.FlowGraph, error)
	GetContact(id string) (*models.Contact, error)
	GetBot(id string) (*models.Bot, error)
	ListBotsByTenant(tenantID string) ([]models.Bot, error)
	GetWorkingHours(tenantID string) (*models.WorkingHoursConfig, error)
}

// Sender hands one outbound intent to the transport collaborator. Delivery is
// at-least-once; a queueing layer owns retries.
type Sender interface {
	Send(ctx context.Context, intent models.Intent) error
}

// ConversationGateway performs conversation-level side effects owned by the
// surrounding system: resolving and (un)assigning conversations.
type ConversationGateway interface {
	Resolve(ctx context.Context, conversationID string) error
	Assign(ctx context.Context, conversationID, userID string) error
	Unassign(ctx context.Context, conversationID string) error
}

// Engine drives conversations through authored flow graphs, one inbound event
// at a time. Invocations for different conversations are independent;
// invocations for the same conversation are serialized on a per-conversation
// lock so a rapid double message or a sweep race observes already-advanced
// state and no-ops.
type Engine struct {
	store  Store
	sender Sender
	convs  ConversationGateway
	clock  func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option defines a configuration option for the Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// NewEngine creates a flow engine over the given collaborators.
func NewEngine(st Store, sender Sender, convs ConversationGateway, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		sender: sender,
		convs:  convs,
		clock:  time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// lockConversation serializes engine steps for one conversation.
func (e *Engine) lockConversation(conversationID string) func() {
	e.mu.Lock()
	l, ok := e.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[conversationID] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// HandleInbound is the engine facade for one inbound message: continue the
// conversation's live session if one exists, otherwise match a bot trigger
// and start a new session.
func (e *Engine) HandleInbound(ctx context.Context, msg models.InboundMessage) error {
	slog.Debug("handling inbound message", "conversationID", msg.ConversationID, "body_length", len(msg.Body))

	live, err := e.store.GetLiveSessionByConversation(msg.ConversationID)
	if err != nil {
		return fmt.Errorf("load live session: %w", err)
	}
	if live != nil {
		bot, err := e.store.GetBot(live.BotID)
		if err != nil {
			return fmt.Errorf("load bot %s: %w", live.BotID, err)
		}
		if bot == nil {
			slog.Error("live session references missing bot", "sessionID", live.ID, "botID", live.BotID)
			return nil
		}
		return e.ContinueSession(ctx, bot, live.ID, msg.Body)
	}

	bots, err := e.store.ListBotsByTenant(msg.TenantID)
	if err != nil {
		return fmt.Errorf("list bots for tenant %s: %w", msg.TenantID, err)
	}
	bot := MatchBot(bots, msg.Body)
	if bot == nil {
		slog.Debug("no bot matched inbound message", "tenantID", msg.TenantID, "conversationID", msg.ConversationID)
		return nil
	}
	contact, err := e.store.GetContact(msg.ContactID)
	if err != nil {
		return fmt.Errorf("load contact %s: %w", msg.ContactID, err)
	}
	_, err = e.StartSession(ctx, bot, msg.ConversationID, contact)
	return err
}

// StartSession force-completes any live session for the conversation, creates
// a fresh session at the flow's start node, and executes the opening node
// chain. It returns (nil, nil) when the bot's flow has no nodes.
func (e *Engine) StartSession(ctx context.Context, bot *models.Bot, conversationID string, contact *models.Contact) (*models.Session, error) {
	unlock := e.lockConversation(conversationID)
	defer unlock()
	return e.startSession(ctx, bot, conversationID, contact)
}

// startSession is StartSession with the conversation lock already held, so
// nested assign-bot starts do not self-deadlock.
func (e *Engine) startSession(ctx context.Context, bot *models.Bot, conversationID string, contact *models.Contact) (*models.Session, error) {
	now := e.clock()

	live, err := e.store.GetLiveSessionByConversation(conversationID)
	if err != nil {
		return nil, fmt.Errorf("load live session: %w", err)
	}
	if live != nil {
		live.Status = models.SessionStatusCompleted
		live.TimeoutAt = nil
		live.WarningDueAt = nil
		live.UpdatedAt = now
		if err := e.store.SaveSession(*live); err != nil {
			return nil, fmt.Errorf("force-complete session %s: %w", live.ID, err)
		}
		slog.Info("force-completed previous session", "sessionID", live.ID, "conversationID", conversationID)
	}

	graph, err := e.store.GetFlowGraph(bot.ID)
	if err != nil {
		return nil, fmt.Errorf("load flow graph for bot %s: %w", bot.ID, err)
	}
	if graph == nil || graph.Len() == 0 {
		slog.Warn("bot has no active flow or flow has no nodes", "botID", bot.ID)
		return nil, nil
	}
	if roots := graph.Roots(); len(roots) > 1 {
		slog.Warn("flow has multiple root nodes, using earliest-created node", "flowID", graph.FlowID, "roots", len(roots))
	}
	start, err := graph.StartNode()
	if err != nil {
		slog.Warn("flow has no resolvable start node", "botID", bot.ID, "error", err)
		return nil, nil
	}

	contactID := ""
	if contact != nil {
		contactID = contact.ID
	}
	session := &models.Session{
		ID:                uuid.NewString(),
		BotID:             bot.ID,
		FlowID:            graph.FlowID,
		ConversationID:    conversationID,
		ContactID:         contactID,
		Status:            models.SessionStatusActive,
		Variables:         make(map[string]string),
		LastInteractionAt: now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.store.SaveSession(*session); err != nil {
		return nil, fmt.Errorf("save new session: %w", err)
	}
	slog.Info("session started", "sessionID", session.ID, "botID", bot.ID, "conversationID", conversationID, "startNodeID", start.ID)

	ec := &execContext{graph: graph, bot: bot, contact: contact, session: session}
	if err := e.runFrom(ctx, ec, start.ID); err != nil {
		return session, err
	}
	return session, nil
}

// ContinueSession resumes a session on a new inbound message. A session past
// its wait deadline is routed to the timeout handler instead of normal
// continuation, even though fresh input arrived.
func (e *Engine) ContinueSession(ctx context.Context, bot *models.Bot, sessionID, inboundText string) error {
	session, err := e.store.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if session == nil {
		slog.Debug("continue requested for unknown session", "sessionID", sessionID)
		return nil
	}

	unlock := e.lockConversation(session.ConversationID)
	defer unlock()

	// Re-read under the lock: a concurrent step may have advanced or ended it.
	session, err = e.store.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if session == nil || !session.IsLive() {
		slog.Debug("session no longer live, ignoring input", "sessionID", sessionID)
		return nil
	}

	now := e.clock()
	if session.TimeoutAt != nil && !now.Before(*session.TimeoutAt) {
		slog.Info("session past wait deadline, routing to timeout", "sessionID", session.ID)
		session.Status = models.SessionStatusTimeout
		session.TimeoutAt = nil
		session.WarningDueAt = nil
		session.UpdatedAt = now
		if err := e.store.SaveSession(*session); err != nil {
			return fmt.Errorf("save timed-out session: %w", err)
		}
		return e.handleTimedOutSession(ctx, bot, session)
	}

	session.Status = models.SessionStatusActive
	session.LastInteractionAt = now
	session.TimeoutAt = nil
	session.WarningDueAt = nil
	session.WarningSentAt = nil
	session.UpdatedAt = now
	if err := e.store.SaveSession(*session); err != nil {
		return fmt.Errorf("save resumed session: %w", err)
	}

	graph, err := e.store.GetFlowGraph(bot.ID)
	if err != nil {
		return fmt.Errorf("load flow graph for bot %s: %w", bot.ID, err)
	}
	contact, err := e.store.GetContact(session.ContactID)
	if err != nil {
		slog.Error("contact lookup failed, continuing without fields", "contactID", session.ContactID, "error", err)
	}
	ec := &execContext{graph: graph, bot: bot, contact: contact, session: session}

	if graph == nil || graph.Len() == 0 {
		slog.Error("session's flow no longer has nodes", "sessionID", session.ID, "botID", bot.ID)
		return e.completeSession(ctx, ec, false)
	}
	node, ok := graph.NodeByID(session.CurrentNodeID)
	if !ok {
		slog.Error("session's current node missing from flow", "sessionID", session.ID, "nodeID", session.CurrentNodeID)
		return e.completeSession(ctx, ec, false)
	}

	if node.Type == models.NodeTypeQuestionButton {
		return e.continueQuestion(ctx, ec, node, inboundText)
	}

	next, hasNext := resolveNextEdge(graph, node, "")
	if !hasNext {
		return e.completeSession(ctx, ec, true)
	}
	return e.runFrom(ctx, ec, next)
}

// continueQuestion processes the contact's reply to a question node: the raw
// input is stored into the node's variable, then matched against OPTION edges.
func (e *Engine) continueQuestion(ctx context.Context, ec *execContext, node *models.Node, inboundText string) error {
	if node.VariableName != "" {
		ec.session.SetVariable(node.VariableName, inboundText)
		if err := e.store.SaveSession(*ec.session); err != nil {
			return fmt.Errorf("save answer variable: %w", err)
		}
	}

	input := trimInput(inboundText)
	next, matched := resolveNextEdge(ec.graph, node, input)
	if matched {
		return e.runFrom(ctx, ec, next)
	}

	if node.UseFallback && node.FallbackNodeID != "" {
		slog.Debug("question input unmatched, following fallback", "sessionID", ec.session.ID, "nodeID", node.ID)
		return e.runFrom(ctx, ec, node.FallbackNodeID)
	}

	return e.handleNoMatch(ctx, ec, node)
}

// handleNoMatch covers an unmatched question reply with no fallback. When the
// bot's no-match action is terminal (unassign or an assignment) the session
// ends through the action dispatcher; otherwise the configured no-match
// message is sent and the session re-enters WAITING on the same node, with no
// extra history entry for the re-visit.
func (e *Engine) handleNoMatch(ctx context.Context, ec *execContext, node *models.Node) error {
	cfg := ec.bot.Config.NoMatch
	slog.Info("no matching option for question input", "sessionID", ec.session.ID, "nodeID", node.ID, "action", cfg.Action)

	if cfg.Message != "" {
		if err := e.sendText(ctx, ec, cfg.Message); err != nil {
			return err
		}
	}

	switch cfg.Action {
	case models.BotActionUnassign, models.BotActionAssignUser, models.BotActionAssignBot:
		if err := e.completeSession(ctx, ec, false); err != nil {
			return err
		}
		return e.dispatchAction(ctx, ec.session, cfg)
	default:
		return e.parkWaiting(ec)
	}
}

// parkWaiting transitions the session to WAITING with a fresh wait deadline
// and, when the bot has a warning threshold, an about-to-end warning due time.
func (e *Engine) parkWaiting(ec *execContext) error {
	now := e.clock()
	wait := ec.bot.Config.WaitMinutes
	if wait <= 0 {
		wait = models.DefaultWaitMinutes
	}
	deadline := now.Add(time.Duration(wait) * time.Minute)

	ec.session.Status = models.SessionStatusWaiting
	ec.session.TimeoutAt = &deadline
	ec.session.WarningSentAt = nil
	ec.session.WarningDueAt = nil
	if warn := ec.bot.Config.WarningMinutes; warn > 0 && warn < wait {
		due := deadline.Add(-time.Duration(warn) * time.Minute)
		ec.session.WarningDueAt = &due
	}
	ec.session.UpdatedAt = now
	if err := e.store.SaveSession(*ec.session); err != nil {
		return fmt.Errorf("park session waiting: %w", err)
	}
	slog.Debug("session waiting for input", "sessionID", ec.session.ID, "nodeID", ec.session.CurrentNodeID, "timeoutAt", deadline)
	return nil
}

// completeSession terminates the session. When the end was natural (the graph
// yielded no next node) the bot's end-of-conversation message and action run.
func (e *Engine) completeSession(ctx context.Context, ec *execContext, natural bool) error {
	now := e.clock()
	ec.session.Status = models.SessionStatusCompleted
	ec.session.TimeoutAt = nil
	ec.session.WarningDueAt = nil
	ec.session.UpdatedAt = now
	if err := e.store.SaveSession(*ec.session); err != nil {
		return fmt.Errorf("save completed session: %w", err)
	}
	slog.Info("session completed", "sessionID", ec.session.ID, "natural", natural)

	if !natural {
		return nil
	}
	cfg := ec.bot.Config.EndConversation
	if cfg.Message != "" {
		if err := e.sendText(ctx, ec, cfg.Message); err != nil {
			return err
		}
	}
	return e.dispatchAction(ctx, ec.session, cfg)
}

// SweepTimeouts is the scheduler entry point: it claims WAITING sessions past
// their deadline and fires the configured timeout action for each, then sends
// due about-to-end warnings. Both claims are idempotent under repeated calls.
func (e *Engine) SweepTimeouts(ctx context.Context) error {
	now := e.clock()

	due, err := e.store.ClaimDueSessions(now, sweepBatchSize)
	if err != nil {
		return fmt.Errorf("claim due sessions: %w", err)
	}
	for i := range due {
		if err := e.handleClaimedTimeout(ctx, &due[i]); err != nil {
			slog.Error("timeout handling failed", "sessionID", due[i].ID, "error", err)
		}
	}

	warnings, err := e.store.ClaimDueWarnings(now, sweepBatchSize)
	if err != nil {
		return fmt.Errorf("claim due warnings: %w", err)
	}
	for i := range warnings {
		if err := e.sendWarning(ctx, &warnings[i]); err != nil {
			slog.Error("warning send failed", "sessionID", warnings[i].ID, "error", err)
		}
	}

	if len(due) > 0 || len(warnings) > 0 {
		slog.Info("timeout sweep processed sessions", "timeouts", len(due), "warnings", len(warnings))
	}
	return nil
}

// handleClaimedTimeout runs the timeout action for a session the sweep
// already flipped to TIMEOUT.
func (e *Engine) handleClaimedTimeout(ctx context.Context, session *models.Session) error {
	unlock := e.lockConversation(session.ConversationID)
	defer unlock()

	bot, err := e.store.GetBot(session.BotID)
	if err != nil {
		return fmt.Errorf("load bot %s: %w", session.BotID, err)
	}
	if bot == nil {
		slog.Error("timed-out session references missing bot", "sessionID", session.ID, "botID", session.BotID)
		return nil
	}
	return e.handleTimedOutSession(ctx, bot, session)
}

// handleTimedOutSession sends the bot's timeout message, if any, and
// dispatches the timeout action. The session status is already TIMEOUT.
func (e *Engine) handleTimedOutSession(ctx context.Context, bot *models.Bot, session *models.Session) error {
	contact, err := e.store.GetContact(session.ContactID)
	if err != nil {
		slog.Error("contact lookup failed during timeout", "contactID", session.ContactID, "error", err)
	}
	ec := &execContext{bot: bot, contact: contact, session: session}

	cfg := bot.Config.Timeout
	if cfg.Message != "" {
		if err := e.sendText(ctx, ec, cfg.Message); err != nil {
			return err
		}
	}
	slog.Info("session timed out", "sessionID", session.ID, "action", cfg.Action)
	return e.dispatchAction(ctx, session, cfg)
}

// sendWarning delivers the one-time about-to-end notice. The claim already
// stamped warning_sent_at, so a retry of the sweep will not send it twice.
func (e *Engine) sendWarning(ctx context.Context, session *models.Session) error {
	bot, err := e.store.GetBot(session.BotID)
	if err != nil {
		return fmt.Errorf("load bot %s: %w", session.BotID, err)
	}
	if bot == nil || bot.Config.WarningMessage == "" {
		return nil
	}
	contact, err := e.store.GetContact(session.ContactID)
	if err != nil {
		slog.Error("contact lookup failed during warning", "contactID", session.ContactID, "error", err)
	}
	ec := &execContext{bot: bot, contact: contact, session: session}
	return e.sendText(ctx, ec, bot.Config.WarningMessage)
}

// send fills in intent identity fields, validates, and hands the intent to
// the transport collaborator. Send failures surface to the caller; the
// session was persisted before the send, so state stays consistent at the
// last executed node.
func (e *Engine) send(ctx context.Context, ec *execContext, intent models.Intent) error {
	intent.ID = uuid.NewString()
	intent.ConversationID = ec.session.ConversationID
	if intent.To == "" && ec.contact != nil {
		intent.To = ec.contact.Phone
	}
	if intent.To == "" {
		intent.To = ec.session.ConversationID
	}
	if err := intent.Validate(); err != nil {
		slog.Error("outbound intent invalid, skipping", "sessionID", ec.session.ID, "kind", intent.Kind, "error", err)
		return nil
	}
	if err := e.sender.Send(ctx, intent); err != nil {
		slog.Error("outbound send failed", "sessionID", ec.session.ID, "intentID", intent.ID, "kind", intent.Kind, "error", err)
		return fmt.Errorf("send %s intent: %w", intent.Kind, err)
	}
	slog.Debug("outbound intent sent", "sessionID", ec.session.ID, "intentID", intent.ID, "kind", intent.Kind)
	return nil
}

// sendText sends an interpolated plain-text message to the session's contact.
func (e *Engine) sendText(ctx context.Context, ec *execContext, body string) error {
	return e.send(ctx, ec, models.Intent{
		Kind: models.IntentKindText,
		Body: Interpolate(body, ec.contact, ec.session.Variables),
	})
}
