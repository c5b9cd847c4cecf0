package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chatfuse/botflow/internal/models"
)

// dispatchAction resolves one configured terminal bot action. The same
// dispatch serves timeout expiry, unrecoverable no-match, and natural
// end-of-flow; each caller reads its action/message/target triple from its
// own configuration source. BotActionMessage is a no-op here because the
// caller has already sent the configured message.
func (e *Engine) dispatchAction(ctx context.Context, session *models.Session, cfg models.ActionConfig) error {
	switch cfg.Action {
	case models.BotActionUnassign:
		if err := e.convs.Unassign(ctx, session.ConversationID); err != nil {
			slog.Error("unassign action failed", "conversationID", session.ConversationID, "error", err)
			return fmt.Errorf("unassign conversation: %w", err)
		}
	case models.BotActionAssignUser:
		if cfg.UserID == "" {
			slog.Warn("assign_user action has no user id, skipping", "conversationID", session.ConversationID)
			return nil
		}
		if err := e.convs.Assign(ctx, session.ConversationID, cfg.UserID); err != nil {
			slog.Error("assign_user action failed", "conversationID", session.ConversationID, "userID", cfg.UserID, "error", err)
			return fmt.Errorf("assign conversation: %w", err)
		}
	case models.BotActionAssignBot:
		if cfg.BotID == "" {
			slog.Warn("assign_bot action has no bot id, skipping", "conversationID", session.ConversationID)
			return nil
		}
		contact, err := e.store.GetContact(session.ContactID)
		if err != nil {
			slog.Error("contact lookup failed for assign_bot", "contactID", session.ContactID, "error", err)
		}
		return e.startNestedSession(ctx, cfg.BotID, session.ConversationID, contact)
	case models.BotActionMessage, models.BotActionNone:
		// Message already sent by the caller; nothing to dispatch.
	default:
		slog.Warn("unknown bot action, skipping", "action", cfg.Action, "conversationID", session.ConversationID)
	}
	return nil
}

// startNestedSession starts a session for another bot on the same
// conversation. The caller already holds the conversation lock and has
// completed the current session.
func (e *Engine) startNestedSession(ctx context.Context, botID, conversationID string, contact *models.Contact) error {
	bot, err := e.store.GetBot(botID)
	if err != nil {
		return fmt.Errorf("load bot %s: %w", botID, err)
	}
	if bot == nil {
		slog.Error("assign_bot target does not exist", "botID", botID, "conversationID", conversationID)
		return nil
	}
	slog.Info("starting nested session", "botID", botID, "conversationID", conversationID)
	_, err = e.startSession(ctx, bot, conversationID, contact)
	return err
}

// trimInput normalizes a question reply before option matching. Only
// surrounding whitespace is removed; matching stays case-sensitive because
// option ids are exact identifiers.
func trimInput(text string) string {
	return strings.TrimSpace(text)
}

// LoggingConversationGateway is a ConversationGateway for deployments where
// conversation assignment lives in an external system reached elsewhere. It
// records the requested transitions in the log and succeeds.
type LoggingConversationGateway struct{}

// Resolve logs the conversation resolution request.
func (LoggingConversationGateway) Resolve(ctx context.Context, conversationID string) error {
	slog.Info("conversation resolved", "conversationID", conversationID)
	return nil
}

// Assign logs the conversation assignment request.
func (LoggingConversationGateway) Assign(ctx context.Context, conversationID, userID string) error {
	slog.Info("conversation assigned", "conversationID", conversationID, "userID", userID)
	return nil
}

// Unassign logs the conversation unassignment request.
func (LoggingConversationGateway) Unassign(ctx context.Context, conversationID string) error {
	slog.Info("conversation unassigned", "conversationID", conversationID)
	return nil
}
