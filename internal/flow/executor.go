package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chatfuse/botflow/internal/models"
)

// maxChainedNodes bounds how many nodes a single engine step may auto-chain
// through. Author-created graphs can contain cycles; exceeding the budget
// completes the session instead of looping forever.
const maxChainedNodes = 64

// execContext carries the loaded collaborator data for one engine step.
type execContext struct {
	graph   *models.FlowGraph
	bot     *models.Bot
	contact *models.Contact
	session *models.Session
}

// runFrom executes the node chain starting at nodeID. Non-terminal nodes
// auto-chain to their next edge within the same step; the loop stops when a
// question node parks the session, a terminal node ends it, or no next node
// exists. The session is persisted after every visit so a failed send leaves
// current_node_id and history at exactly the point reached.
func (e *Engine) runFrom(ctx context.Context, ec *execContext, nodeID string) error {
	current := nodeID
	for steps := 0; ; steps++ {
		if steps >= maxChainedNodes {
			slog.Error("node chain budget exceeded, completing session",
				"sessionID", ec.session.ID, "flowID", ec.graph.FlowID, "nodeID", current, "budget", maxChainedNodes)
			return e.completeSession(ctx, ec, false)
		}

		node, ok := ec.graph.NodeByID(current)
		if !ok {
			slog.Error("current node missing from flow", "sessionID", ec.session.ID, "nodeID", current)
			return e.completeSession(ctx, ec, false)
		}

		now := e.clock()
		ec.session.Visit(node.ID, now)
		ec.session.UpdatedAt = now
		if err := e.store.SaveSession(*ec.session); err != nil {
			return fmt.Errorf("save session visit: %w", err)
		}
		slog.Debug("executing node", "sessionID", ec.session.ID, "nodeID", node.ID, "type", node.Type)

		switch node.Type {
		case models.NodeTypeMessage:
			if err := e.executeMessage(ctx, ec, node); err != nil {
				return err
			}

		case models.NodeTypeTemplate:
			if err := e.executeTemplate(ctx, ec, node); err != nil {
				return err
			}

		case models.NodeTypeImage, models.NodeTypeVideo, models.NodeTypeAudio, models.NodeTypeDocument:
			if err := e.executeMedia(ctx, ec, node); err != nil {
				return err
			}

		case models.NodeTypeLocation:
			if err := e.executeLocation(ctx, ec, node); err != nil {
				return err
			}

		case models.NodeTypeQuestionButton:
			return e.executeQuestion(ctx, ec, node)

		case models.NodeTypeCondition:
			result := EvaluateConditions(node.Conditions, ec.contact, ec.session.Variables)
			tag := models.BranchFalse
			if result {
				tag = models.BranchTrue
			}
			slog.Debug("condition node evaluated", "sessionID", ec.session.ID, "nodeID", node.ID, "result", result)
			next, ok := resolveBranchEdge(ec.graph, node.ID, tag)
			if !ok {
				return e.completeSession(ctx, ec, true)
			}
			current = next
			continue

		case models.NodeTypeWorkingHours:
			hours, err := e.store.GetWorkingHours(ec.bot.TenantID)
			if err != nil {
				slog.Error("working hours lookup failed", "tenantID", ec.bot.TenantID, "error", err)
			}
			tag := models.BranchUnavailable
			if err == nil && IsWithinWorkingHours(hours, e.clock()) {
				tag = models.BranchAvailable
			}
			slog.Debug("working hours evaluated", "sessionID", ec.session.ID, "nodeID", node.ID, "branch", tag)
			next, ok := resolveBranchEdge(ec.graph, node.ID, tag)
			if !ok {
				return e.completeSession(ctx, ec, true)
			}
			current = next
			continue

		case models.NodeTypeSetVariable:
			// Each assignment is visible to the ones after it in the same node.
			for _, assignment := range node.Variables {
				if assignment.Name == "" {
					continue
				}
				value := Interpolate(assignment.Value, ec.contact, ec.session.Variables)
				ec.session.SetVariable(assignment.Name, value)
				slog.Debug("session variable set", "sessionID", ec.session.ID, "name", assignment.Name)
			}
			if err := e.store.SaveSession(*ec.session); err != nil {
				return fmt.Errorf("save session variables: %w", err)
			}

		case models.NodeTypeStartAgain:
			start, err := ec.graph.StartNode()
			if err != nil {
				slog.Error("start again failed to resolve start node", "sessionID", ec.session.ID, "error", err)
				return e.completeSession(ctx, ec, false)
			}
			current = start.ID
			continue

		case models.NodeTypeMarkAsSolved:
			if err := e.convs.Resolve(ctx, ec.session.ConversationID); err != nil {
				slog.Error("mark as solved failed", "conversationID", ec.session.ConversationID, "error", err)
			}
			return e.completeSession(ctx, ec, false)

		case models.NodeTypeAssignChat:
			return e.executeAssignChat(ctx, ec, node)

		default:
			slog.Error("unknown node type, skipping", "sessionID", ec.session.ID, "nodeID", node.ID, "type", node.Type)
		}

		next, ok := resolveNextEdge(ec.graph, node, "")
		if !ok {
			return e.completeSession(ctx, ec, true)
		}
		current = next
	}
}

func (e *Engine) executeMessage(ctx context.Context, ec *execContext, node *models.Node) error {
	body := Interpolate(node.Content, ec.contact, ec.session.Variables)
	if body == "" {
		slog.Warn("message node has empty content", "sessionID", ec.session.ID, "nodeID", node.ID)
		return nil
	}
	return e.send(ctx, ec, models.Intent{Kind: models.IntentKindText, Body: body})
}

func (e *Engine) executeTemplate(ctx context.Context, ec *execContext, node *models.Node) error {
	if node.TemplateID == "" {
		// No template configured: degrade to plain message behavior.
		return e.executeMessage(ctx, ec, node)
	}
	return e.send(ctx, ec, models.Intent{
		Kind:           models.IntentKindTemplate,
		TemplateID:     node.TemplateID,
		TemplateParams: InterpolateParams(node.TemplateParams, ec.contact, ec.session.Variables),
	})
}

func (e *Engine) executeMedia(ctx context.Context, ec *execContext, node *models.Node) error {
	if node.MediaURL == "" {
		slog.Warn("media node has no media URL", "sessionID", ec.session.ID, "nodeID", node.ID, "type", node.Type)
		return nil
	}
	return e.send(ctx, ec, models.Intent{
		Kind:      models.IntentKindMedia,
		MediaURL:  node.MediaURL,
		MediaType: node.MediaType,
		Caption:   Interpolate(node.Content, ec.contact, ec.session.Variables),
	})
}

func (e *Engine) executeLocation(ctx context.Context, ec *execContext, node *models.Node) error {
	if node.Latitude == nil || node.Longitude == nil {
		slog.Warn("location node missing coordinates", "sessionID", ec.session.ID, "nodeID", node.ID)
		return nil
	}
	return e.send(ctx, ec, models.Intent{
		Kind:         models.IntentKindLocation,
		Latitude:     node.Latitude,
		Longitude:    node.Longitude,
		LocationName: Interpolate(node.Content, ec.contact, ec.session.Variables),
	})
}

// executeQuestion sends the interactive prompt and parks the session WAITING
// until the contact replies or the wait deadline elapses.
func (e *Engine) executeQuestion(ctx context.Context, ec *execContext, node *models.Node) error {
	buttons := buildButtons(node.Options, ec.contact, ec.session.Variables)
	intent := models.Intent{
		Kind:    models.IntentKindInteractive,
		Body:    Interpolate(node.Content, ec.contact, ec.session.Variables),
		Header:  Interpolate(node.Header, ec.contact, ec.session.Variables),
		Footer:  Interpolate(node.Footer, ec.contact, ec.session.Variables),
		Buttons: buttons,
	}
	if err := e.send(ctx, ec, intent); err != nil {
		return err
	}
	return e.parkWaiting(ec)
}

func (e *Engine) executeAssignChat(ctx context.Context, ec *execContext, node *models.Node) error {
	switch {
	case node.AssignUserID != "":
		if err := e.convs.Assign(ctx, ec.session.ConversationID, node.AssignUserID); err != nil {
			slog.Error("assign chat to user failed", "conversationID", ec.session.ConversationID, "userID", node.AssignUserID, "error", err)
		}
		return e.completeSession(ctx, ec, false)
	case node.AssignBotID != "":
		if err := e.completeSession(ctx, ec, false); err != nil {
			return err
		}
		return e.startNestedSession(ctx, node.AssignBotID, ec.session.ConversationID, ec.contact)
	default:
		if err := e.convs.Unassign(ctx, ec.session.ConversationID); err != nil {
			slog.Error("unassign chat failed", "conversationID", ec.session.ConversationID, "error", err)
		}
		return e.completeSession(ctx, ec, false)
	}
}

// buildButtons converts a question node's options into at most three reply
// buttons with titles truncated to the provider limit.
func buildButtons(options []models.NodeOption, contact *models.Contact, vars map[string]string) []models.Button {
	buttons := make([]models.Button, 0, models.MaxInteractiveButtons)
	for _, opt := range InterpolateOptions(options, contact, vars) {
		if len(buttons) == models.MaxInteractiveButtons {
			break
		}
		title := opt.Title
		// The provider limit counts characters, not bytes.
		if r := []rune(title); len(r) > models.MaxButtonTitleLength {
			title = string(r[:models.MaxButtonTitleLength])
		}
		buttons = append(buttons, models.Button{ID: opt.ID, Title: title})
	}
	return buttons
}

// resolveNextEdge picks the next node for non-branching nodes. Edges are
// scanned in creation order: ALWAYS matches unconditionally, OPTION matches a
// question reply equal to the edge value, and the first DEFAULT edge is kept
// as fallback when nothing else matched.
func resolveNextEdge(g *models.FlowGraph, node *models.Node, input string) (string, bool) {
	var fallback string
	haveFallback := false
	for _, edge := range g.OutgoingEdges(node.ID) {
		switch edge.ConditionType {
		case models.EdgeConditionAlways:
			return edge.TargetNodeID, true
		case models.EdgeConditionOption:
			if node.Type == models.NodeTypeQuestionButton && input != "" && edge.ConditionValue == input {
				return edge.TargetNodeID, true
			}
		case models.EdgeConditionDefault:
			if !haveFallback {
				fallback = edge.TargetNodeID
				haveFallback = true
			}
		}
	}
	return fallback, haveFallback
}

// resolveBranchEdge picks the outgoing edge whose value equals the branch tag
// produced by a CONDITION or WORKING_HOURS node.
func resolveBranchEdge(g *models.FlowGraph, nodeID, tag string) (string, bool) {
	for _, edge := range g.OutgoingEdges(nodeID) {
		if edge.ConditionValue == tag {
			return edge.TargetNodeID, true
		}
	}
	return "", false
}
