package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chatfuse/botflow/internal/models"
	"github.com/chatfuse/botflow/internal/store"
)

// captureSender records outbound intents instead of delivering them.
type captureSender struct {
	intents []models.Intent
	fail    bool
}

func (c *captureSender) Send(ctx context.Context, intent models.Intent) error {
	if c.fail {
		return errors.New("send failed")
	}
	c.intents = append(c.intents, intent)
	return nil
}

func (c *captureSender) bodies() []string {
	out := make([]string, 0, len(c.intents))
	for _, i := range c.intents {
		out = append(out, i.Body)
	}
	return out
}

// recordingGateway records conversation side effects.
type recordingGateway struct {
	resolved   []string
	assigned   []string
	unassigned []string
}

func (g *recordingGateway) Resolve(ctx context.Context, conversationID string) error {
	g.resolved = append(g.resolved, conversationID)
	return nil
}

func (g *recordingGateway) Assign(ctx context.Context, conversationID, userID string) error {
	g.assigned = append(g.assigned, conversationID+":"+userID)
	return nil
}

func (g *recordingGateway) Unassign(ctx context.Context, conversationID string) error {
	g.unassigned = append(g.unassigned, conversationID)
	return nil
}

// testEnv wires an engine over the in-memory store with a controllable clock.
type testEnv struct {
	st     *store.InMemoryStore
	sender *captureSender
	convs  *recordingGateway
	engine *Engine
	now    time.Time
}

func newTestEnv() *testEnv {
	env := &testEnv{
		st:     store.NewInMemoryStore(),
		sender: &captureSender{},
		convs:  &recordingGateway{},
		now:    time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC),
	}
	env.engine = NewEngine(env.st, env.sender, env.convs, WithClock(func() time.Time { return env.now }))
	return env
}

func (env *testEnv) advance(d time.Duration) {
	env.now = env.now.Add(d)
}

func (env *testEnv) saveBot(t *testing.T, bot models.Bot) *models.Bot {
	t.Helper()
	if err := env.st.SaveBot(bot); err != nil {
		t.Fatalf("SaveBot: %v", err)
	}
	return &bot
}

func (env *testEnv) saveFlow(t *testing.T, botID string, nodes []models.Node, edges []models.Edge) {
	t.Helper()
	err := env.st.SaveFlow(models.Flow{
		ID:        "flow-" + botID,
		BotID:     botID,
		Active:    true,
		Nodes:     nodes,
		Edges:     edges,
		CreatedAt: env.now,
	})
	if err != nil {
		t.Fatalf("SaveFlow: %v", err)
	}
}

func (env *testEnv) liveSession(t *testing.T, conversationID string) *models.Session {
	t.Helper()
	s, err := env.st.GetLiveSessionByConversation(conversationID)
	if err != nil {
		t.Fatalf("GetLiveSessionByConversation: %v", err)
	}
	return s
}

// at builds a CreatedAt offset so node and edge ordering is deterministic.
func (env *testEnv) at(seconds int) time.Time {
	return env.now.Add(-time.Hour).Add(time.Duration(seconds) * time.Second)
}

// greetingFlow is a MESSAGE node chained into a QUESTION_BUTTON node with
// yes/no options leading to two MESSAGE endings.
func (env *testEnv) greetingFlow(t *testing.T, botID string) {
	t.Helper()
	nodes := []models.Node{
		{ID: "A", Type: models.NodeTypeMessage, Content: "Hello {{contact.Name}}", CreatedAt: env.at(0)},
		{ID: "B", Type: models.NodeTypeQuestionButton, Content: "Continue?", VariableName: "answer",
			Options: []models.NodeOption{{ID: "yes", Title: "Yes"}, {ID: "no", Title: "No"}}, CreatedAt: env.at(1)},
		{ID: "C", Type: models.NodeTypeMessage, Content: "Great, {{answer}} it is", CreatedAt: env.at(2)},
		{ID: "D", Type: models.NodeTypeMessage, Content: "Goodbye", CreatedAt: env.at(3)},
	}
	edges := []models.Edge{
		{SourceNodeID: "A", TargetNodeID: "B", ConditionType: models.EdgeConditionAlways, CreatedAt: env.at(0)},
		{SourceNodeID: "B", TargetNodeID: "C", ConditionType: models.EdgeConditionOption, ConditionValue: "yes", CreatedAt: env.at(1)},
		{SourceNodeID: "B", TargetNodeID: "D", ConditionType: models.EdgeConditionOption, ConditionValue: "no", CreatedAt: env.at(2)},
	}
	env.saveFlow(t, botID, nodes, edges)
}

func TestStartSession_RunsChainAndParksOnQuestion(t *testing.T) {
	env := newTestEnv()
	bot := env.saveBot(t, models.Bot{ID: "b1", TenantID: "t1"})
	env.greetingFlow(t, "b1")
	contact := &models.Contact{ID: "c1", Phone: "15551234567",
		Fields: []models.ContactField{{Name: "Name", Value: "Ada"}}}

	session, err := env.engine.StartSession(context.Background(), bot, "conv1", contact)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if session == nil {
		t.Fatal("expected a session")
	}

	if len(env.sender.intents) != 2 {
		t.Fatalf("expected 2 outbound intents, got %d: %v", len(env.sender.intents), env.sender.bodies())
	}
	if env.sender.intents[0].Kind != models.IntentKindText || env.sender.intents[0].Body != "Hello Ada" {
		t.Errorf("first intent should be the interpolated greeting, got %+v", env.sender.intents[0])
	}
	if env.sender.intents[1].Kind != models.IntentKindInteractive {
		t.Errorf("second intent should be interactive, got %v", env.sender.intents[1].Kind)
	}
	if got := len(env.sender.intents[1].Buttons); got != 2 {
		t.Errorf("expected 2 buttons, got %d", got)
	}
	if env.sender.intents[0].To != "15551234567" {
		t.Errorf("intent should target the contact phone, got %q", env.sender.intents[0].To)
	}

	live := env.liveSession(t, "conv1")
	if live == nil {
		t.Fatal("expected a live session")
	}
	if live.Status != models.SessionStatusWaiting {
		t.Errorf("session should be WAITING, got %s", live.Status)
	}
	if live.CurrentNodeID != "B" {
		t.Errorf("session should be parked on the question node, got %s", live.CurrentNodeID)
	}
	if live.TimeoutAt == nil {
		t.Fatal("waiting session must carry a timeout deadline")
	}
	wantDeadline := env.now.Add(models.DefaultWaitMinutes * time.Minute)
	if !live.TimeoutAt.Equal(wantDeadline) {
		t.Errorf("deadline should default to %v, got %v", wantDeadline, *live.TimeoutAt)
	}
	if len(live.History) != 2 || live.History[0].NodeID != "A" || live.History[1].NodeID != "B" {
		t.Errorf("history should record A then B, got %+v", live.History)
	}
}

func TestStartSession_ForceCompletesPreviousSession(t *testing.T) {
	env := newTestEnv()
	bot := env.saveBot(t, models.Bot{ID: "b1", TenantID: "t1"})
	env.greetingFlow(t, "b1")

	first, err := env.engine.StartSession(context.Background(), bot, "conv1", nil)
	if err != nil {
		t.Fatalf("first StartSession: %v", err)
	}
	second, err := env.engine.StartSession(context.Background(), bot, "conv1", nil)
	if err != nil {
		t.Fatalf("second StartSession: %v", err)
	}

	live := env.liveSession(t, "conv1")
	if live == nil || live.ID != second.ID {
		t.Fatalf("the newer session should be the only live one, got %+v", live)
	}
	old, err := env.st.GetSession(first.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if old.Status != models.SessionStatusCompleted {
		t.Errorf("older session should be force-completed, got %s", old.Status)
	}
}

func TestStartSession_NoActiveFlow(t *testing.T) {
	env := newTestEnv()
	bot := env.saveBot(t, models.Bot{ID: "b1", TenantID: "t1"})

	session, err := env.engine.StartSession(context.Background(), bot, "conv1", nil)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if session != nil {
		t.Errorf("bot without an active flow should start nothing, got %+v", session)
	}
}

func TestHandleInbound_TriggerStartsAndReplyContinues(t *testing.T) {
	env := newTestEnv()
	env.saveBot(t, models.Bot{ID: "b1", TenantID: "t1", Triggers: []models.Trigger{
		{Phrase: "hello", MatchType: models.TriggerMatchContains},
	}})
	env.greetingFlow(t, "b1")

	err := env.engine.HandleInbound(context.Background(), models.InboundMessage{
		TenantID: "t1", ConversationID: "conv1", Body: "hello there",
	})
	if err != nil {
		t.Fatalf("HandleInbound start: %v", err)
	}
	if env.liveSession(t, "conv1") == nil {
		t.Fatal("trigger match should have started a session")
	}

	err = env.engine.HandleInbound(context.Background(), models.InboundMessage{
		TenantID: "t1", ConversationID: "conv1", Body: "yes",
	})
	if err != nil {
		t.Fatalf("HandleInbound continue: %v", err)
	}

	if env.liveSession(t, "conv1") != nil {
		t.Error("answering the final question should complete the session")
	}
	bodies := env.sender.bodies()
	if bodies[len(bodies)-1] != "Great, yes it is" {
		t.Errorf("raw answer should be stored and interpolated, got %q", bodies[len(bodies)-1])
	}
}

func TestHandleInbound_NoBotMatchIsNoOp(t *testing.T) {
	env := newTestEnv()
	env.saveBot(t, models.Bot{ID: "b1", TenantID: "t1", Triggers: []models.Trigger{
		{Phrase: "pricing", MatchType: models.TriggerMatchExact},
	}})
	env.greetingFlow(t, "b1")

	err := env.engine.HandleInbound(context.Background(), models.InboundMessage{
		TenantID: "t1", ConversationID: "conv1", Body: "unrelated",
	})
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if env.liveSession(t, "conv1") != nil {
		t.Error("no trigger and no catch-all should start nothing")
	}
	if len(env.sender.intents) != 0 {
		t.Errorf("nothing should have been sent, got %v", env.sender.bodies())
	}
}

func TestContinueSession_NoMatchReparksWithoutHistoryGrowth(t *testing.T) {
	env := newTestEnv()
	bot := env.saveBot(t, models.Bot{ID: "b1", TenantID: "t1", Config: models.BotConfig{
		NoMatch: models.ActionConfig{Message: "Please pick an option"},
	}})
	env.greetingFlow(t, "b1")

	if _, err := env.engine.StartSession(context.Background(), bot, "conv1", nil); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	before := env.liveSession(t, "conv1")

	env.advance(5 * time.Minute)
	if err := env.engine.ContinueSession(context.Background(), bot, before.ID, "maybe"); err != nil {
		t.Fatalf("ContinueSession: %v", err)
	}

	after := env.liveSession(t, "conv1")
	if after == nil || after.Status != models.SessionStatusWaiting {
		t.Fatalf("session should be WAITING again, got %+v", after)
	}
	if after.CurrentNodeID != "B" {
		t.Errorf("session should still be on the question node, got %s", after.CurrentNodeID)
	}
	if len(after.History) != len(before.History) {
		t.Errorf("a no-match re-visit must not grow history: before %d, after %d", len(before.History), len(after.History))
	}
	if !after.TimeoutAt.After(*before.TimeoutAt) {
		t.Error("no-match should renew the wait deadline")
	}
	bodies := env.sender.bodies()
	if bodies[len(bodies)-1] != "Please pick an option" {
		t.Errorf("no-match message should be sent, got %q", bodies[len(bodies)-1])
	}
}

func TestContinueSession_NoMatchTerminalActionEndsSession(t *testing.T) {
	env := newTestEnv()
	bot := env.saveBot(t, models.Bot{ID: "b1", TenantID: "t1", Config: models.BotConfig{
		NoMatch: models.ActionConfig{Action: models.BotActionAssignUser, UserID: "agent7", Message: "Handing you over"},
	}})
	env.greetingFlow(t, "b1")

	session, err := env.engine.StartSession(context.Background(), bot, "conv1", nil)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := env.engine.ContinueSession(context.Background(), bot, session.ID, "gibberish"); err != nil {
		t.Fatalf("ContinueSession: %v", err)
	}

	if env.liveSession(t, "conv1") != nil {
		t.Error("terminal no-match action should end the session")
	}
	if len(env.convs.assigned) != 1 || env.convs.assigned[0] != "conv1:agent7" {
		t.Errorf("conversation should be assigned to agent7, got %v", env.convs.assigned)
	}
}

func TestContinueSession_FallbackNode(t *testing.T) {
	env := newTestEnv()
	bot := env.saveBot(t, models.Bot{ID: "b1", TenantID: "t1"})
	nodes := []models.Node{
		{ID: "Q", Type: models.NodeTypeQuestionButton, Content: "Pick", UseFallback: true, FallbackNodeID: "F",
			Options: []models.NodeOption{{ID: "a", Title: "A"}}, CreatedAt: env.at(0)},
		{ID: "F", Type: models.NodeTypeMessage, Content: "Let me rephrase", CreatedAt: env.at(1)},
	}
	edges := []models.Edge{
		{SourceNodeID: "Q", TargetNodeID: "F", ConditionType: models.EdgeConditionOption, ConditionValue: "a", CreatedAt: env.at(0)},
	}
	env.saveFlow(t, "b1", nodes, edges)

	session, err := env.engine.StartSession(context.Background(), bot, "conv1", nil)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := env.engine.ContinueSession(context.Background(), bot, session.ID, "unknown"); err != nil {
		t.Fatalf("ContinueSession: %v", err)
	}

	bodies := env.sender.bodies()
	if bodies[len(bodies)-1] != "Let me rephrase" {
		t.Errorf("unmatched input should follow the fallback node, got %q", bodies[len(bodies)-1])
	}
}

func TestConditionNode_FalseBranchOnBoundary(t *testing.T) {
	env := newTestEnv()
	bot := env.saveBot(t, models.Bot{ID: "b1", TenantID: "t1"})
	nodes := []models.Node{
		{ID: "S", Type: models.NodeTypeSetVariable,
			Variables: []models.VariableAssignment{{Name: "age", Value: "17"}}, CreatedAt: env.at(0)},
		{ID: "IF", Type: models.NodeTypeCondition,
			Conditions: []models.Condition{{Variable: "age", Operator: models.OperatorGreaterThanOrEqual, Value: "18"}}, CreatedAt: env.at(1)},
		{ID: "ADULT", Type: models.NodeTypeMessage, Content: "adult path", CreatedAt: env.at(2)},
		{ID: "MINOR", Type: models.NodeTypeMessage, Content: "minor path", CreatedAt: env.at(3)},
	}
	edges := []models.Edge{
		{SourceNodeID: "S", TargetNodeID: "IF", ConditionType: models.EdgeConditionAlways, CreatedAt: env.at(0)},
		{SourceNodeID: "IF", TargetNodeID: "ADULT", ConditionType: models.EdgeConditionOption, ConditionValue: models.BranchTrue, CreatedAt: env.at(1)},
		{SourceNodeID: "IF", TargetNodeID: "MINOR", ConditionType: models.EdgeConditionOption, ConditionValue: models.BranchFalse, CreatedAt: env.at(2)},
	}
	env.saveFlow(t, "b1", nodes, edges)

	if _, err := env.engine.StartSession(context.Background(), bot, "conv1", nil); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	bodies := env.sender.bodies()
	if len(bodies) != 1 || bodies[0] != "minor path" {
		t.Errorf("17 >= 18 must take the false branch, got %v", bodies)
	}
}

func TestSetVariable_SequentialVisibility(t *testing.T) {
	env := newTestEnv()
	bot := env.saveBot(t, models.Bot{ID: "b1", TenantID: "t1"})
	nodes := []models.Node{
		{ID: "S", Type: models.NodeTypeSetVariable, Variables: []models.VariableAssignment{
			{Name: "first", Value: "Ada"},
			{Name: "both", Value: "{{first}} Lovelace"},
		}, CreatedAt: env.at(0)},
		{ID: "M", Type: models.NodeTypeMessage, Content: "{{both}}", CreatedAt: env.at(1)},
	}
	edges := []models.Edge{
		{SourceNodeID: "S", TargetNodeID: "M", ConditionType: models.EdgeConditionAlways, CreatedAt: env.at(0)},
	}
	env.saveFlow(t, "b1", nodes, edges)

	if _, err := env.engine.StartSession(context.Background(), bot, "conv1", nil); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	bodies := env.sender.bodies()
	if len(bodies) != 1 || bodies[0] != "Ada Lovelace" {
		t.Errorf("earlier assignments should be visible to later ones, got %v", bodies)
	}
}

func TestAssignChatNode_AssignsAndCompletes(t *testing.T) {
	env := newTestEnv()
	bot := env.saveBot(t, models.Bot{ID: "b1", TenantID: "t1"})
	nodes := []models.Node{
		{ID: "A", Type: models.NodeTypeAssignChat, AssignUserID: "agent1", CreatedAt: env.at(0)},
	}
	env.saveFlow(t, "b1", nodes, nil)

	if _, err := env.engine.StartSession(context.Background(), bot, "conv1", nil); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if env.liveSession(t, "conv1") != nil {
		t.Error("assign chat should complete the session")
	}
	if len(env.convs.assigned) != 1 || env.convs.assigned[0] != "conv1:agent1" {
		t.Errorf("expected assignment to agent1, got %v", env.convs.assigned)
	}
}

func TestMarkAsSolvedNode_ResolvesWithoutEndAction(t *testing.T) {
	env := newTestEnv()
	bot := env.saveBot(t, models.Bot{ID: "b1", TenantID: "t1", Config: models.BotConfig{
		EndConversation: models.ActionConfig{Message: "Thanks for chatting"},
	}})
	nodes := []models.Node{
		{ID: "A", Type: models.NodeTypeMarkAsSolved, CreatedAt: env.at(0)},
	}
	env.saveFlow(t, "b1", nodes, nil)

	if _, err := env.engine.StartSession(context.Background(), bot, "conv1", nil); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if len(env.convs.resolved) != 1 {
		t.Errorf("conversation should be resolved, got %v", env.convs.resolved)
	}
	if len(env.sender.intents) != 0 {
		t.Errorf("mark-as-solved is not a natural end, no end message expected, got %v", env.sender.bodies())
	}
}

func TestNaturalCompletion_SendsEndMessage(t *testing.T) {
	env := newTestEnv()
	bot := env.saveBot(t, models.Bot{ID: "b1", TenantID: "t1", Config: models.BotConfig{
		EndConversation: models.ActionConfig{Message: "Thanks for chatting"},
	}})
	nodes := []models.Node{
		{ID: "A", Type: models.NodeTypeMessage, Content: "All done", CreatedAt: env.at(0)},
	}
	env.saveFlow(t, "b1", nodes, nil)

	if _, err := env.engine.StartSession(context.Background(), bot, "conv1", nil); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	bodies := env.sender.bodies()
	if len(bodies) != 2 || bodies[1] != "Thanks for chatting" {
		t.Errorf("natural completion should send the end message, got %v", bodies)
	}
}

func TestRunFrom_CycleBudgetCompletesSession(t *testing.T) {
	env := newTestEnv()
	bot := env.saveBot(t, models.Bot{ID: "b1", TenantID: "t1"})
	nodes := []models.Node{
		{ID: "A", Type: models.NodeTypeMessage, Content: "ping", CreatedAt: env.at(0)},
		{ID: "B", Type: models.NodeTypeMessage, Content: "pong", CreatedAt: env.at(1)},
	}
	edges := []models.Edge{
		{SourceNodeID: "A", TargetNodeID: "B", ConditionType: models.EdgeConditionAlways, CreatedAt: env.at(0)},
		{SourceNodeID: "B", TargetNodeID: "A", ConditionType: models.EdgeConditionAlways, CreatedAt: env.at(1)},
	}
	env.saveFlow(t, "b1", nodes, edges)

	if _, err := env.engine.StartSession(context.Background(), bot, "conv1", nil); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if env.liveSession(t, "conv1") != nil {
		t.Error("a cyclic graph must hit the chain budget and complete")
	}
	if len(env.sender.intents) > maxChainedNodes {
		t.Errorf("sends must be bounded by the chain budget, got %d", len(env.sender.intents))
	}
}

func TestSweepTimeouts_ExactlyOnce(t *testing.T) {
	env := newTestEnv()
	bot := env.saveBot(t, models.Bot{ID: "b1", TenantID: "t1", Config: models.BotConfig{
		WaitMinutes: 10,
		Timeout:     models.ActionConfig{Message: "Session expired", Action: models.BotActionUnassign},
	}})
	env.greetingFlow(t, "b1")

	session, err := env.engine.StartSession(context.Background(), bot, "conv1", nil)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	sentBefore := len(env.sender.intents)

	env.advance(11 * time.Minute)
	if err := env.engine.SweepTimeouts(context.Background()); err != nil {
		t.Fatalf("SweepTimeouts: %v", err)
	}

	got, err := env.st.GetSession(session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != models.SessionStatusTimeout {
		t.Errorf("session should be TIMEOUT, got %s", got.Status)
	}
	bodies := env.sender.bodies()
	if len(bodies) != sentBefore+1 || bodies[len(bodies)-1] != "Session expired" {
		t.Errorf("timeout message should be sent once, got %v", bodies[sentBefore:])
	}
	if len(env.convs.unassigned) != 1 {
		t.Errorf("timeout action should unassign once, got %v", env.convs.unassigned)
	}

	// A second sweep must not reprocess the same expiry.
	if err := env.engine.SweepTimeouts(context.Background()); err != nil {
		t.Fatalf("second SweepTimeouts: %v", err)
	}
	if len(env.sender.intents) != sentBefore+1 {
		t.Errorf("repeated sweeps must be idempotent, got %v", env.sender.bodies())
	}
	if len(env.convs.unassigned) != 1 {
		t.Errorf("repeated sweeps must not redo the action, got %v", env.convs.unassigned)
	}
}

func TestSweepTimeouts_WarningSentOnceThenTimeout(t *testing.T) {
	env := newTestEnv()
	bot := env.saveBot(t, models.Bot{ID: "b1", TenantID: "t1", Config: models.BotConfig{
		WaitMinutes:    30,
		WarningMinutes: 10,
		WarningMessage: "Still there?",
		Timeout:        models.ActionConfig{Message: "Session expired"},
	}})
	env.greetingFlow(t, "b1")

	session, err := env.engine.StartSession(context.Background(), bot, "conv1", nil)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	sentBefore := len(env.sender.intents)

	// Warning is due 10 minutes before the 30 minute deadline.
	env.advance(21 * time.Minute)
	if err := env.engine.SweepTimeouts(context.Background()); err != nil {
		t.Fatalf("SweepTimeouts: %v", err)
	}
	bodies := env.sender.bodies()
	if len(bodies) != sentBefore+1 || bodies[len(bodies)-1] != "Still there?" {
		t.Errorf("warning should be sent, got %v", bodies[sentBefore:])
	}
	if got := env.liveSession(t, "conv1"); got == nil || got.Status != models.SessionStatusWaiting {
		t.Fatalf("session should stay WAITING after the warning, got %+v", got)
	}

	// The warning fires at most once.
	if err := env.engine.SweepTimeouts(context.Background()); err != nil {
		t.Fatalf("second SweepTimeouts: %v", err)
	}
	if len(env.sender.intents) != sentBefore+1 {
		t.Errorf("warning must not repeat, got %v", env.sender.bodies())
	}

	env.advance(10 * time.Minute)
	if err := env.engine.SweepTimeouts(context.Background()); err != nil {
		t.Fatalf("third SweepTimeouts: %v", err)
	}
	got, err := env.st.GetSession(session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != models.SessionStatusTimeout {
		t.Errorf("session should time out after the deadline, got %s", got.Status)
	}
}

func TestContinueSession_InputAfterDeadlineRoutesToTimeout(t *testing.T) {
	env := newTestEnv()
	bot := env.saveBot(t, models.Bot{ID: "b1", TenantID: "t1", Config: models.BotConfig{
		WaitMinutes: 10,
		Timeout:     models.ActionConfig{Message: "Session expired"},
	}})
	env.greetingFlow(t, "b1")

	session, err := env.engine.StartSession(context.Background(), bot, "conv1", nil)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	sentBefore := len(env.sender.intents)

	env.advance(11 * time.Minute)
	if err := env.engine.ContinueSession(context.Background(), bot, session.ID, "yes"); err != nil {
		t.Fatalf("ContinueSession: %v", err)
	}

	got, err := env.st.GetSession(session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != models.SessionStatusTimeout {
		t.Errorf("late input must route to timeout, got %s", got.Status)
	}
	bodies := env.sender.bodies()
	if len(bodies) != sentBefore+1 || bodies[len(bodies)-1] != "Session expired" {
		t.Errorf("timeout message expected instead of option handling, got %v", bodies[sentBefore:])
	}
}

func TestContinueSession_CompletedSessionIgnoresInput(t *testing.T) {
	env := newTestEnv()
	bot := env.saveBot(t, models.Bot{ID: "b1", TenantID: "t1"})
	env.greetingFlow(t, "b1")

	session, err := env.engine.StartSession(context.Background(), bot, "conv1", nil)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := env.engine.ContinueSession(context.Background(), bot, session.ID, "yes"); err != nil {
		t.Fatalf("ContinueSession: %v", err)
	}
	sent := len(env.sender.intents)

	if err := env.engine.ContinueSession(context.Background(), bot, session.ID, "yes"); err != nil {
		t.Fatalf("ContinueSession on completed session: %v", err)
	}
	if len(env.sender.intents) != sent {
		t.Errorf("input to a completed session must be a no-op, got %v", env.sender.bodies())
	}
}

func TestAssignBotAction_StartsNestedSession(t *testing.T) {
	env := newTestEnv()
	bot := env.saveBot(t, models.Bot{ID: "b1", TenantID: "t1"})
	env.saveBot(t, models.Bot{ID: "b2", TenantID: "t1"})

	nodes := []models.Node{
		{ID: "A", Type: models.NodeTypeAssignChat, AssignBotID: "b2", CreatedAt: env.at(0)},
	}
	env.saveFlow(t, "b1", nodes, nil)
	env.saveFlow(t, "b2", []models.Node{
		{ID: "W", Type: models.NodeTypeMessage, Content: "Second bot here", CreatedAt: env.at(0)},
	}, nil)

	if _, err := env.engine.StartSession(context.Background(), bot, "conv1", nil); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	bodies := env.sender.bodies()
	if len(bodies) == 0 || bodies[len(bodies)-1] != "Second bot here" {
		t.Errorf("assign-bot should hand the conversation to the second bot, got %v", bodies)
	}
}

func TestSend_FailureLeavesSessionAtLastNode(t *testing.T) {
	env := newTestEnv()
	bot := env.saveBot(t, models.Bot{ID: "b1", TenantID: "t1"})
	env.greetingFlow(t, "b1")
	env.sender.fail = true

	session, err := env.engine.StartSession(context.Background(), bot, "conv1", nil)
	if err == nil {
		t.Fatal("expected the send failure to surface")
	}
	if session == nil {
		t.Fatal("session should exist even when the send failed")
	}

	got, gerr := env.st.GetSession(session.ID)
	if gerr != nil {
		t.Fatalf("GetSession: %v", gerr)
	}
	if got.CurrentNodeID != "A" {
		t.Errorf("state should rest at the node whose send failed, got %s", got.CurrentNodeID)
	}
}
