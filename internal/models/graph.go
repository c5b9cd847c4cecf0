// Package models defines the flow graph structures for Botflow.
//
// A flow is an authored directed graph of message and logic nodes. Graphs are
// immutable once loaded; replacing a flow's graph is a full delete-and-recreate.
package models

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// NodeType identifies the behavior of a single flow step.
type NodeType string

const (
	// NodeTypeMessage sends an interpolated text message.
	NodeTypeMessage NodeType = "MESSAGE"
	// NodeTypeTemplate sends a provider template with interpolated parameters.
	NodeTypeTemplate NodeType = "TEMPLATE"
	// NodeTypeImage sends an image attachment.
	NodeTypeImage NodeType = "IMAGE"
	// NodeTypeVideo sends a video attachment.
	NodeTypeVideo NodeType = "VIDEO"
	// NodeTypeAudio sends an audio attachment.
	NodeTypeAudio NodeType = "AUDIO"
	// NodeTypeDocument sends a document attachment.
	NodeTypeDocument NodeType = "DOCUMENT"
	// NodeTypeQuestionButton asks a question with reply buttons and waits for input.
	NodeTypeQuestionButton NodeType = "QUESTION_BUTTON"
	// NodeTypeCondition branches on an AND-combined condition list.
	NodeTypeCondition NodeType = "CONDITION"
	// NodeTypeLocation sends a geographic pin.
	NodeTypeLocation NodeType = "LOCATION"
	// NodeTypeStartAgain jumps back to the flow's start node.
	NodeTypeStartAgain NodeType = "START_AGAIN"
	// NodeTypeMarkAsSolved resolves the conversation and completes the session.
	NodeTypeMarkAsSolved NodeType = "MARK_AS_SOLVED"
	// NodeTypeAssignChat assigns the conversation and completes the session.
	NodeTypeAssignChat NodeType = "ASSIGN_CHAT"
	// NodeTypeWorkingHours branches on tenant availability.
	NodeTypeWorkingHours NodeType = "WORKING_HOURS"
	// NodeTypeSetVariable stores interpolated values into session variables.
	NodeTypeSetVariable NodeType = "SET_VARIABLE"
)

// IsValidNodeType checks if the given node type is supported.
func IsValidNodeType(t NodeType) bool {
	switch t {
	case NodeTypeMessage, NodeTypeTemplate, NodeTypeImage, NodeTypeVideo,
		NodeTypeAudio, NodeTypeDocument, NodeTypeQuestionButton, NodeTypeCondition,
		NodeTypeLocation, NodeTypeStartAgain, NodeTypeMarkAsSolved,
		NodeTypeAssignChat, NodeTypeWorkingHours, NodeTypeSetVariable:
		return true
	default:
		return false
	}
}

// EdgeCondition determines when an outgoing edge matches.
type EdgeCondition string

const (
	// EdgeConditionAlways matches unconditionally.
	EdgeConditionAlways EdgeCondition = "ALWAYS"
	// EdgeConditionOption matches a question reply against the edge's value.
	EdgeConditionOption EdgeCondition = "OPTION"
	// EdgeConditionDefault matches as a fallback after all other edges.
	EdgeConditionDefault EdgeCondition = "DEFAULT"
)

// Branch tags stored in ConditionValue on edges leaving CONDITION and
// WORKING_HOURS nodes.
const (
	BranchTrue        = "true"
	BranchFalse       = "false"
	BranchAvailable   = "Available"
	BranchUnavailable = "Unavailable"
)

// Operator identifies a comparison in a condition node.
type Operator string

const (
	OperatorEqual              Operator = "equal"
	OperatorNotEqual           Operator = "not_equal"
	OperatorLessThan           Operator = "less_than"
	OperatorLessThanOrEqual    Operator = "less_than_or_equal"
	OperatorGreaterThan        Operator = "greater_than"
	OperatorGreaterThanOrEqual Operator = "greater_than_or_equal"
	OperatorIsEmpty            Operator = "is_empty"
	OperatorIsNotEmpty         Operator = "is_not_empty"
	OperatorContains           Operator = "contains"
)

// Condition is a single comparison inside a CONDITION node. The left operand
// is read from session variables by Variable. The right operand is either the
// literal Value or, when ValueVariable is set, another session variable.
type Condition struct {
	Variable      string   `json:"variable"`
	Operator      Operator `json:"operator"`
	Value         string   `json:"value,omitempty"`
	ValueVariable string   `json:"value_variable,omitempty"`
}

// NodeOption is a selectable reply option on a question node.
type NodeOption struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// VariableAssignment is one {name, value} pair in a SET_VARIABLE node.
type VariableAssignment struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Node is a single step in a flow graph. The payload fields used depend on
// Type; unused fields stay zero-valued.
type Node struct {
	ID             string               `json:"id"`
	Type           NodeType             `json:"type"`
	Content        string               `json:"content,omitempty"`
	MediaURL       string               `json:"media_url,omitempty"`
	MediaType      string               `json:"media_type,omitempty"`
	Options        []NodeOption         `json:"options,omitempty"`
	Latitude       *float64             `json:"latitude,omitempty"`
	Longitude      *float64             `json:"longitude,omitempty"`
	TemplateID     string               `json:"template_id,omitempty"`
	TemplateParams map[string]any       `json:"template_params,omitempty"`
	Header         string               `json:"header,omitempty"`
	Footer         string               `json:"footer,omitempty"`
	Conditions     []Condition          `json:"conditions,omitempty"`
	AssignUserID   string               `json:"assign_user_id,omitempty"`
	AssignBotID    string               `json:"assign_bot_id,omitempty"`
	VariableName   string               `json:"variable_name,omitempty"`
	Variables      []VariableAssignment `json:"variables,omitempty"`
	UseFallback    bool                 `json:"use_fallback,omitempty"`
	FallbackNodeID string               `json:"fallback_node_id,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
}

// Edge is a directed, conditioned link between two nodes in the same flow.
type Edge struct {
	SourceNodeID   string        `json:"source_node_id"`
	TargetNodeID   string        `json:"target_node_id"`
	ConditionType  EdgeCondition `json:"condition_type"`
	ConditionValue string        `json:"condition_value,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Flow is the persisted record of one authored graph version. Only one flow
// per bot may be active at a time.
type Flow struct {
	ID        string    `json:"id"`
	BotID     string    `json:"bot_id"`
	Name      string    `json:"name,omitempty"`
	Active    bool      `json:"active"`
	Nodes     []Node    `json:"nodes"`
	Edges     []Edge    `json:"edges"`
	CreatedAt time.Time `json:"created_at"`
}

// Graph construction errors.
var (
	ErrEmptyGraph    = errors.New("graph has no nodes")
	ErrDuplicateNode = errors.New("duplicate node id")
	ErrInvalidEdge   = errors.New("edge references node outside flow")
	ErrNodeNotFound  = errors.New("node not found")
)

// FlowGraph is a read-only, id-indexed view of one flow's nodes and edges.
// Nodes are held in a creation-ordered arena with an index for O(1) id lookup;
// edges are grouped by source node in creation order so edge resolution is
// stable.
type FlowGraph struct {
	FlowID string
	BotID  string

	nodes    []Node
	index    map[string]int
	outgoing map[string][]Edge
	incoming map[string]int
}

// NewFlowGraph builds a FlowGraph from the flow's node and edge sets. It
// validates that node ids are unique and every edge endpoint exists.
func NewFlowGraph(flowID, botID string, nodes []Node, edges []Edge) (*FlowGraph, error) {
	g := &FlowGraph{
		FlowID:   flowID,
		BotID:    botID,
		nodes:    make([]Node, len(nodes)),
		index:    make(map[string]int, len(nodes)),
		outgoing: make(map[string][]Edge),
		incoming: make(map[string]int),
	}

	copy(g.nodes, nodes)
	sort.SliceStable(g.nodes, func(i, j int) bool {
		return g.nodes[i].CreatedAt.Before(g.nodes[j].CreatedAt)
	})

	for i, n := range g.nodes {
		if _, exists := g.index[n.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
		}
		g.index[n.ID] = i
	}

	sortedEdges := make([]Edge, len(edges))
	copy(sortedEdges, edges)
	sort.SliceStable(sortedEdges, func(i, j int) bool {
		return sortedEdges[i].CreatedAt.Before(sortedEdges[j].CreatedAt)
	})

	for _, e := range sortedEdges {
		if _, ok := g.index[e.SourceNodeID]; !ok {
			return nil, fmt.Errorf("%w: source %s", ErrInvalidEdge, e.SourceNodeID)
		}
		if _, ok := g.index[e.TargetNodeID]; !ok {
			return nil, fmt.Errorf("%w: target %s", ErrInvalidEdge, e.TargetNodeID)
		}
		g.outgoing[e.SourceNodeID] = append(g.outgoing[e.SourceNodeID], e)
		g.incoming[e.TargetNodeID]++
	}

	return g, nil
}

// Len returns the number of nodes in the graph.
func (g *FlowGraph) Len() int {
	return len(g.nodes)
}

// NodeByID retrieves a node by its id.
func (g *FlowGraph) NodeByID(id string) (*Node, bool) {
	i, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return &g.nodes[i], true
}

// OutgoingEdges returns the edges leaving the given node in creation order.
func (g *FlowGraph) OutgoingEdges(nodeID string) []Edge {
	return g.outgoing[nodeID]
}

// Roots returns the nodes with no incoming edge, in creation order.
func (g *FlowGraph) Roots() []*Node {
	var roots []*Node
	for i := range g.nodes {
		if g.incoming[g.nodes[i].ID] == 0 {
			roots = append(roots, &g.nodes[i])
		}
	}
	return roots
}

// StartNode resolves the flow's entry point: the single node with no incoming
// edge, or the earliest-created node when zero or several such nodes exist.
func (g *FlowGraph) StartNode() (*Node, error) {
	if len(g.nodes) == 0 {
		return nil, ErrEmptyGraph
	}
	if roots := g.Roots(); len(roots) == 1 {
		return roots[0], nil
	}
	return &g.nodes[0], nil
}
