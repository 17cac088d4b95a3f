package world

import (
	"errors"
	"strings"

	"realmforge/api/internal/store"
)

var (
	ErrSelfConnection      = errors.New("a node cannot connect to itself")
	ErrDuplicateConnection = errors.New("these nodes are already connected")
	ErrUnknownNode         = errors.New("node does not belong to this project")
)

const (
	DefaultLabel    = "New Location"
	DefaultColor    = "#3b82f6"
	DefaultNodeType = "location"
	DefaultLinkType = "path"
)

var nodeTypes = map[string]bool{"location": true, "event": true, "resource": true}

var connectionTypes = map[string]bool{"path": true, "unlock": true, "story": true, "teleport": true, "gated": true}

// suggestionTypes is the subset the AI helper is allowed to propose.
var suggestionTypes = map[string]bool{"path": true, "story": true, "teleport": true}

func ValidNodeType(t string) bool { return nodeTypes[t] }

func ValidConnectionType(t string) bool { return connectionTypes[t] }

// ApplyNodeDefaults fills unset fields on a new node.
func ApplyNodeDefaults(node store.WorldNode) store.WorldNode {
	if strings.TrimSpace(node.Label) == "" {
		node.Label = DefaultLabel
	}
	if strings.TrimSpace(node.Color) == "" {
		node.Color = DefaultColor
	}
	if strings.TrimSpace(node.NodeType) == "" {
		node.NodeType = DefaultNodeType
	}
	if node.Tags == nil {
		node.Tags = []string{}
	}
	return node
}

// ValidateConnection checks a proposed edge against the project's nodes and
// existing edges. Edges are undirected for duplicate detection.
func ValidateConnection(from, to string, nodes []store.WorldNode, existing []store.WorldConnection) error {
	if from == to {
		return ErrSelfConnection
	}
	known := nodeSet(nodes)
	if !known[from] || !known[to] {
		return ErrUnknownNode
	}
	for _, c := range existing {
		if samePair(c.FromNodeID, c.ToNodeID, from, to) {
			return ErrDuplicateConnection
		}
	}
	return nil
}

// FilterNodes matches the query case-insensitively against label or node type.
func FilterNodes(nodes []store.WorldNode, query string) []store.WorldNode {
	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]store.WorldNode, 0, len(nodes))
	for _, n := range nodes {
		if q == "" || strings.Contains(strings.ToLower(n.Label), q) || strings.Contains(strings.ToLower(n.NodeType), q) {
			out = append(out, n)
		}
	}
	return out
}

type Suggestion struct {
	From  string `json:"from_node_id"`
	To    string `json:"to_node_id"`
	Type  string `json:"connection_type"`
	Notes string `json:"notes"`
}

// FilterSuggestions drops suggestions that reference unknown nodes, loop on
// one node, repeat an existing edge or repeat each other. Unsupported types
// become path.
func FilterSuggestions(suggestions []Suggestion, nodes []store.WorldNode, existing []store.WorldConnection) []Suggestion {
	known := nodeSet(nodes)
	out := make([]Suggestion, 0, len(suggestions))
	for _, s := range suggestions {
		if s.From == s.To || !known[s.From] || !known[s.To] {
			continue
		}
		if hasPair(existing, s.From, s.To) || hasSuggested(out, s.From, s.To) {
			continue
		}
		if !suggestionTypes[s.Type] {
			s.Type = DefaultLinkType
		}
		out = append(out, s)
	}
	return out
}

func nodeSet(nodes []store.WorldNode) map[string]bool {
	set := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		set[n.ID] = true
	}
	return set
}

func samePair(a1, b1, a2, b2 string) bool {
	return (a1 == a2 && b1 == b2) || (a1 == b2 && b1 == a2)
}

func hasPair(existing []store.WorldConnection, from, to string) bool {
	for _, c := range existing {
		if samePair(c.FromNodeID, c.ToNodeID, from, to) {
			return true
		}
	}
	return false
}

func hasSuggested(existing []Suggestion, from, to string) bool {
	for _, s := range existing {
		if samePair(s.From, s.To, from, to) {
			return true
		}
	}
	return false
}
