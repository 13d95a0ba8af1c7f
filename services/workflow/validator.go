package workflow

import (
	"fmt"
	"strings"
)

const defaultHandle = "main"

// ConnectionChecker decides whether an edge may join two nodes through the
// given (normalized) handles.
type ConnectionChecker func(source, target GraphNode, sourceHandle, targetHandle string) bool

// AllowAllConnections is the permissive default policy.
func AllowAllConnections(_, _ GraphNode, _, _ string) bool { return true }

// CredentialPolicy selects which declared credentials a node must carry.
type CredentialPolicy int

const (
	// CheckAllCredentials requires every credential listed by the node type.
	CheckAllCredentials CredentialPolicy = iota
	// CheckFirstCredentialOnly requires only the first listed credential.
	CheckFirstCredentialOnly
)

// GraphValidator checks authored graphs against a node-type catalog. It holds
// no state between calls and is safe for concurrent use.
type GraphValidator struct {
	connections ConnectionChecker
	credentials CredentialPolicy
}

type ValidatorOption func(*GraphValidator)

func WithConnectionChecker(c ConnectionChecker) ValidatorOption {
	return func(v *GraphValidator) {
		if c != nil {
			v.connections = c
		}
	}
}

func WithCredentialPolicy(p CredentialPolicy) ValidatorOption {
	return func(v *GraphValidator) { v.credentials = p }
}

func NewGraphValidator(opts ...ValidatorOption) *GraphValidator {
	v := &GraphValidator{
		connections: AllowAllConnections,
		credentials: CheckAllCredentials,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ValidateGraph runs the default validator.
func ValidateGraph(nodes []GraphNode, edges []GraphEdge, catalog NodeTypeCatalog) []string {
	return NewGraphValidator().Validate(nodes, edges, catalog)
}

// Validate returns every structural problem found, in a stable order: node
// checks, orphans, edges, then cycles. An empty graph yields a single error.
func (v *GraphValidator) Validate(nodes []GraphNode, edges []GraphEdge, catalog NodeTypeCatalog) []string {
	if len(nodes) == 0 {
		return []string{"workflow must contain at least one node"}
	}

	var errs []string
	byID := make(map[string]GraphNode, len(nodes))
	for _, node := range nodes {
		if _, dup := byID[node.ID]; dup {
			errs = append(errs, fmt.Sprintf("node id %q is declared more than once", node.ID))
			continue
		}
		byID[node.ID] = node
	}

	for _, node := range nodes {
		errs = append(errs, v.checkNode(node, catalog)...)
	}

	if orphans := findOrphans(nodes, edges); len(orphans) > 0 {
		errs = append(errs, "orphaned nodes: "+strings.Join(orphans, ", "))
	}

	for _, edge := range edges {
		errs = append(errs, v.checkEdge(edge, byID)...)
	}

	order := make([]string, 0, len(nodes))
	for _, node := range nodes {
		order = append(order, node.ID)
	}
	adj := make(map[string][]string)
	for _, edge := range edges {
		_, okSrc := byID[edge.Source]
		_, okDst := byID[edge.Target]
		if okSrc && okDst {
			adj[edge.Source] = append(adj[edge.Source], edge.Target)
		}
	}
	for _, id := range findCycles(order, adj) {
		errs = append(errs, fmt.Sprintf("cycle detected involving node %q", byID[id].label()))
	}

	return errs
}

func (v *GraphValidator) checkNode(node GraphNode, catalog NodeTypeCatalog) []string {
	desc, ok := catalog[node.Type]
	if !ok {
		return []string{fmt.Sprintf("node %q: unknown node type %q", node.label(), node.Type)}
	}

	var errs []string
	for _, param := range desc.RequiredParameters {
		if value, present := node.Parameters[param]; !present || value == nil {
			errs = append(errs, fmt.Sprintf("node %q: missing required parameter %q", node.label(), param))
		}
	}

	required := desc.Credentials
	if v.credentials == CheckFirstCredentialOnly && len(required) > 1 {
		required = required[:1]
	}
	for _, cred := range required {
		if _, present := node.Credentials[cred]; !present {
			errs = append(errs, fmt.Sprintf("node %q: missing required credential %q", node.label(), cred))
		}
	}
	return errs
}

func (v *GraphValidator) checkEdge(edge GraphEdge, byID map[string]GraphNode) []string {
	source, okSrc := byID[edge.Source]
	target, okDst := byID[edge.Target]

	var errs []string
	if !okSrc {
		errs = append(errs, fmt.Sprintf("edge %q: source node %q not found", edge.ID, edge.Source))
	}
	if !okDst {
		errs = append(errs, fmt.Sprintf("edge %q: target node %q not found", edge.ID, edge.Target))
	}
	if len(errs) > 0 {
		return errs
	}

	sourceHandle := normalizeHandle(edge.SourceHandle, "output-")
	targetHandle := normalizeHandle(edge.TargetHandle, "input-")
	if !v.connections(source, target, sourceHandle, targetHandle) {
		return []string{fmt.Sprintf("edge %q: incompatible connection from %q (%s) to %q (%s)",
			edge.ID, source.label(), sourceHandle, target.label(), targetHandle)}
	}
	return nil
}

// findOrphans lists nodes touched by no edge. A single-node graph has no
// orphans.
func findOrphans(nodes []GraphNode, edges []GraphEdge) []string {
	if len(nodes) < 2 {
		return nil
	}
	connected := make(map[string]bool, len(edges)*2)
	for _, edge := range edges {
		connected[edge.Source] = true
		connected[edge.Target] = true
	}
	var orphans []string
	for _, node := range nodes {
		if !connected[node.ID] {
			orphans = append(orphans, node.label())
		}
	}
	return orphans
}

func normalizeHandle(handle, prefix string) string {
	h := strings.TrimPrefix(handle, prefix)
	if h == "" {
		return defaultHandle
	}
	return h
}
