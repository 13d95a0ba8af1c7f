package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCatalog() NodeTypeCatalog {
	return NewCatalog(
		NodeTypeDescriptor{Name: "trigger"},
		NodeTypeDescriptor{Name: "http", RequiredParameters: []string{"url"}},
		NodeTypeDescriptor{Name: "email", RequiredParameters: []string{"to", "subject"}, Credentials: []string{"smtp", "dkim"}},
	)
}

func chainGraph() ([]GraphNode, []GraphEdge) {
	nodes := []GraphNode{
		{ID: "a", Name: "Start", Type: "trigger"},
		{ID: "b", Name: "Fetch", Type: "http", Parameters: map[string]any{"url": "https://example.com"}},
		{ID: "c", Type: "email",
			Parameters:  map[string]any{"to": "ops@example.com", "subject": "hi"},
			Credentials: map[string]CredentialRef{"smtp": {ID: "cred-1"}, "dkim": {ID: "cred-2"}},
		},
	}
	edges := []GraphEdge{
		{ID: "e1", Source: "a", Target: "b"},
		{ID: "e2", Source: "b", Target: "c", SourceHandle: "output-main", TargetHandle: "input-main"},
	}
	return nodes, edges
}

func TestValidate_EmptyGraph(t *testing.T) {
	errs := ValidateGraph(nil, []GraphEdge{{ID: "e1", Source: "x", Target: "y"}}, testCatalog())

	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "at least one node")
}

func TestValidate_ValidGraph(t *testing.T) {
	nodes, edges := chainGraph()

	assert.Empty(t, ValidateGraph(nodes, edges, testCatalog()))
}

func TestValidate_SingleNodeIsNotOrphan(t *testing.T) {
	errs := ValidateGraph([]GraphNode{{ID: "a", Type: "trigger"}}, nil, testCatalog())

	assert.Empty(t, errs)
}

func TestValidate_UnknownTypeSkipsOtherNodeChecks(t *testing.T) {
	nodes, edges := chainGraph()
	nodes[1].Type = "webhook"
	nodes[1].Parameters = nil

	errs := ValidateGraph(nodes, edges, testCatalog())

	require.Len(t, errs, 1)
	assert.Equal(t, `node "Fetch": unknown node type "webhook"`, errs[0])
}

func TestValidate_MissingParameters(t *testing.T) {
	nodes, edges := chainGraph()
	nodes[2].Parameters = map[string]any{"to": nil}

	errs := ValidateGraph(nodes, edges, testCatalog())

	assert.Equal(t, []string{
		`node "c": missing required parameter "to"`,
		`node "c": missing required parameter "subject"`,
	}, errs)
}

func TestValidate_CredentialPolicy(t *testing.T) {
	nodes, edges := chainGraph()
	nodes[2].Credentials = map[string]CredentialRef{"smtp": {ID: "cred-1"}}

	t.Run("all credentials by default", func(t *testing.T) {
		errs := ValidateGraph(nodes, edges, testCatalog())
		assert.Equal(t, []string{`node "c": missing required credential "dkim"`}, errs)
	})

	t.Run("first credential only", func(t *testing.T) {
		v := NewGraphValidator(WithCredentialPolicy(CheckFirstCredentialOnly))
		assert.Empty(t, v.Validate(nodes, edges, testCatalog()))
	})

	t.Run("no credentials at all", func(t *testing.T) {
		nodes[2].Credentials = nil
		v := NewGraphValidator(WithCredentialPolicy(CheckFirstCredentialOnly))
		assert.Equal(t, []string{`node "c": missing required credential "smtp"`}, v.Validate(nodes, edges, testCatalog()))
	})
}

func TestValidate_OrphansCollectedOnOneLine(t *testing.T) {
	nodes, edges := chainGraph()
	nodes = append(nodes,
		GraphNode{ID: "d", Name: "Lonely", Type: "trigger"},
		GraphNode{ID: "e", Type: "trigger"},
	)

	errs := ValidateGraph(nodes, edges, testCatalog())

	assert.Equal(t, []string{"orphaned nodes: Lonely, e"}, errs)
}

func TestValidate_DanglingEdge(t *testing.T) {
	nodes, edges := chainGraph()
	edges = append(edges, GraphEdge{ID: "e3", Source: "c", Target: "ghost"})

	errs := ValidateGraph(nodes, edges, testCatalog())

	assert.Equal(t, []string{`edge "e3": target node "ghost" not found`}, errs)
}

func TestValidate_ConnectionChecker(t *testing.T) {
	nodes, edges := chainGraph()
	var seen [][2]string
	checker := func(source, target GraphNode, sh, th string) bool {
		seen = append(seen, [2]string{sh, th})
		return !(source.Type == "http" && target.Type == "email")
	}

	errs := NewGraphValidator(WithConnectionChecker(checker)).Validate(nodes, edges, testCatalog())

	assert.Equal(t, []string{`edge "e2": incompatible connection from "Fetch" (main) to "c" (main)`}, errs)
	assert.Equal(t, [][2]string{{"main", "main"}, {"main", "main"}}, seen)
}

func TestValidate_Cycle(t *testing.T) {
	nodes := []GraphNode{
		{ID: "A", Type: "trigger"},
		{ID: "B", Type: "trigger"},
		{ID: "C", Type: "trigger"},
	}
	edges := []GraphEdge{
		{ID: "e1", Source: "A", Target: "B"},
		{ID: "e2", Source: "B", Target: "C"},
		{ID: "e3", Source: "C", Target: "A"},
	}

	errs := ValidateGraph(nodes, edges, testCatalog())

	require.Len(t, errs, 1)
	assert.Equal(t, `cycle detected involving node "A"`, errs[0])
}

func TestValidate_CycleReportedOncePerNode(t *testing.T) {
	// Two entry points (X and Y) lead into the same B<->C cycle.
	nodes := []GraphNode{
		{ID: "X", Type: "trigger"},
		{ID: "Y", Type: "trigger"},
		{ID: "B", Type: "trigger"},
		{ID: "C", Type: "trigger"},
	}
	edges := []GraphEdge{
		{ID: "e1", Source: "X", Target: "B"},
		{ID: "e2", Source: "Y", Target: "C"},
		{ID: "e3", Source: "B", Target: "C"},
		{ID: "e4", Source: "C", Target: "B"},
	}

	errs := ValidateGraph(nodes, edges, testCatalog())

	assert.Equal(t, []string{`cycle detected involving node "B"`}, errs)
}

func TestValidate_SelfLoop(t *testing.T) {
	nodes := []GraphNode{{ID: "A", Name: "Loop", Type: "trigger"}}
	edges := []GraphEdge{{ID: "e1", Source: "A", Target: "A"}}

	errs := ValidateGraph(nodes, edges, testCatalog())

	assert.Equal(t, []string{`cycle detected involving node "Loop"`}, errs)
}

func TestValidate_DuplicateNodeID(t *testing.T) {
	nodes, edges := chainGraph()
	nodes = append(nodes, GraphNode{ID: "a", Type: "trigger"})

	errs := ValidateGraph(nodes, edges, testCatalog())

	assert.Contains(t, errs, `node id "a" is declared more than once`)
}

func TestNormalizeHandle(t *testing.T) {
	assert.Equal(t, "main", normalizeHandle("", "output-"))
	assert.Equal(t, "main", normalizeHandle("output-", "output-"))
	assert.Equal(t, "true", normalizeHandle("output-true", "output-"))
	assert.Equal(t, "output-x", normalizeHandle("output-x", "input-"))
}
