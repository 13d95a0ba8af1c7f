package workflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orderYAML = `
id: order
name: Order intake
steps:
  - id: validate
    name: Validate
    type: condition
    action: run
    parameters:
      expression: total > 0
    conditions:
      - type: custom
        expression: result.conditionMet
        next_step: charge
      - type: always
        next_step: reject
  - id: charge
    name: Charge
    type: http
    action: POST
    parameters:
      url: https://payments.example.com/charge
    retry_policy:
      max_attempts: 3
      backoff_strategy: exponential
      backoff_delay: 250ms
    timeout: 2s
  - id: reject
    name: Reject
    type: set
    action: run
    parameters:
      rejected: true
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseDefinitionYAML(t *testing.T) {
	def, err := ParseDefinitionYAML([]byte(orderYAML))
	require.NoError(t, err)

	assert.Equal(t, "order", def.ID)
	assert.Equal(t, ModeStepwise, def.Mode)
	require.Len(t, def.Steps, 3)

	validate := def.Steps[0]
	assert.Equal(t, "total > 0", validate.Parameters["expression"])
	require.Len(t, validate.Conditions, 2)
	assert.Equal(t, ConditionCustom, validate.Conditions[0].Type)
	assert.Equal(t, "charge", validate.Conditions[0].NextStepID)

	charge := def.Steps[1]
	require.NotNil(t, charge.RetryPolicy)
	assert.Equal(t, 3, charge.RetryPolicy.MaxAttempts)
	assert.Equal(t, BackoffExponential, charge.RetryPolicy.BackoffStrategy)
	assert.Equal(t, 250*time.Millisecond, charge.RetryPolicy.BackoffDelay)
	assert.Equal(t, 2*time.Second, charge.Timeout)

	assert.Empty(t, ValidateDefinition(def))
}

func TestParseDefinitionYAML_Errors(t *testing.T) {
	_, err := ParseDefinitionYAML([]byte("  \n"))
	assert.ErrorContains(t, err, "empty")

	_, err = ParseDefinitionYAML([]byte("id: [unclosed"))
	assert.ErrorContains(t, err, "decode definition")
}

func TestLoadDefinitionFile_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.yaml", "id: bad\nmode: stepwise\nsteps: []\n")

	_, err := LoadDefinitionFile(path)

	require.ErrorIs(t, err, ErrInvalidDefinition)
	assert.ErrorContains(t, err, "bad.yaml")
}

func TestLoadDefinitionsDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b-order.yaml", orderYAML)
	writeFile(t, dir, "a-ping.yml", "id: ping\nname: Ping\nmode: dependency\nsteps:\n  - id: p\n    name: P\n    type: noop\n    action: run\n")
	writeFile(t, dir, "README.md", "not a workflow")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.yaml"), 0o755))

	defs, err := LoadDefinitionsDir(dir)

	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "ping", defs[0].ID)
	assert.Equal(t, ModeDependency, defs[0].Mode)
	assert.Equal(t, "order", defs[1].ID)
}

func TestLoadDefinitionsDir_DuplicateID(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "one.yaml", orderYAML)
	writeFile(t, dir, "two.yaml", orderYAML)

	_, err := LoadDefinitionsDir(dir)

	assert.ErrorContains(t, err, `definition "order" declared in both one.yaml and two.yaml`)
}

func TestLoadDefinitionsDir_Missing(t *testing.T) {
	defs, err := LoadDefinitionsDir(filepath.Join(t.TempDir(), "absent"))

	require.NoError(t, err)
	assert.Empty(t, defs)
}

func TestLoadCatalogFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "catalog.yaml", `
node_types:
  - name: http
    required_parameters: [url]
    credentials: [apiKey]
  - name: noop
`)

	catalog, err := LoadCatalogFile(path)

	require.NoError(t, err)
	require.Len(t, catalog, 2)
	assert.Equal(t, []string{"url"}, catalog["http"].RequiredParameters)
	assert.Equal(t, []string{"apiKey"}, catalog["http"].Credentials)
	assert.Empty(t, catalog["noop"].RequiredParameters)

	bad := writeFile(t, dir, "bad.yaml", "node_types:\n  - required_parameters: [x]\n")
	_, err = LoadCatalogFile(bad)
	assert.ErrorContains(t, err, "entry 0 has no name")
}

func TestBundledDefinitions(t *testing.T) {
	defs, err := LoadDefinitionsDir(filepath.Join("..", "..", "workflows"))
	require.NoError(t, err)

	byID := make(map[string]WorkflowDefinition, len(defs))
	for _, def := range defs {
		byID[def.ID] = def
	}
	require.Contains(t, byID, "weather-alert")
	require.Contains(t, byID, "order-fulfilment")

	exec := newTestExecutor(NewRegistry(nil))
	res, err := exec.ExecuteWorkflow(context.Background(), byID["order-fulfilment"].Steps,
		map[string]any{"email": "Ada@Example.COM", "quantity": 2})

	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "ada@example.com", res.Context["email"])
	assert.Equal(t, "ada@example.com", res.Context["invoiceTo"])
	assert.Equal(t, "Order for ada@example.com confirmed (2 items)", res.Context["confirmation"])
}
