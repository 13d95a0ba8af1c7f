package workflow

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"workflow-engine/api/pkg/jsonx"
)

// Built-in step types.
const (
	TypeNoop      = "noop"
	TypeSet       = "set"
	TypeTransform = "transform"
	TypeCondition = "condition"
	TypeHTTP      = "http"
	TypeDelay     = "delay"
)

// NewRegistry returns a registry holding every built-in handler. The client
// is used by http steps; nil selects a client with a 10 second timeout.
func NewRegistry(client HTTPDoer) Registry {
	return Registry{
		TypeNoop:      NoopHandler{},
		TypeSet:       SetHandler{},
		TypeTransform: TransformHandler{},
		TypeCondition: ConditionHandler{},
		TypeHTTP:      NewHTTPHandler(client),
		TypeDelay:     DelayHandler{},
	}
}

// BuiltinCatalog describes the built-in types for graph validation.
func BuiltinCatalog() NodeTypeCatalog {
	return NewCatalog(
		NodeTypeDescriptor{Name: TypeNoop},
		NodeTypeDescriptor{Name: TypeSet},
		NodeTypeDescriptor{Name: TypeTransform, RequiredParameters: []string{"input"}},
		NodeTypeDescriptor{Name: TypeCondition, RequiredParameters: []string{"expression"}},
		NodeTypeDescriptor{Name: TypeHTTP, RequiredParameters: []string{"url"}},
		NodeTypeDescriptor{Name: TypeDelay, RequiredParameters: []string{"duration"}},
	)
}

// NoopHandler marks a point in the flow, such as its start or end.
type NoopHandler struct{}

func (NoopHandler) Execute(context.Context, WorkflowStep, map[string]any) (StepResult, error) {
	return StepResult{}, nil
}

// SetHandler writes its (template-rendered) parameters into the data.
type SetHandler struct{}

func (SetHandler) Execute(_ context.Context, step WorkflowStep, _ map[string]any) (StepResult, error) {
	return StepResult{Data: cloneData(step.Parameters)}, nil
}

// TransformHandler applies the transformation named by the step action to
// the "input" parameter and stores it under "output" (default "result").
type TransformHandler struct{}

func (TransformHandler) Execute(_ context.Context, step WorkflowStep, _ map[string]any) (StepResult, error) {
	input, ok := step.Parameters["input"]
	if !ok {
		return StepResult{}, fmt.Errorf("missing required parameter: input")
	}

	var out any
	switch step.Action {
	case "toUpperCase", "upper":
		out = strings.ToUpper(stringify(input))
	case "toLowerCase", "lower":
		out = strings.ToLower(stringify(input))
	case "trim":
		out = strings.TrimSpace(stringify(input))
	case "parseJson":
		s, isString := input.(string)
		if !isString {
			out = input
			break
		}
		if err := jsonx.Unmarshal([]byte(s), &out); err != nil {
			return StepResult{}, fmt.Errorf("parse json input: %w", err)
		}
	case "stringify":
		b, err := jsonx.Marshal(input)
		if err != nil {
			return StepResult{}, fmt.Errorf("stringify input: %w", err)
		}
		out = string(b)
	default:
		return StepResult{}, fmt.Errorf("unknown transformation: %s", step.Action)
	}

	return StepResult{Data: map[string]any{outputKey(step, "result"): out}}, nil
}

// ConditionHandler evaluates the "expression" parameter against the data and
// stores the outcome under "output" (default "conditionMet").
type ConditionHandler struct{}

func (ConditionHandler) Execute(_ context.Context, step WorkflowStep, data map[string]any) (StepResult, error) {
	expr, _ := step.Parameters["expression"].(string)
	if strings.TrimSpace(expr) == "" {
		return StepResult{}, fmt.Errorf("missing required parameter: expression")
	}
	met, err := EvaluateCondition(expr, StepOutcome{Data: data})
	if err != nil {
		return StepResult{}, err
	}
	return StepResult{Data: map[string]any{outputKey(step, "conditionMet"): met}}, nil
}

// DelayHandler waits for the "duration" parameter (a Go duration string such
// as "250ms") or until the context is done.
type DelayHandler struct{}

func (DelayHandler) Execute(ctx context.Context, step WorkflowStep, _ map[string]any) (StepResult, error) {
	raw := stringify(step.Parameters["duration"])
	d, err := time.ParseDuration(raw)
	if err != nil {
		return StepResult{}, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if err := waitBackoff(ctx, d); err != nil {
		return StepResult{}, err
	}
	return StepResult{}, nil
}

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPHandler calls an HTTP endpoint. The step action is the method (GET when
// empty); parameters are "url", optional "headers" and "body" (sent as JSON).
// The response is stored under "output" (default the step id) as
// {"statusCode", "body"}; JSON bodies are decoded.
type HTTPHandler struct {
	client HTTPDoer
}

func NewHTTPHandler(client HTTPDoer) *HTTPHandler {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPHandler{client: client}
}

func (h *HTTPHandler) Execute(ctx context.Context, step WorkflowStep, _ map[string]any) (StepResult, error) {
	url, _ := step.Parameters["url"].(string)
	if url == "" {
		return StepResult{}, fmt.Errorf("missing required parameter: url")
	}
	method := strings.ToUpper(step.Action)
	if method == "" || method == "RUN" {
		method = http.MethodGet
	}

	var body io.Reader
	if payload, ok := step.Parameters["body"]; ok && payload != nil {
		b, err := jsonx.Marshal(payload)
		if err != nil {
			return StepResult{}, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return StepResult{}, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := step.Parameters["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, stringify(v))
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return StepResult{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return StepResult{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return StepResult{}, fmt.Errorf("%s %s returned status %d", method, url, resp.StatusCode)
	}

	decoded := any(string(raw))
	if strings.Contains(resp.Header.Get("Content-Type"), "json") && len(raw) > 0 {
		var v any
		if err := jsonx.Unmarshal(raw, &v); err != nil {
			return StepResult{}, fmt.Errorf("decode response: %w", err)
		}
		decoded = v
	}

	return StepResult{Data: map[string]any{
		outputKey(step, step.ID): map[string]any{
			"statusCode": resp.StatusCode,
			"body":       decoded,
		},
	}}, nil
}

func outputKey(step WorkflowStep, fallback string) string {
	if key, ok := step.Parameters["output"].(string); ok && key != "" {
		return key
	}
	return fallback
}
