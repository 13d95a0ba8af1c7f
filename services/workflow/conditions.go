package workflow

import (
	"fmt"
	"math"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"

	"workflow-engine/api/pkg/jsonx"
)

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

var conditionFunctions = map[string]function.Function{
	"abs":    stdlib.AbsoluteFunc,
	"length": stdlib.LengthFunc,
	"lower":  stdlib.LowerFunc,
	"max":    stdlib.MaxFunc,
	"min":    stdlib.MinFunc,
	"upper":  stdlib.UpperFunc,
}

// StepOutcome is what routing conditions are evaluated against: the
// accumulated data after the step, the step's own output and its error.
type StepOutcome struct {
	Data   map[string]any
	Result map[string]any
	Err    error
}

func (o StepOutcome) status() string {
	if o.Err != nil {
		return outcomeFailure
	}
	return outcomeSuccess
}

// ParseConditionExpression checks that expr is a well-formed expression.
func ParseConditionExpression(expr string) (hcl.Expression, error) {
	parsed, diags := hclsyntax.ParseExpression([]byte(expr), "condition", hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse condition %q: %s", expr, diags.Error())
	}
	return parsed, nil
}

// EvaluateCondition evaluates a custom expression. Top-level data keys are
// variables in their own right and are also reachable through "data"; the
// step output is "result", the outcome is "status" ("success" or "failure")
// and the failure message is "error". A null result is false.
func EvaluateCondition(expr string, outcome StepOutcome) (bool, error) {
	parsed, err := ParseConditionExpression(expr)
	if err != nil {
		return false, err
	}

	evalCtx, err := conditionContext(outcome)
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", expr, err)
	}

	val, diags := parsed.Value(evalCtx)
	if diags.HasErrors() {
		return false, fmt.Errorf("evaluate condition %q: %s", expr, diags.Error())
	}
	if val.IsNull() || !val.IsKnown() {
		return false, nil
	}
	val, err = convert.Convert(val, cty.Bool)
	if err != nil {
		return false, fmt.Errorf("condition %q is not boolean: %w", expr, err)
	}
	return val.True(), nil
}

// Matches reports whether c fires for the given outcome. Custom expressions
// that cannot be evaluated do not fire; the error is returned for logging.
func (c WorkflowCondition) Matches(outcome StepOutcome) (bool, error) {
	switch c.Type {
	case ConditionSuccess:
		return outcome.Err == nil, nil
	case ConditionFailure:
		return outcome.Err != nil, nil
	case ConditionAlways:
		return true, nil
	case ConditionCustom:
		return EvaluateCondition(c.Expression, outcome)
	default:
		return false, fmt.Errorf("unknown condition type %q", c.Type)
	}
}

func conditionContext(outcome StepOutcome) (*hcl.EvalContext, error) {
	dataVal, err := toCtyValue(outcome.Data)
	if err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}
	resultVal, err := toCtyValue(outcome.Result)
	if err != nil {
		return nil, fmt.Errorf("result: %w", err)
	}

	vars := make(map[string]cty.Value, len(outcome.Data)+4)
	for key := range outcome.Data {
		if hclsyntax.ValidIdentifier(key) {
			vars[key] = dataVal.GetAttr(key)
		}
	}

	errMsg := ""
	if outcome.Err != nil {
		errMsg = outcome.Err.Error()
	}
	vars["data"] = dataVal
	vars["result"] = resultVal
	vars["status"] = cty.StringVal(outcome.status())
	vars["error"] = cty.StringVal(errMsg)

	return &hcl.EvalContext{Variables: vars, Functions: conditionFunctions}, nil
}

// toCtyValue converts decoded JSON/YAML values and common Go scalars.
func toCtyValue(data any) (cty.Value, error) {
	if data == nil {
		return cty.NullVal(cty.DynamicPseudoType), nil
	}
	switch v := data.(type) {
	case string:
		return cty.StringVal(v), nil
	case bool:
		return cty.BoolVal(v), nil
	case int:
		return cty.NumberIntVal(int64(v)), nil
	case int32:
		return cty.NumberIntVal(int64(v)), nil
	case int64:
		return cty.NumberIntVal(v), nil
	case uint:
		return cty.NumberUIntVal(uint64(v)), nil
	case uint64:
		return cty.NumberUIntVal(v), nil
	case float32:
		return toCtyValue(float64(v))
	case float64:
		if math.IsNaN(v) {
			return cty.NilVal, fmt.Errorf("NaN is not a valid number")
		}
		return cty.NumberFloatVal(v), nil
	case map[string]any:
		if v == nil {
			return cty.EmptyObjectVal, nil
		}
		attrs := make(map[string]cty.Value, len(v))
		for key, val := range v {
			ctyVal, err := toCtyValue(val)
			if err != nil {
				return cty.NilVal, err
			}
			attrs[key] = ctyVal
		}
		return cty.ObjectVal(attrs), nil
	case []any:
		elems := make([]cty.Value, 0, len(v))
		for _, val := range v {
			ctyVal, err := toCtyValue(val)
			if err != nil {
				return cty.NilVal, err
			}
			elems = append(elems, ctyVal)
		}
		return cty.TupleVal(elems), nil
	case []string:
		elems := make([]cty.Value, 0, len(v))
		for _, s := range v {
			elems = append(elems, cty.StringVal(s))
		}
		return cty.TupleVal(elems), nil
	default:
		// Anything else goes through its JSON form.
		raw, err := jsonx.Marshal(v)
		if err != nil {
			return cty.NilVal, fmt.Errorf("unsupported value type %T: %w", v, err)
		}
		var decoded any
		if err := jsonx.Unmarshal(raw, &decoded); err != nil {
			return cty.NilVal, fmt.Errorf("unsupported value type %T: %w", v, err)
		}
		return toCtyValue(decoded)
	}
}
