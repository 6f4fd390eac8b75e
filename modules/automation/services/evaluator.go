package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/fortresshq/fortress/modules/automation/domain/types"
)

// ActionExecutor runs the action of a rule whose trigger and condition both
// matched an event.
type ActionExecutor interface {
	Execute(ctx context.Context, rule types.Rule, event types.ChangeEvent) (detail string, err error)
}

type Evaluator struct {
	executor ActionExecutor
}

func NewEvaluator(executor ActionExecutor) *Evaluator {
	return &Evaluator{executor: executor}
}

// Evaluate runs every rule against the event in list order. A failing rule
// is reported in its outcome and never blocks the rules after it.
func (e *Evaluator) Evaluate(ctx context.Context, event types.ChangeEvent, rules []types.Rule) []types.Outcome {
	out := make([]types.Outcome, 0, len(rules))
	for _, rule := range rules {
		if !rule.IsActive {
			continue
		}
		if !triggerMatches(rule.Trigger, event) {
			continue
		}

		o := types.Outcome{
			RuleID:     rule.ID,
			RuleName:   rule.Name,
			ActionKind: rule.Action.Kind,
		}

		met, err := conditionMet(rule.Condition, event.Record)
		if err != nil {
			o.Status = types.OutcomeFailed
			o.Detail = "condition error: " + err.Error()
			out = append(out, o)
			continue
		}
		if !met {
			o.Status = types.OutcomeSkipped
			o.Detail = "condition not met"
			out = append(out, o)
			continue
		}

		detail, err := e.executor.Execute(ctx, rule, event)
		if err != nil {
			o.Status = types.OutcomeFailed
			o.Detail = err.Error()
			out = append(out, o)
			continue
		}
		o.Status = types.OutcomeOK
		o.Detail = detail
		out = append(out, o)
	}
	return out
}

func triggerMatches(trigger types.TriggerType, event types.ChangeEvent) bool {
	switch trigger {
	case types.TriggerStockLevelChanged:
		return event.Op == types.ChangeOpUpdate &&
			event.OldRecord != nil &&
			event.OldRecord.Quantity != event.Record.Quantity
	default:
		// Other trigger types parse at save time but have no event source
		// yet, so they never fire.
		return false
	}
}

var newConditionCELEnv = func() (*cel.Env, error) {
	return cel.NewEnv(cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)))
}

var conditionProgramCache sync.Map

func conditionMet(c *types.Condition, record types.ItemSnapshot) (bool, error) {
	if c == nil {
		return true, nil
	}
	if err := c.Validate(); err != nil {
		return false, err
	}

	program, err := loadOrCompileConditionProgram(conditionExpr(c))
	if err != nil {
		return false, err
	}
	out, _, err := program.Eval(map[string]any{
		"record": map[string]any{
			"quantity": float64(record.Quantity),
		},
	})
	if err != nil {
		return false, err
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, errors.New("condition did not evaluate to a boolean")
	}
	return v, nil
}

func conditionExpr(c *types.Condition) string {
	op := "=="
	switch c.Operator {
	case types.OperatorLessThan:
		op = "<"
	case types.OperatorGreaterThan:
		op = ">"
	}
	return fmt.Sprintf("record.%s %s %s", types.ConditionFieldQuantity, op, strconv.FormatFloat(c.Value, 'f', -1, 64))
}

func loadOrCompileConditionProgram(expr string) (cel.Program, error) {
	if cached, ok := conditionProgramCache.Load(expr); ok {
		return cached.(cel.Program), nil
	}
	env, err := newConditionCELEnv()
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if ast.OutputType() != cel.BoolType {
		return nil, errors.New("condition output type mismatch")
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	conditionProgramCache.Store(expr, program)
	return program, nil
}
