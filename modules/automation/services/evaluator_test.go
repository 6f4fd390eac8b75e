package services

import (
	"context"
	"errors"
	"testing"

	"github.com/fortresshq/fortress/modules/automation/domain/types"
)

type fakeExecutor struct {
	calls  []types.Rule
	fn     func(rule types.Rule, event types.ChangeEvent) (string, error)
	detail string
}

func (e *fakeExecutor) Execute(_ context.Context, rule types.Rule, event types.ChangeEvent) (string, error) {
	e.calls = append(e.calls, rule)
	if e.fn != nil {
		return e.fn(rule, event)
	}
	return e.detail, nil
}

func stockDropEvent(oldQty, newQty int64) types.ChangeEvent {
	return types.ChangeEvent{
		Op: types.ChangeOpUpdate,
		Record: types.ItemSnapshot{
			ItemID:   "item-1",
			TenantID: "t1",
			Name:     "Widget",
			SKU:      "WID-1",
			Quantity: newQty,
			Location: "A-01",
		},
		OldRecord: &types.ItemSnapshot{
			ItemID:   "item-1",
			TenantID: "t1",
			Name:     "Widget",
			SKU:      "WID-1",
			Quantity: oldQty,
			Location: "A-01",
		},
	}
}

func notifyRule(id string, active bool, cond *types.Condition) types.Rule {
	return types.Rule{
		ID:        id,
		TenantID:  "t1",
		Name:      "rule " + id,
		IsActive:  active,
		Trigger:   types.TriggerStockLevelChanged,
		Condition: cond,
		Action:    types.Action{Kind: types.ActionKindNotify, Message: "low stock on {sku}"},
	}
}

func TestEvaluate_EmptyRules(t *testing.T) {
	exec := &fakeExecutor{}
	e := NewEvaluator(exec)

	out := e.Evaluate(context.Background(), stockDropEvent(10, 3), nil)
	if len(out) != 0 {
		t.Fatalf("outcomes=%d", len(out))
	}
	if len(exec.calls) != 0 {
		t.Fatalf("executor calls=%d", len(exec.calls))
	}
}

func TestEvaluate_InactiveRuleNeverFires(t *testing.T) {
	exec := &fakeExecutor{}
	e := NewEvaluator(exec)

	out := e.Evaluate(context.Background(), stockDropEvent(10, 3), []types.Rule{notifyRule("r1", false, nil)})
	if len(out) != 0 {
		t.Fatalf("outcomes=%d", len(out))
	}
	if len(exec.calls) != 0 {
		t.Fatalf("executor calls=%d", len(exec.calls))
	}
}

func TestEvaluate_EqualQuantitiesDoNotTrigger(t *testing.T) {
	exec := &fakeExecutor{}
	e := NewEvaluator(exec)

	out := e.Evaluate(context.Background(), stockDropEvent(5, 5), []types.Rule{notifyRule("r1", true, nil)})
	if len(out) != 0 {
		t.Fatalf("outcomes=%d", len(out))
	}
}

func TestEvaluate_InsertDoesNotTriggerStockLevelChanged(t *testing.T) {
	exec := &fakeExecutor{}
	e := NewEvaluator(exec)

	event := types.ChangeEvent{
		Op:     types.ChangeOpInsert,
		Record: types.ItemSnapshot{ItemID: "item-1", TenantID: "t1", Quantity: 3},
	}
	out := e.Evaluate(context.Background(), event, []types.Rule{notifyRule("r1", true, nil)})
	if len(out) != 0 {
		t.Fatalf("outcomes=%d", len(out))
	}
}

func TestEvaluate_NilConditionFires(t *testing.T) {
	exec := &fakeExecutor{detail: "done"}
	e := NewEvaluator(exec)

	out := e.Evaluate(context.Background(), stockDropEvent(10, 3), []types.Rule{notifyRule("r1", true, nil)})
	if len(out) != 1 {
		t.Fatalf("outcomes=%d", len(out))
	}
	if out[0].Status != types.OutcomeOK {
		t.Fatalf("status=%s detail=%s", out[0].Status, out[0].Detail)
	}
	if out[0].Detail != "done" {
		t.Fatalf("detail=%q", out[0].Detail)
	}
	if out[0].RuleID != "r1" || out[0].ActionKind != types.ActionKindNotify {
		t.Fatalf("outcome=%+v", out[0])
	}
}

func TestEvaluate_LessThanCondition(t *testing.T) {
	cond := &types.Condition{Field: "quantity", Operator: types.OperatorLessThan, Value: 5}

	cases := []struct {
		name   string
		newQty int64
		want   types.OutcomeStatus
	}{
		{"below threshold fires", 3, types.OutcomeOK},
		{"at threshold skips", 5, types.OutcomeSkipped},
		{"above threshold skips", 9, types.OutcomeSkipped},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			exec := &fakeExecutor{}
			e := NewEvaluator(exec)
			out := e.Evaluate(context.Background(), stockDropEvent(10, tc.newQty), []types.Rule{notifyRule("r1", true, cond)})
			if len(out) != 1 {
				t.Fatalf("outcomes=%d", len(out))
			}
			if out[0].Status != tc.want {
				t.Fatalf("status=%s want=%s", out[0].Status, tc.want)
			}
		})
	}
}

func TestEvaluate_EqAndGtOperators(t *testing.T) {
	exec := &fakeExecutor{}
	e := NewEvaluator(exec)

	eq := notifyRule("r-eq", true, &types.Condition{Field: "quantity", Operator: types.OperatorEqual, Value: 3})
	gt := notifyRule("r-gt", true, &types.Condition{Field: "quantity", Operator: types.OperatorGreaterThan, Value: 2})

	out := e.Evaluate(context.Background(), stockDropEvent(10, 3), []types.Rule{eq, gt})
	if len(out) != 2 {
		t.Fatalf("outcomes=%d", len(out))
	}
	if out[0].Status != types.OutcomeOK {
		t.Fatalf("eq status=%s", out[0].Status)
	}
	if out[1].Status != types.OutcomeOK {
		t.Fatalf("gt status=%s", out[1].Status)
	}
}

func TestEvaluate_FailingRuleDoesNotBlockNext(t *testing.T) {
	exec := &fakeExecutor{fn: func(rule types.Rule, _ types.ChangeEvent) (string, error) {
		if rule.ID == "r1" {
			return "", errors.New("sink unavailable")
		}
		return "ok", nil
	}}
	e := NewEvaluator(exec)

	out := e.Evaluate(context.Background(), stockDropEvent(10, 1), []types.Rule{
		notifyRule("r1", true, nil),
		notifyRule("r2", true, nil),
	})
	if len(out) != 2 {
		t.Fatalf("outcomes=%d", len(out))
	}
	if out[0].Status != types.OutcomeFailed || out[0].Detail != "sink unavailable" {
		t.Fatalf("first outcome=%+v", out[0])
	}
	if out[1].Status != types.OutcomeOK {
		t.Fatalf("second outcome=%+v", out[1])
	}
}

func TestEvaluate_InvalidConditionReportsFailed(t *testing.T) {
	exec := &fakeExecutor{}
	e := NewEvaluator(exec)

	bad := notifyRule("r1", true, &types.Condition{Field: "price", Operator: types.OperatorLessThan, Value: 5})
	out := e.Evaluate(context.Background(), stockDropEvent(10, 1), []types.Rule{bad})
	if len(out) != 1 {
		t.Fatalf("outcomes=%d", len(out))
	}
	if out[0].Status != types.OutcomeFailed {
		t.Fatalf("status=%s", out[0].Status)
	}
	if len(exec.calls) != 0 {
		t.Fatalf("executor calls=%d", len(exec.calls))
	}
}

func TestConditionProgramCacheReuse(t *testing.T) {
	cond := &types.Condition{Field: "quantity", Operator: types.OperatorLessThan, Value: 7}
	expr := conditionExpr(cond)
	conditionProgramCache.Delete(expr)

	if _, err := conditionMet(cond, types.ItemSnapshot{Quantity: 3}); err != nil {
		t.Fatal(err)
	}
	if _, ok := conditionProgramCache.Load(expr); !ok {
		t.Fatal("expected compiled program to be cached")
	}

	met, err := conditionMet(cond, types.ItemSnapshot{Quantity: 9})
	if err != nil {
		t.Fatal(err)
	}
	if met {
		t.Fatal("expected condition to be unmet for quantity=9")
	}
}
