package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type TriggerType string

const (
	TriggerStockLevelChanged TriggerType = "stock_level_changed"
	TriggerItemCreated       TriggerType = "item_created"
	TriggerItemDeleted       TriggerType = "item_deleted"
)

func ParseTriggerType(raw string) (TriggerType, error) {
	switch TriggerType(strings.TrimSpace(raw)) {
	case TriggerStockLevelChanged:
		return TriggerStockLevelChanged, nil
	case TriggerItemCreated:
		return TriggerItemCreated, nil
	case TriggerItemDeleted:
		return TriggerItemDeleted, nil
	}
	return "", fmt.Errorf("unsupported trigger type %q", raw)
}

type ConditionOperator string

const (
	OperatorLessThan    ConditionOperator = "lt"
	OperatorEqual       ConditionOperator = "eq"
	OperatorGreaterThan ConditionOperator = "gt"
)

const ConditionFieldQuantity = "quantity"

// Condition is the closed comparison shape rules may carry: the quantity
// field compared against a numeric value. A nil *Condition means the rule
// fires unconditionally.
type Condition struct {
	Field    string            `json:"field"`
	Operator ConditionOperator `json:"operator"`
	Value    float64           `json:"value"`
}

func (c *Condition) Validate() error {
	if c == nil {
		return nil
	}
	if strings.TrimSpace(c.Field) != ConditionFieldQuantity {
		return fmt.Errorf("unsupported condition field %q", c.Field)
	}
	switch c.Operator {
	case OperatorLessThan, OperatorEqual, OperatorGreaterThan:
	default:
		return fmt.Errorf("unsupported condition operator %q", c.Operator)
	}
	return nil
}

type ActionKind string

const (
	ActionKindNotify        ActionKind = "notify"
	ActionKindEmail         ActionKind = "email"
	ActionKindPurchaseOrder ActionKind = "purchase_order"
)

// Action is a tagged union: Kind selects which of the remaining fields are
// meaningful.
type Action struct {
	Kind ActionKind `json:"kind"`

	// notify, email
	Message string `json:"message,omitempty"`

	// email
	Recipient string `json:"recipient,omitempty"`
	Subject   string `json:"subject,omitempty"`

	// purchase_order
	VendorID      string `json:"vendor_id,omitempty"`
	OrderQuantity int64  `json:"order_quantity,omitempty"`
}

func (a Action) Validate() error {
	switch a.Kind {
	case ActionKindNotify:
		if strings.TrimSpace(a.Message) == "" {
			return errors.New("notify action requires a message")
		}
	case ActionKindEmail:
		if strings.TrimSpace(a.Recipient) == "" {
			return errors.New("email action requires a recipient")
		}
		if strings.TrimSpace(a.Message) == "" {
			return errors.New("email action requires a message")
		}
	case ActionKindPurchaseOrder:
		if strings.TrimSpace(a.VendorID) == "" {
			return errors.New("purchase_order action requires a vendor_id")
		}
		if a.OrderQuantity <= 0 {
			return errors.New("purchase_order action requires a positive order_quantity")
		}
	default:
		return fmt.Errorf("unsupported action kind %q", a.Kind)
	}
	return nil
}

type Rule struct {
	ID        string
	TenantID  string
	Name      string
	IsActive  bool
	Trigger   TriggerType
	Condition *Condition
	Action    Action
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the save-time shape of a rule. Unsupported triggers,
// condition shapes, and action kinds are rejected here rather than left to
// die silently at evaluation time.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("rule name is required")
	}
	if _, err := ParseTriggerType(string(r.Trigger)); err != nil {
		return err
	}
	if err := r.Condition.Validate(); err != nil {
		return err
	}
	return r.Action.Validate()
}
