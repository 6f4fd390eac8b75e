package types

import (
	"fmt"
	"strings"
)

type ChangeOp string

const (
	ChangeOpInsert ChangeOp = "INSERT"
	ChangeOpUpdate ChangeOp = "UPDATE"
	ChangeOpDelete ChangeOp = "DELETE"
)

func ParseChangeOp(raw string) (ChangeOp, error) {
	switch ChangeOp(strings.ToUpper(strings.TrimSpace(raw))) {
	case ChangeOpInsert:
		return ChangeOpInsert, nil
	case ChangeOpUpdate:
		return ChangeOpUpdate, nil
	case ChangeOpDelete:
		return ChangeOpDelete, nil
	}
	return "", fmt.Errorf("unsupported change op %q", raw)
}

// ItemSnapshot is the inventory row image carried by a change event.
type ItemSnapshot struct {
	ItemID   string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	SKU      string `json:"sku"`
	Quantity int64  `json:"quantity"`
	Location string `json:"location"`
}

// ChangeEvent describes one inventory row change. OldRecord is nil for
// inserts.
type ChangeEvent struct {
	Op        ChangeOp      `json:"type"`
	Record    ItemSnapshot  `json:"record"`
	OldRecord *ItemSnapshot `json:"old_record"`
}

type OutcomeStatus string

const (
	OutcomeOK      OutcomeStatus = "ok"
	OutcomeFailed  OutcomeStatus = "failed"
	OutcomeSkipped OutcomeStatus = "skipped"
)

// Outcome reports what a single rule did with a single event. Rules whose
// trigger did not match produce no outcome; a matched rule always produces
// exactly one (ok, failed, or skipped when its condition was not met).
type Outcome struct {
	RuleID     string        `json:"ruleId"`
	RuleName   string        `json:"ruleName"`
	ActionKind ActionKind    `json:"action"`
	Status     OutcomeStatus `json:"status"`
	Detail     string        `json:"detail,omitempty"`
}
