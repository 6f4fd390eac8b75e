package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fortresshq/fortress/modules/automation/domain/types"
)

// NotificationSink records a notify action, typically as an activity-log
// entry.
type NotificationSink interface {
	RecordNotification(ctx context.Context, tenantID string, message string, details map[string]any) error
}

// EmailSink appends an email action to an outbox for an external mailer.
type EmailSink interface {
	EnqueueEmail(ctx context.Context, tenantID string, recipient string, subject string, body string, details map[string]any) error
}

// PurchaseOrderSink drafts a replenishment purchase order.
type PurchaseOrderSink interface {
	CreateDraftPurchaseOrder(ctx context.Context, tenantID string, vendorID string, itemID string, sku string, quantity int64, reason string) (poNumber string, err error)
}

type Executor struct {
	notifications  NotificationSink
	emails         EmailSink
	purchaseOrders PurchaseOrderSink
}

func NewExecutor(notifications NotificationSink, emails EmailSink, purchaseOrders PurchaseOrderSink) *Executor {
	return &Executor{
		notifications:  notifications,
		emails:         emails,
		purchaseOrders: purchaseOrders,
	}
}

func (e *Executor) Execute(ctx context.Context, rule types.Rule, event types.ChangeEvent) (string, error) {
	tenantID := event.Record.TenantID
	if tenantID == "" {
		tenantID = rule.TenantID
	}

	switch rule.Action.Kind {
	case types.ActionKindNotify:
		if e.notifications == nil {
			return "", errors.New("notification sink not configured")
		}
		msg := substitutePlaceholders(rule.Action.Message, event)
		if err := e.notifications.RecordNotification(ctx, tenantID, msg, outcomeDetails(rule, event)); err != nil {
			return "", err
		}
		return "notification recorded", nil

	case types.ActionKindEmail:
		if e.emails == nil {
			return "", errors.New("email sink not configured")
		}
		subject := strings.TrimSpace(substitutePlaceholders(rule.Action.Subject, event))
		if subject == "" {
			subject = "Inventory alert: " + event.Record.Name
		}
		body := substitutePlaceholders(rule.Action.Message, event)
		if err := e.emails.EnqueueEmail(ctx, tenantID, rule.Action.Recipient, subject, body, outcomeDetails(rule, event)); err != nil {
			return "", err
		}
		return "email queued for " + rule.Action.Recipient, nil

	case types.ActionKindPurchaseOrder:
		if e.purchaseOrders == nil {
			return "", errors.New("purchase order sink not configured")
		}
		reason := fmt.Sprintf("automation rule %q", rule.Name)
		number, err := e.purchaseOrders.CreateDraftPurchaseOrder(ctx, tenantID, rule.Action.VendorID, event.Record.ItemID, event.Record.SKU, rule.Action.OrderQuantity, reason)
		if err != nil {
			return "", err
		}
		return "purchase order " + number + " drafted", nil

	default:
		return "", fmt.Errorf("unsupported action kind %q", rule.Action.Kind)
	}
}

// substitutePlaceholders replaces the fixed token set in message templates.
// Unknown tokens are left as-is.
func substitutePlaceholders(template string, event types.ChangeEvent) string {
	oldQuantity := event.Record.Quantity
	if event.OldRecord != nil {
		oldQuantity = event.OldRecord.Quantity
	}
	r := strings.NewReplacer(
		"{itemName}", event.Record.Name,
		"{sku}", event.Record.SKU,
		"{quantity}", strconv.FormatInt(event.Record.Quantity, 10),
		"{oldQuantity}", strconv.FormatInt(oldQuantity, 10),
		"{location}", event.Record.Location,
	)
	return r.Replace(template)
}

func outcomeDetails(rule types.Rule, event types.ChangeEvent) map[string]any {
	details := map[string]any{
		"rule_id":   rule.ID,
		"rule_name": rule.Name,
		"item_id":   event.Record.ItemID,
		"item_name": event.Record.Name,
		"sku":       event.Record.SKU,
		"quantity":  event.Record.Quantity,
		"location":  event.Record.Location,
	}
	if event.OldRecord != nil {
		details["previous_quantity"] = event.OldRecord.Quantity
	}
	return details
}
