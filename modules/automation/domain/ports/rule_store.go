package ports

import (
	"context"
	"errors"

	"github.com/fortresshq/fortress/modules/automation/domain/types"
)

var ErrRuleNotFound = errors.New("rule_not_found")

type RuleStore interface {
	ListRules(ctx context.Context, tenantID string) ([]types.Rule, error)
	ListActiveRules(ctx context.Context, tenantID string) ([]types.Rule, error)
	GetRule(ctx context.Context, tenantID string, ruleID string) (types.Rule, error)
	CreateRule(ctx context.Context, tenantID string, rule types.Rule) (types.Rule, error)
	UpdateRule(ctx context.Context, tenantID string, ruleID string, rule types.Rule) (types.Rule, error)
	SetRuleActive(ctx context.Context, tenantID string, ruleID string, active bool) (types.Rule, error)
	DeleteRule(ctx context.Context, tenantID string, ruleID string) error
}

// WebhookSecretStore resolves the per-tenant bearer secret expected on
// inbound change-event webhooks.
type WebhookSecretStore interface {
	GetWebhookSecret(ctx context.Context, tenantID string) (string, bool, error)
}
