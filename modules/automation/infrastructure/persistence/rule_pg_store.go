package persistence

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/fortresshq/fortress/modules/automation/domain/ports"
	"github.com/fortresshq/fortress/modules/automation/domain/types"
)

type pgBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type RulePGStore struct {
	pool pgBeginner
}

func NewRulePGStore(pool pgBeginner) *RulePGStore {
	return &RulePGStore{pool: pool}
}

var _ ports.RuleStore = (*RulePGStore)(nil)
var _ ports.WebhookSecretStore = (*RulePGStore)(nil)

func (s *RulePGStore) ListRules(ctx context.Context, tenantID string) ([]types.Rule, error) {
	return s.listRules(ctx, tenantID, false)
}

func (s *RulePGStore) ListActiveRules(ctx context.Context, tenantID string) ([]types.Rule, error) {
	return s.listRules(ctx, tenantID, true)
}

func (s *RulePGStore) listRules(ctx context.Context, tenantID string, activeOnly bool) ([]types.Rule, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT rule_uuid::text, name, is_active, trigger_type, condition, action, created_at, updated_at
FROM automation.rules
WHERE tenant_uuid = $1::uuid
  AND ($2::bool = false OR is_active)
ORDER BY created_at ASC, rule_uuid ASC
`, tenantID, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Rule
	for rows.Next() {
		r, err := scanRule(rows, tenantID)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RulePGStore) GetRule(ctx context.Context, tenantID string, ruleID string) (types.Rule, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Rule{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return types.Rule{}, err
	}

	row := tx.QueryRow(ctx, `
SELECT rule_uuid::text, name, is_active, trigger_type, condition, action, created_at, updated_at
FROM automation.rules
WHERE tenant_uuid = $1::uuid AND rule_uuid = $2::uuid
`, tenantID, ruleID)
	r, err := scanRule(row, tenantID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Rule{}, ports.ErrRuleNotFound
		}
		return types.Rule{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.Rule{}, err
	}
	return r, nil
}

func (s *RulePGStore) CreateRule(ctx context.Context, tenantID string, rule types.Rule) (types.Rule, error) {
	if err := rule.Validate(); err != nil {
		return types.Rule{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Rule{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return types.Rule{}, err
	}

	conditionJSON, actionJSON, err := marshalRuleParts(rule)
	if err != nil {
		return types.Rule{}, err
	}

	out := rule
	out.TenantID = tenantID
	if err := tx.QueryRow(ctx, `
INSERT INTO automation.rules (tenant_uuid, name, is_active, trigger_type, condition, action)
VALUES ($1::uuid, $2::text, $3::bool, $4::text, $5::jsonb, $6::jsonb)
RETURNING rule_uuid::text, created_at, updated_at
`, tenantID, rule.Name, rule.IsActive, string(rule.Trigger), conditionJSON, actionJSON).Scan(&out.ID, &out.CreatedAt, &out.UpdatedAt); err != nil {
		return types.Rule{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.Rule{}, err
	}
	return out, nil
}

func (s *RulePGStore) UpdateRule(ctx context.Context, tenantID string, ruleID string, rule types.Rule) (types.Rule, error) {
	if err := rule.Validate(); err != nil {
		return types.Rule{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Rule{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return types.Rule{}, err
	}

	conditionJSON, actionJSON, err := marshalRuleParts(rule)
	if err != nil {
		return types.Rule{}, err
	}

	out := rule
	out.ID = ruleID
	out.TenantID = tenantID
	if err := tx.QueryRow(ctx, `
UPDATE automation.rules
SET name = $3::text,
    is_active = $4::bool,
    trigger_type = $5::text,
    condition = $6::jsonb,
    action = $7::jsonb,
    updated_at = now()
WHERE tenant_uuid = $1::uuid AND rule_uuid = $2::uuid
RETURNING created_at, updated_at
`, tenantID, ruleID, rule.Name, rule.IsActive, string(rule.Trigger), conditionJSON, actionJSON).Scan(&out.CreatedAt, &out.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Rule{}, ports.ErrRuleNotFound
		}
		return types.Rule{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.Rule{}, err
	}
	return out, nil
}

func (s *RulePGStore) SetRuleActive(ctx context.Context, tenantID string, ruleID string, active bool) (types.Rule, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Rule{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return types.Rule{}, err
	}

	row := tx.QueryRow(ctx, `
UPDATE automation.rules
SET is_active = $3::bool, updated_at = now()
WHERE tenant_uuid = $1::uuid AND rule_uuid = $2::uuid
RETURNING rule_uuid::text, name, is_active, trigger_type, condition, action, created_at, updated_at
`, tenantID, ruleID, active)
	r, err := scanRule(row, tenantID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Rule{}, ports.ErrRuleNotFound
		}
		return types.Rule{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.Rule{}, err
	}
	return r, nil
}

func (s *RulePGStore) DeleteRule(ctx context.Context, tenantID string, ruleID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
DELETE FROM automation.rules
WHERE tenant_uuid = $1::uuid AND rule_uuid = $2::uuid
`, tenantID, ruleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ports.ErrRuleNotFound
	}

	return tx.Commit(ctx)
}

func (s *RulePGStore) GetWebhookSecret(ctx context.Context, tenantID string) (string, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return "", false, err
	}

	var secret string
	if err := tx.QueryRow(ctx, `
SELECT secret
FROM automation.webhook_secrets
WHERE tenant_uuid = $1::uuid
`, tenantID).Scan(&secret); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", false, err
	}
	return secret, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner, tenantID string) (types.Rule, error) {
	var r types.Rule
	var trigger string
	var conditionJSON, actionJSON []byte
	if err := row.Scan(&r.ID, &r.Name, &r.IsActive, &trigger, &conditionJSON, &actionJSON, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return types.Rule{}, err
	}
	r.TenantID = tenantID
	r.Trigger = types.TriggerType(trigger)
	if len(conditionJSON) > 0 && string(conditionJSON) != "null" {
		var c types.Condition
		if err := json.Unmarshal(conditionJSON, &c); err != nil {
			return types.Rule{}, err
		}
		r.Condition = &c
	}
	if len(actionJSON) > 0 {
		if err := json.Unmarshal(actionJSON, &r.Action); err != nil {
			return types.Rule{}, err
		}
	}
	return r, nil
}

func marshalRuleParts(rule types.Rule) (conditionJSON []byte, actionJSON []byte, err error) {
	if rule.Condition != nil {
		conditionJSON, err = json.Marshal(rule.Condition)
		if err != nil {
			return nil, nil, err
		}
	}
	actionJSON, err = json.Marshal(rule.Action)
	if err != nil {
		return nil, nil, err
	}
	return conditionJSON, actionJSON, nil
}
