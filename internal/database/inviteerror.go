package database

import (
	"context"
	"fmt"

	"github.com/capgw/capgw/internal/database/models"
)

// inviteErrorRuleRepo implements InviteErrorRuleRepository.
type inviteErrorRuleRepo struct {
	db *DB
}

// NewInviteErrorRuleRepository creates a new InviteErrorRuleRepository.
func NewInviteErrorRuleRepository(db *DB) InviteErrorRuleRepository {
	return &inviteErrorRuleRepo{db: db}
}

// Create inserts a new invite-error rule.
func (r *inviteErrorRuleRepo) Create(ctx context.Context, rule *models.InviteErrorRule) error {
	id, err := r.db.insertID(ctx,
		`INSERT INTO invite_error_rules (position, status_min, status_max,
		 service_key_min, service_key_max, action, cause, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.Position, rule.StatusMin, rule.StatusMax,
		rule.ServiceKeyMin, rule.ServiceKeyMax, rule.Action, rule.Cause, rule.Enabled,
	)
	if err != nil {
		return fmt.Errorf("inserting invite error rule: %w", err)
	}
	rule.ID = id
	return nil
}

// ListEnabled returns the enabled rules in evaluation order.
func (r *inviteErrorRuleRepo) ListEnabled(ctx context.Context) ([]models.InviteErrorRule, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, position, status_min, status_max, service_key_min, service_key_max,
		 action, cause, enabled
		 FROM invite_error_rules WHERE enabled = TRUE ORDER BY position, id`)
	if err != nil {
		return nil, fmt.Errorf("listing invite error rules: %w", err)
	}
	defer rows.Close()

	var rules []models.InviteErrorRule
	for rows.Next() {
		var rule models.InviteErrorRule
		if err := rows.Scan(&rule.ID, &rule.Position, &rule.StatusMin, &rule.StatusMax,
			&rule.ServiceKeyMin, &rule.ServiceKeyMax, &rule.Action, &rule.Cause,
			&rule.Enabled); err != nil {
			return nil, fmt.Errorf("scanning invite error rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// Update modifies an existing invite-error rule.
func (r *inviteErrorRuleRepo) Update(ctx context.Context, rule *models.InviteErrorRule) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE invite_error_rules SET position = ?, status_min = ?, status_max = ?,
		 service_key_min = ?, service_key_max = ?, action = ?, cause = ?, enabled = ?
		 WHERE id = ?`,
		rule.Position, rule.StatusMin, rule.StatusMax,
		rule.ServiceKeyMin, rule.ServiceKeyMax, rule.Action, rule.Cause,
		rule.Enabled, rule.ID,
	)
	if err != nil {
		return fmt.Errorf("updating invite error rule: %w", err)
	}
	return nil
}

// Delete removes an invite-error rule.
func (r *inviteErrorRuleRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM invite_error_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting invite error rule: %w", err)
	}
	return nil
}
