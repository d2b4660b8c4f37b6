package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/capgw/capgw/internal/database/models"
)

// routingRuleRepo implements RoutingRuleRepository.
type routingRuleRepo struct {
	db *DB
}

// NewRoutingRuleRepository creates a new RoutingRuleRepository.
func NewRoutingRuleRepository(db *DB) RoutingRuleRepository {
	return &routingRuleRepo{db: db}
}

// Create inserts a new routing rule.
func (r *routingRuleRepo) Create(ctx context.Context, rule *models.RoutingRule) error {
	id, err := r.db.insertID(ctx,
		`INSERT INTO routing_rules (name, service_key_min, service_key_max, chain, priority, enabled)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rule.Name, rule.ServiceKeyMin, rule.ServiceKeyMax, rule.Chain, rule.Priority, rule.Enabled,
	)
	if err != nil {
		return fmt.Errorf("inserting routing rule: %w", err)
	}
	rule.ID = id
	return nil
}

// GetByID returns a routing rule by ID.
func (r *routingRuleRepo) GetByID(ctx context.Context, id int64) (*models.RoutingRule, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, name, service_key_min, service_key_max, chain, priority, enabled
		 FROM routing_rules WHERE id = ?`, id,
	))
}

// List returns all routing rules ordered by priority.
func (r *routingRuleRepo) List(ctx context.Context) ([]models.RoutingRule, error) {
	return r.list(ctx,
		`SELECT id, name, service_key_min, service_key_max, chain, priority, enabled
		 FROM routing_rules ORDER BY priority, id`)
}

// ListEnabled returns enabled routing rules ordered by priority.
func (r *routingRuleRepo) ListEnabled(ctx context.Context) ([]models.RoutingRule, error) {
	return r.list(ctx,
		`SELECT id, name, service_key_min, service_key_max, chain, priority, enabled
		 FROM routing_rules WHERE enabled = TRUE ORDER BY priority, id`)
}

// Update modifies an existing routing rule.
func (r *routingRuleRepo) Update(ctx context.Context, rule *models.RoutingRule) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE routing_rules SET name = ?, service_key_min = ?, service_key_max = ?,
		 chain = ?, priority = ?, enabled = ? WHERE id = ?`,
		rule.Name, rule.ServiceKeyMin, rule.ServiceKeyMax, rule.Chain,
		rule.Priority, rule.Enabled, rule.ID,
	)
	if err != nil {
		return fmt.Errorf("updating routing rule: %w", err)
	}
	return nil
}

// Delete removes a routing rule.
func (r *routingRuleRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM routing_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting routing rule: %w", err)
	}
	return nil
}

func (r *routingRuleRepo) list(ctx context.Context, query string) ([]models.RoutingRule, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing routing rules: %w", err)
	}
	defer rows.Close()

	var rules []models.RoutingRule
	for rows.Next() {
		var rule models.RoutingRule
		if err := rows.Scan(&rule.ID, &rule.Name, &rule.ServiceKeyMin, &rule.ServiceKeyMax,
			&rule.Chain, &rule.Priority, &rule.Enabled); err != nil {
			return nil, fmt.Errorf("scanning routing rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func (r *routingRuleRepo) scanOne(row *sql.Row) (*models.RoutingRule, error) {
	var rule models.RoutingRule
	err := row.Scan(&rule.ID, &rule.Name, &rule.ServiceKeyMin, &rule.ServiceKeyMax,
		&rule.Chain, &rule.Priority, &rule.Enabled)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning routing rule: %w", err)
	}
	return &rule, nil
}

// asInstanceRepo implements ASInstanceRepository.
type asInstanceRepo struct {
	db *DB
}

// NewASInstanceRepository creates a new ASInstanceRepository.
func NewASInstanceRepository(db *DB) ASInstanceRepository {
	return &asInstanceRepo{db: db}
}

// Create inserts a new application-server instance.
func (r *asInstanceRepo) Create(ctx context.Context, inst *models.ASInstance) error {
	id, err := r.db.insertID(ctx,
		`INSERT INTO as_instances (name, chain, position, host, port, transport, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inst.Name, inst.Chain, inst.Position, inst.Host, inst.Port, inst.Transport, inst.Enabled,
	)
	if err != nil {
		return fmt.Errorf("inserting as instance: %w", err)
	}
	inst.ID = id
	return nil
}

// GetByID returns an application-server instance by ID.
func (r *asInstanceRepo) GetByID(ctx context.Context, id int64) (*models.ASInstance, error) {
	var inst models.ASInstance
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, chain, position, host, port, transport, enabled
		 FROM as_instances WHERE id = ?`, id,
	).Scan(&inst.ID, &inst.Name, &inst.Chain, &inst.Position, &inst.Host,
		&inst.Port, &inst.Transport, &inst.Enabled)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning as instance: %w", err)
	}
	return &inst, nil
}

// List returns all application-server instances.
func (r *asInstanceRepo) List(ctx context.Context) ([]models.ASInstance, error) {
	return r.list(ctx,
		`SELECT id, name, chain, position, host, port, transport, enabled
		 FROM as_instances ORDER BY chain, position`)
}

// ListByChain returns the enabled instances of one chain in failover order.
func (r *asInstanceRepo) ListByChain(ctx context.Context, chain string) ([]models.ASInstance, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, chain, position, host, port, transport, enabled
		 FROM as_instances WHERE chain = ? AND enabled = TRUE ORDER BY position`, chain)
	if err != nil {
		return nil, fmt.Errorf("listing as instances: %w", err)
	}
	defer rows.Close()
	return scanASInstances(rows)
}

// Update modifies an existing application-server instance.
func (r *asInstanceRepo) Update(ctx context.Context, inst *models.ASInstance) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE as_instances SET name = ?, chain = ?, position = ?, host = ?,
		 port = ?, transport = ?, enabled = ? WHERE id = ?`,
		inst.Name, inst.Chain, inst.Position, inst.Host, inst.Port,
		inst.Transport, inst.Enabled, inst.ID,
	)
	if err != nil {
		return fmt.Errorf("updating as instance: %w", err)
	}
	return nil
}

// Delete removes an application-server instance.
func (r *asInstanceRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM as_instances WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting as instance: %w", err)
	}
	return nil
}

func (r *asInstanceRepo) list(ctx context.Context, query string) ([]models.ASInstance, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing as instances: %w", err)
	}
	defer rows.Close()
	return scanASInstances(rows)
}

func scanASInstances(rows *sql.Rows) ([]models.ASInstance, error) {
	var insts []models.ASInstance
	for rows.Next() {
		var inst models.ASInstance
		if err := rows.Scan(&inst.ID, &inst.Name, &inst.Chain, &inst.Position,
			&inst.Host, &inst.Port, &inst.Transport, &inst.Enabled); err != nil {
			return nil, fmt.Errorf("scanning as instance: %w", err)
		}
		insts = append(insts, inst)
	}
	return insts, rows.Err()
}
