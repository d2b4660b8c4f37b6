package database

import (
	"context"

	"github.com/capgw/capgw/internal/database/models"
)

// RoutingRuleRepository manages service-key routing rules.
type RoutingRuleRepository interface {
	Create(ctx context.Context, rule *models.RoutingRule) error
	GetByID(ctx context.Context, id int64) (*models.RoutingRule, error)
	List(ctx context.Context) ([]models.RoutingRule, error)
	ListEnabled(ctx context.Context) ([]models.RoutingRule, error)
	Update(ctx context.Context, rule *models.RoutingRule) error
	Delete(ctx context.Context, id int64) error
}

// ASInstanceRepository manages application-server instances.
type ASInstanceRepository interface {
	Create(ctx context.Context, inst *models.ASInstance) error
	GetByID(ctx context.Context, id int64) (*models.ASInstance, error)
	List(ctx context.Context) ([]models.ASInstance, error)
	ListByChain(ctx context.Context, chain string) ([]models.ASInstance, error)
	Update(ctx context.Context, inst *models.ASInstance) error
	Delete(ctx context.Context, id int64) error
}

// InviteErrorRuleRepository manages the ordered invite-error rule table.
type InviteErrorRuleRepository interface {
	Create(ctx context.Context, rule *models.InviteErrorRule) error
	ListEnabled(ctx context.Context) ([]models.InviteErrorRule, error)
	Update(ctx context.Context, rule *models.InviteErrorRule) error
	Delete(ctx context.Context, id int64) error
}

// CDRRepository manages call detail records.
type CDRRepository interface {
	Create(ctx context.Context, cdr *models.CDR) error
	GetByCallID(ctx context.Context, callID string) (*models.CDR, error)
	Update(ctx context.Context, cdr *models.CDR) error
	List(ctx context.Context, limit, offset int) ([]models.CDR, error)
}

// Repositories bundles all repository implementations backed by one DB.
type Repositories struct {
	RoutingRules     RoutingRuleRepository
	ASInstances      ASInstanceRepository
	InviteErrorRules InviteErrorRuleRepository
	CDRs             CDRRepository
}

// NewRepositories creates the full repository set.
func NewRepositories(db *DB) *Repositories {
	return &Repositories{
		RoutingRules:     NewRoutingRuleRepository(db),
		ASInstances:      NewASInstanceRepository(db),
		InviteErrorRules: NewInviteErrorRuleRepository(db),
		CDRs:             NewCDRRepository(db),
	}
}
