package repositories

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/storage"
)

type gormRoutingRuleRepository struct {
	db *gorm.DB
}

// NewRoutingRuleRepository returns a RoutingRuleRepository backed by db.
func NewRoutingRuleRepository(db *gorm.DB) RoutingRuleRepository {
	return &gormRoutingRuleRepository{db: db}
}

func (r *gormRoutingRuleRepository) Create(ctx context.Context, rule *storage.RoutingRule) error {
	if err := r.db.WithContext(ctx).Create(rule).Error; err != nil {
		return fmt.Errorf("routing_rules: create: %w", err)
	}
	return nil
}

// ListEnabled returns every enabled rule in the deterministic total
// order: priority desc, created_at asc.
func (r *gormRoutingRuleRepository) ListEnabled(ctx context.Context) ([]storage.RoutingRule, error) {
	var rules []storage.RoutingRule
	err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("priority DESC, created_at ASC").
		Find(&rules).Error
	if err != nil {
		return nil, fmt.Errorf("routing_rules: list enabled: %w", err)
	}
	return rules, nil
}

func (r *gormRoutingRuleRepository) CreateDecision(ctx context.Context, decision *storage.RoutingDecision) error {
	if err := r.db.WithContext(ctx).Create(decision).Error; err != nil {
		return fmt.Errorf("routing_decisions: create: %w", err)
	}
	return nil
}
