// Package limits resolves per-org subscription limits. Limits are owned by
// the billing system; this package only reads them.
package limits

import (
	"context"
	"sync"

	"pipegate.io/pipegate/internal/domain"
	apperrors "pipegate.io/pipegate/internal/pkg/errors"
)

// Provider resolves the limit snapshot for an org.
type Provider interface {
	Limits(ctx context.Context, orgID string) (domain.SubscriptionLimits, error)
}

// StaticProvider serves limits from an in-process table with a fallback
// default plan. Backed by configuration; suitable for deployments where the
// billing system pushes plan changes through config reloads.
type StaticProvider struct {
	mu       sync.RWMutex
	plans    map[string]domain.SubscriptionLimits
	fallback domain.SubscriptionLimits
}

// NewStaticProvider creates a provider with the given default plan.
func NewStaticProvider(fallback domain.SubscriptionLimits) *StaticProvider {
	return &StaticProvider{
		plans:    make(map[string]domain.SubscriptionLimits),
		fallback: fallback,
	}
}

// SetPlan installs or replaces the plan for one org.
func (p *StaticProvider) SetPlan(orgID string, limits domain.SubscriptionLimits) {
	p.mu.Lock()
	defer p.mu.Unlock()
	limits.OrgID = orgID
	p.plans[orgID] = limits
}

// Limits returns the org's plan, or the fallback plan when none is set.
func (p *StaticProvider) Limits(_ context.Context, orgID string) (domain.SubscriptionLimits, error) {
	if orgID == "" {
		return domain.SubscriptionLimits{}, apperrors.BadRequest(apperrors.CodeOrgNotFound, "org id required")
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if limits, ok := p.plans[orgID]; ok {
		return limits, nil
	}
	limits := p.fallback
	limits.OrgID = orgID
	return limits, nil
}
