package guard

import (
	"context"
	"fmt"

	"github.com/haasonsaas/agentrt/internal/ratelimit"
)

// RateLimitStage rejects callers that exceed their minute or hour window.
type RateLimitStage struct {
	base
	limiter ratelimit.Limiter
}

// NewRateLimitStage wraps an injected limiter.
func NewRateLimitStage(limiter ratelimit.Limiter, opts StageOptions) *RateLimitStage {
	return &RateLimitStage{base: newBase("rate_limit", opts), limiter: limiter}
}

// Check implements Stage.
func (s *RateLimitStage) Check(ctx context.Context, cmd Command) (Result, error) {
	if s.limiter == nil {
		return Allow(), nil
	}
	key := cmd.CallerID
	if cmd.TenantID != "" {
		key = ratelimit.CompositeKey(cmd.TenantID, cmd.CallerID)
	}
	d, err := s.limiter.Allow(ctx, key, cmd.TenantID)
	if err != nil {
		return Result{}, fmt.Errorf("rate limiter: %w", err)
	}
	if !d.Allowed {
		return Reject(CategoryRateLimited, d.Reason()), nil
	}
	return Allow(), nil
}
