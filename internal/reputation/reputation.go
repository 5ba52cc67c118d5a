// Package reputation looks up IP addresses with an abuse reputation service
// and blocks the ones it scores as malicious.
package reputation

import (
	"context"

	"github.com/rsclarke/warden/internal/audit"
	"github.com/rsclarke/warden/internal/blocklist"
	"github.com/rsclarke/warden/internal/logging"
	"github.com/rsclarke/warden/internal/metrics"
	"go.uber.org/zap"
)

// DefaultThreshold is the score above which an address is blocked.
const DefaultThreshold = 80

// Result is the reputation of one address.
type Result struct {
	IP                   string `json:"ip"`
	AbuseConfidenceScore int    `json:"abuseConfidenceScore"`
	CountryCode          string `json:"countryCode,omitempty"`
	Domain               string `json:"domain,omitempty"`
	TotalReports         int    `json:"totalReports"`
	Listed               bool   `json:"listed,omitempty"`
}

// Service queries a reputation provider.
type Service interface {
	Name() string
	Query(ctx context.Context, ip string) (*Result, error)
}

// Governor hands out calls against the provider's quota.
type Governor interface {
	TryConsume(ctx context.Context, service string) bool
}

// Blocker is the part of the block list the checker mutates.
type Blocker interface {
	Block(ctx context.Context, ip, source string) (bool, error)
}

// Auditor records lookups.
type Auditor interface {
	Append(ctx context.Context, eventType string, details any) (int64, error)
}

// Checker performs governed lookups and applies the block policy.
type Checker struct {
	Service   Service
	Governor  Governor
	Blocker   Blocker
	Audit     Auditor
	Threshold int
	Logger    *zap.Logger
}

// ShouldBlock reports whether score is strictly above threshold.
func ShouldBlock(score, threshold int) bool {
	return score > threshold
}

// CheckIP looks up ip once. It returns nil when the quota is exhausted or the
// lookup fails; both outcomes are audited and neither is returned as an error.
func (c *Checker) CheckIP(ctx context.Context, ip string) *Result {
	logger := c.logger()
	svc := c.Service.Name()

	if !c.Governor.TryConsume(ctx, svc) {
		return nil
	}

	result, err := c.Service.Query(ctx, ip)
	metrics.RecordReputationCheck(svc, err)
	if err != nil {
		logger.Warn("reputation lookup failed", logging.IP(ip), logging.Service(svc), zap.Error(err))
		c.record(ctx, audit.EventReputationError, map[string]any{
			"ip":      ip,
			"service": svc,
			"error":   err.Error(),
		})
		return nil
	}

	c.record(ctx, audit.EventReputationCheck, map[string]any{
		"ip":      ip,
		"service": svc,
		"result":  result,
	})

	if _, err := c.EvaluateAndMaybeBlock(ctx, result); err != nil {
		logger.Error("auto-block failed", logging.IP(ip), zap.Error(err))
	}
	return result
}

// EvaluateAndMaybeBlock blocks result's address when its score exceeds the
// threshold. It reports whether the block list changed.
func (c *Checker) EvaluateAndMaybeBlock(ctx context.Context, result *Result) (bool, error) {
	if result == nil || !ShouldBlock(result.AbuseConfidenceScore, c.threshold()) {
		return false, nil
	}
	changed, err := c.Blocker.Block(ctx, result.IP, blocklist.SourceReputation)
	if err != nil {
		return false, err
	}
	if changed {
		c.logger().Info("ip auto-blocked",
			logging.IP(result.IP), zap.Int("score", result.AbuseConfidenceScore))
	}
	return changed, nil
}

func (c *Checker) record(ctx context.Context, eventType string, details map[string]any) {
	if c.Audit == nil {
		return
	}
	if _, err := c.Audit.Append(ctx, eventType, details); err != nil {
		c.logger().Error("audit reputation lookup failed", logging.EventType(eventType), zap.Error(err))
	}
}

func (c *Checker) threshold() int {
	if c.Threshold == 0 {
		return DefaultThreshold
	}
	return c.Threshold
}

func (c *Checker) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
