// Package ratelimit bounds how often warden calls each third-party service.
//
// Quotas are counted in a single global window per process. ResetAll zeroes
// every counter at once on a fixed period; it is not a sliding window, so a
// service may see up to twice its ceiling across a window boundary. Counters
// live in memory and a restart begins a fresh window.
package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rsclarke/warden/internal/audit"
	"github.com/rsclarke/warden/internal/clock"
	"github.com/rsclarke/warden/internal/logging"
	"github.com/rsclarke/warden/internal/metrics"
	"github.com/rsclarke/warden/internal/models"
	"go.uber.org/zap"
)

// Auditor records governor decisions.
type Auditor interface {
	Append(ctx context.Context, eventType string, details any) (int64, error)
}

type counter struct {
	used  int
	limit int
}

// Governor enforces per-service call ceilings.
type Governor struct {
	mu          sync.Mutex
	counters    map[string]*counter
	windowStart time.Time

	audit  Auditor
	clock  clock.Clock
	logger *zap.Logger
}

// New creates a Governor with one counter per entry in limits.
func New(limits map[string]int, auditor Auditor, c clock.Clock, logger *zap.Logger) *Governor {
	if c == nil {
		c = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Governor{
		counters:    make(map[string]*counter, len(limits)),
		windowStart: c.Now(),
		audit:       auditor,
		clock:       c,
		logger:      logger,
	}
	for svc, limit := range limits {
		g.counters[svc] = &counter{limit: limit}
		metrics.SetQuotaUsage(svc, 0)
	}
	return g
}

// TryConsume takes one call from service's quota. It returns false without
// changing any counter when the ceiling is already reached or the service
// has no configured ceiling. Every refusal is audited.
func (g *Governor) TryConsume(ctx context.Context, service string) bool {
	g.mu.Lock()
	c, ok := g.counters[service]
	if !ok {
		g.mu.Unlock()
		g.refuse(ctx, service, 0, "no ceiling configured")
		return false
	}
	if c.used >= c.limit {
		limit := c.limit
		g.mu.Unlock()
		g.refuse(ctx, service, limit, "ceiling reached")
		return false
	}
	c.used++
	used := c.used
	g.mu.Unlock()

	metrics.SetQuotaUsage(service, used)
	return true
}

func (g *Governor) refuse(ctx context.Context, service string, limit int, reason string) {
	metrics.RecordQuotaRefusal(service)
	g.logger.Warn("api limit reached", logging.Service(service), zap.Int("limit", limit), zap.String("reason", reason))
	if g.audit == nil {
		return
	}
	if _, err := g.audit.Append(ctx, audit.EventAPILimitReached, map[string]any{
		"api":    service,
		"limit":  limit,
		"reason": reason,
	}); err != nil {
		g.logger.Error("audit api limit failed", logging.Service(service), zap.Error(err))
	}
}

// ResetAll zeroes every counter and starts a new window.
func (g *Governor) ResetAll() {
	g.mu.Lock()
	g.windowStart = g.clock.Now()
	for svc, c := range g.counters {
		c.used = 0
		metrics.SetQuotaUsage(svc, 0)
	}
	g.mu.Unlock()
	g.logger.Info("api quotas reset")
}

// Counters returns a snapshot of every counter, ordered by service name.
func (g *Governor) Counters() []models.RateLimitCounter {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]models.RateLimitCounter, 0, len(g.counters))
	for svc, c := range g.counters {
		out = append(out, models.RateLimitCounter{
			Service:     svc,
			Count:       c.used,
			Limit:       c.limit,
			WindowStart: g.windowStart,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}
