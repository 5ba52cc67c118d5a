// Package blocklist holds the set of addresses denied admission.
package blocklist

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
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

// ErrInvalidIP is returned for input that does not parse as an IP address.
var ErrInvalidIP = errors.New("invalid IP address")

// Sources recorded alongside a block.
const (
	SourceManual     = "manual"
	SourceReputation = "reputation"
)

// Auditor records block list transitions.
type Auditor interface {
	Append(ctx context.Context, eventType string, details any) (int64, error)
}

// List is the in-memory view of the persisted block list. Every mutation is
// persisted before memory changes, so the two agree whenever no call is in
// flight.
type List struct {
	mu      sync.RWMutex
	entries map[string]models.BlockedIP

	store  Store
	audit  Auditor
	clock  clock.Clock
	logger *zap.Logger
}

// Load reads the persisted block list. Admission must not consult the List
// before Load returns.
func Load(ctx context.Context, store Store, auditor Auditor, c clock.Clock, logger *zap.Logger) (*List, error) {
	if c == nil {
		c = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	rows, err := store.ListBlockedIPs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load blocked ips: %w", err)
	}

	l := &List{
		entries: make(map[string]models.BlockedIP, len(rows)),
		store:   store,
		audit:   auditor,
		clock:   c,
		logger:  logger,
	}
	for _, b := range rows {
		l.entries[b.Address] = b
	}
	metrics.SetBlockedAddresses(len(l.entries))
	logger.Info("block list loaded", zap.Int("count", len(l.entries)))
	return l, nil
}

// Canonical returns the normalized text form of ip. IPv4-mapped IPv6
// addresses collapse to IPv4 and zones are dropped.
func Canonical(ip string) (string, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	return addr.Unmap().WithZone("").String(), nil
}

// IsBlocked reports whether ip is on the list. Unparsable input is not blocked.
func (l *List) IsBlocked(ip string) bool {
	key, err := Canonical(ip)
	if err != nil {
		return false
	}
	l.mu.RLock()
	_, ok := l.entries[key]
	l.mu.RUnlock()
	return ok
}

// Block adds ip to the list. It reports whether the list changed; blocking
// an address already present writes nothing.
func (l *List) Block(ctx context.Context, ip, source string) (bool, error) {
	key, err := Canonical(ip)
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.entries[key]; ok {
		return false, nil
	}

	entry := models.BlockedIP{Address: key, BlockedAt: l.clock.Now().UTC().Truncate(time.Second), Source: source}
	if err := l.store.InsertBlockedIP(ctx, key, entry.BlockedAt, source); err != nil {
		l.logger.Error("persist block failed", logging.IP(key), zap.Error(err))
		return false, fmt.Errorf("persist block %s: %w", key, err)
	}
	l.entries[key] = entry
	metrics.RecordBlockChange("block", len(l.entries))
	l.logger.Info("ip blocked", logging.IP(key), zap.String("source", source))

	l.record(ctx, audit.EventIPBlocked, map[string]string{"ip": key, "source": source})
	return true, nil
}

// Unblock removes ip from the list. It reports whether the list changed.
func (l *List) Unblock(ctx context.Context, ip string) (bool, error) {
	key, err := Canonical(ip)
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.entries[key]; !ok {
		return false, nil
	}

	if err := l.store.DeleteBlockedIP(ctx, key); err != nil {
		l.logger.Error("persist unblock failed", logging.IP(key), zap.Error(err))
		return false, fmt.Errorf("persist unblock %s: %w", key, err)
	}
	delete(l.entries, key)
	metrics.RecordBlockChange("unblock", len(l.entries))
	l.logger.Info("ip unblocked", logging.IP(key))

	l.record(ctx, audit.EventIPUnblocked, map[string]string{"ip": key})
	return true, nil
}

// record writes an audit entry for a mutation that already took effect.
// A failure is logged; the mutation stands.
func (l *List) record(ctx context.Context, eventType string, details map[string]string) {
	if l.audit == nil {
		return
	}
	if _, err := l.audit.Append(ctx, eventType, details); err != nil {
		l.logger.Error("audit block list change failed",
			logging.EventType(eventType), logging.IP(details["ip"]), zap.Error(err))
	}
}

// List returns the blocked addresses ordered by block time.
func (l *List) List() []models.BlockedIP {
	l.mu.RLock()
	out := make([]models.BlockedIP, 0, len(l.entries))
	for _, b := range l.entries {
		out = append(out, b)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].BlockedAt.Equal(out[j].BlockedAt) {
			return out[i].BlockedAt.Before(out[j].BlockedAt)
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// Count returns the number of blocked addresses.
func (l *List) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
