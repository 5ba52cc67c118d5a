package blocklist

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rsclarke/warden/internal/audit"
	"github.com/rsclarke/warden/internal/db"
	"github.com/rsclarke/warden/internal/models"
)

func setupList(t *testing.T) (*List, *SQLiteStore, *audit.Log) {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	store := NewSQLiteStore(database)
	log := audit.New(database, nil)
	l, err := Load(context.Background(), store, log, nil, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return l, store, log
}

func persistedAddresses(t *testing.T, store Store) []string {
	t.Helper()
	rows, err := store.ListBlockedIPs(context.Background())
	if err != nil {
		t.Fatalf("list persisted: %v", err)
	}
	var out []string
	for _, r := range rows {
		out = append(out, r.Address)
	}
	sort.Strings(out)
	return out
}

func memoryAddresses(l *List) []string {
	var out []string
	for _, b := range l.List() {
		out = append(out, b.Address)
	}
	sort.Strings(out)
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestBlockUnblockRoundTrip(t *testing.T) {
	l, store, _ := setupList(t)
	ctx := context.Background()

	if _, err := l.Block(ctx, "198.51.100.1", SourceManual); err != nil {
		t.Fatalf("seed block: %v", err)
	}
	before := memoryAddresses(l)

	changed, err := l.Block(ctx, "203.0.113.9", SourceManual)
	if err != nil || !changed {
		t.Fatalf("Block = %v, %v", changed, err)
	}
	if !l.IsBlocked("203.0.113.9") {
		t.Error("expected address to be blocked")
	}

	changed, err = l.Unblock(ctx, "203.0.113.9")
	if err != nil || !changed {
		t.Fatalf("Unblock = %v, %v", changed, err)
	}
	if l.IsBlocked("203.0.113.9") {
		t.Error("expected address to be unblocked")
	}

	if after := memoryAddresses(l); !equal(before, after) {
		t.Errorf("memory after round trip = %v, want %v", after, before)
	}
	if persisted := persistedAddresses(t, store); !equal(before, persisted) {
		t.Errorf("persisted after round trip = %v, want %v", persisted, before)
	}
}

func TestBlockIdempotent(t *testing.T) {
	l, store, log := setupList(t)
	ctx := context.Background()

	first, err := l.Block(ctx, "203.0.113.9", SourceManual)
	if err != nil || !first {
		t.Fatalf("first Block = %v, %v", first, err)
	}
	second, err := l.Block(ctx, "203.0.113.9", SourceReputation)
	if err != nil {
		t.Fatalf("second Block: %v", err)
	}
	if second {
		t.Error("second Block reported a change")
	}

	n, _ := log.Count(ctx, audit.EventIPBlocked)
	if n != 1 {
		t.Errorf("expected 1 IP_BLOCKED entry, got %d", n)
	}
	if got := persistedAddresses(t, store); len(got) != 1 {
		t.Errorf("expected 1 persisted row, got %v", got)
	}
	if l.List()[0].Source != SourceManual {
		t.Errorf("second Block overwrote source: %+v", l.List()[0])
	}
}

func TestUnblockNotBlocked(t *testing.T) {
	l, _, log := setupList(t)
	ctx := context.Background()

	changed, err := l.Unblock(ctx, "203.0.113.9")
	if err != nil || changed {
		t.Errorf("Unblock = %v, %v; want false, nil", changed, err)
	}
	if n, _ := log.Count(ctx, audit.EventIPUnblocked); n != 0 {
		t.Errorf("expected no IP_UNBLOCKED entries, got %d", n)
	}
}

func TestCanonicalization(t *testing.T) {
	l, _, _ := setupList(t)
	ctx := context.Background()

	if _, err := l.Block(ctx, "::ffff:192.0.2.10", SourceManual); err != nil {
		t.Fatalf("Block: %v", err)
	}
	if !l.IsBlocked("192.0.2.10") {
		t.Error("expected IPv4-mapped address to match plain IPv4")
	}
	if changed, _ := l.Block(ctx, "192.0.2.10", SourceManual); changed {
		t.Error("expected mapped and plain forms to be the same entry")
	}

	tests := []struct {
		in   string
		want string
	}{
		{"2001:DB8::1", "2001:db8::1"},
		{"fe80::1%eth0", "fe80::1"},
		{"10.0.0.1", "10.0.0.1"},
	}
	for _, tt := range tests {
		got, err := Canonical(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("Canonical(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestInvalidIP(t *testing.T) {
	l, _, _ := setupList(t)

	if _, err := l.Block(context.Background(), "not-an-ip", SourceManual); !errors.Is(err, ErrInvalidIP) {
		t.Errorf("expected ErrInvalidIP, got %v", err)
	}
	if l.IsBlocked("not-an-ip") {
		t.Error("unparsable input reported blocked")
	}
}

func TestLoadRestoresPersistedSet(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer func() { _ = database.Close() }()
	store := NewSQLiteStore(database)
	ctx := context.Background()

	first, err := Load(ctx, store, nil, nil, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	_, _ = first.Block(ctx, "192.0.2.1", SourceManual)
	_, _ = first.Block(ctx, "192.0.2.2", SourceManual)

	second, err := Load(ctx, store, nil, nil, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if second.Count() != 2 || !second.IsBlocked("192.0.2.2") {
		t.Errorf("reloaded list = %v", memoryAddresses(second))
	}
}

type failingStore struct {
	mu    sync.Mutex
	fail  bool
	items map[string]models.BlockedIP
}

func (s *failingStore) InsertBlockedIP(_ context.Context, ip string, at time.Time, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	s.items[ip] = models.BlockedIP{Address: ip, BlockedAt: at, Source: source}
	return nil
}

func (s *failingStore) DeleteBlockedIP(_ context.Context, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	delete(s.items, ip)
	return nil
}

func (s *failingStore) ListBlockedIPs(_ context.Context) ([]models.BlockedIP, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.BlockedIP
	for _, b := range s.items {
		out = append(out, b)
	}
	return out, nil
}

func TestPersistFailureLeavesMemoryUnchanged(t *testing.T) {
	store := &failingStore{items: map[string]models.BlockedIP{}}
	l, err := Load(context.Background(), store, nil, nil, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ctx := context.Background()

	if _, err := l.Block(ctx, "192.0.2.50", SourceManual); err != nil {
		t.Fatalf("Block: %v", err)
	}

	store.fail = true
	if _, err := l.Block(ctx, "192.0.2.51", SourceManual); err == nil {
		t.Error("expected persist error on Block")
	}
	if l.IsBlocked("192.0.2.51") {
		t.Error("failed Block changed memory")
	}
	if _, err := l.Unblock(ctx, "192.0.2.50"); err == nil {
		t.Error("expected persist error on Unblock")
	}
	if !l.IsBlocked("192.0.2.50") {
		t.Error("failed Unblock changed memory")
	}
}

func TestConcurrentBlockSameAddress(t *testing.T) {
	l, store, log := setupList(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	changes := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if changed, err := l.Block(ctx, "192.0.2.77", SourceReputation); err == nil && changed {
				mu.Lock()
				changes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if changes != 1 {
		t.Errorf("expected exactly one effective Block, got %d", changes)
	}
	if n, _ := log.Count(ctx, audit.EventIPBlocked); n != 1 {
		t.Errorf("expected 1 IP_BLOCKED entry, got %d", n)
	}
	if got := persistedAddresses(t, store); len(got) != 1 {
		t.Errorf("expected 1 persisted row, got %v", got)
	}
}
