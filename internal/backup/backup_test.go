package backup

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rsclarke/warden/internal/audit"
	"github.com/rsclarke/warden/internal/clock"
	"github.com/rsclarke/warden/internal/db"
)

type fixture struct {
	engine *Engine
	clock  *clock.Fake
	log    *audit.Log
	src    string
	dir    string
}

var testTiers = []Tier{
	{Name: "short", Interval: 6 * time.Hour, Retention: 7 * 24 * time.Hour},
	{Name: "long", Interval: 24 * time.Hour, Retention: 30 * 24 * time.Hour},
}

func setup(t *testing.T, mirror Mirror) *fixture {
	t.Helper()
	root := t.TempDir()
	database, err := db.Open(filepath.Join(root, "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	fake := clock.NewFake(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	log := audit.New(database, nil, audit.WithClock(fake))
	src := filepath.Join(root, "public")
	if err := os.MkdirAll(src, 0o755); err != nil {
		t.Fatal(err)
	}

	engine, err := NewEngine(Config{
		Source: src,
		Dir:    filepath.Join(root, "backups"),
		Tiers:  testTiers,
		Mirror: mirror,
		Store:  NewSQLiteStore(database),
		Audit:  log,
		Clock:  fake,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return &fixture{engine: engine, clock: fake, log: log, src: src, dir: filepath.Join(root, "backups")}
}

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func sameFile(t *testing.T, a, b string) bool {
	t.Helper()
	ia, err := os.Stat(a)
	if err != nil {
		t.Fatalf("stat %s: %v", a, err)
	}
	ib, err := os.Stat(b)
	if err != nil {
		t.Fatalf("stat %s: %v", b, err)
	}
	return os.SameFile(ia, ib)
}

func TestCreateSnapshotDedupAndDeletion(t *testing.T) {
	f := setup(t, LinkMirror{})
	ctx := context.Background()

	write(t, filepath.Join(f.src, "index.html"), "<h1>hi</h1>")
	write(t, filepath.Join(f.src, "assets", "app.js"), "console.log(1)")
	write(t, filepath.Join(f.src, "old.txt"), "stale")

	first, err := f.engine.CreateSnapshot(ctx, "short")
	if err != nil {
		t.Fatalf("first snapshot: %v", err)
	}
	if first.BasePath != "" {
		t.Errorf("first snapshot has base %q", first.BasePath)
	}

	if err := os.Remove(filepath.Join(f.src, "old.txt")); err != nil {
		t.Fatal(err)
	}
	write(t, filepath.Join(f.src, "assets", "app.js"), "console.log(2) // changed")

	f.clock.Advance(6 * time.Hour)
	second, err := f.engine.CreateSnapshot(ctx, "short")
	if err != nil {
		t.Fatalf("second snapshot: %v", err)
	}
	if second.BasePath != first.Path {
		t.Errorf("second base = %q, want %q", second.BasePath, first.Path)
	}

	if !sameFile(t, filepath.Join(first.Path, "index.html"), filepath.Join(second.Path, "index.html")) {
		t.Error("unchanged file was not hard-linked from the base")
	}
	if sameFile(t, filepath.Join(first.Path, "assets", "app.js"), filepath.Join(second.Path, "assets", "app.js")) {
		t.Error("changed file shares an inode with the base")
	}
	if _, err := os.Stat(filepath.Join(second.Path, "old.txt")); !os.IsNotExist(err) {
		t.Error("file deleted from source is present in new snapshot")
	}
	if _, err := os.Stat(filepath.Join(first.Path, "old.txt")); err != nil {
		t.Error("earlier snapshot lost a file")
	}

	content, _ := os.ReadFile(filepath.Join(second.Path, "assets", "app.js"))
	if string(content) != "console.log(2) // changed" {
		t.Errorf("changed file content = %q", content)
	}

	if n, _ := f.log.Count(ctx, audit.EventBackupComplete); n != 2 {
		t.Errorf("expected 2 BACKUP_COMPLETE entries, got %d", n)
	}
}

func TestCreateSnapshotTiersIndependent(t *testing.T) {
	f := setup(t, LinkMirror{})
	ctx := context.Background()
	write(t, filepath.Join(f.src, "a"), "a")

	if _, err := f.engine.CreateSnapshot(ctx, "short"); err != nil {
		t.Fatal(err)
	}
	long, err := f.engine.CreateSnapshot(ctx, "long")
	if err != nil {
		t.Fatal(err)
	}
	if long.BasePath != "" {
		t.Errorf("long tier used a short snapshot as base: %q", long.BasePath)
	}
}

func TestCreateSnapshotUnknownTier(t *testing.T) {
	f := setup(t, LinkMirror{})
	if _, err := f.engine.CreateSnapshot(context.Background(), "hourly"); !errors.Is(err, ErrUnknownTier) {
		t.Errorf("expected ErrUnknownTier, got %v", err)
	}
}

type failingMirror struct{}

func (failingMirror) Mirror(_ context.Context, _, dst, _ string) error {
	_ = os.WriteFile(filepath.Join(dst, "partial"), []byte("x"), 0o644)
	return errors.New("disk full")
}

func TestFailedSnapshotNotRegistered(t *testing.T) {
	f := setup(t, failingMirror{})
	ctx := context.Background()

	_, err := f.engine.CreateSnapshot(ctx, "short")
	if !errors.Is(err, ErrMirrorFailed) {
		t.Fatalf("expected ErrMirrorFailed, got %v", err)
	}

	snaps, err := f.engine.List(ctx, "short")
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 0 {
		t.Errorf("failed snapshot registered: %+v", snaps)
	}
	entries, _ := os.ReadDir(f.dir)
	if len(entries) != 1 {
		t.Errorf("expected failed snapshot directory left on disk, found %d entries", len(entries))
	}
	if n, _ := f.log.Count(ctx, audit.EventBackupError); n != 1 {
		t.Errorf("expected 1 BACKUP_ERROR entry, got %d", n)
	}
}

func TestSweepExpiredPerTierRetention(t *testing.T) {
	f := setup(t, LinkMirror{})
	ctx := context.Background()
	write(t, filepath.Join(f.src, "index.html"), "x")

	short, err := f.engine.CreateSnapshot(ctx, "short")
	if err != nil {
		t.Fatal(err)
	}
	long, err := f.engine.CreateSnapshot(ctx, "long")
	if err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(8 * 24 * time.Hour)
	removed, err := f.engine.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed %d snapshots, want 1", removed)
	}
	if _, err := os.Stat(short.Path); !os.IsNotExist(err) {
		t.Error("8-day-old short snapshot still on disk")
	}
	if _, err := os.Stat(long.Path); err != nil {
		t.Error("8-day-old long snapshot was removed")
	}

	snaps, _ := f.engine.List(ctx, "")
	if len(snaps) != 1 || snaps[0].ID != long.ID {
		t.Errorf("registered snapshots after sweep = %+v", snaps)
	}
	if n, _ := f.log.Count(ctx, audit.EventBackupDeleted); n != 1 {
		t.Errorf("expected 1 OLD_BACKUP_DELETED entry, got %d", n)
	}
}

func TestSweepRemovesExpiredOrphans(t *testing.T) {
	f := setup(t, failingMirror{})
	ctx := context.Background()

	if _, err := f.engine.CreateSnapshot(ctx, "short"); err == nil {
		t.Fatal("expected mirror failure")
	}

	removed, err := f.engine.SweepExpired(ctx)
	if err != nil || removed != 0 {
		t.Fatalf("fresh orphan swept: %d, %v", removed, err)
	}

	f.clock.Advance(8 * 24 * time.Hour)
	removed, err = f.engine.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed %d, want 1 orphan", removed)
	}
	entries, _ := os.ReadDir(f.dir)
	if len(entries) != 0 {
		t.Errorf("orphan still on disk: %d entries", len(entries))
	}
}

type slowMirror struct {
	active    int32
	maxActive int32
}

func (m *slowMirror) Mirror(ctx context.Context, src, dst, base string) error {
	n := atomic.AddInt32(&m.active, 1)
	for {
		cur := atomic.LoadInt32(&m.maxActive)
		if n <= cur || atomic.CompareAndSwapInt32(&m.maxActive, cur, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	atomic.AddInt32(&m.active, -1)
	return LinkMirror{}.Mirror(ctx, src, dst, base)
}

func TestCreateSnapshotSerializedPerTier(t *testing.T) {
	m := &slowMirror{}
	f := setup(t, m)
	ctx := context.Background()
	write(t, filepath.Join(f.src, "a"), "a")

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Same fake time for every call; serialized calls collide on
			// the directory name instead of running together.
			_, _ = f.engine.CreateSnapshot(ctx, "short")
		}()
	}
	wg.Wait()

	if m.maxActive != 1 {
		t.Errorf("max concurrent snapshots of one tier = %d, want 1", m.maxActive)
	}
}

func TestSnapshotNameRoundTrip(t *testing.T) {
	at := time.Date(2026, 5, 6, 7, 8, 9, 123456789, time.UTC)
	name := SnapshotName("short", at)
	tier, parsed, ok := parseSnapshotName(name)
	if !ok || tier != "short" || !parsed.Equal(at) {
		t.Errorf("parseSnapshotName(%q) = %q, %v, %v", name, tier, parsed, ok)
	}
	if _, _, ok := parseSnapshotName("notes.txt"); ok {
		t.Error("parsed unrelated directory name")
	}
}

func TestNewEngineRejectsNestedBackupDir(t *testing.T) {
	root := t.TempDir()
	_, err := NewEngine(Config{
		Source: root,
		Dir:    filepath.Join(root, "backups"),
		Mirror: LinkMirror{},
		Store:  NewSQLiteStore(nil),
	})
	if err == nil {
		t.Error("expected error for backup dir inside source")
	}
}

func TestLinkMirrorReadOnlyRoot(t *testing.T) {
	tmp := t.TempDir()
	src := filepath.Join(tmp, "public")
	dst := filepath.Join(tmp, "snapshot")
	write(t, filepath.Join(src, "index.html"), "<h1>hi</h1>")
	write(t, filepath.Join(src, "assets", "site.css"), "body{}")
	if err := os.Chmod(src, 0o555); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(dst, 0o700); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = os.Chmod(src, 0o755)
		_ = os.Chmod(dst, 0o755)
	})

	if err := (LinkMirror{}).Mirror(context.Background(), src, dst, ""); err != nil {
		t.Fatalf("Mirror: %v", err)
	}
	for _, name := range []string{"index.html", filepath.Join("assets", "site.css")} {
		if _, err := os.Stat(filepath.Join(dst, name)); err != nil {
			t.Errorf("%s not mirrored: %v", name, err)
		}
	}
	info, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o555 {
		t.Errorf("snapshot root mode = %v, want 0555", info.Mode().Perm())
	}
}

func TestRsyncMirror(t *testing.T) {
	bin, err := exec.LookPath("rsync")
	if err != nil {
		t.Skip("rsync not installed")
	}
	f := setup(t, RsyncMirror{Path: bin})
	ctx := context.Background()
	write(t, filepath.Join(f.src, "index.html"), "x")

	first, err := f.engine.CreateSnapshot(ctx, "short")
	if err != nil {
		t.Fatalf("first snapshot: %v", err)
	}
	f.clock.Advance(time.Hour)
	second, err := f.engine.CreateSnapshot(ctx, "short")
	if err != nil {
		t.Fatalf("second snapshot: %v", err)
	}
	if !sameFile(t, filepath.Join(first.Path, "index.html"), filepath.Join(second.Path, "index.html")) {
		t.Error("rsync did not hard-link unchanged file")
	}
}
