package sandbox

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/scripton/scripton/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

func newTestManager(t *testing.T, allowed []string, maxSizeMB int64) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), allowed, maxSizeMB, 24*time.Hour, newTestLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestCreateSandboxLayout(t *testing.T) {
	m := newTestManager(t, nil, 1024)

	path, err := m.Create("agent1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("sandbox missing: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o700 {
		t.Errorf("sandbox root mode = %o, want 700", got)
	}

	for _, sub := range []struct {
		name string
		mode os.FileMode
	}{
		{"workspace", 0o755},
		{"logs", 0o750},
		{"temp", 0o700},
	} {
		fi, err := os.Stat(filepath.Join(path, sub.name))
		if err != nil {
			t.Fatalf("%s missing: %v", sub.name, err)
		}
		if got := fi.Mode().Perm(); got != sub.mode {
			t.Errorf("%s mode = %o, want %o", sub.name, got, sub.mode)
		}
	}

	for _, f := range []string{"README.md", ".gitignore"} {
		if _, err := os.Stat(filepath.Join(path, f)); err != nil {
			t.Errorf("%s missing: %v", f, err)
		}
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	m := newTestManager(t, nil, 1024)

	first, err := m.Create("agent1")
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}
	second, err := m.Create("agent1")
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if first != second {
		t.Errorf("Create not idempotent: %s != %s", first, second)
	}
}

func TestSandboxPathsAreDistinct(t *testing.T) {
	m := newTestManager(t, nil, 1024)

	a, _ := m.Create("agent1")
	b, _ := m.Create("agent2")
	if a == b {
		t.Errorf("two agents share a sandbox: %s", a)
	}
}

func TestValidatePath(t *testing.T) {
	allowed := t.TempDir()
	m := newTestManager(t, []string{allowed}, 1024)
	path, _ := m.Create("agent1")

	cases := []struct {
		path string
		want bool
	}{
		{filepath.Join(path, "workspace", "file.txt"), true},
		{filepath.Join(allowed, "shared.txt"), true},
		{allowed, true},
		{"/etc/passwd", false},
		{filepath.Join(path, "..", "..", "escape"), false},
	}
	for _, tc := range cases {
		if got := m.ValidatePath(tc.path); got != tc.want {
			t.Errorf("ValidatePath(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestCleanupRemovesSandbox(t *testing.T) {
	m := newTestManager(t, nil, 1024)
	path, _ := m.Create("agent1")

	// A read-only file must not survive secure removal.
	locked := filepath.Join(path, "workspace", "locked.txt")
	if err := os.WriteFile(locked, []byte("data"), 0o400); err != nil {
		t.Fatalf("writing locked file: %v", err)
	}

	if !m.Cleanup("agent1") {
		t.Fatal("Cleanup returned false")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("sandbox still exists: %v", err)
	}
}

func TestCleanupUnknownAgent(t *testing.T) {
	m := newTestManager(t, nil, 1024)
	if m.Cleanup("no-such-agent") {
		t.Error("Cleanup of unknown agent returned true")
	}
}

func TestStats(t *testing.T) {
	m := newTestManager(t, nil, 1024)
	path, _ := m.Create("agent1")

	payload := make([]byte, 4096)
	if err := os.WriteFile(filepath.Join(path, "workspace", "data.bin"), payload, 0o644); err != nil {
		t.Fatalf("writing file: %v", err)
	}

	stats, err := m.Stats("agent1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	// README and .gitignore plus the data file.
	if stats.FileCount != 3 {
		t.Errorf("file count = %d, want 3", stats.FileCount)
	}
	if stats.SizeBytes < 4096 {
		t.Errorf("size = %d, want at least 4096", stats.SizeBytes)
	}
}

func TestEnforceQuotaDrainsTemp(t *testing.T) {
	m := newTestManager(t, nil, 1) // 1 MB quota
	path, _ := m.Create("agent1")

	// 2 MB of junk in temp/ puts us over quota; the drain recovers it.
	junk := make([]byte, 2*1024*1024)
	if err := os.WriteFile(filepath.Join(path, "temp", "junk.bin"), junk, 0o644); err != nil {
		t.Fatalf("writing junk: %v", err)
	}

	if !m.EnforceQuota("agent1") {
		t.Fatal("EnforceQuota denied despite drainable temp/")
	}
	if _, err := os.Stat(filepath.Join(path, "temp", "junk.bin")); !os.IsNotExist(err) {
		t.Error("temp junk survived the drain")
	}
	if _, err := os.Stat(filepath.Join(path, "temp")); err != nil {
		t.Errorf("temp/ not recreated after drain: %v", err)
	}
}

func TestEnforceQuotaDeniesWorkspaceOverflow(t *testing.T) {
	m := newTestManager(t, nil, 1)
	path, _ := m.Create("agent1")

	junk := make([]byte, 2*1024*1024)
	if err := os.WriteFile(filepath.Join(path, "workspace", "big.bin"), junk, 0o644); err != nil {
		t.Fatalf("writing file: %v", err)
	}

	if m.EnforceQuota("agent1") {
		t.Error("EnforceQuota allowed a workspace 1 MB over quota")
	}
}

func TestEnforceQuotaUnderLimit(t *testing.T) {
	m := newTestManager(t, nil, 1024)
	if _, err := m.Create("agent1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !m.EnforceQuota("agent1") {
		t.Error("EnforceQuota denied a fresh sandbox")
	}
}

func TestSweepOrphans(t *testing.T) {
	m := newTestManager(t, nil, 1024)
	live, _ := m.Create("agent1")

	// An untracked sandbox with an old mtime is an orphan.
	orphan := filepath.Join(m.BasePath(), "agent-XYZ-abcdef12")
	if err := os.MkdirAll(orphan, 0o700); err != nil {
		t.Fatalf("creating orphan: %v", err)
	}
	old := time.Now().Add(-25 * time.Hour)
	if err := os.Chtimes(orphan, old, old); err != nil {
		t.Fatalf("backdating orphan: %v", err)
	}

	// An untracked but recent sandbox is left alone.
	recent := filepath.Join(m.BasePath(), "agent-ABC-12345678")
	if err := os.MkdirAll(recent, 0o700); err != nil {
		t.Fatalf("creating recent dir: %v", err)
	}

	if got := m.SweepOrphans(); got != 1 {
		t.Errorf("SweepOrphans removed %d, want 1", got)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphan survived the sweep")
	}
	if _, err := os.Stat(recent); err != nil {
		t.Error("recent untracked sandbox was swept")
	}
	if _, err := os.Stat(live); err != nil {
		t.Error("live sandbox was swept")
	}
}
