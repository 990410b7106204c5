// Package sandbox manages the per-agent filesystem sandboxes: creation
// with restrictive permissions, path validation, size quotas, secure
// removal, and sweeping of orphaned directories.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scripton/scripton/internal/common/logger"
	v1 "github.com/scripton/scripton/pkg/api/v1"
)

// Manager creates and tracks agent sandboxes under a single base path.
// Sandbox directories are named agent-<id>-<rand8>.
type Manager struct {
	basePath     string
	allowedPaths []string
	maxSizeMB    int64
	orphanMaxAge time.Duration
	logger       *logger.Logger

	mu     sync.RWMutex
	active map[string]string // agent id -> sandbox path
}

// NewManager resolves the base path, creates it if missing, and returns a
// Manager. allowedPaths are additional prefixes agents may touch beyond
// their own sandboxes.
func NewManager(basePath string, allowedPaths []string, maxSizeMB int64, orphanMaxAge time.Duration, log *logger.Logger) (*Manager, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolving sandbox base path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating sandbox base path: %w", err)
	}

	resolved := make([]string, 0, len(allowedPaths))
	for _, p := range allowedPaths {
		if a, err := filepath.Abs(p); err == nil {
			resolved = append(resolved, filepath.Clean(a))
		}
	}

	return &Manager{
		basePath:     abs,
		allowedPaths: resolved,
		maxSizeMB:    maxSizeMB,
		orphanMaxAge: orphanMaxAge,
		logger:       log,
		active:       make(map[string]string),
	}, nil
}

// BasePath returns the root under which sandboxes are created.
func (m *Manager) BasePath() string {
	return m.basePath
}

// ValidatePath reports whether a path falls within an allowed prefix or
// under the sandbox base path.
func (m *Manager) ValidatePath(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		m.logger.Warn("path validation failed", zap.String("path", path), zap.Error(err))
		return false
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	abs = filepath.Clean(abs)

	for _, allowed := range m.allowedPaths {
		if within(abs, allowed) {
			return true
		}
	}
	return within(abs, m.basePath)
}

func within(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+string(filepath.Separator))
}

// Create builds a sandbox for the agent and returns its path. If the agent
// already has a sandbox on disk, that path is returned unchanged.
func (m *Manager) Create(agentID string) (string, error) {
	if existing := m.Path(agentID); existing != "" {
		m.mu.Lock()
		m.active[agentID] = existing
		m.mu.Unlock()
		return existing, nil
	}

	name := fmt.Sprintf("agent-%s-%s", agentID, uuid.New().String()[:8])
	path := filepath.Join(m.basePath, name)

	if err := os.MkdirAll(path, 0o700); err != nil {
		return "", fmt.Errorf("creating sandbox: %w", err)
	}
	if err := os.Chmod(path, 0o700); err != nil {
		return "", fmt.Errorf("restricting sandbox: %w", err)
	}

	for _, sub := range []struct {
		name string
		mode os.FileMode
	}{
		{"workspace", 0o755},
		{"logs", 0o750},
		{"temp", 0o700},
	} {
		dir := filepath.Join(path, sub.name)
		if err := os.MkdirAll(dir, sub.mode); err != nil {
			_ = os.RemoveAll(path)
			return "", fmt.Errorf("creating sandbox %s dir: %w", sub.name, err)
		}
		if err := os.Chmod(dir, sub.mode); err != nil {
			_ = os.RemoveAll(path)
			return "", fmt.Errorf("setting sandbox %s mode: %w", sub.name, err)
		}
	}

	gitignore := "logs/\ntemp/\n*.log\n*.tmp\n"
	if err := os.WriteFile(filepath.Join(path, ".gitignore"), []byte(gitignore), 0o644); err != nil {
		_ = os.RemoveAll(path)
		return "", fmt.Errorf("writing sandbox .gitignore: %w", err)
	}

	readme := fmt.Sprintf(
		"# Agent Sandbox: %s\n\n"+
			"Created: %s\n"+
			"Purpose: Isolated workspace for an AI agent\n\n"+
			"## Structure\n"+
			"- `workspace/`: Main working directory\n"+
			"- `logs/`: Agent execution logs\n"+
			"- `temp/`: Temporary files\n",
		agentID, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(filepath.Join(path, "README.md"), []byte(readme), 0o644); err != nil {
		_ = os.RemoveAll(path)
		return "", fmt.Errorf("writing sandbox README: %w", err)
	}

	m.mu.Lock()
	m.active[agentID] = path
	m.mu.Unlock()

	m.logger.Info("created sandbox",
		zap.String("agent_id", agentID),
		zap.String("path", path))
	return path, nil
}

// Path returns the sandbox path for an agent, or "" when none exists.
func (m *Manager) Path(agentID string) string {
	m.mu.RLock()
	if path, ok := m.active[agentID]; ok {
		if _, err := os.Stat(path); err == nil {
			m.mu.RUnlock()
			return path
		}
	}
	m.mu.RUnlock()

	matches, err := filepath.Glob(filepath.Join(m.basePath, "agent-"+agentID+"-*"))
	if err != nil || len(matches) == 0 {
		return ""
	}
	return matches[0]
}

// ActiveAgents lists the agent ids with tracked sandboxes.
func (m *Manager) ActiveAgents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids
}

// Cleanup removes every sandbox belonging to the agent.
func (m *Manager) Cleanup(agentID string) bool {
	matches, err := filepath.Glob(filepath.Join(m.basePath, "agent-"+agentID+"-*"))
	if err != nil || len(matches) == 0 {
		m.logger.Warn("no sandbox found", zap.String("agent_id", agentID))
		m.mu.Lock()
		delete(m.active, agentID)
		m.mu.Unlock()
		return false
	}

	ok := true
	for _, path := range matches {
		if err := m.secureRemove(path); err != nil {
			m.logger.Error("sandbox removal failed",
				zap.String("agent_id", agentID),
				zap.String("path", path),
				zap.Error(err))
			ok = false
			continue
		}
		m.logger.Info("removed sandbox",
			zap.String("agent_id", agentID),
			zap.String("path", path))
	}

	m.mu.Lock()
	delete(m.active, agentID)
	m.mu.Unlock()
	return ok
}

// secureRemove walks the tree making everything writable before removal,
// then falls back to a plain RemoveAll.
func (m *Manager) secureRemove(path string) error {
	_ = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			_ = os.Chmod(p, 0o700)
		} else {
			_ = os.Chmod(p, 0o600)
		}
		return nil
	})
	if err := os.RemoveAll(path); err != nil {
		return os.RemoveAll(path)
	}
	return nil
}

// Stats computes the on-disk footprint of an agent's sandbox.
func (m *Manager) Stats(agentID string) (*v1.SandboxStats, error) {
	path := m.Path(agentID)
	if path == "" {
		return nil, fmt.Errorf("no sandbox for agent %s", agentID)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	var totalSize int64
	var fileCount int
	_ = filepath.Walk(path, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !fi.IsDir() {
			totalSize += fi.Size()
			fileCount++
		}
		return nil
	})

	return &v1.SandboxStats{
		Path:         path,
		SizeBytes:    totalSize,
		FileCount:    fileCount,
		CreatedTime:  info.ModTime(),
		ModifiedTime: info.ModTime(),
		Mode:         fmt.Sprintf("%o", info.Mode().Perm()),
	}, nil
}

// EnforceQuota checks the sandbox size against the configured quota. On
// overflow the temp directory is drained and the size rechecked once.
func (m *Manager) EnforceQuota(agentID string) bool {
	stats, err := m.Stats(agentID)
	if err != nil {
		return true
	}

	maxBytes := m.maxSizeMB * 1024 * 1024
	if stats.SizeBytes <= maxBytes {
		return true
	}

	m.logger.Warn("sandbox exceeds quota",
		zap.String("agent_id", agentID),
		zap.Int64("size_bytes", stats.SizeBytes),
		zap.Int64("max_bytes", maxBytes))

	tempDir := filepath.Join(stats.Path, "temp")
	if _, err := os.Stat(tempDir); err == nil {
		if err := m.secureRemove(tempDir); err == nil {
			if err := os.MkdirAll(tempDir, 0o700); err == nil {
				_ = os.Chmod(tempDir, 0o700)
				m.logger.Info("drained temp directory", zap.String("agent_id", agentID))
				if after, err := m.Stats(agentID); err == nil && after.SizeBytes <= maxBytes {
					return true
				}
			}
		}
	}
	return false
}

// SweepOrphans removes sandboxes that belong to no tracked agent and have
// not been modified within the orphan age threshold. Returns the number
// removed.
func (m *Manager) SweepOrphans() int {
	matches, err := filepath.Glob(filepath.Join(m.basePath, "agent-*"))
	if err != nil {
		m.logger.Error("orphan sweep failed", zap.Error(err))
		return 0
	}

	m.mu.RLock()
	livePaths := make(map[string]bool, len(m.active))
	for _, path := range m.active {
		livePaths[path] = true
	}
	m.mu.RUnlock()

	cleaned := 0
	for _, path := range matches {
		if livePaths[path] {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		age := time.Since(info.ModTime())
		if age <= m.orphanMaxAge {
			continue
		}
		if err := m.secureRemove(path); err != nil {
			m.logger.Error("orphan removal failed",
				zap.String("path", path),
				zap.Error(err))
			continue
		}
		m.logger.Info("cleaned orphaned sandbox",
			zap.String("path", path),
			zap.Float64("age_hours", age.Hours()))
		cleaned++
	}
	return cleaned
}
