// Package security implements the policy engine that gates tool access,
// filesystem access, command execution, and per-agent resource usage.
package security

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scripton/scripton/internal/common/config"
	"github.com/scripton/scripton/internal/common/logger"
)

// dangerousCommandPatterns are matched case-insensitively against the raw
// command string. A match denies execution.
var dangerousCommandPatterns = []string{
	// System destruction
	`rm\s+(-rf?|--recursive)\s+/`,
	`dd\s+if=/dev/(zero|urandom)`,
	`mkfs\.[a-z]+`,
	`fdisk\s+/dev/`,
	// Privilege escalation
	`\bsudo\b`,
	`\bsu\b`,
	// Permission manipulation
	`chmod\s+(777|666)`,
	`chown\s+root`,
	`chgrp\s+root`,
	// Network and firewall
	`\biptables\b`,
	`\bufw\b`,
	`\bfirewalld\b`,
	// System services
	`\bsystemctl\b`,
	`\bservice\s+\w+\s+(start|stop|restart)`,
	`/etc/init\.d/`,
	// Package management
	`\bapt(-get)?\s+(install|remove|purge)`,
	`\byum\s+(install|remove|erase)`,
	`\bpip\s+install\s+.*--break-system-packages`,
	// Filesystem manipulation
	`\bmount\s+`,
	`\bumount\s+`,
	`\blosetup\s+`,
	// Process manipulation
	`\bkill\s+-9\s+1\b`,
	`\bkillall\s+(init|systemd)`,
	// Sensitive file access
	`/etc/(passwd|shadow|sudoers)`,
	`/root/\.[^\s]*`,
	`~root/\.[^\s]*`,
	`/home/[^/]+/\.ssh/`,
	// System configuration
	`/sys/(kernel|fs|dev)/`,
	`/proc/(sys|1)/`,
}

// simpleDangerousSubstrings are matched against the lowered command.
var simpleDangerousSubstrings = []string{
	"rm -rf /",
	"dd if=/dev/zero",
	":(){ :|:& };:", // fork bomb
	"curl | sh",
	"wget | sh",
	"| bash",
	"| sh",
}

// shellInjectionMarkers flag commands worth logging. They do not deny.
var shellInjectionMarkers = []string{";", "&&", "||", "`", "$(", ">", ">>", "<"}

var safeRedirectionContexts = []string{"echo", "cat >", "tee"}

// Policy is the process-wide security policy. All methods are safe for
// concurrent use.
type Policy struct {
	mu                  sync.RWMutex
	allowedTools        map[string]bool
	forbiddenPaths      []string
	maxConcurrentAgents int
	maxCPUPercent       float64
	maxMemoryMB         int64
	patterns            []*regexp.Regexp
	logger              *logger.Logger
	procRoot            string // overridable in tests
}

// NewPolicy builds a Policy from configuration. Forbidden paths are
// resolved to absolute form; relative entries are dropped.
func NewPolicy(cfg config.SecurityConfig, log *logger.Logger) *Policy {
	tools := make(map[string]bool, len(cfg.AllowedTools))
	for _, t := range cfg.AllowedTools {
		tools[t] = true
	}

	var paths []string
	for _, p := range cfg.ForbiddenPaths {
		if strings.HasPrefix(p, "~") {
			if home, err := os.UserHomeDir(); err == nil {
				p = filepath.Join(home, strings.TrimPrefix(p, "~"))
			}
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		paths = append(paths, filepath.Clean(abs))
	}

	patterns := make([]*regexp.Regexp, 0, len(dangerousCommandPatterns))
	for _, p := range dangerousCommandPatterns {
		patterns = append(patterns, regexp.MustCompile(`(?i)`+p))
	}

	return &Policy{
		allowedTools:        tools,
		forbiddenPaths:      paths,
		maxConcurrentAgents: cfg.MaxConcurrentAgents,
		maxCPUPercent:       cfg.MaxCPUPercent,
		maxMemoryMB:         cfg.MaxMemoryMB,
		patterns:            patterns,
		logger:              log,
		procRoot:            "/proc",
	}
}

// AllowTool reports whether the agent may use the named tool.
func (p *Policy) AllowTool(tool, agentID string) bool {
	p.mu.RLock()
	allowed := p.allowedTools[tool]
	p.mu.RUnlock()
	if !allowed {
		p.logger.Warn("tool access denied",
			zap.String("agent_id", agentID),
			zap.String("tool", tool))
	}
	return allowed
}

// AllowPath reports whether the agent may touch the given filesystem path.
// The path is resolved before being checked against the forbidden prefixes.
func (p *Policy) AllowPath(path, agentID string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		p.logger.Warn("path validation failed",
			zap.String("agent_id", agentID),
			zap.String("path", path),
			zap.Error(err))
		return false
	}
	// Resolve symlinks when the target exists; a missing file is judged
	// on its lexical path.
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	abs = filepath.Clean(abs)

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, forbidden := range p.forbiddenPaths {
		if abs == forbidden || strings.HasPrefix(abs, forbidden+string(filepath.Separator)) {
			p.logger.Warn("file access denied",
				zap.String("agent_id", agentID),
				zap.String("path", path),
				zap.String("forbidden_prefix", forbidden))
			return false
		}
	}
	return true
}

// AllowCommand reports whether the agent may execute the shell command.
// Regex patterns run against the raw command; the simple substring set runs
// against the lowered command.
func (p *Policy) AllowCommand(command, agentID string) bool {
	commandLower := strings.ToLower(strings.TrimSpace(command))

	for _, pattern := range p.patterns {
		if pattern.MatchString(command) {
			p.logger.Warn("command execution denied",
				zap.String("agent_id", agentID),
				zap.String("command", command),
				zap.String("pattern", pattern.String()))
			return false
		}
	}

	for _, dangerous := range simpleDangerousSubstrings {
		if strings.Contains(commandLower, dangerous) {
			p.logger.Warn("command execution denied",
				zap.String("agent_id", agentID),
				zap.String("command", command),
				zap.String("matched", dangerous))
			return false
		}
	}

	// Shell metacharacters outside a known-safe context are logged for
	// monitoring but not blocked.
	hasInjection := false
	for _, marker := range shellInjectionMarkers {
		if strings.Contains(commandLower, marker) {
			hasInjection = true
			break
		}
	}
	if hasInjection {
		safe := false
		for _, ctx := range safeRedirectionContexts {
			if strings.Contains(commandLower, ctx) {
				safe = true
				break
			}
		}
		if !safe {
			p.logger.Warn("potentially unsafe command",
				zap.String("agent_id", agentID),
				zap.String("command", command))
		}
	}

	return true
}

// MaxConcurrentAgents returns the agent pool ceiling.
func (p *Policy) MaxConcurrentAgents() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.maxConcurrentAgents
}

// AddAllowedTool adds a tool to the allowed set.
func (p *Policy) AddAllowedTool(tool string) {
	p.mu.Lock()
	p.allowedTools[tool] = true
	p.mu.Unlock()
	p.logger.Info("added allowed tool", zap.String("tool", tool))
}

// RemoveAllowedTool removes a tool from the allowed set.
func (p *Policy) RemoveAllowedTool(tool string) {
	p.mu.Lock()
	delete(p.allowedTools, tool)
	p.mu.Unlock()
	p.logger.Info("removed allowed tool", zap.String("tool", tool))
}

// AddForbiddenPath adds a path prefix to the forbidden list.
func (p *Policy) AddForbiddenPath(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	p.mu.Lock()
	p.forbiddenPaths = append(p.forbiddenPaths, filepath.Clean(abs))
	p.mu.Unlock()
	p.logger.Info("added forbidden path", zap.String("path", abs))
}

// RemoveForbiddenPath removes a path prefix from the forbidden list.
func (p *Policy) RemoveForbiddenPath(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	abs = filepath.Clean(abs)
	p.mu.Lock()
	for i, existing := range p.forbiddenPaths {
		if existing == abs {
			p.forbiddenPaths = append(p.forbiddenPaths[:i], p.forbiddenPaths[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
}

// ResourceUsageOK sums CPU and RSS across the processes tagged with the
// agent id and checks them against the configured ceilings. When usage
// cannot be observed the check passes so agents are never blocked by a
// monitoring failure.
func (p *Policy) ResourceUsageOK(agentID string) bool {
	procs, err := p.findAgentProcesses(agentID)
	if err != nil {
		p.logger.Warn("resource monitoring unavailable",
			zap.String("agent_id", agentID),
			zap.Error(err))
		return true
	}
	if len(procs) == 0 {
		return true
	}

	var totalCPU float64
	var totalRSSMB int64
	for _, pid := range procs {
		cpu, rssMB, err := p.sampleProcess(pid)
		if err != nil {
			continue
		}
		totalCPU += cpu
		totalRSSMB += rssMB
	}

	p.mu.RLock()
	maxCPU := p.maxCPUPercent
	maxMem := p.maxMemoryMB
	p.mu.RUnlock()

	if maxCPU > 0 && totalCPU > maxCPU {
		p.logger.Warn("agent CPU usage exceeded",
			zap.String("agent_id", agentID),
			zap.Float64("cpu_percent", totalCPU),
			zap.Float64("limit", maxCPU))
		return false
	}
	if maxMem > 0 && totalRSSMB > maxMem {
		p.logger.Warn("agent memory usage exceeded",
			zap.String("agent_id", agentID),
			zap.Int64("memory_mb", totalRSSMB),
			zap.Int64("limit_mb", maxMem))
		return false
	}
	return true
}

// findAgentProcesses returns the pids whose cmdline contains the agent id.
func (p *Policy) findAgentProcesses(agentID string) ([]int, error) {
	entries, err := os.ReadDir(p.procRoot)
	if err != nil {
		return nil, err
	}

	var pids []int
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(p.procRoot, entry.Name(), "cmdline"))
		if err != nil {
			continue
		}
		cmdline := strings.ReplaceAll(string(data), "\x00", " ")
		if strings.Contains(cmdline, agentID) {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

// sampleProcess reads average CPU percent since process start and current
// RSS in MB from /proc/<pid>/{stat,status}.
func (p *Policy) sampleProcess(pid int) (float64, int64, error) {
	statData, err := os.ReadFile(filepath.Join(p.procRoot, strconv.Itoa(pid), "stat"))
	if err != nil {
		return 0, 0, err
	}
	// Skip past the parenthesised comm field, which may contain spaces.
	stat := string(statData)
	idx := strings.LastIndex(stat, ")")
	if idx < 0 || idx+2 > len(stat) {
		return 0, 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(stat[idx+2:])
	// Fields after comm: state is index 0, utime 11, stime 12, starttime 19.
	if len(fields) < 22 {
		return 0, 0, fmt.Errorf("short stat for pid %d", pid)
	}
	utime, _ := strconv.ParseFloat(fields[11], 64)
	stime, _ := strconv.ParseFloat(fields[12], 64)
	starttime, _ := strconv.ParseFloat(fields[19], 64)

	const clockTicks = 100.0
	uptime, err := p.readUptime()
	if err != nil {
		return 0, 0, err
	}
	elapsed := uptime - starttime/clockTicks
	var cpuPercent float64
	if elapsed > 0 {
		cpuPercent = (utime + stime) / clockTicks / elapsed * 100.0
	}

	statusData, err := os.ReadFile(filepath.Join(p.procRoot, strconv.Itoa(pid), "status"))
	if err != nil {
		return 0, 0, err
	}
	var rssMB int64
	for _, line := range strings.Split(string(statusData), "\n") {
		if strings.HasPrefix(line, "VmRSS:") {
			parts := strings.Fields(line)
			if len(parts) >= 2 {
				kb, _ := strconv.ParseInt(parts[1], 10, 64)
				rssMB = kb / 1024
			}
			break
		}
	}
	return cpuPercent, rssMB, nil
}

func (p *Policy) readUptime() (float64, error) {
	data, err := os.ReadFile(filepath.Join(p.procRoot, "uptime"))
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty uptime")
	}
	return strconv.ParseFloat(fields[0], 64)
}

// Report summarises the active policy for the security report endpoint.
func (p *Policy) Report() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()

	tools := make([]string, 0, len(p.allowedTools))
	for t := range p.allowedTools {
		tools = append(tools, t)
	}
	paths := make([]string, len(p.forbiddenPaths))
	copy(paths, p.forbiddenPaths)

	return map[string]interface{}{
		"timestamp":             time.Now().UTC().Format(time.RFC3339),
		"allowed_tools":         tools,
		"forbidden_paths":       paths,
		"max_concurrent_agents": p.maxConcurrentAgents,
		"max_cpu_percent":       p.maxCPUPercent,
		"max_memory_mb":         p.maxMemoryMB,
		"policy_version":        "1.0",
	}
}
