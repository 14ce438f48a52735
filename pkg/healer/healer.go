package healer

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/supreme-majesty/siteward/pkg/events"
	"github.com/supreme-majesty/siteward/pkg/lifecycle"
	"github.com/supreme-majesty/siteward/pkg/supervisor"
)

// IssueSeverity indicates how urgent an issue is
type IssueSeverity string

const (
	SeverityInfo     IssueSeverity = "info"
	SeverityWarning  IssueSeverity = "warning"
	SeverityCritical IssueSeverity = "critical"
)

// debounce is how long a repeated issue is ignored after being reported.
const debounce = time.Minute

// Issue is a recognized problem in a site's output. Remediation is a
// command for the operator; nothing is run automatically.
type Issue struct {
	ID          string        `json:"id"`
	Domain      string        `json:"domain"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Severity    IssueSeverity `json:"severity"`
	Remediation string        `json:"remediation,omitempty"`
	Evidence    string        `json:"evidence"`
	DetectedAt  time.Time     `json:"detected_at"`
}

var portPattern = regexp.MustCompile(`(?::|port )(\d{2,5})\b`)

// Healer watches process output and lifecycle logs for known failure
// signatures and publishes them as issues.
type Healer struct {
	bus    *events.Bus
	logger *log.Logger
	now    func() time.Time

	mu           sync.RWMutex
	activeIssues map[string]Issue
	lastReported map[string]time.Time
}

func New(bus *events.Bus, logger *log.Logger) *Healer {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Healer{
		bus:          bus,
		logger:       logger,
		now:          time.Now,
		activeIssues: make(map[string]Issue),
		lastReported: make(map[string]time.Time),
	}
}

// Start subscribes to the events the healer analyzes.
func (h *Healer) Start() {
	h.bus.Subscribe(events.ProcessOutput, h.handleOutput)
	h.bus.Subscribe(events.ProcessExited, h.handleProcess)
	h.bus.Subscribe(events.ProcessStartFailed, h.handleProcess)
	h.bus.Subscribe(events.LifecycleLog, h.handleLifecycle)
	h.bus.Subscribe(events.SiteDeleted, func(e events.Event) { h.Clear(e.Domain) })
}

func (h *Healer) handleOutput(e events.Event) {
	if line, ok := e.Payload.(supervisor.OutputLine); ok {
		h.Analyze(e.Domain, line.Text)
	}
}

func (h *Healer) handleProcess(e events.Event) {
	if info, ok := e.Payload.(supervisor.Info); ok && info.Error != "" {
		h.Analyze(e.Domain, info.Error)
	}
}

func (h *Healer) handleLifecycle(e events.Event) {
	line, ok := e.Payload.(lifecycle.LogLine)
	if !ok || line.Level == "info" {
		return
	}
	h.Analyze(e.Domain, line.Text)
}

// Analyze matches text against the known signatures and reports the first
// one found. It returns the issue, if any.
func (h *Healer) Analyze(domain, text string) (Issue, bool) {
	msg := strings.ToLower(text)
	evidence := firstLine(text)

	var issue Issue
	switch {
	// 1. Port conflict
	case strings.Contains(msg, "eaddrinuse") || strings.Contains(msg, "address already in use"):
		port := "unknown"
		if m := portPattern.FindStringSubmatch(msg); m != nil {
			port = m[1]
		}
		issue = Issue{
			ID:          fmt.Sprintf("%s:port-conflict-%s", domain, port),
			Title:       fmt.Sprintf("Port %s is in use", port),
			Description: fmt.Sprintf("Another process holds port %s, so the site cannot bind it.", port),
			Severity:    SeverityCritical,
		}
		if port != "unknown" {
			issue.Remediation = fmt.Sprintf("sudo fuser -v %s/tcp", port)
		}

	// 2. Dependencies not installed
	case strings.Contains(msg, "cannot find module") || strings.Contains(msg, "module_not_found") ||
		strings.Contains(msg, "modulenotfounderror") || strings.Contains(msg, "vendor/autoload.php"):
		issue = Issue{
			ID:          domain + ":missing-dependency",
			Title:       "Missing dependency",
			Description: "The site's process could not load a package. Dependencies may not be installed.",
			Severity:    SeverityWarning,
			Remediation: "siteward update " + domain,
		}

	// 3. Start command not found
	case strings.Contains(msg, "command not found") || strings.Contains(msg, "executable file not found") ||
		strings.Contains(msg, "exit status 127"):
		issue = Issue{
			ID:          domain + ":command-not-found",
			Title:       "Start command not found",
			Description: "The start command refers to a program that is not on PATH.",
			Severity:    SeverityCritical,
		}

	// 4. Permissions
	case strings.Contains(msg, "permission denied") || strings.Contains(msg, "eacces"):
		issue = Issue{
			ID:          domain + ":permission-denied",
			Title:       "Permission denied",
			Description: "The site cannot read or write a file or directory it needs.",
			Severity:    SeverityWarning,
		}

	// 5. Out of memory
	case strings.Contains(msg, "heap out of memory") || strings.Contains(msg, "signal: killed"):
		issue = Issue{
			ID:          domain + ":out-of-memory",
			Title:       "Process ran out of memory",
			Description: "The site's process was killed or aborted for lack of memory.",
			Severity:    SeverityCritical,
		}

	default:
		return Issue{}, false
	}

	issue.Domain = domain
	issue.Evidence = evidence
	return issue, h.report(issue)
}

func (h *Healer) report(issue Issue) bool {
	h.mu.Lock()
	now := h.now()
	if last, ok := h.lastReported[issue.ID]; ok && now.Sub(last) < debounce {
		h.mu.Unlock()
		return false
	}
	h.lastReported[issue.ID] = now
	issue.DetectedAt = now
	h.activeIssues[issue.ID] = issue
	h.mu.Unlock()

	h.logger.Printf("[WARN] healer: %s: %s", issue.Domain, issue.Title)
	h.bus.Emit(events.IssueDetected, issue.Domain, issue)
	return true
}

// Issues returns the unresolved issues, for one domain when domain is set.
func (h *Healer) Issues(domain string) []Issue {
	h.mu.RLock()
	list := make([]Issue, 0, len(h.activeIssues))
	for _, i := range h.activeIssues {
		if domain == "" || i.Domain == domain {
			list = append(list, i)
		}
	}
	h.mu.RUnlock()

	sort.Slice(list, func(a, b int) bool { return list[a].ID < list[b].ID })
	return list
}

// Dismiss marks an issue resolved.
func (h *Healer) Dismiss(id string) error {
	h.mu.Lock()
	issue, ok := h.activeIssues[id]
	if ok {
		delete(h.activeIssues, id)
		delete(h.lastReported, id)
	}
	h.mu.Unlock()

	if !ok {
		return fmt.Errorf("issue %q not found or already resolved", id)
	}
	h.bus.Emit(events.IssueResolved, issue.Domain, id)
	return nil
}

// Clear drops every issue of domain.
func (h *Healer) Clear(domain string) {
	for _, i := range h.Issues(domain) {
		h.Dismiss(i.ID)
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
