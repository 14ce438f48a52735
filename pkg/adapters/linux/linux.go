package linux

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/supreme-majesty/siteward/pkg/adapters"
	"github.com/supreme-majesty/siteward/pkg/site"
)

// Runner executes one argument vector and returns its combined output.
type Runner func(ctx context.Context, argv []string) (string, error)

type Options struct {
	ConfigDir    string   // where rendered configs are written
	AvailableDir string   // nginx sites-available
	EnabledDir   string   // nginx sites-enabled
	Sudo         bool     // prefix commands with sudo -n when not root
	Command      []string // replaces the built-in sequence; domain is appended
}

// LinuxAdapter installs rendered configs into a Debian-style nginx layout
// and reloads it.
type LinuxAdapter struct {
	opts   Options
	logger *log.Logger
	run    Runner
}

var _ adapters.ReloadGateway = (*LinuxAdapter)(nil)

func NewLinuxAdapter(opts Options, logger *log.Logger) *LinuxAdapter {
	if opts.AvailableDir == "" {
		opts.AvailableDir = "/etc/nginx/sites-available"
	}
	if opts.EnabledDir == "" {
		opts.EnabledDir = "/etc/nginx/sites-enabled"
	}
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &LinuxAdapter{opts: opts, logger: logger, run: execRunner}
}

// WithRunner swaps the command runner, for tests.
func (l *LinuxAdapter) WithRunner(r Runner) *LinuxAdapter {
	l.run = r
	return l
}

func execRunner(ctx context.Context, argv []string) (string, error) {
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	return string(out), err
}

func (l *LinuxAdapter) sourcePath(domain string) string {
	return filepath.Join(l.opts.ConfigDir, domain+".conf")
}

func (l *LinuxAdapter) availablePath(domain string) string {
	return filepath.Join(l.opts.AvailableDir, domain+".conf")
}

func (l *LinuxAdapter) enabledPath(domain string) string {
	return filepath.Join(l.opts.EnabledDir, domain+".conf")
}

func (l *LinuxAdapter) enableSteps(domain string) [][]string {
	return [][]string{
		{"install", "-m", "0644", l.sourcePath(domain), l.availablePath(domain)},
		{"ln", "-sf", l.availablePath(domain), l.enabledPath(domain)},
		{"nginx", "-t"},
		{"nginx", "-s", "reload"},
	}
}

func (l *LinuxAdapter) disableSteps(domain string) [][]string {
	return [][]string{
		{"rm", "-f", l.enabledPath(domain), l.availablePath(domain)},
		{"nginx", "-t"},
		{"nginx", "-s", "reload"},
	}
}

// Enable installs and links the rendered config, tests nginx and reloads
// it, stopping at the first failing step.
func (l *LinuxAdapter) Enable(ctx context.Context, domain string) error {
	if err := site.ValidateDomain(domain); err != nil {
		return err
	}
	if len(l.opts.Command) > 0 {
		argv := append(append([]string(nil), l.opts.Command...), domain)
		return l.sequence(ctx, domain, [][]string{argv})
	}
	return l.sequence(ctx, domain, l.enableSteps(domain))
}

// Disable unlinks the config and reloads nginx.
func (l *LinuxAdapter) Disable(ctx context.Context, domain string) error {
	if err := site.ValidateDomain(domain); err != nil {
		return err
	}
	return l.sequence(ctx, domain, l.disableSteps(domain))
}

func (l *LinuxAdapter) sequence(ctx context.Context, domain string, steps [][]string) error {
	for _, step := range steps {
		argv := l.privileged(step)
		out, err := l.run(ctx, argv)
		if err != nil {
			l.logger.Printf("[ERROR] %s: %s failed: %v", domain, strings.Join(argv, " "), err)
			return &site.ReloadError{
				Domain:      domain,
				Output:      out,
				Remediation: l.RemediationCommand(domain),
				Err:         fmt.Errorf("%s: %w", strings.Join(argv, " "), err),
			}
		}
	}
	l.logger.Printf("[INFO] %s: nginx config active", domain)
	return nil
}

func (l *LinuxAdapter) privileged(argv []string) []string {
	if !l.opts.Sudo || os.Geteuid() == 0 {
		return argv
	}
	return append([]string{"sudo", "-n"}, argv...)
}

func (l *LinuxAdapter) RemediationCommand(domain string) string {
	var steps [][]string
	if len(l.opts.Command) > 0 {
		steps = [][]string{append(append([]string(nil), l.opts.Command...), domain)}
	} else {
		steps = l.enableSteps(domain)
	}
	parts := make([]string, 0, len(steps))
	for _, step := range steps {
		parts = append(parts, "sudo "+strings.Join(step, " "))
	}
	return strings.Join(parts, " && ")
}

// GetServices reports whether nginx is running.
func (l *LinuxAdapter) GetServices(ctx context.Context) []adapters.ServiceStatus {
	status := adapters.ServiceStatus{Name: "nginx"}
	if out, err := l.run(ctx, []string{"systemctl", "is-active", "nginx"}); err == nil {
		status.Running = strings.TrimSpace(out) == "active"
	}
	if out, err := l.run(ctx, []string{"nginx", "-v"}); err == nil {
		status.Version = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(out), "nginx version:"))
	}
	return []adapters.ServiceStatus{status}
}

// GetSystemHealth checks the nginx binary, its config and the directories
// the gateway writes to.
func (l *LinuxAdapter) GetSystemHealth(ctx context.Context) []adapters.HealthCheck {
	var checks []adapters.HealthCheck

	if _, err := exec.LookPath("nginx"); err != nil {
		checks = append(checks, adapters.HealthCheck{Name: "nginx", Status: "fail", Message: "nginx not found in PATH"})
	} else if out, err := l.run(ctx, l.privileged([]string{"nginx", "-t"})); err != nil {
		checks = append(checks, adapters.HealthCheck{Name: "nginx", Status: "fail", Message: strings.TrimSpace(out)})
	} else {
		checks = append(checks, adapters.HealthCheck{Name: "nginx", Status: "pass", Message: "configuration ok"})
	}

	for _, dir := range []string{l.opts.ConfigDir, l.opts.AvailableDir, l.opts.EnabledDir} {
		checks = append(checks, checkDir(dir))
	}
	return checks
}

func checkDir(dir string) adapters.HealthCheck {
	check := adapters.HealthCheck{Name: dir}
	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		check.Status, check.Message = "warn", "missing"
	case err != nil:
		check.Status, check.Message = "fail", err.Error()
	case !info.IsDir():
		check.Status, check.Message = "fail", "not a directory"
	default:
		check.Status, check.Message = "pass", "present"
	}
	return check
}
