package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/supreme-majesty/siteward/pkg/adapters"
	"github.com/supreme-majesty/siteward/pkg/dns"
	"github.com/supreme-majesty/siteward/pkg/events"
	"github.com/supreme-majesty/siteward/pkg/project"
	"github.com/supreme-majesty/siteward/pkg/site"
	"github.com/supreme-majesty/siteward/pkg/supervisor"
	"github.com/supreme-majesty/siteward/pkg/util"
)

type Deps struct {
	Store      SiteStore
	Source     SourceControl
	Installer  Installer
	Supervisor ProcessSupervisor
	Configs    ConfigWriter
	Gateway    adapters.ReloadGateway
	Prober     Prober
	DNS        dns.Publisher // optional
	Detect     Detector      // defaults to project.Detect
	Bus        *events.Bus
	Logger     *log.Logger

	PackageManager string

	// ReservedDirs are the engine's own directories. No site root may
	// contain one or lie inside one.
	ReservedDirs []string
}

// Orchestrator sequences the collaborators into site lifecycle operations.
// At most one operation runs per domain at a time.
type Orchestrator struct {
	deps  Deps
	locks *util.KeyedMutex
	now   func() time.Time

	// Roots and ports claimed by creates that have not been stored yet.
	pendingMu sync.Mutex
	pending   map[string]site.Site
}

func New(deps Deps) *Orchestrator {
	if deps.Detect == nil {
		deps.Detect = project.Detect
	}
	if deps.Logger == nil {
		deps.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Orchestrator{
		deps:    deps,
		locks:   util.NewKeyedMutex(),
		now:     time.Now,
		pending: make(map[string]site.Site),
	}
}

type CreateRequest struct {
	Site      site.Site `json:"site"`
	Overwrite bool      `json:"overwrite"`
}

type DeleteOptions struct {
	// Purge also stops the process and deactivates the nginx config. The
	// working tree is never removed.
	Purge bool `json:"purge"`
}

// Result describes what a lifecycle operation did. Warnings are problems
// that happened after the operation committed.
type Result struct {
	OperationID string              `json:"operation_id"`
	Site        site.Site           `json:"site"`
	Strategy    supervisor.Strategy `json:"strategy,omitempty"`
	Process     *supervisor.Info    `json:"process,omitempty"`
	ConfigPath  string              `json:"config_path,omitempty"`
	Revision    string              `json:"revision,omitempty"`
	Warnings    []string            `json:"warnings,omitempty"`
	Log         string              `json:"log"`
}

func (o *Orchestrator) begin(action, domain string) *opLog {
	return newOpLog(action, domain, o.deps.Bus, o.deps.Logger)
}

func finish(l *opLog, res *Result) *Result {
	res.OperationID = l.id
	res.Warnings = l.warnings
	res.Log = l.String()
	return res
}

// Create checks out a new site, installs its dependencies, starts its
// process, stores it and activates its nginx config. Validation failures
// leave no trace; failures after the site is stored come back as warnings.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (*Result, error) {
	s := req.Site
	if err := site.ValidateDomain(s.Domain); err != nil {
		return nil, err
	}

	unlock := o.locks.Lock(s.Domain)
	defer unlock()

	if err := o.reserve(s); err != nil {
		return nil, err
	}
	defer o.release(s.Domain)

	l := o.begin("create", s.Domain)
	res := &Result{}

	parent := s.ParentDir()
	if err := ensureWritable(parent); err != nil {
		return nil, err
	}

	empty, err := util.IsEmptyDir(s.Root)
	if err != nil {
		return nil, site.NewPermissionError(s.Root, err)
	}
	if !empty {
		if !req.Overwrite {
			return nil, &site.DestinationError{Path: s.Root}
		}
		l.Infof("removing existing contents of %s", s.Root)
		if err := os.RemoveAll(s.Root); err != nil {
			return nil, site.NewPermissionError(s.Root, err)
		}
	}

	l.Infof("fetching %s into %s", s.Repository, s.Root)
	if err := o.deps.Source.Fetch(ctx, s.Repository, s.Root); err != nil {
		return nil, err
	}
	res.Revision = o.revision(ctx, s, l)

	manifest := o.installDependencies(ctx, s, l)

	now := o.now()
	s.CreatedAt = now
	s.UpdatedAt = now

	o.startProcess(s, manifest, l, res)

	if err := o.deps.Store.Add(s); err != nil {
		if res.Process != nil {
			o.deps.Supervisor.Stop(s.Domain)
		}
		return nil, fmt.Errorf("failed to save site %s: %w", s.Domain, err)
	}
	l.Infof("site saved")
	res.Site = s

	res.ConfigPath = o.activate(ctx, s, l)
	o.publishDNS(ctx, s, l)

	o.deps.Bus.Emit(events.SiteCreated, s.Domain, s)
	o.sitesChanged()
	return finish(l, res), nil
}

// Update pulls the latest source, reinstalls dependencies, restarts the
// process and re-activates the config.
func (o *Orchestrator) Update(ctx context.Context, domain string) (*Result, error) {
	if err := site.ValidateDomain(domain); err != nil {
		return nil, err
	}

	unlock := o.locks.Lock(domain)
	defer unlock()

	s, ok := o.deps.Store.Get(domain)
	if !ok {
		return nil, fmt.Errorf("%w: %s", site.ErrNotFound, domain)
	}

	l := o.begin("update", domain)
	res := &Result{Site: s}

	l.Infof("pulling latest changes in %s", s.Root)
	if err := o.deps.Source.Update(ctx, s.Root); err != nil {
		return nil, err
	}
	res.Revision = o.revision(ctx, s, l)

	manifest := o.installDependencies(ctx, s, l)
	o.startProcess(s, manifest, l, res)

	s.UpdatedAt = o.now()
	if err := o.deps.Store.Put(s); err != nil {
		l.Warnf("failed to record update time: %v", err)
	}
	res.Site = s

	res.ConfigPath = o.activate(ctx, s, l)

	o.deps.Bus.Emit(events.SiteUpdated, domain, s)
	o.sitesChanged()
	return finish(l, res), nil
}

// Delete forgets a site. Without Purge nothing else is touched.
func (o *Orchestrator) Delete(ctx context.Context, domain string, opts DeleteOptions) (*Result, error) {
	if err := site.ValidateDomain(domain); err != nil {
		return nil, err
	}

	unlock := o.locks.Lock(domain)
	defer unlock()

	s, stored := o.deps.Store.Get(domain)
	if !stored && !(opts.Purge && o.leftovers(domain)) {
		return nil, fmt.Errorf("%w: %s", site.ErrNotFound, domain)
	}

	l := o.begin("delete", domain)
	if stored {
		if err := o.deps.Store.Remove(domain); err != nil {
			return nil, err
		}
		l.Infof("site removed from store")
	} else {
		s = site.Site{Domain: domain}
		l.Infof("no stored site, purging what is left of it")
	}

	if opts.Purge {
		if err := o.deps.Supervisor.Stop(domain); err != nil {
			l.Warnf("failed to stop process: %v", err)
		}
		if err := o.deps.Gateway.Disable(ctx, domain); err != nil {
			o.reportReload(l, err)
		}
		if err := o.deps.Configs.Remove(domain); err != nil {
			l.Warnf("failed to remove rendered config: %v", err)
		} else {
			o.deps.Bus.Emit(events.ConfigChanged, domain, "")
		}
		if o.deps.DNS != nil {
			if err := o.deps.DNS.Unpublish(ctx, domain); err != nil {
				l.Warnf("failed to remove DNS record: %v", err)
			}
		}
		if s.Root != "" {
			l.Infof("process stopped and config deactivated; %s left on disk", s.Root)
		} else {
			l.Infof("process stopped and config deactivated")
		}
	}

	if stored {
		o.deps.Bus.Emit(events.SiteDeleted, domain, s)
		o.sitesChanged()
	}
	return finish(l, &Result{Site: s}), nil
}

// leftovers reports whether an unstored domain still has a process or a
// rendered config.
func (o *Orchestrator) leftovers(domain string) bool {
	if _, running := o.deps.Supervisor.Get(domain); running {
		return true
	}
	_, err := o.deps.Configs.Read(domain)
	return err == nil
}

// Run starts the site's process. An empty command uses the site's
// default strategy; otherwise command runs through the shell.
func (o *Orchestrator) Run(ctx context.Context, domain, command string) (*Result, error) {
	if err := site.ValidateDomain(domain); err != nil {
		return nil, err
	}

	unlock := o.locks.Lock(domain)
	defer unlock()

	s, ok := o.deps.Store.Get(domain)
	if !ok {
		return nil, fmt.Errorf("%w: %s", site.ErrNotFound, domain)
	}

	l := o.begin("run", domain)
	res := &Result{Site: s}

	var (
		cmd      supervisor.Command
		strategy supervisor.Strategy
	)
	if command != "" {
		manual := s
		manual.StartCommand = command
		cmd, strategy = supervisor.CustomCommand(manual), supervisor.StrategyCustom
	} else {
		m, err := o.deps.Detect(s.Root)
		if err != nil {
			l.Warnf("manifest detection failed: %v", err)
		}
		cmd, strategy = supervisor.CommandFor(s, m.StartCommand(o.deps.PackageManager))
		if strategy == supervisor.StrategyNone {
			return nil, fmt.Errorf("%w: %s", site.ErrNoStartCommand, domain)
		}
	}

	if err := o.launch(s.Domain, cmd, strategy, l, res); err != nil {
		return nil, err
	}
	return finish(l, res), nil
}

// Stop terminates the domain's process, if any. A process left behind by
// a Delete without Purge can still be stopped here.
func (o *Orchestrator) Stop(ctx context.Context, domain string) (*Result, error) {
	if err := site.ValidateDomain(domain); err != nil {
		return nil, err
	}

	unlock := o.locks.Lock(domain)
	defer unlock()

	s, stored := o.deps.Store.Get(domain)
	_, running := o.deps.Supervisor.Get(domain)
	if !stored && !running {
		return nil, fmt.Errorf("%w: %s", site.ErrNotFound, domain)
	}
	if !stored {
		s = site.Site{Domain: domain}
	}

	l := o.begin("stop", domain)
	if !running {
		l.Infof("no process tracked")
	} else if err := o.deps.Supervisor.Stop(domain); err != nil {
		l.Warnf("%v", err)
	} else {
		l.Infof("process stopped")
	}
	return finish(l, &Result{Site: s}), nil
}

// Resume starts every stored site that has a start strategy. Used when
// the daemon boots, since processes do not outlive it.
func (o *Orchestrator) Resume(ctx context.Context) []string {
	var warnings []string
	for _, s := range o.deps.Store.List() {
		if ctx.Err() != nil {
			break
		}
		res, err := o.Run(ctx, s.Domain, "")
		switch {
		case errors.Is(err, site.ErrNoStartCommand):
			continue
		case err != nil:
			warnings = append(warnings, fmt.Sprintf("%s: %v", s.Domain, err))
		default:
			for _, w := range res.Warnings {
				warnings = append(warnings, fmt.Sprintf("%s: %s", s.Domain, w))
			}
		}
	}
	return warnings
}

func (o *Orchestrator) installDependencies(ctx context.Context, s site.Site, l *opLog) *project.Manifest {
	m, err := o.deps.Detect(s.Root)
	if err != nil {
		l.Warnf("manifest detection failed: %v", err)
		return nil
	}
	if !m.Present() {
		l.Infof("no dependency manifest found")
		return m
	}

	l.Infof("installing dependencies")
	out, err := o.deps.Installer.Install(ctx, s.Root, m)
	l.Output(out)
	if err != nil {
		l.Warnf("dependency install failed: %v", err)
		return m
	}
	l.Infof("dependencies installed")
	return m
}

func (o *Orchestrator) startProcess(s site.Site, m *project.Manifest, l *opLog, res *Result) {
	cmd, strategy := supervisor.CommandFor(s, m.StartCommand(o.deps.PackageManager))
	if strategy == supervisor.StrategyNone {
		res.Strategy = strategy
		l.Infof("no start command, serving files only")
		if _, running := o.deps.Supervisor.Get(s.Domain); running {
			if err := o.deps.Supervisor.Stop(s.Domain); err != nil {
				l.Warnf("failed to stop previous process: %v", err)
			} else {
				l.Infof("stopped previous process, the tree no longer has a start command")
			}
		}
		return
	}
	if err := o.launch(s.Domain, cmd, strategy, l, res); err != nil {
		l.Warnf("failed to start process: %v", err)
	}
}

func (o *Orchestrator) launch(domain string, cmd supervisor.Command, strategy supervisor.Strategy, l *opLog, res *Result) error {
	res.Strategy = strategy
	p, err := o.deps.Supervisor.Start(domain, cmd)
	if err != nil {
		return err
	}
	info := p.Info()
	res.Process = &info
	if info.State == supervisor.StateFailed {
		l.Warnf("process failed to launch: %s", info.Error)
		return nil
	}
	l.Infof("started %q (pid %d, %s strategy)", cmd.String(), info.Pid, strategy)
	return nil
}

// activate renders the config and asks the gateway to enable it. It
// returns the rendered path, "" when rendering failed.
func (o *Orchestrator) activate(ctx context.Context, s site.Site, l *opLog) string {
	path, err := o.deps.Configs.Write(s)
	if err != nil {
		l.Warnf("failed to write nginx config: %v", err)
		return ""
	}
	l.Infof("nginx config written to %s", path)
	o.deps.Bus.Emit(events.ConfigChanged, s.Domain, path)

	if err := o.deps.Gateway.Enable(ctx, s.Domain); err != nil {
		o.reportReload(l, err)
		return path
	}
	l.Infof("nginx reloaded")
	return path
}

// sitesChanged publishes the full site list after a store mutation.
func (o *Orchestrator) sitesChanged() {
	o.deps.Bus.Emit(events.SitesUpdated, "", o.deps.Store.List())
}

func (o *Orchestrator) reportReload(l *opLog, err error) {
	var reloadErr *site.ReloadError
	if errors.As(err, &reloadErr) {
		l.Output(reloadErr.Output)
		l.Warnf("nginx reload failed: %v. Run manually: %s", reloadErr.Err, reloadErr.Remediation)
		return
	}
	l.Warnf("nginx reload failed: %v", err)
}

// revision records the checked-out commit. Failing to read it is only
// logged.
func (o *Orchestrator) revision(ctx context.Context, s site.Site, l *opLog) string {
	rev, err := o.deps.Source.Head(ctx, s.Root)
	if err != nil {
		l.Warnf("failed to read revision: %v", err)
		return ""
	}
	l.Infof("at revision %s", rev)
	return rev
}

func (o *Orchestrator) publishDNS(ctx context.Context, s site.Site, l *opLog) {
	if o.deps.DNS == nil {
		return
	}
	if err := o.deps.DNS.Publish(ctx, s.Domain); err != nil {
		l.Warnf("failed to publish DNS record: %v", err)
	}
}

// reserve runs the checks that need the whole site set, then holds the
// site's root and port until release.
func (o *Orchestrator) reserve(s site.Site) error {
	if err := s.Validate(); err != nil {
		return err
	}

	for _, dir := range o.deps.ReservedDirs {
		if dir != "" && (site.Contains(dir, s.Root) || site.Contains(s.Root, dir)) {
			return fmt.Errorf("%w: %s overlaps %s", site.ErrInvalidRoot, s.Root, dir)
		}
	}

	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()

	if _, exists := o.deps.Store.Get(s.Domain); exists {
		return fmt.Errorf("%w: %s", site.ErrDuplicateDomain, s.Domain)
	}

	others := o.deps.Store.List()
	for _, p := range o.pending {
		others = append(others, p)
	}
	for _, other := range others {
		if other.Domain == s.Domain {
			return fmt.Errorf("%w: %s", site.ErrDuplicateDomain, s.Domain)
		}
		// Roots may not nest.
		if site.Contains(other.Root, s.Root) || site.Contains(s.Root, other.Root) {
			return fmt.Errorf("%w: %s overlaps %s of %s", site.ErrRootInUse, s.Root, other.Root, other.Domain)
		}
		if s.Port > 0 && other.Port == s.Port {
			return fmt.Errorf("%w: %d is used by %s", site.ErrPortInUse, s.Port, other.Domain)
		}
	}

	o.pending[s.Domain] = s
	return nil
}

func (o *Orchestrator) release(domain string) {
	o.pendingMu.Lock()
	delete(o.pending, domain)
	o.pendingMu.Unlock()
}

// ensureWritable creates dir and proves a file can be created in it.
func ensureWritable(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return site.NewPermissionError(dir, err)
	}
	f, err := os.CreateTemp(dir, ".siteward-write-*")
	if err != nil {
		return site.NewPermissionError(dir, err)
	}
	f.Close()
	os.Remove(f.Name())
	return nil
}
