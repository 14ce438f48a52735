package daemon

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/supreme-majesty/siteward/pkg/adapters/linux"
	"github.com/supreme-majesty/siteward/pkg/config"
	"github.com/supreme-majesty/siteward/pkg/daemon/metrics"
	"github.com/supreme-majesty/siteward/pkg/dns"
	"github.com/supreme-majesty/siteward/pkg/events"
	"github.com/supreme-majesty/siteward/pkg/healer"
	"github.com/supreme-majesty/siteward/pkg/lifecycle"
	"github.com/supreme-majesty/siteward/pkg/nginx"
	"github.com/supreme-majesty/siteward/pkg/probe"
	"github.com/supreme-majesty/siteward/pkg/project"
	"github.com/supreme-majesty/siteward/pkg/store"
	"github.com/supreme-majesty/siteward/pkg/supervisor"
	"github.com/supreme-majesty/siteward/pkg/vcs"
)

// Daemon owns every long-lived collaborator of a running siteward.
type Daemon struct {
	Config       *config.Config
	Store        *store.Store
	Events       *events.Bus
	Renderer     *nginx.Renderer
	Supervisor   *supervisor.Supervisor
	Prober       *probe.Prober
	Adapter      *linux.LinuxAdapter
	DNS          *dns.Cloudflare
	Metrics      *metrics.Collector
	Healer       *healer.Healer
	Orchestrator *lifecycle.Orchestrator
	Logger       *log.Logger
}

// New wires a daemon from cfg. The site list is loaded; no process is
// started until Resume.
func New(cfg *config.Config, logger *log.Logger) (*Daemon, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}

	// 1. Load State
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	st := store.New(cfg.SitesFile())
	if err := st.Load(); err != nil {
		return nil, fmt.Errorf("failed to load sites: %w", err)
	}

	// 2. Event Bus
	bus := events.NewBus()

	// 3. Collaborators
	renderer := nginx.NewRenderer(cfg.Nginx.ConfigDir, cfg.Nginx.CertDir)

	sup := supervisor.New(cfg.LogDir, bus, logger)
	if cfg.Process.StopWait > 0 {
		sup.StopWait = cfg.Process.StopWait
	}

	prober := probe.NewWithAddr(renderer, cfg.Probe.Timeout, cfg.Probe.Addr)

	adapter := linux.NewLinuxAdapter(linux.Options{
		ConfigDir:    cfg.Nginx.ConfigDir,
		AvailableDir: cfg.Nginx.AvailableDir,
		EnabledDir:   cfg.Nginx.EnabledDir,
		Sudo:         cfg.Nginx.Sudo,
		Command:      cfg.Nginx.EnableCommand,
	}, logger)

	publisher, err := dns.NewCloudflare(dns.Options{
		Enabled:  cfg.Cloudflare.Enabled,
		APIToken: cfg.Cloudflare.APIToken,
		ZoneID:   cfg.Cloudflare.ZoneID,
		Target:   cfg.Cloudflare.Target,
		Proxied:  cfg.Cloudflare.Proxied,
	}, logger)
	if err != nil {
		return nil, err
	}

	deps := lifecycle.Deps{
		Store:          st,
		Source:         vcs.NewGit(cfg.Git.Branch),
		Installer:      project.NewInstaller(cfg.Process.PackageManager, logger),
		Supervisor:     sup,
		Configs:        renderer,
		Gateway:        adapter,
		Prober:         prober,
		Bus:            bus,
		Logger:         logger,
		PackageManager: cfg.Process.PackageManager,
		ReservedDirs:   cfg.ReservedDirs(),
	}
	if publisher.Enabled() {
		deps.DNS = publisher
	}

	h := healer.New(bus, logger)
	h.Start()

	return &Daemon{
		Config:       cfg,
		Store:        st,
		Events:       bus,
		Renderer:     renderer,
		Supervisor:   sup,
		Prober:       prober,
		Adapter:      adapter,
		DNS:          publisher,
		Metrics:      metrics.NewCollector(sup, cfg.Nginx.StatusURL),
		Healer:       h,
		Orchestrator: lifecycle.New(deps),
		Logger:       logger,
	}, nil
}

// Resume starts the stored sites when the config asks for it.
func (d *Daemon) Resume(ctx context.Context) {
	if !d.Config.Process.Resume {
		return
	}
	for _, w := range d.Orchestrator.Resume(ctx) {
		d.Logger.Printf("[WARN] resume: %s", w)
	}
	d.Logger.Printf("[INFO] resumed %d site process(es)", len(d.Supervisor.List()))
}

// Shutdown stops every supervised process and log follower.
func (d *Daemon) Shutdown() {
	d.Logger.Printf("[INFO] stopping %d site process(es)", len(d.Supervisor.List()))
	d.Supervisor.Shutdown()
}
