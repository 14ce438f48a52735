package lifecycle

import (
	"context"

	"github.com/supreme-majesty/siteward/pkg/probe"
	"github.com/supreme-majesty/siteward/pkg/project"
	"github.com/supreme-majesty/siteward/pkg/site"
	"github.com/supreme-majesty/siteward/pkg/supervisor"
)

type SiteStore interface {
	Get(domain string) (site.Site, bool)
	List() []site.Site
	Add(s site.Site) error
	Put(s site.Site) error
	Remove(domain string) error
}

type SourceControl interface {
	Fetch(ctx context.Context, repo, dest string) error
	Update(ctx context.Context, path string) error
	Head(ctx context.Context, path string) (string, error)
}

type Installer interface {
	Install(ctx context.Context, root string, m *project.Manifest) (string, error)
}

type ProcessSupervisor interface {
	Start(domain string, c supervisor.Command) (*supervisor.Process, error)
	Stop(domain string) error
	Get(domain string) (supervisor.Info, bool)
	Tail(domain string, n int) ([]string, error)
}

type ConfigWriter interface {
	Write(s site.Site) (string, error)
	Remove(domain string) error
	Read(domain string) (string, error)
}

type Prober interface {
	Check(ctx context.Context, s site.Site) probe.Verdict
	CheckAll(ctx context.Context, sites []site.Site) []probe.Verdict
}

// Detector inspects a working tree for a dependency manifest.
type Detector func(root string) (*project.Manifest, error)
