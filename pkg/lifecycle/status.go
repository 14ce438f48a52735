package lifecycle

import (
	"context"
	"fmt"

	"github.com/supreme-majesty/siteward/pkg/probe"
	"github.com/supreme-majesty/siteward/pkg/site"
	"github.com/supreme-majesty/siteward/pkg/supervisor"
)

// SiteStatus is a site with its current health and process.
type SiteStatus struct {
	Site    site.Site        `json:"site"`
	Health  probe.Verdict    `json:"health"`
	Process *supervisor.Info `json:"process,omitempty"`
}

// Status probes every stored site. It changes nothing.
func (o *Orchestrator) Status(ctx context.Context) []SiteStatus {
	sites := o.deps.Store.List()
	verdicts := o.deps.Prober.CheckAll(ctx, sites)

	out := make([]SiteStatus, len(sites))
	for i, s := range sites {
		out[i] = o.withProcess(s, verdicts[i])
	}
	return out
}

// SiteStatus is Status for one domain.
func (o *Orchestrator) SiteStatus(ctx context.Context, domain string) (SiteStatus, error) {
	if err := site.ValidateDomain(domain); err != nil {
		return SiteStatus{}, err
	}
	s, ok := o.deps.Store.Get(domain)
	if !ok {
		return SiteStatus{}, fmt.Errorf("%w: %s", site.ErrNotFound, domain)
	}
	return o.withProcess(s, o.deps.Prober.Check(ctx, s)), nil
}

func (o *Orchestrator) withProcess(s site.Site, health probe.Verdict) SiteStatus {
	st := SiteStatus{Site: s, Health: health}
	if info, ok := o.deps.Supervisor.Get(s.Domain); ok {
		st.Process = &info
	}
	return st
}

// RenderedConfig returns the nginx config on disk for a stored site.
func (o *Orchestrator) RenderedConfig(domain string) (string, error) {
	if err := site.ValidateDomain(domain); err != nil {
		return "", err
	}
	if _, ok := o.deps.Store.Get(domain); !ok {
		return "", fmt.Errorf("%w: %s", site.ErrNotFound, domain)
	}
	return o.deps.Configs.Read(domain)
}

// Logs returns the last n lines of the site's process output.
func (o *Orchestrator) Logs(domain string, n int) ([]string, error) {
	if err := site.ValidateDomain(domain); err != nil {
		return nil, err
	}
	if _, ok := o.deps.Store.Get(domain); !ok {
		return nil, fmt.Errorf("%w: %s", site.ErrNotFound, domain)
	}
	return o.deps.Supervisor.Tail(domain, n)
}

// Sites lists the stored sites.
func (o *Orchestrator) Sites() []site.Site {
	return o.deps.Store.List()
}
