package dns

import (
	"context"
	"fmt"
	"log"
	"os"

	cf "github.com/cloudflare/cloudflare-go"

	"github.com/supreme-majesty/siteward/pkg/site"
)

// Publisher points a site's domain at this host.
type Publisher interface {
	Publish(ctx context.Context, domain string) error
	Unpublish(ctx context.Context, domain string) error
}

type Options struct {
	Enabled  bool
	APIToken string
	ZoneID   string
	Target   string // public IPv4 of this host
	Proxied  bool
	TTL      int
}

// Cloudflare manages A records in one zone. When disabled it only logs
// what it would have done.
type Cloudflare struct {
	api    *cf.API
	opts   Options
	logger *log.Logger
}

var _ Publisher = (*Cloudflare)(nil)

func NewCloudflare(opts Options, logger *log.Logger) (*Cloudflare, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	if opts.TTL <= 0 {
		opts.TTL = 120
	}
	if !opts.Enabled {
		return &Cloudflare{opts: opts, logger: logger}, nil
	}
	if opts.ZoneID == "" || opts.Target == "" {
		return nil, fmt.Errorf("cloudflare: zone_id and target are required when enabled")
	}

	api, err := cf.NewWithAPIToken(opts.APIToken)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Cloudflare API client: %w", err)
	}
	return &Cloudflare{api: api, opts: opts, logger: logger}, nil
}

func (c *Cloudflare) Enabled() bool {
	return c.opts.Enabled
}

// Publish makes sure exactly one A record for domain points at Target.
func (c *Cloudflare) Publish(ctx context.Context, domain string) error {
	if err := site.ValidateDomain(domain); err != nil {
		return err
	}
	if !c.opts.Enabled {
		c.logger.Printf("[INFO] cloudflare: integration disabled, would point %s at %s", domain, c.opts.Target)
		return nil
	}

	zone := cf.ZoneIdentifier(c.opts.ZoneID)
	records, _, err := c.api.ListDNSRecords(ctx, zone, cf.ListDNSRecordsParams{Type: "A", Name: domain})
	if err != nil {
		return fmt.Errorf("failed to list DNS records for %s: %w", domain, err)
	}

	for _, r := range records {
		if r.Content == c.opts.Target {
			return nil
		}
	}
	for _, r := range records {
		if err := c.api.DeleteDNSRecord(ctx, zone, r.ID); err != nil {
			return fmt.Errorf("failed to delete stale DNS record %s: %w", r.ID, err)
		}
	}

	proxied := c.opts.Proxied
	record, err := c.api.CreateDNSRecord(ctx, zone, cf.CreateDNSRecordParams{
		Type:    "A",
		Name:    domain,
		Content: c.opts.Target,
		TTL:     c.opts.TTL,
		Proxied: &proxied,
	})
	if err != nil {
		return fmt.Errorf("failed to create DNS record for %s: %w", domain, err)
	}
	c.logger.Printf("[INFO] cloudflare: %s -> %s (record %s)", domain, c.opts.Target, record.ID)
	return nil
}

// Unpublish removes every A record for domain.
func (c *Cloudflare) Unpublish(ctx context.Context, domain string) error {
	if err := site.ValidateDomain(domain); err != nil {
		return err
	}
	if !c.opts.Enabled {
		c.logger.Printf("[INFO] cloudflare: integration disabled, would remove %s", domain)
		return nil
	}

	zone := cf.ZoneIdentifier(c.opts.ZoneID)
	records, _, err := c.api.ListDNSRecords(ctx, zone, cf.ListDNSRecordsParams{Type: "A", Name: domain})
	if err != nil {
		return fmt.Errorf("failed to list DNS records for %s: %w", domain, err)
	}
	for _, r := range records {
		if err := c.api.DeleteDNSRecord(ctx, zone, r.ID); err != nil {
			return fmt.Errorf("failed to delete DNS record %s: %w", r.ID, err)
		}
	}
	return nil
}
