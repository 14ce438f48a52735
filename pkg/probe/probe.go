package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/supreme-majesty/siteward/pkg/site"
	"github.com/supreme-majesty/siteward/pkg/util"
)

type Level string

const (
	LevelOK      Level = "ok"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

const DefaultTimeout = 3 * time.Second

// maxConcurrent bounds CheckAll fan-out.
const maxConcurrent = 8

// Verdict is the outcome of one reachability check.
type Verdict struct {
	Level     Level     `json:"level"`
	Reason    string    `json:"reason"`
	CheckedAt time.Time `json:"checked_at"`
}

// ConfigLocator tells the prober where a domain's rendered config lives.
type ConfigLocator interface {
	ConfigPath(domain string) string
}

type Prober struct {
	configs ConfigLocator
	timeout time.Duration
	client  *http.Client
	group   singleflight.Group
}

// New returns a prober that dials each domain on port 80. A zero timeout
// means DefaultTimeout.
func New(configs ConfigLocator, timeout time.Duration) *Prober {
	return NewWithAddr(configs, timeout, "")
}

// NewWithAddr is New but every request is dialed to addr (host:port),
// keeping the domain as the Host header. Used when nginx is not on the
// address the domain resolves to.
func NewWithAddr(configs ConfigLocator, timeout time.Duration, addr string) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	dialer := &net.Dialer{Timeout: timeout}
	transport := &http.Transport{
		Proxy:             nil,
		DialContext:       dialer.DialContext,
		DisableKeepAlives: true,
	}
	if addr != "" {
		transport.DialContext = func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		}
	}

	return &Prober{
		configs: configs,
		timeout: timeout,
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Check classifies s. It is read-only and returns within the timeout.
// Concurrent checks of the same domain share one request, which is not
// tied to any single caller's ctx.
func (p *Prober) Check(ctx context.Context, s site.Site) Verdict {
	ch := p.group.DoChan(s.Domain, func() (interface{}, error) {
		return p.check(context.WithoutCancel(ctx), s), nil
	})
	select {
	case r := <-ch:
		return r.Val.(Verdict)
	case <-ctx.Done():
		return verdict(LevelWarning, "check canceled")
	}
}

func (p *Prober) check(ctx context.Context, s site.Site) Verdict {
	if err := site.ValidateDomain(s.Domain); err != nil {
		return verdict(LevelError, "invalid domain")
	}
	if s.Root == "" || !util.Exists(s.Root) || !util.Exists(p.configs.ConfigPath(s.Domain)) {
		return verdict(LevelError, "missing files or config")
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+s.Domain+"/", nil)
	if err != nil {
		return verdict(LevelWarning, "request failed")
	}
	req.Header.Set("User-Agent", "siteward-probe")

	resp, err := p.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return verdict(LevelWarning, "timeout")
		}
		return verdict(LevelWarning, "request failed")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 400 {
		return verdict(LevelWarning, fmt.Sprintf("HTTP %d", resp.StatusCode))
	}
	return verdict(LevelOK, "site reachable")
}

// CheckAll checks every site, at most maxConcurrent at a time. The
// verdicts are in the order of sites.
func (p *Prober) CheckAll(ctx context.Context, sites []site.Site) []Verdict {
	out := make([]Verdict, len(sites))

	var g errgroup.Group
	g.SetLimit(maxConcurrent)
	for i, s := range sites {
		i, s := i, s
		g.Go(func() error {
			out[i] = p.Check(ctx, s)
			return nil
		})
	}
	g.Wait()
	return out
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func verdict(level Level, reason string) Verdict {
	return Verdict{Level: level, Reason: reason, CheckedAt: time.Now()}
}
