package linux

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supreme-majesty/siteward/pkg/site"
)

type fakeRunner struct {
	calls  [][]string
	failOn string
	output string
}

func (f *fakeRunner) run(_ context.Context, argv []string) (string, error) {
	f.calls = append(f.calls, argv)
	if f.failOn != "" && strings.Contains(strings.Join(argv, " "), f.failOn) {
		return f.output, errors.New("exit status 1")
	}
	return "", nil
}

func newAdapter(opts Options, r *fakeRunner) *LinuxAdapter {
	if opts.ConfigDir == "" {
		opts.ConfigDir = "/var/lib/siteward/nginx"
	}
	return NewLinuxAdapter(opts, log.New(io.Discard, "", 0)).WithRunner(r.run)
}

func TestEnableRunsSequence(t *testing.T) {
	r := &fakeRunner{}
	a := newAdapter(Options{}, r)

	require.NoError(t, a.Enable(context.Background(), "a.test"))
	assert.Equal(t, [][]string{
		{"install", "-m", "0644", "/var/lib/siteward/nginx/a.test.conf", "/etc/nginx/sites-available/a.test.conf"},
		{"ln", "-sf", "/etc/nginx/sites-available/a.test.conf", "/etc/nginx/sites-enabled/a.test.conf"},
		{"nginx", "-t"},
		{"nginx", "-s", "reload"},
	}, r.calls)
}

func TestEnableStopsAtFirstFailure(t *testing.T) {
	diag := "nginx: [emerg] unknown directive \"proxy_pas\" in /etc/nginx/sites-enabled/a.test.conf:7\nnginx: configuration file /etc/nginx/nginx.conf test failed\n"
	r := &fakeRunner{failOn: "nginx -t", output: diag}
	a := newAdapter(Options{}, r)

	err := a.Enable(context.Background(), "a.test")
	var reloadErr *site.ReloadError
	require.True(t, errors.As(err, &reloadErr))
	assert.Equal(t, diag, reloadErr.Output)
	assert.Equal(t, "a.test", reloadErr.Domain)
	assert.Contains(t, reloadErr.Remediation, "sudo nginx -s reload")
	assert.Len(t, r.calls, 3, "reload must not run after a failed test")
}

func TestEnableCustomCommand(t *testing.T) {
	r := &fakeRunner{}
	a := newAdapter(Options{Command: []string{"/usr/local/bin/site-enable", "--reload"}}, r)

	require.NoError(t, a.Enable(context.Background(), "a.test"))
	assert.Equal(t, [][]string{{"/usr/local/bin/site-enable", "--reload", "a.test"}}, r.calls)
	assert.Equal(t, "sudo /usr/local/bin/site-enable --reload a.test", a.RemediationCommand("a.test"))
}

func TestEnableWithSudo(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("sudo prefix is skipped for root")
	}
	r := &fakeRunner{}
	a := newAdapter(Options{Sudo: true}, r)

	require.NoError(t, a.Enable(context.Background(), "a.test"))
	for _, call := range r.calls {
		assert.Equal(t, []string{"sudo", "-n"}, call[:2])
	}
}

func TestDisable(t *testing.T) {
	r := &fakeRunner{}
	a := newAdapter(Options{}, r)

	require.NoError(t, a.Disable(context.Background(), "a.test"))
	assert.Equal(t, []string{"rm", "-f", "/etc/nginx/sites-enabled/a.test.conf", "/etc/nginx/sites-available/a.test.conf"}, r.calls[0])
	assert.Equal(t, []string{"nginx", "-s", "reload"}, r.calls[len(r.calls)-1])
}

func TestInvalidDomainRunsNothing(t *testing.T) {
	r := &fakeRunner{}
	a := newAdapter(Options{}, r)

	assert.ErrorIs(t, a.Enable(context.Background(), "a.test; reboot"), site.ErrInvalidDomain)
	assert.ErrorIs(t, a.Disable(context.Background(), "../x"), site.ErrInvalidDomain)
	assert.Empty(t, r.calls)
}

func TestGetServices(t *testing.T) {
	a := newAdapter(Options{}, &fakeRunner{})
	a.WithRunner(func(_ context.Context, argv []string) (string, error) {
		if argv[0] == "systemctl" {
			return "active\n", nil
		}
		return "nginx version: nginx/1.24.0\n", nil
	})

	services := a.GetServices(context.Background())
	require.Len(t, services, 1)
	assert.True(t, services[0].Running)
	assert.Equal(t, "nginx/1.24.0", services[0].Version)
}
