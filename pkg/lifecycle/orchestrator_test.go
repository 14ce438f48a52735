package lifecycle

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supreme-majesty/siteward/pkg/events"
	"github.com/supreme-majesty/siteward/pkg/nginx"
	"github.com/supreme-majesty/siteward/pkg/probe"
	"github.com/supreme-majesty/siteward/pkg/project"
	"github.com/supreme-majesty/siteward/pkg/site"
	"github.com/supreme-majesty/siteward/pkg/store"
	"github.com/supreme-majesty/siteward/pkg/supervisor"
)

type fakeSource struct {
	files     map[string]string
	fetchErr  error
	updateErr error
	fetched   []string
	updated   []string
}

func (f *fakeSource) Fetch(_ context.Context, repo, dest string) error {
	f.fetched = append(f.fetched, repo)
	if f.fetchErr != nil {
		return f.fetchErr
	}
	if err := os.MkdirAll(dest, 0755); err != nil {
		return err
	}
	files := f.files
	if files == nil {
		files = map[string]string{"index.html": "hello"}
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dest, name), []byte(content), 0644); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSource) Update(_ context.Context, path string) error {
	f.updated = append(f.updated, path)
	return f.updateErr
}

func (f *fakeSource) Head(context.Context, string) (string, error) {
	return "9fceb02", nil
}

type fakeInstaller struct {
	out   string
	err   error
	calls int
}

func (f *fakeInstaller) Install(context.Context, string, *project.Manifest) (string, error) {
	f.calls++
	return f.out, f.err
}

type fakeSupervisor struct {
	mu      sync.Mutex
	running map[string]supervisor.Command
	starts  []supervisor.Command
	stops   []string
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{running: make(map[string]supervisor.Command)}
}

func (f *fakeSupervisor) Start(domain string, c supervisor.Command) (*supervisor.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, c)
	f.running[domain] = c
	return &supervisor.Process{Domain: domain, Command: c, StartedAt: time.Now()}, nil
}

func (f *fakeSupervisor) Stop(domain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, domain)
	delete(f.running, domain)
	return nil
}

func (f *fakeSupervisor) Get(domain string) (supervisor.Info, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.running[domain]
	if !ok {
		return supervisor.Info{}, false
	}
	return supervisor.Info{Domain: domain, Command: c.Argv, State: supervisor.StateRunning}, true
}

func (f *fakeSupervisor) Tail(string, int) ([]string, error) {
	return []string{"listening on 3001"}, nil
}

type fakeGateway struct {
	enableErr error
	enabled   []string
	disabled  []string
}

func (f *fakeGateway) Enable(_ context.Context, domain string) error {
	f.enabled = append(f.enabled, domain)
	return f.enableErr
}

func (f *fakeGateway) Disable(_ context.Context, domain string) error {
	f.disabled = append(f.disabled, domain)
	return nil
}

func (f *fakeGateway) RemediationCommand(domain string) string {
	return "sudo nginx -s reload"
}

type harness struct {
	o         *Orchestrator
	store     *store.Store
	source    *fakeSource
	installer *fakeInstaller
	sup       *fakeSupervisor
	gateway   *fakeGateway
	renderer  *nginx.Renderer
	events    []events.Event
	base      string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	base := t.TempDir()
	h := &harness{
		store:     store.New(filepath.Join(base, "data", "sites.json")),
		source:    &fakeSource{},
		installer: &fakeInstaller{},
		sup:       newFakeSupervisor(),
		gateway:   &fakeGateway{},
		renderer:  nginx.NewRenderer(filepath.Join(base, "nginx"), filepath.Join(base, "certs")),
		base:      base,
	}
	bus := events.NewBus()
	for _, et := range []events.EventType{events.SiteCreated, events.SiteUpdated, events.SiteDeleted} {
		bus.Subscribe(et, func(e events.Event) { h.events = append(h.events, e) })
	}
	h.o = New(Deps{
		Store:          h.store,
		Source:         h.source,
		Installer:      h.installer,
		Supervisor:     h.sup,
		Configs:        h.renderer,
		Gateway:        h.gateway,
		Prober:         probe.New(h.renderer, time.Second),
		Bus:            bus,
		Logger:         log.New(io.Discard, "", 0),
		PackageManager: "npm",
		ReservedDirs:   []string{filepath.Join(base, "data"), filepath.Join(base, "nginx")},
	})
	return h
}

func (h *harness) site(domain string, port int) site.Site {
	return site.Site{
		Domain:     domain,
		Repository: "https://example.com/" + domain + ".git",
		Root:       filepath.Join(h.base, "sites", domain),
		Port:       port,
	}
}

func TestCreateStaticSite(t *testing.T) {
	h := newHarness(t)
	s := h.site("docs.test", 0)

	res, err := h.o.Create(context.Background(), CreateRequest{Site: s})
	require.NoError(t, err)

	assert.Equal(t, supervisor.StrategyNone, res.Strategy)
	assert.Nil(t, res.Process)
	assert.Empty(t, res.Warnings)
	assert.Empty(t, h.sup.starts)
	assert.NotEmpty(t, res.OperationID)
	assert.Contains(t, res.Log, "fetching https://example.com/docs.test.git")
	assert.Equal(t, "9fceb02", res.Revision)

	stored, ok := h.store.Get("docs.test")
	require.True(t, ok)
	assert.False(t, stored.CreatedAt.IsZero())

	conf, err := h.renderer.Read("docs.test")
	require.NoError(t, err)
	assert.Contains(t, conf, `root "`+s.Root+`";`)
	assert.Equal(t, []string{"docs.test"}, h.gateway.enabled)

	require.Len(t, h.events, 1)
	assert.Equal(t, events.SiteCreated, h.events[0].Type)
}

func TestCreateNodeSiteStartsStandardCommand(t *testing.T) {
	h := newHarness(t)
	h.source.files = map[string]string{"package.json": `{"scripts":{"start":"node server.js"}}`}
	h.installer.out = "added 42 packages\n"

	res, err := h.o.Create(context.Background(), CreateRequest{Site: h.site("a.test", 3001)})
	require.NoError(t, err)

	assert.Equal(t, 1, h.installer.calls)
	assert.Contains(t, res.Log, "added 42 packages")
	assert.Equal(t, supervisor.StrategyStandard, res.Strategy)
	require.Len(t, h.sup.starts, 1)
	assert.Equal(t, []string{"npm", "start"}, h.sup.starts[0].Argv)
	assert.Equal(t, []string{"PORT=3001"}, h.sup.starts[0].Env)
	require.NotNil(t, res.Process)

	conf, err := h.renderer.Read("a.test")
	require.NoError(t, err)
	assert.Contains(t, conf, "proxy_pass http://127.0.0.1:3001;")
}

func TestCreateCustomCommandWins(t *testing.T) {
	h := newHarness(t)
	h.source.files = map[string]string{"package.json": `{"scripts":{"start":"node a.js"}}`}
	s := h.site("a.test", 3001)
	s.StartCommand = "node dist/server.js"

	res, err := h.o.Create(context.Background(), CreateRequest{Site: s})
	require.NoError(t, err)
	assert.Equal(t, supervisor.StrategyCustom, res.Strategy)
	assert.Equal(t, []string{supervisor.Shell, "-c", "node dist/server.js"}, h.sup.starts[0].Argv)
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	_, err := h.o.Create(context.Background(), CreateRequest{Site: h.site("a.test", 3001)})
	require.NoError(t, err)

	tests := []struct {
		name string
		site site.Site
		want error
	}{
		{"invalid domain", h.site("a.test;rm -rf", 0), site.ErrInvalidDomain},
		{"duplicate domain", h.site("a.test", 4000), site.ErrDuplicateDomain},
		{"relative root", site.Site{Domain: "rel.test", Root: "sites/rel"}, site.ErrInvalidRoot},
		{"root in use", site.Site{Domain: "b.test", Root: h.site("a.test", 0).Root}, site.ErrRootInUse},
		{"port in use", h.site("c.test", 3001), site.ErrPortInUse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetches := len(h.source.fetched)
			_, err := h.o.Create(context.Background(), CreateRequest{Site: tt.site})
			assert.ErrorIs(t, err, tt.want)
			assert.Len(t, h.source.fetched, fetches, "nothing fetched")
			assert.Len(t, h.store.List(), 1, "nothing stored")
		})
	}
}

func TestCreateIntoNonEmptyRoot(t *testing.T) {
	h := newHarness(t)
	s := h.site("a.test", 3001)
	require.NoError(t, os.MkdirAll(s.Root, 0755))
	keep := filepath.Join(s.Root, "keep.txt")
	require.NoError(t, os.WriteFile(keep, []byte("mine"), 0644))

	_, err := h.o.Create(context.Background(), CreateRequest{Site: s})
	assert.ErrorIs(t, err, site.ErrDestinationNotEmpty)
	assert.Equal(t, "rm -rf "+s.Root, site.Remediation(err))
	assert.FileExists(t, keep)
	assert.Empty(t, h.source.fetched)
	assert.Empty(t, h.store.List())

	_, err = h.o.Create(context.Background(), CreateRequest{Site: s, Overwrite: true})
	require.NoError(t, err)
	assert.NoFileExists(t, keep)
	assert.FileExists(t, filepath.Join(s.Root, "index.html"))
}

func TestCreateFetchFailure(t *testing.T) {
	h := newHarness(t)
	h.source.fetchErr = &site.FetchError{Repository: "x", Output: "fatal: repository not found", Err: errors.New("exit status 128")}

	_, err := h.o.Create(context.Background(), CreateRequest{Site: h.site("a.test", 3001)})
	var fetchErr *site.FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Contains(t, fetchErr.Output, "repository not found")
	assert.Empty(t, h.store.List())
	assert.Empty(t, h.sup.starts)
	assert.Empty(t, h.gateway.enabled)
}

func TestCreateInstallFailureIsAWarning(t *testing.T) {
	h := newHarness(t)
	h.source.files = map[string]string{"package.json": `{}`}
	h.installer.out = "npm ERR! code E404\n"
	h.installer.err = errors.New("npm install failed: exit status 1")

	res, err := h.o.Create(context.Background(), CreateRequest{Site: h.site("a.test", 3001)})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "dependency install failed")
	assert.Contains(t, res.Log, "npm ERR! code E404")
	_, ok := h.store.Get("a.test")
	assert.True(t, ok)
}

func TestCreateReloadFailureIsAWarning(t *testing.T) {
	h := newHarness(t)
	h.source.files = map[string]string{"package.json": `{"scripts":{"start":"node a.js"}}`}
	h.gateway.enableErr = &site.ReloadError{
		Domain:      "a.test",
		Output:      "nginx: [emerg] bind() to 0.0.0.0:80 failed (98: Address already in use)\n",
		Remediation: "sudo nginx -t && sudo nginx -s reload",
		Err:         errors.New("nginx -t: exit status 1"),
	}

	res, err := h.o.Create(context.Background(), CreateRequest{Site: h.site("a.test", 3001)})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "sudo nginx -t && sudo nginx -s reload")
	assert.Contains(t, res.Log, "Address already in use")

	_, stored := h.store.Get("a.test")
	assert.True(t, stored)
	_, running := h.sup.Get("a.test")
	assert.True(t, running)
}

func TestCreateUnwritableParent(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	h := newHarness(t)
	locked := filepath.Join(h.base, "locked")
	require.NoError(t, os.MkdirAll(locked, 0555))
	defer os.Chmod(locked, 0755)

	s := h.site("a.test", 3001)
	s.Root = filepath.Join(locked, "a.test")
	_, err := h.o.Create(context.Background(), CreateRequest{Site: s})

	var permErr *site.PermissionError
	require.True(t, errors.As(err, &permErr))
	assert.Equal(t, locked, permErr.Path)
	assert.Contains(t, permErr.Hint, "sudo mkdir -p "+locked)
}

func TestStatusOfMissingTree(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Add(site.Site{Domain: "a.test", Root: "/nonexistent/a.test", Port: 3001}))

	statuses := h.o.Status(context.Background())
	require.Len(t, statuses, 1)
	assert.Equal(t, probe.LevelError, statuses[0].Health.Level)
	assert.Equal(t, "missing files or config", statuses[0].Health.Reason)

	st, err := h.o.SiteStatus(context.Background(), "a.test")
	require.NoError(t, err)
	assert.Equal(t, probe.LevelError, st.Health.Level)

	_, err = h.o.SiteStatus(context.Background(), "none.test")
	assert.ErrorIs(t, err, site.ErrNotFound)
}

func TestUpdateUnknownSite(t *testing.T) {
	h := newHarness(t)
	_, err := h.o.Update(context.Background(), "ghost.test")
	assert.ErrorIs(t, err, site.ErrNotFound)
	assert.Empty(t, h.source.updated)
	assert.Empty(t, h.sup.starts)
	assert.Empty(t, h.gateway.enabled)
}

func TestUpdateRestartsProcess(t *testing.T) {
	h := newHarness(t)
	h.source.files = map[string]string{"package.json": `{"scripts":{"start":"node a.js"}}`}
	created, err := h.o.Create(context.Background(), CreateRequest{Site: h.site("a.test", 3001)})
	require.NoError(t, err)

	res, err := h.o.Update(context.Background(), "a.test")
	require.NoError(t, err)
	assert.Equal(t, []string{created.Site.Root}, h.source.updated)
	assert.Len(t, h.sup.starts, 2)
	assert.Equal(t, 2, h.installer.calls)
	assert.Len(t, h.gateway.enabled, 2)
	assert.False(t, res.Site.UpdatedAt.Before(created.Site.UpdatedAt))
	assert.Equal(t, events.SiteUpdated, h.events[len(h.events)-1].Type)
}

func TestUpdateSyncFailure(t *testing.T) {
	h := newHarness(t)
	h.source.files = map[string]string{"package.json": `{"scripts":{"start":"node a.js"}}`}
	_, err := h.o.Create(context.Background(), CreateRequest{Site: h.site("a.test", 3001)})
	require.NoError(t, err)

	h.source.updateErr = &site.SyncError{Path: "x", Output: "fatal: Not possible to fast-forward, aborting.", Err: errors.New("exit status 128")}
	_, err = h.o.Update(context.Background(), "a.test")

	var syncErr *site.SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Len(t, h.sup.starts, 1, "process not restarted")
	assert.Len(t, h.gateway.enabled, 1)
}

func TestDeleteKeepsProcessByDefault(t *testing.T) {
	h := newHarness(t)
	h.source.files = map[string]string{"package.json": `{"scripts":{"start":"node a.js"}}`}
	_, err := h.o.Create(context.Background(), CreateRequest{Site: h.site("a.test", 3001)})
	require.NoError(t, err)

	_, err = h.o.Delete(context.Background(), "a.test", DeleteOptions{})
	require.NoError(t, err)

	_, stored := h.store.Get("a.test")
	assert.False(t, stored)
	_, running := h.sup.Get("a.test")
	assert.True(t, running)
	assert.FileExists(t, h.renderer.ConfigPath("a.test"))
	assert.Empty(t, h.gateway.disabled)

	_, err = h.o.Delete(context.Background(), "a.test", DeleteOptions{})
	assert.ErrorIs(t, err, site.ErrNotFound)
}

func TestDeletePurge(t *testing.T) {
	h := newHarness(t)
	h.source.files = map[string]string{"package.json": `{"scripts":{"start":"node a.js"}}`}
	created, err := h.o.Create(context.Background(), CreateRequest{Site: h.site("a.test", 3001)})
	require.NoError(t, err)

	_, err = h.o.Delete(context.Background(), "a.test", DeleteOptions{Purge: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"a.test"}, h.sup.stops)
	assert.Equal(t, []string{"a.test"}, h.gateway.disabled)
	assert.NoFileExists(t, h.renderer.ConfigPath("a.test"))
	assert.DirExists(t, created.Site.Root, "working tree is kept")
}

func TestRunAndStop(t *testing.T) {
	h := newHarness(t)
	_, err := h.o.Create(context.Background(), CreateRequest{Site: h.site("a.test", 3001)})
	require.NoError(t, err)

	_, err = h.o.Run(context.Background(), "a.test", "")
	assert.ErrorIs(t, err, site.ErrNoStartCommand)

	res, err := h.o.Run(context.Background(), "a.test", "python3 -m http.server $PORT")
	require.NoError(t, err)
	assert.Equal(t, supervisor.StrategyCustom, res.Strategy)
	assert.Equal(t, []string{supervisor.Shell, "-c", "python3 -m http.server $PORT"}, h.sup.starts[0].Argv)
	assert.Equal(t, []string{"PORT=3001"}, h.sup.starts[0].Env)

	stored, _ := h.store.Get("a.test")
	assert.Empty(t, stored.StartCommand, "manual command is not persisted")

	res, err = h.o.Stop(context.Background(), "a.test")
	require.NoError(t, err)
	assert.Contains(t, res.Log, "process stopped")
	_, running := h.sup.Get("a.test")
	assert.False(t, running)

	_, err = h.o.Run(context.Background(), "ghost.test", "true")
	assert.ErrorIs(t, err, site.ErrNotFound)
	_, err = h.o.Stop(context.Background(), "bad domain")
	assert.ErrorIs(t, err, site.ErrInvalidDomain)
}

func TestResume(t *testing.T) {
	h := newHarness(t)
	h.source.files = map[string]string{"package.json": `{"scripts":{"start":"node a.js"}}`}
	_, err := h.o.Create(context.Background(), CreateRequest{Site: h.site("a.test", 3001)})
	require.NoError(t, err)
	h.source.files = map[string]string{"index.html": "static"}
	_, err = h.o.Create(context.Background(), CreateRequest{Site: h.site("docs.test", 0)})
	require.NoError(t, err)

	warnings := h.o.Resume(context.Background())
	assert.Empty(t, warnings)
	assert.Len(t, h.sup.starts, 2, "one at create, one at resume; static site skipped")
}

func TestConfigAndLogs(t *testing.T) {
	h := newHarness(t)
	_, err := h.o.Create(context.Background(), CreateRequest{Site: h.site("a.test", 3001)})
	require.NoError(t, err)

	conf, err := h.o.RenderedConfig("a.test")
	require.NoError(t, err)
	assert.Contains(t, conf, "server_name a.test;")

	lines, err := h.o.Logs("a.test", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"listening on 3001"}, lines)

	_, err = h.o.RenderedConfig("ghost.test")
	assert.ErrorIs(t, err, site.ErrNotFound)
}

func TestConcurrentCreatesOfOneDomain(t *testing.T) {
	h := newHarness(t)
	s := h.site("a.test", 3001)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.o.Create(context.Background(), CreateRequest{Site: s})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, site.ErrDuplicateDomain)
	}
	assert.Equal(t, 1, succeeded)
}

func TestCreateRejectsNestedRoots(t *testing.T) {
	h := newHarness(t)
	a := h.site("a.test", 0)
	_, err := h.o.Create(context.Background(), CreateRequest{Site: a})
	require.NoError(t, err)
	index := filepath.Join(a.Root, "index.html")

	parent := h.site("b.test", 0)
	parent.Root = filepath.Dir(a.Root)
	_, err = h.o.Create(context.Background(), CreateRequest{Site: parent, Overwrite: true})
	assert.ErrorIs(t, err, site.ErrRootInUse)
	assert.FileExists(t, index, "other site's tree untouched")

	child := h.site("c.test", 0)
	child.Root = filepath.Join(a.Root, "public")
	_, err = h.o.Create(context.Background(), CreateRequest{Site: child})
	assert.ErrorIs(t, err, site.ErrRootInUse)

	engine := h.site("d.test", 0)
	engine.Root = h.base
	_, err = h.o.Create(context.Background(), CreateRequest{Site: engine, Overwrite: true})
	assert.Error(t, err)
	assert.FileExists(t, index)

	engine.Root = filepath.Join(h.base, "nginx", "d")
	_, err = h.o.Create(context.Background(), CreateRequest{Site: engine})
	assert.ErrorIs(t, err, site.ErrInvalidRoot)

	engine.Root = "/"
	_, err = h.o.Create(context.Background(), CreateRequest{Site: engine, Overwrite: true})
	assert.ErrorIs(t, err, site.ErrInvalidRoot)

	assert.Len(t, h.store.List(), 1)
	assert.Len(t, h.source.fetched, 1)
}

func TestStopAfterDelete(t *testing.T) {
	h := newHarness(t)
	h.source.files = map[string]string{"package.json": `{"scripts":{"start":"node a.js"}}`}
	_, err := h.o.Create(context.Background(), CreateRequest{Site: h.site("a.test", 3001)})
	require.NoError(t, err)

	_, err = h.o.Delete(context.Background(), "a.test", DeleteOptions{})
	require.NoError(t, err)

	res, err := h.o.Stop(context.Background(), "a.test")
	require.NoError(t, err)
	assert.Contains(t, res.Log, "process stopped")
	assert.Equal(t, []string{"a.test"}, h.sup.stops)
	_, running := h.sup.Get("a.test")
	assert.False(t, running)

	_, err = h.o.Stop(context.Background(), "a.test")
	assert.ErrorIs(t, err, site.ErrNotFound)
}

func TestPurgeAfterDelete(t *testing.T) {
	h := newHarness(t)
	h.source.files = map[string]string{"package.json": `{"scripts":{"start":"node a.js"}}`}
	_, err := h.o.Create(context.Background(), CreateRequest{Site: h.site("a.test", 3001)})
	require.NoError(t, err)
	_, err = h.o.Delete(context.Background(), "a.test", DeleteOptions{})
	require.NoError(t, err)
	deletes := len(h.events)

	_, err = h.o.Delete(context.Background(), "a.test", DeleteOptions{Purge: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.test"}, h.sup.stops)
	assert.Equal(t, []string{"a.test"}, h.gateway.disabled)
	assert.NoFileExists(t, h.renderer.ConfigPath("a.test"))
	assert.Len(t, h.events, deletes, "no second site:deleted")

	_, err = h.o.Delete(context.Background(), "a.test", DeleteOptions{Purge: true})
	assert.ErrorIs(t, err, site.ErrNotFound)
}

func TestUpdateStopsProcessWhenStartCommandRemoved(t *testing.T) {
	h := newHarness(t)
	h.source.files = map[string]string{"package.json": `{"scripts":{"start":"node a.js"}}`}
	created, err := h.o.Create(context.Background(), CreateRequest{Site: h.site("a.test", 3001)})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(created.Site.Root, "package.json"), []byte(`{}`), 0644))

	res, err := h.o.Update(context.Background(), "a.test")
	require.NoError(t, err)
	assert.Equal(t, supervisor.StrategyNone, res.Strategy)
	assert.Equal(t, []string{"a.test"}, h.sup.stops)
	assert.Contains(t, res.Log, "stopped previous process")
	_, running := h.sup.Get("a.test")
	assert.False(t, running)
}
