package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supreme-majesty/siteward/pkg/site"
)

func newSite(domain string, port int) site.Site {
	return site.Site{
		Domain:     domain,
		Repository: "https://example.com/" + domain + ".git",
		Root:       "/srv/" + domain,
		Port:       port,
		CreatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestAddPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "sites.json")
	s := New(path)
	require.NoError(t, s.Load())
	assert.Empty(t, s.List())

	require.NoError(t, s.Add(newSite("b.test", 3002)))
	require.NoError(t, s.Add(newSite("a.test", 3001)))

	reloaded := New(path)
	require.NoError(t, reloaded.Load())
	list := reloaded.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a.test", list[0].Domain)
	assert.Equal(t, 3001, list[0].Port)
	assert.True(t, list[0].CreatedAt.Equal(newSite("a.test", 0).CreatedAt))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())
}

func TestAddDuplicate(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "sites.json"))
	require.NoError(t, s.Add(newSite("a.test", 3001)))
	assert.ErrorIs(t, s.Add(newSite("a.test", 3009)), site.ErrDuplicateDomain)

	got, ok := s.Get("a.test")
	require.True(t, ok)
	assert.Equal(t, 3001, got.Port)
}

func TestAddInvalidDomain(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "sites.json"))
	assert.ErrorIs(t, s.Add(newSite("a b", 1)), site.ErrInvalidDomain)
	assert.Empty(t, s.List())
}

func TestPutAndRemove(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "sites.json"))
	require.NoError(t, s.Add(newSite("a.test", 3001)))

	updated := newSite("a.test", 4000)
	require.NoError(t, s.Put(updated))
	got, _ := s.Get("a.test")
	assert.Equal(t, 4000, got.Port)

	assert.ErrorIs(t, s.Put(newSite("missing.test", 1)), site.ErrNotFound)

	require.NoError(t, s.Remove("a.test"))
	_, ok := s.Get("a.test")
	assert.False(t, ok)
	assert.ErrorIs(t, s.Remove("a.test"), site.ErrNotFound)
}

func TestLoadKeepsLastKnownGood(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sites.json")
	s := New(path)
	require.NoError(t, s.Add(newSite("a.test", 3001)))

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
	err := s.Load()
	require.Error(t, err)

	list := s.List()
	require.Len(t, list, 1)
	assert.Equal(t, "a.test", list[0].Domain)
}

func TestLoadRejectsDuplicateEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sites.json")
	content := `[{"domain":"a.test","root":"/srv/a"},{"domain":"a.test","root":"/srv/b"}]`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	s := New(path)
	assert.ErrorIs(t, s.Load(), site.ErrDuplicateDomain)
	assert.Empty(t, s.List())
}

func TestSaveFailureRollsBack(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := t.TempDir()
	s := New(filepath.Join(dir, "sites.json"))
	require.NoError(t, os.Chmod(dir, 0555))
	defer os.Chmod(dir, 0755)

	err := s.Add(newSite("a.test", 3001))
	require.Error(t, err)
	_, ok := s.Get("a.test")
	assert.False(t, ok)
}
