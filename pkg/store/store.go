package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/supreme-majesty/siteward/pkg/site"
)

// Store is the persisted set of sites, kept in a JSON file.
type Store struct {
	mu       sync.RWMutex
	filePath string
	sites    map[string]site.Site
}

// New returns an empty store backed by filePath. Call Load to read it.
func New(filePath string) *Store {
	return &Store{
		filePath: filePath,
		sites:    make(map[string]site.Site),
	}
}

func (s *Store) Path() string {
	return s.filePath
}

// Load reads the site list from disk. A missing file is an empty set. If
// the file cannot be parsed the previously loaded sites are kept and the
// error is returned.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var list []site.Site
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("failed to parse %s: %w", s.filePath, err)
	}

	loaded := make(map[string]site.Site, len(list))
	for _, st := range list {
		if err := site.ValidateDomain(st.Domain); err != nil {
			return fmt.Errorf("failed to load %s: %w", s.filePath, err)
		}
		if _, dup := loaded[st.Domain]; dup {
			return fmt.Errorf("failed to load %s: %w: %s", s.filePath, site.ErrDuplicateDomain, st.Domain)
		}
		loaded[st.Domain] = st
	}
	s.sites = loaded
	return nil
}

// List returns every site sorted by domain.
func (s *Store) List() []site.Site {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked()
}

func (s *Store) listLocked() []site.Site {
	out := make([]site.Site, 0, len(s.sites))
	for _, st := range s.sites {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

func (s *Store) Get(domain string) (site.Site, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sites[domain]
	return st, ok
}

// Add inserts a new site and persists the set.
func (s *Store) Add(st site.Site) error {
	if err := site.ValidateDomain(st.Domain); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sites[st.Domain]; exists {
		return fmt.Errorf("%w: %s", site.ErrDuplicateDomain, st.Domain)
	}
	s.sites[st.Domain] = st
	if err := s.saveLocked(); err != nil {
		delete(s.sites, st.Domain)
		return err
	}
	return nil
}

// Put replaces an existing site and persists the set.
func (s *Store) Put(st site.Site) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, exists := s.sites[st.Domain]
	if !exists {
		return fmt.Errorf("%w: %s", site.ErrNotFound, st.Domain)
	}
	s.sites[st.Domain] = st
	if err := s.saveLocked(); err != nil {
		s.sites[st.Domain] = prev
		return err
	}
	return nil
}

// Remove deletes a site and persists the set.
func (s *Store) Remove(domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, exists := s.sites[domain]
	if !exists {
		return fmt.Errorf("%w: %s", site.ErrNotFound, domain)
	}
	delete(s.sites, domain)
	if err := s.saveLocked(); err != nil {
		s.sites[domain] = prev
		return err
	}
	return nil
}

// Save writes the current set to disk.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saveLocked()
}

// saveLocked writes through a temp file and rename so readers never see
// a partial file.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.listLocked(), "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return site.NewPermissionError(dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".sites-*.json")
	if err != nil {
		return site.NewPermissionError(dir, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.filePath)
}
