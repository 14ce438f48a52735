package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/supreme-majesty/siteward/pkg/util"
)

// ConfigFile is the optional per-site override checked into a repository.
const ConfigFile = ".siteward.yaml"

type Kind string

const (
	KindNone     Kind = ""
	KindNode     Kind = "node"
	KindComposer Kind = "composer"
	KindPython   Kind = "python"
)

// Config is the content of .siteward.yaml.
type Config struct {
	Install []string `yaml:"install"` // argv, replaces the detected install
	Start   []string `yaml:"start"`   // argv, replaces the manifest start script
	Node    string   `yaml:"node"`    // Node version, informational
}

// Manifest describes what Detect found in a working tree.
type Manifest struct {
	Kind     Kind   `json:"kind"`
	File     string `json:"file,omitempty"`
	HasStart bool   `json:"has_start"`
	Node     string `json:"node,omitempty"`
	Config   Config `json:"-"`
}

// PackageJSON represents a subset of package.json
type PackageJSON struct {
	Scripts map[string]string `json:"scripts"`
	Engines map[string]string `json:"engines"`
}

// Detect scans a working tree for a dependency manifest and the
// .siteward.yaml override.
func Detect(path string) (*Manifest, error) {
	m := &Manifest{}

	// 1. .siteward.yaml (highest priority)
	cfgPath := filepath.Join(path, ConfigFile)
	if data, err := os.ReadFile(cfgPath); err == nil {
		if err := yaml.Unmarshal(data, &m.Config); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", ConfigFile, err)
		}
	}

	// 2. First manifest wins
	switch {
	case util.Exists(filepath.Join(path, "package.json")):
		m.Kind = KindNode
		m.File = filepath.Join(path, "package.json")
		pkg, err := readPackageJSON(m.File)
		if err != nil {
			return nil, err
		}
		_, m.HasStart = pkg.Scripts["start"]
		m.Node = pkg.Engines["node"]
	case util.Exists(filepath.Join(path, "composer.json")):
		m.Kind = KindComposer
		m.File = filepath.Join(path, "composer.json")
	case util.Exists(filepath.Join(path, "requirements.txt")):
		m.Kind = KindPython
		m.File = filepath.Join(path, "requirements.txt")
	}

	// 3. Node version: .siteward.yaml, then .nvmrc, then engines
	if m.Config.Node != "" {
		m.Node = m.Config.Node
	} else if data, err := os.ReadFile(filepath.Join(path, ".nvmrc")); err == nil {
		m.Node = strings.TrimSpace(string(data))
	}

	return m, nil
}

func readPackageJSON(path string) (*PackageJSON, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pkg PackageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &pkg, nil
}

// Present reports whether there is anything to install.
func (m *Manifest) Present() bool {
	return m != nil && (m.Kind != KindNone || len(m.Config.Install) > 0)
}

// InstallCommand is the argv that installs dependencies, nil if none.
// packageManager is the node client to use (npm, pnpm, yarn).
func (m *Manifest) InstallCommand(packageManager string) []string {
	if m == nil {
		return nil
	}
	if len(m.Config.Install) > 0 {
		return m.Config.Install
	}
	switch m.Kind {
	case KindNode:
		return []string{packageManagerOrDefault(packageManager), "install"}
	case KindComposer:
		return []string{"composer", "install", "--no-interaction", "--no-dev"}
	case KindPython:
		return []string{"pip", "install", "-r", "requirements.txt"}
	}
	return nil
}

// StartCommand is the argv of the standard start strategy, nil when the
// tree has no start entry point.
func (m *Manifest) StartCommand(packageManager string) []string {
	if m == nil {
		return nil
	}
	if len(m.Config.Start) > 0 {
		return m.Config.Start
	}
	if m.Kind == KindNode && m.HasStart {
		return []string{packageManagerOrDefault(packageManager), "start"}
	}
	return nil
}

func packageManagerOrDefault(pm string) string {
	if pm == "" {
		return "npm"
	}
	return pm
}
