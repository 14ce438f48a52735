package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no --config flag is given. Its absence is not
// an error.
const DefaultPath = "/etc/siteward/config.yaml"

type Config struct {
	Listen     string     `yaml:"listen"`
	DataDir    string     `yaml:"data_dir"`
	LogDir     string     `yaml:"log_dir"`
	Nginx      Nginx      `yaml:"nginx"`
	Git        Git        `yaml:"git"`
	Process    Process    `yaml:"process"`
	Probe      Probe      `yaml:"probe"`
	Cloudflare Cloudflare `yaml:"cloudflare"`
}

// ReservedDirs lists the directories the engine itself writes to.
func (c *Config) ReservedDirs() []string {
	return []string{c.DataDir, c.LogDir, c.Nginx.ConfigDir, c.Nginx.AvailableDir, c.Nginx.EnabledDir, c.Nginx.CertDir}
}

type Nginx struct {
	ConfigDir     string   `yaml:"config_dir"`
	AvailableDir  string   `yaml:"available_dir"`
	EnabledDir    string   `yaml:"enabled_dir"`
	CertDir       string   `yaml:"cert_dir"`
	Sudo          bool     `yaml:"sudo"`
	EnableCommand []string `yaml:"enable_command"`
	StatusURL     string   `yaml:"status_url"` // stub_status location, optional
}

type Git struct {
	Branch string `yaml:"branch"`
}

type Process struct {
	PackageManager string        `yaml:"package_manager"`
	StopWait       time.Duration `yaml:"stop_wait"`
	Resume         bool          `yaml:"resume"` // start stored sites when the daemon boots
}

type Probe struct {
	Timeout time.Duration `yaml:"timeout"`
	Addr    string        `yaml:"addr"` // dial this instead of the domain, host:port
}

type Cloudflare struct {
	Enabled  bool   `yaml:"enabled"`
	APIToken string `yaml:"api_token"`
	ZoneID   string `yaml:"zone_id"`
	Target   string `yaml:"target"`
	Proxied  bool   `yaml:"proxied"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Listen:  "127.0.0.1:7070",
		DataDir: "/var/lib/siteward",
		LogDir:  "/var/log/siteward",
		Nginx: Nginx{
			ConfigDir:    "/var/lib/siteward/nginx",
			AvailableDir: "/etc/nginx/sites-available",
			EnabledDir:   "/etc/nginx/sites-enabled",
			CertDir:      "/etc/siteward/certs",
			Sudo:         true,
		},
		Git:     Git{Branch: "main"},
		Process: Process{PackageManager: "npm", StopWait: 3 * time.Second},
		Probe:   Probe{Timeout: 3 * time.Second},
	}
}

// Load reads path over the defaults, then applies SITEWARD_* environment
// overrides. An empty path means DefaultPath, which may be missing.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	if err := loadFromFile(cfg, path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	overrideFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func overrideFromEnv(cfg *Config) {
	if val := os.Getenv("SITEWARD_LISTEN"); val != "" {
		cfg.Listen = val
	}
	if val := os.Getenv("SITEWARD_DATA_DIR"); val != "" {
		cfg.DataDir = val
	}
	if val := os.Getenv("SITEWARD_LOG_DIR"); val != "" {
		cfg.LogDir = val
	}

	// Nginx
	if val := os.Getenv("SITEWARD_NGINX_CONFIG_DIR"); val != "" {
		cfg.Nginx.ConfigDir = val
	}
	if val := os.Getenv("SITEWARD_NGINX_AVAILABLE_DIR"); val != "" {
		cfg.Nginx.AvailableDir = val
	}
	if val := os.Getenv("SITEWARD_NGINX_ENABLED_DIR"); val != "" {
		cfg.Nginx.EnabledDir = val
	}
	if val := os.Getenv("SITEWARD_CERT_DIR"); val != "" {
		cfg.Nginx.CertDir = val
	}
	if val := os.Getenv("SITEWARD_SUDO"); val != "" {
		cfg.Nginx.Sudo = parseBool(val)
	}
	if val := os.Getenv("SITEWARD_ENABLE_COMMAND"); val != "" {
		cfg.Nginx.EnableCommand = strings.Fields(val)
	}

	if val := os.Getenv("SITEWARD_NGINX_STATUS_URL"); val != "" {
		cfg.Nginx.StatusURL = val
	}

	if val := os.Getenv("SITEWARD_GIT_BRANCH"); val != "" {
		cfg.Git.Branch = val
	}
	if val := os.Getenv("SITEWARD_PACKAGE_MANAGER"); val != "" {
		cfg.Process.PackageManager = val
	}
	if val := os.Getenv("SITEWARD_RESUME"); val != "" {
		cfg.Process.Resume = parseBool(val)
	}
	if val := os.Getenv("SITEWARD_PROBE_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Probe.Timeout = d
		}
	}
	if val := os.Getenv("SITEWARD_PROBE_ADDR"); val != "" {
		cfg.Probe.Addr = val
	}

	// Cloudflare
	if val := os.Getenv("SITEWARD_CLOUDFLARE_ENABLED"); val != "" {
		cfg.Cloudflare.Enabled = parseBool(val)
	}
	if val := os.Getenv("SITEWARD_CLOUDFLARE_API_TOKEN"); val != "" {
		cfg.Cloudflare.APIToken = val
	}
	if val := os.Getenv("SITEWARD_CLOUDFLARE_ZONE_ID"); val != "" {
		cfg.Cloudflare.ZoneID = val
	}
	if val := os.Getenv("SITEWARD_CLOUDFLARE_TARGET"); val != "" {
		cfg.Cloudflare.Target = val
	}
}

func parseBool(val string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(val))
	return err == nil && b
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	for name, dir := range map[string]string{
		"data_dir":         c.DataDir,
		"log_dir":          c.LogDir,
		"nginx.config_dir": c.Nginx.ConfigDir,
		"nginx.cert_dir":   c.Nginx.CertDir,
	} {
		if !filepath.IsAbs(dir) {
			return fmt.Errorf("config: %s must be an absolute path, got %q", name, dir)
		}
	}
	if c.Probe.Timeout <= 0 {
		return fmt.Errorf("config: probe.timeout must be positive")
	}
	if c.Listen == "" {
		return fmt.Errorf("config: listen must be set")
	}
	return nil
}

// SitesFile is where the site list is persisted.
func (c *Config) SitesFile() string {
	return filepath.Join(c.DataDir, "sites.json")
}
