package site

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Site is one managed deployment: a domain, the working tree it is served
// from and, optionally, the port of the app process nginx proxies to.
type Site struct {
	Domain       string    `json:"domain"`
	Repository   string    `json:"repository"`
	Root         string    `json:"root"`
	Port         int       `json:"port,omitempty"`          // 0 = static tree
	StartCommand string    `json:"start_command,omitempty"` // Overrides the manifest start script
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

const maxDomainLength = 253

var domainPattern = regexp.MustCompile(`^[A-Za-z0-9.-]+$`)

// ValidateDomain rejects anything that is not safe to use as a file name,
// an nginx server_name and a command argument.
func ValidateDomain(domain string) error {
	switch {
	case domain == "":
		return fmt.Errorf("%w: empty", ErrInvalidDomain)
	case len(domain) > maxDomainLength:
		return fmt.Errorf("%w: %q is longer than %d characters", ErrInvalidDomain, domain, maxDomainLength)
	case !domainPattern.MatchString(domain):
		return fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	case strings.HasPrefix(domain, ".") || strings.HasPrefix(domain, "-"):
		return fmt.Errorf("%w: %q must start with a letter or digit", ErrInvalidDomain, domain)
	case strings.Contains(domain, ".."):
		return fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}
	return nil
}

// Validate checks the fields a lifecycle operation relies on.
func (s Site) Validate() error {
	if err := ValidateDomain(s.Domain); err != nil {
		return err
	}
	if !filepath.IsAbs(s.Root) {
		return fmt.Errorf("%w: %q is not absolute", ErrInvalidRoot, s.Root)
	}
	if filepath.Clean(s.Root) == string(filepath.Separator) {
		return fmt.Errorf("%w: the filesystem root cannot be a site root", ErrInvalidRoot)
	}
	// The root is quoted inside the rendered config, where nginx still
	// expands variables and escapes.
	if strings.ContainsAny(s.Root, "\"\n\r;{}$\\") {
		return fmt.Errorf("%w: %q contains characters nginx cannot quote", ErrInvalidRoot, s.Root)
	}
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidPort, s.Port)
	}
	return nil
}

// Proxied reports whether nginx forwards to a local app port instead of
// serving the tree directly.
func (s Site) Proxied() bool {
	return s.Port > 0
}

// ParentDir is the directory the working tree is created in.
func (s Site) ParentDir() string {
	return filepath.Dir(filepath.Clean(s.Root))
}

// Contains reports whether path is dir or lies below it.
func Contains(dir, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
