package nginx

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/supreme-majesty/siteward/pkg/site"
	"github.com/supreme-majesty/siteward/pkg/util"
)

// Renderer turns site records into nginx server blocks and knows where
// the rendered files and certificates live.
type Renderer struct {
	ConfigDir string
	CertDir   string
}

func NewRenderer(configDir, certDir string) *Renderer {
	return &Renderer{ConfigDir: configDir, CertDir: certDir}
}

// ConfigPath is where the rendered config for domain is written.
func (r *Renderer) ConfigPath(domain string) string {
	return filepath.Join(r.ConfigDir, domain+".conf")
}

func (r *Renderer) CertPath(domain string) string {
	return filepath.Join(r.CertDir, domain, "fullchain.pem")
}

func (r *Renderer) KeyPath(domain string) string {
	return filepath.Join(r.CertDir, domain, "privkey.pem")
}

// TLSPresent reports whether both certificate and key exist for domain.
func (r *Renderer) TLSPresent(domain string) bool {
	return util.Exists(r.CertPath(domain)) && util.Exists(r.KeyPath(domain))
}

// Render produces the server blocks for s. Output depends only on the
// domain, root, port and tlsPresent.
func (r *Renderer) Render(s site.Site, tlsPresent bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Managed by siteward for %s. Local edits are overwritten.\n", s.Domain)

	if !tlsPresent {
		b.WriteString("server {\n")
		writeListen(&b, "80")
		fmt.Fprintf(&b, "    server_name %s;\n", s.Domain)
		writeBody(&b, s)
		b.WriteString("}\n")
		return b.String()
	}

	fmt.Fprintf(&b, `server {
    listen 80;
    listen [::]:80;
    server_name %s;
    return 301 https://$host$request_uri;
}

server {
`, s.Domain)
	writeListen(&b, "443 ssl")
	fmt.Fprintf(&b, "    server_name %s;\n\n", s.Domain)
	fmt.Fprintf(&b, "    ssl_certificate %s;\n", r.CertPath(s.Domain))
	fmt.Fprintf(&b, "    ssl_certificate_key %s;\n", r.KeyPath(s.Domain))
	writeBody(&b, s)
	b.WriteString("}\n")
	return b.String()
}

func writeListen(b *strings.Builder, listen string) {
	fmt.Fprintf(b, "    listen %s;\n", listen)
	fmt.Fprintf(b, "    listen [::]:%s;\n", listen)
}

// writeBody emits either the proxy location or the static root, never both.
func writeBody(b *strings.Builder, s site.Site) {
	if s.Proxied() {
		fmt.Fprintf(b, `
    location / {
        proxy_pass http://127.0.0.1:%d;
        proxy_http_version 1.1;
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
        proxy_set_header Upgrade $http_upgrade;
        proxy_set_header Connection $http_connection;
    }
`, s.Port)
		return
	}

	fmt.Fprintf(b, `    root "%s";
    index index.html index.htm;

    location / {
        try_files $uri $uri/ =404;
    }
`, s.Root)
}

// Write renders s, detecting certificates on disk, and writes the result
// to ConfigPath. It returns the path written.
func (r *Renderer) Write(s site.Site) (string, error) {
	if err := site.ValidateDomain(s.Domain); err != nil {
		return "", err
	}
	if err := os.MkdirAll(r.ConfigDir, 0755); err != nil {
		return "", site.NewPermissionError(r.ConfigDir, err)
	}

	path := r.ConfigPath(s.Domain)
	content := r.Render(s, r.TLSPresent(s.Domain))
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("failed to write nginx config %s: %w", path, err)
	}
	return path, nil
}

// Remove deletes the rendered config for domain. A missing file is fine.
func (r *Renderer) Remove(domain string) error {
	if err := site.ValidateDomain(domain); err != nil {
		return err
	}
	if err := os.Remove(r.ConfigPath(domain)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Read returns the rendered config currently on disk.
func (r *Renderer) Read(domain string) (string, error) {
	if err := site.ValidateDomain(domain); err != nil {
		return "", err
	}
	data, err := os.ReadFile(r.ConfigPath(domain))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
