package metrics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/supreme-majesty/siteward/pkg/supervisor"
)

// Stats holds the dashboard metrics.
type Stats struct {
	CPUPercent        float64            `json:"cpu_percent"`
	RAMUsage          string             `json:"ram_usage"`
	RAMTotal          string             `json:"ram_total"`
	RAMPercent        float64            `json:"ram_percent"`
	ActiveConnections int                `json:"active_connections"` // From nginx stub_status
	Sites             int                `json:"sites"`
	ProcessesRunning  int                `json:"processes_running"`
	Processes         []supervisor.Stats `json:"processes"`
}

// ProcessSource is the part of the supervisor metrics needs.
type ProcessSource interface {
	AllStats() []supervisor.Stats
}

// Collector gathers host, supervisor and nginx stats. StatusURL points at an
// nginx stub_status location; leave it empty to skip connection counts.
type Collector struct {
	Processes ProcessSource
	StatusURL string
	client    *http.Client
}

func NewCollector(procs ProcessSource, statusURL string) *Collector {
	return &Collector{
		Processes: procs,
		StatusURL: statusURL,
		client:    &http.Client{Timeout: 2 * time.Second},
	}
}

// Collect gathers current system and supervisor stats. Host metrics that
// cannot be read are left zero.
func (c *Collector) Collect(ctx context.Context, siteCount int) (*Stats, error) {
	stats := &Stats{Sites: siteCount}

	// 1. Host
	if v, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.RAMPercent = v.UsedPercent
		stats.RAMUsage = fmt.Sprintf("%.1f GB", float64(v.Used)/1024/1024/1024)
		stats.RAMTotal = fmt.Sprintf("%.1f GB", float64(v.Total)/1024/1024/1024)
	}
	if p, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(p) > 0 {
		stats.CPUPercent = p[0]
	}

	// 2. Site processes
	if c.Processes != nil {
		stats.Processes = c.Processes.AllStats()
		for _, p := range stats.Processes {
			if p.Running {
				stats.ProcessesRunning++
			}
		}
	}

	// 3. nginx
	if c.StatusURL != "" {
		if active, err := c.nginxActiveConnections(ctx); err == nil {
			stats.ActiveConnections = active
		}
	}

	return stats, nil
}

func (c *Collector) nginxActiveConnections(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.StatusURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	return ParseStubStatus(string(body))
}

// ParseStubStatus reads the active connection count from stub_status output:
//
//	Active connections: 2
//	server accepts handled requests
//	 12 12 12
//	Reading: 0 Writing: 1 Waiting: 1
func ParseStubStatus(body string) (int, error) {
	lines := strings.Split(body, "\n")
	if len(lines) > 0 {
		parts := strings.Split(lines[0], ":")
		if len(parts) == 2 && strings.TrimSpace(parts[0]) == "Active connections" {
			return strconv.Atoi(strings.TrimSpace(parts[1]))
		}
	}
	return 0, fmt.Errorf("could not parse nginx status")
}
