package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/supreme-majesty/siteward/pkg/config"
	"github.com/supreme-majesty/siteward/pkg/daemon"
	"github.com/supreme-majesty/siteward/pkg/daemon/api"
	"github.com/supreme-majesty/siteward/pkg/lifecycle"
	"github.com/supreme-majesty/siteward/pkg/nginx"
	"github.com/supreme-majesty/siteward/pkg/site"
)

var Version = "dev"

var (
	configPath string
	addr       string
)

var rootCmd = &cobra.Command{
	Use:           "siteward",
	Short:         "Site lifecycle and process supervision",
	Long:          `Checks out web sites, runs their processes and keeps their nginx configs in sync.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// client resolves the daemon address from --addr or the config file.
func client() (*api.Client, error) {
	if addr != "" {
		return api.NewClient(addr), nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return api.NewClient(cfg.Listen), nil
}

func printResult(res *lifecycle.Result) {
	if res.Log != "" {
		fmt.Print(res.Log)
	}
	if res.Process != nil {
		fmt.Printf("Process: pid %d (%s) %s\n", res.Process.Pid, res.Process.State, strings.Join(res.Process.Command, " "))
		if res.Process.Error != "" {
			fmt.Printf("  error: %s\n", res.Process.Error)
		}
	}
	for _, w := range res.Warnings {
		fmt.Printf("⚠️  %s\n", w)
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the siteward daemon and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if addr != "" {
			cfg.Listen = addr
		}

		logger := log.New(os.Stderr, "", log.LstdFlags)
		d, err := daemon.New(cfg, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := api.NewServer(cfg.Listen, api.Options{
			Console: d.Orchestrator,
			Logs:    d.Supervisor,
			Metrics: d.Metrics,
			Doctor:  d.Adapter,
			Issues:  d.Healer,
			Bus:     d.Events,
			Logger:  logger,
		})

		go d.Resume(ctx)

		err = srv.Start(ctx)
		logger.Printf("[INFO] shutting down")
		d.Shutdown()
		return err
	},
}

var sitesCmd = &cobra.Command{
	Use:   "sites",
	Short: "List sites with their health and process",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		sites, err := c.Sites(cmd.Context())
		if err != nil {
			return err
		}
		if len(sites) == 0 {
			fmt.Println("No sites.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "DOMAIN\tTARGET\tHEALTH\tPROCESS")
		for _, st := range sites {
			target := st.Site.Root
			if st.Site.Proxied() {
				target = fmt.Sprintf("127.0.0.1:%d", st.Site.Port)
			}
			proc := "-"
			if st.Process != nil {
				proc = fmt.Sprintf("%s (pid %d)", st.Process.State, st.Process.Pid)
			}
			fmt.Fprintf(w, "%s\t%s\t%s: %s\t%s\n", st.Site.Domain, target, st.Health.Level, st.Health.Reason, proc)
		}
		return w.Flush()
	},
}

var createCmd = &cobra.Command{
	Use:   "create <domain> <repository>",
	Short: "Check out a repository and serve it as a site",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, _ := cmd.Flags().GetString("root")
		port, _ := cmd.Flags().GetInt("port")
		start, _ := cmd.Flags().GetString("start")
		overwrite, _ := cmd.Flags().GetBool("overwrite")
		if root == "" {
			return fmt.Errorf("--root is required")
		}

		c, err := client()
		if err != nil {
			return err
		}
		fmt.Printf("Creating %s from %s...\n", args[0], args[1])
		res, err := c.Create(cmd.Context(), lifecycle.CreateRequest{
			Site: site.Site{
				Domain:       args[0],
				Repository:   args[1],
				Root:         root,
				Port:         port,
				StartCommand: start,
			},
			Overwrite: overwrite,
		})
		if err != nil {
			return err
		}
		printResult(res)
		fmt.Printf("✅ %s created\n", res.Site.Domain)
		return nil
	},
}

var updateCmd = &cobra.Command{
	Use:   "update <domain>",
	Short: "Pull the latest changes and restart the site",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		res, err := c.Update(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printResult(res)
		fmt.Printf("✅ %s updated\n", args[0])
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <domain>",
	Short: "Forget a site; --purge also stops it and removes its nginx config",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		purge, _ := cmd.Flags().GetBool("purge")
		c, err := client()
		if err != nil {
			return err
		}
		res, err := c.Delete(cmd.Context(), args[0], purge)
		if err != nil {
			return err
		}
		printResult(res)
		fmt.Printf("✅ %s deleted\n", args[0])
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run <domain> [command...]",
	Short: "Start (or restart) the site's process",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		res, err := c.Run(cmd.Context(), args[0], strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		printResult(res)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <domain>",
	Short: "Stop the site's process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		res, err := c.Stop(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printResult(res)
		return nil
	},
}

var renderCmd = &cobra.Command{
	Use:   "render <domain>",
	Short: "Print the nginx config for a site",
	Long: `Without --root, prints the config the daemon has on disk for a stored site.
With --root, renders locally without contacting the daemon.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, _ := cmd.Flags().GetString("root")
		if root == "" {
			c, err := client()
			if err != nil {
				return err
			}
			conf, err := c.Config(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Print(conf)
			return nil
		}

		port, _ := cmd.Flags().GetInt("port")
		s := site.Site{Domain: args[0], Root: root, Port: port}
		if err := s.Validate(); err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		r := nginx.NewRenderer(cfg.Nginx.ConfigDir, cfg.Nginx.CertDir)
		fmt.Print(r.Render(s, r.TLSPresent(s.Domain)))
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs <domain>",
	Short: "Show the last lines of a site's process output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		lines, _ := cmd.Flags().GetInt("lines")
		c, err := client()
		if err != nil {
			return err
		}
		out, err := c.Logs(cmd.Context(), args[0], lines)
		if err != nil {
			return err
		}
		for _, l := range out {
			fmt.Println(l)
		}
		return nil
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show host and process metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		m, err := c.Metrics(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("CPU:       %.1f%%\n", m.CPUPercent)
		fmt.Printf("RAM:       %s / %s (%.1f%%)\n", m.RAMUsage, m.RAMTotal, m.RAMPercent)
		fmt.Printf("Sites:     %d\n", m.Sites)
		fmt.Printf("Processes: %d running\n", m.ProcessesRunning)
		for _, p := range m.Processes {
			fmt.Printf(" - %s pid %d cpu %.1f%% rss %d MB\n", p.Domain, p.Pid, p.CPUPercent, p.RSSBytes/1024/1024)
		}
		return nil
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check nginx and the directories the daemon writes to",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		h, err := c.Health(ctx)
		if err != nil {
			return err
		}
		for _, svc := range h.Services {
			state := "stopped"
			if svc.Running {
				state = "running"
			}
			fmt.Printf("%-8s %s %s\n", svc.Name, state, svc.Version)
		}
		failed := false
		for _, check := range h.Checks {
			fmt.Printf("[%s] %s: %s\n", check.Status, check.Name, check.Message)
			failed = failed || check.Status == "fail"
		}
		if failed {
			return fmt.Errorf("some checks failed")
		}
		return nil
	},
}

var issuesCmd = &cobra.Command{
	Use:   "issues [domain]",
	Short: "List problems diagnosed from site output",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		domain := ""
		if len(args) == 1 {
			domain = args[0]
		}
		issues, err := c.Issues(cmd.Context(), domain)
		if err != nil {
			return err
		}
		if len(issues) == 0 {
			fmt.Println("No issues.")
			return nil
		}
		for _, i := range issues {
			fmt.Printf("[%s] %s: %s\n", i.Severity, i.Domain, i.Title)
			fmt.Printf("  %s\n", i.Evidence)
			if i.Remediation != "" {
				fmt.Printf("  try: %s\n", i.Remediation)
			}
			fmt.Printf("  dismiss: siteward dismiss %s\n", i.ID)
		}
		return nil
	},
}

var dismissCmd = &cobra.Command{
	Use:   "dismiss <issue-id>",
	Short: "Mark a diagnosed issue resolved",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		return c.DismissIssue(cmd.Context(), args[0])
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default "+config.DefaultPath+")")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "daemon address (default: listen from config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sitesCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(renderCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(metricsCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(issuesCmd)
	rootCmd.AddCommand(dismissCmd)
	rootCmd.AddCommand(versionCmd)

	createCmd.Flags().String("root", "", "directory to check the repository out into")
	createCmd.Flags().Int("port", 0, "local port the site's process listens on (0 serves files)")
	createCmd.Flags().String("start", "", "custom start command, run through /bin/sh")
	createCmd.Flags().Bool("overwrite", false, "remove a non-empty root before checking out")

	deleteCmd.Flags().Bool("purge", false, "also stop the process and remove the nginx config")

	renderCmd.Flags().String("root", "", "render locally for this root")
	renderCmd.Flags().Int("port", 0, "proxy port for a local render")

	logsCmd.Flags().IntP("lines", "n", 100, "number of lines")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
