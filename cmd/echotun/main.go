// Package main provides the CLI entry point for the echotun ICMP echo responder.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/echotun/internal/config"
	"github.com/postalsys/echotun/internal/health"
	"github.com/postalsys/echotun/internal/logging"
	"github.com/postalsys/echotun/internal/probe"
	"github.com/postalsys/echotun/internal/responder"
	"github.com/postalsys/echotun/internal/service"
	"github.com/postalsys/echotun/internal/sysinfo"
	"github.com/postalsys/echotun/internal/wizard"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "echotun",
		Short: "echotun - ICMP echo responder on a tun interface",
		Long: `echotun creates a tun interface, routes traffic into it and answers
every IPv4 ICMP echo request it reads with an echo reply written back
to the same interface. Everything else is passed through untouched.`,
		Version:       sysinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(pingCmd())
	root.AddCommand(serviceCmd())
	root.AddCommand(versionCmd())

	return root
}

// overrides holds command-line values that replace configuration file
// settings when set.
type overrides struct {
	name     string
	topology string
	logLevel string
	health   string
}

func (o overrides) apply(cfg *config.Config) {
	if o.name != "" {
		cfg.Device.Name = o.name
	}
	if o.topology != "" {
		cfg.Dispatch.Topology = o.topology
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.health != "" {
		cfg.Health.Enabled = true
		cfg.Health.Address = o.health
	}
}

// loadConfig reads path, or starts from defaults when path is empty, and
// applies ov. The result is validated.
func loadConfig(path string, ov overrides) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	ov.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the process logger from cfg. The returned function
// releases the log file, if any.
func newLogger(cfg config.LoggingConfig) (*slog.Logger, func() error) {
	if cfg.File.Path == "" {
		return logging.NewLogger(cfg.Level, cfg.Format), func() error { return nil }
	}
	w := logging.NewFileWriter(logging.FileConfig{
		Path:       cfg.File.Path,
		MaxSizeMB:  cfg.File.MaxSizeMB,
		MaxBackups: cfg.File.MaxBackups,
		MaxAgeDays: cfg.File.MaxAgeDays,
		Compress:   cfg.File.Compress,
	})
	return logging.NewLoggerWithWriter(cfg.Level, cfg.Format, w), w.Close
}

func runCmd() *cobra.Command {
	var configPath string
	var ov overrides

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the echo responder",
		Long: `Open the tun interface, configure addressing and policy routing,
and answer echo requests until SIGINT or SIGTERM. On shutdown the
routing is removed and the interface closed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, ov)
			if err != nil {
				return err
			}

			logger, closeLog := newLogger(cfg.Logging)
			defer closeLog()

			r, err := responder.New(cfg, responder.Options{Logger: logger})
			if err != nil {
				return fmt.Errorf("failed to create responder: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("starting echotun",
				"version", sysinfo.Version,
				logging.KeyInterface, cfg.Device.Name,
				logging.KeyTopology, cfg.Dispatch.Topology)

			if err := r.Run(ctx); err != nil {
				return err
			}

			logger.Info("echotun stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (defaults apply when omitted)")
	cmd.Flags().StringVar(&ov.name, "name", "", "Interface name, overrides device.name")
	cmd.Flags().StringVar(&ov.topology, "topology", "", "Loop topology: single or pipelined")
	cmd.Flags().StringVar(&ov.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	cmd.Flags().StringVar(&ov.health, "health", "", "Enable the health server on this address")

	return cmd
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard",
		Long:  "Walk through the interface, dispatch and health settings and write a configuration file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := wizard.New(cmd.OutOrStdout())
			if _, err := w.Run(); err != nil {
				return fmt.Errorf("setup failed: %w", err)
			}
			return nil
		},
	}
}

func validateCmd() *cobra.Command {
	var configPath string
	var show bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		Long:  "Load and validate a configuration file without touching any device.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, overrides{})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if show {
				fmt.Fprint(out, cfg.String())
				return nil
			}
			if configPath == "" {
				fmt.Fprintln(out, "Default configuration is valid.")
			} else {
				fmt.Fprintf(out, "Configuration %s is valid.\n", configPath)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().BoolVar(&show, "show", false, "Print the effective configuration")

	return cmd
}

func statusCmd() *cobra.Command {
	var address string
	var asJSON bool
	var showDrops bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show responder status",
		Long:  "Query the health server of a running responder and print its counters.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			st, err := health.Fetch(ctx, nil, address)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			printStatus(out, st)

			if showDrops {
				drops, err := health.FetchDrops(ctx, nil, address)
				if err != nil {
					return err
				}
				printDrops(out, drops)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "127.0.0.1:9310", "Health server address")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON")
	cmd.Flags().BoolVar(&showDrops, "drops", false, "Break drops down by reason")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")

	return cmd
}

func printStatus(w io.Writer, st *health.Status) {
	started := time.Now().Add(-time.Duration(st.UptimeSeconds) * time.Second)
	s := st.Stats

	fmt.Fprintf(w, "Status:     %s\n", st.Status)
	fmt.Fprintf(w, "Version:    %s\n", st.Version)
	if st.Interface != "" {
		fmt.Fprintf(w, "Interface:  %s (%s)\n", st.Interface, st.Topology)
	}
	fmt.Fprintf(w, "Started:    %s\n", humanize.Time(started))
	fmt.Fprintf(w, "Read:       %s packets, %s\n", humanize.Comma(int64(s.PacketsRead)), humanize.Bytes(s.BytesRead))
	fmt.Fprintf(w, "Written:    %s packets, %s\n", humanize.Comma(int64(s.PacketsWritten)), humanize.Bytes(s.BytesWritten))
	fmt.Fprintf(w, "Replies:    %s\n", humanize.Comma(int64(s.Replies)))
	fmt.Fprintf(w, "Passed:     %s\n", humanize.Comma(int64(s.Passed)))
	fmt.Fprintf(w, "Dropped:    %s\n", humanize.Comma(int64(s.Dropped)))
	fmt.Fprintf(w, "I/O errors: %s read, %s write, %s short\n",
		humanize.Comma(int64(s.ReadErrors)),
		humanize.Comma(int64(s.WriteErrors)),
		humanize.Comma(int64(s.ShortWrites)))
}

func printDrops(w io.Writer, drops map[string]float64) {
	if len(drops) == 0 {
		fmt.Fprintln(w, "Drop reasons: none")
		return
	}
	reasons := make([]string, 0, len(drops))
	for r := range drops {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)

	fmt.Fprintln(w, "Drop reasons:")
	for _, r := range reasons {
		fmt.Fprintf(w, "  %-14s %s\n", r, humanize.Comma(int64(drops[r])))
	}
}

func pingCmd() *cobra.Command {
	var opts probe.Options
	var privileged bool

	cmd := &cobra.Command{
		Use:   "ping <host>",
		Short: "Send ICMP echo requests",
		Long: `Send ICMP echo requests to host and report round-trip times. Use it
to check a responder end to end through the routes it installs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			target, err := probe.Resolve(ctx, args[0])
			if err != nil {
				return err
			}
			conn, err := probe.Listen(privileged)
			if err != nil {
				return err
			}
			defer conn.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "PING %s (%s): %d data bytes\n", args[0], target, opts.Size)
			opts.OnReply = func(r probe.Reply) {
				fmt.Fprintf(out, "%d bytes from %s: icmp_seq=%d time=%.3f ms\n",
					r.Size, r.From, r.Seq, float64(r.RTT.Microseconds())/1000)
			}
			opts.OnTimeout = func(seq uint16) {
				fmt.Fprintf(out, "Request timeout for icmp_seq %d\n", seq)
			}

			res, err := probe.New(conn, target, privileged).Run(ctx, opts)
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "\n--- %s ping statistics ---\n", args[0])
			fmt.Fprintf(out, "%d packets transmitted, %d received, %.1f%% packet loss\n",
				res.Sent, res.Received, res.Loss()*100)
			if res.Corrupt > 0 {
				fmt.Fprintf(out, "%d replies with mismatched payload\n", res.Corrupt)
			}
			if res.Received > 0 {
				fmt.Fprintf(out, "rtt min/avg/max = %v/%v/%v\n", res.MinRTT, res.AvgRTT(), res.MaxRTT)
			}
			if res.Sent > 0 && res.Received == 0 {
				return errors.New("no echo replies received")
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&opts.Count, "count", "c", 4, "Number of requests, 0 for unlimited")
	cmd.Flags().DurationVarP(&opts.Interval, "interval", "i", probe.DefaultInterval, "Time between requests")
	cmd.Flags().DurationVarP(&opts.Timeout, "timeout", "W", probe.DefaultTimeout, "Time to wait for each reply")
	cmd.Flags().IntVarP(&opts.Size, "size", "s", probe.DefaultSize, "Payload size in bytes")
	cmd.Flags().BoolVar(&privileged, "privileged", false, "Use a raw ICMP socket (needs CAP_NET_RAW)")

	return cmd
}

func serviceCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the systemd unit",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !service.IsSupported() {
				return service.ErrUnsupported
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&name, "name", "echotun", "Unit name")

	var configPath string
	install := &cobra.Command{
		Use:   "install",
		Short: "Install, enable and start the unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !service.IsRoot() {
				return fmt.Errorf("must run as root to install service")
			}
			if configPath != "" {
				if _, err := loadConfig(configPath, overrides{}); err != nil {
					return err
				}
			}
			cfg, err := service.DefaultConfig(configPath)
			if err != nil {
				return err
			}
			cfg.Name = name
			return service.NewManager(cmd.OutOrStdout()).Install(cmd.Context(), cfg)
		},
	}
	install.Flags().StringVarP(&configPath, "config", "c", "", "Configuration file the unit runs with")

	uninstall := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop, disable and remove the unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !service.IsRoot() {
				return fmt.Errorf("must run as root to uninstall service")
			}
			return service.NewManager(cmd.OutOrStdout()).Uninstall(cmd.Context(), name)
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the unit state",
		RunE: func(cmd *cobra.Command, args []string) error {
			m := service.NewManager(cmd.OutOrStdout())
			if !m.IsInstalled(name) {
				return fmt.Errorf("%w: %s", service.ErrNotInstalled, name)
			}
			st, err := m.Status(cmd.Context(), name)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", name, st)
			return nil
		},
	}

	cmd.AddCommand(install, uninstall, status)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := sysinfo.Collect()
			fmt.Fprintf(cmd.OutOrStdout(), "echotun %s (%s, %s/%s)\n",
				info.Version, info.GoVersion, info.OS, info.Arch)
			return nil
		},
	}
}
