// Package wizard provides an interactive setup wizard that writes an
// echotun configuration file.
package wizard

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/echotun/internal/config"
)

// Answers holds everything the wizard asks for.
type Answers struct {
	ConfigPath string

	DeviceName string
	Address    string
	Configure  bool
	RouteTable int

	Topology        string
	VerifyChecksums bool
	RateLimit       float64

	LogLevel      string
	HealthEnabled bool
	HealthAddress string
}

// DefaultAnswers seeds the forms from config.Default.
func DefaultAnswers() Answers {
	def := config.Default()
	return Answers{
		ConfigPath:      "./echotun.yaml",
		DeviceName:      def.Device.Name,
		Address:         def.Device.Address,
		Configure:       def.Device.Configure,
		RouteTable:      def.Device.RouteTable,
		Topology:        def.Dispatch.Topology,
		VerifyChecksums: def.Echo.VerifyChecksums,
		LogLevel:        def.Logging.Level,
		HealthAddress:   def.Health.Address,
	}
}

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
	out   io.Writer
}

// New creates a new setup wizard printing to out.
func New(out io.Writer) *Wizard {
	if out == nil {
		out = os.Stdout
	}
	return &Wizard{
		theme: huh.ThemeDracula(),
		out:   out,
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	a := DefaultAnswers()

	if err := w.askDevice(&a); err != nil {
		return nil, err
	}
	if err := w.askDispatch(&a); err != nil {
		return nil, err
	}
	if err := w.askAdvanced(&a); err != nil {
		return nil, err
	}

	cfg, err := BuildConfig(a)
	if err != nil {
		return nil, err
	}
	if err := WriteConfig(cfg, a.ConfigPath); err != nil {
		return nil, err
	}

	w.printSummary(a.ConfigPath, cfg)

	return &Result{Config: cfg, ConfigPath: a.ConfigPath}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render("\n  echotun setup\n")

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  ICMP echo responder on a tun interface\n")

	fmt.Fprintln(w.out, banner)
	fmt.Fprintln(w.out, subtitle)
}

func (w *Wizard) askDevice(a *Answers) error {
	routeTable := strconv.Itoa(a.RouteTable)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Interface").
				Description("The tun interface echotun creates and answers on."),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./echotun.yaml").
				Value(&a.ConfigPath).
				Validate(validateConfigPath),

			huh.NewInput().
				Title("Interface Name").
				Placeholder("tun0").
				Value(&a.DeviceName).
				Validate(validateDeviceName),

			huh.NewInput().
				Title("Interface Address").
				Description("Local address and prefix, e.g. 172.32.0.1/24").
				Value(&a.Address).
				Validate(validateAddress),

			huh.NewConfirm().
				Title("Configure routing?").
				Description("Assign the address and install policy routes on start").
				Value(&a.Configure),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Routing Table").
				Description("Dedicated table for the interface route (1-252)").
				Value(&routeTable).
				Validate(validateRouteTable),
		).WithHideFunc(func() bool { return !a.Configure }),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}
	a.RouteTable, _ = strconv.Atoi(routeTable)
	return nil
}

func (w *Wizard) askDispatch(a *Answers) error {
	rateLimit := ""

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Packet Handling"),

			huh.NewSelect[string]().
				Title("Topology").
				Options(
					huh.NewOption("Single (one loop reads, answers and writes)", "single"),
					huh.NewOption("Pipelined (reader, worker and writer stages)", "pipelined"),
				).
				Value(&a.Topology),

			huh.NewConfirm().
				Title("Verify checksums?").
				Description("Drop echo requests whose IPv4 or ICMP checksum is wrong").
				Value(&a.VerifyChecksums),

			huh.NewInput().
				Title("Reply Rate Limit").
				Description("Replies per second, empty for unlimited").
				Value(&rateLimit).
				Validate(validateRate),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}
	if rateLimit != "" {
		a.RateLimit, _ = strconv.ParseFloat(rateLimit, 64)
	}
	return nil
}

func (w *Wizard) askAdvanced(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug", "debug"),
					huh.NewOption("Info", "info"),
					huh.NewOption("Warn", "warn"),
					huh.NewOption("Error", "error"),
				).
				Value(&a.LogLevel),

			huh.NewConfirm().
				Title("Enable health server?").
				Description("HTTP endpoints for health, readiness and metrics").
				Value(&a.HealthEnabled),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Health Address").
				Value(&a.HealthAddress).
				Validate(func(s string) error {
					if _, _, err := net.SplitHostPort(s); err != nil {
						return fmt.Errorf("must be host:port")
					}
					return nil
				}),
		).WithHideFunc(func() bool { return !a.HealthEnabled }),
	).WithTheme(w.theme)

	return form.Run()
}

// BuildConfig turns wizard answers into a validated configuration.
func BuildConfig(a Answers) (*config.Config, error) {
	cfg := config.Default()

	cfg.Device.Name = a.DeviceName
	cfg.Device.Address = a.Address
	cfg.Device.Configure = a.Configure
	if a.Configure {
		cfg.Device.RouteTable = a.RouteTable
	}

	cfg.Dispatch.Topology = a.Topology
	cfg.Echo.VerifyChecksums = a.VerifyChecksums
	cfg.Echo.RateLimit = a.RateLimit

	cfg.Logging.Level = a.LogLevel

	cfg.Health.Enabled = a.HealthEnabled
	if a.HealthEnabled {
		cfg.Health.Address = a.HealthAddress
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteConfig writes cfg as YAML to path, creating parent directories.
func WriteConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# echotun configuration\n# Generated by setup wizard\n\n"
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(strings.Repeat("─", 49))

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, divider)
	fmt.Fprintln(w.out, style.Render("✓ Setup Complete!"))
	fmt.Fprintln(w.out, divider)
	fmt.Fprintln(w.out)

	fmt.Fprintf(w.out, "  Config file:  %s\n", configPath)
	fmt.Fprintf(w.out, "  Interface:    %s (%s)\n", cfg.Device.Name, cfg.Device.Address)
	fmt.Fprintf(w.out, "  Topology:     %s\n", cfg.Dispatch.Topology)
	if cfg.Health.Enabled {
		fmt.Fprintf(w.out, "  Health:       http://%s/health\n", cfg.Health.Address)
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "  To start the responder:")
	fmt.Fprintf(w.out, "    echotun run -c %s\n", configPath)
	fmt.Fprintln(w.out)
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validateDeviceName(s string) error {
	if s == "" {
		return fmt.Errorf("interface name is required")
	}
	if len(s) >= 16 {
		return fmt.Errorf("interface name must be at most 15 bytes")
	}
	return nil
}

func validateAddress(s string) error {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return fmt.Errorf("must be an address with prefix, e.g. 172.32.0.1/24")
	}
	if !p.Addr().Is4() {
		return fmt.Errorf("must be an IPv4 address")
	}
	return nil
}

func validateRouteTable(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 252 {
		return fmt.Errorf("must be a number between 1 and 252")
	}
	return nil
}

func validateRate(s string) error {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return fmt.Errorf("must be a non-negative number")
	}
	return nil
}
