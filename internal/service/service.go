// Package service installs echotun as a systemd unit.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/postalsys/echotun/internal/netconf"
)

// SystemdUnitPath is where system units are installed.
const SystemdUnitPath = "/etc/systemd/system"

var (
	ErrUnsupported      = errors.New("service: systemd installation is only supported on Linux")
	ErrAlreadyInstalled = errors.New("service: already installed")
	ErrNotInstalled     = errors.New("service: not installed")
)

// Config holds configuration for installing the service.
type Config struct {
	// Name is the unit name without the .service suffix
	Name string

	// Description is the unit description
	Description string

	// ConfigPath is the absolute path to the config file. Empty runs
	// with built-in defaults.
	ConfigPath string

	// ExecPath is the absolute path of the echotun binary.
	ExecPath string
}

// DefaultConfig returns a Config for the running executable.
func DefaultConfig(configPath string) (Config, error) {
	execPath, err := os.Executable()
	if err != nil {
		return Config{}, fmt.Errorf("failed to get executable path: %w", err)
	}
	// Resolve symlinks to get the real path
	if execPath, err = filepath.EvalSymlinks(execPath); err != nil {
		return Config{}, fmt.Errorf("failed to resolve executable path: %w", err)
	}

	if configPath != "" {
		if configPath, err = filepath.Abs(configPath); err != nil {
			return Config{}, err
		}
	}

	return Config{
		Name:        "echotun",
		Description: "ICMP echo responder on a tun interface",
		ConfigPath:  configPath,
		ExecPath:    execPath,
	}, nil
}

// IsRoot returns true if the current process is running as root.
func IsRoot() bool {
	return os.Getuid() == 0
}

// IsSupported reports whether Install can work on this platform.
func IsSupported() bool {
	return runtime.GOOS == "linux"
}

// Manager installs and removes units through systemctl.
type Manager struct {
	// UnitDir is where unit files are written.
	UnitDir string

	// Runner executes systemctl.
	Runner netconf.Runner

	// Out receives progress messages.
	Out io.Writer
}

// NewManager returns a Manager for the system unit directory.
func NewManager(out io.Writer) *Manager {
	return &Manager{
		UnitDir: SystemdUnitPath,
		Runner:  netconf.ExecRunner{},
		Out:     out,
	}
}

func (m *Manager) unitPath(name string) string {
	return filepath.Join(m.UnitDir, name+".service")
}

func (m *Manager) systemctl(ctx context.Context, args ...string) (string, error) {
	out, err := m.Runner.Run(ctx, "systemctl", args...)
	return strings.TrimSpace(string(out)), err
}

// IsInstalled checks if the unit file exists.
func (m *Manager) IsInstalled(name string) bool {
	_, err := os.Stat(m.unitPath(name))
	return err == nil
}

// Install writes the unit file, then enables and starts the unit.
func (m *Manager) Install(ctx context.Context, cfg Config) error {
	unitPath := m.unitPath(cfg.Name)
	if m.IsInstalled(cfg.Name) {
		return fmt.Errorf("%w: %s", ErrAlreadyInstalled, unitPath)
	}

	if err := os.WriteFile(unitPath, []byte(GenerateUnit(cfg)), 0644); err != nil {
		return fmt.Errorf("failed to write systemd unit file: %w", err)
	}
	fmt.Fprintf(m.Out, "Created systemd unit: %s\n", unitPath)

	if out, err := m.systemctl(ctx, "daemon-reload"); err != nil {
		os.Remove(unitPath)
		return fmt.Errorf("failed to reload systemd: %s: %w", out, err)
	}

	if out, err := m.systemctl(ctx, "enable", cfg.Name); err != nil {
		return fmt.Errorf("failed to enable service: %s: %w", out, err)
	}
	fmt.Fprintf(m.Out, "Enabled service: %s\n", cfg.Name)

	if out, err := m.systemctl(ctx, "start", cfg.Name); err != nil {
		return fmt.Errorf("failed to start service: %s: %w", out, err)
	}
	fmt.Fprintf(m.Out, "Started service: %s\n", cfg.Name)

	return nil
}

// Uninstall stops and disables the unit and removes its file. Stopping the
// unit lets the responder remove its routes before the file goes away.
func (m *Manager) Uninstall(ctx context.Context, name string) error {
	unitPath := m.unitPath(name)
	if !m.IsInstalled(name) {
		return fmt.Errorf("%w: %s", ErrNotInstalled, name)
	}

	// Stop and disable failures are reported but do not abort removal.
	if out, err := m.systemctl(ctx, "stop", name); err != nil {
		fmt.Fprintf(m.Out, "Note: could not stop service: %s\n", out)
	} else {
		fmt.Fprintf(m.Out, "Stopped service: %s\n", name)
	}
	if out, err := m.systemctl(ctx, "disable", name); err != nil {
		fmt.Fprintf(m.Out, "Note: could not disable service: %s\n", out)
	} else {
		fmt.Fprintf(m.Out, "Disabled service: %s\n", name)
	}

	if err := os.Remove(unitPath); err != nil {
		return fmt.Errorf("failed to remove systemd unit file: %w", err)
	}
	fmt.Fprintf(m.Out, "Removed systemd unit: %s\n", unitPath)

	if _, err := m.systemctl(ctx, "daemon-reload"); err != nil {
		fmt.Fprintln(m.Out, "Note: failed to reload systemd daemon")
	}
	m.systemctl(ctx, "reset-failed", name)

	return nil
}

// Status returns the systemctl is-active state of the unit.
func (m *Manager) Status(ctx context.Context, name string) (string, error) {
	status, err := m.systemctl(ctx, "is-active", name)
	if err != nil {
		// is-active exits non-zero for every state but active.
		switch status {
		case "inactive", "failed", "activating", "deactivating", "unknown":
			return status, nil
		}
		return "", fmt.Errorf("failed to get service status: %w", err)
	}
	return status, nil
}

// GenerateUnit renders the systemd unit for cfg. The responder needs
// CAP_NET_ADMIN for the tun device and runs ip and sysctl, so the unit
// runs as root with a reduced capability set.
func GenerateUnit(cfg Config) string {
	exec := cfg.ExecPath + " run"
	if cfg.ConfigPath != "" {
		exec += " -c " + cfg.ConfigPath
	}

	return fmt.Sprintf(`[Unit]
Description=%s
Documentation=https://github.com/postalsys/echotun
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%s
Restart=on-failure
RestartSec=5
KillSignal=SIGTERM
TimeoutStopSec=30

# Security hardening
CapabilityBoundingSet=CAP_NET_ADMIN CAP_NET_RAW
DeviceAllow=/dev/net/tun rw
NoNewPrivileges=true
ProtectHome=read-only
PrivateTmp=true

# Logging
StandardOutput=journal
StandardError=journal
SyslogIdentifier=%s

[Install]
WantedBy=multi-user.target
`, cfg.Description, exec, cfg.Name)
}
