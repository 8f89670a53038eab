package wizard

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/postalsys/echotun/internal/config"
)

func TestNew(t *testing.T) {
	w := New(nil)
	if w == nil {
		t.Fatal("New() returned nil")
	}
	if w.out != os.Stdout {
		t.Error("New(nil) should print to stdout")
	}
	if w.theme == nil {
		t.Error("New() returned wizard without a theme")
	}
}

func TestDefaultAnswers(t *testing.T) {
	a := DefaultAnswers()
	def := config.Default()

	if a.DeviceName != def.Device.Name || a.Address != def.Device.Address {
		t.Errorf("DefaultAnswers() device = %s %s, want %s %s",
			a.DeviceName, a.Address, def.Device.Name, def.Device.Address)
	}
	if a.Topology != "single" {
		t.Errorf("Topology = %s, want single", a.Topology)
	}
	if !a.VerifyChecksums {
		t.Error("VerifyChecksums = false, want true")
	}

	if _, err := BuildConfig(a); err != nil {
		t.Errorf("BuildConfig(DefaultAnswers()) error = %v", err)
	}
}

func TestBuildConfig(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Answers)
		check   func(*testing.T, *config.Config)
		wantErr string
	}{
		{
			name: "pipelined with health",
			modify: func(a *Answers) {
				a.DeviceName = "echo0"
				a.Address = "10.9.0.1/30"
				a.Topology = "pipelined"
				a.HealthEnabled = true
				a.HealthAddress = "0.0.0.0:9400"
				a.LogLevel = "debug"
			},
			check: func(t *testing.T, cfg *config.Config) {
				if cfg.Device.Name != "echo0" || cfg.Device.Address != "10.9.0.1/30" {
					t.Errorf("Device = %+v", cfg.Device)
				}
				if cfg.Dispatch.Topology != "pipelined" {
					t.Errorf("Topology = %s, want pipelined", cfg.Dispatch.Topology)
				}
				if !cfg.Health.Enabled || cfg.Health.Address != "0.0.0.0:9400" {
					t.Errorf("Health = %+v", cfg.Health)
				}
				if cfg.Logging.Level != "debug" {
					t.Errorf("Logging.Level = %s, want debug", cfg.Logging.Level)
				}
			},
		},
		{
			name: "health disabled keeps default address",
			modify: func(a *Answers) {
				a.HealthAddress = "garbage"
			},
			check: func(t *testing.T, cfg *config.Config) {
				if cfg.Health.Enabled {
					t.Error("Health.Enabled = true")
				}
				if cfg.Health.Address != "127.0.0.1:9310" {
					t.Errorf("Health.Address = %s, want default", cfg.Health.Address)
				}
			},
		},
		{
			name: "custom route table",
			modify: func(a *Answers) {
				a.RouteTable = 42
			},
			check: func(t *testing.T, cfg *config.Config) {
				if cfg.Device.RouteTable != 42 {
					t.Errorf("RouteTable = %d, want 42", cfg.Device.RouteTable)
				}
			},
		},
		{
			name: "no routing ignores table",
			modify: func(a *Answers) {
				a.Configure = false
				a.RouteTable = 0
			},
			check: func(t *testing.T, cfg *config.Config) {
				if cfg.Device.Configure {
					t.Error("Device.Configure = true")
				}
				if cfg.Device.RouteTable != 100 {
					t.Errorf("RouteTable = %d, want default 100", cfg.Device.RouteTable)
				}
			},
		},
		{
			name: "rate limit",
			modify: func(a *Answers) {
				a.RateLimit = 500
				a.VerifyChecksums = false
			},
			check: func(t *testing.T, cfg *config.Config) {
				if cfg.Echo.RateLimit != 500 || cfg.Echo.VerifyChecksums {
					t.Errorf("Echo = %+v", cfg.Echo)
				}
			},
		},
		{
			name:    "invalid address",
			modify:  func(a *Answers) { a.Address = "fd00::1/64" },
			wantErr: "must be IPv4",
		},
		{
			name:    "invalid topology",
			modify:  func(a *Answers) { a.Topology = "threaded" },
			wantErr: "invalid dispatch.topology",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := DefaultAnswers()
			tt.modify(&a)

			cfg, err := BuildConfig(a)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("BuildConfig() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildConfig() error = %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestWriteConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "echotun.yaml")

	a := DefaultAnswers()
	a.DeviceName = "tun9"
	cfg, err := BuildConfig(a)
	if err != nil {
		t.Fatalf("BuildConfig() error = %v", err)
	}

	if err := WriteConfig(cfg, path); err != nil {
		t.Fatalf("WriteConfig() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.HasPrefix(string(data), "# echotun configuration") {
		t.Errorf("config missing header:\n%s", data)
	}

	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	if loaded.Device.Name != "tun9" {
		t.Errorf("loaded Device.Name = %s, want tun9", loaded.Device.Name)
	}
}

func TestPrintSummary(t *testing.T) {
	var out bytes.Buffer
	w := New(&out)

	cfg := config.Default()
	cfg.Health.Enabled = true
	w.printSummary("/etc/echotun.yaml", cfg)

	s := out.String()
	for _, want := range []string{
		"Setup Complete",
		"tun0 (172.32.0.1/24)",
		"http://127.0.0.1:9310/health",
		"echotun run -c /etc/echotun.yaml",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("summary missing %q:\n%s", want, s)
		}
	}
}

func TestValidators(t *testing.T) {
	tests := []struct {
		name    string
		fn      func(string) error
		input   string
		wantErr bool
	}{
		{"config path yaml", validateConfigPath, "a.yaml", false},
		{"config path yml", validateConfigPath, "a.yml", false},
		{"config path empty", validateConfigPath, "", true},
		{"config path json", validateConfigPath, "a.json", true},
		{"device name", validateDeviceName, "tun0", false},
		{"device name empty", validateDeviceName, "", true},
		{"device name long", validateDeviceName, "abcdefghijklmnop", true},
		{"address", validateAddress, "10.0.0.1/24", false},
		{"address no prefix", validateAddress, "10.0.0.1", true},
		{"address v6", validateAddress, "fd00::1/64", true},
		{"route table", validateRouteTable, "100", false},
		{"route table zero", validateRouteTable, "0", true},
		{"route table main", validateRouteTable, "254", true},
		{"route table text", validateRouteTable, "main", true},
		{"rate empty", validateRate, "", false},
		{"rate", validateRate, "12.5", false},
		{"rate negative", validateRate, "-1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("validate(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
