package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Device.Name != "tun0" {
		t.Errorf("Device.Name = %s, want tun0", cfg.Device.Name)
	}
	if cfg.Device.Path != "/dev/net/tun" {
		t.Errorf("Device.Path = %s, want /dev/net/tun", cfg.Device.Path)
	}
	if cfg.Device.Address != "172.32.0.1/24" {
		t.Errorf("Device.Address = %s, want 172.32.0.1/24", cfg.Device.Address)
	}
	if cfg.Device.RouteTable != 100 || cfg.Device.IngressRulePref != 10 || cfg.Device.TableRulePref != 100 {
		t.Errorf("Device routing = %d/%d/%d, want 100/10/100",
			cfg.Device.RouteTable, cfg.Device.IngressRulePref, cfg.Device.TableRulePref)
	}
	if cfg.Dispatch.Topology != "single" {
		t.Errorf("Dispatch.Topology = %s, want single", cfg.Dispatch.Topology)
	}
	if !cfg.Echo.VerifyChecksums {
		t.Error("Echo.VerifyChecksums = false, want true")
	}
	if cfg.Health.Address != "127.0.0.1:9310" {
		t.Errorf("Health.Address = %s, want 127.0.0.1:9310", cfg.Health.Address)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestParse_ValidConfig(t *testing.T) {
	yamlConfig := `
device:
  name: echo0
  address: 10.99.0.1/30
  route_table: 200
  ingress_rule_pref: 20
  table_rule_pref: 200
  fwmark: 0x2a

dispatch:
  topology: pipelined
  queue_depth: 128
  buffer_size: 1500

echo:
  verify_checksums: false
  rate_limit: 1000
  rate_burst: 50

logging:
  level: debug
  format: json
  packet_trace: true
  file:
    path: /var/log/echotun.log
    compress: true

health:
  enabled: true
  address: "0.0.0.0:9310"
  read_timeout: 5s
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Device.Name != "echo0" {
		t.Errorf("Device.Name = %s, want echo0", cfg.Device.Name)
	}
	if cfg.Device.FwMark != 42 {
		t.Errorf("Device.FwMark = %d, want 42", cfg.Device.FwMark)
	}
	if !cfg.Device.Configure {
		t.Error("Device.Configure lost its default")
	}
	if cfg.Dispatch.Topology != "pipelined" || cfg.Dispatch.QueueDepth != 128 || cfg.Dispatch.BufferSize != 1500 {
		t.Errorf("Dispatch = %+v", cfg.Dispatch)
	}
	if cfg.Echo.VerifyChecksums || cfg.Echo.RateLimit != 1000 || cfg.Echo.RateBurst != 50 {
		t.Errorf("Echo = %+v", cfg.Echo)
	}
	if !cfg.Logging.PacketTrace || cfg.Logging.File.Path != "/var/log/echotun.log" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Logging.File.MaxBackups != 3 {
		t.Errorf("Logging.File.MaxBackups = %d, want default 3", cfg.Logging.File.MaxBackups)
	}
	if cfg.Health.ReadTimeout != 5*time.Second {
		t.Errorf("Health.ReadTimeout = %v, want 5s", cfg.Health.ReadTimeout)
	}
	if cfg.Health.WriteTimeout != 10*time.Second {
		t.Errorf("Health.WriteTimeout = %v, want default 10s", cfg.Health.WriteTimeout)
	}

	prefix, err := cfg.Device.Prefix()
	if err != nil {
		t.Fatalf("Prefix() error = %v", err)
	}
	if prefix.String() != "10.99.0.1/30" {
		t.Errorf("Prefix() = %v, want 10.99.0.1/30", prefix)
	}
}

func TestParse_MinimalConfig(t *testing.T) {
	cfg, err := Parse([]byte("device:\n  name: tun5\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Device.Name != "tun5" {
		t.Errorf("Device.Name = %s, want tun5", cfg.Device.Name)
	}
	if cfg.Dispatch.QueueDepth != 64 {
		t.Errorf("Dispatch.QueueDepth = %d, want 64", cfg.Dispatch.QueueDepth)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	yamlConfig := `
device:
  name: tun0
  invalid yaml here [
`

	_, err := Parse([]byte(yamlConfig))
	if err == nil {
		t.Error("Parse() should fail for invalid YAML")
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		wantError string
	}{
		{
			name:      "empty device name",
			yaml:      "device:\n  name: \"\"\n",
			wantError: "device.name is required",
		},
		{
			name:      "device name too long",
			yaml:      "device:\n  name: averyveryverylongname\n",
			wantError: "longer than 15 bytes",
		},
		{
			name:      "bad address",
			yaml:      "device:\n  address: 172.32.0.1\n",
			wantError: "invalid device.address",
		},
		{
			name:      "ipv6 address",
			yaml:      "device:\n  address: fd00::1/64\n",
			wantError: "must be IPv4",
		},
		{
			name:      "route table out of range",
			yaml:      "device:\n  route_table: 254\n",
			wantError: "device.route_table",
		},
		{
			name:      "same rule prefs",
			yaml:      "device:\n  ingress_rule_pref: 100\n",
			wantError: "must differ",
		},
		{
			name:      "invalid topology",
			yaml:      "dispatch:\n  topology: threaded\n",
			wantError: "invalid dispatch.topology",
		},
		{
			name:      "zero queue depth",
			yaml:      "dispatch:\n  queue_depth: 0\n",
			wantError: "dispatch.queue_depth",
		},
		{
			name:      "tiny buffer",
			yaml:      "dispatch:\n  buffer_size: 20\n",
			wantError: "dispatch.buffer_size",
		},
		{
			name:      "negative rate limit",
			yaml:      "echo:\n  rate_limit: -1\n",
			wantError: "echo.rate_limit",
		},
		{
			name:      "rate limit without burst",
			yaml:      "echo:\n  rate_limit: 10\n  rate_burst: 0\n",
			wantError: "echo.rate_burst",
		},
		{
			name:      "invalid log level",
			yaml:      "logging:\n  level: verbose\n",
			wantError: "invalid logging.level",
		},
		{
			name:      "invalid log format",
			yaml:      "logging:\n  format: xml\n",
			wantError: "invalid logging.format",
		},
		{
			name:      "health without port",
			yaml:      "health:\n  enabled: true\n  address: localhost\n",
			wantError: "invalid health.address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Error("Parse() should fail")
				return
			}
			if !strings.Contains(err.Error(), tt.wantError) {
				t.Errorf("Error = %v, want to contain %q", err, tt.wantError)
			}
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Device.Name = ""
	cfg.Dispatch.Topology = "bogus"
	cfg.Logging.Level = "loud"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() error = nil")
	}
	if n := strings.Count(err.Error(), "\n  - "); n != 3 {
		t.Errorf("Validate() reported %d problems, want 3:\n%v", n, err)
	}
}

func TestValidate_RoutingIgnoredWhenNotConfiguring(t *testing.T) {
	cfg := Default()
	cfg.Device.Configure = false
	cfg.Device.RouteTable = 0
	cfg.Device.IngressRulePref = 0

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestParse_EnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_TUN_NAME", "tun42")
	t.Setenv("TEST_TUN_ADDR", "10.1.2.3/24")

	yamlConfig := `
device:
  name: "${TEST_TUN_NAME}"
  address: "$TEST_TUN_ADDR"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Device.Name != "tun42" {
		t.Errorf("Device.Name = %s, want tun42", cfg.Device.Name)
	}
	if cfg.Device.Address != "10.1.2.3/24" {
		t.Errorf("Device.Address = %s, want 10.1.2.3/24", cfg.Device.Address)
	}
}

func TestParse_EnvVarDefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR")

	yamlConfig := `
dispatch:
  topology: "${NONEXISTENT_VAR:-pipelined}"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Dispatch.Topology != "pipelined" {
		t.Errorf("Dispatch.Topology = %s, want pipelined", cfg.Dispatch.Topology)
	}
}

func TestParse_EnvVarNotFound(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR")

	yamlConfig := `
logging:
  file:
    path: "/tmp/${NONEXISTENT_VAR}.log"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	// Should keep the original placeholder if not found
	if cfg.Logging.File.Path != "/tmp/${NONEXISTENT_VAR}.log" {
		t.Errorf("Logging.File.Path = %s, want placeholder kept", cfg.Logging.File.Path)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() should fail for nonexistent file")
	}
}

func TestLoad_ValidFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "echotun.yaml")
	configContent := `
logging:
  level: debug
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %s, want debug", cfg.Logging.Level)
	}
}

func TestConfig_String(t *testing.T) {
	s := Default().String()
	for _, want := range []string{"device:", "name: tun0", "topology: single"} {
		if !strings.Contains(s, want) {
			t.Errorf("String() missing %q:\n%s", want, s)
		}
	}
}
