// Package netconf brings a tun interface up and down with the host's ip(8)
// and sysctl(8) tools.
//
// Up assigns the local address, routes a dedicated table through the
// interface and installs the policy rules that steer traffic into it. Down
// removes the same state in reverse. Each step is mandatory: the first
// failing command aborts the sequence and is returned as a *CommandError.
package netconf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os/exec"
	"strconv"
	"strings"

	"github.com/postalsys/echotun/internal/logging"
)

// ErrCommand is matched by every *CommandError.
var ErrCommand = errors.New("netconf: command failed")

// CommandError reports a failed configuration command together with
// whatever it printed.
type CommandError struct {
	Command Command
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("%s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Command, e.Err, out)
}

func (e *CommandError) Unwrap() []error { return []error{ErrCommand, e.Err} }

// Command is one external program invocation.
type Command struct {
	Name string
	Args []string
}

func (c Command) String() string {
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Runner executes a command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Config describes the routing state installed for an interface.
type Config struct {
	Interface string

	// Address is the local address and prefix assigned to the interface.
	// It is also the gateway of the default route in RouteTable.
	Address netip.Prefix

	RouteTable      int
	IngressRulePref int
	TableRulePref   int

	// FwMark, when non-zero, restricts the table rule to marked traffic.
	FwMark uint32
}

// Validate reports configuration values the commands cannot be built from.
func (c Config) Validate() error {
	var errs []string
	if c.Interface == "" {
		errs = append(errs, "interface is required")
	}
	if !c.Address.IsValid() || !c.Address.Addr().Is4() {
		errs = append(errs, fmt.Sprintf("address %v is not an IPv4 prefix", c.Address))
	}
	if c.RouteTable <= 0 {
		errs = append(errs, "route table must be positive")
	}
	if c.IngressRulePref <= 0 || c.TableRulePref <= 0 {
		errs = append(errs, "rule preferences must be positive")
	}
	if c.IngressRulePref == c.TableRulePref {
		errs = append(errs, "rule preferences must differ")
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid netconf: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c Config) tableRule(op string) Command {
	args := []string{"rule", op}
	if c.FwMark != 0 {
		args = append(args, "fwmark", strconv.FormatUint(uint64(c.FwMark), 10))
	}
	args = append(args, "from", "all", "pref", strconv.Itoa(c.TableRulePref), "lookup", strconv.Itoa(c.RouteTable))
	return Command{Name: "ip", Args: args}
}

func (c Config) ingressRule(op string) Command {
	return Command{Name: "ip", Args: []string{
		"rule", op, "from", "all", "iif", c.Interface, "pref", strconv.Itoa(c.IngressRulePref), "lookup", "main",
	}}
}

func (c Config) defaultRoute(op string) Command {
	return Command{Name: "ip", Args: []string{
		"route", op, "default", "via", c.Address.Addr().String(), "dev", c.Interface, "table", strconv.Itoa(c.RouteTable),
	}}
}

func (c Config) addr(op string) Command {
	return Command{Name: "ip", Args: []string{"addr", op, c.Address.String(), "dev", c.Interface}}
}

func (c Config) link(state string) Command {
	return Command{Name: "ip", Args: []string{"link", "set", c.Interface, state}}
}

// UpCommands returns the commands Up runs, in order.
func UpCommands(c Config) []Command {
	return []Command{
		c.link("up"),
		c.addr("add"),
		c.defaultRoute("add"),
		c.ingressRule("add"),
		c.tableRule("add"),
		{Name: "sysctl", Args: []string{"-w", "net.ipv4.conf." + c.Interface + ".accept_local=1"}},
	}
}

// DownCommands returns the commands Down runs, in order.
func DownCommands(c Config) []Command {
	return []Command{
		c.tableRule("del"),
		c.ingressRule("del"),
		c.defaultRoute("del"),
		c.addr("del"),
		c.link("down"),
	}
}

// Configurator applies a Config through a Runner.
type Configurator struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

// New returns a Configurator. A nil runner selects ExecRunner and a nil
// logger discards output.
func New(cfg Config, runner Runner, logger *slog.Logger) *Configurator {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Configurator{
		cfg:    cfg,
		runner: runner,
		logger: logger.With(logging.KeyComponent, "netconf"),
	}
}

// Up configures the interface.
func (c *Configurator) Up(ctx context.Context) error {
	if err := c.cfg.Validate(); err != nil {
		return err
	}
	return c.run(ctx, UpCommands(c.cfg))
}

// Down removes what Up installed.
func (c *Configurator) Down(ctx context.Context) error {
	if err := c.cfg.Validate(); err != nil {
		return err
	}
	return c.run(ctx, DownCommands(c.cfg))
}

func (c *Configurator) run(ctx context.Context, cmds []Command) error {
	for _, cmd := range cmds {
		c.logger.Debug("running command", "command", cmd.String())
		out, err := c.runner.Run(ctx, cmd.Name, cmd.Args...)
		if err != nil {
			return &CommandError{Command: cmd, Output: string(out), Err: err}
		}
	}
	return nil
}
