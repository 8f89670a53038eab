// Package responder ties the tun device, network configuration, echo
// rewriter, dispatch loop and health server into one lifecycle.
package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/echotun/internal/config"
	"github.com/postalsys/echotun/internal/dispatch"
	"github.com/postalsys/echotun/internal/echo"
	"github.com/postalsys/echotun/internal/health"
	"github.com/postalsys/echotun/internal/logging"
	"github.com/postalsys/echotun/internal/metrics"
	"github.com/postalsys/echotun/internal/netconf"
	"github.com/postalsys/echotun/internal/tun"
)

// teardownTimeout bounds netconf.Down once the run context is gone.
const teardownTimeout = 10 * time.Second

// Device is the tun handle the responder owns.
type Device interface {
	dispatch.Device
	Name() string
	MTU() (int, error)
	SetNonblocking() error
	Close() error
}

// Opener opens the device described by cfg.
type Opener func(cfg tun.Config) (Device, error)

// OpenTun is the default Opener.
func OpenTun(cfg tun.Config) (Device, error) {
	dev, err := tun.Open(cfg)
	if err != nil {
		return nil, err
	}
	return dev, nil
}

// Options carries the collaborators of a Responder. Zero values select the
// production implementations.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Gatherer backs the health server's /metrics endpoint.
	Gatherer prometheus.Gatherer

	Open   Opener
	Runner netconf.Runner
}

// Responder answers ICMP echo requests arriving on a tun interface.
type Responder struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	loop   atomic.Pointer[dispatch.Loop]
	health atomic.Pointer[health.Server]
}

// New validates cfg and returns a Responder.
func New(cfg *config.Config, opts Options) (*Responder, error) {
	if cfg == nil {
		return nil, errors.New("responder: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	if opts.Open == nil {
		opts.Open = OpenTun
	}

	return &Responder{
		cfg:    cfg,
		opts:   opts,
		logger: opts.Logger.With(logging.KeyComponent, "responder"),
	}, nil
}

// Run opens and configures the device, then answers echo requests until
// ctx is cancelled. Teardown (netconf down, device close) runs before Run
// returns, on success and on failure alike. A cancelled context is not an
// error.
func (r *Responder) Run(ctx context.Context) (err error) {
	dcfg := r.cfg.Device

	dev, err := r.opts.Open(tun.Config{Name: dcfg.Name, Path: dcfg.Path})
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	logger := r.logger.With(logging.KeyInterface, dev.Name())
	defer func() {
		if cerr := dev.Close(); cerr != nil {
			logger.Warn("failed to close device", logging.KeyError, cerr)
			err = errors.Join(err, fmt.Errorf("close device: %w", cerr))
		}
	}()

	if err := dev.SetNonblocking(); err != nil {
		return fmt.Errorf("set non-blocking: %w", err)
	}

	bufSize := r.bufferSize(dev, logger)

	if dcfg.Configure {
		nc, cerr := r.configurator(dev.Name(), logger)
		if cerr != nil {
			return cerr
		}
		if uerr := nc.Up(ctx); uerr != nil {
			return fmt.Errorf("configure %s: %w", dev.Name(), uerr)
		}
		logger.Info("interface configured",
			logging.KeyAddress, dcfg.Address,
			"table", dcfg.RouteTable)
		defer func() {
			downCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
			defer cancel()
			if derr := nc.Down(downCtx); derr != nil {
				logger.Error("failed to deconfigure interface", logging.KeyError, derr)
				err = errors.Join(err, fmt.Errorf("deconfigure %s: %w", dev.Name(), derr))
				return
			}
			logger.Info("interface deconfigured")
		}()
	}

	topo, err := dispatch.ParseTopology(r.cfg.Dispatch.Topology)
	if err != nil {
		return err
	}
	rewriter := echo.New(echo.Config{
		VerifyChecksums: r.cfg.Echo.VerifyChecksums,
		RateLimit:       r.cfg.Echo.RateLimit,
		RateBurst:       r.cfg.Echo.RateBurst,
	})
	loop, err := dispatch.New(dispatch.Config{
		Topology:    topo,
		QueueDepth:  r.cfg.Dispatch.QueueDepth,
		BufferSize:  bufSize,
		PacketTrace: r.cfg.Logging.PacketTrace,
	}, dev, rewriter, logger, r.opts.Metrics)
	if err != nil {
		return err
	}
	r.loop.Store(loop)

	if r.cfg.Health.Enabled {
		srv := health.NewServer(health.ServerConfig{
			Address:      r.cfg.Health.Address,
			ReadTimeout:  r.cfg.Health.ReadTimeout,
			WriteTimeout: r.cfg.Health.WriteTimeout,
			Interface:    dev.Name(),
			Topology:     string(topo),
			Gatherer:     r.opts.Gatherer,
		}, r)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("start health server: %w", err)
		}
		r.health.Store(srv)
		logger.Info("health server started", logging.KeyAddress, srv.Address().String())
		defer srv.Stop()
	}

	logger.Info("responder started",
		logging.KeyTopology, string(topo),
		"buffer_size", bufSize,
		"verify_checksums", r.cfg.Echo.VerifyChecksums)

	if err := loop.Run(ctx); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}

	logger.Info("responder stopping", "stats", loop.Stats())
	return nil
}

// bufferSize returns the read buffer size: the device MTU, raised to the
// configured size when that is larger. Without a usable MTU the configured
// size is taken as is, or dispatch.DefaultBufferSize when unset.
func (r *Responder) bufferSize(dev Device, logger *slog.Logger) int {
	configured := r.cfg.Dispatch.BufferSize

	mtu, err := dev.MTU()
	if err != nil || mtu < 68 {
		if configured > 0 {
			return configured
		}
		logger.Warn("device MTU unavailable, using default buffer size",
			logging.KeyError, err,
			"mtu", mtu)
		return dispatch.DefaultBufferSize
	}

	if configured >= mtu {
		return configured
	}
	if configured > 0 {
		logger.Warn("dispatch.buffer_size below device MTU, using MTU",
			"buffer_size", configured,
			"mtu", mtu)
	}
	return mtu
}

func (r *Responder) configurator(ifname string, logger *slog.Logger) (*netconf.Configurator, error) {
	dcfg := r.cfg.Device
	prefix, err := dcfg.Prefix()
	if err != nil {
		return nil, err
	}
	return netconf.New(netconf.Config{
		Interface:       ifname,
		Address:         prefix,
		RouteTable:      dcfg.RouteTable,
		IngressRulePref: dcfg.IngressRulePref,
		TableRulePref:   dcfg.TableRulePref,
		FwMark:          dcfg.FwMark,
	}, r.opts.Runner, logger), nil
}

// Running reports whether the dispatch loop is processing packets.
func (r *Responder) Running() bool {
	if l := r.loop.Load(); l != nil {
		return l.Running()
	}
	return false
}

// Stats returns the dispatch loop counters, or zero before Run.
func (r *Responder) Stats() dispatch.Stats {
	if l := r.loop.Load(); l != nil {
		return l.Stats()
	}
	return dispatch.Stats{}
}

// HealthAddress returns the bound health server address, or "" when the
// server is disabled or not yet started.
func (r *Responder) HealthAddress() string {
	srv := r.health.Load()
	if srv == nil || srv.Address() == nil {
		return ""
	}
	return srv.Address().String()
}
