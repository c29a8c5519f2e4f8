package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/wastesort/internal/api"
	"github.com/banshee-data/wastesort/internal/capacity"
	"github.com/banshee-data/wastesort/internal/config"
	"github.com/banshee-data/wastesort/internal/controller"
	"github.com/banshee-data/wastesort/internal/db"
	"github.com/banshee-data/wastesort/internal/hardware"
	"github.com/banshee-data/wastesort/internal/lid"
	"github.com/banshee-data/wastesort/internal/monitoring"
	"github.com/banshee-data/wastesort/internal/serialmux"
	"github.com/banshee-data/wastesort/internal/timeutil"
	"github.com/banshee-data/wastesort/internal/waste"
)

const httpShutdownTimeout = 2 * time.Second

func newControllerCmd(opts *rootOptions) *cobra.Command {
	var hardwareFlag string
	cmd := &cobra.Command{
		Use:   "controller",
		Short: "Run the actuation server, lid bank and capacity monitor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.ReadController(opts.configPath)
			if err != nil {
				return err
			}
			if opts.logLevel != "" {
				cfg.LogLevel = opts.logLevel
			}
			if hardwareFlag != "" {
				cfg.Hardware = hardwareFlag
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid controller config: %w", err)
			}
			monitoring.Init(cfg.LogLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			node, err := newControllerNode(cfg, timeutil.RealClock{})
			if err != nil {
				return err
			}
			defer node.Close()

			ln, err := net.Listen("tcp", cfg.Listen)
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.Listen, err)
			}
			var httpLn net.Listener
			if cfg.HTTPListen != "" {
				if httpLn, err = net.Listen("tcp", cfg.HTTPListen); err != nil {
					ln.Close()
					return fmt.Errorf("listen %s: %w", cfg.HTTPListen, err)
				}
			}
			return node.Run(ctx, ln, httpLn)
		},
	}
	cmd.Flags().StringVar(&hardwareFlag, "hardware", "", "Override hardware: sim or serial")
	return cmd
}

// controllerNode is every controller component wired together.
type controllerNode struct {
	cfg *config.Controller

	backend hardware.Backend
	bridge  serialmux.SerialMuxInterface // nil unless hardware is serial
	events  *db.DB                       // nil when db_path is empty

	bank    *lid.Bank
	monitor *capacity.Monitor
	server  *controller.Server
	api     *api.Server
}

func newControllerNode(cfg *config.Controller, clock timeutil.Clock) (*controllerNode, error) {
	n := &controllerNode{cfg: cfg}
	if err := n.build(clock); err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

func (n *controllerNode) build(clock timeutil.Clock) error {
	cfg := n.cfg
	switch cfg.Hardware {
	case config.HardwareSerial:
		mux, err := serialmux.NewRealSerialMux(cfg.Serial)
		if err != nil {
			return err
		}
		n.bridge = mux
		if err := mux.Initialise(); err != nil {
			return fmt.Errorf("initialise bridge: %w", err)
		}
		n.backend = hardware.NewSerialBridge(mux)
		log.Info().Str("port", cfg.Serial.Path).Msg("using serial bridge")
	default:
		n.backend = hardware.NewSimulator(clock)
		log.Info().Msg("using simulated hardware")
	}

	var err error
	if cfg.DBPath != "" {
		if n.events, err = db.NewDB(cfg.DBPath); err != nil {
			return err
		}
	}

	n.bank, err = lid.NewBank(cfg.Bins, n.backend,
		lid.WithClock(clock),
		lid.WithAutoCloseDelay(cfg.AutoCloseDelay),
		lid.WithObserver(n.observeLid),
	)
	if err != nil {
		return err
	}

	monOpts := []capacity.Option{
		capacity.WithClock(clock),
		capacity.WithInterval(cfg.SampleInterval),
		capacity.WithSensorTimeout(cfg.SensorTimeout),
		capacity.WithPublisher(tierChangeLogger()),
	}
	for bin, cm := range cfg.BinHeights() {
		monOpts = append(monOpts, capacity.WithBinHeight(bin, cm))
	}
	n.monitor = capacity.NewMonitor(n.backend, n.bank.Bins(), monOpts...)

	srvOpts := []controller.Option{
		controller.WithClock(clock),
		controller.WithHandshakeTimeout(cfg.HandshakeTimeout),
	}
	if n.events != nil {
		srvOpts = append(srvOpts, controller.WithSessionObserver(n.events))
	}
	n.server = controller.NewServer(n.bank, srvOpts...)

	n.api = &api.Server{Lids: n.bank, Capacity: n.monitor, Status: n.server}
	if n.events != nil {
		n.api.Events = n.events
	}
	return nil
}

func (n *controllerNode) observeLid(ev lid.Event) {
	log.Info().
		Str("bin", string(ev.Bin)).
		Str("action", string(ev.Action)).
		Str("source", string(ev.Source)).
		Int("angle", ev.Angle).
		Msg("lid")
	if n.events != nil {
		n.events.ObserveLid(ev)
	}
}

// tierChangeLogger logs a bin only when its tier changes. The publisher is
// called from the sampling loop alone.
func tierChangeLogger() func([]capacity.Reading) {
	last := make(map[waste.BinID]capacity.Tier)
	return func(readings []capacity.Reading) {
		for _, r := range readings {
			prev, seen := last[r.Bin]
			last[r.Bin] = r.Tier
			if seen && prev == r.Tier {
				continue
			}
			ev := log.Info()
			if r.Tier == capacity.Full {
				ev = log.Warn()
			}
			ev.Str("bin", string(r.Bin)).Int("fill", r.FillPercent).Str("tier", r.Tier.String()).Msg("capacity")
		}
	}
}

// Handler returns the HTTP API with the admin routes mounted.
func (n *controllerNode) Handler() (http.Handler, error) {
	mux := n.api.ServeMux()
	n.api.AttachAdminRoutes(mux)
	if n.events != nil {
		if err := n.events.AttachAdminRoutes(mux); err != nil {
			return nil, err
		}
	}
	if n.bridge != nil {
		n.bridge.AttachAdminRoutes(mux)
	}
	return api.LoggingMiddleware(mux), nil
}

// Run serves until ctx is cancelled or a component fails. httpLn may be nil.
func (n *controllerNode) Run(ctx context.Context, ln, httpLn net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	if n.bridge != nil {
		g.Go(func() error {
			if err := n.bridge.Monitor(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("bridge monitor: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return n.monitor.Run(ctx)
	})
	g.Go(func() error {
		return n.server.Serve(ctx, ln)
	})

	if httpLn != nil {
		handler, err := n.Handler()
		if err != nil {
			httpLn.Close()
			return err
		}
		srv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Info().Str("addr", httpLn.Addr().String()).Msg("http listening")
			if err := srv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("http shutdown")
				srv.Close()
			}
			return nil
		})
	}

	err := g.Wait()
	log.Info().Msg("controller stopped")
	return err
}

// Close returns every lid to closed and releases the hardware and event log.
func (n *controllerNode) Close() error {
	var errs []error
	if n.bank != nil {
		errs = append(errs, n.bank.Shutdown())
	}
	if n.backend != nil {
		errs = append(errs, n.backend.Close())
	} else if n.bridge != nil {
		errs = append(errs, n.bridge.Close())
	}
	if n.events != nil {
		errs = append(errs, n.events.Close())
	}
	return errors.Join(errs...)
}
