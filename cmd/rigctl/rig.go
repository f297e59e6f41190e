package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shaunagostinho/rigctl/internal/logger"
	"github.com/shaunagostinho/rigctl/internal/notify"
	"github.com/shaunagostinho/rigctl/internal/server"
	"github.com/shaunagostinho/rigctl/internal/session"
	"github.com/shaunagostinho/rigctl/internal/telemetry"
)

// rig is a controller wired to the observers and device the config asks
// for.
type rig struct {
	cfg      *server.Config
	registry *session.Registry
	ctl      *session.Controller
	log      *logger.Logger
	exporter *telemetry.Exporter
	demo     *demoDevice
}

func loadRig(ctx context.Context, flags *rootFlags, profileName string) (*rig, error) {
	cfg := server.LoadConfig(flags.configPath)
	if flags.demo {
		cfg.Device.Demo = true
	}

	defs := cfg.SessionDefaults()
	registry, err := session.LoadRegistry(defs.ProfilesFile)
	if err != nil {
		return nil, err
	}
	if profileName == "" {
		profileName = defs.Profile
	}
	profile, ok := registry.Get(profileName)
	if !ok {
		return nil, fmt.Errorf("unknown profile %q (have %s)", profileName, strings.Join(registry.Names(), ", "))
	}

	notifier, err := notify.New(cfg.Notify)
	if err != nil {
		return nil, err
	}

	r := &rig{
		cfg:      cfg,
		registry: registry,
		log:      logger.New(cfg.LoggerConfig()),
	}
	opts := session.Options{
		Config:    cfg.ControllerConfig(),
		Profile:   profile,
		Notifier:  notifier,
		Observers: []session.Observer{r.log},
	}

	if cfg.Device.Demo {
		r.demo = newDemoDevice(cfg.DeviceSettings().DemoPace)
		opts.Opener = r.demo.sim.Opener()
		opts.Observers = append(opts.Observers, r.demo)
		log.Printf("[main] using simulated device (pace x%d)", cfg.Device.DemoPace)
	}

	if cfg.Telemetry.Enabled {
		exp, err := telemetry.NewExporter(ctx, cfg.Telemetry)
		if err != nil {
			log.Printf("[telemetry] disabled: %v", err)
		} else {
			r.exporter = exp
			opts.Observers = append(opts.Observers, exp)
		}
	}

	r.ctl = session.New(opts)
	if r.demo != nil {
		r.demo.ctl = r.ctl
	}
	return r, nil
}

// portName resolves the port to open: the flag, the demo device, or the
// configured path.
func (r *rig) portName(flag string) string {
	switch {
	case flag != "":
		return flag
	case r.demo != nil:
		return "demo"
	default:
		return r.cfg.DeviceSettings().PortPath
	}
}

func (r *rig) Close() {
	r.log.Close()
	if r.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.exporter.Close(ctx); err != nil {
			log.Printf("[telemetry] shutdown: %v", err)
		}
	}
}
