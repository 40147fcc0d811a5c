package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"raingauge/internal/button"
	"raingauge/internal/config"
	"raingauge/internal/connectivity"
	"raingauge/internal/credentials"
	nodebus "raingauge/internal/dbus"
	"raingauge/internal/gpio"
	"raingauge/internal/iwd"
	"raingauge/internal/led"
	"raingauge/internal/logger"
	"raingauge/internal/metrics"
	"raingauge/internal/netlink"
	"raingauge/internal/nvs"
	"raingauge/internal/portal"
	"raingauge/internal/pulse"
	"raingauge/internal/report"
	"raingauge/internal/state"
	"raingauge/internal/system"
	"raingauge/internal/uplink"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, logLevel, bus string
	var noDBus bool

	flagSet := pflag.NewFlagSet("raingauge", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "/etc/raingauge/config.yaml", "path to the YAML configuration file")
	flagSet.StringVar(&logLevel, "log-level", "", "override logging.level (trace, debug, info, warn, error)")
	flagSet.StringVar(&bus, "bus", "", "override device.bus (system or session)")
	flagSet.BoolVar(&noDBus, "no-dbus-service", false, "do not export the node control service")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if bus != "" {
		cfg.Device.Bus = bus
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logger.SetLogLevel(cfg.Logging.Level)
	log := logger.ComponentLogger("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runNode(ctx, cfg, log, !noDBus)
}

func runNode(ctx context.Context, cfg *config.Config, log zerolog.Logger, exportService bool) error {
	log.Info().Str("interface", cfg.Device.Interface).Msg("raingauge starting")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stateMgr := state.NewManager()
	nodeMetrics := metrics.New()
	stateMgr.OnChange(func(st *state.State) {
		nodeMetrics.SetLinkState(st.LinkState)
	})

	kv, err := nvs.New(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	credStore := credentials.NewStore(kv, logger.ComponentLogger("credentials"))
	restarter := system.NewRestarter(cfg.Restart.Mode, logger.ComponentLogger("system"))

	chip, err := gpio.Open(cfg.GPIO.Chip)
	if err != nil {
		return err
	}
	defer chip.Close()

	sensorLine, err := chip.Input(cfg.GPIO.Sensor, true)
	if err != nil {
		return fmt.Errorf("sensor line: %w", err)
	}
	buttonLine, err := chip.Input(cfg.GPIO.Button, true)
	if err != nil {
		return fmt.Errorf("reset button line: %w", err)
	}
	ledLine, err := chip.Output(cfg.GPIO.LED, false)
	if err != nil {
		return fmt.Errorf("LED line: %w", err)
	}

	counter := pulse.NewCounter(true)
	poller := pulse.NewPoller(sensorLine, counter, cfg.Sensor.PollInterval.Std(), nodeMetrics, logger.ComponentLogger("sensor"))

	indicator := led.NewIndicator(ledLine, cfg.LED.Blink.Std(), logger.ComponentLogger("led"))
	stateMgr.OnChange(func(st *state.State) {
		indicator.Observe(st.LinkState)
	})

	iwdClient, err := iwd.NewClient(cfg.Device.Bus, iwd.Config{
		Interface: cfg.Device.Interface,
		APAddress: cfg.Device.APAddress,
	}, stateMgr, logger.ComponentLogger("iwd"))
	if err != nil {
		return err
	}
	defer iwdClient.Close()

	watcher, err := netlink.NewWatcher(cfg.Device.Interface, iwdClient.Emit, stateMgr, logger.ComponentLogger("netlink"))
	if err != nil {
		log.Warn().Err(err).Msg("Netlink watcher unavailable, got-address events will be missed")
	} else {
		defer watcher.Close()
		iwdClient.OnAssociated(watcher.CheckAddress)
	}

	gateway := portal.NewGateway(portal.Config{
		DNSListen:    cfg.Portal.DNSListen,
		HTTPListen:   cfg.Portal.HTTPListen,
		PortalIP:     cfg.Device.APAddress,
		RestartDelay: cfg.Portal.RestartDelay.Std(),
	}, credStore, restarter, logger.ComponentLogger("portal"))

	connMgr := connectivity.New(iwdClient, credStore, gateway, stateMgr, connectivity.Config{
		APSSID:    cfg.Device.APSSID,
		APAddress: cfg.Device.APAddress,
		Interface: cfg.Device.Interface,
	}, nodeMetrics, logger.ComponentLogger("connectivity"))

	sender := uplink.NewHTTPSender(uplink.Config{
		Endpoint:    cfg.Report.Endpoint,
		APIKeyParam: cfg.Report.APIKeyParam,
		APIKey:      cfg.Report.APIKey,
		Field:       cfg.Report.Field,
		Timeout:     cfg.Report.Timeout.Std(),
	}, logger.ComponentLogger("uplink"))

	scheduler := report.NewScheduler(report.Config{
		Interval:          cfg.Report.Interval.Std(),
		CalibrationFactor: cfg.Sensor.CalibrationFactor,
	}, connMgr, counter, sender, nodeMetrics, logger.ComponentLogger("report"))

	resetButton := button.NewWatcher(buttonLine, credStore, restarter,
		cfg.Reset.Hold.Std(), cfg.Reset.PollInterval.Std(), logger.ComponentLogger("button"))

	if exportService {
		svc, err := nodebus.NewService(cfg.Device.Bus, stateMgr, counter, credStore, restarter, logger.ComponentLogger("dbus"))
		if err != nil {
			log.Warn().Err(err).Msg("Node control service unavailable")
		} else {
			defer svc.Close()
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return connMgr.Run(gctx) })
	g.Go(func() error { return poller.Run(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return resetButton.Run(gctx) })
	g.Go(func() error { return indicator.Run(gctx) })
	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}
	if cfg.Metrics.Listen != "" {
		g.Go(func() error { return nodeMetrics.Serve(gctx, cfg.Metrics.Listen, logger.ComponentLogger("metrics")) })
	}

	_, present := credStore.Load()
	if err := connMgr.Configure(gctx, present); err != nil {
		log.Error().Err(err).Msg("Failed to configure connectivity")
		cancel()
		_ = g.Wait()
		return err
	}

	log.Info().Str("mode", string(connMgr.State())).Msg("raingauge ready")

	err = g.Wait()
	log.Info().Msg("Shutting down")
	if serr := connMgr.Stop(); serr != nil {
		log.Warn().Err(serr).Msg("Failed to stop wireless link")
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
