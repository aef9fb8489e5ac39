package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/kardianos/service"

	"github.com/sidoh/esp8266-thermometer/api"
	"github.com/sidoh/esp8266-thermometer/config"
	"github.com/sidoh/esp8266-thermometer/controller"
	"github.com/sidoh/esp8266-thermometer/discovery"
	"github.com/sidoh/esp8266-thermometer/firmware"
	"github.com/sidoh/esp8266-thermometer/logger"
	"github.com/sidoh/esp8266-thermometer/metrics"
	"github.com/sidoh/esp8266-thermometer/mode"
	"github.com/sidoh/esp8266-thermometer/platform"
	"github.com/sidoh/esp8266-thermometer/sensors"
	"github.com/sidoh/esp8266-thermometer/sensors/serialbus"
	"github.com/sidoh/esp8266-thermometer/sensors/w1"
	"github.com/sidoh/esp8266-thermometer/settings"
	"github.com/sidoh/esp8266-thermometer/storage"
	"github.com/sidoh/esp8266-thermometer/telemetry"
	"github.com/sidoh/esp8266-thermometer/web"
)

const (
	shutdownTimeout    = 5 * time.Second
	minSleep           = time.Second
	mqttClientIDPrefix = "esp8266-thermometer-"
)

// device holds what survives across boot cycles.
type device struct {
	cfg      *ThermometerConfig
	dataDir  string
	log      *logger.Logger
	metrics  *metrics.Metrics
	platform *platform.Reader
}

// cycle is the outcome of one boot cycle.
type cycle struct {
	result controller.Result
	sleep  time.Duration
}

// runInteractive runs boot cycles until ctx is done.
func runInteractive(ctx context.Context, configFlag string) error {
	isService := !service.Interactive()

	bootLog := logger.New(logger.INFO, "", 100)
	cfg := resolveConfig(configFlag, bootLog)

	appLogger := newAppLogger(cfg, isService, bootLog)
	defer appLogger.Close()

	appLogger.Info("Thermometer starting",
		"version", Version,
		"variant", cfg.Firmware.Variant,
		"build_time", BuildTime,
		"git_commit", GitCommit)

	dataDir, err := cfg.dataDirectory(isService)
	if err != nil {
		return err
	}
	appLogger.Info("Using data directory", "path", dataDir)

	d := &device{
		cfg:     cfg,
		dataDir: dataDir,
		log:     appLogger,
		metrics: metrics.New(),
		platform: platform.NewReader(platform.Sources{
			VoltagePath:  cfg.Platform.VoltagePath,
			VoltageScale: cfg.Platform.VoltageScale,
			WirelessPath: cfg.Platform.WirelessPath,
			Interface:    cfg.Platform.WirelessInterface,
		}),
	}
	return d.run(ctx)
}

func newAppLogger(cfg *ThermometerConfig, isService bool, fallback *logger.Logger) *logger.Logger {
	level := logger.LevelFromString(cfg.Logging.Level)
	logDir := cfg.Logging.Dir
	switch logDir {
	case "-":
		logDir = ""
	case "":
		dir, err := config.GetLogDirectory(isService)
		if err != nil {
			fallback.Warn("Could not create log directory, logging to console only", "error", err)
		}
		logDir = dir
	}

	l := logger.New(level, logDir, 1000)
	l.SetRotationPolicy(logger.RotationPolicy{
		Enabled:    logDir != "",
		MaxSizeMB:  10,
		MaxAgeDays: 7,
		MaxFiles:   5,
	})
	return l
}

func (d *device) run(ctx context.Context) error {
	for {
		c, err := d.bootCycle(ctx)
		if err != nil {
			return err
		}
		switch c.result.Exit {
		case controller.ExitCanceled:
			d.log.Info("Thermometer stopped")
			return nil
		case controller.ExitRestart:
			d.log.Info("Rebooting", "reason", c.result.Reason)
		case controller.ExitSleep:
			d.log.Info("Sleeping until next update", "duration", c.sleep.String())
			if !sleep(ctx, c.sleep) {
				d.log.Info("Thermometer stopped while asleep")
				return nil
			}
		}
	}
}

// bootCycle loads settings, decides the mode and runs the control loop
// until it exits.
func (d *device) bootCycle(ctx context.Context) (cycle, error) {
	d.metrics.BootCycles.Inc()

	blob, err := storage.Open(d.cfg.Storage.Backend, d.dataDir, d.cfg.Storage.Path)
	if err != nil {
		return cycle{}, fmt.Errorf("failed to open storage: %w", err)
	}
	defer blob.Close()

	deviceID, err := LoadOrGenerateDeviceID(blob)
	if err != nil {
		d.log.Warn("Device id not persisted", "error", err)
	}

	store := settings.NewStore(blob, d.log)
	store.Load()
	s := store.Settings()

	bus, closeBus := d.openBus(s.SensorBusPin)
	defer closeBus()

	cache := sensors.NewCache(bus, func() time.Duration { return store.Settings().PollEvery() }, d.log)
	cache.SetRecorder(d.metrics)
	cache.Start()

	runMode := mode.NewDecider(store, d.log).Decide(ctx)

	pub := d.newPublisher(store, cache, deviceID)
	defer pub.Close()

	loop := controller.New(controller.Config{
		Sensors:           cache,
		Publisher:         pub,
		SleepAfterPublish: runMode == mode.Normal && s.OperatingMode == settings.DeepSleep,
		Logger:            d.log,
	})

	if runMode == mode.Configuration {
		stop, err := d.serveAdmin(ctx, store, cache, loop, deviceID, s.WebPort)
		if err != nil {
			d.log.Error("Admin API unavailable", "error", err)
		} else {
			defer stop()
		}
	}

	res := loop.Run(ctx)
	return cycle{result: res, sleep: store.Settings().UpdateEvery()}, nil
}

func (d *device) openBus(pin int) (sensors.Bus, func()) {
	switch d.cfg.Sensors.Driver {
	case "", DriverW1:
		d.log.Debug("Using 1-Wire sysfs bus", "root", d.cfg.Sensors.W1Root, "pin", pin)
		return w1.New(d.cfg.Sensors.W1Root), func() {}
	case DriverSerial:
		b, err := serialbus.Open(serialbus.Config{
			PortName: d.cfg.Sensors.SerialPort,
			BaudRate: d.cfg.Sensors.SerialBaud,
			Pin:      pin,
			Timeout:  time.Duration(d.cfg.Sensors.SerialTimeout) * time.Millisecond,
		})
		if err != nil {
			d.log.Error("Failed to open serial sensor bus", "error", err)
			return unavailableBus{err: err}, func() {}
		}
		return b, func() { _ = b.Close() }
	default:
		err := fmt.Errorf("unknown sensor driver %q", d.cfg.Sensors.Driver)
		d.log.Error("Sensor bus unavailable", "error", err)
		return unavailableBus{err: err}, func() {}
	}
}

func (d *device) newPublisher(store *settings.Store, cache *sensors.Cache, deviceID string) *telemetry.Publisher {
	s := store.Settings()

	var broker telemetry.Broker
	if s.MQTTConfigured() {
		host, port := s.MQTTHostPort()
		broker = telemetry.NewMQTTBroker(telemetry.MQTTConfig{
			Host:     host,
			Port:     port,
			Username: s.MQTTUsername,
			Password: s.MQTTPassword,
			ClientID: mqttClientIDPrefix + deviceID,
		}, d.log)
	}

	pub := telemetry.NewPublisher(store, cache, telemetry.NewGateway(), broker, d.log)
	pub.SetVoltageSource(d.platform.Voltage)
	pub.SetObserver(d.metrics)
	return pub
}

// serveAdmin starts the admin API and its mDNS announcement. The returned
// function stops both, letting in-flight responses finish.
func (d *device) serveAdmin(ctx context.Context, store *settings.Store, cache *sensors.Cache, loop *controller.Loop, deviceID string, port uint16) (func(), error) {
	router := web.NewRouter(store, d.log)
	router.SetExecutor(loop.Do)
	router.SetObserver(d.metrics)
	if d.cfg.Web.MaxBodySize > 0 {
		router.SetMaxBody(d.cfg.Web.MaxBodySize)
	}

	api.New(api.Config{
		Settings: store,
		Sensors:  cache,
		Platform: d.platform,
		Firmware: firmware.NewImageWriter(d.cfg.firmwareDirectory(d.dataDir), d.log),
		Restart:  loop.Restart,
		Metrics:  d.metrics.Handler(),
		Version:  Version,
		Variant:  d.cfg.Firmware.Variant,
		Logger:   d.log,
	}).Register(router)

	ln, err := net.Listen("tcp", net.JoinHostPort(d.cfg.Web.ListenHost, strconv.Itoa(int(port))))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	srv := &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Error("Admin API server failed", "error", err)
		}
	}()
	d.log.Info("Admin API listening", "addr", ln.Addr().String())

	stopAnnounce := func() {}
	if d.cfg.Discovery.Enabled {
		stop, err := discovery.Announce(ctx, discovery.Announcement{
			DeviceID: deviceID,
			Port:     ln.Addr().(*net.TCPAddr).Port,
			Version:  Version,
			Variant:  d.cfg.Firmware.Variant,
		}, d.log)
		if err != nil {
			d.log.Warn("mDNS announcement failed", "error", err)
		} else {
			stopAnnounce = stop
		}
	}

	return func() {
		stopAnnounce()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			d.log.Warn("Admin API shutdown incomplete", "error", err)
		}
	}, nil
}

// sleep waits for dur, or minSleep if shorter, and reports false if ctx
// ended first.
func sleep(ctx context.Context, dur time.Duration) bool {
	if dur < minSleep {
		dur = minSleep
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// unavailableBus stands in when the configured driver cannot be opened, so
// the device still boots and serves its admin API.
type unavailableBus struct {
	err error
}

func (b unavailableBus) Devices() ([]sensors.Address, error) { return nil, b.err }

func (b unavailableBus) ReadTemperature(sensors.Address) (float64, error) { return 0, b.err }
