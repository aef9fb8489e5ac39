package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sidoh/esp8266-thermometer/controller"
	"github.com/sidoh/esp8266-thermometer/logger"
	"github.com/sidoh/esp8266-thermometer/metrics"
	"github.com/sidoh/esp8266-thermometer/platform"
	"github.com/sidoh/esp8266-thermometer/settings"
	"github.com/sidoh/esp8266-thermometer/storage"
)

func newTestDevice(t *testing.T, settingsDoc string) *device {
	t.Helper()

	dataDir := t.TempDir()
	w1Root := t.TempDir()
	slave := filepath.Join(w1Root, "28-000005e2fdc3")
	if err := os.MkdirAll(slave, 0755); err != nil {
		t.Fatal(err)
	}
	reading := "72 01 4b 46 7f ff 0e 10 57 : crc=57 YES\n72 01 4b 46 7f ff 0e 10 57 t=23125\n"
	if err := os.WriteFile(filepath.Join(slave, "w1_slave"), []byte(reading), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultThermometerConfig()
	cfg.DataDir = dataDir
	cfg.Sensors.W1Root = w1Root
	cfg.Discovery.Enabled = false
	cfg.Web.ListenHost = "127.0.0.1"

	if settingsDoc != "" {
		blob, err := storage.Open(cfg.Storage.Backend, dataDir, "")
		if err != nil {
			t.Fatal(err)
		}
		if err := blob.Write(settings.DocumentName, []byte(settingsDoc)); err != nil {
			t.Fatal(err)
		}
		blob.Close()
	}

	return &device{
		cfg:      cfg,
		dataDir:  dataDir,
		log:      logger.Nop(),
		metrics:  metrics.New(),
		platform: platform.NewReader(platform.Sources{}),
	}
}

func TestBootCycleDeepSleepAfterPublish(t *testing.T) {
	// Port 1 refuses connections, so the probe fails and the device runs
	// in normal mode.
	d := newTestDevice(t, `{
		"admin": {"flag_server": "127.0.0.1", "flag_server_port": 1, "operating_mode": "deep_sleep"},
		"thermometers": {"update_interval": 42}
	}`)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := d.bootCycle(ctx)
	if err != nil {
		t.Fatalf("bootCycle() failed: %v", err)
	}
	if c.result.Exit != controller.ExitSleep {
		t.Fatalf("exit = %v, want sleep", c.result.Exit)
	}
	if c.sleep != 42*time.Second {
		t.Errorf("sleep = %v, want 42s", c.sleep)
	}
	if got := testutil.ToFloat64(d.metrics.BootCycles); got != 1 {
		t.Errorf("boot cycles = %v, want 1", got)
	}
	if got := testutil.ToFloat64(d.metrics.KnownSensors); got != 1 {
		t.Errorf("known sensors = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(d.metrics.Temperature); n != 1 {
		t.Errorf("published readings = %d, want 1", n)
	}
}

func TestBootCycleConfigurationModeServesUntilCanceled(t *testing.T) {
	d := newTestDevice(t, `{"admin": {"web_ui_port": 0}}`)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	c, err := d.bootCycle(ctx)
	if err != nil {
		t.Fatalf("bootCycle() failed: %v", err)
	}
	if c.result.Exit != controller.ExitCanceled {
		t.Fatalf("exit = %v, want canceled", c.result.Exit)
	}

	blob, err := storage.Open(d.cfg.Storage.Backend, d.dataDir, "")
	if err != nil {
		t.Fatal(err)
	}
	defer blob.Close()
	if ok, _ := blob.Exists(DeviceIDName); !ok {
		t.Error("device id was not persisted")
	}
}

func TestBootCycleBootstrapsSettingsDocument(t *testing.T) {
	d := newTestDevice(t, "")
	d.cfg.Sensors.Driver = "bogus"

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// Unprovisioned devices use the default port 80, which a test may not be
	// able to bind; the cycle must still run.
	if _, err := d.bootCycle(ctx); err != nil {
		t.Fatalf("bootCycle() failed: %v", err)
	}

	blob, err := storage.Open(d.cfg.Storage.Backend, d.dataDir, "")
	if err != nil {
		t.Fatal(err)
	}
	defer blob.Close()
	if ok, _ := blob.Exists(settings.DocumentName); !ok {
		t.Error("defaults were not written on first boot")
	}
}

func TestSleepHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sleep(ctx, time.Hour) {
		t.Fatal("sleep should report cancellation")
	}
	if !sleep(context.Background(), time.Millisecond) {
		t.Fatal("short sleep should complete")
	}
}
