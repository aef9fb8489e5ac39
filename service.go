package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/kardianos/service"

	"github.com/sidoh/esp8266-thermometer/util"
)

// program implements service.Interface
type program struct {
	configPath string
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	svcLogger  service.Logger
}

func (p *program) Start(s service.Service) error {
	p.svcLogger, _ = s.Logger(nil)
	if p.svcLogger != nil {
		p.svcLogger.Info("Thermometer service starting")
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan struct{})

	go p.run()
	return nil
}

func (p *program) run() {
	defer close(p.done)

	if err := runInteractive(p.ctx, p.configPath); err != nil && p.svcLogger != nil {
		p.svcLogger.Error(fmt.Sprintf("Thermometer stopped: %v", err))
	}

	if p.svcLogger != nil {
		p.svcLogger.Info("Thermometer service stopping")
	}
}

func (p *program) Stop(s service.Service) error {
	if p.svcLogger != nil {
		p.svcLogger.Info("Thermometer service stop requested")
	}

	if p.cancel != nil {
		p.cancel()
	}

	select {
	case <-p.done:
		if p.svcLogger != nil {
			p.svcLogger.Info("Thermometer service stopped gracefully")
		}
	case <-time.After(30 * time.Second):
		if p.svcLogger != nil {
			p.svcLogger.Warning("Thermometer service stopped with timeout")
		}
	}
	return nil
}

// getServiceConfig returns the service configuration for the current platform
func getServiceConfig(configPath string) *service.Config {
	var workingDir string
	switch runtime.GOOS {
	case "windows":
		workingDir = filepath.Join(os.Getenv("ProgramData"), "Thermometer")
	default:
		workingDir = "/var/lib/thermometer"
	}

	args := []string{"--service", "run"}
	if configPath != "" {
		if abs, err := filepath.Abs(configPath); err == nil {
			args = append([]string{"--config", abs}, args...)
		}
	}

	return &service.Config{
		Name:             "Thermometer",
		DisplayName:      "Thermometer",
		Description:      "1-Wire thermometer controller. Publishes sensor readings and serves the device admin API.",
		WorkingDirectory: workingDir,
		Arguments:        args,
		Option: service.KeyValue{
			// Windows service options
			"StartType":              "automatic",
			"OnFailure":              "restart",
			"OnFailureDelayDuration": "5s",
			"OnFailureResetPeriod":   30,

			// Linux systemd options
			"Restart":           "on-failure",
			"RestartSec":        5,
			"SuccessExitStatus": "0 SIGTERM",
			"KillMode":          "mixed",
			"KillSignal":        "SIGTERM",

			// macOS launchd options
			"RunAtLoad": true,
			"KeepAlive": true,
		},
	}
}

// setupServiceDirectories creates necessary directories for service operation
func setupServiceDirectories() error {
	var dirs []string

	switch runtime.GOOS {
	case "windows":
		baseDir := filepath.Join(os.Getenv("ProgramData"), "Thermometer")
		dirs = []string{baseDir, filepath.Join(baseDir, "logs")}
	default:
		dirs = []string{
			"/var/lib/thermometer",
			"/var/log/thermometer",
			"/etc/thermometer",
		}
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// handleServiceCommand processes service install/uninstall/start/stop/run
func handleServiceCommand(cmd, configPath string) error {
	prg := &program{configPath: configPath}
	s, err := service.New(prg, getServiceConfig(configPath))
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	if cmd != "run" {
		util.ShowBanner(Version, GitCommit, BuildTime)
	}

	switch cmd {
	case "install":
		if status, _ := s.Status(); status != service.StatusUnknown {
			util.ShowWarning("Service already exists, removing first...")
			if status == service.StatusRunning {
				_ = s.Stop()
			}
			if err := s.Uninstall(); err != nil {
				return fmt.Errorf("failed to remove existing service: %w", err)
			}
		}
		util.ShowInfo("Setting up directories...")
		if err := setupServiceDirectories(); err != nil {
			return err
		}
		if err := s.Install(); err != nil {
			return fmt.Errorf("failed to install service: %w", err)
		}
		util.ShowSuccess("Service installed")
		util.ShowInfo("Use '--service start' to start the service")
	case "uninstall":
		if err := s.Uninstall(); err != nil {
			return fmt.Errorf("failed to uninstall service: %w", err)
		}
		util.ShowSuccess("Service uninstalled")
	case "start":
		if err := s.Start(); err != nil {
			return fmt.Errorf("failed to start service: %w", err)
		}
		util.ShowSuccess("Service started")
	case "stop":
		util.ShowInfo("Stopping service (may take up to 30 seconds)...")
		if err := s.Stop(); err != nil {
			return fmt.Errorf("failed to stop service: %w", err)
		}
		util.ShowSuccess("Service stopped")
	case "status":
		status, err := s.Status()
		if err != nil && status != service.StatusUnknown {
			return fmt.Errorf("failed to query service: %w", err)
		}
		util.ShowInfo(fmt.Sprintf("Service state: %s", statusText(status)))
	case "run":
		return s.Run()
	default:
		return fmt.Errorf("unknown service command %q (valid: install, uninstall, start, stop, status, run)", cmd)
	}
	return nil
}

func statusText(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "not installed"
	}
}
