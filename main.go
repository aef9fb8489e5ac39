package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/kardianos/service"

	"github.com/sidoh/esp8266-thermometer/discovery"
	"github.com/sidoh/esp8266-thermometer/logger"
	"github.com/sidoh/esp8266-thermometer/util"
)

// Build information, set via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "config.toml", "Configuration file path")
	generateConfig := flag.Bool("generate-config", false, "Generate default config file and exit")
	serviceCmd := flag.String("service", "", "Service control: install, uninstall, start, stop, status, run")
	showVersion := flag.Bool("version", false, "Show version information and exit")
	discover := flag.Duration("discover", 0, "Browse the local network for thermometers for the given duration and exit")
	quiet := flag.Bool("quiet", false, "Suppress informational output (errors/warnings still shown)")
	flag.BoolVar(quiet, "q", false, "Shorthand for --quiet")
	silent := flag.Bool("silent", false, "Suppress ALL output (complete silence)")
	flag.BoolVar(silent, "s", false, "Shorthand for --silent")
	flag.Parse()

	if *silent {
		util.SetSilentMode(true)
	} else {
		util.SetQuietMode(*quiet)
	}

	if *showVersion {
		fmt.Printf("Thermometer %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		fmt.Printf("Git Commit: %s\n", GitCommit)
		fmt.Printf("Go Version: %s\n", runtime.Version())
		fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		return
	}

	if *generateConfig {
		if err := WriteDefaultThermometerConfig(*configPath); err != nil {
			util.ShowError(fmt.Sprintf("Failed to generate config: %v", err))
			os.Exit(1)
		}
		util.ShowSuccess(fmt.Sprintf("Generated default configuration at %s", *configPath))
		return
	}

	if *discover > 0 {
		if err := runDiscover(*discover); err != nil {
			util.ShowError(fmt.Sprintf("Discovery failed: %v", err))
			os.Exit(1)
		}
		return
	}

	if *serviceCmd != "" {
		if err := handleServiceCommand(*serviceCmd, *configPath); err != nil {
			util.ShowError(err.Error())
			os.Exit(1)
		}
		return
	}

	if !service.Interactive() {
		if err := handleServiceCommand("run", *configPath); err != nil {
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runInteractive(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Thermometer failed: %v\n", err)
		os.Exit(1)
	}
}

func runDiscover(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	peers, err := discovery.Browse(ctx, logger.New(logger.WARN, "", 10))
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		util.ShowWarning("No thermometers found")
		return nil
	}
	for _, p := range peers {
		addrs := make([]string, 0, len(p.Addrs))
		for _, a := range p.Addrs {
			addrs = append(addrs, a.String())
		}
		fmt.Printf("%s\t%s:%d\t%s\t%s\n", p.Instance, p.Host, p.Port, strings.Join(addrs, ","), strings.Join(p.Text, " "))
	}
	return nil
}
