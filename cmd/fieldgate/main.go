// Fieldgate - industrial data acquisition edge service
//
// Maintains long-lived connections to field devices and brokers
// (OPC UA, S7, EtherNet/IP, MQTT/Sparkplug), polls tags, filters
// changes, and publishes telemetry to the event bus.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"fieldgate/config"
	"fieldgate/engine"
	"fieldgate/logging"
)

// Version is set at build time via -ldflags
var Version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	debugFilter := flag.String("log-debug", "", "Enable debug logging, optionally filtered by scope (comma separated)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("fieldgate %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if cfg.LogLevel == "debug" || *debugFilter != "" {
		// The service log owns log_path; debug traces go to a sibling
		// file so the two never interleave.
		path := "fieldgate-debug.log"
		if cfg.LogPath != "" {
			path = cfg.LogPath + ".debug"
		}
		dbg, err := logging.NewDebugLogger(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening debug log: %v\n", err)
			os.Exit(1)
		}
		dbg.SetFilter(*debugFilter)
		logging.SetGlobalDebugLogger(dbg)
		defer dbg.Close()
	}

	eng := engine.New(cfg)
	if err := eng.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting service: %v\n", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	eng.Stop()
}
