package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"syscall"

	"github.com/atlas-command/edge-agent/internal/agent"
	"github.com/atlas-command/edge-agent/internal/config"
	"github.com/atlas-command/edge-agent/internal/logger"
)

// version is stamped at build time; the default marks a dev build.
var version = "dev"

var (
	// Command-line flags
	configDir   = flag.String("config", "", "Directory containing config.yaml (default: working directory)")
	logLevel    = flag.String("log-level", "", "Override the configured log level")
	logColor    = flag.Bool("log-color", true, "Enable colored log output")
	pprofAddr   = flag.String("pprof", "", "pprof server address (empty: disabled)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	levelName := cfg.LogLevel
	if *logLevel != "" {
		levelName = *logLevel
	}
	level, err := logger.ParseLevel(levelName)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, *logColor)

	logger.Info("main", "edge agent %s starting", version)
	logger.Info("main", "camera %s (%s %dx%d @ %dfps), detector %s, backend %s",
		cfg.Camera.Name, cfg.Camera.Type, cfg.Camera.Width, cfg.Camera.Height,
		cfg.Camera.FPS, cfg.Detector.Type, cfg.Atlas.URL)

	if *pprofAddr != "" {
		go func() {
			logger.Info("main", "pprof server on %s", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				logger.Error("main", "pprof server: %v", err)
			}
		}()
	}

	a, err := agent.New(cfg, version)
	if err != nil {
		logger.Fatal("main", "failed to build pipeline: %v", err)
	}

	if err := a.Start(); err != nil {
		logger.Fatal("main", "failed to start pipeline: %v", err)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info("main", "received %s, shutting down", sig)

	if err := a.Shutdown(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	logger.Info("main", "agent stopped")
}
