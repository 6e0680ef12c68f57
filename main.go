package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dbpulse/dbpulse-agent/internal/agent"
	"github.com/dbpulse/dbpulse-agent/internal/config"
	"github.com/dbpulse/dbpulse-agent/internal/logger"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (default: auto-detect)")
	replayFile := flag.String("replay", "", "Replay a recorded session store instead of connecting")
	daemon := flag.Bool("daemon", false, "Run as a recording daemon")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("dbpulse agent\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Build Time: %s\n", buildTime)
		fmt.Printf("Git Commit: %s\n", gitCommit)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Flags override the file so one config can serve both modes.
	if *replayFile != "" {
		cfg.Replay.File = *replayFile
	}
	if *daemon {
		cfg.Daemon = true
		if err := config.Validate(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
			os.Exit(1)
		}
	}

	if err := logger.Initialize(cfg.GetLogLevel(), cfg.Logging.UseFileLog, cfg.Logging.FilePath); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	logger.Info("dbpulse agent v%s (built %s, commit %s)", version, buildTime, gitCommit)

	ag := agent.New(cfg)
	if err := ag.Run(); err != nil {
		logger.Fatal("Agent failed: %v", err)
	}
	logger.Info("Agent shutdown complete")
}
