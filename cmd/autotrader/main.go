package main

import (
	"flag"
	"fmt"
	"os"

	"autotrader/internal/bootstrap"

	"github.com/joho/godotenv"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/autotrader.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("autotrader version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Secrets referenced from the config file via ${VAR} expansion
	if err := godotenv.Load(); err == nil {
		fmt.Println("Loaded environment from .env")
	}

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}

	app.Logger.Info("Starting autotrader",
		"version", version,
		"config", *configPath)

	if err := app.Run(); err != nil {
		app.Logger.Error("Engine stopped with error", "error", err)
		os.Exit(1)
	}
	app.Logger.Info("Engine stopped")
}
