package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/lwhitby/sift/internal"
	"github.com/lwhitby/sift/pkg/logger"
	"github.com/mitchellh/go-homedir"
)

var log = logger.Get("Main")

// main loads the user configuration, constructs Sift, and runs it until
// an interrupt/termination signal arrives. Startup failures (database or
// broker unreachable, invalid processor graph) exit non-zero.
func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to the YAML configuration file")
	verbosity := flag.Int("verbosity", logger.INFO.Level(), "minimum logging level (0=verbose .. 9=fatal)")
	flag.Parse()

	logger.SetMinLoggingLevel(*verbosity)

	config := internal.SiftConfig{}
	if err := config.LoadFromFile(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := internal.New(config).Run(ctx); err != nil {
		log.Errorf("Sift exited with error: %v\n", err)
		os.Exit(1)
	}

	log.Infof("Sift shut down cleanly\n")
}

func defaultConfigPath() string {
	home, err := homedir.Dir()
	if err != nil {
		return "./config.yaml"
	}

	return filepath.Join(home, ".config", "sift", "config.yaml")
}
