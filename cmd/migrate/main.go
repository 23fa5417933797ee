package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/freekieb7/stockroom/internal/config"
	"github.com/freekieb7/stockroom/internal/database/migrations"
	"github.com/freekieb7/stockroom/internal/logger"
)

func main() {
	var (
		command = flag.String("command", "", "Migration command: up, down, version, force")
		steps   = flag.Int("steps", 0, "Number of migration steps (for up/down)")
		version = flag.Int("version", 0, "Migration version (for force)")
	)
	flag.Parse()

	if *command == "" {
		fmt.Println("Usage: go run ./cmd/migrate -command [up|down|version|force] [options]")
		fmt.Println("Commands:")
		fmt.Println("  up             - Apply pending migrations")
		fmt.Println("  down           - Roll back migrations, one step by default")
		fmt.Println("  version        - Show current migration version")
		fmt.Println("  force          - Force set migration version")
		fmt.Println("")
		fmt.Println("Options:")
		fmt.Println("  -steps N       - Number of steps for up/down")
		fmt.Println("  -version N     - Version number for force")
		os.Exit(1)
	}

	if err := run(*command, *steps, *version); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(command string, steps, version int) error {
	cfg := config.NewConfig()
	log := logger.New(*cfg, os.Stdout)

	migrator, err := migrations.NewMigrator(log, cfg.Database.MigrationURL())
	if err != nil {
		return err
	}
	defer func() {
		if err := migrator.Close(); err != nil {
			log.Warn("Failed to close migrator", "error", err)
		}
	}()

	switch command {
	case "up":
		return migrator.Up(steps)
	case "down":
		return migrator.Down(steps)
	case "version":
		status, err := migrator.Status()
		if err != nil {
			return err
		}
		if !status.Initialized {
			fmt.Println("No migrations applied")
			return nil
		}
		fmt.Printf("Current version: %d\n", status.Version)
		if status.Dirty {
			fmt.Println("Database is in dirty state")
		} else {
			fmt.Println("Database is clean")
		}
		return nil
	case "force":
		if version == 0 {
			return fmt.Errorf("version number required for force command")
		}
		return migrator.Force(version)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}
