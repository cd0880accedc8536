package main

import (
	"context"
	"log"
	"os"

	"github.com/safar/go-sql-marketplace/internal/config"
	"github.com/safar/go-sql-marketplace/internal/database"
	"github.com/safar/go-sql-marketplace/migrations"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatal("Usage: go run scripts/run_migrations.go [up|down|status|version] [args...]")
	}

	command := os.Args[1]
	switch command {
	case "up", "down", "status", "version", "up-to", "down-to", "redo":
	default:
		log.Fatalf("Unknown command %q", command)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}

	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		log.Fatalf("Connect to database: %v", err)
	}
	defer db.Close()

	if err := database.Migrate(context.Background(), db, migrations.FS, command, os.Args[2:]...); err != nil {
		log.Fatalf("Migration %s failed: %v", command, err)
	}

	log.Printf("Migration %s completed", command)
}
