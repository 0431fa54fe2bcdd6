// Database migration runner for subsync.
//
//	go run ./cmd/migrate up
//	go run ./cmd/migrate down
//	go run ./cmd/migrate status
package main

import (
	"context"
	"database/sql"
	"os"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/coachdesk/subsync/internal/logging"
)

const migrationsDir = "migrations"

func main() {
	logger := logging.New("info", "text")

	command := "up"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()

	switch command {
	case "up":
		err = goose.UpContext(ctx, db, migrationsDir)
	case "down":
		err = goose.DownContext(ctx, db, migrationsDir)
	case "status":
		err = goose.StatusContext(ctx, db, migrationsDir)
	default:
		logger.Error("unknown command", "command", command)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		os.Exit(1)
	}

	logger.Info("migration complete", "command", command)
}
