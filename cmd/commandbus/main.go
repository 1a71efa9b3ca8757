// Package main is the entrypoint for a commandbus node.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/commandbus/internal/config"
	"github.com/morezero/commandbus/internal/server"
	"github.com/morezero/commandbus/pkg/db"
)

const usage = `Usage: commandbus [command]
       commandbus serve              Start the node (NATS gateway, message bus, HTTP health).
       commandbus migrate up         Apply pending dispatch journal migrations.
       commandbus migrate status     Show applied and pending migrations.
       commandbus migrate down       Not supported; migrations are forward-only.
       commandbus ensure-db [name]   Create the database if missing (default name: commandbus_test).
       commandbus clear              Truncate the dispatch journal; schema is preserved.
       commandbus help               Show this message.

Environment: COMMS_URL, DISPATCH_SUBJECT, DATABASE_URL (journal and DB commands), MIGRATION_PATH,
REDIS_URL, BUS_ROUTES_FILE, HTTP_PORT, LOG_LEVEL. See README.
`

const defaultEnsureDB = "commandbus_test"

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("commandbus migrate: require subcommand (up, down, status)")
		}
		var err error
		switch sub := args[1]; sub {
		case "up":
			err = withPool(runMigrateUp)
		case "status":
			err = withPool(runMigrateStatus)
		case "down":
			err = db.MigrationDown(os.Stdout)
		default:
			log.Fatalf("commandbus migrate: unknown subcommand %q (use up, down, status)", sub)
		}
		if err != nil {
			log.Fatalf("commandbus migrate %s: %v", args[1], err)
		}
		return
	case "clear":
		if err := withPool(runClear); err != nil {
			log.Fatalf("commandbus clear: %v", err)
		}
		return
	case "ensure-db":
		name := defaultEnsureDB
		if len(args) > 1 && args[1] != "" {
			name = args[1]
		}
		if err := runEnsureDB(name); err != nil {
			log.Fatalf("commandbus ensure-db: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("commandbus: %v", err)
	}
}

// withPool loads config, connects to DATABASE_URL and runs fn.
func withPool(fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.WithMaxConns(cfg.DBMaxConns), db.WithApplicationName(cfg.COMMSName+"-cli"))
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	return fn(ctx, cfg, pool)
}

func runMigrateUp(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
	migrations, err := db.LoadMigrations(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	return db.RunMigrations(ctx, pool, migrations)
}

func runMigrateStatus(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
	return db.MigrationStatus(ctx, pool, cfg.MigrationPath, os.Stdout)
}

func runClear(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
	return db.ClearJournal(ctx, pool)
}

func runEnsureDB(name string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	target, err := db.WithDatabaseName(cfg.DatabaseURL, name)
	if err != nil {
		return err
	}
	created, err := db.EnsureDatabase(context.Background(), target)
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("Database %q created.\n", name)
	} else {
		fmt.Printf("Database %q already exists.\n", name)
	}
	return nil
}
