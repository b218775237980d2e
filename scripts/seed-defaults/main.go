// Command seed-defaults materializes the shipped default prompt mappings
// into the database as __system_default__ rows. The resolver already falls
// back to the defaults file at runtime, but seeded rows make the defaults
// visible and editable through the mappings API.
//
// Usage:
//
//	UDERIA_DB_PATH=uderia_auth.db go run ./scripts/seed-defaults
//
// Safe to run multiple times — mappings that already exist are left alone,
// so operator edits to seeded rows survive a re-run.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/uderia/uderia/internal/config"
	"github.com/uderia/uderia/internal/model"
	"github.com/uderia/uderia/internal/storage"
	"github.com/uderia/uderia/migrations"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	_ = godotenv.Load()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	dbPath := os.Getenv("UDERIA_DB_PATH")
	if dbPath == "" {
		dbPath = "uderia_auth.db"
	}
	defaultsPath := os.Getenv("UDERIA_DEFAULTS_PATH")
	if defaultsPath == "" {
		defaultsPath = "uderia.json"
	}

	defaults, err := config.LoadDefaults(defaultsPath)
	if err != nil {
		return err
	}

	db, err := storage.Open(ctx, dbPath, slog.Default())
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return err
	}

	seeded, kept := 0, 0
	for category, subs := range defaults.DefaultPromptMappings {
		for subcategory, promptName := range subs {
			_, err := db.GetMapping(ctx, model.SystemDefaultProfileID, category, subcategory)
			if err == nil {
				kept++
				continue
			}
			if !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("check mapping %s/%s: %w", category, subcategory, err)
			}
			if _, err := db.SetMapping(ctx, model.PromptMapping{
				ProfileID:   model.SystemDefaultProfileID,
				Category:    category,
				Subcategory: subcategory,
				PromptName:  promptName,
			}); err != nil {
				return fmt.Errorf("seed mapping %s/%s: %w", category, subcategory, err)
			}
			fmt.Printf("seeded %s/%s -> %s\n", category, subcategory, promptName)
			seeded++
		}
	}

	fmt.Printf("done: %d seeded, %d already present\n", seeded, kept)
	return nil
}
