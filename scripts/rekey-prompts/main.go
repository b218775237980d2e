// Command rekey-prompts re-encrypts every encrypted prompt under a new
// license key. Run this after activating a license: factory prompts ship
// encrypted under the bootstrap key, and this migrates them (plus their
// version history) to the install's tier key so the bootstrap key can be
// retired.
//
// Usage:
//
//	UDERIA_LICENSE_SIGNATURE=... UDERIA_LICENSE_TIER=enterprise \
//	  go run ./scripts/rekey-prompts
//
// The old key is the bootstrap key derived from UDERIA_LICENSE_PUBLIC_KEY
// unless UDERIA_OLD_LICENSE_SIGNATURE is set, in which case the old tier key
// is derived from it and UDERIA_OLD_LICENSE_TIER.
//
// Safe to run multiple times — rows already unreadable under the old key are
// skipped, so once everything is rekeyed it reports 0 updates.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/uderia/uderia/internal/license"
	"github.com/uderia/uderia/internal/model"
	"github.com/uderia/uderia/internal/promptcrypt"
	"github.com/uderia/uderia/internal/storage"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	_ = godotenv.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	oldKey, err := oldPromptKey()
	if err != nil {
		return err
	}

	signature := os.Getenv("UDERIA_LICENSE_SIGNATURE")
	tier := os.Getenv("UDERIA_LICENSE_TIER")
	if signature == "" || tier == "" {
		return fmt.Errorf("UDERIA_LICENSE_SIGNATURE and UDERIA_LICENSE_TIER are required")
	}
	newKey, err := license.DeriveTierKey(signature, model.LicenseTier(tier))
	if err != nil {
		return fmt.Errorf("derive new key: %w", err)
	}

	dbPath := os.Getenv("UDERIA_DB_PATH")
	if dbPath == "" {
		dbPath = "uderia_auth.db"
	}
	db, err := storage.Open(ctx, dbPath, slog.Default())
	if err != nil {
		return err
	}
	defer db.Close()

	handle := db.SQL()

	rekeyed, skipped := 0, 0
	for _, table := range []struct {
		name, keyCol string
	}{
		{"prompts", "name"},
		{"prompt_versions", "id"},
	} {
		rows, err := handle.QueryContext(ctx,
			fmt.Sprintf(`SELECT %s, content FROM %s WHERE encrypted = 1`, table.keyCol, table.name))
		if err != nil {
			return fmt.Errorf("query %s: %w", table.name, err)
		}

		type rekeyRow struct {
			key     any
			content string
		}
		var pending []rekeyRow
		for rows.Next() {
			var r rekeyRow
			if err := rows.Scan(&r.key, &r.content); err != nil {
				rows.Close()
				return fmt.Errorf("scan %s: %w", table.name, err)
			}
			pending = append(pending, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows %s: %w", table.name, err)
		}

		for _, r := range pending {
			plaintext, err := promptcrypt.Decrypt(r.content, oldKey)
			if err != nil {
				// Already rekeyed, or encrypted under some third key.
				skipped++
				continue
			}
			ciphertext, err := promptcrypt.Encrypt(plaintext, newKey)
			if err != nil {
				return fmt.Errorf("encrypt %s row %v: %w", table.name, r.key, err)
			}
			if _, err := handle.ExecContext(ctx,
				fmt.Sprintf(`UPDATE %s SET content = ? WHERE %s = ?`, table.name, table.keyCol),
				ciphertext, r.key); err != nil {
				return fmt.Errorf("update %s row %v: %w", table.name, r.key, err)
			}
			rekeyed++
		}
	}

	fmt.Printf("rekeyed %d rows, skipped %d already unreadable under the old key\n", rekeyed, skipped)
	return nil
}

func oldPromptKey() ([]byte, error) {
	if sig := os.Getenv("UDERIA_OLD_LICENSE_SIGNATURE"); sig != "" {
		tier := os.Getenv("UDERIA_OLD_LICENSE_TIER")
		key, err := license.DeriveTierKey(sig, model.LicenseTier(tier))
		if err != nil {
			return nil, fmt.Errorf("derive old key: %w", err)
		}
		return key, nil
	}

	pubPath := os.Getenv("UDERIA_LICENSE_PUBLIC_KEY")
	if pubPath == "" {
		pubPath = "license_public.pem"
	}
	key, err := license.DeriveBootstrapKey(pubPath)
	if err != nil {
		return nil, fmt.Errorf("derive old key: %w", err)
	}
	return key, nil
}
