// genkey mints a Hiveboard API key and stores it in the configured backend.
//
// Usage (run from the repo root):
//
//	go run ./scripts/genkey -tenant <uuid> [-perm live|test|ro] [-label ci]
//
// The raw key is printed exactly once; only its Argon2id hash is stored. The
// backend is selected the same way the server selects it: DATABASE_URL picks
// postgres, otherwise HIVEBOARD_SQLITE_PATH (default hiveboard.db). Unknown
// tenants are created on the fly, so this also bootstraps a fresh database.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/jcolano/hiveboard/internal/auth"
	"github.com/jcolano/hiveboard/internal/config"
	"github.com/jcolano/hiveboard/internal/model"
	"github.com/jcolano/hiveboard/internal/storage"
	"github.com/jcolano/hiveboard/internal/storage/postgres"
	"github.com/jcolano/hiveboard/internal/storage/sqlite"
)

func main() {
	tenantFlag := flag.String("tenant", "", "tenant UUID (required)")
	permFlag := flag.String("perm", "live", "key permission: live, test, or ro")
	labelFlag := flag.String("label", "", "optional human-readable label")
	nameFlag := flag.String("tenant-name", "", "tenant name when creating a new tenant")
	flag.Parse()

	if *tenantFlag == "" {
		fmt.Fprintln(os.Stderr, "error: -tenant is required")
		flag.Usage()
		os.Exit(1)
	}
	tenantID, err := uuid.Parse(*tenantFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: -tenant must be a UUID: %v\n", err)
		os.Exit(1)
	}

	var perm model.Permission
	switch *permFlag {
	case "live":
		perm = model.PermReadWriteLive
	case "test":
		perm = model.PermReadWriteTest
	case "ro":
		perm = model.PermReadOnly
	default:
		fmt.Fprintf(os.Stderr, "error: -perm must be live, test, or ro (got %q)\n", *permFlag)
		os.Exit(1)
	}

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var store storage.Store
	switch cfg.Backend {
	case config.BackendPostgres:
		store, err = postgres.Open(ctx, cfg.DatabaseURL, logger)
	default:
		store, err = sqlite.Open(ctx, cfg.SQLitePath, logger)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: open storage: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	name := *nameFlag
	if name == "" {
		name = tenantID.String()
	}
	tenant := model.Tenant{ID: tenantID, Name: name, CreatedAt: time.Now().UTC()}
	if err := store.CreateTenant(ctx, tenant); err != nil && !errors.Is(err, storage.ErrConflict) {
		fmt.Fprintf(os.Stderr, "error: create tenant: %v\n", err)
		os.Exit(1)
	}

	raw, key, err := auth.NewKey(tenantID, perm, *labelFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: generate key: %v\n", err)
		os.Exit(1)
	}
	if err := store.CreateAPIKey(ctx, key); err != nil {
		fmt.Fprintf(os.Stderr, "error: store key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("tenant:     %s\n", tenantID)
	fmt.Printf("permission: %s\n", perm)
	fmt.Printf("prefix:     %s\n", key.Prefix)
	fmt.Printf("api key:    %s\n", raw)
	fmt.Println("Store this key now. It cannot be recovered later.")
}
