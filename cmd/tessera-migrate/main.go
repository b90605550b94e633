// Command tessera-migrate manages the Postgres directory schema.
//
// Usage:
//
//	tessera-migrate -dsn postgres://... up
//	tessera-migrate -dsn postgres://... down
//	tessera-migrate -dsn postgres://... version
//	tessera-migrate -dsn postgres://... force <version>
//
// The DSN may also be supplied via the DATABASE_URL environment variable.
// "down" rolls back a single migration, not the whole schema.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/tessera-id/tessera/directory/postgres"
)

func main() {
	dsn := flag.String("dsn", "", "postgres DSN; falls back to DATABASE_URL")
	flag.Parse()

	target := *dsn
	if target == "" {
		target = os.Getenv("DATABASE_URL")
	}
	if target == "" {
		fail("a postgres DSN is required (-dsn or DATABASE_URL)")
	}
	if flag.NArg() < 1 {
		fail("missing command: up, down, version, or force")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := postgres.Open(ctx, target)
	if err != nil {
		fail("connect: %v", err)
	}
	defer store.Close()
	db := store.DB()

	switch cmd := flag.Arg(0); cmd {
	case "up":
		if err := postgres.Migrate(db); err != nil {
			fail("migrate up: %v", err)
		}
		fmt.Println("schema is up to date")

	case "down":
		if err := postgres.MigrateDown(db); err != nil {
			fail("migrate down: %v", err)
		}
		fmt.Println("rolled back one migration")

	case "version":
		version, applied, err := postgres.SchemaVersion(db)
		if err != nil {
			fail("version: %v", err)
		}
		if !applied {
			fmt.Println("no migrations applied")
			return
		}
		fmt.Printf("schema version %d\n", version)

	case "force":
		if flag.NArg() < 2 {
			fail("force requires a version argument")
		}
		version, err := strconv.Atoi(flag.Arg(1))
		if err != nil {
			fail("force: %q is not a version number", flag.Arg(1))
		}
		if err := postgres.ForceSchemaVersion(db, version); err != nil {
			fail("force: %v", err)
		}
		fmt.Printf("schema version forced to %d\n", version)

	default:
		fail("unknown command %q: want up, down, version, or force", cmd)
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(2)
}
