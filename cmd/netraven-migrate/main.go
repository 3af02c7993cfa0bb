package main

import (
	"flag"
	"log"
	"os"

	"github.com/netraven/netraven/pkg/storage/pgstore"
)

func main() {
	dsn := flag.String("dsn", os.Getenv("STORAGE_PG_DSN"), "PostgreSQL connection string")
	status := flag.Bool("status", false, "Print migration status instead of applying pending migrations")
	flag.Parse()

	log.SetFlags(0)

	if *dsn == "" {
		log.Fatal("netraven-migrate: -dsn (or STORAGE_PG_DSN) is required")
	}

	if *status {
		if err := pgstore.MigrationStatus(*dsn); err != nil {
			log.Fatalf("netraven-migrate: status: %v", err)
		}
		return
	}

	if err := pgstore.Migrate(*dsn); err != nil {
		log.Fatalf("netraven-migrate: %v", err)
	}
	log.Println("netraven-migrate: all migrations applied")
}
