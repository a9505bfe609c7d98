// Command migrate applies or rolls back the session journal schema without
// starting the broker.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"

	"github.com/rjsadow/tracegate/internal/journal"
)

func main() {
	dbPath := flag.String("db", "tracegate.db", "Path to SQLite journal database")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Println("Usage: migrate [-db path] up|down|version")
		os.Exit(1)
	}

	m, err := journal.NewMigrator(*dbPath)
	if err != nil {
		log.Fatalf("Failed to create migrator: %v", err)
	}
	defer m.Close()

	switch cmd := flag.Arg(0); cmd {
	case "up":
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("Migration failed: %v", err)
		}
		fmt.Println("Journal schema is up to date")
	case "down":
		if err := m.Steps(-1); err != nil {
			log.Fatalf("Rollback failed: %v", err)
		}
		fmt.Println("Rolled back one migration")
	case "version":
		version, dirty, err := m.Version()
		if err != nil && err != migrate.ErrNilVersion {
			log.Fatalf("Failed to read version: %v", err)
		}
		fmt.Printf("version=%d dirty=%v\n", version, dirty)
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		fmt.Println("Usage: migrate [-db path] up|down|version")
		os.Exit(1)
	}
}
