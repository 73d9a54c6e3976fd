// Command migrate applies or rolls back the bulkmail schema, following
// the teacher pack's migration-CLI pattern (btouchard-ackify-ce/backend/cmd/migrate).
package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

func main() {
	dbDSN := flag.String("db-dsn", os.Getenv("DATABASE_URL"), "Postgres DSN")
	migrationsPath := flag.String("migrations-path", "file://internal/store/postgres/migrations", "Path to migrations directory")
	flag.Parse()

	if *dbDSN == "" {
		log.Fatal("DATABASE_URL environment variable or -db-dsn flag is required")
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	command := args[0]

	db, err := sql.Open("postgres", *dbDSN)
	if err != nil {
		log.Fatal("cannot connect to database: ", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.Fatal("cannot create database driver: ", err)
	}

	m, err := migrate.NewWithDatabaseInstance(*migrationsPath, "postgres", driver)
	if err != nil {
		log.Fatal("cannot create migrator: ", err)
	}

	switch command {
	case "up":
		err = m.Up()
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatal("migration up failed: ", err)
		}
		fmt.Println("bulkmail migrations applied")
	case "down":
		steps := 1
		if len(args) > 1 {
			fmt.Sscanf(args[1], "%d", &steps)
		}
		err = m.Steps(-steps)
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatal("migration down failed: ", err)
		}
		fmt.Printf("bulkmail migrations rolled back %d step(s)\n", steps)
	case "version":
		v, dirty, err := m.Version()
		if err != nil {
			log.Fatal("cannot read version: ", err)
		}
		fmt.Printf("version=%d dirty=%t\n", v, dirty)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("usage: migrate [-db-dsn DSN] [-migrations-path PATH] <up|down [steps]|version>")
}
