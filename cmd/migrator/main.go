// Command migrator applies or rolls back the config-store schema
// (config_entries, camera_configs) against the configured Postgres database.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

func main() {
	upCmd := flag.Bool("up", false, "Run all up migrations")
	downCmd := flag.Bool("down", false, "Rollback all migrations")
	stepsCmd := flag.Int("steps", 0, "Run +/- steps")
	flag.Parse()

	host := getEnv("DB_HOST", "localhost")
	port := getEnv("DB_PORT", "5432")
	user := os.Getenv("DB_USER")
	password := os.Getenv("DB_PASSWORD")
	dbname := os.Getenv("DB_NAME")
	sslmode := getEnv("DB_SSLMODE", "disable")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, dbname, sslmode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("failed to ping database: %v", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.Fatalf("failed to create migrate driver: %v", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://db/migrations", "postgres", driver)
	if err != nil {
		log.Fatalf("failed to initialize migrate: %v", err)
	}

	start := time.Now()
	switch {
	case *upCmd:
		log.Println("running up migrations...")
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("migration up failed: %v", err)
		}
		log.Println("migration up completed")
	case *downCmd:
		log.Println("running down migrations...")
		if err := m.Down(); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("migration down failed: %v", err)
		}
		log.Println("migration down completed")
	case *stepsCmd != 0:
		log.Printf("running %d steps...\n", *stepsCmd)
		if err := m.Steps(*stepsCmd); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("migration steps failed: %v", err)
		}
		log.Println("migration steps completed")
	default:
		log.Println("no command specified, use -up, -down, or -steps")
		version, dirty, err := m.Version()
		if err != nil {
			log.Println("no version found (empty db?)")
		} else {
			log.Printf("current version: %d, dirty: %v\n", version, dirty)
		}
	}
	log.Printf("duration: %v", time.Since(start))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
