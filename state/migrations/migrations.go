package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var embedded embed.FS

// Up applies every pending migration. The tables themselves are created by the state package
// constructors, so migrations only ever alter existing tables.
func Up(db *sql.DB) error {
	goose.SetBaseFS(embedded)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("migrations: set dialect: %w", err)
	}
	goose.SetTableName("anatoplus_goose_db_version")
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("migrations: up: %w", err)
	}
	return nil
}
