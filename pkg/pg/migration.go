package pg

import (
	"fmt"
	"io/fs"

	_ "github.com/lib/pq"
	"github.com/nimasrn/campaign-gateway/pkg/logger"
	"github.com/pressly/goose/v3"
)

// Migrate applies every pending migration found in dir of fsys.
// A nil fsys reads dir from the local filesystem.
func Migrate(cfg Config, fsys fs.FS, dir string) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	goose.SetBaseFS(fsys)
	defer goose.SetBaseFS(nil)

	db, err := newSqlConnection(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err = goose.Up(db, dir); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	logger.Info("migrations applied", "dir", dir)
	return nil
}

// MigrationStatus logs the state of every migration.
func MigrationStatus(cfg Config, fsys fs.FS, dir string) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	goose.SetBaseFS(fsys)
	defer goose.SetBaseFS(nil)

	db, err := newSqlConnection(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	return goose.Status(db, dir)
}
