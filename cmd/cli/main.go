package main

import (
	"io/fs"
	"os"
	"strings"

	"github.com/nimasrn/campaign-gateway/internal/config"
	"github.com/nimasrn/campaign-gateway/migrations"
	"github.com/nimasrn/campaign-gateway/pkg/logger"
	"github.com/nimasrn/campaign-gateway/pkg/pg"
)

// main.go [migrate|status] [--env=.env] [--dir=./migrations]
func main() {
	defer logger.Sync()

	err := config.Load(getEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	pgConf := config.Get().PostgresWrite()

	fsys, dir := getMigrationSource()
	switch getCommand() {
	case "status":
		err = pg.MigrationStatus(pgConf, fsys, dir)
	case "migrate":
		err = pg.Migrate(pgConf, fsys, dir)
	default:
		logger.Error("unknown command, expected migrate or status", "command", getCommand())
		os.Exit(2)
	}
	if err != nil {
		logger.Error("migration: error running migrations", "error", err)
		os.Exit(1)
	}
}

func getCommand() string {
	for _, v := range os.Args[1:] {
		if !strings.HasPrefix(v, "--") {
			return v
		}
	}
	return "migrate"
}

func getEnvPath() string {
	for _, v := range os.Args {
		if strings.Contains(v, "--env=") {
			s := strings.Split(v, "=")
			if _, err := os.Open(s[1]); err != nil {
				logger.Error("failed to open the passed env file, got error" + err.Error())
				return ""
			}
			return s[1]
		}
	}
	if _, err := os.Stat(".env"); err != nil {
		return ""
	}
	return ".env"
}

// getMigrationSource prefers an on-disk --dir and falls back to the
// migrations compiled into the binary.
func getMigrationSource() (fs.FS, string) {
	for _, v := range os.Args {
		if strings.Contains(v, "--dir=") {
			s := strings.Split(v, "=")
			if _, err := os.Stat(s[1]); err != nil {
				logger.Error("failed to open the passed migration dir, got error" + err.Error())
				break
			}
			return nil, s[1]
		}
	}
	return migrations.FS, migrations.Dir
}
