package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"

	logx "cronjobd/pkg/logx"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationTable = "schema_migrations"

var (
	ErrSetDialect      = errors.New("storage: set migration dialect")
	ErrApplyMigrations = errors.New("storage: apply migrations")
)

// goose keeps its settings in package globals.
var migrateMu sync.Mutex

func migrate(ctx context.Context, db *sql.DB, log logx.Logger) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{log})
	goose.SetTableName(migrationTable)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return errors.Join(ErrSetDialect, err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return errors.Join(ErrApplyMigrations, err)
	}
	return nil
}

type gooseLogger struct {
	log logx.Logger
}

func (g gooseLogger) Printf(format string, args ...any) {
	g.log.Debug(fmt.Sprintf(format, args...))
}

// Fatalf only logs; goose returns the error to the caller as well.
func (g gooseLogger) Fatalf(format string, args ...any) {
	g.log.Error(fmt.Sprintf(format, args...))
}
