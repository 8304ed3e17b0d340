// 包 migrate：基于 golang-migrate 执行内嵌 SQL 迁移；服务启动（MIGRATE_ON_START）与 cmd/migrate 共用
package migrate

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"nijasafe/internal/logger"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// ErrNoChange：已处于目标版本
var ErrNoChange = migrate.ErrNoChange

// Source：内嵌迁移文件的源驱动
func Source() (source.Driver, error) {
	d, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("migrate source: %w", err)
	}
	return d, nil
}

// Run：按方向执行迁移；direction 只接受 up/down；已是最新时返回 nil
func Run(dsn, direction string) error {
	if strings.TrimSpace(dsn) == "" {
		return errors.New("postgres DSN is empty; set DATABASE_URL or PG_*")
	}
	if direction != "up" && direction != "down" {
		return fmt.Errorf("direction must be up or down, got %q", direction)
	}

	src, err := Source()
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if direction == "up" {
		err = m.Up()
	} else {
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: %w", direction, err)
	}
	v, dirty, verr := m.Version()
	if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
		return fmt.Errorf("migrate version: %w", verr)
	}
	logger.L().Info("migrate_done", "direction", direction, "version", v, "dirty", dirty, "changed", err == nil)
	return nil
}
