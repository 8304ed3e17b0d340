// migrate：独立执行内嵌迁移，用法 go run ./cmd/migrate -direction up|down
package main

import (
	"flag"
	"os"

	"nijasafe/internal/config"
	"nijasafe/internal/logger"
	"nijasafe/internal/migrate"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up or down")
	flag.Parse()

	l := logger.Setup()
	cfg, err := config.Load()
	if err != nil {
		l.Error("config_error", "err", err)
		os.Exit(1)
	}
	if err := migrate.Run(cfg.PostgresDSN(), *direction); err != nil {
		l.Error("migrate_error", "direction", *direction, "err", err)
		os.Exit(1)
	}
}
