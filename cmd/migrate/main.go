package main

import (
	"errors"
	"flag"
	"log"

	"github.com/golang-migrate/migrate/v4"
	"go.uber.org/zap"

	"github.com/rl1809/inventory-replenishment/internal/config"
	"github.com/rl1809/inventory-replenishment/internal/logger"
	"github.com/rl1809/inventory-replenishment/migrations"
)

func main() {
	action := flag.String("action", "up", "Migration action: up, down, or version")
	steps := flag.Int("steps", 0, "Number of migrations to roll back (for down)")
	flag.Parse()

	cfg, err := config.Load("inventory-migrate")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	zl, err := logger.New(logger.Config{Level: cfg.Log.Level, Environment: cfg.Server.Env, ServiceName: "inventory-migrate"})
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer zl.Sync()

	m, err := migrations.New(cfg.MySQL.DSN)
	if err != nil {
		zl.Fatal("create migrator", zap.Error(err))
	}
	defer m.Close()

	switch *action {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			zl.Fatal("migration up failed", zap.Error(err))
		}
		zl.Info("migrations applied")
	case "down":
		if *steps > 0 {
			err = m.Steps(-*steps)
		} else {
			err = m.Down()
		}
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			zl.Fatal("migration down failed", zap.Error(err))
		}
		zl.Info("migrations rolled back", zap.Int("steps", *steps))
	case "version":
		version, dirty, err := m.Version()
		if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
			zl.Fatal("read version failed", zap.Error(err))
		}
		zl.Info("current version", zap.Uint("version", version), zap.Bool("dirty", dirty))
	default:
		zl.Fatal("unknown action, use up, down, or version", zap.String("action", *action))
	}
}
