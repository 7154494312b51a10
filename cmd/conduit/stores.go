package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/bifrost-vtt/conduit/internal/config"
	"github.com/bifrost-vtt/conduit/internal/host"
	"github.com/bifrost-vtt/conduit/internal/host/memory"
	"github.com/bifrost-vtt/conduit/internal/host/sqlhost"
)

func configFileName() string {
	return config.FileName
}

// loadConfig reads the config file. A missing file is not an error: the
// defaults apply.
func loadConfig(dir string) error {
	err := config.Load(dir)
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return nil
	}
	return err
}

// openHost opens the configured scene store and makes sure a scene is
// active. The returned func releases it.
func openHost(ctx context.Context, cfg config.SceneConfig, bus *host.Bus, version string, log zerolog.Logger) (host.Host, func() error, error) {
	switch cfg.Storage {
	case "", "memory":
		store := memory.New(bus, memory.WithVersion(version))
		scene := store.AddScene(sqlhost.DefaultScene)
		if err := store.Activate(ctx, scene.ID); err != nil {
			return nil, nil, err
		}
		log.Info().Str("scene", scene.Name).Msg("Using in-memory scene")
		return store, func() error { return nil }, nil

	case sqlhost.DriverSQLite, sqlhost.DriverPostgres:
		db, err := sqlhost.Open(sqlhost.Config{
			Driver:     cfg.Storage,
			SQLitePath: cfg.SQLitePath,
			Host:       cfg.DB.Host,
			Port:       cfg.DB.Port,
			Username:   cfg.DB.Username,
			Password:   cfg.DB.Password,
			Database:   cfg.DB.Database,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		store, err := sqlhost.New(db, bus, log, sqlhost.WithVersion(version))
		if err != nil {
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				_ = sqlDB.Close()
			}
			return nil, nil, err
		}
		if _, err := sqlhost.Seed(ctx, store); err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("seed scene: %w", err)
		}
		return store, store.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown scene storage %q", cfg.Storage)
	}
}
