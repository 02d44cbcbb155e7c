package main

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"sentinel-overwatch/db"
	"sentinel-overwatch/pkg/config"
	"sentinel-overwatch/pkg/logger"
	"sentinel-overwatch/pkg/record"
	"sentinel-overwatch/pkg/shared"
)

// app holds what every command needs: settings, the local store and
// the system of record client.
type app struct {
	cfg    *config.Client
	log    *zap.Logger
	db     *db.Service
	store  *db.Store
	record *record.Client
}

func openApp() (*app, error) {
	cfg, err := config.LoadClient(v)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat, "overwatch-cli")
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	dbConfig := db.DefaultConfig()
	dbConfig.DBPath = cfg.DBPath
	dbService, err := db.New(dbConfig, log)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, db: dbService, store: db.NewStore(dbService)}
	a.record = record.NewClient(record.Options{
		BaseURL: cfg.APIBaseURL,
		Token:   a.token,
		OnAuthExpired: func() {
			if err := a.store.ClearToken(); err != nil {
				a.log.Warn("Failed to clear expired token", zap.Error(err))
			}
		},
	}, log)
	return a, nil
}

// token prefers the stored credential over the configured one.
func (a *app) token() string {
	if t, err := a.store.Token(); err == nil && t != "" {
		return t
	}
	return a.cfg.Token
}

func (a *app) close() {
	a.db.Close()
	a.log.Sync()
}

func withApp(fn func(a *app) error) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	err = fn(a)
	if errors.Is(err, shared.ErrAuthExpired) {
		return fmt.Errorf("%w: sign in again with 'overwatch auth login'", err)
	}
	return err
}
