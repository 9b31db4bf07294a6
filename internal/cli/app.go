package cli

import (
	"fmt"

	"calmirror/internal/caldav"
	"calmirror/internal/credentials"
	appLog "calmirror/internal/log"
	"calmirror/internal/scheduler"
	"calmirror/internal/store"
	"calmirror/internal/syncer"
)

// app is the wired object graph shared by the subcommands.
type app struct {
	db     *store.SQLite
	engine *syncer.Engine
	sched  *scheduler.Scheduler
}

func newApp() (*app, error) {
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	loc, err := cfg.Location()
	if err != nil {
		db.Close()
		return nil, err
	}

	if cfg.Credentials.Passphrase == "" {
		appLog.Warn("credentials.passphrase is empty; stored credentials are only obfuscated")
	}
	vault := credentials.NewVault(db, cfg.Credentials.Passphrase)
	dial := caldav.NewDialer(caldav.Options{
		Endpoint: cfg.CalDAV.Endpoint,
		Timeout:  cfg.CalDAVTimeout(),
	})

	engine := syncer.NewEngine(db, vault, syncer.NewSession(), dial, syncer.Options{
		Location:               loc,
		MaxOccurrencesPerEvent: cfg.Expand.MaxOccurrencesPerEvent,
	})
	sched := scheduler.New(engine, scheduler.Options{
		Interval:    cfg.SyncInterval(),
		AutoConnect: cfg.Sync.AutoConnect,
	})

	return &app{db: db, engine: engine, sched: sched}, nil
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		appLog.Error("failed to close database", err)
	}
}
