// Command dbqueued runs the multi-engine database queue daemon: one Lead
// queue per configured database, tier workers per the configured topology,
// migrations at startup, and the admin HTTP API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/500Foods/Philement-sub001/internal/config"
	"github.com/500Foods/Philement-sub001/internal/dbengine"
	"github.com/500Foods/Philement-sub001/internal/dbengine/db2"
	"github.com/500Foods/Philement-sub001/internal/dbengine/mysql"
	"github.com/500Foods/Philement-sub001/internal/dbengine/postgres"
	"github.com/500Foods/Philement-sub001/internal/dbengine/sqlite"
	"github.com/500Foods/Philement-sub001/internal/dbmigrate"
	"github.com/500Foods/Philement-sub001/internal/dbqueue"
	"github.com/500Foods/Philement-sub001/internal/logger"
	"github.com/500Foods/Philement-sub001/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Global().Errorf("load config: %v", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	log := logger.New(cfg.Logging.LoggerConfig())
	logger.SetGlobal(log)

	registry := dbengine.NewRegistry(log)
	for _, e := range []dbengine.Engine{
		postgres.New(log),
		mysql.New(log),
		sqlite.New(log),
		db2.New(log),
	} {
		if err := registry.Register(e); err != nil {
			log.Errorf("register %s engine: %v", e.Name(), err)
			os.Exit(1)
		}
	}

	manager := dbqueue.NewManager(cfg.Manager.MaxDatabases, log)

	for i := range cfg.Databases {
		if err := bringUpDatabase(registry, manager, log, cfg, &cfg.Databases[i]); err != nil {
			log.Errorf("database %s: %v", cfg.Databases[i].Name, err)
			manager.Destroy()
			os.Exit(1)
		}
	}

	srv := server.New(cfg.Server.Address, manager, log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.With().Str("signal", sig.String()).Logger().Info("shutting down")
	case err := <-errCh:
		log.Errorf("admin server: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	manager.Destroy()
}

// bringUpDatabase creates the Lead queue, runs migrations, starts the
// configured tier workers, and registers the database with the manager.
func bringUpDatabase(registry *dbengine.Registry, manager *dbqueue.Manager, log *logger.Logger, cfg *config.Config, db *config.DatabaseConfig) error {
	connString, engine, err := resolveConnection(registry, db)
	if err != nil {
		return err
	}

	lead, err := dbqueue.CreateLead(db.Name, connString, dbqueue.Options{
		Registry:          registry,
		Log:               log,
		Engine:            engine,
		HeartbeatInterval: db.HeartbeatInterval(),
		BootstrapQuery:    db.BootstrapQuery,
	})
	if err != nil {
		return err
	}

	if err := runMigrations(registry, log, cfg, lead, connString); err != nil {
		lead.Destroy()
		return err
	}

	if err := lead.StartWorker(); err != nil {
		lead.Destroy()
		return err
	}
	for _, tier := range db.StartTiers() {
		if err := lead.SpawnChild(dbqueue.QueueTypeFromHint(tier)); err != nil {
			lead.Destroy()
			return err
		}
	}

	if err := manager.AddDatabase(lead); err != nil {
		lead.Destroy()
		return err
	}
	return nil
}

// resolveConnection produces the native connection string and the engine
// override for one configured database.
func resolveConnection(registry *dbengine.Registry, db *config.DatabaseConfig) (string, *dbengine.EngineType, error) {
	var engine *dbengine.EngineType
	if db.Engine != "" {
		t, _ := dbengine.EngineTypeFromString(db.Engine)
		engine = &t
	}

	if db.ConnectionString != "" {
		return db.ConnectionString, engine, nil
	}

	t := dbengine.SQLite
	if engine != nil {
		t = *engine
	} else if db.Host != "" {
		t = dbengine.Postgres
	}
	if engine == nil {
		engine = &t
	}

	connString, err := registry.BuildConnectionString(t, &dbengine.ConnectionConfig{
		Host:           db.Host,
		Port:           db.Port,
		Database:       db.Database,
		Username:       db.Username,
		Password:       db.Password,
		TimeoutSeconds: db.TimeoutSeconds,
	})
	if err != nil {
		return "", nil, err
	}
	return connString, engine, nil
}

// runMigrations applies configured migrations over a dedicated connection
// before the queue topology comes up.
func runMigrations(registry *dbengine.Registry, log *logger.Logger, cfg *config.Config, lead *dbqueue.DatabaseQueue, connString string) error {
	var source dbmigrate.Source
	switch cfg.Migrations.Source {
	case "dir":
		source = dbmigrate.DirSource{Dir: cfg.Migrations.Dir}
	case "minio":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		src, err := dbmigrate.NewObjectSource(ctx, cfg.Migrations.MinIO)
		if err != nil {
			return err
		}
		source = src
	default:
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	h, err := registry.Connect(ctx, lead.EngineType(),
		&dbengine.ConnectionConfig{ConnectionString: connString}, lead.Designator())
	if err != nil {
		return err
	}
	defer registry.CleanupConnection(h)

	runner := &dbmigrate.Runner{Registry: registry, Source: source, Log: log}
	applied, err := runner.Apply(ctx, h)
	if err != nil {
		return err
	}
	if applied > 0 {
		log.Designator(lead.Designator()).Infof("applied %d migrations", applied)
	}
	return nil
}
