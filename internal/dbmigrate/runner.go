package dbmigrate

import (
	"context"
	"fmt"

	"github.com/500Foods/Philement-sub001/internal/dbengine"
	"github.com/500Foods/Philement-sub001/internal/errs"
	"github.com/500Foods/Philement-sub001/internal/logger"
)

// Runner applies migrations over an established connection handle. Each
// migration file runs as a single transaction: begin, execute, commit,
// rollback on any failure. The first failure stops the run.
type Runner struct {
	Registry *dbengine.Registry
	Source   Source
	Log      *logger.Logger
}

// Apply runs every discovered migration against h in order. It returns the
// number of migrations applied.
func (r *Runner) Apply(ctx context.Context, h *dbengine.Handle) (int, error) {
	if r.Registry == nil || r.Source == nil {
		return 0, errs.New(errs.ErrKindInvalidInput, "runner needs a registry and a source")
	}
	log := r.Log
	if log == nil {
		log = logger.Global()
	}
	log = log.Designator(h.Designator)

	migrations, err := r.Source.Migrations(ctx)
	if err != nil {
		return 0, err
	}
	if len(migrations) == 0 {
		log.Info("no migrations to apply")
		return 0, nil
	}

	applied := 0
	for _, m := range migrations {
		if err := r.applyOne(ctx, h, m); err != nil {
			return applied, err
		}
		applied++
		log.With().Str("migration", m.Name).Logger().Info("migration applied")
	}
	return applied, nil
}

func (r *Runner) applyOne(ctx context.Context, h *dbengine.Handle, m Migration) error {
	tx, err := r.Registry.BeginTransaction(ctx, h, dbengine.Serializable)
	if err != nil {
		return errs.Wrap(err, errs.ErrKindQueryFailed, fmt.Sprintf("begin for %s", m.Name))
	}

	req := &dbengine.QueryRequest{
		QueryID:     "migration-" + m.Name,
		SQLTemplate: m.SQL,
	}
	res, err := r.Registry.Execute(ctx, h, req)
	if err != nil || !res.Success {
		_ = r.Registry.RollbackTransaction(ctx, h, tx)
		if err == nil {
			err = errs.Newf(errs.ErrKindQueryFailed, "migration %s failed: %s", m.Name, res.ErrorMessage)
		}
		return err
	}

	if err := r.Registry.CommitTransaction(ctx, h, tx); err != nil {
		_ = r.Registry.RollbackTransaction(ctx, h, tx)
		return errs.Wrap(err, errs.ErrKindQueryFailed, fmt.Sprintf("commit for %s", m.Name))
	}
	return nil
}
