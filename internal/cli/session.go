package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/rowmap/internal/model"
	"github.com/roach88/rowmap/internal/modelspec"
)

// session is an open database with its models registered.
type session struct {
	db     *model.DB
	models []*model.Model
	opts   *RootOptions
}

// openSession opens the configured database and registers models from the
// model file, or one model per table when no file is configured. Tables
// that cannot back a model (no single-column primary key) are skipped.
func openSession(ctx context.Context, opts *RootOptions) (*session, error) {
	cfg := opts.Config
	if cfg.DB == "" {
		return nil, NewExitError(ExitCommandError, "database path is required (--db or ROWMAP_DB)")
	}
	if _, err := os.Stat(cfg.DB); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", cfg.DB)).withErrCode(ErrCodeNotFound)
		}
		return nil, WrapExitError(ExitCommandError, "failed to access database", err).withErrCode(ErrCodeNotFound)
	}

	db, err := model.Open(ctx, model.Config{
		Path:             cfg.DB,
		CacheMemoryLimit: cfg.CacheMemoryLimit,
		Logger:           opts.Logger,
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err).withErrCode(ErrCodeOpenFailed)
	}
	s := &session{db: db, opts: opts}

	if cfg.Models != "" {
		f, err := modelspec.Load(cfg.Models)
		if err != nil {
			s.close()
			return nil, WrapExitError(ExitCommandError, "failed to load models", err).withErrCode(ErrCodeModelFile)
		}
		s.models, err = modelspec.Register(ctx, db, f)
		if err != nil {
			s.close()
			return nil, WrapExitError(ExitCommandError, "failed to register models", err).withErrCode(ErrCodeRegister)
		}
	} else {
		tables, err := db.Tables(ctx)
		if err != nil {
			s.close()
			return nil, WrapExitError(ExitFailure, "failed to list tables", err).withErrCode(ErrCodeQueryFailed)
		}
		for _, m := range modelspec.FromTables(tables).Models {
			registered, err := db.Register(ctx, m.Descriptor())
			if err != nil {
				opts.Logger.Warn("skipping table", "table", m.Table, "error", err)
				continue
			}
			s.models = append(s.models, registered)
		}
	}

	opts.Logger.Debug("session open", "db", cfg.DB, "models", len(s.models))
	return s, nil
}

// lookup finds a registered model; an empty name yields nil.
func (s *session) lookup(name string) (*model.Model, error) {
	if name == "" {
		return nil, nil
	}
	m, ok := s.db.Model(name)
	if !ok {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("unknown model: %s", name)).withErrCode(ErrCodeRegister)
	}
	return m, nil
}

func (s *session) close() {
	closed, err := s.db.Close()
	if err != nil {
		s.opts.Logger.Error("error closing database", "error", err)
		return
	}
	if !closed {
		s.opts.Logger.Warn("database closed with live instances")
	}
}

// withSession opens a session for cmd, runs fn and closes it.
func withSession(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, s *session) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := openSession(ctx, opts)
	if err != nil {
		return opts.fail(cmd, err)
	}
	defer s.close()

	if err := fn(ctx, s); err != nil {
		return opts.fail(cmd, err)
	}
	return nil
}
