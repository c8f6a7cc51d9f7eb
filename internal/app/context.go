package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/engine/auth"
	"bountyline/internal/migrate"
	"bountyline/internal/notify"
	"bountyline/internal/rails"
	"bountyline/internal/repo"
)

// Context is what CLI commands and the API server share for one workspace.
type Context struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
}

// Open opens and migrates the workspace database, loads bountyline.yml (or the
// defaults when absent) and wires an engine from it.
func Open(ctx context.Context, workspace string, log zerolog.Logger) (*Context, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	e, err := NewEngine(conn, cfg, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Context{Workspace: workspace, DB: conn, Config: cfg, Engine: e}, nil
}

func (c *Context) Close() error {
	return c.DB.Close()
}

// NewEngine builds an engine whose rails and notifiers follow cfg. The manual
// rail is always available; the EVM rail is added when an RPC URL is set.
func NewEngine(conn *sql.DB, cfg *config.Config, log zerolog.Logger) (engine.Engine, error) {
	e := engine.New(conn, cfg)
	e.Log = log

	reg := rails.NewRegistry(rails.NewManual())
	if cfg.Rails.EVM.RPCURL != "" {
		evm, err := rails.DialEVM(cfg.Rails.EVM, cfg.Rails.DepositToleranceBps)
		if err != nil {
			return engine.Engine{}, fmt.Errorf("evm rail: %w", err)
		}
		reg.Register(evm)
	}
	if _, err := reg.Get(cfg.Rails.Default); err != nil {
		return engine.Engine{}, fmt.Errorf("rails.default: %w", err)
	}
	e.Rails = reg

	notifiers := notify.Multi{notify.Log{Logger: log}}
	if len(cfg.Webhooks) > 0 {
		notifiers = append(notifiers, notify.NewWebhook(cfg.Webhooks))
	}
	e.Notifier = notifiers
	return e, nil
}

// ResolveActor returns actorID with the platform roles stored for it.
func (c *Context) ResolveActor(ctx context.Context, actorID string) (domain.Actor, error) {
	return auth.Service{Repo: c.Engine.Repo}.Resolve(ctx, actorID)
}

// Bootstrap grants role to actorID without a permission check. It exists so a
// fresh workspace can get its first admin.
func Bootstrap(ctx context.Context, r repo.Repo, actorID, role string) error {
	if !repo.ValidRole(role) {
		return domain.Invalid("unknown role %q", role)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.GrantRole(ctx, tx, actorID, role, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return tx.Commit()
}
