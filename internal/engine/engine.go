package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stageline/internal/archive"
	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine/auth"
	"stageline/internal/events"
	"stageline/internal/metrics"
	"stageline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	// Config seeds new projects; each project keeps its own copy in project_configs.
	Config  *config.Config
	Archive archive.Archiver
	Log     *zap.Logger
	Now     func() time.Time
}

func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config) Engine {
	r := repo.Repo{DB: conn, Dialect: dialect}
	return Engine{
		DB:      conn,
		Repo:    r,
		Events:  events.Writer{Dialect: dialect},
		Auth:    auth.Service{Repo: r},
		Config:  cfg,
		Archive: archive.Nop{},
		Log:     zap.NewNop(),
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

func (e Engine) eventWriter() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.Now
	}
	return w
}

// inTx runs fn in a transaction and classifies whatever it returns.
func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, e.Repo.Dialect.TxOptions(false))
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		err = classify(err)
		if kind := KindOf(err); kind != "" {
			metrics.RecordRejected(kind, ReasonOf(err))
		}
		return err
	}
	return classify(tx.Commit())
}

// committed logs and counts a transition after its transaction commits.
func (e Engine) committed(projectID, entity, action, entityID, actorID string, fields ...zap.Field) {
	metrics.RecordTransition(entity, action)
	e.logger().Info("governance transition",
		append([]zap.Field{
			zap.String("project_id", projectID),
			zap.String("entity", entity),
			zap.String("entity_id", entityID),
			zap.String("action", action),
			zap.String("actor_id", actorID),
		}, fields...)...)
}

func (e Engine) projectConfig(ctx context.Context, q repo.Querier, projectID string) (*config.Config, error) {
	cfg, err := e.Repo.GetProjectConfig(ctx, q, projectID)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	if e.Config != nil {
		return e.Config.ForProject(projectID)
	}
	return config.Default(projectID), nil
}

// authorize loads the project policy and checks actorID against it.
func (e Engine) authorize(ctx context.Context, q repo.Querier, projectID, actorID, action string, entity auth.Entity) (*config.Config, error) {
	if strings.TrimSpace(actorID) == "" {
		return nil, validationError("actor_required", "actor is required")
	}
	cfg, err := e.projectConfig(ctx, q, projectID)
	if err != nil {
		return nil, err
	}
	if err := e.Auth.Require(ctx, q, cfg.Policy, projectID, actorID, action, entity); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newID() string {
	return uuid.NewString()
}

func notFound(err error, entity, id string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return notFoundError(entity, id)
	}
	return err
}

func (e Engine) loadProject(ctx context.Context, q repo.Querier, projectID string) (domain.Project, error) {
	if strings.TrimSpace(projectID) == "" {
		return domain.Project{}, validationError("project_required", "project is required")
	}
	p, err := e.Repo.GetProject(ctx, q, projectID)
	return p, notFound(err, "project", projectID)
}

// CreateProjectOptions are parameters for creating a project.
type CreateProjectOptions struct {
	ID          string
	Name        string
	Description string
	ActorID     string
	// Config overrides the engine's seed policy.
	Config *config.Config
}

// CreateProject registers a project, stores its governance policy and makes
// the creator a board member with the configured creator role.
func (e Engine) CreateProject(ctx context.Context, opts CreateProjectOptions) (domain.Project, error) {
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		return domain.Project{}, validationError("project_id_required", "project id is required")
	}
	if strings.TrimSpace(opts.ActorID) == "" {
		return domain.Project{}, validationError("actor_required", "actor is required")
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = id
	}
	seed := opts.Config
	if seed == nil {
		seed = e.Config
	}
	var cfg *config.Config
	var err error
	if seed != nil {
		cfg, err = seed.ForProject(id)
		if err != nil {
			return domain.Project{}, err
		}
	} else {
		cfg = config.Default(id)
	}
	if err := cfg.Validate(); err != nil {
		return domain.Project{}, validationError("invalid_config", "%v", err)
	}
	now := e.timestamp()
	p := domain.Project{
		ID:          id,
		Name:        name,
		Kind:        config.ProjectKind,
		Status:      "active",
		Description: opts.Description,
		CreatedBy:   opts.ActorID,
		CreatedAt:   now,
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetProject(ctx, tx, id); err == nil {
			return conflictError("project_exists", "project %s already exists", id)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		if err := e.Repo.UpsertProjectConfig(ctx, tx, id, cfg); err != nil {
			return fmt.Errorf("insert project config: %w", err)
		}
		if err := e.Repo.EnsureActor(ctx, tx, opts.ActorID, now); err != nil {
			return fmt.Errorf("ensure actor: %w", err)
		}
		if err := e.Repo.InsertBoardMember(ctx, tx, domain.BoardMember{
			ProjectID: id, ActorID: opts.ActorID, Role: cfg.CreatorRole(), AddedBy: opts.ActorID, CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("add creator to board: %w", err)
		}
		return e.eventWriter().Append(ctx, tx, "project.created", id, "project", id, opts.ActorID, events.EventPayload{
			"name":         p.Name,
			"creator_role": cfg.CreatorRole(),
		})
	})
	if err != nil {
		return domain.Project{}, err
	}
	e.committed(id, "project", "create", id, opts.ActorID)
	return p, nil
}

func (e Engine) GetProject(ctx context.Context, projectID string) (domain.Project, error) {
	return e.loadProject(ctx, e.DB, projectID)
}

func (e Engine) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx, e.DB)
}

// ProjectConfig returns the governance policy stored for a project.
func (e Engine) ProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	if _, err := e.loadProject(ctx, e.DB, projectID); err != nil {
		return nil, err
	}
	return e.projectConfig(ctx, e.DB, projectID)
}

// UpdateProjectConfig replaces the governance policy of a project.
func (e Engine) UpdateProjectConfig(ctx context.Context, projectID string, cfg *config.Config, actorID string) (*config.Config, error) {
	if cfg == nil {
		return nil, validationError("config_required", "config is required")
	}
	next, err := cfg.ForProject(projectID)
	if err != nil {
		return nil, err
	}
	if err := next.Validate(); err != nil {
		return nil, validationError("invalid_config", "%v", err)
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.loadProject(ctx, tx, projectID); err != nil {
			return err
		}
		if _, err := e.authorize(ctx, tx, projectID, actorID, "project.manage", auth.Entity{Kind: "project", ID: projectID}); err != nil {
			return err
		}
		if err := e.Repo.UpsertProjectConfig(ctx, tx, projectID, next); err != nil {
			return err
		}
		return e.eventWriter().Append(ctx, tx, "project.config_updated", projectID, "project", projectID, actorID, nil)
	})
	if err != nil {
		return nil, err
	}
	e.committed(projectID, "project", "update_config", projectID, actorID)
	return next, nil
}

// ListEvents returns audit events, newest first.
func (e Engine) ListEvents(ctx context.Context, f repo.EventFilter) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, e.DB, f)
}

// CreateAPIKey mints a key for actorID and returns the plaintext once.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.APIKey{}, "", validationError("actor_required", "actor is required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	plain := "sl_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        newID(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.timestamp(),
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		return e.Repo.InsertAPIKey(ctx, tx, key)
	})
	if err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}
