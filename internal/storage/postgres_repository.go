package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"files-manager/internal/models"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

const pgUniqueViolation = "23505"

const fileColumns = "id, owner_id, name, kind, is_public, parent_id, local_path, created_at"

type postgresRepository struct {
	db     *sql.DB
	pool   *pgxpool.Pool
	cfg    PostgresConfig
	logger *slog.Logger
}

// NewPostgresRepository opens a pgx connection pool, exposes it through
// database/sql and, unless disabled, applies the embedded migrations.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)

	repo := newPostgresRepositoryWithDB(db, cfg)
	repo.pool = pool

	if cfg.RunMigrations {
		if err := Migrate(ctx, db); err != nil {
			_ = db.Close()
			pool.Close()
			return nil, err
		}
		repo.logger.Info("postgres migrations applied")
	}
	return repo, nil
}

func newPostgresRepositoryWithDB(db *sql.DB, cfg PostgresConfig) *postgresRepository {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.NewID == nil {
		cfg.NewID = newUUID
	}
	return &postgresRepository{db: db, cfg: cfg, logger: logger}
}

func (r *postgresRepository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.AcquireTimeout > 0 {
		return context.WithTimeout(ctx, r.cfg.AcquireTimeout)
	}
	return context.WithCancel(ctx)
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	if r == nil || r.db == nil {
		return ErrRepositoryUnavailable
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.db.PingContext(ctx)
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.db == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() {
		err := r.db.Close()
		if r.pool != nil {
			r.pool.Close()
		}
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func (r *postgresRepository) InsertUser(ctx context.Context, user models.User) (models.User, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	user.ID = r.cfg.NewID()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, created_at) VALUES ($1, $2, $3, $4)`,
		user.ID, user.Email, user.PasswordHash, user.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return models.User{}, ErrAlreadyExists
		}
		return models.User{}, fmt.Errorf("db error: %w", err)
	}
	return user, nil
}

func (r *postgresRepository) findUser(ctx context.Context, query string, arg string) (models.User, bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var user models.User
	err := r.db.QueryRowContext(ctx, query, arg).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, false, nil
	}
	if err != nil {
		return models.User{}, false, fmt.Errorf("db error: %w", err)
	}
	return user, true, nil
}

func (r *postgresRepository) FindUserByEmail(ctx context.Context, email string) (models.User, bool, error) {
	return r.findUser(ctx, `SELECT id, email, password_hash, created_at FROM users WHERE email = $1`, email)
}

func (r *postgresRepository) FindUserByID(ctx context.Context, id string) (models.User, bool, error) {
	if !isUUID(id) {
		return models.User{}, false, nil
	}
	return r.findUser(ctx, `SELECT id, email, password_hash, created_at FROM users WHERE id = $1`, id)
}

func (r *postgresRepository) count(ctx context.Context, query string) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var n int64
	if err := r.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

func (r *postgresRepository) CountUsers(ctx context.Context) (int64, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM users`)
}

func (r *postgresRepository) CountFiles(ctx context.Context) (int64, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM files`)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (models.FileNode, error) {
	var (
		node      models.FileNode
		kind      string
		parentID  string
		localPath sql.NullString
	)
	if err := row.Scan(&node.ID, &node.OwnerID, &node.Name, &kind, &node.IsPublic, &parentID, &localPath, &node.CreatedAt); err != nil {
		return models.FileNode{}, err
	}
	node.Kind = models.Kind(kind)
	node.ParentID = models.ParentID(parentID)
	if localPath.Valid {
		node.LocalPath = localPath.String
	}
	return node, nil
}

func (r *postgresRepository) InsertFile(ctx context.Context, node models.FileNode) (models.FileNode, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	node.ID = r.cfg.NewID()
	localPath := sql.NullString{String: node.LocalPath, Valid: node.LocalPath != ""}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO files (`+fileColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		node.ID, node.OwnerID, node.Name, string(node.Kind), node.IsPublic, node.ParentID.String(), localPath, node.CreatedAt,
	)
	if err != nil {
		return models.FileNode{}, fmt.Errorf("db error: %w", err)
	}
	return node, nil
}

func (r *postgresRepository) queryFile(ctx context.Context, query string, args ...any) (models.FileNode, bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	node, err := scanFile(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return models.FileNode{}, false, nil
	}
	if err != nil {
		return models.FileNode{}, false, fmt.Errorf("db error: %w", err)
	}
	return node, true, nil
}

func (r *postgresRepository) FindFile(ctx context.Context, id string) (models.FileNode, bool, error) {
	if !isUUID(id) {
		return models.FileNode{}, false, nil
	}
	return r.queryFile(ctx, `SELECT `+fileColumns+` FROM files WHERE id = $1`, id)
}

func (r *postgresRepository) FindOwnedFile(ctx context.Context, id, ownerID string) (models.FileNode, bool, error) {
	if !isUUID(id) || !isUUID(ownerID) {
		return models.FileNode{}, false, nil
	}
	return r.queryFile(ctx, `SELECT `+fileColumns+` FROM files WHERE id = $1 AND owner_id = $2`, id, ownerID)
}

func (r *postgresRepository) ListFiles(ctx context.Context, ownerID, parentID string, offset, limit int) ([]models.FileNode, error) {
	if !isUUID(ownerID) {
		return []models.FileNode{}, nil
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE owner_id = $1 AND parent_id = $2 ORDER BY seq LIMIT $3 OFFSET $4`,
		ownerID, parentID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	nodes := make([]models.FileNode, 0, limit)
	for rows.Next() {
		node, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return nodes, nil
}

func (r *postgresRepository) UpdateVisibility(ctx context.Context, id, ownerID string, isPublic bool) (models.FileNode, bool, error) {
	if !isUUID(id) || !isUUID(ownerID) {
		return models.FileNode{}, false, nil
	}
	return r.queryFile(ctx,
		`UPDATE files SET is_public = $3 WHERE id = $1 AND owner_id = $2 RETURNING `+fileColumns,
		id, ownerID, isPublic,
	)
}
