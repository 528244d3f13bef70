package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kz-records/internal/config"
	"github.com/kz-records/internal/domain"
)

// MaxRecordsLimit bounds the rows a single records query may return
const MaxRecordsLimit = 1000

// Repository is the pgx-backed record store
type Repository struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
	logger       *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// The pool reconnects lazily; pages report the outage until it is back
	if err := pool.Ping(context.Background()); err != nil {
		logger.Warn("database not reachable", "host", cfg.Host, "error", err)
	}

	return &Repository{
		pool:         pool,
		queryTimeout: cfg.QueryTimeout,
		logger:       logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Ping reports whether the database is reachable
func (r *Repository) Ping(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

func (r *Repository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.queryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.queryTimeout)
}

// RunMigrations creates the records schema for local development. Production
// databases are owned by the game server plugin and already have it.
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS maps (
			id SERIAL PRIMARY KEY,
			name VARCHAR(64) NOT NULL UNIQUE,
			created TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS map_courses (
			id SERIAL PRIMARY KEY,
			map_id INT NOT NULL REFERENCES maps(id) ON DELETE CASCADE,
			course INT NOT NULL DEFAULT 0,
			UNIQUE(map_id, course)
		)`,
		`CREATE TABLE IF NOT EXISTS players (
			steam_id64 BIGINT PRIMARY KEY,
			alias VARCHAR(128) NOT NULL,
			cheater BOOLEAN NOT NULL DEFAULT FALSE,
			created TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS times (
			id BIGSERIAL PRIMARY KEY,
			steam_id64 BIGINT NOT NULL REFERENCES players(steam_id64) ON DELETE CASCADE,
			map_course_id INT NOT NULL REFERENCES map_courses(id) ON DELETE CASCADE,
			style_id_flags INT NOT NULL DEFAULT 0,
			run_time DOUBLE PRECISION NOT NULL,
			created TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_times_course_runtime ON times(map_course_id, run_time ASC)`,
		`CREATE INDEX IF NOT EXISTS idx_times_player ON times(steam_id64)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// ListMaps returns map names starting with prefix that have at least one
// course, in ascending order, at most max of them
func (r *Repository) ListMaps(ctx context.Context, prefix string, max int) ([]string, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT DISTINCT m.name
		FROM maps m
		INNER JOIN map_courses mc ON m.id = mc.map_id
		WHERE m.name LIKE $1
		ORDER BY m.name ASC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, likePrefix(prefix), max)
	if err != nil {
		return nil, fmt.Errorf("listing maps: %w", err)
	}

	maps, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scanning maps: %w", err)
	}
	return maps, nil
}

// QueryRecords returns the ranked runs of a map. Rank is by ascending run
// time; equal times keep insertion order.
func (r *Repository) QueryRecords(ctx context.Context, mapName string, limit int) ([]domain.RecordRow, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT
			t.steam_id64::text,
			p.alias,
			t.run_time,
			t.created,
			ROW_NUMBER() OVER (ORDER BY t.run_time ASC, t.id ASC) AS place
		FROM maps m
		INNER JOIN map_courses mc ON m.id = mc.map_id
		INNER JOIN times t ON mc.id = t.map_course_id
		INNER JOIN players p ON t.steam_id64 = p.steam_id64
		WHERE m.name = $1 AND t.style_id_flags = 0 AND p.cheater = FALSE
		ORDER BY t.run_time ASC, t.id ASC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, mapName, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	var records []domain.RecordRow
	for rows.Next() {
		var row domain.RecordRow
		if err := rows.Scan(&row.SteamID, &row.PlayerName, &row.Time, &row.Created, &row.Place); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		records = append(records, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating records: %w", err)
	}
	return records, nil
}

// QueryStatistics returns aggregate counts over ranked runs
func (r *Repository) QueryStatistics(ctx context.Context) (domain.Statistics, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT
			COUNT(t.id),
			COUNT(DISTINCT t.steam_id64),
			COUNT(DISTINCT m.name)
		FROM times t
		INNER JOIN map_courses mc ON t.map_course_id = mc.id
		INNER JOIN maps m ON mc.map_id = m.id
		INNER JOIN players p ON t.steam_id64 = p.steam_id64
		WHERE t.style_id_flags = 0 AND p.cheater = FALSE
	`
	var stats domain.Statistics
	err := r.pool.QueryRow(ctx, query).Scan(&stats.TotalRecords, &stats.TotalPlayers, &stats.TotalMaps)
	if err != nil {
		return domain.Statistics{}, fmt.Errorf("querying statistics: %w", err)
	}
	return stats, nil
}

// ClampLimit keeps a records limit within [1, MaxRecordsLimit]
func ClampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > MaxRecordsLimit {
		return MaxRecordsLimit
	}
	return limit
}

// likePrefix builds a LIKE pattern matching names that start with prefix.
// Wildcards in the prefix itself are matched literally.
func likePrefix(prefix string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	return escaped + "%"
}
