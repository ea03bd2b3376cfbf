// internal/storage/postgres.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/RegistryAccord/registryaccord-reports-go/internal/geo"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/model"
)

// postgres provides persistent storage for categories, reports and their audit trail.
type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and initializes the schema.
// Parameters:
//   - ctx: Context bounding the connection attempt
//   - dsn: Database connection string in PostgreSQL format
//
// Returns:
//   - Store: Implementation of the storage interface
//   - error: Any error that occurred during initialization
func NewPostgres(ctx context.Context, dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema creates all required tables and indexes if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		-- Report categories, referenced by reports
		CREATE TABLE IF NOT EXISTS categories (
		    id BIGSERIAL PRIMARY KEY,
		    name TEXT NOT NULL UNIQUE CHECK (name <> ''),
		    description TEXT NOT NULL DEFAULT ''
		);

		-- Reports; location and attachment columns are all-or-nothing
		CREATE TABLE IF NOT EXISTS reports (
		    id TEXT PRIMARY KEY,
		    user_id TEXT NOT NULL,
		    category_id BIGINT NOT NULL REFERENCES categories(id),
		    title TEXT NOT NULL,
		    description TEXT NOT NULL,
		    severity TEXT NOT NULL DEFAULT '',
		    lat DOUBLE PRECISION CHECK (lat BETWEEN -90 AND 90),
		    lng DOUBLE PRECISION CHECK (lng BETWEEN -180 AND 180),
		    accuracy_m DOUBLE PRECISION,
		    attachment_key TEXT,
		    attachment_type TEXT,
		    attachment_size BIGINT,
		    status TEXT NOT NULL CHECK (status IN ('pending', 'in_progress', 'fixing', 'completed')),
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
		    CHECK ((lat IS NULL) = (lng IS NULL)),
		    CHECK ((attachment_key IS NULL) = (attachment_type IS NULL))
		);

		CREATE INDEX IF NOT EXISTS idx_reports_created_at ON reports(created_at DESC, id);
		CREATE INDEX IF NOT EXISTS idx_reports_status_created_at ON reports(status, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_reports_category_created_at ON reports(category_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_reports_lat_lng ON reports(lat, lng) WHERE lat IS NOT NULL;

		-- Status audit trail (append-only, kept after report deletion)
		CREATE TABLE IF NOT EXISTS status_changes (
		    id BIGSERIAL PRIMARY KEY,
		    report_id TEXT NOT NULL,
		    from_status TEXT NOT NULL,
		    to_status TEXT NOT NULL,
		    note TEXT NOT NULL DEFAULT '',
		    changed_at TIMESTAMP WITH TIME ZONE NOT NULL,
		    changed_by TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_status_changes_report ON status_changes(report_id, id);

		-- Idempotency table for replaying create responses
		CREATE TABLE IF NOT EXISTS idempotency (
		    key_hash TEXT PRIMARY KEY,
		    request_hash TEXT NOT NULL,
		    response_body BYTEA NOT NULL,
		    response_status INTEGER NOT NULL,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    expires_at TIMESTAMP WITH TIME ZONE NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_idempotency_expires_at ON idempotency(expires_at);
	`

	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

func (p *postgres) CreateCategory(ctx context.Context, c model.Category) (*model.Category, error) {
	var err error
	if c.ID == 0 {
		err = p.db.QueryRow(ctx,
			`INSERT INTO categories (name, description) VALUES ($1, $2) RETURNING id`,
			c.Name, c.Description).Scan(&c.ID)
	} else {
		_, err = p.db.Exec(ctx,
			`INSERT INTO categories (id, name, description) VALUES ($1, $2, $3)`,
			c.ID, c.Name, c.Description)
		if err == nil {
			// Keep BIGSERIAL ahead of explicitly assigned ids.
			_, err = p.db.Exec(ctx,
				`SELECT setval(pg_get_serial_sequence('categories', 'id'), GREATEST((SELECT MAX(id) FROM categories), 1))`)
		}
	}
	if err != nil {
		if isPgCode(err, "23505") {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to create category: %w", err)
	}
	return &c, nil
}

func (p *postgres) GetCategory(ctx context.Context, id int64) (*model.Category, error) {
	var c model.Category
	err := p.db.QueryRow(ctx,
		`SELECT id, name, description FROM categories WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Description)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get category: %w", err)
	}
	return &c, nil
}

func (p *postgres) ListCategories(ctx context.Context) ([]model.Category, error) {
	rows, err := p.db.Query(ctx, `SELECT id, name, description FROM categories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	defer rows.Close()

	out := make([]model.Category, 0)
	for rows.Next() {
		var c model.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Description); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	return out, nil
}

const pgReportColumns = `id, user_id, category_id, title, description, severity, lat, lng, accuracy_m,
	attachment_key, attachment_type, attachment_size, status, created_at, updated_at`

func scanPgReport(row pgx.Row) (model.Report, error) {
	var rr reportRow
	err := row.Scan(&rr.id, &rr.userID, &rr.categoryID, &rr.title, &rr.description, &rr.severity,
		&rr.lat, &rr.lng, &rr.accuracy, &rr.attKey, &rr.attType, &rr.attSize,
		&rr.status, &rr.createdAt, &rr.updatedAt)
	if err != nil {
		return model.Report{}, err
	}
	return rr.report(), nil
}

func (p *postgres) CreateReport(ctx context.Context, r model.Report) error {
	args := reportArgs(r)
	_, err := p.db.Exec(ctx, `INSERT INTO reports (`+pgReportColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		append(args, r.CreatedAt, r.UpdatedAt)...)
	if err != nil {
		switch {
		case isPgCode(err, "23503"):
			return ErrCategoryNotFound
		case isPgCode(err, "23505"):
			return ErrConflict
		}
		return fmt.Errorf("failed to create report: %w", err)
	}
	return nil
}

func (p *postgres) GetReport(ctx context.Context, id string) (*model.Report, error) {
	r, err := scanPgReport(p.db.QueryRow(ctx, `SELECT `+pgReportColumns+` FROM reports WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	return &r, nil
}

// pgFilter appends f's conditions to conds, numbering placeholders after args.
func pgFilter(f model.ReportFilter, conds []string, args []interface{}) ([]string, []interface{}) {
	if f.Status != nil {
		args = append(args, string(*f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.CategoryID != nil {
		args = append(args, *f.CategoryID)
		conds = append(conds, fmt.Sprintf("category_id = $%d", len(args)))
	}
	return conds, args
}

func (p *postgres) ListReports(ctx context.Context, f model.ReportFilter) ([]model.Report, error) {
	conds, args := pgFilter(f, nil, nil)
	query := `SELECT ` + pgReportColumns + ` FROM reports`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	args = append(args, f.EffectiveLimit())
	query += fmt.Sprintf(` ORDER BY created_at DESC, id ASC LIMIT $%d`, len(args))
	return p.queryReports(ctx, query, args...)
}

func (p *postgres) ListReportsInBox(ctx context.Context, box geo.BoundingBox, f model.ReportFilter) ([]model.Report, error) {
	args := []interface{}{box.MinLat, box.MaxLat, box.MinLng, box.MaxLng}
	conds := []string{"lat IS NOT NULL", "lat BETWEEN $1 AND $2"}
	if box.WrapsAntimeridian {
		conds = append(conds, "(lng >= $3 OR lng <= $4)")
	} else {
		conds = append(conds, "lng BETWEEN $3 AND $4")
	}
	conds, args = pgFilter(f, conds, args)
	query := `SELECT ` + pgReportColumns + ` FROM reports WHERE ` + strings.Join(conds, " AND ")
	return p.queryReports(ctx, query, args...)
}

func (p *postgres) queryReports(ctx context.Context, query string, args ...interface{}) ([]model.Report, error) {
	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	out := make([]model.Report, 0)
	for rows.Next() {
		r, err := scanPgReport(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	return out, nil
}

// lockReport loads a report row with SELECT ... FOR UPDATE inside tx.
func lockReport(ctx context.Context, tx pgx.Tx, id string) (model.Report, error) {
	r, err := scanPgReport(tx.QueryRow(ctx, `SELECT `+pgReportColumns+` FROM reports WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Report{}, ErrNotFound
		}
		return model.Report{}, fmt.Errorf("failed to lock report: %w", err)
	}
	return r, nil
}

func (p *postgres) UpdateReport(ctx context.Context, id string, fn Mutation) (*model.Report, error) {
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current, err := lockReport(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	next, change, err := applyMutation(current, fn, time.Now().UTC().Truncate(time.Microsecond))
	if err != nil {
		return nil, err
	}

	args := reportArgs(next)
	_, err = tx.Exec(ctx, `UPDATE reports SET
		category_id = $3, title = $4, description = $5, severity = $6, lat = $7, lng = $8, accuracy_m = $9,
		attachment_key = $10, attachment_type = $11, attachment_size = $12, status = $13, updated_at = $14
		WHERE id = $1 AND user_id = $2`, append(args, next.UpdatedAt)...)
	if err != nil {
		if isPgCode(err, "23503") {
			return nil, ErrCategoryNotFound
		}
		return nil, fmt.Errorf("failed to update report: %w", err)
	}

	if change != nil {
		err = tx.QueryRow(ctx, `INSERT INTO status_changes (report_id, from_status, to_status, note, changed_at, changed_by)
			VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
			change.ReportID, string(change.FromStatus), string(change.ToStatus), change.Note, change.ChangedAt, change.ChangedBy).
			Scan(&change.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to append status change: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit report update: %w", err)
	}
	return &next, nil
}

func (p *postgres) DeleteReport(ctx context.Context, id string, guard Guard) (*model.Report, error) {
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current, err := lockReport(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if guard != nil {
		if err := guard(current.Clone()); err != nil {
			return nil, err
		}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM reports WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("failed to delete report: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit report delete: %w", err)
	}
	return &current, nil
}

func (p *postgres) ListStatusChanges(ctx context.Context, reportID string) ([]model.StatusChange, error) {
	rows, err := p.db.Query(ctx, `SELECT id, report_id, from_status, to_status, note, changed_at, changed_by
		FROM status_changes WHERE report_id = $1 ORDER BY id`, reportID)
	if err != nil {
		return nil, fmt.Errorf("failed to list status changes: %w", err)
	}
	defer rows.Close()

	out := make([]model.StatusChange, 0)
	for rows.Next() {
		var c model.StatusChange
		var from, to string
		if err := rows.Scan(&c.ID, &c.ReportID, &from, &to, &c.Note, &c.ChangedAt, &c.ChangedBy); err != nil {
			return nil, fmt.Errorf("failed to scan status change: %w", err)
		}
		c.FromStatus, c.ToStatus = model.Status(from), model.Status(to)
		c.ChangedAt = c.ChangedAt.UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list status changes: %w", err)
	}
	return out, nil
}

func (p *postgres) ReportStats(ctx context.Context) (*model.ReportStats, error) {
	stats := emptyStats()

	rows, err := p.db.Query(ctx, `SELECT status, COUNT(*) FROM reports GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count reports by status: %w", err)
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		stats.ByStatus[model.Status(status)] = n
		stats.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to count reports by status: %w", err)
	}

	rows, err = p.db.Query(ctx, `SELECT c.id, c.name, COUNT(r.id)
		FROM categories c LEFT JOIN reports r ON r.category_id = c.id
		GROUP BY c.id, c.name ORDER BY c.name`)
	if err != nil {
		return nil, fmt.Errorf("failed to count reports by category: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var cc model.CategoryCount
		if err := rows.Scan(&cc.CategoryID, &cc.Name, &cc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan category count: %w", err)
		}
		stats.ByCategory = append(stats.ByCategory, cc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to count reports by category: %w", err)
	}
	return stats, nil
}

// ClaimIdempotencyKey inserts a pending row (status 0). An expired row for the
// key is taken over; an unexpired one leaves the claim unowned.
func (p *postgres) ClaimIdempotencyKey(ctx context.Context, keyHash, requestHash string, expiresAt time.Time) (bool, error) {
	tag, err := p.db.Exec(ctx, `INSERT INTO idempotency (key_hash, request_hash, response_body, response_status, created_at, expires_at)
		VALUES ($1, $2, ''::bytea, 0, NOW(), $3)
		ON CONFLICT (key_hash) DO UPDATE
		SET request_hash = EXCLUDED.request_hash, response_body = EXCLUDED.response_body,
		    response_status = 0, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
		WHERE idempotency.expires_at <= NOW()`,
		keyHash, requestHash, expiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *postgres) ReleaseIdempotencyKey(ctx context.Context, keyHash, requestHash string) error {
	_, err := p.db.Exec(ctx, `DELETE FROM idempotency WHERE key_hash = $1 AND request_hash = $2 AND response_status = 0`,
		keyHash, requestHash)
	if err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

// StoreIdempotentResponse stores an idempotent response in the database.
// An unexpired entry for the same key with another request hash is a conflict.
func (p *postgres) StoreIdempotentResponse(ctx context.Context, keyHash, requestHash string, responseBody []byte, statusCode int, expiresAt time.Time) error {
	tag, err := p.db.Exec(ctx, `INSERT INTO idempotency (key_hash, request_hash, response_body, response_status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, NOW(), $5)
		ON CONFLICT (key_hash) DO UPDATE
		SET request_hash = EXCLUDED.request_hash, response_body = EXCLUDED.response_body,
		    response_status = EXCLUDED.response_status, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
		WHERE idempotency.request_hash = EXCLUDED.request_hash OR idempotency.expires_at <= NOW()`,
		keyHash, requestHash, responseBody, statusCode, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to store idempotent response: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// GetIdempotentResponse retrieves a cached idempotent response from the database
func (p *postgres) GetIdempotentResponse(ctx context.Context, keyHash string) (*IdempotentResponse, error) {
	var resp IdempotentResponse
	err := p.db.QueryRow(ctx, `SELECT request_hash, response_body, response_status, expires_at FROM idempotency
		WHERE key_hash = $1 AND expires_at > NOW()`, keyHash).
		Scan(&resp.RequestHash, &resp.ResponseBody, &resp.StatusCode, &resp.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get idempotent response: %w", err)
	}
	return &resp, nil
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
