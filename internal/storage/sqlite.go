// internal/storage/sqlite.go
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/RegistryAccord/registryaccord-reports-go/internal/geo"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/model"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

// sqliteStore is the single-node backend. Write transactions start with
// BEGIN IMMEDIATE, so at most one writer holds the database at a time.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database file at path and applies
// the embedded migrations.
func NewSQLite(ctx context.Context, path string) (Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := migrateSQLite(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func migrateSQLite(db *sql.DB) error {
	src, err := iofs.New(sqliteMigrations, "migrations/sqlite")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	// m.Close would close db through the driver, so the migrator is left to the GC.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *sqliteStore) Close() {
	s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// inTx runs fn inside a write transaction and commits when it returns nil.
func (s *sqliteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *sqliteStore) CreateCategory(ctx context.Context, c model.Category) (*model.Category, error) {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM categories WHERE name = ? OR id = ?`, c.Name, c.ID).Scan(&n); err != nil {
			return fmt.Errorf("failed to check category: %w", err)
		}
		if n > 0 {
			return ErrConflict
		}
		var res sql.Result
		var err error
		if c.ID == 0 {
			res, err = tx.ExecContext(ctx, `INSERT INTO categories (name, description) VALUES (?, ?)`, c.Name, c.Description)
		} else {
			res, err = tx.ExecContext(ctx, `INSERT INTO categories (id, name, description) VALUES (?, ?, ?)`, c.ID, c.Name, c.Description)
		}
		if err != nil {
			return fmt.Errorf("failed to create category: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get last insert id: %w", err)
		}
		c.ID = id
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *sqliteStore) GetCategory(ctx context.Context, id int64) (*model.Category, error) {
	var c model.Category
	err := s.db.QueryRowContext(ctx, `SELECT id, name, description FROM categories WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.Description)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get category: %w", err)
	}
	return &c, nil
}

func (s *sqliteStore) ListCategories(ctx context.Context) ([]model.Category, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description FROM categories ORDER BY name`)
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
	return out, rows.Err()
}

const sqliteReportColumns = pgReportColumns

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSQLiteReport(row rowScanner) (model.Report, error) {
	var rr reportRow
	var created, updated int64
	err := row.Scan(&rr.id, &rr.userID, &rr.categoryID, &rr.title, &rr.description, &rr.severity,
		&rr.lat, &rr.lng, &rr.accuracy, &rr.attKey, &rr.attType, &rr.attSize,
		&rr.status, &created, &updated)
	if err != nil {
		return model.Report{}, err
	}
	rr.createdAt = time.Unix(0, created)
	rr.updatedAt = time.Unix(0, updated)
	return rr.report(), nil
}

func (s *sqliteStore) CreateReport(ctx context.Context, r model.Report) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM categories WHERE id = ?`, r.CategoryID).Scan(&n); err != nil {
			return fmt.Errorf("failed to check category: %w", err)
		}
		if n == 0 {
			return ErrCategoryNotFound
		}
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports WHERE id = ?`, r.ID).Scan(&n); err != nil {
			return fmt.Errorf("failed to check report: %w", err)
		}
		if n > 0 {
			return ErrConflict
		}
		args := append(reportArgs(r), r.CreatedAt.UnixNano(), r.UpdatedAt.UnixNano())
		if _, err := tx.ExecContext(ctx, `INSERT INTO reports (`+sqliteReportColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...); err != nil {
			return fmt.Errorf("failed to create report: %w", err)
		}
		return nil
	})
}

func (s *sqliteStore) GetReport(ctx context.Context, id string) (*model.Report, error) {
	r, err := scanSQLiteReport(s.db.QueryRowContext(ctx, `SELECT `+sqliteReportColumns+` FROM reports WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	return &r, nil
}

func sqliteFilter(f model.ReportFilter, conds []string, args []interface{}) ([]string, []interface{}) {
	if f.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*f.Status))
	}
	if f.CategoryID != nil {
		conds = append(conds, "category_id = ?")
		args = append(args, *f.CategoryID)
	}
	return conds, args
}

func (s *sqliteStore) ListReports(ctx context.Context, f model.ReportFilter) ([]model.Report, error) {
	conds, args := sqliteFilter(f, nil, nil)
	query := `SELECT ` + sqliteReportColumns + ` FROM reports`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ?`
	return s.queryReports(ctx, query, append(args, f.EffectiveLimit())...)
}

func (s *sqliteStore) ListReportsInBox(ctx context.Context, box geo.BoundingBox, f model.ReportFilter) ([]model.Report, error) {
	conds := []string{"lat IS NOT NULL", "lat BETWEEN ? AND ?"}
	args := []interface{}{box.MinLat, box.MaxLat}
	if box.WrapsAntimeridian {
		conds = append(conds, "(lng >= ? OR lng <= ?)")
	} else {
		conds = append(conds, "lng BETWEEN ? AND ?")
	}
	args = append(args, box.MinLng, box.MaxLng)
	conds, args = sqliteFilter(f, conds, args)
	return s.queryReports(ctx, `SELECT `+sqliteReportColumns+` FROM reports WHERE `+strings.Join(conds, " AND "), args...)
}

func (s *sqliteStore) queryReports(ctx context.Context, query string, args ...interface{}) ([]model.Report, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	out := make([]model.Report, 0)
	for rows.Next() {
		r, err := scanSQLiteReport(rows)
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

func loadReportTx(ctx context.Context, tx *sql.Tx, id string) (model.Report, error) {
	r, err := scanSQLiteReport(tx.QueryRowContext(ctx, `SELECT `+sqliteReportColumns+` FROM reports WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Report{}, ErrNotFound
		}
		return model.Report{}, fmt.Errorf("failed to load report: %w", err)
	}
	return r, nil
}

func (s *sqliteStore) UpdateReport(ctx context.Context, id string, fn Mutation) (*model.Report, error) {
	var next model.Report
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := loadReportTx(ctx, tx, id)
		if err != nil {
			return err
		}
		var change *model.StatusChange
		next, change, err = applyMutation(current, fn, time.Now().UTC())
		if err != nil {
			return err
		}

		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM categories WHERE id = ?`, next.CategoryID).Scan(&n); err != nil {
			return fmt.Errorf("failed to check category: %w", err)
		}
		if n == 0 {
			return ErrCategoryNotFound
		}

		a := reportArgs(next)
		_, err = tx.ExecContext(ctx, `UPDATE reports SET
			category_id = ?, title = ?, description = ?, severity = ?, lat = ?, lng = ?, accuracy_m = ?,
			attachment_key = ?, attachment_type = ?, attachment_size = ?, status = ?, updated_at = ?
			WHERE id = ?`, append(a[2:], next.UpdatedAt.UnixNano(), next.ID)...)
		if err != nil {
			return fmt.Errorf("failed to update report: %w", err)
		}

		if change != nil {
			res, err := tx.ExecContext(ctx, `INSERT INTO status_changes (report_id, from_status, to_status, note, changed_at, changed_by)
				VALUES (?, ?, ?, ?, ?, ?)`,
				change.ReportID, string(change.FromStatus), string(change.ToStatus), change.Note, change.ChangedAt.UnixNano(), change.ChangedBy)
			if err != nil {
				return fmt.Errorf("failed to append status change: %w", err)
			}
			if change.ID, err = res.LastInsertId(); err != nil {
				return fmt.Errorf("failed to get status change id: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &next, nil
}

func (s *sqliteStore) DeleteReport(ctx context.Context, id string, guard Guard) (*model.Report, error) {
	var deleted model.Report
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := loadReportTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if guard != nil {
			if err := guard(current.Clone()); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM reports WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete report: %w", err)
		}
		deleted = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &deleted, nil
}

func (s *sqliteStore) ListStatusChanges(ctx context.Context, reportID string) ([]model.StatusChange, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, report_id, from_status, to_status, note, changed_at, changed_by
		FROM status_changes WHERE report_id = ? ORDER BY id`, reportID)
	if err != nil {
		return nil, fmt.Errorf("failed to list status changes: %w", err)
	}
	defer rows.Close()

	out := make([]model.StatusChange, 0)
	for rows.Next() {
		var c model.StatusChange
		var from, to string
		var changedAt int64
		if err := rows.Scan(&c.ID, &c.ReportID, &from, &to, &c.Note, &changedAt, &c.ChangedBy); err != nil {
			return nil, fmt.Errorf("failed to scan status change: %w", err)
		}
		c.FromStatus, c.ToStatus = model.Status(from), model.Status(to)
		c.ChangedAt = time.Unix(0, changedAt).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ReportStats(ctx context.Context) (*model.ReportStats, error) {
	stats := emptyStats()

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM reports GROUP BY status`)
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

	rows, err = s.db.QueryContext(ctx, `SELECT c.id, c.name, COUNT(r.id)
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
	return stats, rows.Err()
}

func (s *sqliteStore) ClaimIdempotencyKey(ctx context.Context, keyHash, requestHash string, expiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO idempotency (key_hash, request_hash, response_body, response_status, expires_at)
		VALUES (?, ?, X'', 0, ?)
		ON CONFLICT (key_hash) DO UPDATE
		SET request_hash = excluded.request_hash, response_body = excluded.response_body,
		    response_status = 0, expires_at = excluded.expires_at
		WHERE idempotency.expires_at <= ?`,
		keyHash, requestHash, expiresAt.UnixNano(), time.Now().UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	return n == 1, nil
}

func (s *sqliteStore) ReleaseIdempotencyKey(ctx context.Context, keyHash, requestHash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency WHERE key_hash = ? AND request_hash = ? AND response_status = 0`,
		keyHash, requestHash)
	if err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

func (s *sqliteStore) StoreIdempotentResponse(ctx context.Context, keyHash, requestHash string, responseBody []byte, statusCode int, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO idempotency (key_hash, request_hash, response_body, response_status, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (key_hash) DO UPDATE
		SET request_hash = excluded.request_hash, response_body = excluded.response_body,
		    response_status = excluded.response_status, expires_at = excluded.expires_at
		WHERE idempotency.request_hash = excluded.request_hash OR idempotency.expires_at <= ?`,
		keyHash, requestHash, responseBody, statusCode, expiresAt.UnixNano(), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to store idempotent response: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to store idempotent response: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *sqliteStore) GetIdempotentResponse(ctx context.Context, keyHash string) (*IdempotentResponse, error) {
	var resp IdempotentResponse
	var expires int64
	err := s.db.QueryRowContext(ctx, `SELECT request_hash, response_body, response_status, expires_at FROM idempotency
		WHERE key_hash = ? AND expires_at > ?`, keyHash, time.Now().UnixNano()).
		Scan(&resp.RequestHash, &resp.ResponseBody, &resp.StatusCode, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get idempotent response: %w", err)
	}
	resp.ExpiresAt = time.Unix(0, expires).UTC()
	return &resp, nil
}
