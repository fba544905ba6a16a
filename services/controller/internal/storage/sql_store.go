package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// dialect captures what differs between the database/sql backends.
type dialect struct {
	name        string
	driver      string
	placeholder func(n int) string
	schema      string
}

// SQLRepository stores policy records through database/sql on MySQL,
// Postgres (lib/pq) or SQL Server.
type SQLRepository struct {
	db      *sql.DB
	dialect dialect
}

// NewSQLRepository opens the database for driver and pings it.
func NewSQLRepository(ctx context.Context, driver, dsn string) (*SQLRepository, error) {
	if strings.TrimSpace(driver) == "" {
		return nil, errors.New("store driver is required")
	}
	var (
		repo *SQLRepository
		err  error
	)
	switch strings.ToLower(driver) {
	case "mysql":
		repo, err = openMySQL(dsn)
	case "postgres", "postgresql":
		repo, err = openPostgres(dsn)
	case "mssql", "sqlserver":
		repo, err = openMSSQL(dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := repo.db.PingContext(pingCtx); err != nil {
		_ = repo.db.Close()
		return nil, fmt.Errorf("ping %s: %w", repo.dialect.name, err)
	}
	return repo, nil
}

func openDatabase(d dialect, dsn string) (*SQLRepository, error) {
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s connection: %w", d.name, err)
	}
	return &SQLRepository{db: db, dialect: d}, nil
}

func (r *SQLRepository) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// EnsureSchema creates the policies table when it does not exist.
func (r *SQLRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, r.dialect.schema); err != nil {
		return fmt.Errorf("create %s policies table: %w", r.dialect.name, err)
	}
	return nil
}

// bind rewrites "?" placeholders into the dialect's form.
func (r *SQLRepository) bind(query string) string {
	if r.dialect.placeholder == nil {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteString(r.dialect.placeholder(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (r *SQLRepository) CreatePolicy(ctx context.Context, rec PolicyRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	params, err := encodeParams(rec.Params)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	_, err = r.db.ExecContext(ctx, r.bind(`
		INSERT INTO policies (`+policyColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		rec.ID, rec.TargetID, rec.TargetType, rec.Filter, string(params), rec.Action, rec.Condition,
		rec.ObjectType, rec.ObjectSize, rec.ObjectTag, rec.Transient, rec.Location, rec.Alive, rec.Status, rec.RuleText,
		now, now,
	)
	if err != nil {
		return "", fmt.Errorf("insert %s policy: %w", r.dialect.name, err)
	}
	return rec.ID, nil
}

func (r *SQLRepository) GetPolicy(ctx context.Context, id string) (PolicyRecord, error) {
	row := r.db.QueryRowContext(ctx, r.bind(`SELECT `+policyColumns+` FROM policies WHERE id=?`), id)
	rec, err := scanSQLPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PolicyRecord{}, ErrNotFound
	}
	return rec, err
}

func (r *SQLRepository) ListPolicies(ctx context.Context) ([]PolicyRecord, error) {
	return r.list(ctx, `SELECT `+policyColumns+` FROM policies ORDER BY created_at DESC`)
}

func (r *SQLRepository) ListAlivePolicies(ctx context.Context) ([]PolicyRecord, error) {
	return r.list(ctx, `SELECT `+policyColumns+` FROM policies WHERE alive=? ORDER BY created_at ASC`, true)
}

func (r *SQLRepository) list(ctx context.Context, query string, args ...any) ([]PolicyRecord, error) {
	rows, err := r.db.QueryContext(ctx, r.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list %s policies: %w", r.dialect.name, err)
	}
	defer rows.Close()
	results := []PolicyRecord{}
	for rows.Next() {
		rec, err := scanSQLPolicy(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s policies: %w", r.dialect.name, err)
	}
	return results, nil
}

func (r *SQLRepository) SetPolicyLocation(ctx context.Context, id, location string) error {
	return r.exec(ctx, `UPDATE policies SET location=?, updated_at=? WHERE id=?`, location, time.Now().UTC(), id)
}

func (r *SQLRepository) SetPolicyStatus(ctx context.Context, id, status string, alive bool) error {
	return r.exec(ctx, `UPDATE policies SET status=?, alive=?, updated_at=? WHERE id=?`, status, alive, time.Now().UTC(), id)
}

func (r *SQLRepository) DeletePolicy(ctx context.Context, id string) error {
	return r.exec(ctx, `DELETE FROM policies WHERE id=?`, id)
}

func (r *SQLRepository) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, r.bind(query), args...)
	if err != nil {
		return fmt.Errorf("update %s policy: %w", r.dialect.name, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSQLPolicy(row rowScanner) (PolicyRecord, error) {
	var rec PolicyRecord
	var params string
	var location, objectType, objectSize, objectTag sql.NullString
	if err := row.Scan(&rec.ID, &rec.TargetID, &rec.TargetType, &rec.Filter, &params, &rec.Action, &rec.Condition,
		&objectType, &objectSize, &objectTag, &rec.Transient, &location, &rec.Alive, &rec.Status, &rec.RuleText,
		&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return PolicyRecord{}, err
	}
	decoded, err := decodeParams([]byte(params))
	if err != nil {
		return PolicyRecord{}, err
	}
	rec.Params = decoded
	rec.ObjectType = objectType.String
	rec.ObjectSize = objectSize.String
	rec.ObjectTag = objectTag.String
	rec.Location = location.String
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}
