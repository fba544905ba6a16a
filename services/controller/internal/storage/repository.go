package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const policyColumns = `id, target_id, target_type, filter_name, params, action, condition_text, object_type, object_size, object_tag, transient, location, alive, status, rule_text, created_at, updated_at`

// Repository stores policy records in Postgres through pgx.
type Repository struct {
	Store *Store
}

func NewRepository(store *Store) *Repository {
	return &Repository{Store: store}
}

func (r *Repository) CreatePolicy(ctx context.Context, rec PolicyRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	params, err := encodeParams(rec.Params)
	if err != nil {
		return "", err
	}
	_, err = r.Store.Pool.Exec(ctx, `
		INSERT INTO policies (`+policyColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,now(),now())`,
		rec.ID, rec.TargetID, rec.TargetType, rec.Filter, params, rec.Action, rec.Condition,
		rec.ObjectType, rec.ObjectSize, rec.ObjectTag, rec.Transient, rec.Location, rec.Alive, rec.Status, rec.RuleText,
	)
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

func (r *Repository) GetPolicy(ctx context.Context, id string) (PolicyRecord, error) {
	row := r.Store.Pool.QueryRow(ctx, `SELECT `+policyColumns+` FROM policies WHERE id=$1`, id)
	rec, err := scanPolicy(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return PolicyRecord{}, ErrNotFound
	}
	return rec, err
}

func (r *Repository) ListPolicies(ctx context.Context) ([]PolicyRecord, error) {
	return r.list(ctx, `SELECT `+policyColumns+` FROM policies ORDER BY created_at DESC`)
}

func (r *Repository) ListAlivePolicies(ctx context.Context) ([]PolicyRecord, error) {
	return r.list(ctx, `SELECT `+policyColumns+` FROM policies WHERE alive ORDER BY created_at ASC`)
}

func (r *Repository) list(ctx context.Context, query string) ([]PolicyRecord, error) {
	rows, err := r.Store.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []PolicyRecord{}
	for rows.Next() {
		rec, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

func (r *Repository) SetPolicyLocation(ctx context.Context, id, location string) error {
	return r.exec(ctx, `UPDATE policies SET location=$1, updated_at=now() WHERE id=$2`, location, id)
}

func (r *Repository) SetPolicyStatus(ctx context.Context, id, status string, alive bool) error {
	return r.exec(ctx, `UPDATE policies SET status=$1, alive=$2, updated_at=now() WHERE id=$3`, status, alive, id)
}

func (r *Repository) DeletePolicy(ctx context.Context, id string) error {
	return r.exec(ctx, `DELETE FROM policies WHERE id=$1`, id)
}

func (r *Repository) exec(ctx context.Context, query string, args ...any) error {
	tag, err := r.Store.Pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (PolicyRecord, error) {
	var rec PolicyRecord
	var params []byte
	var created, updated time.Time
	if err := row.Scan(&rec.ID, &rec.TargetID, &rec.TargetType, &rec.Filter, &params, &rec.Action, &rec.Condition,
		&rec.ObjectType, &rec.ObjectSize, &rec.ObjectTag, &rec.Transient, &rec.Location, &rec.Alive, &rec.Status, &rec.RuleText,
		&created, &updated); err != nil {
		return PolicyRecord{}, err
	}
	decoded, err := decodeParams(params)
	if err != nil {
		return PolicyRecord{}, err
	}
	rec.Params = decoded
	rec.CreatedAt = created.UTC()
	rec.UpdatedAt = updated.UTC()
	return rec, nil
}
