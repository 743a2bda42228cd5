package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"missionline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

// ErrNotFound matches domain.ErrNotFound under errors.Is.
var ErrNotFound = &domain.Error{Kind: domain.KindNotFound, Msg: "not found"}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const casefileColumns = `doc_json`

func scanCasefile(row interface{ Scan(...any) error }) (domain.Casefile, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Casefile{}, ErrNotFound
		}
		return domain.Casefile{}, err
	}
	var cf domain.Casefile
	if err := json.Unmarshal([]byte(doc), &cf); err != nil {
		return domain.Casefile{}, fmt.Errorf("decode casefile document: %w", err)
	}
	cf.Normalize()
	return cf, nil
}

func getCasefile(ctx context.Context, q execer, id string) (domain.Casefile, error) {
	return scanCasefile(q.QueryRowContext(ctx, `SELECT `+casefileColumns+` FROM casefiles WHERE id=?`, id))
}

func putCasefile(ctx context.Context, q execer, cf domain.Casefile) error {
	cf.Normalize()
	doc, err := json.Marshal(cf)
	if err != nil {
		return fmt.Errorf("encode casefile document: %w", err)
	}
	var parent any
	if cf.ParentID != nil {
		parent = nullable(*cf.ParentID)
	}
	_, err = q.ExecContext(ctx, `INSERT INTO casefiles(id,parent_id,name,owner_id,doc_json,created_at,modified_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET parent_id=excluded.parent_id, name=excluded.name, owner_id=excluded.owner_id, doc_json=excluded.doc_json, modified_at=excluded.modified_at`,
		cf.ID, parent, cf.Name, cf.OwnerID, string(doc), cf.CreatedAt, cf.ModifiedAt)
	return err
}

func (r Repo) GetCasefile(ctx context.Context, id string) (domain.Casefile, error) {
	return getCasefile(ctx, r.DB, id)
}

func (r Repo) GetCasefileTx(ctx context.Context, tx *sql.Tx, id string) (domain.Casefile, error) {
	return getCasefile(ctx, tx, id)
}

// PutCasefile writes the whole document, replacing any stored version.
func (r Repo) PutCasefile(ctx context.Context, cf domain.Casefile) error {
	return putCasefile(ctx, r.DB, cf)
}

func (r Repo) PutCasefileTx(ctx context.Context, tx *sql.Tx, cf domain.Casefile) error {
	return putCasefile(ctx, tx, cf)
}

func (r Repo) DeleteCasefile(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM casefiles WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListCasefiles returns documents oldest first. topLevel restricts to documents without a parent.
func (r Repo) ListCasefiles(ctx context.Context, topLevel bool) ([]domain.Casefile, error) {
	query := `SELECT ` + casefileColumns + ` FROM casefiles`
	if topLevel {
		query += ` WHERE parent_id IS NULL`
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Casefile{}
	for rows.Next() {
		cf, err := scanCasefile(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, cf)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func marshalPayload(v map[string]any) (string, error) {
	if v == nil {
		v = map[string]any{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalPayload(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}
