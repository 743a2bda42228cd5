package repo

import (
	"context"
	"database/sql"
	"fmt"

	"missionline/internal/domain"
)

func (r Repo) InsertAuditEntry(ctx context.Context, e domain.AuditEntry) (int64, error) {
	payload, err := marshalPayload(e.Payload)
	if err != nil {
		return 0, fmt.Errorf("encode audit payload: %w", err)
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO audit_log(ts,direction,message,payload_json) VALUES (?,?,?,?)`,
		e.Timestamp, e.Direction, e.Message, payload)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// LatestAuditEntries returns up to limit entries, newest first. direction filters when non-empty.
func (r Repo) LatestAuditEntries(ctx context.Context, limit int, direction string) ([]domain.AuditEntry, error) {
	query := `SELECT id,ts,direction,message,payload_json FROM audit_log`
	var args []any
	if direction != "" {
		query += ` WHERE direction=?`
		args = append(args, direction)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.AuditEntry{}
	for rows.Next() {
		var e domain.AuditEntry
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Direction, &e.Message, &payload); err != nil {
			return nil, err
		}
		if e.Payload, err = unmarshalPayload(payload); err != nil {
			return nil, fmt.Errorf("decode audit payload: %w", err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// AuditEntriesAfter returns entries with id greater than cursor, oldest first.
func (r Repo) AuditEntriesAfter(ctx context.Context, cursor int64, limit int) ([]domain.AuditEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,direction,message,payload_json FROM audit_log WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.AuditEntry{}
	for rows.Next() {
		var e domain.AuditEntry
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Direction, &e.Message, &payload); err != nil {
			return nil, err
		}
		if e.Payload, err = unmarshalPayload(payload); err != nil {
			return nil, fmt.Errorf("decode audit payload: %w", err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestAuditID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM audit_log`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}
