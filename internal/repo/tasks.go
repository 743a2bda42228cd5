package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"missionline/internal/domain"
)

const taskColumns = `id,name,payload_json,status,result_json,COALESCE(error,''),attempts,created_at,updated_at`

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var payload, result sql.NullString
	if err := row.Scan(&t.ID, &t.Name, &payload, &t.Status, &result, &t.Error, &t.Attempts, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, ErrNotFound
		}
		return t, err
	}
	var err error
	if t.Payload, err = unmarshalPayload(payload); err != nil {
		return t, fmt.Errorf("decode task payload: %w", err)
	}
	if t.Result, err = unmarshalPayload(result); err != nil {
		return t, fmt.Errorf("decode task result: %w", err)
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	payload, err := marshalPayload(t.Payload)
	if err != nil {
		return fmt.Errorf("encode task payload: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO tasks(id,name,payload_json,status,attempts,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		t.ID, t.Name, payload, t.Status, t.Attempts, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// ListTasks returns the newest tasks first; status filters when non-empty.
func (r Repo) ListTasks(ctx context.Context, status string, limit int) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ClaimNextTask moves the oldest queued task to running. It returns ErrNotFound when the queue is empty.
// The status guard on the UPDATE makes the claim safe against concurrent workers.
func (r Repo) ClaimNextTask(ctx context.Context, now string) (domain.Task, error) {
	for {
		var id string
		err := r.DB.QueryRowContext(ctx, `SELECT id FROM tasks WHERE status='queued' ORDER BY created_at ASC, id ASC LIMIT 1`).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Task{}, ErrNotFound
		}
		if err != nil {
			return domain.Task{}, err
		}
		res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET status='running', attempts=attempts+1, updated_at=? WHERE id=? AND status='queued'`, now, id)
		if err != nil {
			return domain.Task{}, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return r.GetTask(ctx, id)
		}
		// another worker won the row; look again
	}
}

// FinishTask records a terminal status with its result or error.
func (r Repo) FinishTask(ctx context.Context, id, status string, result map[string]any, errMsg, now string) error {
	var resultJSON any
	if result != nil {
		s, err := marshalPayload(result)
		if err != nil {
			return fmt.Errorf("encode task result: %w", err)
		}
		resultJSON = s
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET status=?, result_json=?, error=?, updated_at=? WHERE id=?`,
		status, resultJSON, nullable(errMsg), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueTask returns a running task to the queue for another attempt.
func (r Repo) RequeueTask(ctx context.Context, id, errMsg, now string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE tasks SET status='queued', error=?, updated_at=? WHERE id=? AND status='running'`, nullable(errMsg), now, id)
	return err
}
