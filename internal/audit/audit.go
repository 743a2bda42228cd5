// Package audit records communication entries: every command the bus sees
// and every message crossing the service boundary.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"missionline/internal/domain"
	"missionline/internal/repo"
)

// Directions used by the service.
const (
	DirectionCommand     = "COMMAND_DISPATCH"
	DirectionExternalIn  = "EXTERNAL_IN"
	DirectionExternalOut = "EXTERNAL_OUT"
)

type Sink interface {
	Record(ctx context.Context, e domain.AuditEntry) error
}

// Entry builds an entry stamped with now. A nil payload becomes an empty object.
func Entry(now time.Time, direction, message string, payload map[string]any) domain.AuditEntry {
	if payload == nil {
		payload = map[string]any{}
	}
	return domain.AuditEntry{
		Timestamp: domain.Timestamp(now),
		Direction: direction,
		Message:   message,
		Payload:   payload,
	}
}

// SQL persists entries to the audit_log table.
type SQL struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (s SQL) Record(ctx context.Context, e domain.AuditEntry) error {
	if e.Timestamp == "" {
		now := time.Now
		if s.Now != nil {
			now = s.Now
		}
		e.Timestamp = domain.Timestamp(now())
	}
	if _, err := s.Repo.InsertAuditEntry(ctx, e); err != nil {
		return domain.Transport("record audit entry", err)
	}
	return nil
}

// Log writes entries as single lines to a logger.
type Log struct {
	Logger *log.Logger
}

func (l Log) Record(_ context.Context, e domain.AuditEntry) error {
	logger := l.Logger
	if logger == nil {
		logger = log.Default()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	logger.Printf("COMMUNICATION_LOG :: %s", data)
	return nil
}

// Multi records to every sink, returning the errors of all failed sinks joined.
type Multi []Sink

func (m Multi) Record(ctx context.Context, e domain.AuditEntry) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// List returns the newest entries first. direction filters when non-empty.
func List(ctx context.Context, r repo.Repo, limit int, direction string) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	entries, err := r.LatestAuditEntries(ctx, limit, direction)
	if err != nil {
		return nil, domain.Transport("list audit entries", err)
	}
	return entries, nil
}
