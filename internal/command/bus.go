// Package command wraps store and orchestrator operations in an audited
// request/result envelope.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"missionline/internal/audit"
	"missionline/internal/casefile"
	"missionline/internal/domain"
	"missionline/internal/orchestrator"
)

// Command types.
const (
	CreateCasefile   = "CREATE_CASEFILE"
	UpdateCasefile   = "UPDATE_CASEFILE"
	DeleteCasefile   = "DELETE_CASEFILE"
	LogEvent         = "LOG_EVENT"
	GetCasefile      = "GET_CASEFILE"
	ListAllCasefiles = "LIST_ALL_CASEFILES"
	GrantAccess      = "GRANT_ACCESS"
	RevokeAccess     = "REVOKE_ACCESS"
	AdvanceCasefile  = "ADVANCE_CASEFILE"
)

// Advancer runs one orchestration step.
type Advancer interface {
	Advance(ctx context.Context, casefileID string) (orchestrator.Outcome, error)
}

type Bus struct {
	Store        casefile.Store
	Orchestrator Advancer
	Audit        audit.Sink
	Now          func() time.Time
	Logger       *log.Logger
}

type handler func(ctx context.Context, b *Bus, cmd domain.Command) (any, error)

var handlers = map[string]handler{
	CreateCasefile:   createCasefile,
	UpdateCasefile:   updateCasefile,
	DeleteCasefile:   deleteCasefile,
	LogEvent:         logEvent,
	GetCasefile:      getCasefile,
	ListAllCasefiles: listAllCasefiles,
	GrantAccess:      grantAccess,
	RevokeAccess:     revokeAccess,
	AdvanceCasefile:  advanceCasefile,
}

// Types lists the supported command types.
func Types() []string {
	out := make([]string, 0, len(handlers))
	for t := range handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (b *Bus) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b *Bus) logger() *log.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return log.Default()
}

// Dispatch runs cmd and records its lifecycle. The returned command carries
// the final status. When the operation fails its error is returned unchanged
// after the failure has been audited. An unknown type is rejected before
// anything is recorded.
func (b *Bus) Dispatch(ctx context.Context, cmd domain.Command) (domain.Command, error) {
	h, ok := handlers[cmd.CommandType]
	if !ok {
		return cmd, domain.Validationf("unknown command type %q", cmd.CommandType)
	}
	if cmd.CommandID == "" {
		cmd.CommandID = domain.NewUUID()
	}
	if cmd.Timestamp == "" {
		cmd.Timestamp = domain.Timestamp(b.now())
	}
	if cmd.Payload == nil {
		cmd.Payload = map[string]any{}
	}
	cmd.Status = domain.CommandReceived
	cmd.Result = nil
	cmd.Error = ""
	if err := b.record(ctx, "Dispatching command: "+cmd.CommandType, cmd); err != nil {
		return cmd, err
	}

	res, err := h(ctx, b, cmd)
	if err == nil {
		cmd.Result, err = toResult(res)
	}
	if err != nil {
		cmd.Status = domain.CommandFailed
		cmd.Error = err.Error()
		b.logger().Printf("[command] %s %s failed: %v", cmd.CommandType, cmd.CommandID, err)
		if aerr := b.record(ctx, fmt.Sprintf("Command %s failed: %v", cmd.CommandType, err), cmd); aerr != nil {
			b.logger().Printf("[command] audit %s: %v", cmd.CommandID, aerr)
		}
		return cmd, err
	}
	cmd.Status = domain.CommandCompleted
	if err := b.record(ctx, fmt.Sprintf("Command %s completed successfully.", cmd.CommandType), cmd); err != nil {
		return cmd, err
	}
	return cmd, nil
}

func (b *Bus) record(ctx context.Context, msg string, cmd domain.Command) error {
	if b.Audit == nil {
		return nil
	}
	payload, err := toMap(cmd)
	if err != nil {
		return err
	}
	return b.Audit.Record(ctx, audit.Entry(b.now(), audit.DirectionCommand, msg, payload))
}

// toResult normalises a handler result to a JSON object. Non-object values
// are wrapped under "value".
func toResult(v any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode command result: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err == nil && out != nil {
		return out, nil
	}
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("decode command result: %w", err)
	}
	return map[string]any{"value": value}, nil
}

func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	return out, nil
}
