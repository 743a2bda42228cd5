package tools

import (
	"context"
	"fmt"
	"strings"

	"missionline/internal/casefile"
	"missionline/internal/domain"
)

// RegisterBuiltins adds echo and one fixed-output tool per static entry.
func RegisterBuiltins(r *Registry, static map[string]map[string]any) error {
	if err := r.Register("echo", "Returns its arguments unchanged.", func(_ context.Context, args map[string]any) (map[string]any, error) {
		out := make(map[string]any, len(args))
		for k, v := range args {
			out[k] = v
		}
		return out, nil
	}); err != nil {
		return err
	}
	for name, payload := range static {
		payload := payload
		if err := r.Register("static."+name, "Returns a configured payload.", func(context.Context, map[string]any) (map[string]any, error) {
			out := make(map[string]any, len(payload))
			for k, v := range payload {
				out[k] = v
			}
			return out, nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// RegisterCasefileTools exposes the casefile store as tools.
// log_event writes on behalf of the casefile owner; create_casefile and
// delete_casefile act as the user_id argument.
func RegisterCasefileTools(r *Registry, store casefile.Store) error {
	regs := []struct {
		name, desc string
		h          Handler
	}{
		{"get_casefile", "Loads a casefile by casefile_id.", func(ctx context.Context, args map[string]any) (map[string]any, error) {
			id, err := stringArg(args, "casefile_id")
			if err != nil {
				return nil, err
			}
			cf, err := store.Load(ctx, id)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"id":          cf.ID,
				"name":        cf.Name,
				"description": cf.Description,
				"status":      string(cf.Status()),
				"tags":        cf.Tags,
			}, nil
		}},
		{"list_all_casefiles", "Lists casefile ids, names and statuses.", func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			rows, err := store.ListWithStatus(ctx)
			if err != nil {
				return nil, err
			}
			items := make([]any, 0, len(rows))
			for _, row := range rows {
				items = append(items, map[string]any{"id": row.ID, "name": row.Name, "status": string(row.Status)})
			}
			return map[string]any{"casefiles": items, "count": len(items)}, nil
		}},
		{"create_casefile", "Creates a casefile owned by user_id.", func(ctx context.Context, args map[string]any) (map[string]any, error) {
			name, err := stringArg(args, "name")
			if err != nil {
				return nil, err
			}
			userID, err := stringArg(args, "user_id")
			if err != nil {
				return nil, err
			}
			desc, _ := args["description"].(string)
			parent, _ := args["parent_id"].(string)
			id, err := store.Create(ctx, casefile.CreateOptions{Name: name, Description: desc, UserID: userID, ParentID: parent})
			if err != nil {
				return nil, err
			}
			return map[string]any{"casefile_id": id}, nil
		}},
		{"delete_casefile", "Deletes a casefile; user_id must be an admin.", func(ctx context.Context, args map[string]any) (map[string]any, error) {
			id, err := stringArg(args, "casefile_id")
			if err != nil {
				return nil, err
			}
			userID, err := stringArg(args, "user_id")
			if err != nil {
				return nil, err
			}
			if err := store.Delete(ctx, id, userID); err != nil {
				return nil, err
			}
			return map[string]any{"casefile_id": id, "deleted": true}, nil
		}},
		{"log_event", "Appends an event to a casefile's log as its owner.", func(ctx context.Context, args map[string]any) (map[string]any, error) {
			id, err := stringArg(args, "casefile_id")
			if err != nil {
				return nil, err
			}
			content, _ := args["content"].(string)
			cf, err := store.Load(ctx, id)
			if err != nil {
				return nil, err
			}
			meta, _ := args["metadata"].(map[string]any)
			evt, err := store.LogEvent(ctx, id, cf.OwnerID, casefile.EventInput{
				Source:    domain.SourceExecutorAgent,
				EventType: domain.EventToolResult,
				Content:   content,
				Metadata:  meta,
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"event_id": evt.ID}, nil
		}},
	}
	for _, reg := range regs {
		if err := r.Register(reg.name, reg.desc, reg.h); err != nil {
			return err
		}
	}
	return nil
}

func stringArg(args map[string]any, key string) (string, error) {
	v, _ := args[key].(string)
	if strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("argument %s required", key)
	}
	return v, nil
}
