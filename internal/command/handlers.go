package command

import (
	"context"
	"strings"

	"github.com/mitchellh/mapstructure"

	"missionline/internal/casefile"
	"missionline/internal/domain"
)

type casefileRef struct {
	CasefileID string `json:"casefile_id"`
}

type createPayload struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	CasefileID  string           `json:"casefile_id"`
	ParentID    string           `json:"parent_id"`
	Campaign    *domain.Campaign `json:"campaign"`
	Dossier     *domain.Grouping `json:"dossier"`
	Tags        []string         `json:"tags"`
}

type eventPayload struct {
	CasefileID string         `json:"casefile_id"`
	Source     string         `json:"source"`
	EventType  string         `json:"event_type"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata"`
}

type grantPayload struct {
	CasefileID    string `json:"casefile_id"`
	UserIDToGrant string `json:"user_id_to_grant"`
	Role          string `json:"role"`
}

type revokePayload struct {
	CasefileID     string `json:"casefile_id"`
	UserIDToRevoke string `json:"user_id_to_revoke"`
}

// decode maps a command payload onto a typed struct using its json tags.
func decode(cmd domain.Command, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(cmd.Payload); err != nil {
		return &domain.Error{Kind: domain.KindValidation, Op: cmd.CommandType, Msg: "invalid payload", Err: err}
	}
	return nil
}

func requireID(cmd domain.Command, id string) error {
	if strings.TrimSpace(id) == "" {
		return &domain.Error{Kind: domain.KindValidation, Op: cmd.CommandType, Msg: "casefile_id required"}
	}
	return nil
}

func createCasefile(ctx context.Context, b *Bus, cmd domain.Command) (any, error) {
	var p createPayload
	if err := decode(cmd, &p); err != nil {
		return nil, err
	}
	id, err := b.Store.Create(ctx, casefile.CreateOptions{
		Name:        p.Name,
		Description: p.Description,
		UserID:      cmd.UserID,
		CasefileID:  p.CasefileID,
		ParentID:    p.ParentID,
		Campaign:    p.Campaign,
		Dossier:     p.Dossier,
		Tags:        p.Tags,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"casefile_id": id}, nil
}

// updateCasefile treats every payload key other than casefile_id as a field update.
func updateCasefile(ctx context.Context, b *Bus, cmd domain.Command) (any, error) {
	var ref casefileRef
	if err := decode(cmd, &ref); err != nil {
		return nil, err
	}
	if err := requireID(cmd, ref.CasefileID); err != nil {
		return nil, err
	}
	updates := make(map[string]any, len(cmd.Payload))
	for k, v := range cmd.Payload {
		if k != "casefile_id" {
			updates[k] = v
		}
	}
	cf, ignored, err := b.Store.Update(ctx, ref.CasefileID, cmd.UserID, updates)
	if err != nil {
		return nil, err
	}
	out, err := toMap(cf)
	if err != nil {
		return nil, err
	}
	if len(ignored) > 0 {
		out["ignored_fields"] = ignored
	}
	return out, nil
}

func deleteCasefile(ctx context.Context, b *Bus, cmd domain.Command) (any, error) {
	var ref casefileRef
	if err := decode(cmd, &ref); err != nil {
		return nil, err
	}
	if err := requireID(cmd, ref.CasefileID); err != nil {
		return nil, err
	}
	if err := b.Store.Delete(ctx, ref.CasefileID, cmd.UserID); err != nil {
		return nil, err
	}
	return map[string]any{"casefile_id": ref.CasefileID, "deleted": true}, nil
}

func logEvent(ctx context.Context, b *Bus, cmd domain.Command) (any, error) {
	var p eventPayload
	if err := decode(cmd, &p); err != nil {
		return nil, err
	}
	if err := requireID(cmd, p.CasefileID); err != nil {
		return nil, err
	}
	return b.Store.LogEvent(ctx, p.CasefileID, cmd.UserID, casefile.EventInput{
		Source:    p.Source,
		EventType: p.EventType,
		Content:   p.Content,
		Metadata:  p.Metadata,
	})
}

func getCasefile(ctx context.Context, b *Bus, cmd domain.Command) (any, error) {
	var ref casefileRef
	if err := decode(cmd, &ref); err != nil {
		return nil, err
	}
	if err := requireID(cmd, ref.CasefileID); err != nil {
		return nil, err
	}
	return b.Store.LoadFor(ctx, ref.CasefileID, cmd.UserID)
}

func listAllCasefiles(ctx context.Context, b *Bus, _ domain.Command) (any, error) {
	items, err := b.Store.ListWithStatus(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"casefiles": items}, nil
}

func grantAccess(ctx context.Context, b *Bus, cmd domain.Command) (any, error) {
	var p grantPayload
	if err := decode(cmd, &p); err != nil {
		return nil, err
	}
	if err := requireID(cmd, p.CasefileID); err != nil {
		return nil, err
	}
	cf, err := b.Store.GrantAccess(ctx, p.CasefileID, p.UserIDToGrant, p.Role, cmd.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"casefile_id": cf.ID, "acl": cf.ACL}, nil
}

func revokeAccess(ctx context.Context, b *Bus, cmd domain.Command) (any, error) {
	var p revokePayload
	if err := decode(cmd, &p); err != nil {
		return nil, err
	}
	if err := requireID(cmd, p.CasefileID); err != nil {
		return nil, err
	}
	cf, err := b.Store.RevokeAccess(ctx, p.CasefileID, p.UserIDToRevoke, cmd.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"casefile_id": cf.ID, "acl": cf.ACL}, nil
}

// advanceCasefile requires write access before running a stage.
func advanceCasefile(ctx context.Context, b *Bus, cmd domain.Command) (any, error) {
	var ref casefileRef
	if err := decode(cmd, &ref); err != nil {
		return nil, err
	}
	if err := requireID(cmd, ref.CasefileID); err != nil {
		return nil, err
	}
	if b.Orchestrator == nil {
		return nil, domain.ExecutionFailuref("orchestrator not configured")
	}
	cf, err := b.Store.LoadFor(ctx, ref.CasefileID, cmd.UserID)
	if err != nil {
		return nil, err
	}
	if role, _ := cf.RoleOf(cmd.UserID); !role.CanWrite() {
		return nil, domain.PermissionDeniedf("user %s needs writer on casefile %s", cmd.UserID, cf.ID)
	}
	return b.Orchestrator.Advance(ctx, ref.CasefileID)
}
