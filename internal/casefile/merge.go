package casefile

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"

	"missionline/internal/domain"
)

type fieldPolicy int

const (
	policyOverwrite fieldPolicy = iota + 1
	policyExtend
	policyProtected
)

// updatePolicies decides how Update treats each top-level field. Sequence
// fields extend with a list or append a single value; scalar fields overwrite.
// Protected fields carry identity or the owner invariant and are never patched.
var updatePolicies = map[string]fieldPolicy{
	"name":                 policyOverwrite,
	"description":          policyOverwrite,
	"casefile_type":        policyOverwrite,
	"campaign":             policyOverwrite,
	"dossier":              policyOverwrite,
	"tags":                 policyExtend,
	"sub_casefile_ids":     policyExtend,
	"workflows":            policyExtend,
	"engineered_workflows": policyExtend,
	"execution_results":    policyExtend,
	"event_log":            policyExtend,
	"id":                   policyProtected,
	"owner_id":             policyProtected,
	"acl":                  policyProtected,
	"parent_id":            policyProtected,
	"created_at":           policyProtected,
	"modified_at":          policyProtected,
}

// Update merges updates into the casefile. It returns the stored document and
// the field names that were ignored. A malformed value for a known field
// fails the whole update with nothing written.
func (s Store) Update(ctx context.Context, id, userID string, updates map[string]any) (domain.Casefile, []string, error) {
	cf, err := s.Load(ctx, id)
	if err != nil {
		return domain.Casefile{}, nil, err
	}
	if role, ok := cf.RoleOf(userID); !ok || !role.CanWrite() {
		return domain.Casefile{}, nil, domain.PermissionDeniedf("user %s needs writer or admin on casefile %s", userID, id)
	}

	fields := make([]string, 0, len(updates))
	for f := range updates {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var ignored []string
	for _, field := range fields {
		if updatePolicies[field] != policyOverwrite && updatePolicies[field] != policyExtend {
			ignored = append(ignored, field)
			continue
		}
		raw, err := json.Marshal(updates[field])
		if err != nil {
			return domain.Casefile{}, nil, &domain.Error{Kind: domain.KindValidation, Msg: "encode update for " + field, Err: err}
		}
		if err := applyField(&cf, field, raw); err != nil {
			return domain.Casefile{}, nil, err
		}
	}
	if len(ignored) > 0 {
		s.logger().Printf("[casefile] update %s ignored fields %v", id, ignored)
	}
	cf.Touch(s.now())
	if err := s.Docs.Put(ctx, cf); err != nil {
		return domain.Casefile{}, nil, err
	}
	return cf, ignored, nil
}

func applyField(cf *domain.Casefile, field string, raw json.RawMessage) error {
	var err error
	switch field {
	case "name":
		err = overwrite(&cf.Name, raw)
	case "description":
		err = overwrite(&cf.Description, raw)
	case "casefile_type":
		err = overwrite(&cf.CasefileType, raw)
	case "campaign":
		err = overwrite(&cf.Campaign, raw)
	case "dossier":
		err = overwrite(&cf.Dossier, raw)
	case "tags":
		cf.Tags, err = extend(cf.Tags, raw, nil)
	case "sub_casefile_ids":
		cf.SubCasefileIDs, err = extend(cf.SubCasefileIDs, raw, nil)
	case "workflows":
		cf.Workflows, err = extend(cf.Workflows, raw, func(w *domain.Workflow) error {
			w.AssignIDs()
			return w.Validate()
		})
	case "engineered_workflows":
		cf.EngineeredWorkflows, err = extend(cf.EngineeredWorkflows, raw, func(e *domain.EngineeredWorkflow) error {
			if e.EngineeredWorkflowID == "" {
				e.EngineeredWorkflowID = domain.ShortID("eng-wf-")
			}
			e.Workflow.AssignIDs()
			return e.Validate()
		})
	case "execution_results":
		cf.ExecutionResults, err = extend(cf.ExecutionResults, raw, nil)
	case "event_log":
		cf.EventLog, err = extend(cf.EventLog, raw, func(e *domain.Event) error {
			if e.ID == "" {
				e.ID = domain.ShortID("evt-")
			}
			if e.EventType == "" {
				e.EventType = domain.EventSystemLog
			}
			return domain.ValidateSource(e.Source)
		})
	default:
		return domain.Validationf("no update policy for field %s", field)
	}
	if err != nil && domain.KindOf(err) == domain.KindUnknown {
		return &domain.Error{Kind: domain.KindValidation, Msg: "invalid value for " + field, Err: err}
	}
	return err
}

func overwrite[T any](dst *T, raw json.RawMessage) error {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	*dst = v
	return nil
}

// extend appends every element of a JSON array, or a single JSON value as one element.
func extend[T any](stored []T, raw json.RawMessage, check func(*T) error) ([]T, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return stored, domain.Validationf("null is not a valid sequence value")
	}
	var items []T
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &items); err != nil {
			return stored, err
		}
	} else {
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			return stored, err
		}
		items = []T{item}
	}
	if check != nil {
		for i := range items {
			if err := check(&items[i]); err != nil {
				return stored, err
			}
		}
	}
	return append(stored, items...), nil
}
