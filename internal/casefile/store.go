// Package casefile is the document store for casefiles: access control,
// parent/child hierarchy and merge-write updates.
//
// Only child creation is transactional. Every other mutation is a plain
// load, modify, put cycle with no version check, so two concurrent writers
// on the same casefile can lose one update.
package casefile

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"missionline/internal/domain"
	"missionline/internal/repo"
)

const defaultCasefileType = "research"

type Store struct {
	Docs   DocumentDB
	Now    func() time.Time
	Logger *log.Logger
}

func New(docs DocumentDB) Store {
	return Store{Docs: docs, Now: time.Now}
}

// NewSQL returns a store backed by the SQLite repo.
func NewSQL(r repo.Repo) Store {
	return New(SQLDocuments{Repo: r})
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Store) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

// CreateOptions are parameters for creating a casefile.
type CreateOptions struct {
	Name        string
	Description string
	UserID      string
	CasefileID  string
	ParentID    string
	Campaign    *domain.Campaign
	Dossier     *domain.Grouping
	Tags        []string
}

// Create stores a new casefile and returns its id. With a ParentID the child
// and the updated parent are written in one transaction.
func (s Store) Create(ctx context.Context, opts CreateOptions) (string, error) {
	userID := strings.TrimSpace(opts.UserID)
	if userID == "" {
		return "", domain.Validationf("user_id required")
	}
	if strings.TrimSpace(opts.Name) == "" {
		return "", domain.Validationf("name required")
	}
	now := s.now()
	id := strings.TrimSpace(opts.CasefileID)
	if id == "" {
		id = domain.ShortID("case-")
	}
	cf := domain.Casefile{
		ID:           id,
		Name:         opts.Name,
		Description:  opts.Description,
		CasefileType: defaultCasefileType,
		OwnerID:      userID,
		Tags:         append([]string{}, opts.Tags...),
		Campaign:     opts.Campaign,
		Dossier:      opts.Dossier,
		CreatedAt:    domain.Timestamp(now),
		ModifiedAt:   domain.Timestamp(now),
	}
	cf.Normalize()

	if opts.ParentID == "" {
		cf.ACL = map[string]domain.Role{userID: domain.RoleAdmin}
		if cf.Campaign == nil {
			cf.Campaign = domain.NewCampaign("Campaign for "+cf.Name, now)
		}
		if cf.Dossier == nil {
			cf.Dossier = domain.NewGrouping("Dossier for "+cf.Name, now)
		}
		if opts.CasefileID != "" {
			if err := ensureAbsent(ctx, s.Docs.Get, id); err != nil {
				return "", err
			}
		}
		if err := s.Docs.Put(ctx, cf); err != nil {
			return "", err
		}
		s.logger().Printf("[casefile] created %s owner=%s", cf.ID, userID)
		return cf.ID, nil
	}

	err := s.Docs.InTx(ctx, func(tx DocumentTx) error {
		parent, err := tx.Get(ctx, opts.ParentID)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.NotFoundf("parent casefile %s not found", opts.ParentID)
		}
		if err != nil {
			return err
		}
		if role, ok := parent.RoleOf(userID); !ok || !role.CanWrite() {
			return domain.PermissionDeniedf("user %s needs writer or admin on parent casefile %s", userID, parent.ID)
		}
		if opts.CasefileID != "" {
			if err := ensureAbsent(ctx, tx.Get, id); err != nil {
				return err
			}
		}
		if cf.Campaign == nil {
			cf.Campaign = parent.Campaign
		}
		if cf.Dossier == nil {
			cf.Dossier = parent.Dossier
		}
		cf.ACL = make(map[string]domain.Role, len(parent.ACL)+1)
		for user, role := range parent.ACL {
			cf.ACL[user] = role
		}
		cf.ACL[userID] = domain.RoleAdmin
		parentID := parent.ID
		cf.ParentID = &parentID

		parent.SubCasefileIDs = append(parent.SubCasefileIDs, cf.ID)
		parent.Touch(now)
		if err := tx.Put(ctx, cf); err != nil {
			return err
		}
		return tx.Put(ctx, parent)
	})
	if err != nil {
		return "", err
	}
	s.logger().Printf("[casefile] created %s under %s owner=%s", cf.ID, opts.ParentID, userID)
	return cf.ID, nil
}

func ensureAbsent(ctx context.Context, get func(context.Context, string) (domain.Casefile, error), id string) error {
	_, err := get(ctx, id)
	switch {
	case err == nil:
		return domain.Validationf("casefile %s already exists", id)
	case errors.Is(err, repo.ErrNotFound):
		return nil
	default:
		return err
	}
}

// Load returns the casefile without an access check.
func (s Store) Load(ctx context.Context, id string) (domain.Casefile, error) {
	cf, err := s.Docs.Get(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Casefile{}, domain.NotFoundf("casefile %s not found", id)
	}
	return cf, err
}

// LoadFor returns the casefile if userID holds any role on it.
func (s Store) LoadFor(ctx context.Context, id, userID string) (domain.Casefile, error) {
	cf, err := s.Load(ctx, id)
	if err != nil {
		return cf, err
	}
	if _, ok := cf.RoleOf(userID); !ok {
		return domain.Casefile{}, domain.PermissionDeniedf("user %s has no access to casefile %s", userID, id)
	}
	return cf, nil
}

func (s Store) ListAll(ctx context.Context) ([]domain.Casefile, error) {
	return s.Docs.List(ctx, false)
}

// ListTopLevel returns casefiles that have no parent.
func (s Store) ListTopLevel(ctx context.Context) ([]domain.Casefile, error) {
	return s.Docs.List(ctx, true)
}

// Summary is a listing row with the derived status.
type Summary struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	OwnerID        string        `json:"owner_id"`
	ParentID       string        `json:"parent_id,omitempty"`
	Status         domain.Status `json:"status"`
	SubCasefileIDs []string      `json:"sub_casefile_ids"`
	ModifiedAt     string        `json:"modified_at" format:"date-time"`
}

func Summarize(cf domain.Casefile) Summary {
	sum := Summary{
		ID:             cf.ID,
		Name:           cf.Name,
		OwnerID:        cf.OwnerID,
		Status:         cf.Status(),
		SubCasefileIDs: cf.SubCasefileIDs,
		ModifiedAt:     cf.ModifiedAt,
	}
	if cf.ParentID != nil {
		sum.ParentID = *cf.ParentID
	}
	return sum
}

func (s Store) ListWithStatus(ctx context.Context) ([]Summary, error) {
	items, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(items))
	for _, cf := range items {
		out = append(out, Summarize(cf))
	}
	return out, nil
}

// Delete removes one casefile. Children and the parent's sub_casefile_ids entry are left as they are.
func (s Store) Delete(ctx context.Context, id, userID string) error {
	cf, err := s.Load(ctx, id)
	if err != nil {
		return err
	}
	if role, _ := cf.RoleOf(userID); role != domain.RoleAdmin {
		return domain.PermissionDeniedf("user %s needs admin to delete casefile %s", userID, id)
	}
	if err := s.Docs.Delete(ctx, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.NotFoundf("casefile %s not found", id)
		}
		return err
	}
	if len(cf.SubCasefileIDs) > 0 {
		s.logger().Printf("[casefile] deleted %s leaving %d sub-casefiles in place", id, len(cf.SubCasefileIDs))
	}
	return nil
}

// GrantAccess sets target's role. Only admins may grant.
func (s Store) GrantAccess(ctx context.Context, id, target, role, caller string) (domain.Casefile, error) {
	cf, err := s.requireAdmin(ctx, id, caller)
	if err != nil {
		return cf, err
	}
	r, err := domain.ParseRole(role)
	if err != nil {
		return domain.Casefile{}, err
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return domain.Casefile{}, domain.Validationf("target user required")
	}
	if target == cf.OwnerID && r != domain.RoleAdmin {
		return domain.Casefile{}, domain.Validationf("owner %s must remain admin on casefile %s", target, id)
	}
	cf.ACL[target] = r
	cf.Touch(s.now())
	if err := s.Docs.Put(ctx, cf); err != nil {
		return domain.Casefile{}, err
	}
	return cf, nil
}

// RevokeAccess removes target's entry. Revoking a user with no entry is a logged no-op.
func (s Store) RevokeAccess(ctx context.Context, id, target, caller string) (domain.Casefile, error) {
	cf, err := s.requireAdmin(ctx, id, caller)
	if err != nil {
		return cf, err
	}
	if target == cf.OwnerID {
		return domain.Casefile{}, domain.Validationf("cannot revoke owner %s from casefile %s", target, id)
	}
	if _, ok := cf.ACL[target]; !ok {
		s.logger().Printf("[casefile] WARNING: revoke on %s: user %s has no access entry", id, target)
		return cf, nil
	}
	delete(cf.ACL, target)
	cf.Touch(s.now())
	if err := s.Docs.Put(ctx, cf); err != nil {
		return domain.Casefile{}, err
	}
	return cf, nil
}

func (s Store) requireAdmin(ctx context.Context, id, caller string) (domain.Casefile, error) {
	cf, err := s.Load(ctx, id)
	if err != nil {
		return domain.Casefile{}, err
	}
	if role, _ := cf.RoleOf(caller); role != domain.RoleAdmin {
		return domain.Casefile{}, domain.PermissionDeniedf("user %s needs admin on casefile %s", caller, id)
	}
	return cf, nil
}

// EventInput describes an event to append to a casefile's log.
type EventInput struct {
	Source    string
	EventType string
	Content   string
	Metadata  map[string]any
}

// LogEvent appends an event at the tail of the log. Any role may log.
func (s Store) LogEvent(ctx context.Context, id, userID string, in EventInput) (domain.Event, error) {
	cf, err := s.Load(ctx, id)
	if err != nil {
		return domain.Event{}, err
	}
	if _, ok := cf.RoleOf(userID); !ok {
		return domain.Event{}, domain.PermissionDeniedf("user %s has no access to casefile %s", userID, id)
	}
	if in.Source == "" {
		in.Source = domain.SourceUser
	}
	if err := domain.ValidateSource(in.Source); err != nil {
		return domain.Event{}, err
	}
	if in.EventType == "" {
		in.EventType = domain.EventSystemLog
	}
	if in.Metadata == nil {
		in.Metadata = map[string]any{}
	}
	now := s.now()
	evt := domain.Event{
		ID:        domain.ShortID("evt-"),
		Source:    in.Source,
		EventType: in.EventType,
		Content:   in.Content,
		Metadata:  in.Metadata,
		Timestamp: domain.Timestamp(now),
	}
	cf.EventLog = append(cf.EventLog, evt)
	cf.Touch(now)
	if err := s.Docs.Put(ctx, cf); err != nil {
		return domain.Event{}, err
	}
	return evt, nil
}

// Save writes a casefile on behalf of the system, without an access check.
func (s Store) Save(ctx context.Context, cf domain.Casefile) error {
	cf.Touch(s.now())
	return s.Docs.Put(ctx, cf)
}
