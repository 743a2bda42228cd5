package casefile

import (
	"context"
	"database/sql"
	"errors"

	"missionline/internal/domain"
	"missionline/internal/repo"
)

// DocumentDB is the persistence capability the store needs: single-document
// get/put/delete plus an all-or-nothing multi-document transaction.
type DocumentDB interface {
	Get(ctx context.Context, id string) (domain.Casefile, error)
	Put(ctx context.Context, cf domain.Casefile) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, topLevel bool) ([]domain.Casefile, error)
	InTx(ctx context.Context, fn func(tx DocumentTx) error) error
}

// DocumentTx reads and writes documents inside one transaction.
type DocumentTx interface {
	Get(ctx context.Context, id string) (domain.Casefile, error)
	Put(ctx context.Context, cf domain.Casefile) error
}

// SQLDocuments adapts repo.Repo to DocumentDB. Driver failures surface as transport errors.
type SQLDocuments struct {
	Repo repo.Repo
}

func (d SQLDocuments) Get(ctx context.Context, id string) (domain.Casefile, error) {
	cf, err := d.Repo.GetCasefile(ctx, id)
	return cf, wrapStorage("get casefile", err)
}

func (d SQLDocuments) Put(ctx context.Context, cf domain.Casefile) error {
	return wrapStorage("put casefile", d.Repo.PutCasefile(ctx, cf))
}

func (d SQLDocuments) Delete(ctx context.Context, id string) error {
	return wrapStorage("delete casefile", d.Repo.DeleteCasefile(ctx, id))
}

func (d SQLDocuments) List(ctx context.Context, topLevel bool) ([]domain.Casefile, error) {
	items, err := d.Repo.ListCasefiles(ctx, topLevel)
	return items, wrapStorage("list casefiles", err)
}

func (d SQLDocuments) InTx(ctx context.Context, fn func(tx DocumentTx) error) error {
	tx, err := d.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transport("begin tx", err)
	}
	defer tx.Rollback()
	if err := fn(sqlTx{repo: d.Repo, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return domain.Transport("commit tx", err)
	}
	return nil
}

type sqlTx struct {
	repo repo.Repo
	tx   *sql.Tx
}

func (t sqlTx) Get(ctx context.Context, id string) (domain.Casefile, error) {
	cf, err := t.repo.GetCasefileTx(ctx, t.tx, id)
	return cf, wrapStorage("get casefile", err)
}

func (t sqlTx) Put(ctx context.Context, cf domain.Casefile) error {
	return wrapStorage("put casefile", t.repo.PutCasefileTx(ctx, t.tx, cf))
}

func wrapStorage(op string, err error) error {
	if err == nil || errors.Is(err, repo.ErrNotFound) {
		return err
	}
	return domain.Transport(op, err)
}
