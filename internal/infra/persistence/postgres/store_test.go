package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"scanqa/internal/infra/persistence/postgres/testutil"
	"scanqa/pkg/domain"
)

func TestNewStorePersistsAndReloadsSnapshot(t *testing.T) {
	ctx := context.Background()
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(driver, dsn string) (*sql.DB, error) {
		if driver != "pgx" || !strings.Contains(dsn, "scanqa") {
			t.Fatalf("unexpected open %s %s", driver, dsn)
		}
		return db, nil
	})
	defer restore()

	store, err := NewStore(ctx, "", domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if !strings.Contains(strings.ToUpper(conn.Execs[0]), "CREATE TABLE IF NOT EXISTS STATE") {
		t.Fatalf("expected state table ddl, got %v", conn.Execs)
	}
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateProject(domain.Project{Name: "pg"})
		return err
	}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	if got := len(conn.Tables["state"]); got != 10 {
		t.Fatalf("expected 10 buckets, got %d", got)
	}

	reloaded, err := NewStore(ctx, "postgres://db/scanqa", domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	_ = reloaded.View(ctx, func(v domain.TransactionView) error {
		if _, ok := v.FindProjectByName("pg"); !ok {
			t.Fatalf("expected project hydrated from state table")
		}
		return nil
	})
}

func TestNewStorePingFailure(t *testing.T) {
	db, conn := testutil.NewStubDB()
	conn.FailExec = true
	restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return db, nil })
	defer restore()
	if _, err := NewStore(context.Background(), "", nil); err == nil || !strings.Contains(err.Error(), "ping") {
		t.Fatalf("expected ping failure, got %v", err)
	}
}

func TestRunInTransactionReportsPersistFailure(t *testing.T) {
	ctx := context.Background()
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return db, nil })
	defer restore()
	store, err := NewStore(ctx, "", nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	conn.FailCommit = true
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateProject(domain.Project{Name: "x"})
		return err
	})
	if err == nil || !strings.Contains(err.Error(), "commit") {
		t.Fatalf("expected commit failure, got %v", err)
	}
}

func TestOpenFailure(t *testing.T) {
	restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return nil, errors.New("nope") })
	defer restore()
	if _, err := NewStore(context.Background(), "", nil); err == nil {
		t.Fatalf("expected open failure")
	}
}
