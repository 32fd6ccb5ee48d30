package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"scanqa/pkg/domain"
)

func TestSQLiteStorePersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	store, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	var projectID string
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		p, err := tx.CreateProject(domain.Project{Name: "persist"})
		if err != nil {
			return err
		}
		projectID = p.ID
		exp, err := tx.CreateExperiment(domain.Experiment{Name: "e1", ProjectID: p.ID})
		if err != nil {
			return err
		}
		scan, err := tx.CreateScan(domain.Scan{Name: "s1", Type: domain.ScanT1, ExperimentID: exp.ID})
		if err != nil {
			return err
		}
		_, err = tx.CreateFrame(domain.Frame{ScanID: scan.ID, RawPath: "/data/s1.nii"})
		if err != nil {
			return err
		}
		_, err = tx.SetGlobalSettings(domain.GlobalSettings{ImportPath: "/in.json"})
		return err
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if store.Path() != path {
		t.Fatalf("unexpected path %s", store.Path())
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reloaded, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	t.Cleanup(func() { _ = reloaded.Close() })
	err = reloaded.View(context.Background(), func(v domain.TransactionView) error {
		p, ok := v.FindProject(projectID)
		if !ok || p.Name != "persist" {
			t.Fatalf("expected reloaded project, got %+v", p)
		}
		if len(v.ListAllFrames()) != 1 {
			t.Fatalf("expected one frame after reload")
		}
		if v.GlobalSettings().ImportPath != "/in.json" {
			t.Fatalf("expected global settings after reload")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestSQLiteStoreSkipsPersistOnFailure(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "state.db"), nil)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	boom := errors.New("boom")
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.CreateProject(domain.Project{Name: "never"}); err != nil {
			return err
		}
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	var count int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM state`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no persisted buckets, got %d", count)
	}
}
