package testutil

import (
	"context"
	"database/sql/driver"
	"io"
	"testing"
)

func TestStubUpsertReplacesRowByKey(t *testing.T) {
	ctx := context.Background()
	_, conn := NewStubDB()
	upsert := "INSERT INTO state(bucket,payload) VALUES($1,$2) ON CONFLICT(bucket) DO UPDATE SET payload=EXCLUDED.payload"
	for _, payload := range []string{"one", "two"} {
		if _, err := conn.ExecContext(ctx, upsert, []driver.NamedValue{{Value: "projects"}, {Value: payload}}); err != nil {
			t.Fatalf("exec: %v", err)
		}
	}
	if got := len(conn.Tables["state"]); got != 1 {
		t.Fatalf("expected one row after upsert, got %d", got)
	}

	rows, err := conn.QueryContext(ctx, "SELECT bucket, payload FROM state", nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	dest := make([]driver.Value, 2)
	if err := rows.Next(dest); err != nil {
		t.Fatalf("next: %v", err)
	}
	if dest[0] != "projects" || dest[1] != "two" {
		t.Fatalf("unexpected row %v", dest)
	}
	if err := rows.Next(dest); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestStubFailureToggles(t *testing.T) {
	ctx := context.Background()
	_, conn := NewStubDB()
	conn.FailQuery = true
	if _, err := conn.QueryContext(ctx, "SELECT bucket FROM state", nil); err == nil {
		t.Fatalf("expected query failure")
	}
	conn.FailBegin = true
	if _, err := conn.Begin(); err == nil {
		t.Fatalf("expected begin failure")
	}
	if _, err := conn.ExecContext(ctx, "INSERT INTO state(bucket) VALUES($1)", nil); err == nil {
		t.Fatalf("expected arg mismatch")
	}
}
