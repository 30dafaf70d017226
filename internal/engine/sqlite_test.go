package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crueladdict/ori/apps/ori-runner/internal/conn"
	"github.com/crueladdict/ori/apps/ori-runner/internal/engine"
	"github.com/crueladdict/ori/apps/ori-runner/internal/infrastructure/database"
	"github.com/crueladdict/ori/apps/ori-runner/internal/infrastructure/database/sqlite"
	"github.com/crueladdict/ori/apps/ori-runner/internal/model"
)

func openSQLiteSession(t *testing.T) *engine.Session {
	t.Helper()
	ctx := context.Background()
	dialect := sqlite.Dialect()
	creds, err := dialect.Credentials(database.DSNParams{
		Resource: &model.Resource{Name: "local", Type: model.TypeSQLite, Database: "engine.db"},
		BaseDir:  t.TempDir(),
	})
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}

	open := func(role conn.Role) *conn.Handle {
		c, err := database.Open(ctx, dialect, creds)
		if err != nil {
			t.Fatalf("open %s: %v", role, err)
		}
		return conn.NewHandle("local", role, c, conn.StaticCredentials(creds))
	}
	s, err := engine.NewSession(ctx, engine.Config{
		Name:      "sqlite",
		Primary:   open(conn.RolePrimary),
		Auxiliary: open(conn.RoleAuxiliary),
	})
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func TestSQLiteScript(t *testing.T) {
	s := openSQLiteSession(t)

	script := `
CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL);
INSERT INTO items (name) VALUES ('a'), ('b'), ('c');
-- ; inside a comment is not a delimiter
SELECT id, name FROM items WHERE name <> ';' ORDER BY id;
INSERT INTO missing VALUES (1);
SELECT COUNT(*) AS n FROM items`

	rep, err := s.Execute(context.Background(), script, engine.ExecOptions{ContinueOnError: true, RowLimit: 2})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if rep.Status != engine.StatusCompleted || len(rep.Results) != 5 || rep.Errors != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}

	if n := rep.Results[1].RowsAffected; n != 3 {
		t.Fatalf("expected 3 inserted rows, got %d", n)
	}
	sel := rep.Results[2]
	if len(sel.ResultSets) != 1 {
		t.Fatalf("expected a result set, got %+v", sel)
	}
	rs := sel.ResultSets[0]
	if len(rs.Columns) != 2 || rs.Columns[1].Name != "name" {
		t.Fatalf("unexpected columns %+v", rs.Columns)
	}
	if len(rs.Rows) != 2 || !rs.Truncated || rs.Rows[0][1] != "a" {
		t.Fatalf("unexpected rows %v truncated=%v", rs.Rows, rs.Truncated)
	}

	var se *engine.StatementError
	if !errors.As(rep.Results[3].Err, &se) || se.Line != 6 {
		t.Fatalf("expected statement error on line 6, got %v", rep.Results[3].Err)
	}
	if got := rep.Results[4].ResultSets[0].Rows[0][0]; got != int64(3) {
		t.Fatalf("expected count 3, got %v (%T)", got, got)
	}
}

func TestSQLiteStopOnError(t *testing.T) {
	s := openSQLiteSession(t)

	results, err := s.RunSync(context.Background(), "CREATE TABLE t (id INTEGER);\nSELECT * FROM nope;\nDROP TABLE t", engine.ExecOptions{})
	var se *engine.StatementError
	if !errors.As(err, &se) || se.Index != 2 {
		t.Fatalf("expected statement 2 to fail, got %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	// the table survived because the script stopped
	if _, err := s.RunSync(context.Background(), "SELECT * FROM t", engine.ExecOptions{}); err != nil {
		t.Fatalf("table should exist: %v", err)
	}
}
