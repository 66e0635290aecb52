package dbmigrate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/500Foods/Philement-sub001/internal/dbengine"
	"github.com/500Foods/Philement-sub001/internal/dbengine/sqlite"
)

func writeMigrations(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, sql := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(sql), 0o644))
	}
	return dir
}

func testHandle(t *testing.T, reg *dbengine.Registry) *dbengine.Handle {
	t.Helper()
	h, err := reg.Connect(context.Background(), dbengine.SQLite,
		&dbengine.ConnectionConfig{ConnectionString: ":memory:"}, "DQM-test-00")
	require.NoError(t, err)
	t.Cleanup(func() { reg.CleanupConnection(h) })
	return h
}

func TestDirSourceOrderingAndFiltering(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"0002_second.sql":  "SELECT 2",
		"0001_first.sql":   "SELECT 1",
		"0010_tenth.sql":   "SELECT 10",
		"notes.txt":        "not a migration",
		"extra_file.sql":   "no number prefix",
		"0003_empty.sql":   "   ",
	})

	migrations, err := DirSource{Dir: dir}.Migrations(context.Background())
	require.NoError(t, err)

	names := make([]string, len(migrations))
	for i, m := range migrations {
		names[i] = m.Name
	}
	assert.Equal(t, []string{"0001_first.sql", "0002_second.sql", "0010_tenth.sql"}, names)
}

func TestDirSourceMissingDir(t *testing.T) {
	_, err := DirSource{Dir: "/nonexistent/migrations"}.Migrations(context.Background())
	require.Error(t, err)
}

func TestRunnerAppliesInOrder(t *testing.T) {
	reg := dbengine.NewRegistry(nil)
	require.NoError(t, reg.Register(sqlite.New(nil)))
	h := testHandle(t, reg)

	dir := writeMigrations(t, map[string]string{
		"0001_create.sql": "CREATE TABLE m (id INTEGER PRIMARY KEY)",
		"0002_seed.sql":   "INSERT INTO m (id) VALUES (1)",
	})

	r := &Runner{Registry: reg, Source: DirSource{Dir: dir}}
	applied, err := r.Apply(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	res, err := reg.Execute(context.Background(), h, &dbengine.QueryRequest{
		QueryID: "verify", SQLTemplate: "SELECT id FROM m",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.RowCount)
}

func TestRunnerStopsOnFailure(t *testing.T) {
	reg := dbengine.NewRegistry(nil)
	require.NoError(t, reg.Register(sqlite.New(nil)))
	h := testHandle(t, reg)

	dir := writeMigrations(t, map[string]string{
		"0001_create.sql": "CREATE TABLE m (id INTEGER PRIMARY KEY)",
		"0002_broken.sql": "INSERT INTO missing_table VALUES (1)",
		"0003_never.sql":  "INSERT INTO m (id) VALUES (3)",
	})

	r := &Runner{Registry: reg, Source: DirSource{Dir: dir}}
	applied, err := r.Apply(context.Background(), h)
	require.Error(t, err)
	assert.Equal(t, 1, applied)

	// The failed migration rolled back and the later one never ran.
	res, err := reg.Execute(context.Background(), h, &dbengine.QueryRequest{
		QueryID: "verify", SQLTemplate: "SELECT id FROM m",
	})
	require.NoError(t, err)
	assert.Zero(t, res.RowCount)

	// No transaction left open.
	assert.Nil(t, h.CurrentTransaction)
}

func TestRunnerEmptySource(t *testing.T) {
	reg := dbengine.NewRegistry(nil)
	require.NoError(t, reg.Register(sqlite.New(nil)))
	h := testHandle(t, reg)

	r := &Runner{Registry: reg, Source: DirSource{Dir: t.TempDir()}}
	applied, err := r.Apply(context.Background(), h)
	require.NoError(t, err)
	assert.Zero(t, applied)
}
