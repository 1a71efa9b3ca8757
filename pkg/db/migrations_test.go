package db

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMigrations(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestLoadMigrations_SortedAndFiltered(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"0003_third.sql":  "THIRD",
		"0001_first.sql":  "FIRST",
		"0002_second.sql": "SECOND",
		"README.md":       "# Migrations",
		"config.json":     "{}",
	})
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir.sql"), 0o755))

	got, err := LoadMigrations(dir)
	require.NoError(t, err)
	assert.Equal(t, []Migration{
		{Name: "0001_first.sql", SQL: "FIRST"},
		{Name: "0002_second.sql", SQL: "SECOND"},
		{Name: "0003_third.sql", SQL: "THIRD"},
	}, got)
}

func TestLoadMigrations_EmptyDir(t *testing.T) {
	got, err := LoadMigrations(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoadMigrations_NonExistentDir(t *testing.T) {
	_, err := LoadMigrations(filepath.Join(t.TempDir(), "nonexistent"))
	assert.Error(t, err)
}

func TestLoadMigrations_RepoMigrations(t *testing.T) {
	got, err := LoadMigrations(filepath.Join("..", "..", "migrations"))
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Contains(t, got[0].SQL, "dispatch_journal")
}

func TestPendingMigrations(t *testing.T) {
	all := []Migration{{Name: "0001.sql"}, {Name: "0002.sql"}, {Name: "0003.sql"}}

	tests := []struct {
		name    string
		applied map[string]bool
		want    []string
	}{
		{"none applied", map[string]bool{}, []string{"0001.sql", "0002.sql", "0003.sql"}},
		{"first applied", map[string]bool{"0001.sql": true}, []string{"0002.sql", "0003.sql"}},
		{"all applied", map[string]bool{"0001.sql": true, "0002.sql": true, "0003.sql": true}, nil},
		{"gap", map[string]bool{"0002.sql": true}, []string{"0001.sql", "0003.sql"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var names []string
			for _, m := range pendingMigrations(all, tt.applied) {
				names = append(names, m.Name)
			}
			assert.Equal(t, tt.want, names)
		})
	}
}

func TestMigrationDown_Unsupported(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, MigrationDown(&buf))
	assert.Contains(t, buf.String(), "forward-only")
}
