package migrations

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/allyourbase/testdb/internal/testutil"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"create_posts", "create_posts"},
		{"add users table", "add_users_table"},
		{"add-index", "add_index"},
		{"foo/bar", "foo_bar"},
		{"CamelCase", "CamelCase"},
		{"special!@#chars", "special___chars"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			testutil.Equal(t, sanitizeName(tt.input), tt.want)
		})
	}
}

func TestParseName(t *testing.T) {
	tests := []struct {
		name    string
		version int64
		desc    string
		ok      bool
		wantErr bool
	}{
		{name: "0001_create_todos.sql", version: 1, desc: "create todos", ok: true},
		{name: "20260201120000_add_index.up.sql", version: 20260201120000, desc: "add index", ok: true},
		{name: "7.sql", version: 7, desc: "", ok: true},
		{name: "0002_drop.down.sql", ok: false},
		{name: "README.md", ok: false},
		{name: "init.sql", wantErr: true},
		{name: "0_zero.sql", wantErr: true},
		{name: "-3_negative.sql", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, desc, ok, err := parseName(tt.name)
			if tt.wantErr {
				testutil.ErrorContains(t, err, "positive integer version")
				return
			}
			testutil.NoError(t, err)
			testutil.Equal(t, ok, tt.ok)
			testutil.Equal(t, version, tt.version)
			testutil.Equal(t, desc, tt.desc)
		})
	}
}

func TestLoadOrdersNumerically(t *testing.T) {
	fsys := fstest.MapFS{
		"10_third.sql":      {Data: []byte("SELECT 3")},
		"2_second.up.sql":   {Data: []byte("SELECT 2")},
		"1_first.sql":       {Data: []byte("SELECT 1")},
		"2_second.down.sql": {Data: []byte("SELECT -2")},
		"notes.txt":         {Data: []byte("ignored")},
		"nested/3_x.sql":    {Data: []byte("ignored")},
	}

	migrations, err := NewRunner(nil, fsys, testutil.DiscardLogger()).Load()
	testutil.NoError(t, err)
	testutil.SliceLen(t, migrations, 3)
	testutil.Equal(t, migrations[0].Name, "1_first.sql")
	testutil.Equal(t, migrations[1].Name, "2_second.up.sql")
	testutil.Equal(t, migrations[2].Name, "10_third.sql")
	testutil.Equal(t, migrations[1].SQL, "SELECT 2")
	testutil.Equal(t, migrations[2].Version, int64(10))
}

func TestLoadChecksum(t *testing.T) {
	fsys := fstest.MapFS{
		"1_a.sql": {Data: []byte("SELECT 1")},
		"2_b.sql": {Data: []byte("SELECT 1")},
		"3_c.sql": {Data: []byte("SELECT 2")},
	}

	migrations, err := NewRunner(nil, fsys, testutil.DiscardLogger()).Load()
	testutil.NoError(t, err)
	testutil.Equal(t, len(migrations[0].Checksum), 32)
	testutil.Equal(t, string(migrations[0].Checksum), string(migrations[1].Checksum))
	testutil.NotEqual(t, string(migrations[0].Checksum), string(migrations[2].Checksum))
}

func TestLoadDuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"1_first.sql":  {Data: []byte("SELECT 1")},
		"01_again.sql": {Data: []byte("SELECT 1")},
	}

	_, err := NewRunner(nil, fsys, testutil.DiscardLogger()).Load()
	testutil.ErrorContains(t, err, "share version 1")
}

func TestLoadMalformedName(t *testing.T) {
	fsys := fstest.MapFS{
		"1_first.sql": {Data: []byte("SELECT 1")},
		"schema.sql":  {Data: []byte("SELECT 1")},
	}

	_, err := NewRunner(nil, fsys, testutil.DiscardLogger()).Load()
	testutil.ErrorContains(t, err, "migration schema.sql")
}

func TestLoadMissingDir(t *testing.T) {
	r := NewDirRunner(nil, filepath.Join(t.TempDir(), "nope"), testutil.DiscardLogger())
	_, err := r.Load()
	testutil.ErrorContains(t, err, "reading migrations")
}

func TestLoadEmptyDir(t *testing.T) {
	migrations, err := NewDirRunner(nil, t.TempDir(), testutil.DiscardLogger()).Load()
	testutil.NoError(t, err)
	testutil.SliceLen(t, migrations, 0)
}

func TestCreateFile(t *testing.T) {
	dir := t.TempDir()

	path, err := CreateFile(dir, "create_posts")
	testutil.NoError(t, err)

	info, err := os.Stat(path)
	testutil.NoError(t, err)
	testutil.False(t, info.IsDir())

	name := filepath.Base(path)
	testutil.True(t, strings.HasSuffix(name, "_create_posts.sql"), "filename: %s", name)

	data, err := os.ReadFile(path)
	testutil.NoError(t, err)
	testutil.Contains(t, string(data), "-- Migration: create_posts")
	testutil.Contains(t, string(data), "-- Created:")

	// The scaffolded file must be loadable by the runner.
	migrations, err := NewDirRunner(nil, dir, testutil.DiscardLogger()).Load()
	testutil.NoError(t, err)
	testutil.SliceLen(t, migrations, 1)
	testutil.Equal(t, migrations[0].Description, "create posts")
}

func TestCreateFileCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "subdir", "migrations")

	path, err := CreateFile(dir, "init")
	testutil.NoError(t, err)

	_, err = os.Stat(path)
	testutil.NoError(t, err)
}
