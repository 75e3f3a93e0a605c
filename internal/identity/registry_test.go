package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestRegistry(t *testing.T) *Registry {
	t.Helper()

	r, err := NewRegistry(Config{
		DBPath: filepath.Join(t.TempDir(), "identity.db"),
		Logger: zerolog.New(os.Stdout).Level(zerolog.Disabled),
	})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestNewRegistry_RequiresPath(t *testing.T) {
	_, err := NewRegistry(Config{})
	assert.Error(t, err)
}

func TestRecordAndLookup(t *testing.T) {
	r := createTestRegistry(t)

	require.NoError(t, r.Record("default", "u1"))

	id, err := r.Lookup("default")
	require.NoError(t, err)
	assert.Equal(t, "u1", id)
}

func TestLookup_Unknown(t *testing.T) {
	r := createTestRegistry(t)

	_, err := r.Lookup("missing")
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestRecord_ReplacesExisting(t *testing.T) {
	r := createTestRegistry(t)

	require.NoError(t, r.Record("default", "u-stale"))
	require.NoError(t, r.Record("default", "u-fresh"))

	id, err := r.Lookup("default")
	require.NoError(t, err)
	assert.Equal(t, "u-fresh", id)

	entries, err := r.List()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRecord_Validation(t *testing.T) {
	r := createTestRegistry(t)

	assert.Error(t, r.Record("", "u1"))
	assert.Error(t, r.Record("default", ""))
}

func TestList(t *testing.T) {
	r := createTestRegistry(t)

	require.NoError(t, r.Record("home", "u1"))
	require.NoError(t, r.Record("cabin", "u2"))

	entries, err := r.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	profiles := []string{entries[0].Profile, entries[1].Profile}
	assert.Contains(t, profiles, "home")
	assert.Contains(t, profiles, "cabin")
}

func TestDelete(t *testing.T) {
	r := createTestRegistry(t)

	require.NoError(t, r.Record("default", "u1"))
	require.NoError(t, r.Delete("default"))

	_, err := r.Lookup("default")
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestDelete_Unknown(t *testing.T) {
	r := createTestRegistry(t)

	assert.ErrorIs(t, r.Delete("missing"), ErrProfileNotFound)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "identity.db")
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)

	r1, err := NewRegistry(Config{DBPath: dbPath, Logger: logger})
	require.NoError(t, err)
	require.NoError(t, r1.Record("default", "u1"))
	require.NoError(t, r1.Close())

	r2, err := NewRegistry(Config{DBPath: dbPath, Logger: logger})
	require.NoError(t, err)
	defer r2.Close()

	id, err := r2.Lookup("default")
	require.NoError(t, err)
	assert.Equal(t, "u1", id)
}
