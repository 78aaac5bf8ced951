package sqlite_test

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jcolano/hiveboard/internal/storage"
	"github.com/jcolano/hiveboard/internal/storage/sqlite"
	"github.com/jcolano/hiveboard/internal/storage/storagetest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		s, err := sqlite.Open(t.Context(), ":memory:", testLogger())
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestOpenCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hiveboard.db")
	s, err := sqlite.Open(t.Context(), path, testLogger())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Ping(t.Context()))

	// Reopening an existing database must be a no-op migration.
	s2, err := sqlite.Open(t.Context(), path, testLogger())
	require.NoError(t, err)
	defer s2.Close()
	require.NoError(t, s2.Ping(t.Context()))
}
