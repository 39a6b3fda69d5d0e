package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	q := `UPDATE policies SET state=?, note='a?b' WHERE id=? AND version=?`
	assert.Equal(t, q, Rebind(SQLite, q))
	assert.Equal(t, `UPDATE policies SET state=$1, note='a?b' WHERE id=$2 AND version=$3`, Rebind(Postgres, q))
}

func TestTimeRoundTripAndOrdering(t *testing.T) {
	a := time.Date(2026, 1, 2, 3, 4, 5, 600000000, time.FixedZone("x", 3600))
	b := a.Add(time.Microsecond)
	sa, sb := FormatTime(a), FormatTime(b)
	assert.Less(t, sa, sb)
	got, err := ParseTime(sa)
	require.NoError(t, err)
	assert.True(t, got.Equal(a))
	assert.Equal(t, time.UTC, got.Location())
}

func TestOpenSQLiteWorkspace(t *testing.T) {
	dir := t.TempDir()
	conn, err := Open(Config{Workspace: dir})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Ping())
	assert.FileExists(t, filepath.Join(dir, workspaceDir, defaultDBName))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle"})
	require.Error(t, err)
	_, err = Open(Config{Driver: Postgres})
	require.Error(t, err)
}
