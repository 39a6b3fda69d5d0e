package migrate

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvestline/internal/db"
)

func openTemp(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite", db.SQLiteDSN(filepath.Join(t.TempDir(), "m.db")))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestMigrateIsRepeatable(t *testing.T) {
	conn := openTemp(t)
	require.NoError(t, Migrate(conn, db.SQLite))
	require.NoError(t, Migrate(conn, db.SQLite))

	v, err := Version(conn)
	require.NoError(t, err)
	all, err := loadMigrations(db.SQLite)
	require.NoError(t, err)
	assert.Equal(t, all[len(all)-1].Version, v)

	for _, table := range []string{"policies", "pending_txs", "attestation_nonces", "leases", "contracts", "events"} {
		var n int
		require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n), table)
	}
}

func TestDialectsShipSameVersions(t *testing.T) {
	lite, err := loadMigrations(db.SQLite)
	require.NoError(t, err)
	pg, err := loadMigrations(db.Postgres)
	require.NoError(t, err)
	require.Len(t, pg, len(lite))
	for i := range lite {
		assert.Equal(t, lite[i].Version, pg[i].Version)
	}
}
