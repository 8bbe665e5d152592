// +build postgres

package datastore

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/hyrule/warden/internal/warden/config"
	"gitlab.com/hyrule/warden/internal/warden/datastore/glsql"
)

func getDB(t testing.TB) glsql.DB {
	return glsql.NewDB(t)
}

func postgresDatastoreFactory(t *testing.T) (NodeStore, RepositoryStore, PinStore) {
	db := getDB(t)
	return NewPostgresNodeStore(db), NewPostgresRepositoryStore(db), NewPostgresPinStore(db)
}

func TestMigrateStatus(t *testing.T) {
	db := getDB(t)

	conf := config.Config{
		DB: glsql.GetDBConfig(t, db.Name),
	}

	_, err := db.Exec("INSERT INTO schema_migrations VALUES ('2026_01_01_test', NOW())")
	require.NoError(t, err)

	rows, err := MigrateStatus(conf)
	require.NoError(t, err)

	m := rows["20260310085500_nodes_table"]
	require.True(t, m.Migrated)
	require.False(t, m.Unknown)

	m = rows["2026_01_01_test"]
	require.True(t, m.Migrated)
	require.True(t, m.Unknown)
}

func TestCheckPostgresVersion(t *testing.T) {
	db := getDB(t)

	require.NoError(t, CheckPostgresVersion(db.DB))
}
