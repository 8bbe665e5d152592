// +build postgres

package datastore

import (
	"testing"
)

func TestRepositoryStore_Postgres(t *testing.T) {
	testRepositoryStore(t, postgresDatastoreFactory)
}
