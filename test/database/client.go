// Package database provides the integration-test database client.
package database

import (
	"testing"

	"github.com/chanspect/chanspect/pkg/database"
	"github.com/chanspect/chanspect/test/util"
)

// NewTestClient creates a database client against a fresh, migrated schema.
// In CI (when CI_DATABASE_URL is set): connects to the external PostgreSQL
// service container. In local dev: spins up a PostgreSQL testcontainer.
// The schema and connections are cleaned up when the test ends.
func NewTestClient(t *testing.T) *database.Client {
	db := util.SetupTestDatabase(t)
	return database.NewClientFromDB(db)
}
