// Package database provides test helpers that stand up a real PostgreSQL
// schema per test.
package database

import (
	"testing"

	"github.com/forgeline/forgeline/pkg/database"
	"github.com/forgeline/forgeline/test/util"
)

// NewTestClient creates a test database client.
// In CI (when CI_DATABASE_URL is set): connects to external PostgreSQL service container.
// In local dev: spins up a testcontainer with PostgreSQL.
// The container/connection is automatically cleaned up when the test ends.
func NewTestClient(t *testing.T) *database.Client {
	// Use shared test database setup; cleanup (schema drop and connection
	// close) is handled by SetupTestDatabase.
	entClient, db := util.SetupTestDatabase(t)
	return database.NewClientFromEnt(entClient, db)
}
