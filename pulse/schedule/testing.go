package schedule

import (
	"database/sql"
	"testing"

	reeltest "github.com/teranos/reel/internal/testing"
)

// createTestDB creates a migrated in-memory test database.
func createTestDB(t *testing.T) *sql.DB {
	return reeltest.CreateTestDB(t)
}
