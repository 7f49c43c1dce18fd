package repositories

import (
	"testing"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/rookery-io/rookery/internal/db"
)

// newTestDB opens a fresh in-memory SQLite database with the full schema
// applied. Every test gets its own database.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    ":memory:",
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	return database
}

func strPtr(s string) *string { return &s }
func i64Ptr(n int64) *int64   { return &n }
