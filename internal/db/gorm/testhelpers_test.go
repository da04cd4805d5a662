package gorm

import (
	"fmt"
	"os"
	"testing"
	"time"

	"gorm.io/gorm/logger"
)

// testStores connects to the database named by PRSNL_TEST_DATABASE_URL and
// returns the full store bundle. Tests are skipped when the variable is
// unset so the unit suite stays runnable without PostgreSQL.
//
// Each test gets isolation by truncating between runs, not by schema resets,
// so migrations only run once per process.
func testStores(t *testing.T) (*Stores, *Store) {
	t.Helper()

	dsn := os.Getenv("PRSNL_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("PRSNL_TEST_DATABASE_URL not set; skipping database integration test")
	}

	store, err := NewStore(Config{
		DSN:           dsn,
		MaxConns:      4,
		EmbeddingDims: 8, // Small vectors keep test fixtures readable
		LogLevel:      logger.Silent,
	})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if err := store.DB.Exec(
		`TRUNCATE item_tags, tags, embeddings, conversation_messages,
		 conversation_imports, github_repos, processing_jobs, items CASCADE`,
	).Error; err != nil {
		t.Fatalf("truncate failed: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return NewStores(store), store
}

// testVector builds an 8-dim unit vector pointing along one axis.
func testVector(axis int) []float32 {
	v := make([]float32, 8)
	v[axis%8] = 1
	return v
}

// uniqueURL returns a URL unique within the test run.
func uniqueURL(prefix string) string {
	return fmt.Sprintf("https://example.com/%s-%d", prefix, time.Now().UnixNano())
}
