// Package gorm provides GORM-based database operations for prsnl.
package gorm

import (
	"database/sql"
	"fmt"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
// embeddingDims sets the dimensionality of the pgvector column and must match
// the configured embedding model.
func runMigrations(db *gorm.DB, sqlDB *sql.DB, embeddingDims int) error {
	if embeddingDims <= 0 {
		embeddingDims = 1536
	}

	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: PostgreSQL extensions
		{
			ID: "001_extensions",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec(`CREATE EXTENSION IF NOT EXISTS vector`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				// Extensions may be shared with other databases; leave in place
				return nil
			},
		},

		// Migration 002: Core tables (items, tags, item_tags)
		{
			ID: "002_core_tables",
			Migrate: func(tx *gorm.DB) error {
				// AutoMigrate creates tables with all indexes from struct tags
				if err := tx.AutoMigrate(&Item{}); err != nil {
					return err
				}
				if err := tx.AutoMigrate(&Tag{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&ItemTag{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("item_tags", "tags", "items")
			},
		},

		// Migration 003: Processing jobs table
		{
			ID: "003_processing_jobs",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&ProcessingJob{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("processing_jobs")
			},
		},

		// Migration 004: Embeddings table with pgvector column.
		// Raw SQL because the vector dimensions come from configuration and
		// GORM struct tags can't parameterize them.
		{
			ID: "004_embeddings",
			Migrate: func(tx *gorm.DB) error {
				sqls := []string{
					fmt.Sprintf(`CREATE TABLE IF NOT EXISTS embeddings (
						id BIGSERIAL PRIMARY KEY,
						item_id UUID NOT NULL REFERENCES items(id) ON DELETE CASCADE,
						model_name TEXT NOT NULL,
						model_version TEXT NOT NULL,
						vector vector(%d) NOT NULL,
						created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
						updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
					)`, embeddingDims),
					`CREATE UNIQUE INDEX IF NOT EXISTS idx_embeddings_item_model
					 ON embeddings(item_id, model_name, model_version)`,
					// ivfflat over cosine distance; lists tuned for personal-scale corpora
					`CREATE INDEX IF NOT EXISTS idx_embeddings_vector
					 ON embeddings USING ivfflat (vector vector_cosine_ops) WITH (lists = 100)`,
				}
				for _, s := range sqls {
					if err := tx.Exec(s).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec("DROP TABLE IF EXISTS embeddings").Error
			},
		},

		// Migration 005: Full-text search column on items.
		// Generated column keeps search_vector in sync without triggers.
		{
			ID: "005_items_search_vector",
			Migrate: func(tx *gorm.DB) error {
				sqls := []string{
					`ALTER TABLE items ADD COLUMN IF NOT EXISTS search_vector tsvector
					 GENERATED ALWAYS AS (
						setweight(to_tsvector('english', coalesce(title, '')), 'A') ||
						setweight(to_tsvector('english', coalesce(summary, '')), 'B') ||
						setweight(to_tsvector('english', coalesce(content, '')), 'C')
					 ) STORED`,
					`CREATE INDEX IF NOT EXISTS idx_items_search_vector
					 ON items USING GIN (search_vector)`,
				}
				for _, s := range sqls {
					if err := tx.Exec(s).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				sqls := []string{
					"DROP INDEX IF EXISTS idx_items_search_vector",
					"ALTER TABLE items DROP COLUMN IF EXISTS search_vector",
				}
				for _, s := range sqls {
					if err := tx.Exec(s).Error; err != nil {
						return err
					}
				}
				return nil
			},
		},

		// Migration 006: Conversation import tables
		{
			ID: "006_conversations",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&ConversationImport{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&ConversationMessage{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("conversation_messages", "conversation_imports")
			},
		},

		// Migration 007: GitHub repos table
		{
			ID: "007_github_repos",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&GitHubRepo{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("github_repos")
			},
		},

		// Migration 008: Query optimization indexes
		{
			ID: "008_query_optimization_indexes",
			Migrate: func(tx *gorm.DB) error {
				sqls := []string{
					// Composite index for item listings by type + recency
					`CREATE INDEX IF NOT EXISTS idx_items_type_created
					 ON items(type, created_at DESC)`,

					// Partial index covering the job runner's claim query,
					// which scans both pending and retrying jobs
					`CREATE INDEX IF NOT EXISTS idx_jobs_pending_claim
					 ON processing_jobs(job_type, created_at ASC)
					 WHERE status IN ('pending', 'retrying')`,

					// Index for terminal-job retention cleanup
					`CREATE INDEX IF NOT EXISTS idx_jobs_terminal_completed
					 ON processing_jobs(completed_at)
					 WHERE status IN ('completed', 'failed', 'cancelled')`,
				}
				for _, s := range sqls {
					if err := tx.Exec(s).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				sqls := []string{
					"DROP INDEX IF EXISTS idx_items_type_created",
					"DROP INDEX IF EXISTS idx_jobs_pending_claim",
					"DROP INDEX IF EXISTS idx_jobs_terminal_completed",
				}
				for _, s := range sqls {
					_ = tx.Exec(s).Error
				}
				return nil
			},
		},
	})

	if err := m.Migrate(); err != nil {
		return fmt.Errorf("run gormigrate migrations: %w", err)
	}

	return nil
}
