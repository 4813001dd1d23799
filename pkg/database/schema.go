package database

import (
	"context"
	"fmt"
)

type migration struct {
	name string
	sql  string
}

// migrations run in order on every start and must stay idempotent. Column
// additions cover job tables created before the result columns existed.
var migrations = []migration{
	{"research_jobs table", `
		CREATE TABLE IF NOT EXISTS research_jobs (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			topic TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			config JSONB,
			report TEXT,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`},
	{"research_jobs result columns", `
		ALTER TABLE research_jobs
			ADD COLUMN IF NOT EXISTS breadth INTEGER NOT NULL DEFAULT 4,
			ADD COLUMN IF NOT EXISTS depth INTEGER NOT NULL DEFAULT 2,
			ADD COLUMN IF NOT EXISTS state JSONB,
			ADD COLUMN IF NOT EXISTS learnings JSONB,
			ADD COLUMN IF NOT EXISTS visited_urls JSONB`},
	{"research_logs table", `
		CREATE TABLE IF NOT EXISTS research_logs (
			id SERIAL PRIMARY KEY,
			job_id UUID NOT NULL REFERENCES research_jobs(id) ON DELETE CASCADE,
			timestamp TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			metadata JSONB
		)`},
	{"research_logs job index", "CREATE INDEX IF NOT EXISTS idx_research_logs_job_id ON research_logs(job_id)"},
	{"research_jobs created_at index", "CREATE INDEX IF NOT EXISTS idx_research_jobs_created_at ON research_jobs(created_at DESC)"},
}

// InitSchema creates the job and log tables.
func (db *PostgresDB) InitSchema(ctx context.Context) error {
	for _, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("failed to apply %s: %w", m.name, err)
		}
	}
	return nil
}
