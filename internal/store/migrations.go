package store

// runMigrations executes all database migrations.
func (s *Store) runMigrations() error {
	migrations := []string{
		// Exports table - one row per successful export run
		`CREATE TABLE IF NOT EXISTS exports (
			id TEXT PRIMARY KEY,
			model_path TEXT NOT NULL,
			model_format TEXT NOT NULL,
			model_sha256 TEXT NOT NULL,
			web_model_dir TEXT NOT NULL,
			params_path TEXT NOT NULL,
			shard_count INTEGER NOT NULL DEFAULT 0,
			bundle_bytes INTEGER NOT NULL DEFAULT 0,
			feature_count INTEGER NOT NULL,
			class_count INTEGER NOT NULL,
			params_source TEXT NOT NULL,
			degraded INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Export warnings table - consistency findings reported by a run
		`CREATE TABLE IF NOT EXISTS export_warnings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			export_id TEXT NOT NULL REFERENCES exports(id) ON DELETE CASCADE,
			sequence INTEGER NOT NULL,
			message TEXT NOT NULL
		)`,

		// Indexes for better query performance
		`CREATE INDEX IF NOT EXISTS idx_exports_created_at ON exports(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_export_warnings_export_id ON export_warnings(export_id)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}
