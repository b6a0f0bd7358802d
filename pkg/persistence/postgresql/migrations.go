package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS journeys (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				status TEXT NOT NULL,
				version INTEGER NOT NULL DEFAULT 1,
				nodes JSONB NOT NULL DEFAULT '[]',
				config JSONB NOT NULL DEFAULT '{}',
				stats JSONB NOT NULL DEFAULT '{}',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE TABLE IF NOT EXISTS enrollments (
				id TEXT PRIMARY KEY,
				journey_id TEXT NOT NULL REFERENCES journeys(id),
				journey_version INTEGER NOT NULL DEFAULT 1,
				customer_id TEXT NOT NULL,
				status TEXT NOT NULL,
				current_node_id TEXT,
				history JSONB NOT NULL DEFAULT '[]',
				actions JSONB NOT NULL DEFAULT '[]',
				variant_assignments JSONB NOT NULL DEFAULT '{}',
				goal_achieved BOOLEAN NOT NULL DEFAULT FALSE,
				goal_achieved_at TIMESTAMPTZ,
				conversion_count INTEGER NOT NULL DEFAULT 0,
				wait JSONB,
				next_run_at TIMESTAMPTZ,
				retry_attempt INTEGER NOT NULL DEFAULT 0,
				entered_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				version BIGINT NOT NULL DEFAULT 0
			);

			CREATE INDEX IF NOT EXISTS idx_enrollments_due
				ON enrollments (next_run_at, id)
				WHERE status IN ('active', 'waiting');

			CREATE INDEX IF NOT EXISTS idx_enrollments_journey
				ON enrollments (journey_id, status);

			CREATE INDEX IF NOT EXISTS idx_enrollments_customer
				ON enrollments (journey_id, customer_id);

			CREATE TABLE IF NOT EXISTS execution_log (
				id TEXT PRIMARY KEY,
				enrollment_id TEXT NOT NULL,
				journey_id TEXT NOT NULL,
				node_id TEXT,
				timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				event_type TEXT NOT NULL,
				data JSONB
			);

			CREATE INDEX IF NOT EXISTS idx_execution_log_enrollment
				ON execution_log (enrollment_id, timestamp);

			CREATE INDEX IF NOT EXISTS idx_execution_log_journey
				ON execution_log (journey_id, event_type, timestamp);
		`,
	}
}
