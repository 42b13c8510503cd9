package statedb

// SchemaMajor is bumped whenever a change would make an older StateDB reader
// misinterpret rows (column removal/retyping, key changes). SchemaMinor is
// bumped for additive, backward-compatible changes. A restarting scheduler
// refuses to open a database whose recorded major version differs from this
// one; minor-version differences are upgraded in place by migrate.
const (
	SchemaMajor = 1
	SchemaMinor = 0
)

// ddl holds one CREATE TABLE statement per row, executed with IF NOT EXISTS
// so opening an existing database is idempotent. Cycle points are stored as
// their canonical string form (internal/cycle.Point.String()) rather than a
// native numeric/date column, since the same column must hold both integer
// and date-time points depending on the workflow's cycling mode.
var ddl = []string{
	`CREATE TABLE IF NOT EXISTS workflow_params (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_flows (
		flow_num INTEGER PRIMARY KEY,
		description TEXT NOT NULL DEFAULT '',
		start_time TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_template_vars (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS inheritance (
		namespace TEXT PRIMARY KEY,
		mro_json TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS task_pool (
		cycle TEXT NOT NULL,
		name TEXT NOT NULL,
		flow TEXT NOT NULL,
		status TEXT NOT NULL,
		is_held INTEGER NOT NULL DEFAULT 0,
		submit_num INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (cycle, name, flow)
	)`,
	`CREATE TABLE IF NOT EXISTS task_states (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cycle TEXT NOT NULL,
		name TEXT NOT NULL,
		flow TEXT NOT NULL,
		status TEXT NOT NULL,
		time TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		hash TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS task_jobs (
		cycle TEXT NOT NULL,
		name TEXT NOT NULL,
		submit_num INTEGER NOT NULL,
		platform TEXT NOT NULL,
		job_id TEXT NOT NULL DEFAULT '',
		try_num INTEGER NOT NULL DEFAULT 1,
		time_submit TEXT NOT NULL DEFAULT '',
		time_run TEXT NOT NULL DEFAULT '',
		time_exit TEXT NOT NULL DEFAULT '',
		run_status INTEGER NOT NULL DEFAULT -1,
		PRIMARY KEY (cycle, name, submit_num)
	)`,
	`CREATE TABLE IF NOT EXISTS task_outputs (
		cycle TEXT NOT NULL,
		name TEXT NOT NULL,
		flow TEXT NOT NULL,
		outputs_json TEXT NOT NULL,
		PRIMARY KEY (cycle, name, flow)
	)`,
	`CREATE TABLE IF NOT EXISTS task_prerequisites (
		cycle TEXT NOT NULL,
		name TEXT NOT NULL,
		flow TEXT NOT NULL,
		clause_sizes_json TEXT NOT NULL,
		snapshot_json TEXT NOT NULL,
		PRIMARY KEY (cycle, name, flow)
	)`,
	`CREATE TABLE IF NOT EXISTS broadcast_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		point_glob TEXT NOT NULL,
		name_glob TEXT NOT NULL,
		setting_key TEXT NOT NULL,
		setting_value TEXT NOT NULL,
		time TEXT NOT NULL,
		cancelled INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS checkpoint_id (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		time TEXT NOT NULL,
		event TEXT NOT NULL
	)`,
}

var indexDDL = []string{
	`CREATE INDEX IF NOT EXISTS idx_task_states_key ON task_states (cycle, name, flow)`,
	`CREATE INDEX IF NOT EXISTS idx_broadcast_active ON broadcast_events (cancelled)`,
}
