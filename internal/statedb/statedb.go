// Package statedb implements the scheduler's persistent relational store:
// the current task pool snapshot, a hash-chained append-only state-transition
// log, job records, output/prerequisite snapshots for restart reconciliation,
// broadcast overrides, and workflow-level parameters.
//
// Grounded on the audit-trail service
// (services/audit-trail/internal/appendlog.go, persistent_log.go): the same
// hash-chain-of-entries design backs task_states, and the WAL-segment/fsync-
// on-checkpoint discipline of PersistentAuditLog becomes this package's
// fsync-on-Checkpoint behavior (each write commits on its own; only the WAL
// checkpoint is deferred to Checkpoint), translated from a
// bbolt/flat-file log onto a SQLite-backed relational schema as the
// 3-table-plus design in the schema file requires.
package statedb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DB wraps the SQLite connection and the in-memory tail of the task_states
// hash chain (so appends don't need a round trip to read the previous row).
type DB struct {
	conn     *sql.DB
	prevHash string
}

// Open opens (creating if absent) the SQLite database at path, applies the
// schema, and validates the recorded schema major version.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}
	conn.SetMaxOpenConns(1) // SQLite + WAL: one writer, serialize via this handle
	if _, err := conn.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("statedb: enable WAL: %w", err)
	}
	if _, err := conn.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("statedb: enable foreign keys: %w", err)
	}
	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	if err := db.loadChainTail(); err != nil {
		conn.Close()
		return nil, err
	}
	if err := db.ensureRunUUID(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) migrate() error {
	for _, stmt := range ddl {
		if _, err := db.conn.Exec(stmt); err != nil {
			return fmt.Errorf("statedb: migrate: %w", err)
		}
	}
	for _, stmt := range indexDDL {
		if _, err := db.conn.Exec(stmt); err != nil {
			return fmt.Errorf("statedb: migrate index: %w", err)
		}
	}

	var recordedMajor string
	err := db.conn.QueryRow(`SELECT value FROM workflow_params WHERE key = 'schema_major'`).Scan(&recordedMajor)
	switch {
	case err == sql.ErrNoRows:
		if _, err := db.conn.Exec(`INSERT INTO workflow_params (key, value) VALUES ('schema_major', ?), ('schema_minor', ?)`,
			strconv.Itoa(SchemaMajor), strconv.Itoa(SchemaMinor)); err != nil {
			return fmt.Errorf("statedb: record schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("statedb: read schema version: %w", err)
	default:
		major, _ := strconv.Atoi(recordedMajor)
		if major != SchemaMajor {
			return fmt.Errorf("statedb: database schema major version %d is incompatible with %d", major, SchemaMajor)
		}
		if _, err := db.conn.Exec(`UPDATE workflow_params SET value = ? WHERE key = 'schema_minor'`, strconv.Itoa(SchemaMinor)); err != nil {
			return fmt.Errorf("statedb: upgrade schema minor version: %w", err)
		}
	}
	return nil
}

func (db *DB) loadChainTail() error {
	var hash string
	err := db.conn.QueryRow(`SELECT hash FROM task_states ORDER BY id DESC LIMIT 1`).Scan(&hash)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("statedb: load chain tail: %w", err)
	}
	db.prevHash = hash
	return nil
}

// Close closes the underlying connection.
func (db *DB) Close() error { return db.conn.Close() }

// Update runs fn inside a single SQLite transaction, committing on success
// and rolling back on error or panic, mirroring bbolt
// Update-callback shape translated to database/sql.
func (db *DB) Update(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("statedb: begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("statedb: commit: %w", err)
	}
	return nil
}

// UpsertTaskPool writes (or overwrites) the current-state row for one
// (cycle, name, flow), the table the scheduler reads at restart to
// reconstruct its in-memory Pool.
func (db *DB) UpsertTaskPool(ctx context.Context, cycle, name, flow, status string, held bool, submitNum int) error {
	return db.Update(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_pool (cycle, name, flow, status, is_held, submit_num)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (cycle, name, flow) DO UPDATE SET
				status = excluded.status, is_held = excluded.is_held, submit_num = excluded.submit_num
		`, cycle, name, flow, status, boolInt(held), submitNum)
		return err
	})
}

// RemoveTaskPool deletes the row for a proxy that has left the pool.
func (db *DB) RemoveTaskPool(ctx context.Context, cycle, name, flow string) error {
	return db.Update(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM task_pool WHERE cycle = ? AND name = ? AND flow = ?`, cycle, name, flow)
		return err
	})
}

// RecordTransition appends one hash-chained event to task_states. The hash
// covers the previous row's hash plus this row's fields, exactly as
// appendlog.hashEntry chains audit entries, so RecordTransition's result can
// be verified offline with VerifyChain without trusting the stored rows.
func (db *DB) RecordTransition(ctx context.Context, cycle, name, flow, status string, at time.Time) error {
	return db.Update(ctx, func(tx *sql.Tx) error {
		ts := at.UTC().Format(time.RFC3339Nano)
		hash := chainHash(db.prevHash, cycle, name, flow, status, ts)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_states (cycle, name, flow, status, time, prev_hash, hash)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, cycle, name, flow, status, ts, db.prevHash, hash); err != nil {
			return err
		}
		db.prevHash = hash
		return nil
	})
}

func chainHash(prevHash, cycle, name, flow, status, ts string) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte(cycle))
	h.Write([]byte(name))
	h.Write([]byte(flow))
	h.Write([]byte(status))
	h.Write([]byte(ts))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain recomputes every task_states row's hash in id order and
// confirms prev_hash linkage, exactly as appendlog.AppendLog.Verify does for
// the in-memory audit log.
func (db *DB) VerifyChain(ctx context.Context) (bool, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT cycle, name, flow, status, time, prev_hash, hash FROM task_states ORDER BY id ASC`)
	if err != nil {
		return false, fmt.Errorf("statedb: verify chain: %w", err)
	}
	defer rows.Close()

	want := ""
	first := true
	for rows.Next() {
		var cycle, name, flow, status, ts, prevHash, hash string
		if err := rows.Scan(&cycle, &name, &flow, &status, &ts, &prevHash, &hash); err != nil {
			return false, err
		}
		if !first && prevHash != want {
			return false, nil
		}
		if chainHash(prevHash, cycle, name, flow, status, ts) != hash {
			return false, nil
		}
		want = hash
		first = false
	}
	return true, rows.Err()
}

// RecordJob inserts or updates one task_jobs row for a submission attempt.
func (db *DB) RecordJob(ctx context.Context, j JobRecord) error {
	return db.Update(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_jobs (cycle, name, submit_num, platform, job_id, try_num, time_submit, time_run, time_exit, run_status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (cycle, name, submit_num) DO UPDATE SET
				platform = excluded.platform, job_id = excluded.job_id, try_num = excluded.try_num,
				time_submit = excluded.time_submit, time_run = excluded.time_run,
				time_exit = excluded.time_exit, run_status = excluded.run_status
		`, j.Cycle, j.Name, j.SubmitNum, j.Platform, j.JobID, j.TryNum, j.TimeSubmit, j.TimeRun, j.TimeExit, j.RunStatus)
		return err
	})
}

// JobRecord mirrors one task_jobs row.
type JobRecord struct {
	Cycle, Name           string
	SubmitNum             int
	Platform, JobID       string
	TryNum                int
	TimeSubmit, TimeRun   string
	TimeExit              string
	RunStatus             int // -1 = not yet exited, 0 = success, >0 = exit code
}

// RecordOutputs replaces the stored set of completed outputs for a proxy,
// JSON-encoded as a map of output name to completion flag.
func (db *DB) RecordOutputs(ctx context.Context, cycle, name, flow string, outputs map[string]bool) error {
	blob, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("statedb: marshal outputs: %w", err)
	}
	return db.Update(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_outputs (cycle, name, flow, outputs_json) VALUES (?, ?, ?, ?)
			ON CONFLICT (cycle, name, flow) DO UPDATE SET outputs_json = excluded.outputs_json
		`, cycle, name, flow, string(blob))
		return err
	})
}

// LoadOutputs reads back a previously stored output set, for restart
// reconciliation.
func (db *DB) LoadOutputs(ctx context.Context, cycle, name, flow string) (map[string]bool, error) {
	var blob string
	err := db.conn.QueryRowContext(ctx, `SELECT outputs_json FROM task_outputs WHERE cycle = ? AND name = ? AND flow = ?`,
		cycle, name, flow).Scan(&blob)
	if err == sql.ErrNoRows {
		return map[string]bool{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("statedb: load outputs: %w", err)
	}
	out := map[string]bool{}
	if err := json.Unmarshal([]byte(blob), &out); err != nil {
		return nil, fmt.Errorf("statedb: unmarshal outputs: %w", err)
	}
	return out, nil
}

// RecordPrerequisites persists a Prereq's clause shape and satisfaction
// snapshot, keyed the same way as task_pool, so restart can rebuild the
// exact Prereq via prereq.Restore.
func (db *DB) RecordPrerequisites(ctx context.Context, cycle, name, flow string, clauseSizes []int, snapshotJSON []byte) error {
	sizes, err := json.Marshal(clauseSizes)
	if err != nil {
		return fmt.Errorf("statedb: marshal clause sizes: %w", err)
	}
	return db.Update(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_prerequisites (cycle, name, flow, clause_sizes_json, snapshot_json) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (cycle, name, flow) DO UPDATE SET clause_sizes_json = excluded.clause_sizes_json, snapshot_json = excluded.snapshot_json
		`, cycle, name, flow, string(sizes), string(snapshotJSON))
		return err
	})
}

// PrereqRow is one reconstructed task_prerequisites record, kept as raw JSON
// so this package doesn't need to import internal/prereq just to decode it;
// the caller unmarshals SnapshotJSON into a prereq.Snapshot itself.
type PrereqRow struct {
	ClauseSizes  []int
	SnapshotJSON []byte
}

// LoadPrerequisites reads back a previously stored clause-shape/satisfaction
// snapshot for restart reconciliation. ok is false if no row exists yet
// (a newly spawned proxy that hasn't persisted its first snapshot).
func (db *DB) LoadPrerequisites(ctx context.Context, cycle, name, flow string) (PrereqRow, bool, error) {
	var sizesJSON, snapJSON string
	err := db.conn.QueryRowContext(ctx, `
		SELECT clause_sizes_json, snapshot_json FROM task_prerequisites WHERE cycle = ? AND name = ? AND flow = ?
	`, cycle, name, flow).Scan(&sizesJSON, &snapJSON)
	if err == sql.ErrNoRows {
		return PrereqRow{}, false, nil
	}
	if err != nil {
		return PrereqRow{}, false, fmt.Errorf("statedb: load prerequisites: %w", err)
	}
	var sizes []int
	if err := json.Unmarshal([]byte(sizesJSON), &sizes); err != nil {
		return PrereqRow{}, false, fmt.Errorf("statedb: unmarshal clause sizes: %w", err)
	}
	return PrereqRow{ClauseSizes: sizes, SnapshotJSON: []byte(snapJSON)}, true, nil
}

// SetParam writes one workflow_params key/value pair (schema version keys
// are reserved; callers use this for run UUID, start time, stall timeout,
// and similar scalar workflow-level settings).
func (db *DB) SetParam(ctx context.Context, key, value string) error {
	return db.Update(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_params (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value
		`, key, value)
		return err
	})
}

// GetParam reads one workflow_params value, returning ok=false if absent.
func (db *DB) GetParam(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM workflow_params WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("statedb: get param: %w", err)
	}
	return value, true, nil
}

const runUUIDParam = "run_uuid"

// ensureRunUUID assigns this workflow run a UUID on first open; a restart
// against the same database reuses the existing one, giving every
// submitted job and published status message a stable correlation id for
// the life of the run.
func (db *DB) ensureRunUUID() error {
	ctx := context.Background()
	if _, ok, err := db.GetParam(ctx, runUUIDParam); err != nil {
		return err
	} else if ok {
		return nil
	}
	return db.SetParam(ctx, runUUIDParam, uuid.NewString())
}

// RunUUID returns this workflow run's correlation id, set by ensureRunUUID
// when the database was first opened.
func (db *DB) RunUUID(ctx context.Context) (string, error) {
	id, ok, err := db.GetParam(ctx, runUUIDParam)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("statedb: run UUID not set")
	}
	return id, nil
}

// RecordFlow registers a new flow number with its description, for
// `cylc show`-equivalent flow provenance queries.
func (db *DB) RecordFlow(ctx context.Context, flowNum int, description string, start time.Time) error {
	return db.Update(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_flows (flow_num, description, start_time) VALUES (?, ?, ?)
			ON CONFLICT (flow_num) DO NOTHING
		`, flowNum, description, start.UTC().Format(time.RFC3339Nano))
		return err
	})
}

// Checkpoint writes a checkpoint_id row and fsyncs the WAL via
// PRAGMA wal_checkpoint, the relational equivalent of PersistentAuditLog's
// fsync-on-segment-write, batched here to once-per-checkpoint instead of
// once-per-write since SQLite's WAL already buffers individual statements.
func (db *DB) Checkpoint(ctx context.Context, event string) error {
	if err := db.Update(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO checkpoint_id (time, event) VALUES (?, ?)`,
			time.Now().UTC().Format(time.RFC3339Nano), event)
		return err
	}); err != nil {
		return err
	}
	_, err := db.conn.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	if err != nil {
		return fmt.Errorf("statedb: checkpoint: %w", err)
	}
	return nil
}

// PoolRow is one reconstructed task_pool record, returned by LoadPool for
// restart reconciliation.
type PoolRow struct {
	Cycle, Name, Flow string
	Status            string
	Held              bool
	SubmitNum         int
}

// LoadPool reads every current task_pool row, the starting point for
// rebuilding the in-memory Pool after a restart.
func (db *DB) LoadPool(ctx context.Context) ([]PoolRow, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT cycle, name, flow, status, is_held, submit_num FROM task_pool`)
	if err != nil {
		return nil, fmt.Errorf("statedb: load pool: %w", err)
	}
	defer rows.Close()
	var out []PoolRow
	for rows.Next() {
		var r PoolRow
		var held int
		if err := rows.Scan(&r.Cycle, &r.Name, &r.Flow, &r.Status, &held, &r.SubmitNum); err != nil {
			return nil, err
		}
		r.Held = held != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// AddBroadcast inserts an active runtime override, matched at TaskProxy
// preparation time by (cycle point glob, task name glob).
func (db *DB) AddBroadcast(ctx context.Context, pointGlob, nameGlob, key, value string) error {
	return db.Update(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO broadcast_events (point_glob, name_glob, setting_key, setting_value, time, cancelled)
			VALUES (?, ?, ?, ?, ?, 0)
		`, pointGlob, nameGlob, key, value, time.Now().UTC().Format(time.RFC3339Nano))
		return err
	})
}

// BroadcastRow is one active (or cancelled) broadcast entry.
type BroadcastRow struct {
	ID                  int64
	PointGlob, NameGlob string
	Key, Value          string
	Cancelled           bool
}

// ActiveBroadcasts returns every non-cancelled broadcast override, applied
// in insertion order so later broadcasts win ties, matching Cylc's broadcast
// precedence rule.
func (db *DB) ActiveBroadcasts(ctx context.Context) ([]BroadcastRow, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, point_glob, name_glob, setting_key, setting_value FROM broadcast_events
		WHERE cancelled = 0 ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("statedb: active broadcasts: %w", err)
	}
	defer rows.Close()
	var out []BroadcastRow
	for rows.Next() {
		var b BroadcastRow
		if err := rows.Scan(&b.ID, &b.PointGlob, &b.NameGlob, &b.Key, &b.Value); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CancelBroadcast marks a broadcast row cancelled, leaving it in place for
// audit history rather than deleting it.
func (db *DB) CancelBroadcast(ctx context.Context, id int64) error {
	return db.Update(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE broadcast_events SET cancelled = 1 WHERE id = ?`, id)
		return err
	})
}

// SetInheritanceMRO persists one namespace's linearized method-resolution
// order, so `cylc config`-equivalent introspection doesn't need to re-run
// C3 linearization against the (possibly since-reloaded) live config.
func (db *DB) SetInheritanceMRO(ctx context.Context, namespace string, mro []string) error {
	blob, err := json.Marshal(mro)
	if err != nil {
		return fmt.Errorf("statedb: marshal mro: %w", err)
	}
	return db.Update(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO inheritance (namespace, mro_json) VALUES (?, ?)
			ON CONFLICT (namespace) DO UPDATE SET mro_json = excluded.mro_json
		`, namespace, string(blob))
		return err
	})
}

// SetTemplateVar records one Jinja2/Empy template variable's resolved value,
// carried through for `cylc config`-equivalent provenance display; the
// templater itself runs outside the scheduler process.
func (db *DB) SetTemplateVar(ctx context.Context, key, value string) error {
	return db.Update(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_template_vars (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value
		`, key, value)
		return err
	})
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
