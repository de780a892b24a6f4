// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/autotest/scheduler/sdk/go/autotest"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

const (
	hostColumns  = `hosts.id, hostname, status, locked, locked_by, lock_time, protection, dirty, invalid`
	jobColumns   = `jobs.id, owner, name, control_file, control_type, priority, synch_count, reboot_before, reboot_after, run_verify, parse_failed_repair, timeout, max_runtime, created_on, parameters`
	entryColumns = `host_queue_entries.id, job_id, host_id, meta_host, atomic_group_id, status, active, complete, deleted, aborted, aborted_by, aborted_on, execution_subdir, started_on, profile`
	taskColumns  = `special_tasks.id, host_id, task, queue_entry_id, requested_by, is_active, is_complete, success, time_requested, time_started`
	runColumns   = `recurring_runs.id, job_id, owner, start_date, loop_period, loop_count, schedule`
)

// PGStore is a Store backed by a PostgreSQL database.
type PGStore struct {
	db *sqlx.DB
}

// NewPGStore returns a PGStore using db. Call Migrate before use
// on a new database.
func NewPGStore(db *sqlx.DB) *PGStore {
	return &PGStore{db: db}
}

// Migrate creates any missing tables and indexes.
func (ps *PGStore) Migrate(ctx context.Context) error {
	_, err := ps.db.ExecContext(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// whereClause accumulates AND-ed conditions with "?" bindvars.
type whereClause struct {
	conds []string
	args  []interface{}
}

func (w *whereClause) add(cond string, args ...interface{}) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

func (w *whereClause) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func stringArray[T ~string](vals []T) interface{} {
	s := make([]string, len(vals))
	for i, v := range vals {
		s[i] = string(v)
	}
	return pq.Array(s)
}

func notFound(err error, what string, id interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", what, id, ErrNotFound)
	}
	return err
}

func checkUpdated(res sql.Result, err error, what string, id int64) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return nil
}

// insertNamed runs a named INSERT ... RETURNING id query.
func (ps *PGStore) insertNamed(ctx context.Context, tx sqlx.QueryerContext, query string, arg interface{}) (int64, error) {
	q, args, err := sqlx.Named(query, arg)
	if err != nil {
		return 0, err
	}
	var id int64
	err = tx.QueryRowxContext(ctx, ps.db.Rebind(q), args...).Scan(&id)
	return id, err
}

func (ps *PGStore) loadHostLabels(ctx context.Context, hosts []autotest.Host) error {
	if len(hosts) == 0 {
		return nil
	}
	idx := map[int64]int{}
	ids := make([]int64, len(hosts))
	for i, h := range hosts {
		idx[h.ID] = i
		ids[i] = h.ID
	}
	rows, err := ps.db.QueryContext(ctx, `SELECT host_id, label_id FROM hosts_labels WHERE host_id = ANY($1) ORDER BY label_id`, pq.Array(ids))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var hostID, labelID int64
		if err := rows.Scan(&hostID, &labelID); err != nil {
			return err
		}
		h := &hosts[idx[hostID]]
		h.Labels = append(h.Labels, labelID)
	}
	return rows.Err()
}

func (ps *PGStore) Host(ctx context.Context, id int64) (autotest.Host, error) {
	var h autotest.Host
	err := ps.db.GetContext(ctx, &h, `SELECT `+hostColumns+` FROM hosts WHERE id = $1`, id)
	if err != nil {
		return h, notFound(err, "host", id)
	}
	hosts := []autotest.Host{h}
	err = ps.loadHostLabels(ctx, hosts)
	return hosts[0], err
}

func (ps *PGStore) HostByName(ctx context.Context, hostname string) (autotest.Host, error) {
	var h autotest.Host
	err := ps.db.GetContext(ctx, &h, `SELECT `+hostColumns+` FROM hosts WHERE hostname = $1`, hostname)
	if err != nil {
		return h, notFound(err, "host", fmt.Sprintf("%q", hostname))
	}
	hosts := []autotest.Host{h}
	err = ps.loadHostLabels(ctx, hosts)
	return hosts[0], err
}

func (ps *PGStore) ListHosts(ctx context.Context, filter HostFilter) ([]autotest.Host, error) {
	var w whereClause
	if len(filter.Statuses) > 0 {
		w.add(`status = ANY(?)`, stringArray(filter.Statuses))
	}
	if filter.Unlocked {
		w.add(`NOT locked`)
	}
	if filter.Valid {
		w.add(`NOT invalid`)
	}
	var hosts []autotest.Host
	err := ps.db.SelectContext(ctx, &hosts, ps.db.Rebind(`SELECT `+hostColumns+` FROM hosts`+w.String()+` ORDER BY id`), w.args...)
	if err != nil {
		return nil, err
	}
	return hosts, ps.loadHostLabels(ctx, hosts)
}

func (ps *PGStore) CreateHost(ctx context.Context, host *autotest.Host) error {
	if host.Status == "" {
		host.Status = autotest.HostReady
	}
	tx, err := ps.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	id, err := ps.insertNamed(ctx, tx, `INSERT INTO hosts (hostname, status, locked, locked_by, lock_time, protection, dirty, invalid)
		VALUES (:hostname, :status, :locked, :locked_by, :lock_time, :protection, :dirty, :invalid) RETURNING id`, host)
	if err != nil {
		return fmt.Errorf("inserting host %q: %w", host.Hostname, err)
	}
	for _, label := range host.Labels {
		_, err = tx.ExecContext(ctx, `INSERT INTO hosts_labels (host_id, label_id) VALUES ($1, $2)`, id, label)
		if err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	host.ID = id
	return nil
}

func (ps *PGStore) UpdateHost(ctx context.Context, host autotest.Host) error {
	res, err := ps.db.NamedExecContext(ctx, `UPDATE hosts SET
		status = :status, locked = :locked, locked_by = :locked_by, lock_time = :lock_time,
		protection = :protection, dirty = :dirty, invalid = :invalid
		WHERE id = :id`, host)
	return checkUpdated(res, err, "host", host.ID)
}

func (ps *PGStore) ListLabels(ctx context.Context) ([]autotest.Label, error) {
	var labels []autotest.Label
	err := ps.db.SelectContext(ctx, &labels, `SELECT id, name, only_if_needed, atomic_group_id, invalid FROM labels ORDER BY id`)
	return labels, err
}

func (ps *PGStore) CreateLabel(ctx context.Context, label *autotest.Label) error {
	id, err := ps.insertNamed(ctx, ps.db, `INSERT INTO labels (name, only_if_needed, atomic_group_id, invalid)
		VALUES (:name, :only_if_needed, :atomic_group_id, :invalid) RETURNING id`, label)
	if err != nil {
		return fmt.Errorf("inserting label %q: %w", label.Name, err)
	}
	label.ID = id
	return nil
}

func (ps *PGStore) AtomicGroup(ctx context.Context, id int64) (autotest.AtomicGroup, error) {
	var ag autotest.AtomicGroup
	err := ps.db.GetContext(ctx, &ag, `SELECT id, name, max_number_of_machines FROM atomic_groups WHERE id = $1`, id)
	return ag, notFound(err, "atomic group", id)
}

func (ps *PGStore) CreateAtomicGroup(ctx context.Context, ag *autotest.AtomicGroup) error {
	id, err := ps.insertNamed(ctx, ps.db, `INSERT INTO atomic_groups (name, max_number_of_machines)
		VALUES (:name, :max_number_of_machines) RETURNING id`, ag)
	if err != nil {
		return fmt.Errorf("inserting atomic group %q: %w", ag.Name, err)
	}
	ag.ID = id
	return nil
}

func (ps *PGStore) Job(ctx context.Context, id int64) (autotest.Job, error) {
	var j autotest.Job
	err := ps.db.GetContext(ctx, &j, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	if err != nil {
		return j, notFound(err, "job", id)
	}
	err = ps.db.SelectContext(ctx, &j.Dependencies, `SELECT label_id FROM jobs_dependency_labels WHERE job_id = $1 ORDER BY label_id`, id)
	return j, err
}

func (ps *PGStore) CreateJob(ctx context.Context, job *autotest.Job, entries []autotest.HostQueueEntry) ([]autotest.HostQueueEntry, error) {
	tx, err := ps.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	var id int64
	// Parameters is passed as a string so it is stored as text
	// rather than bytea.
	err = tx.QueryRowxContext(ctx, `INSERT INTO jobs (owner, name, control_file, control_type, priority, synch_count,
		reboot_before, reboot_after, run_verify, parse_failed_repair, timeout, max_runtime, created_on, parameters)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, COALESCE($13, now()), $14)
		RETURNING id, created_on`,
		job.Owner, job.Name, job.ControlFile, job.ControlType, job.Priority, job.SynchCount,
		job.RebootBefore, job.RebootAfter, job.RunVerify, job.ParseFailedRepair,
		int64(job.Timeout), int64(job.MaxRuntime), nullTime(job.CreatedOn), string(job.Parameters),
	).Scan(&id, &job.CreatedOn)
	if err != nil {
		return nil, fmt.Errorf("inserting job: %w", err)
	}
	for _, label := range job.Dependencies {
		_, err = tx.ExecContext(ctx, `INSERT INTO jobs_dependency_labels (job_id, label_id) VALUES ($1, $2)`, id, label)
		if err != nil {
			return nil, err
		}
	}
	var created []autotest.HostQueueEntry
	for _, e := range entries {
		e.JobID = id
		if e.Status == "" {
			e.SetStatus(autotest.QueueEntryQueued)
		}
		e.ID, err = ps.insertEntry(ctx, tx, e)
		if err != nil {
			return nil, err
		}
		created = append(created, e)
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	job.ID = id
	return created, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func (ps *PGStore) insertEntry(ctx context.Context, tx sqlx.QueryerContext, e autotest.HostQueueEntry) (int64, error) {
	id, err := ps.insertNamed(ctx, tx, `INSERT INTO host_queue_entries (job_id, host_id, meta_host, atomic_group_id, status,
		active, complete, deleted, aborted, aborted_by, aborted_on, execution_subdir, started_on, profile)
		VALUES (:job_id, :host_id, :meta_host, :atomic_group_id, :status, :active, :complete, :deleted,
		:aborted, :aborted_by, :aborted_on, :execution_subdir, :started_on, :profile) RETURNING id`, e)
	if err != nil {
		return 0, fmt.Errorf("inserting queue entry for job %d: %w", e.JobID, err)
	}
	return id, nil
}

func (ps *PGStore) QueueEntry(ctx context.Context, id int64) (autotest.HostQueueEntry, error) {
	var e autotest.HostQueueEntry
	err := ps.db.GetContext(ctx, &e, `SELECT `+entryColumns+` FROM host_queue_entries WHERE id = $1`, id)
	return e, notFound(err, "queue entry", id)
}

func (ps *PGStore) ListQueueEntries(ctx context.Context, filter EntryFilter) ([]autotest.HostQueueEntry, error) {
	var w whereClause
	if filter.JobID != 0 {
		w.add(`job_id = ?`, filter.JobID)
	}
	if filter.HostID != 0 {
		w.add(`host_id = ?`, filter.HostID)
	}
	if len(filter.Statuses) > 0 {
		w.add(`status = ANY(?)`, stringArray(filter.Statuses))
	}
	if filter.Active {
		w.add(`active`)
	}
	if filter.Incomplete || filter.Aborting {
		w.add(`NOT complete`)
	}
	if filter.Aborting {
		w.add(`aborted`)
	}
	var entries []autotest.HostQueueEntry
	err := ps.db.SelectContext(ctx, &entries, ps.db.Rebind(`SELECT `+entryColumns+` FROM host_queue_entries`+w.String()+` ORDER BY id`), w.args...)
	return entries, err
}

func (ps *PGStore) ListPendingEntries(ctx context.Context) ([]autotest.HostQueueEntry, error) {
	var entries []autotest.HostQueueEntry
	err := ps.db.SelectContext(ctx, &entries, `SELECT `+entryColumns+` FROM host_queue_entries
		INNER JOIN jobs ON jobs.id = host_queue_entries.job_id
		WHERE NOT complete AND NOT active AND status = $1
		ORDER BY jobs.priority DESC, meta_host NULLS FIRST, job_id, host_queue_entries.id`, autotest.QueueEntryQueued)
	return entries, err
}

func (ps *PGStore) CreateQueueEntry(ctx context.Context, entry *autotest.HostQueueEntry) error {
	if entry.Status == "" {
		entry.SetStatus(autotest.QueueEntryQueued)
	}
	id, err := ps.insertEntry(ctx, ps.db, *entry)
	if err != nil {
		return err
	}
	entry.ID = id
	return nil
}

func (ps *PGStore) UpdateQueueEntry(ctx context.Context, entry autotest.HostQueueEntry) error {
	res, err := ps.db.NamedExecContext(ctx, `UPDATE host_queue_entries SET
		host_id = :host_id, meta_host = :meta_host, atomic_group_id = :atomic_group_id,
		status = :status, active = :active, complete = :complete, deleted = :deleted,
		aborted = :aborted, aborted_by = :aborted_by, aborted_on = :aborted_on,
		execution_subdir = :execution_subdir, started_on = :started_on, profile = :profile
		WHERE id = :id`, entry)
	return checkUpdated(res, err, "queue entry", entry.ID)
}

func (ps *PGStore) IneligibleHosts(ctx context.Context, jobID int64) ([]int64, error) {
	var ids []int64
	err := ps.db.SelectContext(ctx, &ids, `SELECT host_id FROM ineligible_host_queues WHERE job_id = $1 ORDER BY host_id`, jobID)
	return ids, err
}

func (ps *PGStore) BlockHost(ctx context.Context, jobID, hostID int64) error {
	_, err := ps.db.ExecContext(ctx, `INSERT INTO ineligible_host_queues (job_id, host_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, jobID, hostID)
	return err
}

func (ps *PGStore) UnblockHost(ctx context.Context, jobID, hostID int64) error {
	_, err := ps.db.ExecContext(ctx, `DELETE FROM ineligible_host_queues WHERE job_id = $1 AND host_id = $2`, jobID, hostID)
	return err
}

func (ps *PGStore) ClearInactiveBlocks(ctx context.Context) (int, error) {
	res, err := ps.db.ExecContext(ctx, `DELETE FROM ineligible_host_queues
		WHERE job_id NOT IN (SELECT DISTINCT job_id FROM host_queue_entries WHERE NOT complete)`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (ps *PGStore) SpecialTask(ctx context.Context, id int64) (autotest.SpecialTask, error) {
	var t autotest.SpecialTask
	err := ps.db.GetContext(ctx, &t, `SELECT `+taskColumns+` FROM special_tasks WHERE id = $1`, id)
	return t, notFound(err, "special task", id)
}

func (ps *PGStore) ListSpecialTasks(ctx context.Context, filter TaskFilter) ([]autotest.SpecialTask, error) {
	var w whereClause
	if filter.HostID != 0 {
		w.add(`host_id = ?`, filter.HostID)
	}
	if filter.QueueEntryID != 0 {
		w.add(`queue_entry_id = ?`, filter.QueueEntryID)
	}
	if len(filter.Kinds) > 0 {
		w.add(`task = ANY(?)`, stringArray(filter.Kinds))
	}
	if filter.Queued {
		w.add(`NOT is_active AND NOT is_complete`)
	}
	if filter.Active {
		w.add(`is_active`)
	}
	if filter.Incomplete {
		w.add(`NOT is_complete`)
	}
	var tasks []autotest.SpecialTask
	err := ps.db.SelectContext(ctx, &tasks, ps.db.Rebind(`SELECT `+taskColumns+` FROM special_tasks`+w.String()+` ORDER BY id`), w.args...)
	return tasks, err
}

func (ps *PGStore) CreateSpecialTask(ctx context.Context, task *autotest.SpecialTask) error {
	var err error
	if task.TimeRequested.IsZero() {
		err = ps.db.QueryRowxContext(ctx, `SELECT now()`).Scan(&task.TimeRequested)
		if err != nil {
			return err
		}
	}
	id, err := ps.insertNamed(ctx, ps.db, `INSERT INTO special_tasks (host_id, task, queue_entry_id, requested_by,
		is_active, is_complete, success, time_requested, time_started)
		VALUES (:host_id, :task, :queue_entry_id, :requested_by, :is_active, :is_complete, :success,
		:time_requested, :time_started) RETURNING id`, task)
	if err != nil {
		return fmt.Errorf("inserting %s task for host %d: %w", task.Kind, task.HostID, err)
	}
	task.ID = id
	return nil
}

func (ps *PGStore) UpdateSpecialTask(ctx context.Context, task autotest.SpecialTask) error {
	res, err := ps.db.NamedExecContext(ctx, `UPDATE special_tasks SET
		queue_entry_id = :queue_entry_id, requested_by = :requested_by, is_active = :is_active,
		is_complete = :is_complete, success = :success, time_started = :time_started
		WHERE id = :id`, task)
	return checkUpdated(res, err, "special task", task.ID)
}

func (ps *PGStore) DeleteQueuedVerifies(ctx context.Context, hostID, exceptTaskID int64) error {
	_, err := ps.db.ExecContext(ctx, `DELETE FROM special_tasks
		WHERE host_id = $1 AND task = $2 AND NOT is_active AND NOT is_complete
		AND queue_entry_id IS NULL AND id <> $3`, hostID, autotest.TaskVerify, exceptTaskID)
	return err
}

func (ps *PGStore) ListRecurringRuns(ctx context.Context) ([]autotest.RecurringRun, error) {
	var runs []autotest.RecurringRun
	err := ps.db.SelectContext(ctx, &runs, `SELECT `+runColumns+` FROM recurring_runs ORDER BY id`)
	return runs, err
}

func (ps *PGStore) CreateRecurringRun(ctx context.Context, run *autotest.RecurringRun) error {
	id, err := ps.insertNamed(ctx, ps.db, `INSERT INTO recurring_runs (job_id, owner, start_date, loop_period, loop_count, schedule)
		VALUES (:job_id, :owner, :start_date, :loop_period, :loop_count, :schedule) RETURNING id`, run)
	if err != nil {
		return fmt.Errorf("inserting recurring run for job %d: %w", run.JobID, err)
	}
	run.ID = id
	return nil
}

func (ps *PGStore) UpdateRecurringRun(ctx context.Context, run autotest.RecurringRun) error {
	res, err := ps.db.NamedExecContext(ctx, `UPDATE recurring_runs SET
		start_date = :start_date, loop_period = :loop_period, loop_count = :loop_count, schedule = :schedule
		WHERE id = :id`, run)
	return checkUpdated(res, err, "recurring run", run.ID)
}

func (ps *PGStore) DeleteRecurringRun(ctx context.Context, id int64) error {
	res, err := ps.db.ExecContext(ctx, `DELETE FROM recurring_runs WHERE id = $1`, id)
	return checkUpdated(res, err, "recurring run", id)
}
