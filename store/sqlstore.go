package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/teranos/weft/db"
	"github.com/teranos/weft/entity"
	"github.com/teranos/weft/errors"
)

// SQLStore implements Store on a database/sql handle opened by db.Open.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open, migrated database.
func NewSQLStore(conn *sql.DB) *SQLStore {
	return &SQLStore{db: conn}
}

// DB returns the underlying handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Begin opens a write transaction. The DSN built by db.DSN makes this a
// BEGIN IMMEDIATE, taking the write lock up front.
func (s *SQLStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.FatalStore("begin transaction", err)
	}
	return &sqlTx{tx: tx}, nil
}

func readError(op string, kind entity.Kind, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errors.NotFound(string(kind), id)
	}
	return errors.FatalStore(op, err)
}

// Load returns the entity of kind with id.
func (s *SQLStore) Load(ctx context.Context, kind entity.Kind, id string) (entity.Entity, error) {
	switch kind {
	case entity.KindExecution:
		return s.GetExecution(ctx, id)
	case entity.KindJob:
		return s.GetJob(ctx, id)
	case entity.KindIncident:
		return s.GetIncident(ctx, id)
	case entity.KindVariable:
		row := s.db.QueryRowContext(ctx,
			`SELECT `+selectColumns(variableColumns, "")+` FROM variables WHERE id = ?`, id)
		v, err := scanVariable(row)
		if err != nil {
			return nil, readError("load variable", kind, id, err)
		}
		return v, nil
	case entity.KindOperationLog:
		row := s.db.QueryRowContext(ctx,
			`SELECT `+selectColumns(operationLogColumns, "")+` FROM operation_log WHERE id = ?`, id)
		o, err := scanOperationLog(row)
		if err != nil {
			return nil, readError("load operation log entry", kind, id, err)
		}
		return o, nil
	default:
		return nil, errors.AssertionFailedf("load: unknown entity kind %q", kind)
	}
}

// GetExecution retrieves an execution by ID
func (s *SQLStore) GetExecution(ctx context.Context, id string) (*entity.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns(executionColumns, "")+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if err != nil {
		return nil, readError("get execution", entity.KindExecution, id, err)
	}
	return e, nil
}

// ChildExecutions returns the direct children of parentID in creation order
func (s *SQLStore) ChildExecutions(ctx context.Context, parentID string) ([]*entity.Execution, error) {
	return s.queryExecutions(ctx, "child executions",
		`WHERE parent_id = ? ORDER BY started_at, id`, parentID)
}

// ExecutionsByInstance returns every execution of a process instance, root first
func (s *SQLStore) ExecutionsByInstance(ctx context.Context, processInstanceID string) ([]*entity.Execution, error) {
	return s.queryExecutions(ctx, "instance executions",
		`WHERE process_instance_id = ? ORDER BY (parent_id IS NOT NULL), started_at, id`, processInstanceID)
}

// ListProcessInstances returns root executions matching filter, newest first
func (s *SQLStore) ListProcessInstances(ctx context.Context, filter InstanceFilter) ([]*entity.Execution, error) {
	where := []string{"parent_id IS NULL"}
	var args []any
	if filter.DefinitionKey != "" {
		where = append(where, "process_definition_id LIKE ?")
		args = append(args, filter.DefinitionKey+":%")
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.BusinessKey != "" {
		where = append(where, "business_key = ?")
		args = append(args, filter.BusinessKey)
	}
	args = append(args, limitOrDefault(filter.Limit))

	return s.queryExecutions(ctx, "process instances",
		`WHERE `+strings.Join(where, " AND ")+` ORDER BY started_at DESC, id LIMIT ?`, args...)
}

func (s *SQLStore) queryExecutions(ctx context.Context, what, clause string, args ...any) ([]*entity.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns(executionColumns, "")+` FROM executions `+clause, args...)
	if err != nil {
		return nil, errors.FatalStore("query "+what, err)
	}
	out, err := scanAll(rows, scanExecution)
	if err != nil {
		return nil, errors.FatalStore("scan "+what, err)
	}
	return out, nil
}

// VariablesByExecution returns the variables bound directly to executionID
func (s *SQLStore) VariablesByExecution(ctx context.Context, executionID string) ([]*entity.Variable, error) {
	return s.queryVariables(ctx, "execution variables", `WHERE execution_id = ? ORDER BY name`, executionID)
}

// VariablesByInstance returns all variables of a process instance
func (s *SQLStore) VariablesByInstance(ctx context.Context, processInstanceID string) ([]*entity.Variable, error) {
	return s.queryVariables(ctx, "instance variables", `WHERE process_instance_id = ? ORDER BY execution_id, name`, processInstanceID)
}

func (s *SQLStore) queryVariables(ctx context.Context, what, clause string, args ...any) ([]*entity.Variable, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns(variableColumns, "")+` FROM variables `+clause, args...)
	if err != nil {
		return nil, errors.FatalStore("query "+what, err)
	}
	out, err := scanAll(rows, scanVariable)
	if err != nil {
		return nil, errors.FatalStore("scan "+what, err)
	}
	return out, nil
}

// GetJob retrieves a job by ID
func (s *SQLStore) GetJob(ctx context.Context, id string) (*entity.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns(jobColumns, "")+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err != nil {
		return nil, readError("get job", entity.KindJob, id, err)
	}
	return j, nil
}

// JobsByExecution returns the jobs attached to executionID
func (s *SQLStore) JobsByExecution(ctx context.Context, executionID string) ([]*entity.Job, error) {
	return s.queryJobs(ctx, "execution jobs", `WHERE execution_id = ? ORDER BY created_at, id`, executionID)
}

// ListJobs returns jobs matching filter in due order
func (s *SQLStore) ListJobs(ctx context.Context, filter JobFilter) ([]*entity.Job, error) {
	var where []string
	var args []any
	if len(filter.IDs) > 0 {
		where = append(where, "id IN ("+placeholders(len(filter.IDs))+")")
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}
	if filter.ProcessInstanceID != "" {
		where = append(where, "process_instance_id = ?")
		args = append(args, filter.ProcessInstanceID)
	}
	if filter.ProcessDefinitionID != "" {
		where = append(where, "process_definition_id = ?")
		args = append(args, filter.ProcessDefinitionID)
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.LockOwner != "" {
		where = append(where, "lock_owner = ?")
		args = append(args, filter.LockOwner)
	}
	if filter.Suspended != nil {
		where = append(where, "suspended = ?")
		args = append(args, *filter.Suspended)
	}
	if filter.NoRetriesLeft {
		where = append(where, "retries = 0")
	}

	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limitOrDefault(filter.Limit))
	return s.queryJobs(ctx, "jobs", clause+` ORDER BY due_date, priority DESC, id LIMIT ?`, args...)
}

// dueJobsClause is the acquisition predicate. An exclusive job is skipped
// while another exclusive job of the same process instance holds a valid
// lock, so one instance never runs two exclusive jobs at once.
const dueJobsClause = `
	WHERE j.due_date <= ?
	  AND j.suspended = 0
	  AND j.retries > 0
	  AND (j.lock_owner IS NULL OR j.lock_expiration_time < ?)
	  AND (j.exclusive = 0 OR j.process_instance_id = '' OR NOT EXISTS (
	        SELECT 1 FROM jobs l
	        WHERE l.process_instance_id = j.process_instance_id
	          AND l.exclusive = 1
	          AND l.lock_owner IS NOT NULL
	          AND l.lock_expiration_time >= ?))
	ORDER BY j.due_date ASC, j.priority DESC, j.id ASC
	LIMIT ?`

// SelectDueJobs returns up to query.Limit acquirable jobs, earliest due first
func (s *SQLStore) SelectDueJobs(ctx context.Context, query DueJobsQuery) ([]*entity.Job, error) {
	if query.Limit <= 0 {
		return nil, nil
	}
	now := entity.ToMillis(query.Now)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns(jobColumns, "j")+` FROM jobs j`+dueJobsClause,
		now, now, now, query.Limit)
	if err != nil {
		return nil, errors.FatalStore("select due jobs", err)
	}
	out, err := scanAll(rows, scanJob)
	if err != nil {
		return nil, errors.FatalStore("scan due jobs", err)
	}
	return out, nil
}

func (s *SQLStore) queryJobs(ctx context.Context, what, clause string, args ...any) ([]*entity.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns(jobColumns, "")+` FROM jobs `+clause, args...)
	if err != nil {
		return nil, errors.FatalStore("query "+what, err)
	}
	out, err := scanAll(rows, scanJob)
	if err != nil {
		return nil, errors.FatalStore("scan "+what, err)
	}
	return out, nil
}

// GetIncident retrieves an incident by ID
func (s *SQLStore) GetIncident(ctx context.Context, id string) (*entity.Incident, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns(incidentColumns, "")+` FROM incidents WHERE id = ?`, id)
	i, err := scanIncident(row)
	if err != nil {
		return nil, readError("get incident", entity.KindIncident, id, err)
	}
	return i, nil
}

// ListIncidents returns incidents matching filter, newest first
func (s *SQLStore) ListIncidents(ctx context.Context, filter IncidentFilter) ([]*entity.Incident, error) {
	var where []string
	var args []any
	if filter.ProcessInstanceID != "" {
		where = append(where, "process_instance_id = ?")
		args = append(args, filter.ProcessInstanceID)
	}
	if filter.JobID != "" {
		where = append(where, "job_id = ?")
		args = append(args, filter.JobID)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns(incidentColumns, "")+` FROM incidents `+clause+` ORDER BY created_at DESC, id LIMIT ?`, args...)
	if err != nil {
		return nil, errors.FatalStore("query incidents", err)
	}
	out, err := scanAll(rows, scanIncident)
	if err != nil {
		return nil, errors.FatalStore("scan incidents", err)
	}
	return out, nil
}

// ListOperationLog returns the newest operation log entries
func (s *SQLStore) ListOperationLog(ctx context.Context, limit int) ([]*entity.OperationLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns(operationLogColumns, "")+` FROM operation_log ORDER BY created_at DESC, id LIMIT ?`,
		limitOrDefault(limit))
	if err != nil {
		return nil, errors.FatalStore("query operation log", err)
	}
	out, err := scanAll(rows, scanOperationLog)
	if err != nil {
		return nil, errors.FatalStore("scan operation log", err)
	}
	return out, nil
}

// limitOrDefault maps a filter limit to SQL: zero is the default limit,
// negative is no limit.
func limitOrDefault(limit int) int {
	switch {
	case limit < 0:
		return -1
	case limit == 0:
		return DefaultListLimit
	}
	return limit
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Insert(ctx context.Context, e entity.Entity) error {
	m, err := mappingFor(e.Kind())
	if err != nil {
		return err
	}

	query := `INSERT INTO ` + m.table + ` (id, revision, ` + strings.Join(m.columns, ", ") +
		`) VALUES (?, 1, ` + placeholders(len(m.columns)) + `)`
	args := append([]any{e.EntityID()}, m.values(e)...)

	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		if db.IsUniqueViolation(err) {
			return errors.OptimisticLockConflict(string(e.Kind()), e.EntityID(), 0)
		}
		return errors.FatalStore("insert "+string(e.Kind()), err)
	}
	e.SetRevision(1)
	return nil
}

func (t *sqlTx) Update(ctx context.Context, e entity.Entity, expectedRevision int) error {
	m, err := mappingFor(e.Kind())
	if err != nil {
		return err
	}

	sets := make([]string, len(m.columns))
	for i, c := range m.columns {
		sets[i] = c + " = ?"
	}
	query := `UPDATE ` + m.table + ` SET ` + strings.Join(sets, ", ") +
		`, revision = revision + 1 WHERE id = ? AND revision = ?`
	args := append(m.values(e), e.EntityID(), expectedRevision)

	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return errors.OptimisticLockConflict(string(e.Kind()), e.EntityID(), expectedRevision)
		}
		return errors.FatalStore("update "+string(e.Kind()), err)
	}
	if err := requireOneRow(res, e, expectedRevision); err != nil {
		return err
	}
	e.SetRevision(expectedRevision + 1)
	return nil
}

func (t *sqlTx) Delete(ctx context.Context, e entity.Entity) error {
	m, err := mappingFor(e.Kind())
	if err != nil {
		return err
	}

	res, err := t.tx.ExecContext(ctx, `DELETE FROM `+m.table+` WHERE id = ? AND revision = ?`,
		e.EntityID(), e.Revision())
	if err != nil {
		return errors.FatalStore("delete "+string(e.Kind()), err)
	}
	return requireOneRow(res, e, e.Revision())
}

func requireOneRow(res sql.Result, e entity.Entity, expectedRevision int) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.FatalStore("rows affected", err)
	}
	if n == 0 {
		return errors.OptimisticLockConflict(string(e.Kind()), e.EntityID(), expectedRevision)
	}
	return nil
}

func (t *sqlTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return errors.FatalStore("commit", err)
	}
	return nil
}

func (t *sqlTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return errors.FatalStore("rollback", err)
	}
	return nil
}
