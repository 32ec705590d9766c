package store

import (
	"database/sql"
	"strings"
	"time"

	"github.com/teranos/weft/entity"
)

// Column lists in the order expected by the scan helpers below.
// id and revision always come first.
var (
	executionColumns = []string{
		"parent_id", "process_instance_id", "process_definition_id", "business_key", "activity_id",
		"state", "is_concurrent", "is_scope", "is_event_scope", "started_at", "ended_at",
	}
	variableColumns = []string{
		"execution_id", "process_instance_id", "name", "type", "serializer", "text_value",
	}
	jobColumns = []string{
		"type", "handler_config", "due_date", "lock_owner", "lock_expiration_time", "retries", "failures",
		"exception_message", "exception_stacktrace", "process_instance_id", "execution_id",
		"process_definition_id", "activity_id", "priority", "exclusive", "suspended", "repeat", "created_at",
	}
	incidentColumns = []string{
		"type", "job_id", "execution_id", "process_instance_id", "activity_id", "message", "stacktrace",
		"state", "created_at", "resolved_at",
	}
	operationLogColumns = []string{
		"operation", "entity_kind", "entity_id", "affected_count", "user_id", "created_at", "details",
	}
)

// selectColumns returns "id, revision, c1, c2, ..." optionally qualified
// with a table alias.
func selectColumns(columns []string, alias string) string {
	all := append([]string{"id", "revision"}, columns...)
	if alias != "" {
		for i, c := range all {
			all[i] = alias + "." + c
		}
	}
	return strings.Join(all, ", ")
}

type scanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: entity.ToMillis(*t), Valid: true}
}

func timePtr(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := entity.FromMillis(ms.Int64)
	return &t
}

func scanExecution(row scanner) (*entity.Execution, error) {
	var (
		e         entity.Execution
		parentID  sql.NullString
		activity  sql.NullString
		startedAt int64
		endedAt   sql.NullInt64
	)
	err := row.Scan(&e.ID, &e.Rev,
		&parentID, &e.ProcessInstanceID, &e.ProcessDefinitionID, &e.BusinessKey, &activity,
		&e.State, &e.IsConcurrent, &e.IsScope, &e.IsEventScope, &startedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	e.ParentID = parentID.String
	e.ActivityID = activity.String
	e.StartedAt = entity.FromMillis(startedAt)
	e.EndedAt = timePtr(endedAt)
	return &e, nil
}

func scanVariable(row scanner) (*entity.Variable, error) {
	var (
		v    entity.Variable
		text sql.NullString
	)
	err := row.Scan(&v.ID, &v.Rev,
		&v.ExecutionID, &v.ProcessInstanceID, &v.Name, &v.Type, &v.Serializer, &text)
	if err != nil {
		return nil, err
	}
	if text.Valid {
		v.TextValue = &text.String
	}
	return &v, nil
}

func scanJob(row scanner) (*entity.Job, error) {
	var (
		j         entity.Job
		lockOwner sql.NullString
		dueDate   int64
		lockExp   sql.NullInt64
		createdAt int64
	)
	err := row.Scan(&j.ID, &j.Rev,
		&j.Type, &j.HandlerConfig, &dueDate, &lockOwner, &lockExp, &j.Retries, &j.Failures,
		&j.ExceptionMessage, &j.ExceptionStacktrace, &j.ProcessInstanceID, &j.ExecutionID,
		&j.ProcessDefinitionID, &j.ActivityID, &j.Priority, &j.Exclusive, &j.Suspended, &j.Repeat, &createdAt)
	if err != nil {
		return nil, err
	}
	j.DueDate = entity.FromMillis(dueDate)
	j.LockOwner = lockOwner.String
	j.LockExpirationTime = timePtr(lockExp)
	j.CreatedAt = entity.FromMillis(createdAt)
	return &j, nil
}

func scanIncident(row scanner) (*entity.Incident, error) {
	var (
		i          entity.Incident
		createdAt  int64
		resolvedAt sql.NullInt64
	)
	err := row.Scan(&i.ID, &i.Rev,
		&i.Type, &i.JobID, &i.ExecutionID, &i.ProcessInstanceID, &i.ActivityID, &i.Message, &i.Stacktrace,
		&i.State, &createdAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	i.CreatedAt = entity.FromMillis(createdAt)
	i.ResolvedAt = timePtr(resolvedAt)
	return &i, nil
}

func scanOperationLog(row scanner) (*entity.OperationLogEntry, error) {
	var (
		o         entity.OperationLogEntry
		createdAt int64
	)
	err := row.Scan(&o.ID, &o.Rev,
		&o.Operation, &o.EntityKind, &o.TargetID, &o.AffectedCount, &o.UserID, &createdAt, &o.Details)
	if err != nil {
		return nil, err
	}
	o.CreatedAt = entity.FromMillis(createdAt)
	return &o, nil
}

// scanAll drains rows with scan.
func scanAll[T any](rows *sql.Rows, scan func(scanner) (T, error)) ([]T, error) {
	defer rows.Close()

	var out []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
