package store

import (
	"github.com/teranos/weft/entity"
	"github.com/teranos/weft/errors"
)

// mapping describes how one entity kind is written.
type mapping struct {
	table   string
	columns []string
	values  func(entity.Entity) []any
}

var mappings = map[entity.Kind]mapping{
	entity.KindExecution: {
		table:   "executions",
		columns: executionColumns,
		values: func(en entity.Entity) []any {
			e := en.(*entity.Execution)
			return []any{
				nullString(e.ParentID), e.ProcessInstanceID, e.ProcessDefinitionID, e.BusinessKey,
				nullString(e.ActivityID), string(e.State), e.IsConcurrent, e.IsScope, e.IsEventScope,
				entity.ToMillis(e.StartedAt), nullMillis(e.EndedAt),
			}
		},
	},
	entity.KindVariable: {
		table:   "variables",
		columns: variableColumns,
		values: func(en entity.Entity) []any {
			v := en.(*entity.Variable)
			var text any
			if v.TextValue != nil {
				text = *v.TextValue
			}
			serializer := v.Serializer
			if serializer == "" {
				serializer = entity.SerializerJSON
			}
			return []any{v.ExecutionID, v.ProcessInstanceID, v.Name, string(v.Type), serializer, text}
		},
	},
	entity.KindJob: {
		table:   "jobs",
		columns: jobColumns,
		values: func(en entity.Entity) []any {
			j := en.(*entity.Job)
			config := j.HandlerConfig
			if config == "" {
				config = "{}"
			}
			return []any{
				j.Type, config, entity.ToMillis(j.DueDate), nullString(j.LockOwner), nullMillis(j.LockExpirationTime),
				j.Retries, j.Failures, j.ExceptionMessage, j.ExceptionStacktrace, j.ProcessInstanceID,
				j.ExecutionID, j.ProcessDefinitionID, j.ActivityID, j.Priority, j.Exclusive, j.Suspended,
				j.Repeat, entity.ToMillis(j.CreatedAt),
			}
		},
	},
	entity.KindIncident: {
		table:   "incidents",
		columns: incidentColumns,
		values: func(en entity.Entity) []any {
			i := en.(*entity.Incident)
			return []any{
				string(i.Type), i.JobID, i.ExecutionID, i.ProcessInstanceID, i.ActivityID, i.Message,
				i.Stacktrace, string(i.State), entity.ToMillis(i.CreatedAt), nullMillis(i.ResolvedAt),
			}
		},
	},
	entity.KindOperationLog: {
		table:   "operation_log",
		columns: operationLogColumns,
		values: func(en entity.Entity) []any {
			o := en.(*entity.OperationLogEntry)
			return []any{
				o.Operation, string(o.EntityKind), o.TargetID, o.AffectedCount, o.UserID,
				entity.ToMillis(o.CreatedAt), o.Details,
			}
		},
	},
}

func mappingFor(kind entity.Kind) (mapping, error) {
	m, ok := mappings[kind]
	if !ok {
		return mapping{}, errors.AssertionFailedf("no table mapping for entity kind %q", kind)
	}
	return m, nil
}
