package postgres

import (
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/500Foods/Philement-sub001/internal/dbengine"
	"github.com/500Foods/Philement-sub001/internal/errs"
)

// buildResult drains a pgx row set into the uniform result shape. It always
// closes rows.
func buildResult(rows pgx.Rows, elapsed time.Duration) (*dbengine.QueryResult, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}

	out := make([]map[string]any, 0, 16)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, mapError(err, "read row values")
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = normalizeValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "iterate rows")
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrKindQueryFailed, "serialize result")
	}

	return &dbengine.QueryResult{
		Success:         true,
		DataJSON:        data,
		RowCount:        len(out),
		ColumnCount:     len(cols),
		ColumnNames:     cols,
		ExecutionTimeMs: elapsed.Milliseconds(),
		AffectedRows:    rows.CommandTag().RowsAffected(),
	}, nil
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(time.RFC3339Nano)
	default:
		return v
	}
}
