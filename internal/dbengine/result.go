package dbengine

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"strings"
	"time"
	"unicode"

	"github.com/500Foods/Philement-sub001/internal/errs"
)

// QueryRequest carries one query through the subsystem, from submission to
// engine dispatch. Parameters travel as a JSON object keyed by parameter
// name; engines bind them positionally against the statement template.
type QueryRequest struct {
	QueryID        string          `json:"query_id"`
	SQLTemplate    string          `json:"query_template"`
	ParametersJSON json.RawMessage `json:"parameters_json,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	Isolation      IsolationLevel  `json:"isolation_level,omitempty"`
	UsePrepared    bool            `json:"use_prepared,omitempty"`
	PreparedName   string          `json:"prepared_name,omitempty"`
}

// Timeout returns the request timeout, defaulting to 30 seconds.
func (q *QueryRequest) Timeout() time.Duration {
	if q.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(q.TimeoutSeconds) * time.Second
}

// Parameters decodes the request's JSON parameter object into ordered
// positional values following the order of keys in the document. A request
// with no parameters yields a nil slice.
func (q *QueryRequest) Parameters() ([]any, error) {
	if len(q.ParametersJSON) == 0 {
		return nil, nil
	}

	// Decode via json.Decoder token stream so parameter order follows the
	// document, not Go's randomized map iteration.
	var obj map[string]any
	if err := json.Unmarshal(q.ParametersJSON, &obj); err != nil {
		return nil, errs.Wrap(err, errs.ErrKindInvalidInput, "invalid parameters JSON")
	}
	keys, err := orderedKeys(q.ParametersJSON)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, obj[k])
	}
	return out, nil
}

// orderedKeys extracts the top-level object keys of doc in document order.
func orderedKeys(doc json.RawMessage) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	tok, err := dec.Token()
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrKindInvalidInput, "invalid parameters JSON")
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errs.New(errs.ErrKindInvalidInput, "parameters JSON must be an object")
	}

	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, errs.Wrap(err, errs.ErrKindInvalidInput, "invalid parameters JSON")
		}
		key, ok := tok.(string)
		if !ok {
			return nil, errs.New(errs.ErrKindInvalidInput, "invalid parameters JSON key")
		}
		keys = append(keys, key)

		// Skip the value, whatever shape it has.
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, errs.Wrap(err, errs.ErrKindInvalidInput, "invalid parameters JSON value")
		}
	}
	return keys, nil
}

// QueryResult is the uniform result shape produced by every engine. Row data
// is serialized as a JSON array of objects keyed by column name, built with
// the standard encoder so strings are escaped correctly.
type QueryResult struct {
	Success         bool            `json:"success"`
	DataJSON        json.RawMessage `json:"data_json,omitempty"`
	RowCount        int             `json:"row_count"`
	ColumnCount     int             `json:"column_count"`
	ColumnNames     []string        `json:"column_names,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ExecutionTimeMs int64           `json:"execution_time_ms"`
	AffectedRows    int64           `json:"affected_rows"`
}

// FailedResult builds the result shape for a query that did not execute.
func FailedResult(err error, elapsed time.Duration) *QueryResult {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &QueryResult{
		Success:         false,
		ErrorMessage:    msg,
		ExecutionTimeMs: elapsed.Milliseconds(),
	}
}

// ReturnsRows reports whether sqlText produces a result set. The
// database/sql engines use it to route DML through Exec, which is the only
// path that surfaces an affected-row count.
func ReturnsRows(sqlText string) bool {
	s := strings.TrimSpace(sqlText)
	for strings.HasPrefix(s, "--") {
		nl := strings.IndexByte(s, '\n')
		if nl < 0 {
			return false
		}
		s = strings.TrimSpace(s[nl+1:])
	}

	word := s
	if i := strings.IndexFunc(s, unicode.IsSpace); i >= 0 {
		word = s[:i]
	}
	switch strings.ToUpper(word) {
	case "SELECT", "WITH", "VALUES", "SHOW", "PRAGMA", "EXPLAIN", "DESCRIBE":
		return true
	}
	return false
}

// BuildExecResult wraps a database/sql exec outcome in a QueryResult.
// Drivers without affected-row support report zero.
func BuildExecResult(res sql.Result, elapsed time.Duration) *QueryResult {
	var affected int64
	if res != nil {
		if n, err := res.RowsAffected(); err == nil {
			affected = n
		}
	}
	return &QueryResult{
		Success:         true,
		AffectedRows:    affected,
		ExecutionTimeMs: elapsed.Milliseconds(),
	}
}

// BuildRowsResult drains a database/sql row set into a QueryResult. It is
// shared by the engines that sit on database/sql (MySQL, SQLite, DB2);
// the PostgreSQL engine has its own pgx equivalent.
func BuildRowsResult(rows *sql.Rows, elapsed time.Duration) (*QueryResult, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrKindQueryFailed, "read columns")
	}

	out := make([]map[string]any, 0, 16)
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errs.Wrap(err, errs.ErrKindQueryFailed, "scan row")
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = normalizeValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(err, errs.ErrKindQueryFailed, "iterate rows")
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrKindQueryFailed, "serialize result")
	}

	return &QueryResult{
		Success:         true,
		DataJSON:        data,
		RowCount:        len(out),
		ColumnCount:     len(cols),
		ColumnNames:     cols,
		ExecutionTimeMs: elapsed.Milliseconds(),
	}, nil
}

// normalizeValue converts driver-native scan values to JSON-friendly ones.
// Byte slices become strings; database/sql drivers commonly return text
// columns as []byte.
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
