package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"warden.dev/internal/logpipe"
)

var _ logpipe.Sink = (*Store)(nil)

const logColumns = `id, level, message, "timestamp", process, thread, logger_name, module, line_no, function_name, exception, extra`

// Persist inserts one validated log record.
func (s *Store) Persist(ctx context.Context, r logpipe.Record) error {
	if s.db == nil {
		return errNoDB
	}
	extra := []byte("{}")
	if len(r.Extra) > 0 {
		raw, err := json.Marshal(r.Extra)
		if err != nil {
			return fmt.Errorf("marshal extra: %w", err)
		}
		extra = raw
	}
	_, err := s.db.ExecContext(ctx, `
		insert into logs (level, message, "timestamp", process, thread, logger_name, module, line_no, function_name, exception, extra)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, r.Level, r.Message, r.Timestamp, r.Process, r.Thread, r.LoggerName, r.Module, r.LineNo, r.FunctionName, r.Exception, extra)
	return err
}

// ListLogs returns one page of records matching q. q must already be
// validated.
func (s *Store) ListLogs(ctx context.Context, q logpipe.Query) (logpipe.Page, error) {
	if s.db == nil {
		return logpipe.Page{}, errNoDB
	}
	var (
		conds []string
		args  []any
	)
	add := func(cond string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	exact := []struct {
		column string
		value  string
	}{
		{"level", strings.ToLower(q.Level)},
		{"process", q.Process},
		{"thread", q.Thread},
		{"logger_name", q.LoggerName},
		{"module", q.Module},
		{"function_name", q.FunctionName},
	}
	for _, f := range exact {
		if f.value != "" {
			add(f.column+" = $%d", f.value)
		}
	}
	if q.Message != "" {
		add(`message ilike $%d escape '\'`, containsPattern(q.Message))
	}
	if q.Exception != "" {
		add(`exception ilike $%d escape '\'`, containsPattern(q.Exception))
	}
	if !q.Start.IsZero() {
		add(`"timestamp" >= $%d`, q.Start.UTC())
	}
	if !q.End.IsZero() {
		add(`"timestamp" <= $%d`, q.End.UTC())
	}
	where := ""
	if len(conds) > 0 {
		where = " where " + strings.Join(conds, " and ")
	}

	page := logpipe.Page{Items: []logpipe.Entry{}, Page: q.Page, PageSize: q.PageSize}
	if err := s.db.QueryRowContext(ctx, `select count(*) from logs`+where, args...).Scan(&page.Total); err != nil {
		return logpipe.Page{}, err
	}

	column, ok := logpipe.OrderColumns[q.OrderBy]
	direction := "asc"
	if !ok {
		column = "timestamp"
		direction = "desc"
	} else if q.Descending {
		direction = "desc"
	}
	query := fmt.Sprintf(`select %s from logs%s order by "%s" %s, id %s limit $%d offset $%d`,
		logColumns, where, column, direction, direction, len(args)+1, len(args)+2)
	rows, err := s.db.QueryContext(ctx, query, append(args, q.PageSize, q.Offset())...)
	if err != nil {
		return logpipe.Page{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e     logpipe.Entry
			extra []byte
		)
		if err := rows.Scan(&e.ID, &e.Level, &e.Message, &e.Timestamp, &e.Process, &e.Thread, &e.LoggerName,
			&e.Module, &e.LineNo, &e.FunctionName, &e.Exception, &extra); err != nil {
			return logpipe.Page{}, err
		}
		if len(extra) > 0 {
			if err := json.Unmarshal(extra, &e.Extra); err != nil {
				return logpipe.Page{}, fmt.Errorf("decode extra: %w", err)
			}
			if len(e.Extra) == 0 {
				e.Extra = nil
			}
		}
		page.Items = append(page.Items, e)
	}
	if err := rows.Err(); err != nil {
		return logpipe.Page{}, err
	}
	return page, nil
}

func containsPattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}
