package logpipe

import (
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// Query filters persisted records. Exact-match fields are compared as-is;
// Message and Exception match case-insensitive substrings.
type Query struct {
	Level        string
	Process      string
	Thread       string
	LoggerName   string
	Module       string
	FunctionName string
	Message      string
	Exception    string
	Start        time.Time
	End          time.Time

	OrderBy    string
	Descending bool
	Page       int
	PageSize   int
}

// OrderColumns maps accepted order_by values to columns.
var OrderColumns = map[string]string{
	"timestamp": "timestamp",
	"level":     "level",
	"id":        "id",
}

// Validate checks paging and ordering parameters.
func (q Query) Validate() error {
	err := validation.ValidateStruct(&q,
		validation.Field(&q.Page, validation.Required, validation.Min(1)),
		validation.Field(&q.PageSize, validation.Required, validation.Min(1), validation.Max(MaxPageSize)),
		validation.Field(&q.OrderBy, validation.In("timestamp", "level", "id")),
	)
	if err != nil {
		return err
	}
	if !q.Start.IsZero() && !q.End.IsZero() && q.End.Before(q.Start) {
		return errors.New("end_time must not precede start_time")
	}
	return nil
}

// Offset returns the number of rows to skip.
func (q Query) Offset() int {
	return (q.Page - 1) * q.PageSize
}

// Page is one page of query results.
type Page struct {
	Items    []Entry `json:"items"`
	Total    int     `json:"total"`
	Page     int     `json:"page"`
	PageSize int     `json:"page_size"`
}
