package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"warden.dev/internal/logpipe"
)

func (a *API) handleListLogs(w http.ResponseWriter, r *http.Request) {
	q, err := parseLogQuery(r.URL.Query())
	if err == nil {
		err = q.Validate()
	}
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	page, err := a.logs.ListLogs(r.Context(), q)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	if page.Items == nil {
		page.Items = []logpipe.Entry{}
	}
	writeJSON(w, http.StatusOK, page)
}

func parseLogQuery(v url.Values) (logpipe.Query, error) {
	q := logpipe.Query{
		Level:        strings.TrimSpace(v.Get("level")),
		Process:      v.Get("process"),
		Thread:       v.Get("thread"),
		LoggerName:   v.Get("logger_name"),
		Module:       v.Get("module"),
		FunctionName: v.Get("function_name"),
		Message:      v.Get("message"),
		Exception:    v.Get("exception"),
		OrderBy:      strings.TrimSpace(v.Get("order_by")),
		Page:         1,
		PageSize:     logpipe.DefaultPageSize,
	}

	switch strings.ToLower(strings.TrimSpace(v.Get("order"))) {
	case "", "desc":
		q.Descending = true
	case "asc":
	default:
		return q, errors.New("order: must be asc or desc")
	}

	var err error
	if q.Page, err = intParam(v, "page", q.Page); err != nil {
		return q, err
	}
	if q.PageSize, err = intParam(v, "page_size", q.PageSize); err != nil {
		return q, err
	}
	if q.Start, err = timeParam(v, "start_time"); err != nil {
		return q, err
	}
	if q.End, err = timeParam(v, "end_time"); err != nil {
		return q, err
	}
	return q, nil
}

func intParam(v url.Values, key string, def int) (int, error) {
	raw := strings.TrimSpace(v.Get(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: must be an integer", key)
	}
	return n, nil
}

func timeParam(v url.Values, key string) (time.Time, error) {
	raw := strings.TrimSpace(v.Get(key))
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: must be an RFC3339 timestamp", key)
	}
	return t.UTC(), nil
}

// handleStreamLogs tails newly stored records as Server-Sent Events. The
// optional level parameter filters by exact level.
func (a *API) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	if a.tail == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	level := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("level")))

	rc := http.NewResponseController(w)
	// The server write timeout would cut long-lived streams.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ch := a.tail.Subscribe(ctx)

	_, _ = w.Write([]byte(": stream started\n\n"))
	if err := rc.Flush(); err != nil {
		a.logger.Warn("streaming unsupported", zap.Error(err))
		return
	}

	for rec := range ch {
		if level != "" && rec.Level != level {
			continue
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
