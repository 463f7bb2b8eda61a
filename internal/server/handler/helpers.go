package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/econaudit/internal/domain"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// writeJSON encodes v before touching the response so an encoding failure
// still yields a clean 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		writeError(w, http.StatusInternalServerError, "encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

type errorBody struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: msg, Status: status})
}

// parseListOpts reads limit, offset, since and until from the query.
// Bad numbers fall back to defaults and limit is clamped to maxPageSize;
// since and until must be RFC 3339 and a malformed one is an error
// wrapping domain.ErrInvalidInput.
func parseListOpts(r *http.Request) (domain.ListOpts, error) {
	q := r.URL.Query()
	opts := domain.ListOpts{
		Limit:  min(queryInt(q.Get("limit"), defaultPageSize, 1), maxPageSize),
		Offset: queryInt(q.Get("offset"), 0, 0),
	}
	for name, dst := range map[string]**time.Time{"since": &opts.Since, "until": &opts.Until} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return domain.ListOpts{}, fmt.Errorf("%w: %s must be RFC 3339", domain.ErrInvalidInput, name)
		}
		t = t.UTC()
		*dst = &t
	}
	if opts.Since != nil && opts.Until != nil && opts.Until.Before(*opts.Since) {
		return domain.ListOpts{}, fmt.Errorf("%w: until precedes since", domain.ErrInvalidInput)
	}
	return opts, nil
}

func queryInt(v string, def, lowest int) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < lowest {
		return def
	}
	return n
}

func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("component", "http_handler"), slog.String("handler", handler))
}
