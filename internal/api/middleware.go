package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// observeMiddleware logs each request and records its latency by route template.
func (s *Server) observeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		elapsed := time.Since(start)
		s.opts.Metrics.ObserveHTTP(route, strconv.Itoa(rec.status), elapsed.Seconds())

		event := s.logger.Debug()
		if rec.status >= http.StatusInternalServerError {
			event = s.logger.Warn()
		}
		event.Str("method", r.Method).
			Str("route", route).
			Int("status", rec.status).
			Dur("elapsed", elapsed).
			Msg("http request")
	})
}
