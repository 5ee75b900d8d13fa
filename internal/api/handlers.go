package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"tao-dividends/internal/domain"
	"tao-dividends/internal/service"
)

type dividendResponse struct {
	Netuid           uint16    `json:"netuid"`
	Hotkey           string    `json:"hotkey"`
	Dividend         uint64    `json:"dividend"`
	DividendTao      string    `json:"dividend_tao"`
	Block            uint64    `json:"block,omitempty"`
	ObservedAt       time.Time `json:"observed_at"`
	Cached           bool      `json:"cached"`
	StakeTxTriggered bool      `json:"stake_tx_triggered"`
	RequestID        string    `json:"request_id,omitempty"`
}

type listResponse struct {
	Items []dividendResponse `json:"items"`
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
	Time   time.Time         `json:"time"`
}

func toResponse(v domain.DividendValue) dividendResponse {
	return dividendResponse{
		Netuid:      v.SubnetID,
		Hotkey:      v.AccountKey,
		Dividend:    v.Amount,
		DividendTao: domain.RaoToTao(v.Amount).String(),
		Block:       v.Block,
		ObservedAt:  v.ObservedAt,
	}
}

func (s *Server) handleDividends(w http.ResponseWriter, r *http.Request) {
	query, trade, err := s.parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()

	res, err := s.querier.Handle(ctx, query, service.HandleOptions{Trade: trade, Caller: CallerFrom(r.Context())})
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error().Err(err).Int("status", status).Msg("dividend query failed")
		}
		writeError(w, status, err.Error())
		return
	}

	if _, single := query.Key(); single && len(res.Values) == 1 {
		out := toResponse(res.Values[0])
		out.Cached = res.Cached
		out.StakeTxTriggered = res.TradeTriggered
		out.RequestID = res.RequestID
		writeJSON(w, http.StatusOK, out)
		return
	}

	items := make([]dividendResponse, 0, len(res.Values))
	for _, v := range res.Values {
		items = append(items, toResponse(v))
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items})
}

func (s *Server) parseQuery(r *http.Request) (domain.DividendQuery, bool, error) {
	params := r.URL.Query()
	var query domain.DividendQuery

	if raw := strings.TrimSpace(params.Get("netuid")); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 16)
		if err != nil {
			return query, false, fmt.Errorf("%w: netuid must be an integer in [0, 65535]", domain.ErrInvalidQuery)
		}
		netuid := uint16(n)
		query.SubnetID = &netuid
	}
	if params.Has("hotkey") {
		hotkey := strings.TrimSpace(params.Get("hotkey"))
		query.AccountKey = &hotkey
	}

	trade := false
	if raw := strings.TrimSpace(params.Get("trade")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return query, false, fmt.Errorf("%w: trade must be a boolean", domain.ErrInvalidQuery)
		}
		trade = v
	}

	if query.IsGlobal() && s.opts.ApplyDefaults && s.opts.DefaultHotkey != "" {
		netuid, hotkey := s.opts.DefaultNetuid, s.opts.DefaultHotkey
		query.SubnetID = &netuid
		query.AccountKey = &hotkey
	}
	return query, trade, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.HealthTimeout)
	defer cancel()

	checks := map[string]Check{
		"redis":    s.health.Redis,
		"database": s.health.Database,
		"ledger":   s.health.Ledger,
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = healthResponse{Status: "healthy", Checks: make(map[string]string, len(checks)), Time: time.Now().UTC()}
	)
	for name, check := range checks {
		if check == nil {
			out.Checks[name] = "not_configured"
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			state := "healthy"
			if err := check(ctx); err != nil {
				state = "unhealthy"
				s.logger.Warn().Err(err).Str("dependency", name).Msg("health check failed")
			}
			mu.Lock()
			out.Checks[name] = state
			mu.Unlock()
		}()
	}
	wg.Wait()

	code := http.StatusOK
	for _, state := range out.Checks {
		if state == "unhealthy" {
			out.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, out)
}

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrTransientUpstream):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrTerminalUpstream):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrCacheFetch):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{"error": message, "status": code})
}
