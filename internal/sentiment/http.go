package sentiment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"tao-dividends/internal/domain"
)

const userAgent = "taodividends/1.0"

// postJSON sends payload and decodes a 200 response into out.
func postJSON(ctx context.Context, client *http.Client, op, endpoint string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return &domain.UpstreamError{Op: op, Kind: domain.KindTimeout, Transient: true, Err: err}
		}
		return &domain.UpstreamError{Op: op, Kind: domain.KindConnection, Transient: !errors.Is(err, context.Canceled), Err: err}
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return &domain.UpstreamError{Op: op, Kind: domain.KindConnection, Transient: true, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		transient := resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests
		kind := domain.KindRejected
		if transient {
			kind = domain.KindConnection
		}
		return &domain.UpstreamError{Op: op, Kind: kind, Transient: transient, Err: parseHTTPError(op, resp.StatusCode, payloadBytes)}
	}

	if err := json.Unmarshal(payloadBytes, out); err != nil {
		return &domain.UpstreamError{Op: op, Kind: domain.KindRejected, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

type errorResponse struct {
	Detail  string `json:"detail"`
	Message string `json:"message"`
	Error   struct {
		Message string `json:"message"`
	} `json:"error"`
}

func parseHTTPError(op string, status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Error.Message != "" {
			return fmt.Errorf("%s api error (%d): %s", op, status, apiErr.Error.Message)
		}
		if apiErr.Detail != "" {
			return fmt.Errorf("%s api error (%d): %s", op, status, apiErr.Detail)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("%s api error (%d): %s", op, status, apiErr.Message)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("%s api error (%d): %s", op, status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("%s api error (%d)", op, status)
}
