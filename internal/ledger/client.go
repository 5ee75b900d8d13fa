package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"tao-dividends/internal/domain"
	"tao-dividends/internal/metrics"
	"tao-dividends/internal/retry"
)

const (
	methodGetDividends    = "subtensor_getTaoDividends"
	methodListDividends   = "subtensor_listTaoDividends"
	methodAddStake        = "subtensor_addStake"
	methodRemoveStake     = "subtensor_removeStake"
	methodGetSubmission   = "subtensor_getSubmission"
	methodHealth          = "system_health"
	codeLimitExceeded     = -32005
	defaultRequestTimeout = 10 * time.Second
)

// ErrNotConfigured is returned when no gateway URL is set.
var ErrNotConfigured = errors.New("ledger rpc url not configured")

// Options parameterise the subtensor gateway client.
type Options struct {
	URL        string
	APIKey     string
	Timeout    time.Duration
	Retry      retry.Policy
	WriteRate  float64
	WriteBurst int
	// SS58Prefix is enforced on hotkeys; negative disables the prefix check.
	SS58Prefix       int
	ValidateAccounts bool
	Clock            clockwork.Clock
	Metrics          *metrics.Metrics
}

// Client talks JSON-RPC to a subtensor gateway. Reads retry transient failures; writes never retry.
type Client struct {
	opts    Options
	logger  zerolog.Logger
	limiter *rate.Limiter
	clock   clockwork.Clock

	client    *rpc.Client
	clientMux sync.Mutex
}

// New builds a client; the connection is dialled on first use.
func New(opts Options, logger zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultRequestTimeout
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	opts.Retry.Clock = clock

	limit := rate.Inf
	if opts.WriteRate > 0 {
		limit = rate.Limit(opts.WriteRate)
	}
	burst := opts.WriteBurst
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		opts:    opts,
		logger:  logger.With().Str("component", "ledger_client").Logger(),
		limiter: rate.NewLimiter(limit, burst),
		clock:   clock,
	}
	c.opts.Retry.OnRetry = func(attempt int, err error, backoff time.Duration) {
		c.logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("retrying ledger read")
	}
	return c
}

// Close drops the underlying connection.
func (c *Client) Close() {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

// QueryDividend reads the dividend of one hotkey on one subnet.
func (c *Client) QueryDividend(ctx context.Context, subnetID uint16, accountKey string) (domain.DividendValue, error) {
	const op = "query_dividend"
	if err := c.validateAccount(accountKey); err != nil {
		return domain.DividendValue{}, &domain.UpstreamError{Op: op, Kind: domain.KindRejected, Err: err}
	}

	res, err := retry.Do(ctx, c.opts.Retry, domain.IsTransient, func(ctx context.Context) (*dividendResult, error) {
		var out *dividendResult
		err := c.call(ctx, op, &out, methodGetDividends, subnetID, accountKey)
		return out, err
	})
	if err != nil {
		return domain.DividendValue{}, err
	}
	if res == nil {
		return domain.DividendValue{}, &domain.UpstreamError{Op: op, Kind: domain.KindNotFound,
			Err: fmt.Errorf("no dividend for netuid %d hotkey %s", subnetID, accountKey)}
	}
	return res.toValue(op, c.clock.Now())
}

// ScanDividends reads every pair matching a partial or global query.
func (c *Client) ScanDividends(ctx context.Context, query domain.DividendQuery) ([]domain.DividendValue, error) {
	const op = "scan_dividends"
	if query.AccountKey != nil {
		if err := c.validateAccount(*query.AccountKey); err != nil {
			return nil, &domain.UpstreamError{Op: op, Kind: domain.KindRejected, Err: err}
		}
	}

	res, err := retry.Do(ctx, c.opts.Retry, domain.IsTransient, func(ctx context.Context) ([]dividendResult, error) {
		var out []dividendResult
		err := c.call(ctx, op, &out, methodListDividends, query.SubnetID, query.AccountKey)
		return out, err
	})
	if err != nil {
		return nil, err
	}

	now := c.clock.Now()
	values := make([]domain.DividendValue, 0, len(res))
	for i := range res {
		v, err := res[i].toValue(op, now)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

// SubmitStake adds stake for req.AccountKey on req.SubnetID.
func (c *Client) SubmitStake(ctx context.Context, req SubmitRequest) (TxHandle, error) {
	return c.submit(ctx, "submit_stake", methodAddStake, req)
}

// SubmitUnstake removes stake.
func (c *Client) SubmitUnstake(ctx context.Context, req SubmitRequest) (TxHandle, error) {
	return c.submit(ctx, "submit_unstake", methodRemoveStake, req)
}

func (c *Client) submit(ctx context.Context, op, method string, req SubmitRequest) (TxHandle, error) {
	if err := c.validateAccount(req.AccountKey); err != nil {
		return TxHandle{}, &domain.UpstreamError{Op: op, Kind: domain.KindRejected, Err: err}
	}
	if req.Amount == 0 {
		return TxHandle{}, &domain.UpstreamError{Op: op, Kind: domain.KindRejected, Err: errors.New("amount must be positive")}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return TxHandle{}, fmt.Errorf("%s: wait for write slot: %w", op, err)
	}

	params := submitParams{
		Hotkey:         req.AccountKey,
		Netuid:         req.SubnetID,
		Amount:         decimal.NewFromBigInt(new(big.Int).SetUint64(req.Amount), 0),
		IdempotencyKey: req.IdempotencyKey,
	}
	var res submitResult
	if err := c.call(ctx, op, &res, method, params); err != nil {
		return TxHandle{}, err
	}
	if res.TxHash == "" {
		return TxHandle{}, &domain.UpstreamError{Op: op, Kind: domain.KindRejected, Err: errors.New("gateway returned empty tx hash")}
	}

	c.logger.Info().
		Str("op", op).
		Str("request_id", req.IdempotencyKey).
		Uint16("netuid", req.SubnetID).
		Str("amount_tao", domain.RaoToTao(req.Amount).String()).
		Str("tx_ref", res.TxHash).
		Msg("ledger mutation accepted")
	return TxHandle{TxRef: res.TxHash, SubmittedAt: c.clock.Now()}, nil
}

// LookupSubmission asks the gateway what happened to an earlier submission.
func (c *Client) LookupSubmission(ctx context.Context, idempotencyKey string) (Submission, bool, error) {
	const op = "lookup_submission"
	res, err := retry.Do(ctx, c.opts.Retry, domain.IsTransient, func(ctx context.Context) (*submissionResult, error) {
		var out *submissionResult
		err := c.call(ctx, op, &out, methodGetSubmission, idempotencyKey)
		return out, err
	})
	if err != nil {
		return Submission{}, false, err
	}
	if res == nil {
		return Submission{}, false, nil
	}
	return Submission{TxRef: res.TxHash, Status: SubmissionStatus(res.Status), Reason: res.Reason}, true, nil
}

// Ping checks the gateway is reachable.
func (c *Client) Ping(ctx context.Context) error {
	var raw json.RawMessage
	return c.call(ctx, "health", &raw, methodHealth)
}

func (c *Client) call(ctx context.Context, op string, out any, method string, args ...any) error {
	client, err := c.getClient(ctx)
	if err != nil {
		c.opts.Metrics.UpstreamCall(op, "dial_error")
		return &domain.UpstreamError{Op: op, Kind: domain.KindConnection, Transient: !errors.Is(err, ErrNotConfigured), Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	if err := client.CallContext(callCtx, out, method, args...); err != nil {
		classified := classify(op, err)
		var upErr *domain.UpstreamError
		if errors.As(classified, &upErr) {
			c.opts.Metrics.UpstreamCall(op, string(upErr.Kind))
		}
		return classified
	}
	c.opts.Metrics.UpstreamCall(op, "ok")
	return nil
}

func (c *Client) getClient(ctx context.Context) (*rpc.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}
	if c.opts.URL == "" {
		return nil, ErrNotConfigured
	}

	dialOpts := []rpc.ClientOption{rpc.WithHTTPClient(&http.Client{Timeout: c.opts.Timeout})}
	if c.opts.APIKey != "" {
		dialOpts = append(dialOpts, rpc.WithHeader("X-API-Key", c.opts.APIKey))
	}
	client, err := rpc.DialOptions(ctx, c.opts.URL, dialOpts...)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

func (c *Client) validateAccount(accountKey string) error {
	if accountKey == "" {
		return fmt.Errorf("%w: hotkey is required", domain.ErrInvalidQuery)
	}
	if !c.opts.ValidateAccounts {
		return nil
	}
	return ValidateSS58(accountKey, c.opts.SS58Prefix)
}

// classify maps transport and gateway errors onto the upstream taxonomy.
func classify(op string, err error) error {
	var (
		upErr   *domain.UpstreamError
		httpErr rpc.HTTPError
		rpcErr  rpc.Error
		netErr  net.Error
	)
	switch {
	case errors.As(err, &upErr):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return &domain.UpstreamError{Op: op, Kind: domain.KindTimeout, Transient: true, Err: err}
	case errors.Is(err, context.Canceled):
		// outcome unknown, but the caller is gone
		return &domain.UpstreamError{Op: op, Kind: domain.KindTimeout, Err: err}
	case errors.As(err, &httpErr):
		if httpErr.StatusCode >= http.StatusInternalServerError || httpErr.StatusCode == http.StatusTooManyRequests {
			return &domain.UpstreamError{Op: op, Kind: domain.KindConnection, Transient: true, Err: err}
		}
		return &domain.UpstreamError{Op: op, Kind: domain.KindRejected, Err: err}
	case errors.As(err, &rpcErr):
		if rpcErr.ErrorCode() == codeLimitExceeded {
			return &domain.UpstreamError{Op: op, Kind: domain.KindConnection, Transient: true, Err: err}
		}
		return &domain.UpstreamError{Op: op, Kind: domain.KindRejected, Err: err}
	default:
		return &domain.UpstreamError{Op: op, Kind: domain.KindConnection, Transient: true, Err: err}
	}
}

type dividendResult struct {
	Netuid     uint16          `json:"netuid"`
	Hotkey     string          `json:"hotkey"`
	Amount     decimal.Decimal `json:"amount"`
	Block      uint64          `json:"block"`
	ObservedAt int64           `json:"observed_at,omitempty"`
}

func (r dividendResult) toValue(op string, now time.Time) (domain.DividendValue, error) {
	if r.Amount.IsNegative() || !r.Amount.Equal(r.Amount.Truncate(0)) {
		return domain.DividendValue{}, &domain.UpstreamError{Op: op, Kind: domain.KindRejected,
			Err: fmt.Errorf("dividend amount %s is not a non-negative integer", r.Amount)}
	}
	amount := r.Amount.BigInt()
	if !amount.IsUint64() {
		return domain.DividendValue{}, &domain.UpstreamError{Op: op, Kind: domain.KindRejected,
			Err: fmt.Errorf("dividend amount %s overflows", r.Amount)}
	}
	observed := now.UTC()
	if r.ObservedAt > 0 {
		observed = time.Unix(r.ObservedAt, 0).UTC()
	}
	return domain.DividendValue{
		SubnetID:   r.Netuid,
		AccountKey: r.Hotkey,
		Amount:     amount.Uint64(),
		Block:      r.Block,
		ObservedAt: observed,
	}, nil
}

type submitParams struct {
	Hotkey         string          `json:"hotkey"`
	Netuid         uint16          `json:"netuid"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type submitResult struct {
	TxHash string `json:"tx_hash"`
}

type submissionResult struct {
	TxHash string `json:"tx_hash"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

var (
	_ Reader = (*Client)(nil)
	_ Writer = (*Client)(nil)
)
