package decision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"tao-dividends/internal/domain"
	"tao-dividends/internal/ledger"
	"tao-dividends/internal/metrics"
	"tao-dividends/internal/storage"
)

const defaultPersistTimeout = 10 * time.Second

// Invalidator drops cached values that a committed mutation made stale.
type Invalidator interface {
	Invalidate(ctx context.Context, key domain.Key)
}

// Options parameterise the Engine.
type Options struct {
	Policy         Policy
	PersistTimeout time.Duration
	Invalidator    Invalidator
	Clock          clockwork.Clock
	Metrics        *metrics.Metrics
}

// Request is one scored trade decision.
type Request struct {
	RequestID string
	Key       domain.Key
	Score     int
	Caller    string
}

// Engine turns scores into at-most-once ledger mutations recorded in the transaction store.
type Engine struct {
	store  storage.TransactionStore
	writer ledger.Writer
	opts   Options
	clock  clockwork.Clock
	logger zerolog.Logger
}

// NewEngine validates the policy and wires the engine.
func NewEngine(store storage.TransactionStore, writer ledger.Writer, opts Options, logger zerolog.Logger) (*Engine, error) {
	if store == nil || writer == nil {
		return nil, errors.New("decision engine requires a store and a ledger writer")
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid decision policy: %w", err)
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = defaultPersistTimeout
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{
		store:  store,
		writer: writer,
		opts:   opts,
		clock:  clock,
		logger: logger.With().Str("component", "decision_engine").Logger(),
	}, nil
}

// Policy returns the configured policy.
func (e *Engine) Policy() Policy { return e.opts.Policy }

// DecideAndExecute classifies req.Score and drives the resulting mutation exactly once per RequestID.
//
// A Committed or Pending record for the RequestID is returned unchanged. A Failed record is
// re-driven: the gateway is asked first whether the earlier submission landed, and only if it
// did not is the record claimed and the mutation resubmitted under the same idempotency key.
// The returned error is non-nil when the ledger write failed or its outcome is unknown; the
// record reflects what was persisted.
func (e *Engine) DecideAndExecute(ctx context.Context, req Request) (domain.TransactionRecord, error) {
	log := e.logger.With().Str("request_id", req.RequestID).Uint16("netuid", req.Key.SubnetID).Logger()

	existing, err := e.store.Get(ctx, req.RequestID)
	switch {
	case err == nil && existing.Status != domain.StatusFailed:
		log.Debug().Str("status", string(existing.Status)).Msg("request already processed")
		return existing, nil
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return domain.TransactionRecord{}, fmt.Errorf("load transaction: %w", err)
	}
	redrive := err == nil

	if redrive && existing.Action != domain.ActionNoOp {
		adopted, done, err := e.adoptLanded(ctx, existing)
		if err != nil || done {
			return adopted, err
		}
	}

	action := e.opts.Policy.Classify(req.Score)
	now := e.clock.Now().UTC()
	score := req.Score
	rec := domain.TransactionRecord{
		RequestID:  req.RequestID,
		SubnetID:   req.Key.SubnetID,
		AccountKey: req.Key.AccountKey,
		Action:     action.Kind,
		Amount:     action.Amount,
		Score:      &score,
		Status:     domain.StatusPending,
		Attempts:   1,
		Caller:     req.Caller,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if action.IsNoOp() {
		rec.Action = domain.ActionNoOp
		rec.Amount = 0
		rec.Status = domain.StatusCommitted
		rec.CompletedAt = &now
	}

	if redrive {
		claimed, ok, err := e.store.Claim(ctx, req.RequestID, domain.StatusFailed, rec)
		if err != nil {
			return domain.TransactionRecord{}, fmt.Errorf("claim failed transaction: %w", err)
		}
		if !ok {
			return e.reload(ctx, req.RequestID)
		}
		rec = claimed
	} else {
		inserted, err := e.store.InsertIfAbsent(ctx, rec)
		if err != nil {
			return domain.TransactionRecord{}, fmt.Errorf("insert transaction: %w", err)
		}
		if !inserted {
			log.Debug().Msg("lost insert race, returning existing record")
			return e.reload(ctx, req.RequestID)
		}
	}

	if rec.Status == domain.StatusCommitted {
		e.opts.Metrics.TradeOutcome(string(rec.Action), string(rec.Status))
		log.Info().Int("score", req.Score).Msg("score inside thresholds, no trade")
		return rec, nil
	}

	return e.submit(ctx, rec, log)
}

func (e *Engine) submit(ctx context.Context, rec domain.TransactionRecord, log zerolog.Logger) (domain.TransactionRecord, error) {
	sreq := ledger.SubmitRequest{
		IdempotencyKey: rec.RequestID,
		SubnetID:       rec.SubnetID,
		AccountKey:     rec.AccountKey,
		Amount:         rec.Amount,
	}

	var (
		handle    ledger.TxHandle
		submitErr error
	)
	switch rec.Action {
	case domain.ActionStake:
		handle, submitErr = e.writer.SubmitStake(ctx, sreq)
	case domain.ActionUnstake:
		handle, submitErr = e.writer.SubmitUnstake(ctx, sreq)
	default:
		submitErr = fmt.Errorf("unexpected action %q", rec.Action)
	}

	// the mutation may have landed; record the outcome even if the caller is gone
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.PersistTimeout)
	defer cancel()

	now := e.clock.Now().UTC()
	upd := storage.StatusUpdate{UpdatedAt: now}
	switch {
	case submitErr == nil:
		upd.Status = domain.StatusCommitted
		upd.TxRef = handle.TxRef
		upd.CompletedAt = &now
	case domain.IsAmbiguous(submitErr):
		upd.Status = domain.StatusPending
		upd.Error = submitErr.Error()
	default:
		upd.Status = domain.StatusFailed
		upd.Error = submitErr.Error()
		upd.CompletedAt = &now
	}

	if err := e.store.UpdateStatus(pctx, rec.RequestID, domain.StatusPending, upd); err != nil {
		log.Error().Err(err).Str("status", string(upd.Status)).Str("tx_ref", upd.TxRef).Msg("failed to persist trade outcome, left for reconciliation")
		return rec, errors.Join(submitErr, fmt.Errorf("persist trade outcome: %w", err))
	}
	upd.Apply(&rec)
	e.opts.Metrics.TradeOutcome(string(rec.Action), string(rec.Status))

	switch rec.Status {
	case domain.StatusCommitted:
		log.Info().Str("action", rec.StakeAction().String()).Str("tx_ref", rec.TxRef).Msg("trade committed")
		e.invalidate(pctx, rec.Key())
		return rec, nil
	case domain.StatusPending:
		log.Warn().Err(submitErr).Str("action", rec.StakeAction().String()).Msg("trade outcome unknown, left pending")
	default:
		log.Error().Err(submitErr).Str("action", rec.StakeAction().String()).Msg("trade failed")
	}
	return rec, fmt.Errorf("submit %s: %w", rec.Action, submitErr)
}

// adoptLanded checks whether a Failed record's earlier submission reached the chain.
func (e *Engine) adoptLanded(ctx context.Context, rec domain.TransactionRecord) (domain.TransactionRecord, bool, error) {
	sub, found, err := e.writer.LookupSubmission(ctx, rec.RequestID)
	if err != nil {
		return domain.TransactionRecord{}, true, fmt.Errorf("lookup earlier submission: %w", err)
	}
	if !found || sub.Status != ledger.SubmissionIncluded {
		return rec, false, nil
	}

	now := e.clock.Now().UTC()
	upd := storage.StatusUpdate{Status: domain.StatusCommitted, TxRef: sub.TxRef, UpdatedAt: now, CompletedAt: &now}
	if err := e.store.UpdateStatus(ctx, rec.RequestID, domain.StatusFailed, upd); err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			reloaded, err := e.reload(ctx, rec.RequestID)
			return reloaded, true, err
		}
		return domain.TransactionRecord{}, true, fmt.Errorf("adopt landed submission: %w", err)
	}
	upd.Apply(&rec)
	e.opts.Metrics.TradeOutcome(string(rec.Action), string(rec.Status))
	e.logger.Info().Str("request_id", rec.RequestID).Str("tx_ref", rec.TxRef).Msg("earlier submission had landed, marked committed")
	e.invalidate(ctx, rec.Key())
	return rec, true, nil
}

// RecordFailure persists a trade that could not be decided, e.g. because scoring was unavailable.
// An existing Committed or Pending record is left untouched.
func (e *Engine) RecordFailure(ctx context.Context, requestID string, key domain.Key, caller string, cause error) (domain.TransactionRecord, error) {
	now := e.clock.Now().UTC()
	rec := domain.TransactionRecord{
		RequestID:   requestID,
		SubnetID:    key.SubnetID,
		AccountKey:  key.AccountKey,
		Action:      domain.ActionNoOp,
		Status:      domain.StatusFailed,
		Error:       cause.Error(),
		Attempts:    1,
		Caller:      caller,
		CreatedAt:   now,
		UpdatedAt:   now,
		CompletedAt: &now,
	}

	inserted, err := e.store.InsertIfAbsent(ctx, rec)
	if err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("insert failed transaction: %w", err)
	}
	if inserted {
		e.opts.Metrics.TradeOutcome(string(rec.Action), string(rec.Status))
		return rec, nil
	}

	existing, err := e.reload(ctx, requestID)
	if err != nil || existing.Status != domain.StatusFailed {
		return existing, err
	}
	// keep the earlier action so a landed submission can still be adopted
	rec.Action, rec.Amount, rec.Score = existing.Action, existing.Amount, existing.Score
	claimed, ok, err := e.store.Claim(ctx, requestID, domain.StatusFailed, rec)
	if err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("claim failed transaction: %w", err)
	}
	if !ok {
		return e.reload(ctx, requestID)
	}
	return claimed, nil
}

// Resolve settles a Pending record by asking the gateway what happened to its submission.
// A submission the gateway never saw is marked Failed so it can be re-driven under the same key.
func (e *Engine) Resolve(ctx context.Context, rec domain.TransactionRecord) (domain.TransactionRecord, error) {
	if rec.Status != domain.StatusPending {
		return rec, nil
	}

	sub, found, err := e.writer.LookupSubmission(ctx, rec.RequestID)
	if err != nil {
		return rec, fmt.Errorf("lookup submission: %w", err)
	}

	now := e.clock.Now().UTC()
	upd := storage.StatusUpdate{UpdatedAt: now, CompletedAt: &now}
	switch {
	case !found:
		upd.Status = domain.StatusFailed
		upd.Error = "submission not found on gateway"
	case sub.Status == ledger.SubmissionIncluded:
		upd.Status = domain.StatusCommitted
		upd.TxRef = sub.TxRef
	case sub.Status == ledger.SubmissionFailed:
		upd.Status = domain.StatusFailed
		upd.TxRef = sub.TxRef
		upd.Error = sub.Reason
		if upd.Error == "" {
			upd.Error = "submission failed on chain"
		}
	default:
		return rec, nil
	}

	if err := e.store.UpdateStatus(ctx, rec.RequestID, domain.StatusPending, upd); err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			return e.reload(ctx, rec.RequestID)
		}
		return rec, fmt.Errorf("resolve pending transaction: %w", err)
	}
	upd.Apply(&rec)
	e.opts.Metrics.TradeOutcome(string(rec.Action), string(rec.Status))
	if rec.Status == domain.StatusCommitted && rec.Action != domain.ActionNoOp {
		e.invalidate(ctx, rec.Key())
	}
	return rec, nil
}

// Lookup returns the record stored for requestID. found is false when none exists.
func (e *Engine) Lookup(ctx context.Context, requestID string) (domain.TransactionRecord, bool, error) {
	rec, err := e.store.Get(ctx, requestID)
	switch {
	case err == nil:
		return rec, true, nil
	case errors.Is(err, storage.ErrNotFound):
		return domain.TransactionRecord{}, false, nil
	default:
		return domain.TransactionRecord{}, false, fmt.Errorf("load transaction: %w", err)
	}
}

func (e *Engine) reload(ctx context.Context, requestID string) (domain.TransactionRecord, error) {
	rec, err := e.store.Get(ctx, requestID)
	if err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("reload transaction: %w", err)
	}
	return rec, nil
}

func (e *Engine) invalidate(ctx context.Context, key domain.Key) {
	if e.opts.Invalidator != nil {
		e.opts.Invalidator.Invalidate(ctx, key)
	}
}
