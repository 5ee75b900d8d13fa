package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tao-dividends/internal/alerting"
	"tao-dividends/internal/decision"
	"tao-dividends/internal/domain"
	"tao-dividends/internal/worker"
)

// Scorer produces a sentiment score for a subnet.
type Scorer interface {
	Score(ctx context.Context, subnetID uint16) (domain.SentimentScore, error)
}

// Pipeline is the background sentiment -> decision -> ledger path for one task.
type Pipeline struct {
	scorer   Scorer
	engine   *decision.Engine
	notifier alerting.Notifier
	logger   zerolog.Logger
}

// NewPipeline wires the trade pipeline. notifier may be nil.
func NewPipeline(scorer Scorer, engine *decision.Engine, notifier alerting.Notifier, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		scorer:   scorer,
		engine:   engine,
		notifier: notifier,
		logger:   logger.With().Str("component", "pipeline").Logger(),
	}
}

// Run is the worker.Handler. It returns an error only when nothing could be persisted,
// so that at-least-once queues redeliver; trade failures are recorded and reported instead.
func (p *Pipeline) Run(ctx context.Context, task worker.Task) error {
	_, err := p.Execute(ctx, task)
	return err
}

// Execute drives task and returns the persisted record.
func (p *Pipeline) Execute(ctx context.Context, task worker.Task) (domain.TransactionRecord, error) {
	log := p.logger.With().Str("request_id", task.RequestID).Str("pair", task.Key().String()).Logger()

	// a closed request id is not scored again
	existing, found, err := p.engine.Lookup(ctx, task.RequestID)
	if err != nil {
		return domain.TransactionRecord{}, err
	}
	if found && existing.Status != domain.StatusFailed {
		log.Debug().Str("status", string(existing.Status)).Msg("request already processed, skipping scoring")
		return existing, nil
	}

	var score int
	if task.Score != nil {
		score = domain.ClampScore(*task.Score)
	} else {
		s, err := p.scorer.Score(ctx, task.SubnetID)
		if err != nil {
			if ctx.Err() != nil {
				return domain.TransactionRecord{}, fmt.Errorf("score subnet: %w", err)
			}
			log.Error().Err(err).Msg("sentiment scoring failed, recording failed trade")
			rec, ferr := p.engine.RecordFailure(ctx, task.RequestID, task.Key(), task.Caller, err)
			if ferr != nil {
				return domain.TransactionRecord{}, errors.Join(err, ferr)
			}
			if rec.Status == domain.StatusFailed {
				p.notify(ctx, alerting.EventTradeFailed, rec)
			}
			return rec, nil
		}
		score = s.Score
	}

	rec, err := p.engine.DecideAndExecute(ctx, decision.Request{
		RequestID: task.RequestID,
		Key:       task.Key(),
		Score:     score,
		Caller:    task.Caller,
	})
	if err != nil && rec.RequestID == "" {
		return rec, err
	}

	switch {
	case rec.Status == domain.StatusFailed:
		p.notify(ctx, alerting.EventTradeFailed, rec)
	case err == nil && rec.Status == domain.StatusCommitted && rec.Action != domain.ActionNoOp:
		p.notify(ctx, alerting.EventTradeCommitted, rec)
	}
	if err != nil {
		log.Warn().Err(err).Str("status", string(rec.Status)).Msg("trade did not commit")
	}
	return rec, nil
}

// Redrive retries a Failed record under its original request id, reusing its stored score when it has one.
func (p *Pipeline) Redrive(ctx context.Context, rec domain.TransactionRecord) (domain.TransactionRecord, error) {
	if rec.Status != domain.StatusFailed {
		return rec, nil
	}
	return p.Execute(ctx, worker.Task{
		RequestID:  rec.RequestID,
		SubnetID:   rec.SubnetID,
		AccountKey: rec.AccountKey,
		Caller:     rec.Caller,
		Score:      rec.Score,
	})
}

func (p *Pipeline) notify(ctx context.Context, event alerting.Event, rec domain.TransactionRecord) {
	if p.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.notifier.Notify(nctx, alerting.FromRecord(event, rec)); err != nil {
		p.logger.Error().Err(err).Str("request_id", rec.RequestID).Msg("failed to dispatch trade notification")
	}
}
