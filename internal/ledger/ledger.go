package ledger

import (
	"context"
	"time"

	"tao-dividends/internal/domain"
)

// Reader is the read surface of the chain.
type Reader interface {
	QueryDividend(ctx context.Context, subnetID uint16, accountKey string) (domain.DividendValue, error)
	ScanDividends(ctx context.Context, query domain.DividendQuery) ([]domain.DividendValue, error)
}

// Writer submits stake mutations. Implementations must not retry internally.
type Writer interface {
	SubmitStake(ctx context.Context, req SubmitRequest) (TxHandle, error)
	SubmitUnstake(ctx context.Context, req SubmitRequest) (TxHandle, error)
	LookupSubmission(ctx context.Context, idempotencyKey string) (Submission, bool, error)
}

// SubmitRequest carries one stake or unstake. IdempotencyKey lets the gateway drop replays.
type SubmitRequest struct {
	IdempotencyKey string
	SubnetID       uint16
	AccountKey     string
	Amount         uint64
}

// TxHandle references an accepted extrinsic.
type TxHandle struct {
	TxRef       string
	SubmittedAt time.Time
}

// SubmissionStatus is the gateway's view of a submitted extrinsic.
type SubmissionStatus string

const (
	SubmissionIncluded SubmissionStatus = "included"
	SubmissionFailed   SubmissionStatus = "failed"
	SubmissionPending  SubmissionStatus = "pending"
)

// Submission is the outcome reported for an idempotency key.
type Submission struct {
	TxRef  string
	Status SubmissionStatus
	Reason string
}
