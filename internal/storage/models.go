package storage

import (
	"time"

	"tao-dividends/internal/domain"
)

// DividendQueryLog is one audited dividend read.
type DividendQueryLog struct {
	ID         int64
	SubnetID   uint16
	AccountKey string
	Dividend   uint64
	Cached     bool
	Caller     string
	QueriedAt  time.Time
}

// StatusUpdate is the outcome written by a compare-and-swap status transition.
type StatusUpdate struct {
	Status      domain.Status
	TxRef       string
	Error       string
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Apply copies the update onto rec.
func (u StatusUpdate) Apply(rec *domain.TransactionRecord) {
	rec.Status = u.Status
	if u.TxRef != "" {
		rec.TxRef = u.TxRef
	}
	rec.Error = u.Error
	rec.UpdatedAt = u.UpdatedAt
	if u.CompletedAt != nil {
		completed := *u.CompletedAt
		rec.CompletedAt = &completed
	}
}
