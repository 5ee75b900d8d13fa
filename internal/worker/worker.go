package worker

import (
	"context"
	"errors"
	"time"

	"tao-dividends/internal/domain"
)

var (
	// ErrQueueFull is returned when the executor cannot take more work.
	ErrQueueFull = errors.New("trade queue is full")
	// ErrQueueClosed is returned after Close.
	ErrQueueClosed = errors.New("trade queue is closed")
	// ErrDuplicateTask reports a task whose request id is already queued or running.
	ErrDuplicateTask = errors.New("trade task already queued")
)

// Task is one background trade pipeline run. Score is set when the caller supplies it.
type Task struct {
	RequestID  string    `json:"request_id"`
	SubnetID   uint16    `json:"netuid"`
	AccountKey string    `json:"hotkey"`
	Caller     string    `json:"caller,omitempty"`
	Score      *int      `json:"score,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Key returns the pair the task trades.
func (t Task) Key() domain.Key {
	return domain.Key{SubnetID: t.SubnetID, AccountKey: t.AccountKey}
}

// Handler runs one task. A nil error means the outcome was persisted and the task is done.
type Handler func(ctx context.Context, task Task) error

// Queue accepts tasks without blocking the caller on their execution.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Close(ctx context.Context) error
}
