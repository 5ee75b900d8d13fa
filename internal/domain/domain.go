package domain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RaoPerTao is the number of on-chain base units in one TAO.
const RaoPerTao = 1_000_000_000

// Key identifies a single (subnet, account) pair.
type Key struct {
	SubnetID   uint16
	AccountKey string
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%s", k.SubnetID, k.AccountKey)
}

// DividendQuery describes an inbound read. Nil fields widen the scope.
type DividendQuery struct {
	SubnetID   *uint16
	AccountKey *string
}

// IsGlobal reports whether neither subnet nor account was given.
func (q DividendQuery) IsGlobal() bool {
	return q.SubnetID == nil && q.AccountKey == nil
}

// Key returns the single-pair key when both fields are present.
func (q DividendQuery) Key() (Key, bool) {
	if q.SubnetID == nil || q.AccountKey == nil {
		return Key{}, false
	}
	return Key{SubnetID: *q.SubnetID, AccountKey: *q.AccountKey}, true
}

// Validate rejects blank account keys.
func (q DividendQuery) Validate() error {
	if q.AccountKey != nil && strings.TrimSpace(*q.AccountKey) == "" {
		return fmt.Errorf("%w: account key must not be blank", ErrInvalidQuery)
	}
	return nil
}

// DividendValue is one observation of the dividend metric.
type DividendValue struct {
	SubnetID   uint16    `json:"netuid"`
	AccountKey string    `json:"hotkey"`
	Amount     uint64    `json:"amount"`
	Block      uint64    `json:"block,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// Key returns the pair the value belongs to.
func (v DividendValue) Key() Key {
	return Key{SubnetID: v.SubnetID, AccountKey: v.AccountKey}
}

// SentimentScore is a bounded score in [MinScore, MaxScore].
type SentimentScore struct {
	SubnetID    uint16
	Score       int
	SourcesUsed int
	ComputedAt  time.Time
}

const (
	MinScore = -100
	MaxScore = 100
)

// ClampScore bounds v to [MinScore, MaxScore].
func ClampScore(v int) int {
	if v < MinScore {
		return MinScore
	}
	if v > MaxScore {
		return MaxScore
	}
	return v
}

// ActionKind tags a StakeAction.
type ActionKind string

const (
	ActionStake   ActionKind = "stake"
	ActionUnstake ActionKind = "unstake"
	ActionNoOp    ActionKind = "noop"
)

// StakeAction is the decision taken for a score. Amount is in rao and is zero for NoOp.
type StakeAction struct {
	Kind   ActionKind
	Amount uint64
}

func Stake(amount uint64) StakeAction   { return StakeAction{Kind: ActionStake, Amount: amount} }
func Unstake(amount uint64) StakeAction { return StakeAction{Kind: ActionUnstake, Amount: amount} }
func NoOp() StakeAction                 { return StakeAction{Kind: ActionNoOp} }

// IsNoOp reports whether the action moves no funds.
func (a StakeAction) IsNoOp() bool {
	return a.Kind == ActionNoOp || a.Amount == 0
}

func (a StakeAction) String() string {
	if a.Kind == ActionNoOp {
		return string(ActionNoOp)
	}
	return fmt.Sprintf("%s(%s TAO)", a.Kind, RaoToTao(a.Amount).String())
}

// RaoToTao converts base units to a TAO decimal.
func RaoToTao(rao uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(rao), -9)
}

// Status is the lifecycle state of a TransactionRecord.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCommitted Status = "committed"
	StatusFailed    Status = "failed"
)

// TransactionRecord is the durable trace of one staking decision, keyed by RequestID.
type TransactionRecord struct {
	RequestID   string
	SubnetID    uint16
	AccountKey  string
	Action      ActionKind
	Amount      uint64
	Score       *int
	Status      Status
	TxRef       string
	Error       string
	Attempts    int
	Caller      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Key returns the pair the record belongs to.
func (r TransactionRecord) Key() Key {
	return Key{SubnetID: r.SubnetID, AccountKey: r.AccountKey}
}

// StakeAction rebuilds the tagged action stored on the record.
func (r TransactionRecord) StakeAction() StakeAction {
	return StakeAction{Kind: r.Action, Amount: r.Amount}
}
