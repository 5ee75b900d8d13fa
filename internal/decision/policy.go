package decision

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"tao-dividends/internal/domain"
)

var (
	raoPerTao = decimal.NewFromInt(domain.RaoPerTao)
	// maxRao is the largest amount the stake_transactions BIGINT column holds.
	maxRao = decimal.NewFromInt(math.MaxInt64)
)

// Policy maps a sentiment score to a stake action.
//
// Scores strictly above ThresholdHi stake, strictly below ThresholdLo unstake,
// anything in between is a NoOp. The amount is
// min(|score|, ScoreCap) * TaoPerPoint, capped at MaxStakeTao.
type Policy struct {
	ThresholdHi int
	ThresholdLo int
	ScoreCap    int
	TaoPerPoint decimal.Decimal
	MaxStakeTao decimal.Decimal
}

// DefaultPolicy stakes 0.01 TAO per point beyond ±50, never more than 1 TAO.
func DefaultPolicy() Policy {
	return Policy{
		ThresholdHi: 50,
		ThresholdLo: -50,
		ScoreCap:    domain.MaxScore,
		TaoPerPoint: decimal.RequireFromString("0.01"),
		MaxStakeTao: decimal.NewFromInt(1),
	}
}

// Validate rejects policies that are not monotonic or could move unbounded amounts.
func (p Policy) Validate() error {
	var errs []error
	if p.ThresholdLo > p.ThresholdHi {
		errs = append(errs, fmt.Errorf("threshold_lo %d above threshold_hi %d", p.ThresholdLo, p.ThresholdHi))
	}
	if p.ThresholdHi < domain.MinScore || p.ThresholdHi > domain.MaxScore || p.ThresholdLo < domain.MinScore || p.ThresholdLo > domain.MaxScore {
		errs = append(errs, fmt.Errorf("thresholds must lie in [%d, %d]", domain.MinScore, domain.MaxScore))
	}
	if p.ScoreCap <= 0 {
		errs = append(errs, errors.New("score_cap must be positive"))
	}
	if !p.TaoPerPoint.IsPositive() {
		errs = append(errs, errors.New("tao_per_point must be positive"))
	}
	if !p.MaxStakeTao.IsPositive() {
		errs = append(errs, errors.New("max_stake_tao must be positive"))
	} else if p.MaxStakeTao.Mul(raoPerTao).GreaterThan(maxRao) {
		errs = append(errs, fmt.Errorf("max_stake_tao %s exceeds %s TAO", p.MaxStakeTao, maxRao.Div(raoPerTao).Truncate(0)))
	}
	return errors.Join(errs...)
}

// Amount returns the rao moved for score, ignoring direction.
func (p Policy) Amount(score int) uint64 {
	abs := score
	if abs < 0 {
		abs = -abs
	}
	if abs > p.ScoreCap {
		abs = p.ScoreCap
	}

	tao := p.TaoPerPoint.Mul(decimal.NewFromInt(int64(abs)))
	if tao.GreaterThan(p.MaxStakeTao) {
		tao = p.MaxStakeTao
	}
	rao := tao.Mul(raoPerTao).Truncate(0)
	if !rao.IsPositive() {
		return 0
	}
	if rao.GreaterThan(maxRao) {
		rao = maxRao
	}
	return rao.BigInt().Uint64()
}

// Classify decides the action for score.
func (p Policy) Classify(score int) domain.StakeAction {
	var action domain.StakeAction
	switch {
	case score > p.ThresholdHi:
		action = domain.Stake(p.Amount(score))
	case score < p.ThresholdLo:
		action = domain.Unstake(p.Amount(score))
	default:
		return domain.NoOp()
	}
	if action.Amount == 0 {
		return domain.NoOp()
	}
	return action
}
