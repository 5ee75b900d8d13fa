package sentiment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"tao-dividends/internal/domain"
	"tao-dividends/internal/metrics"
)

// Sample is one source's view of a subnet. Count is the number of signals behind Score; zero means no signal.
type Sample struct {
	Score int
	Count int
}

// Source produces a sentiment sample for a subnet.
type Source interface {
	Name() string
	Sample(ctx context.Context, subnetID uint16) (Sample, error)
}

// Aggregation combines per-source scores into one.
type Aggregation string

const (
	AggregateMean         Aggregation = "mean"
	AggregateMedian       Aggregation = "median"
	AggregateMajoritySign Aggregation = "majority_sign"
)

// ParseAggregation accepts the configured aggregation name.
func ParseAggregation(v string) (Aggregation, error) {
	switch a := Aggregation(strings.ToLower(strings.TrimSpace(v))); a {
	case "":
		return AggregateMean, nil
	case AggregateMean, AggregateMedian, AggregateMajoritySign:
		return a, nil
	default:
		return "", fmt.Errorf("unknown sentiment aggregation %q", v)
	}
}

// Aggregate combines scores with method. An empty slice is neutral.
//
// mean and median round half away from zero. majority_sign picks the sign
// (positive, neutral or negative) held by strictly more sources than either
// other group and averages the scores carrying it; any tie is neutral.
func Aggregate(method Aggregation, scores []int) int {
	if len(scores) == 0 {
		return 0
	}
	switch method {
	case AggregateMedian:
		sorted := append([]int(nil), scores...)
		sort.Ints(sorted)
		mid := len(sorted) / 2
		if len(sorted)%2 == 1 {
			return sorted[mid]
		}
		return roundDiv(sorted[mid-1]+sorted[mid], 2)
	case AggregateMajoritySign:
		var pos, neg []int
		neutral := 0
		for _, s := range scores {
			switch {
			case s > 0:
				pos = append(pos, s)
			case s < 0:
				neg = append(neg, s)
			default:
				neutral++
			}
		}
		switch {
		case len(pos) > len(neg) && len(pos) > neutral:
			return mean(pos)
		case len(neg) > len(pos) && len(neg) > neutral:
			return mean(neg)
		default:
			return 0
		}
	default:
		return mean(scores)
	}
}

func mean(scores []int) int {
	sum := 0
	for _, s := range scores {
		sum += s
	}
	return roundDiv(sum, len(scores))
}

// roundDiv divides rounding half away from zero.
func roundDiv(sum, n int) int {
	q, r := sum/n, sum%n
	if r < 0 {
		r = -r
	}
	if 2*r >= n {
		if sum < 0 {
			q--
		} else {
			q++
		}
	}
	return q
}

// BreakerSettings trip a source after consecutive failures.
type BreakerSettings struct {
	MaxFailures uint32
	OpenTimeout time.Duration
}

// Options parameterise the Scorer.
type Options struct {
	Aggregation   Aggregation
	SourceTimeout time.Duration
	Breaker       BreakerSettings
	Clock         clockwork.Clock
	Metrics       *metrics.Metrics
}

type guardedSource struct {
	Source
	breaker *gobreaker.CircuitBreaker
}

// Scorer fans out to every source concurrently and aggregates the survivors.
type Scorer struct {
	sources []guardedSource
	opts    Options
	clock   clockwork.Clock
	logger  zerolog.Logger
}

// NewScorer wraps each source in its own circuit breaker.
func NewScorer(sources []Source, opts Options, logger zerolog.Logger) (*Scorer, error) {
	if len(sources) == 0 {
		return nil, errors.New("at least one sentiment source is required")
	}
	agg, err := ParseAggregation(string(opts.Aggregation))
	if err != nil {
		return nil, err
	}
	opts.Aggregation = agg
	if opts.SourceTimeout <= 0 {
		opts.SourceTimeout = 30 * time.Second
	}
	if opts.Breaker.MaxFailures == 0 {
		opts.Breaker.MaxFailures = 5
	}
	if opts.Breaker.OpenTimeout <= 0 {
		opts.Breaker.OpenTimeout = time.Minute
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	s := &Scorer{
		opts:   opts,
		clock:  clock,
		logger: logger.With().Str("component", "sentiment_scorer").Logger(),
	}
	for _, src := range sources {
		s.sources = append(s.sources, guardedSource{Source: src, breaker: s.newBreaker(src.Name())})
	}
	return s, nil
}

func (s *Scorer) newBreaker(name string) *gobreaker.CircuitBreaker {
	maxFailures := s.opts.Breaker.MaxFailures
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     s.opts.Breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			// a caller walking away says nothing about the provider
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn().Str("source", name).Str("from", from.String()).Str("to", to.String()).Msg("sentiment source breaker changed state")
		},
	})
}

type sourceResult struct {
	sample Sample
	err    error
}

// Score samples every source and aggregates those that returned signals.
// It fails with domain.ErrScoringUnavailable only when every source errored.
func (s *Scorer) Score(ctx context.Context, subnetID uint16) (domain.SentimentScore, error) {
	results := make([]sourceResult, len(s.sources))

	var g errgroup.Group
	for i, src := range s.sources {
		g.Go(func() error {
			results[i] = s.sample(ctx, src, subnetID)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return domain.SentimentScore{}, fmt.Errorf("score netuid %d: %w", subnetID, err)
	}

	var (
		scores []int
		errs   []error
	)
	for i, res := range results {
		name := s.sources[i].Name()
		if res.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, res.err))
			s.logger.Warn().Err(res.err).Str("source", name).Uint16("netuid", subnetID).Msg("sentiment source failed")
			continue
		}
		if res.sample.Count > 0 {
			scores = append(scores, domain.ClampScore(res.sample.Score))
		}
	}

	if len(errs) == len(s.sources) {
		s.opts.Metrics.ScoringFailed()
		return domain.SentimentScore{}, fmt.Errorf("%w: netuid %d: %w", domain.ErrScoringUnavailable, subnetID, errors.Join(errs...))
	}

	score := domain.SentimentScore{
		SubnetID:    subnetID,
		Score:       domain.ClampScore(Aggregate(s.opts.Aggregation, scores)),
		SourcesUsed: len(scores),
		ComputedAt:  s.clock.Now().UTC(),
	}
	s.logger.Info().
		Uint16("netuid", subnetID).
		Int("score", score.Score).
		Int("sources_used", score.SourcesUsed).
		Int("sources_failed", len(errs)).
		Str("aggregation", string(s.opts.Aggregation)).
		Msg("sentiment scored")
	return score, nil
}

func (s *Scorer) sample(ctx context.Context, src guardedSource, subnetID uint16) sourceResult {
	sctx, cancel := context.WithTimeout(ctx, s.opts.SourceTimeout)
	defer cancel()

	out, err := src.breaker.Execute(func() (interface{}, error) {
		return src.Sample(sctx, subnetID)
	})
	if err != nil {
		return sourceResult{err: err}
	}
	return sourceResult{sample: out.(Sample)}
}

// StaticSource returns a fixed sample. Used for dry runs and tests.
type StaticSource struct {
	Label  string
	Result Sample
	Err    error
}

func (s StaticSource) Name() string {
	if s.Label == "" {
		return "static"
	}
	return s.Label
}

func (s StaticSource) Sample(ctx context.Context, _ uint16) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}
	return s.Result, s.Err
}

var (
	_ Source = StaticSource{}
	_ Source = (*TweetSource)(nil)
)
