package sentiment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tao-dividends/internal/domain"
)

const (
	defaultDaturaURL  = "https://apis.datura.ai/twitter"
	defaultGroqURL    = "https://api.groq.com/openai/v1"
	defaultGroqModel  = "llama-3.3-70b-versatile"
	defaultMaxResults = 10
)

// DaturaOptions parameterise the Datura twitter search.
type DaturaOptions struct {
	URL        string
	APIKey     string
	MaxResults int
	Timeout    time.Duration
}

// Datura searches recent tweets mentioning a subnet.
type Datura struct {
	opts   DaturaOptions
	client *http.Client
	logger zerolog.Logger
}

// NewDatura constructs a tweet fetcher.
func NewDatura(opts DaturaOptions, logger zerolog.Logger) *Datura {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = defaultMaxResults
	}
	opts.URL = strings.TrimRight(opts.URL, "/")
	if opts.URL == "" {
		opts.URL = defaultDaturaURL
	}
	return &Datura{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		logger: logger.With().Str("component", "datura").Logger(),
	}
}

// FetchTweets returns the text of recent tweets about the subnet.
func (d *Datura) FetchTweets(ctx context.Context, subnetID uint16) ([]string, error) {
	if d.opts.APIKey == "" {
		return nil, &domain.UpstreamError{Op: "datura", Kind: domain.KindRejected, Err: errors.New("datura api key not configured")}
	}

	payload := daturaRequest{
		Query:      fmt.Sprintf("Bittensor netuid %d", subnetID),
		MaxResults: d.opts.MaxResults,
	}
	var tweets []daturaTweet
	if err := postJSON(ctx, d.client, "datura", d.opts.URL, map[string]string{"x-api-key": d.opts.APIKey}, payload, &tweets); err != nil {
		return nil, err
	}

	texts := make([]string, 0, len(tweets))
	for _, t := range tweets {
		if text := strings.TrimSpace(t.Text); text != "" {
			texts = append(texts, text)
		}
	}
	d.logger.Debug().Uint16("netuid", subnetID).Int("tweets", len(texts)).Msg("fetched tweets")
	return texts, nil
}

type daturaRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type daturaTweet struct {
	Text string `json:"text"`
}

// GroqOptions parameterise the LLM classifier.
type GroqOptions struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Groq scores tweets with an OpenAI-compatible chat completion endpoint.
type Groq struct {
	opts   GroqOptions
	client *http.Client
	logger zerolog.Logger
}

// NewGroq constructs a classifier.
func NewGroq(opts GroqOptions, logger zerolog.Logger) *Groq {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.BaseURL == "" {
		opts.BaseURL = defaultGroqURL
	}
	if opts.Model == "" {
		opts.Model = defaultGroqModel
	}
	return &Groq{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		logger: logger.With().Str("component", "groq").Logger(),
	}
}

const classifyPrompt = `Analyze the sentiment of the following tweets about Bittensor subnet %d.
Provide a sentiment score from -100 (extremely negative) to +100 (extremely positive).
Return only the numerical score, do not include any other text.

Tweets:
%s

Sentiment score:`

// Classify asks the model for a score in [-100, 100].
func (g *Groq) Classify(ctx context.Context, subnetID uint16, tweets []string) (int, error) {
	if g.opts.APIKey == "" {
		return 0, &domain.UpstreamError{Op: "groq", Kind: domain.KindRejected, Err: errors.New("groq api key not configured")}
	}

	var lines strings.Builder
	for _, t := range tweets {
		lines.WriteString("- ")
		lines.WriteString(strings.ReplaceAll(t, "\n", " "))
		lines.WriteString("\n")
	}

	payload := chatRequest{
		Model:       g.opts.Model,
		Temperature: 0,
		Messages: []chatMessage{{
			Role:    "user",
			Content: fmt.Sprintf(classifyPrompt, subnetID, strings.TrimRight(lines.String(), "\n")),
		}},
	}
	var res chatResponse
	headers := map[string]string{"Authorization": "Bearer " + g.opts.APIKey}
	if err := postJSON(ctx, g.client, "groq", g.opts.BaseURL+"/chat/completions", headers, payload, &res); err != nil {
		return 0, err
	}
	if len(res.Choices) == 0 {
		return 0, &domain.UpstreamError{Op: "groq", Kind: domain.KindRejected, Err: errors.New("completion returned no choices")}
	}

	content := res.Choices[0].Message.Content
	score, err := ParseScore(content)
	if err != nil {
		return 0, &domain.UpstreamError{Op: "groq", Kind: domain.KindRejected, Err: err}
	}
	g.logger.Debug().Uint16("netuid", subnetID).Int("score", score).Str("reply", content).Msg("classified tweets")
	return score, nil
}

var scorePattern = regexp.MustCompile(`[-+]?\d+`)

// ParseScore extracts the first signed integer from a model reply and clamps it.
func ParseScore(reply string) (int, error) {
	match := scorePattern.FindString(reply)
	if match == "" {
		return 0, fmt.Errorf("no score in reply %q", reply)
	}
	v, err := strconv.Atoi(match)
	if err != nil {
		// only overflow gets here
		if strings.HasPrefix(match, "-") {
			return domain.MinScore, nil
		}
		return domain.MaxScore, nil
	}
	return domain.ClampScore(v), nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// TweetFetcher returns recent tweet texts about a subnet.
type TweetFetcher interface {
	FetchTweets(ctx context.Context, subnetID uint16) ([]string, error)
}

// Classifier turns tweets into a score.
type Classifier interface {
	Classify(ctx context.Context, subnetID uint16, tweets []string) (int, error)
}

// TweetSource scores a subnet from recent tweets. No tweets is a successful sample with no signal.
type TweetSource struct {
	Label      string
	Fetcher    TweetFetcher
	Classifier Classifier
}

func (s *TweetSource) Name() string {
	if s.Label == "" {
		return "tweets"
	}
	return s.Label
}

func (s *TweetSource) Sample(ctx context.Context, subnetID uint16) (Sample, error) {
	tweets, err := s.Fetcher.FetchTweets(ctx, subnetID)
	if err != nil {
		return Sample{}, fmt.Errorf("fetch tweets: %w", err)
	}
	if len(tweets) == 0 {
		return Sample{}, nil
	}
	score, err := s.Classifier.Classify(ctx, subnetID, tweets)
	if err != nil {
		return Sample{}, fmt.Errorf("classify tweets: %w", err)
	}
	return Sample{Score: score, Count: len(tweets)}, nil
}
