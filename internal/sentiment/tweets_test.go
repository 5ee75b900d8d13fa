package sentiment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tao-dividends/internal/domain"
)

func TestDaturaFetchTweets(t *testing.T) {
	var got daturaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method %s", r.Method)
		}
		if r.Header.Get("x-api-key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`[{"text":"subnet 18 is great"},{"text":"  "},{"text":"bearish on 18"}]`))
	}))
	defer srv.Close()

	d := NewDatura(DaturaOptions{URL: srv.URL, APIKey: "secret"}, zerolog.Nop())
	tweets, err := d.FetchTweets(context.Background(), 18)
	require.NoError(t, err)
	assert.Equal(t, []string{"subnet 18 is great", "bearish on 18"}, tweets)
	assert.Equal(t, "Bittensor netuid 18", got.Query)
	assert.Equal(t, 10, got.MaxResults)
}

func TestDaturaErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
	}{
		{name: "server error", status: http.StatusBadGateway, body: `{"detail":"upstream"}`, transient: true},
		{name: "rate limited", status: http.StatusTooManyRequests, transient: true},
		{name: "bad request", status: http.StatusBadRequest, body: `{"message":"bad query"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			d := NewDatura(DaturaOptions{URL: srv.URL, APIKey: "k"}, zerolog.Nop())
			_, err := d.FetchTweets(context.Background(), 1)
			require.Error(t, err)
			assert.Equal(t, tt.transient, domain.IsTransient(err))
		})
	}
}

func TestDaturaMissingKey(t *testing.T) {
	d := NewDatura(DaturaOptions{URL: "http://127.0.0.1:1"}, zerolog.Nop())
	_, err := d.FetchTweets(context.Background(), 1)
	assert.ErrorIs(t, err, domain.ErrTerminalUpstream)
}

func TestGroqClassify(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer gk" {
			t.Fatalf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"The sentiment score is: -35"}}]}`))
	}))
	defer srv.Close()

	g := NewGroq(GroqOptions{BaseURL: srv.URL + "/", APIKey: "gk", Model: "test-model"}, zerolog.Nop())
	score, err := g.Classify(context.Background(), 7, []string{"meh", "line one\nline two"})
	require.NoError(t, err)
	assert.Equal(t, -35, score)
	assert.Equal(t, "test-model", got.Model)
	require.Len(t, got.Messages, 1)
	assert.Contains(t, got.Messages[0].Content, "Bittensor subnet 7")
	assert.Contains(t, got.Messages[0].Content, "- line one line two")
}

func TestGroqUnparseableReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"I cannot tell."}}]}`))
	}))
	defer srv.Close()

	g := NewGroq(GroqOptions{BaseURL: srv.URL, APIKey: "gk"}, zerolog.Nop())
	_, err := g.Classify(context.Background(), 7, []string{"x"})
	assert.ErrorIs(t, err, domain.ErrTerminalUpstream)
}

func TestParseScore(t *testing.T) {
	tests := []struct {
		reply   string
		want    int
		wantErr bool
	}{
		{reply: "42", want: 42},
		{reply: " -17\n", want: -17},
		{reply: "+8", want: 8},
		{reply: "Sentiment score is: 250", want: 100},
		{reply: "-99999999999999999999999", want: -100},
		{reply: "neutral", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseScore(tt.reply)
		if tt.wantErr {
			assert.Error(t, err, tt.reply)
			continue
		}
		require.NoError(t, err, tt.reply)
		assert.Equal(t, tt.want, got, tt.reply)
	}
}

type stubFetcher struct {
	tweets []string
	err    error
}

func (s stubFetcher) FetchTweets(context.Context, uint16) ([]string, error) { return s.tweets, s.err }

type stubClassifier struct {
	score  int
	called *bool
}

func (s stubClassifier) Classify(_ context.Context, _ uint16, tweets []string) (int, error) {
	*s.called = true
	return s.score, nil
}

func TestTweetSource(t *testing.T) {
	called := false
	src := &TweetSource{Fetcher: stubFetcher{}, Classifier: stubClassifier{score: 50, called: &called}}
	sample, err := src.Sample(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, sample.Count)
	assert.False(t, called, "no tweets must not reach the classifier")

	src.Fetcher = stubFetcher{tweets: strings.Fields("a b c")}
	sample, err = src.Sample(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, Sample{Score: 50, Count: 3}, sample)

	src.Fetcher = stubFetcher{err: errors.New("down")}
	_, err = src.Sample(context.Background(), 1)
	assert.ErrorContains(t, err, "fetch tweets")
}
