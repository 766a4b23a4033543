package signals

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iamwavecut/doorman/internal/adapters/llm"
	derrors "github.com/iamwavecut/doorman/internal/errors"
)

type oracleTestLLM struct {
	calls   atomic.Int32
	reply   string
	err     error
	delay   time.Duration
	prompts []string
	mu      sync.Mutex
}

func (s *oracleTestLLM) ChatCompletion(ctx context.Context, messages []llm.ChatCompletionMessage) (llm.ChatCompletionResponse, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.prompts = append(s.prompts, messages[len(messages)-1].Content)
	s.mu.Unlock()
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return llm.ChatCompletionResponse{}, ctx.Err()
		}
	}
	if s.err != nil {
		return llm.ChatCompletionResponse{}, s.err
	}
	return llm.ChatCompletionResponse{Choices: []llm.ChatCompletionChoice{{Message: llm.ChatCompletionMessage{Content: s.reply}}}}, nil
}

func TestOracleParsesAndCaches(t *testing.T) {
	t.Parallel()

	backend := &oracleTestLLM{reply: "```json\n{\"probability\": 0.9, \"reason\": \"crypto promo\"}\n```"}
	o := NewLLMOracle(backend, OracleOptions{})
	user := UserInfo{UserID: 1, ChatID: -100, FullName: "Anna", Username: "anna"}
	sample := []string{"hi", "crypto profit here"}

	for i := 0; i < 2; i++ {
		est, err := o.EstimateBaitOrSpamProbability(context.Background(), user, sample)
		if err != nil {
			t.Fatalf("estimate: %v", err)
		}
		if est.Probability != 0.9 || est.Reason != "crypto promo" {
			t.Fatalf("unexpected estimate %+v", est)
		}
	}
	if backend.calls.Load() != 1 {
		t.Fatalf("expected a single backend call, got %d", backend.calls.Load())
	}
	if p := backend.prompts[0]; !containsAll(p, "Anna", "@anna", "crypto profit here") {
		t.Fatalf("prompt lacks user data: %q", p)
	}
}

func TestOracleFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		backend *oracleTestLLM
		opts    OracleOptions
	}{
		{name: "backend error", backend: &oracleTestLLM{err: errors.New("503")}},
		{name: "garbage reply", backend: &oracleTestLLM{reply: "definitely spam"}},
		{name: "out of range", backend: &oracleTestLLM{reply: `{"probability": 7}`}},
		{name: "timeout", backend: &oracleTestLLM{delay: time.Second, reply: `{"probability": 1}`}, opts: OracleOptions{Timeout: 20 * time.Millisecond}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			o := NewLLMOracle(tt.backend, tt.opts)
			_, err := o.EstimateBaitOrSpamProbability(context.Background(), UserInfo{UserID: 1}, []string{"x"})
			if !errors.Is(err, derrors.ErrOracleFailure) {
				t.Fatalf("expected ErrOracleFailure, got %v", err)
			}
		})
	}
}

func TestOracleRateLimit(t *testing.T) {
	t.Parallel()

	backend := &oracleTestLLM{reply: `{"probability": 0.1}`}
	o := NewLLMOracle(backend, OracleOptions{CallsPerMin: 1})
	ctx := context.Background()
	if _, err := o.EstimateBaitOrSpamProbability(ctx, UserInfo{UserID: 1}, []string{"a"}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	_, err := o.EstimateBaitOrSpamProbability(ctx, UserInfo{UserID: 2}, []string{"b"})
	if !errors.Is(err, ErrOracleRateLimited) || !errors.Is(err, derrors.ErrOracleFailure) {
		t.Fatalf("expected rate limit failure, got %v", err)
	}
}

func containsAll(s string, parts ...string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}
