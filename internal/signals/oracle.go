package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/iamwavecut/doorman/internal/adapters"
	"github.com/iamwavecut/doorman/internal/adapters/llm"
	derrors "github.com/iamwavecut/doorman/internal/errors"
)

var ErrOracleRateLimited = fmt.Errorf("%w: rate limited", derrors.ErrOracleFailure)

type UserInfo struct {
	UserID   int64
	ChatID   int64
	Username string
	FullName string
	Bio      string
}

type Estimate struct {
	Probability float64 `json:"probability"`
	Reason      string  `json:"reason"`
}

// Oracle is the expensive remote bait/spam estimator used under deep scrutiny.
type Oracle interface {
	EstimateBaitOrSpamProbability(ctx context.Context, user UserInfo, sample []string) (Estimate, error)
}

type OracleOptions struct {
	Timeout       time.Duration
	CallsPerMin   int
	CacheTTL      time.Duration
	CacheCapacity int
}

// LLMOracle asks a chat-completion model for a JSON verdict. Identical questions are
// answered from cache, concurrent ones share a single call.
type LLMOracle struct {
	llm     adapters.LLM
	cache   *expirable.LRU[uint64, Estimate]
	group   singleflight.Group
	limiter *rate.Limiter
	timeout time.Duration
}

func NewLLMOracle(backend adapters.LLM, opts OracleOptions) *LLMOracle {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.CallsPerMin <= 0 {
		opts.CallsPerMin = 20
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.CacheCapacity <= 0 {
		opts.CacheCapacity = 4096
	}
	return &LLMOracle{
		llm:     backend,
		cache:   expirable.NewLRU[uint64, Estimate](opts.CacheCapacity, nil, opts.CacheTTL),
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.CallsPerMin)), opts.CallsPerMin),
		timeout: opts.Timeout,
	}
}

const oracleSystemPrompt = `You rate messages from a Telegram group chat. Decide how likely the sender is a spammer or is baiting attention to promote something: casino, gambling, drugs, adult content, easy money schemes, unofficial job offers, crypto and NFT, calls to follow a link or to write in private messages, promotion services, begging, promo codes, advertising.
The user profile and their recent messages follow. Messages may be in any language.
Reply with a single JSON object and nothing else: {"probability": <number from 0 to 1>, "reason": "<short explanation>"}`

func cacheKey(user UserInfo, sample []string) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(strconv.FormatInt(user.ChatID, 10))
	_, _ = d.WriteString("_")
	_, _ = d.WriteString(strconv.FormatInt(user.UserID, 10))
	for _, s := range sample {
		_, _ = d.WriteString("\x00")
		_, _ = d.WriteString(s)
	}
	return d.Sum64()
}

func buildPrompt(user UserInfo, sample []string) string {
	var sb strings.Builder
	sb.WriteString("Name: ")
	sb.WriteString(user.FullName)
	if user.Username != "" {
		sb.WriteString("\nUsername: @")
		sb.WriteString(user.Username)
	}
	if user.Bio != "" {
		sb.WriteString("\nBio: ")
		sb.WriteString(user.Bio)
	}
	sb.WriteString("\nMessages:")
	for i, s := range sample {
		fmt.Fprintf(&sb, "\n%d. %s", i+1, s)
	}
	return sb.String()
}

func (o *LLMOracle) EstimateBaitOrSpamProbability(ctx context.Context, user UserInfo, sample []string) (Estimate, error) {
	key := cacheKey(user, sample)
	if est, ok := o.cache.Get(key); ok {
		return est, nil
	}

	res, err, _ := o.group.Do(strconv.FormatUint(key, 16), func() (any, error) {
		if !o.limiter.Allow() {
			return Estimate{}, ErrOracleRateLimited
		}
		callCtx, cancel := context.WithTimeout(ctx, o.timeout)
		defer cancel()

		resp, err := o.llm.ChatCompletion(callCtx, []llm.ChatCompletionMessage{
			{Role: llm.RoleSystem, Content: oracleSystemPrompt},
			{Role: llm.RoleUser, Content: buildPrompt(user, sample)},
		})
		if err != nil {
			return Estimate{}, fmt.Errorf("%w: %w", derrors.ErrOracleFailure, err)
		}
		est, err := parseEstimate(resp.Content())
		if err != nil {
			return Estimate{}, fmt.Errorf("%w: %w", derrors.ErrOracleFailure, err)
		}
		o.cache.Add(key, est)
		o.getLogEntry().WithField("user_id", user.UserID).WithField("probability", est.Probability).Debug("oracle estimate")
		return est, nil
	})
	if err != nil {
		return Estimate{}, err
	}
	return res.(Estimate), nil
}

func parseEstimate(content string) (Estimate, error) {
	content = strings.TrimSpace(content)
	if start, end := strings.Index(content, "{"), strings.LastIndex(content, "}"); start >= 0 && end > start {
		content = content[start : end+1]
	}
	var est Estimate
	if err := json.Unmarshal([]byte(content), &est); err != nil {
		return Estimate{}, fmt.Errorf("decode oracle reply %q: %w", content, err)
	}
	if est.Probability < 0 || est.Probability > 1 {
		return Estimate{}, fmt.Errorf("oracle probability %v out of range", est.Probability)
	}
	return est, nil
}

func (o *LLMOracle) getLogEntry() *log.Entry {
	return log.WithField("object", "LLMOracle")
}
