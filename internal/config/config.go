package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"github.com/sethvargo/go-envconfig"
	log "github.com/sirupsen/logrus"
)

const EnvPrefix = "DOORMAN_"

type (
	Config struct {
		TelegramAPIToken string `env:"TOKEN"`
		DefaultLanguage  string `env:"LANG,default=en"`
		LogLevel         int    `env:"LOG_LEVEL,default=4"`
		LogNoColor       bool   `env:"LOG_NO_COLOR,default=false"`
		DotPath          string `env:"DOT_PATH,default=~/.doorman"`
		AdminChatID      int64  `env:"ADMIN_CHAT_ID"`
		MetricsAddr      string `env:"METRICS_ADDR,default=:2112"`

		LLM        LLM
		Moderation Moderation
		Captcha    Captcha
		Banlist    Banlist
		Classifier Classifier
	}

	LLM struct {
		APIKey        string        `env:"LLM_API_KEY"`
		Model         string        `env:"LLM_API_MODEL,default=gpt-4o-mini"`
		BaseURL       string        `env:"LLM_API_URL,default=https://api.openai.com/v1"`
		Type          string        `env:"LLM_API_TYPE,default=openai"`
		Timeout       time.Duration `env:"LLM_TIMEOUT,default=20s"`
		CallsPerMin   int           `env:"LLM_CALLS_PER_MINUTE,default=20"`
		CacheTTL      time.Duration `env:"LLM_CACHE_TTL,default=1h"`
		CacheCapacity int           `env:"LLM_CACHE_CAPACITY,default=4096"`
	}

	Moderation struct {
		GraduationMessages           int           `env:"GRADUATION_MESSAGES,default=3"`
		SuspiciousGraduationMessages int           `env:"SUSPICIOUS_TO_APPROVED_COUNT,default=3"`
		GlobalApproval               bool          `env:"GLOBAL_APPROVAL,default=true"`
		ViolationCeiling             int           `env:"VIOLATION_CEILING,default=3"`
		ViolationWindow              time.Duration `env:"VIOLATION_WINDOW,default=24h"`

		MaxMLSpamViolations    int `env:"MAX_ML_SPAM_VIOLATIONS,default=0"`
		MaxStopWordViolations  int `env:"MAX_STOP_WORD_VIOLATIONS,default=0"`
		MaxEmojiViolations     int `env:"MAX_EMOJI_VIOLATIONS,default=0"`
		MaxLookalikeViolations int `env:"MAX_LOOKALIKE_VIOLATIONS,default=0"`

		MimicryThreshold float64 `env:"MIMICRY_THRESHOLD,default=0.7"`
		MimicryWatermark float64 `env:"MIMICRY_WATERMARK,default=0.3"`
		SampleSize       int     `env:"SUSPICION_SAMPLE_SIZE,default=5"`

		SpamDeleteThreshold float64 `env:"SPAM_DELETE_THRESHOLD,default=0.5"`
		SpamBanThreshold    float64 `env:"SPAM_BAN_THRESHOLD,default=0.98"`
		LowConfidenceReview bool    `env:"LOW_CONFIDENCE_REVIEW,default=false"`
		ReviewWatermark     float64 `env:"REVIEW_WATERMARK,default=0.3"`
		OracleThreshold     float64 `env:"ORACLE_THRESHOLD,default=0.75"`

		LookalikeAutoBan bool     `env:"LOOKALIKE_AUTO_BAN,default=false"`
		StopWords        []string `env:"STOP_WORDS"`
	}

	Captcha struct {
		Timeout        time.Duration `env:"CAPTCHA_TIMEOUT,default=72s"`
		BanDuration    time.Duration `env:"CAPTCHA_BAN_DURATION,default=20m"`
		SweepInterval  time.Duration `env:"CAPTCHA_SWEEP_INTERVAL,default=1m"`
		Options        int           `env:"CAPTCHA_OPTIONS,default=8"`
		NoCaptchaChats []int64       `env:"NO_CAPTCHA_CHATS"`
	}

	Banlist struct {
		Enabled   bool          `env:"BANLIST_ENABLED,default=true"`
		DailyURLs []string      `env:"BANLIST_DAILY_URLS,default=https://lols.bot/scammers.txt,https://lols.bot/spam/banlist.txt"`
		HourlyURL string        `env:"BANLIST_HOURLY_URL,default=https://lols.bot/spam/banlist-1h.txt"`
		Timeout   time.Duration `env:"BANLIST_TIMEOUT,default=10s"`
	}

	Classifier struct {
		Type           string   `env:"CLASSIFIER_TYPE,default=bayes"`
		ModelsDir      string   `env:"CLASSIFIER_MODELS_DIR,default=models"`
		ModelName      string   `env:"CLASSIFIER_MODEL,default=MoritzLaurer/mDeBERTa-v3-base-mnli-xnli"`
		SpamLabels     []string `env:"CLASSIFIER_SPAM_LABELS,default=advertisement,scam,job offer"`
		HamLabels      []string `env:"CLASSIFIER_HAM_LABELS,default=conversation,question"`
		RetrainOnDirty bool     `env:"CLASSIFIER_RETRAIN,default=true"`
	}
)

var (
	once         sync.Once
	globalConfig = &Config{}
	globalErr    error
)

// Load reads the optional .env file and the DOORMAN_ prefixed environment once per process.
func Load() (Config, error) {
	once.Do(func() {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.WithField("error", err.Error()).Warn("cant read .env file")
		}
		cfg, err := Process(context.Background(), envconfig.OsLookuper())
		if err != nil {
			globalErr = err
			return
		}
		log.Traceln("loaded config")
		globalConfig = cfg
	})
	return *globalConfig, globalErr
}

// Process builds a Config from the given lookuper, applying the env prefix.
func Process(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	cfg := &Config{}
	envcfg := envconfig.Config{
		Lookuper: envconfig.PrefixLookuper(EnvPrefix, lookuper),
		Target:   cfg,
	}
	if err := envconfig.ProcessWith(ctx, &envcfg); err != nil {
		return nil, fmt.Errorf("process env config: %w", err)
	}
	dotPath, err := homedir.Expand(cfg.DotPath)
	if err != nil {
		return nil, fmt.Errorf("expand dot path: %w", err)
	}
	cfg.DotPath = dotPath
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.Moderation.GraduationMessages < 1:
		return fmt.Errorf("graduation messages must be positive, got %d", c.Moderation.GraduationMessages)
	case c.Moderation.SuspiciousGraduationMessages < 1:
		return fmt.Errorf("suspicious graduation messages must be positive, got %d", c.Moderation.SuspiciousGraduationMessages)
	case c.Moderation.SampleSize < 3:
		return fmt.Errorf("suspicion sample size must be at least 3, got %d", c.Moderation.SampleSize)
	case c.Captcha.Options < 2:
		return fmt.Errorf("captcha needs at least 2 options, got %d", c.Captcha.Options)
	case c.Captcha.Timeout <= 0:
		return fmt.Errorf("captcha timeout must be positive, got %s", c.Captcha.Timeout)
	}
	return nil
}

func Get() Config {
	cfg, err := Load()
	if err != nil {
		log.WithField("error", err.Error()).Error("cant load config")
	}
	return cfg
}

// OracleEnabled reports whether an LLM backend is configured.
func (c Config) OracleEnabled() bool {
	return c.LLM.APIKey != ""
}
