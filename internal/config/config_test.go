package config

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
)

func TestProcessDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Process(context.Background(), envconfig.MapLookuper(map[string]string{
		"DOORMAN_TOKEN":    "token",
		"DOORMAN_DOT_PATH": "/tmp/doorman",
	}))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if cfg.TelegramAPIToken != "token" {
		t.Fatalf("unexpected token %q", cfg.TelegramAPIToken)
	}
	if cfg.Moderation.GraduationMessages != 3 {
		t.Fatalf("expected 3 graduation messages, got %d", cfg.Moderation.GraduationMessages)
	}
	if cfg.Moderation.SuspiciousGraduationMessages != 3 {
		t.Fatalf("expected 3 suspicious graduation messages, got %d", cfg.Moderation.SuspiciousGraduationMessages)
	}
	if cfg.Moderation.ViolationCeiling != 3 {
		t.Fatalf("expected violation ceiling 3, got %d", cfg.Moderation.ViolationCeiling)
	}
	if cfg.Captcha.Timeout != 72*time.Second {
		t.Fatalf("unexpected captcha timeout %s", cfg.Captcha.Timeout)
	}
	if cfg.Captcha.BanDuration != 20*time.Minute {
		t.Fatalf("unexpected captcha ban duration %s", cfg.Captcha.BanDuration)
	}
	if len(cfg.Banlist.DailyURLs) != 2 {
		t.Fatalf("expected 2 daily banlist urls, got %v", cfg.Banlist.DailyURLs)
	}
	if cfg.OracleEnabled() {
		t.Fatalf("oracle must be disabled without api key")
	}
}

func TestProcessExpandsHome(t *testing.T) {
	t.Parallel()

	cfg, err := Process(context.Background(), envconfig.MapLookuper(map[string]string{}))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if strings.HasPrefix(cfg.DotPath, "~") {
		t.Fatalf("expected expanded dot path, got %q", cfg.DotPath)
	}
}

func TestProcessRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "zero graduation", env: map[string]string{"DOORMAN_GRADUATION_MESSAGES": "0"}},
		{name: "tiny sample", env: map[string]string{"DOORMAN_SUSPICION_SAMPLE_SIZE": "2"}},
		{name: "single option", env: map[string]string{"DOORMAN_CAPTCHA_OPTIONS": "1"}},
		{name: "bad duration", env: map[string]string{"DOORMAN_CAPTCHA_TIMEOUT": "soon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Process(context.Background(), envconfig.MapLookuper(tt.env)); err == nil {
				t.Fatalf("expected error for %v", tt.env)
			}
		})
	}
}

func TestProcessParsesLists(t *testing.T) {
	t.Parallel()

	cfg, err := Process(context.Background(), envconfig.MapLookuper(map[string]string{
		"DOORMAN_NO_CAPTCHA_CHATS": "-100,-200",
		"DOORMAN_STOP_WORDS":       "casino,crypto",
	}))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(cfg.Captcha.NoCaptchaChats) != 2 || cfg.Captcha.NoCaptchaChats[1] != -200 {
		t.Fatalf("unexpected no captcha chats %v", cfg.Captcha.NoCaptchaChats)
	}
	if len(cfg.Moderation.StopWords) != 2 {
		t.Fatalf("unexpected stop words %v", cfg.Moderation.StopWords)
	}
}
