package db

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// Settings are per-chat admission knobs. Durations are stored as nanoseconds.
type Settings struct {
	ID                 int64  `db:"id"`
	CaptchaEnabled     bool   `db:"captcha_enabled"`
	StrictCaptcha      bool   `db:"strict_captcha"`
	ChallengeTimeout   int64  `db:"challenge_timeout"`
	CaptchaBanDuration int64  `db:"captcha_ban_duration"`
	Language           string `db:"language"`
}

func DefaultSettings(chatID int64) *Settings {
	return &Settings{
		ID:                 chatID,
		CaptchaEnabled:     true,
		StrictCaptcha:      false,
		ChallengeTimeout:   (72 * time.Second).Nanoseconds(),
		CaptchaBanDuration: (20 * time.Minute).Nanoseconds(),
		Language:           "en",
	}
}

func (s *Settings) GetChallengeTimeout() time.Duration {
	return time.Duration(s.ChallengeTimeout)
}

func (s *Settings) GetCaptchaBanDuration() time.Duration {
	return time.Duration(s.CaptchaBanDuration)
}
