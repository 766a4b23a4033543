// Package admission owns the captcha lifecycle of newly joined members: one live challenge
// per (chat, user), answered, expired or removed exactly once.
package admission

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pborman/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/doorman/internal/db"
	derrors "github.com/iamwavecut/doorman/internal/errors"
	"github.com/iamwavecut/doorman/internal/observability"
)

const (
	answerRange = 100

	OutcomePassed  = "passed"
	OutcomeWrong   = "wrong"
	OutcomeFailed  = "failed"
	OutcomeExpired = "expired"
	OutcomeRemoved = "removed"
)

type (
	SettingsProvider interface {
		GetSettings(ctx context.Context, chatID int64) (*db.Settings, error)
	}

	// Probation starts the new-member track once a challenge is passed.
	Probation interface {
		StartProbation(id db.Identity)
	}

	// Resolver carries out the side effects of terminal transitions.
	Resolver interface {
		ChallengePassed(ctx context.Context, ch Challenge)
		ChallengeFailed(ctx context.Context, ch Challenge, banUntil time.Time)
	}
)

// JoinContext describes the join event a challenge was issued for.
type JoinContext struct {
	JoinMessageID int
	Username      string
	FullName      string
	Language      string
}

// Challenge is a copy of a live challenge. Mutating it has no effect on the coordinator.
type Challenge struct {
	Key       db.ChallengeKey
	Answer    int
	Options   []int
	Nonce     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	MessageID int
	Attempts  int
	Join      JoinContext
}

type Options struct {
	Timeout        time.Duration
	BanDuration    time.Duration
	SweepInterval  time.Duration
	Options        int
	NoCaptchaChats []int64
}

type live struct {
	mu      sync.Mutex
	ch      Challenge
	timer   *time.Timer
	claimed atomic.Bool
}

func (l *live) snapshot() Challenge {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := l.ch
	ch.Options = slices.Clone(l.ch.Options)
	return ch
}

func (c *Coordinator) arm(key db.ChallengeKey, l *live, after time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(after, func() {
		c.expire(key, l, OutcomeExpired)
	})
}

func (l *live) stopTimer() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timer != nil {
		l.timer.Stop()
	}
}

type Coordinator struct {
	opts       Options
	settings   SettingsProvider
	probation  Probation
	resolver   Resolver
	challenges *xsync.MapOf[db.ChallengeKey, *live]

	now  func() time.Time
	intn func(n int) int

	baseCtx atomic.Pointer[context.Context]

	runMutex  sync.Mutex
	started   bool
	runCancel context.CancelFunc
	workersWg sync.WaitGroup
}

func NewCoordinator(settings SettingsProvider, probation Probation, resolver Resolver, opts Options) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = 72 * time.Second
	}
	if opts.BanDuration <= 0 {
		opts.BanDuration = 20 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.Options < 2 {
		opts.Options = 8
	}
	return &Coordinator{
		opts:       opts,
		settings:   settings,
		probation:  probation,
		resolver:   resolver,
		challenges: xsync.NewMapOf[db.ChallengeKey, *live](),
		now:        time.Now,
		intn:       rand.Intn,
	}
}

// SetResolver wires the resolver after construction.
func (c *Coordinator) SetResolver(r Resolver) {
	c.resolver = r
}

func (c *Coordinator) defaultSettings(chatID int64) *db.Settings {
	s := db.DefaultSettings(chatID)
	s.ChallengeTimeout = c.opts.Timeout.Nanoseconds()
	s.CaptchaBanDuration = c.opts.BanDuration.Nanoseconds()
	return s
}

func (c *Coordinator) chatSettings(ctx context.Context, chatID int64) *db.Settings {
	if c.settings == nil {
		return c.defaultSettings(chatID)
	}
	settings, err := c.settings.GetSettings(ctx, chatID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return c.defaultSettings(chatID)
	case err != nil:
		c.getLogEntry().WithField("error", err.Error()).WithField("chat_id", chatID).Warn("cant get chat settings, using defaults")
		return c.defaultSettings(chatID)
	case settings == nil:
		return c.defaultSettings(chatID)
	}
	return settings
}

// Issue creates a challenge for a newly joined member. It returns nil when captcha is
// disabled for the chat or when the key already holds a live challenge; the existing one
// is kept.
func (c *Coordinator) Issue(ctx context.Context, chatID, userID int64, join JoinContext) *Challenge {
	entry := c.getLogEntry().WithField("method", "Issue").WithField("chat_id", chatID).WithField("user_id", userID)

	if slices.Contains(c.opts.NoCaptchaChats, chatID) {
		entry.Debug("captcha disabled by config")
		return nil
	}
	settings := c.chatSettings(ctx, chatID)
	if !settings.CaptchaEnabled {
		entry.Debug("captcha disabled for chat")
		return nil
	}
	timeout := settings.GetChallengeTimeout()
	if timeout <= 0 {
		timeout = c.opts.Timeout
	}

	key := db.ChallengeKey{ChatID: chatID, UserID: userID}
	options, answer := c.newOptions()
	now := c.now()
	candidate := &live{ch: Challenge{
		Key:       key,
		Answer:    answer,
		Options:   options,
		Nonce:     uuid.New()[:8],
		IssuedAt:  now,
		ExpiresAt: now.Add(timeout),
		Join:      join,
	}}

	l, loaded := c.challenges.LoadOrStore(key, candidate)
	if loaded {
		err := fmt.Errorf("%w: challenge already live for %s", derrors.ErrInvariantViolation, key)
		entry.WithField("error", err.Error()).Warn("rejected second challenge")
		return nil
	}
	c.arm(key, l, timeout)

	entry.WithField("expires_at", l.ch.ExpiresAt).Debug("challenge issued")
	observability.RecordChallenge("issued")
	ch := l.snapshot()
	return &ch
}

func (c *Coordinator) newOptions() ([]int, int) {
	seen := make(map[int]struct{}, c.opts.Options)
	res := make([]int, 0, c.opts.Options)
	for len(res) < c.opts.Options {
		v := c.intn(answerRange)
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		res = append(res, v)
	}
	return res, res[c.intn(len(res))]
}

// Validate checks an answer. A correct answer ends the challenge and starts probation; a
// wrong one is recorded and ends the challenge only in strict chats. Answers arriving after
// the challenge ended report false.
func (c *Coordinator) Validate(ctx context.Context, key db.ChallengeKey, answer int) bool {
	entry := c.getLogEntry().WithField("method", "Validate").WithField("key", key.String())

	l, ok := c.challenges.Load(key)
	if !ok {
		err := fmt.Errorf("%w: no live challenge for %s", derrors.ErrInvariantViolation, key)
		entry.WithField("error", err.Error()).Debug("answer ignored")
		return false
	}

	if !c.now().Before(l.snapshot().ExpiresAt) {
		c.fail(ctx, key, l, OutcomeExpired)
		return false
	}

	if answer != l.ch.Answer {
		l.mu.Lock()
		l.ch.Attempts++
		attempts := l.ch.Attempts
		l.mu.Unlock()
		observability.RecordChallenge(OutcomeWrong)
		entry.WithField("attempts", attempts).Debug("wrong answer")
		if c.chatSettings(ctx, key.ChatID).StrictCaptcha {
			c.fail(ctx, key, l, OutcomeFailed)
		}
		return false
	}

	if !c.claim(key, l) {
		entry.Debug("challenge already resolved")
		return false
	}
	if c.probation != nil {
		c.probation.StartProbation(key.Identity())
	}
	ch := l.snapshot()
	if c.resolver != nil {
		c.resolver.ChallengePassed(ctx, ch)
	}
	observability.RecordChallenge(OutcomePassed)
	entry.Info("challenge passed")
	return true
}

// ExpireIfDue fails every challenge whose deadline is not after now and returns how many
// it resolved. Safe to call concurrently and repeatedly.
func (c *Coordinator) ExpireIfDue(ctx context.Context, now time.Time) int {
	type due struct {
		key db.ChallengeKey
		l   *live
	}
	var expired []due
	c.challenges.Range(func(key db.ChallengeKey, l *live) bool {
		if !now.Before(l.snapshot().ExpiresAt) {
			expired = append(expired, due{key: key, l: l})
		}
		return true
	})

	resolved := 0
	for _, d := range expired {
		if c.fail(ctx, d.key, d.l, OutcomeExpired) {
			resolved++
		}
	}
	if resolved > 0 {
		c.getLogEntry().WithField("count", resolved).Info("expired challenges swept")
	}
	return resolved
}

// RemoveByKey ends a challenge without side effects, used when the member is approved or
// banned elsewhere.
func (c *Coordinator) RemoveByKey(key db.ChallengeKey) bool {
	l, ok := c.challenges.Load(key)
	if !ok {
		return false
	}
	if !c.claim(key, l) {
		return false
	}
	observability.RecordChallenge(OutcomeRemoved)
	return true
}

// AttachMessage remembers the message carrying the captcha so it can be cleaned up.
func (c *Coordinator) AttachMessage(key db.ChallengeKey, messageID int) bool {
	l, ok := c.challenges.Load(key)
	if !ok || l.claimed.Load() {
		return false
	}
	l.mu.Lock()
	l.ch.MessageID = messageID
	l.mu.Unlock()
	return true
}

func (c *Coordinator) Get(key db.ChallengeKey) (Challenge, bool) {
	l, ok := c.challenges.Load(key)
	if !ok || l.claimed.Load() {
		return Challenge{}, false
	}
	return l.snapshot(), true
}

func (c *Coordinator) Len() int {
	return c.challenges.Size()
}

// claim performs the compare-and-swap that makes one terminal transition the winner.
func (c *Coordinator) claim(key db.ChallengeKey, l *live) bool {
	if !l.claimed.CompareAndSwap(false, true) {
		return false
	}
	l.stopTimer()
	c.challenges.Compute(key, func(old *live, loaded bool) (*live, bool) {
		return old, !loaded || old == l
	})
	return true
}

func (c *Coordinator) fail(ctx context.Context, key db.ChallengeKey, l *live, outcome string) bool {
	if !c.claim(key, l) {
		return false
	}
	ch := l.snapshot()
	banFor := c.chatSettings(ctx, key.ChatID).GetCaptchaBanDuration()
	if banFor <= 0 {
		banFor = c.opts.BanDuration
	}
	if c.resolver != nil {
		c.resolver.ChallengeFailed(ctx, ch, c.now().Add(banFor))
	}
	observability.RecordChallenge(outcome)
	c.getLogEntry().WithFields(log.Fields{
		"chat_id":  key.ChatID,
		"user_id":  key.UserID,
		"outcome":  outcome,
		"attempts": ch.Attempts,
	}).Info("challenge failed")
	return true
}

func (c *Coordinator) expire(key db.ChallengeKey, l *live, outcome string) {
	ctx := context.Background()
	if p := c.baseCtx.Load(); p != nil {
		ctx = *p
	}
	c.fail(ctx, key, l, outcome)
}

func (c *Coordinator) Start(ctx context.Context) error {
	c.runMutex.Lock()
	defer c.runMutex.Unlock()
	if c.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	base := context.WithoutCancel(runCtx)
	c.baseCtx.Store(&base)
	c.runCancel = cancel
	c.started = true
	now := c.now()
	c.challenges.Range(func(key db.ChallengeKey, l *live) bool {
		if !l.claimed.Load() {
			c.arm(key, l, max(l.snapshot().ExpiresAt.Sub(now), 0))
		}
		return true
	})
	c.workersWg.Add(1)
	go func() {
		defer c.workersWg.Done()
		c.sweepLoop(runCtx)
	}()
	return nil
}

// Stop halts the sweeper and every pending expiry timer. Live challenges stay in the
// table and are re-armed by the next Start.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.runMutex.Lock()
	if !c.started {
		c.runMutex.Unlock()
		return nil
	}
	cancel := c.runCancel
	c.started = false
	c.runCancel = nil
	c.runMutex.Unlock()

	cancel()
	c.challenges.Range(func(_ db.ChallengeKey, l *live) bool {
		l.stopTimer()
		return true
	})
	done := make(chan struct{})
	go func() {
		c.workersWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ExpireIfDue(ctx, c.now())
		}
	}
}

func (c *Coordinator) getLogEntry() *log.Entry {
	return log.WithField("object", "Coordinator")
}
