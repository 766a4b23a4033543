// Package banlist mirrors the public spammer banlists into sqlite and answers membership
// queries from memory.
package banlist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/doorman/internal/observability"
)

const (
	kvKeyLastDailyFetch  = "last_daily_fetch"
	kvKeyLastHourlyFetch = "last_hourly_fetch"

	defaultAccountURLTemplate = "https://api.lols.bot/account?id=%d"

	maxRetries = 3
	retryStep  = 300 * time.Millisecond
)

type store interface {
	GetKV(ctx context.Context, key string) (string, error)
	SetKV(ctx context.Context, key string, value string) error
	UpsertBanlist(ctx context.Context, userIDs []int64) error
	GetBanlist(ctx context.Context) (map[int64]struct{}, error)
	RemoveFromBanlist(ctx context.Context, userIDs []int64) error
}

type Options struct {
	DailyURLs          []string
	HourlyURL          string
	AccountURLTemplate string
	Timeout            time.Duration
}

type Feed struct {
	db     store
	opts   Options
	client *retryablehttp.Client
	now    func() time.Time

	knownBanned map[int64]struct{}
	mapMutex    sync.RWMutex

	runMutex  sync.Mutex
	started   bool
	runCancel context.CancelFunc
	workersWg sync.WaitGroup
}

func NewFeed(db store, opts Options) *Feed {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.AccountURLTemplate == "" {
		opts.AccountURLTemplate = defaultAccountURLTemplate
	}
	client := retryablehttp.NewClient()
	client.RetryMax = maxRetries
	client.RetryWaitMin = retryStep
	client.RetryWaitMax = maxRetries * retryStep
	client.HTTPClient.Timeout = opts.Timeout
	client.Logger = leveledLogger{entry: log.WithField("object", "BanlistHTTP")}

	return &Feed{
		db:          db,
		opts:        opts,
		client:      client,
		now:         time.Now,
		knownBanned: map[int64]struct{}{},
	}
}

// Load fills the in-memory set from sqlite without touching the network.
func (f *Feed) Load(ctx context.Context) error {
	banned, err := f.db.GetBanlist(ctx)
	if err != nil {
		return fmt.Errorf("get banlist: %w", err)
	}
	f.setKnownBanned(banned)
	return nil
}

func (f *Feed) Start(ctx context.Context) error {
	f.runMutex.Lock()
	defer f.runMutex.Unlock()
	if f.started {
		return nil
	}
	if err := f.Load(ctx); err != nil {
		f.getLogEntry().WithField("error", err.Error()).Warn("cant load stored banlist")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f.runCancel = cancel

	f.workersWg.Add(1)
	go func() {
		defer f.workersWg.Done()
		if err := f.bootstrap(runCtx); err != nil && !isCanceled(err) {
			f.getLogEntry().WithField("error", err.Error()).Error("failed to bootstrap banlist")
		}
	}()

	f.workersWg.Add(1)
	go func() {
		defer f.workersWg.Done()
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := f.refresh(runCtx); err != nil && !isCanceled(err) {
					f.getLogEntry().WithField("error", err.Error()).Error("failed to refresh banlist")
				}
			}
		}
	}()

	f.started = true
	return nil
}

func (f *Feed) Stop(ctx context.Context) error {
	f.runMutex.Lock()
	if !f.started {
		f.runMutex.Unlock()
		return nil
	}
	f.started = false
	cancel := f.runCancel
	f.runMutex.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.workersWg.Wait()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (f *Feed) bootstrap(ctx context.Context) error {
	lastDaily, err := f.lastFetch(ctx, kvKeyLastDailyFetch)
	if err != nil {
		f.getLogEntry().WithField("error", err.Error()).Warn("cant read last daily fetch time")
	}
	if lastDaily.IsZero() || f.now().Sub(lastDaily) >= 24*time.Hour {
		return f.FetchDaily(ctx)
	}
	return f.fetchHourlyIfNeeded(ctx)
}

func (f *Feed) refresh(ctx context.Context) error {
	lastDaily, err := f.lastFetch(ctx, kvKeyLastDailyFetch)
	if err != nil {
		return err
	}
	if lastDaily.IsZero() || f.now().Sub(lastDaily) >= 24*time.Hour {
		return f.FetchDaily(ctx)
	}
	return f.fetchHourlyIfNeeded(ctx)
}

func (f *Feed) fetchHourlyIfNeeded(ctx context.Context) error {
	lastHourly, err := f.lastFetch(ctx, kvKeyLastHourlyFetch)
	if err != nil {
		return err
	}
	if !lastHourly.IsZero() && f.now().Sub(lastHourly) < time.Hour {
		return nil
	}
	return f.FetchHourly(ctx)
}

// FetchDaily pulls the full lists.
func (f *Feed) FetchDaily(ctx context.Context) error {
	if err := f.fetchAndStore(ctx, f.opts.DailyURLs); err != nil {
		return fmt.Errorf("fetch daily banlist: %w", err)
	}
	f.markFetched(ctx, kvKeyLastDailyFetch)
	f.markFetched(ctx, kvKeyLastHourlyFetch)
	return nil
}

// FetchHourly pulls the recent additions only.
func (f *Feed) FetchHourly(ctx context.Context) error {
	if f.opts.HourlyURL == "" {
		return nil
	}
	if err := f.fetchAndStore(ctx, []string{f.opts.HourlyURL}); err != nil {
		return fmt.Errorf("fetch hourly banlist: %w", err)
	}
	f.markFetched(ctx, kvKeyLastHourlyFetch)
	return nil
}

func (f *Feed) fetchAndStore(ctx context.Context, urls []string) error {
	results, err := fetchURLs(ctx, f.client, urls)
	if err != nil {
		return err
	}
	userIDs := make([]int64, 0, len(results))
	for userID := range results {
		userIDs = append(userIDs, userID)
	}
	if err := f.db.UpsertBanlist(ctx, userIDs); err != nil {
		return fmt.Errorf("upsert banlist: %w", err)
	}
	full, err := f.db.GetBanlist(ctx)
	if err != nil {
		return fmt.Errorf("get banlist: %w", err)
	}
	f.setKnownBanned(full)
	f.getLogEntry().WithField("fetched", len(results)).WithField("total", len(full)).Debug("banlist updated")
	return nil
}

func (f *Feed) IsKnownBanned(userID int64) bool {
	f.mapMutex.RLock()
	defer f.mapMutex.RUnlock()
	_, banned := f.knownBanned[userID]
	return banned
}

func (f *Feed) Len() int {
	f.mapMutex.RLock()
	defer f.mapMutex.RUnlock()
	return len(f.knownBanned)
}

// CheckUser asks the account API about a single user, used for newcomers missing from
// the mirrored lists.
func (f *Feed) CheckUser(ctx context.Context, userID int64) (bool, error) {
	if f.IsKnownBanned(userID) {
		return true, nil
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(f.opts.AccountURLTemplate, userID), nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return false, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	var info struct {
		OK     bool  `json:"ok"`
		UserID int64 `json:"user_id"`
		Banned bool  `json:"banned"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	if info.Banned {
		f.markKnownBanned(userID)
	}
	return info.Banned, nil
}

// Forgive drops an admin-unbanned user. A later feed refresh may list them again.
func (f *Feed) Forgive(ctx context.Context, userID int64) error {
	f.mapMutex.Lock()
	delete(f.knownBanned, userID)
	n := len(f.knownBanned)
	f.mapMutex.Unlock()
	observability.SetBanlistSize(n)

	if err := f.db.RemoveFromBanlist(ctx, []int64{userID}); err != nil {
		return fmt.Errorf("remove from banlist: %w", err)
	}
	return nil
}

func (f *Feed) setKnownBanned(banned map[int64]struct{}) {
	snapshot := make(map[int64]struct{}, len(banned))
	for userID := range banned {
		snapshot[userID] = struct{}{}
	}
	f.mapMutex.Lock()
	f.knownBanned = snapshot
	f.mapMutex.Unlock()
	observability.SetBanlistSize(len(snapshot))
}

func (f *Feed) markKnownBanned(userID int64) {
	f.mapMutex.Lock()
	f.knownBanned[userID] = struct{}{}
	n := len(f.knownBanned)
	f.mapMutex.Unlock()
	observability.SetBanlistSize(n)
}

func (f *Feed) lastFetch(ctx context.Context, key string) (time.Time, error) {
	val, err := f.db.GetKV(ctx, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("get %s: %w", key, err)
	}
	if val == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, val)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", key, err)
	}
	return t, nil
}

func (f *Feed) markFetched(ctx context.Context, key string) {
	if err := f.db.SetKV(ctx, key, f.now().Format(time.RFC3339)); err != nil {
		f.getLogEntry().WithField("error", err.Error()).WithField("key", key).Error("failed to store fetch time")
	}
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (f *Feed) getLogEntry() *log.Entry {
	return log.WithField("object", "BanlistFeed")
}
