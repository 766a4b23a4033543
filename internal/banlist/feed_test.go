package banlist

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type memStore struct {
	mu      sync.Mutex
	kv      map[string]string
	banlist map[int64]struct{}
}

func newMemStore() *memStore {
	return &memStore{kv: map[string]string{}, banlist: map[int64]struct{}{}}
}

func (m *memStore) GetKV(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kv[key], nil
}

func (m *memStore) SetKV(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = value
	return nil
}

func (m *memStore) UpsertBanlist(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.banlist[id] = struct{}{}
	}
	return nil
}

func (m *memStore) GetBanlist(context.Context) (map[int64]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make(map[int64]struct{}, len(m.banlist))
	for id := range m.banlist {
		res[id] = struct{}{}
	}
	return res, nil
}

func (m *memStore) RemoveFromBanlist(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.banlist, id)
	}
	return nil
}

func newServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/daily.txt", func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, "# header\n101\n102\n\n")
	})
	mux.HandleFunc("/hourly.txt", func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, "103\n")
	})
	var flaky atomic.Int32
	mux.HandleFunc("/flaky.txt", func(w http.ResponseWriter, _ *http.Request) {
		if flaky.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, "104\n")
	})
	mux.HandleFunc("/account", func(w http.ResponseWriter, r *http.Request) {
		banned := r.URL.Query().Get("id") == "555"
		fmt.Fprintf(w, `{"ok":true,"user_id":%s,"banned":%v}`, r.URL.Query().Get("id"), banned)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchDailyAndHourly(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := newServer(t, &hits)
	store := newMemStore()
	f := NewFeed(store, Options{
		DailyURLs: []string{srv.URL + "/daily.txt"},
		HourlyURL: srv.URL + "/hourly.txt",
	})
	ctx := context.Background()

	if err := f.FetchDaily(ctx); err != nil {
		t.Fatalf("daily: %v", err)
	}
	if !f.IsKnownBanned(101) || !f.IsKnownBanned(102) || f.IsKnownBanned(103) {
		t.Fatalf("unexpected banlist after daily fetch")
	}
	if err := f.FetchHourly(ctx); err != nil {
		t.Fatalf("hourly: %v", err)
	}
	if !f.IsKnownBanned(103) || f.Len() != 3 {
		t.Fatalf("hourly additions missing, len %d", f.Len())
	}
	if store.kv[kvKeyLastDailyFetch] == "" || store.kv[kvKeyLastHourlyFetch] == "" {
		t.Fatalf("fetch times not stored: %v", store.kv)
	}

	// fresh timestamps: bootstrap must not hit the network
	before := hits.Load()
	if err := f.bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if hits.Load() != before {
		t.Fatalf("bootstrap refetched fresh lists")
	}

	f.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if err := f.refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if hits.Load() != before+1 {
		t.Fatalf("stale hourly list not refetched")
	}
}

func TestFetchRetries(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := newServer(t, &hits)
	f := NewFeed(newMemStore(), Options{DailyURLs: []string{srv.URL + "/flaky.txt"}})
	if err := f.FetchDaily(context.Background()); err != nil {
		t.Fatalf("daily with retry: %v", err)
	}
	if !f.IsKnownBanned(104) {
		t.Fatalf("retried list not applied")
	}
}

func TestLoadAndCheckUser(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := newServer(t, &hits)
	store := newMemStore()
	store.banlist[7] = struct{}{}
	f := NewFeed(store, Options{AccountURLTemplate: srv.URL + "/account?id=%d"})
	ctx := context.Background()

	if err := f.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !f.IsKnownBanned(7) {
		t.Fatalf("stored banlist not loaded")
	}
	tests := []struct {
		userID int64
		want   bool
	}{
		{7, true},
		{555, true},
		{556, false},
	}
	for _, tt := range tests {
		got, err := f.CheckUser(ctx, tt.userID)
		if err != nil || got != tt.want {
			t.Fatalf("CheckUser(%d) = %v, %v", tt.userID, got, err)
		}
	}
	if !f.IsKnownBanned(555) {
		t.Fatalf("api verdict not cached")
	}

	if err := f.Forgive(ctx, 7); err != nil {
		t.Fatalf("forgive: %v", err)
	}
	if f.IsKnownBanned(7) {
		t.Fatalf("forgiven user still banned")
	}
	if _, ok := store.banlist[7]; ok {
		t.Fatalf("forgiven user kept in store")
	}
}

func TestParseIDs(t *testing.T) {
	t.Parallel()

	if _, err := parseIDs(strings.NewReader("1\nnot-a-number\n")); err == nil {
		t.Fatalf("expected parse error")
	}
	ids, err := parseIDs(strings.NewReader(" 5 \n#c\n6"))
	if err != nil || len(ids) != 2 {
		t.Fatalf("parseIDs = %v, %v", ids, err)
	}
}

func TestKnownBannedConcurrentAccess(t *testing.T) {
	t.Parallel()

	f := NewFeed(newMemStore(), Options{})
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(2)
		go func(offset int64) {
			defer wg.Done()
			for i := int64(0); i < 500; i++ {
				f.markKnownBanned(offset*500 + i)
			}
		}(int64(w))
		go func(offset int64) {
			defer wg.Done()
			for i := int64(0); i < 500; i++ {
				_ = f.IsKnownBanned(offset*500 + i)
			}
		}(int64(w))
	}
	wg.Wait()
	if f.Len() != 4000 {
		t.Fatalf("expected 4000 ids, got %d", f.Len())
	}
}
