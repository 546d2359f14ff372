package tokenmanager

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kandev/agentd/internal/common/config"
	"github.com/kandev/agentd/internal/common/logger"
	"github.com/kandev/agentd/internal/task"
)

type fakeStore struct {
	mu  sync.Mutex
	tok *task.OAuthToken
}

func (f *fakeStore) GetOAuthToken(ctx context.Context) (*task.OAuthToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tok, nil
}

func (f *fakeStore) SaveOAuthToken(ctx context.Context, tok *task.OAuthToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tok = tok
	return nil
}

func testLogger() *logger.Logger {
	l, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		panic(err)
	}
	return l
}

func TestGetAccessTokenNoTokenConfigured(t *testing.T) {
	m := New(&fakeStore{}, config.OAuthConfig{RefreshBufferSecs: 300}, testLogger())
	_, err := m.GetAccessToken(context.Background())
	if err == nil {
		t.Fatal("expected no_token_configured error")
	}
}

func TestGetAccessTokenValidNoRefresh(t *testing.T) {
	store := &fakeStore{tok: &task.OAuthToken{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: time.Now().Add(time.Hour)}}
	m := New(store, config.OAuthConfig{RefreshBufferSecs: 300}, testLogger())
	_ = m.Load(context.Background())

	got, err := m.GetAccessToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "a1" {
		t.Errorf("expected a1, got %s", got)
	}
}

func TestGetAccessTokenRefreshesWhenNearExpiry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(refreshResponse{AccessToken: "a2", RefreshToken: "r2", ExpiresIn: 3600})
	}))
	defer srv.Close()

	store := &fakeStore{tok: &task.OAuthToken{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: time.Now().Add(10 * time.Second)}}
	cfg := config.OAuthConfig{TokenURL: srv.URL, ClientID: "client", RefreshBufferSecs: 300}
	m := New(store, cfg, testLogger())
	_ = m.Load(context.Background())

	got, err := m.GetAccessToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "a2" {
		t.Errorf("expected refreshed token a2, got %s", got)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected exactly one refresh call, got %d", calls)
	}

	store.mu.Lock()
	persisted := store.tok
	store.mu.Unlock()
	if persisted.RefreshToken != "r2" {
		t.Errorf("expected rotated refresh token persisted, got %s", persisted.RefreshToken)
	}
}

func TestConcurrentGetAccessTokenSharesOneRefresh(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		json.NewEncoder(w).Encode(refreshResponse{AccessToken: "a2", ExpiresIn: 3600})
	}))
	defer srv.Close()

	store := &fakeStore{tok: &task.OAuthToken{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: time.Now().Add(1 * time.Second)}}
	cfg := config.OAuthConfig{TokenURL: srv.URL, ClientID: "client", RefreshBufferSecs: 300}
	m := New(store, cfg, testLogger())
	_ = m.Load(context.Background())

	var wg sync.WaitGroup
	results := make([]string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			got, err := m.GetAccessToken(context.Background())
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			results[idx] = got
		}(i)
	}
	wg.Wait()

	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected exactly one refresh call for concurrent callers, got %d", calls)
	}
	for _, r := range results {
		if r != "a2" {
			t.Errorf("expected all callers to see the refreshed token, got %s", r)
		}
	}
}

func TestRefreshFailedKeepsOldToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	store := &fakeStore{tok: &task.OAuthToken{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: time.Now().Add(-time.Second)}}
	cfg := config.OAuthConfig{TokenURL: srv.URL, ClientID: "client", RefreshBufferSecs: 300}
	m := New(store, cfg, testLogger())
	_ = m.Load(context.Background())

	got, err := m.GetAccessToken(context.Background())
	if err == nil {
		t.Fatal("expected refresh_failed error")
	}
	if got != "a1" {
		t.Errorf("expected old access token returned alongside error, got %s", got)
	}
}

func TestSeed(t *testing.T) {
	store := &fakeStore{}
	m := New(store, config.OAuthConfig{RefreshBufferSecs: 300}, testLogger())
	err := m.Seed(context.Background(), "a1", "r1", time.Now().Add(time.Hour), []string{"scope"}, "pro")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := m.GetAccessToken(context.Background())
	if err != nil || got != "a1" {
		t.Fatalf("expected seeded token a1, got %s err %v", got, err)
	}
}
