// Package tokenmanager owns the singleton OAuth access/refresh state used
// to authenticate the agent process running inside a sandbox.
package tokenmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kandev/agentd/internal/apperr"
	"github.com/kandev/agentd/internal/common/config"
	"github.com/kandev/agentd/internal/common/logger"
	"github.com/kandev/agentd/internal/task"
)

// Store is the persistence contract the Token Manager needs from the
// Conversation Store: a single upsertable OAuth token row.
type Store interface {
	GetOAuthToken(ctx context.Context) (*task.OAuthToken, error)
	SaveOAuthToken(ctx context.Context, tok *task.OAuthToken) error
}

// Manager is the singleton holder of live OAuth state. At most one refresh
// is ever in flight, enforced by a singleflight.Group keyed on a constant
// key (there is exactly one token).
type Manager struct {
	mu      sync.RWMutex
	current *task.OAuthToken

	store  Store
	client *http.Client
	cfg    config.OAuthConfig
	logger *logger.Logger
	sf     singleflight.Group
}

const refreshKey = "refresh"

// New constructs a Manager. It does not load any persisted token; call
// Load or Seed before the first GetAccessToken call.
func New(store Store, cfg config.OAuthConfig, log *logger.Logger) *Manager {
	return &Manager{
		store:  store,
		client: &http.Client{Timeout: 30 * time.Second},
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "token-manager")),
	}
}

// Load reads the persisted token (if any) into memory. Safe to call once
// at startup; a missing row is not an error.
func (m *Manager) Load(ctx context.Context) error {
	tok, err := m.store.GetOAuthToken(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.current = tok
	m.mu.Unlock()
	return nil
}

// Seed upserts the singleton token, e.g. from an operator-supplied
// AGENT_OAUTH_TOKEN fallback or an out-of-band provisioning step.
func (m *Manager) Seed(ctx context.Context, access, refresh string, expiresAt time.Time, scopes []string, tier string) error {
	tok := &task.OAuthToken{
		AccessToken:      access,
		RefreshToken:     refresh,
		ExpiresAt:        expiresAt,
		Scopes:           scopes,
		SubscriptionTier: tier,
	}
	if err := m.store.SaveOAuthToken(ctx, tok); err != nil {
		return err
	}
	m.mu.Lock()
	m.current = tok
	m.mu.Unlock()
	return nil
}

// GetAccessToken returns a currently-valid access token, refreshing
// synchronously if expired or within the configured refresh buffer.
func (m *Manager) GetAccessToken(ctx context.Context) (string, error) {
	m.mu.RLock()
	tok := m.current
	m.mu.RUnlock()

	if tok == nil {
		return "", apperr.NoTokenConfigured()
	}

	if time.Until(tok.ExpiresAt) > m.cfg.RefreshBuffer() {
		return tok.AccessToken, nil
	}

	return m.doRefresh(ctx)
}

// ForceRefresh unconditionally refreshes the token, sharing an in-flight
// refresh with any concurrent GetAccessToken caller.
func (m *Manager) ForceRefresh(ctx context.Context) error {
	_, err := m.doRefresh(ctx)
	return err
}

// doRefresh serializes refreshes through a singleflight group keyed on a
// constant key: there is exactly one token, so exactly one refresh may be
// in flight regardless of how many callers ask for it concurrently.
func (m *Manager) doRefresh(ctx context.Context) (string, error) {
	v, err, _ := m.sf.Do(refreshKey, func() (interface{}, error) {
		return m.refreshLocked(ctx)
	})
	if err != nil {
		// refreshLocked returns the old access token alongside its error.
		old, _ := v.(string)
		return old, err
	}
	return v.(string), nil
}

type refreshRequest struct {
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type,omitempty"`
}

func (m *Manager) refreshLocked(ctx context.Context) (string, error) {
	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()

	if cur == nil {
		return "", apperr.NoTokenConfigured()
	}

	body, err := json.Marshal(refreshRequest{
		GrantType:    "refresh_token",
		RefreshToken: cur.RefreshToken,
		ClientID:     m.cfg.ClientID,
	})
	if err != nil {
		return "", apperr.Wrap(apperr.KindRefreshFailed, "failed to marshal refresh request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.TokenURL, bytes.NewReader(body))
	if err != nil {
		return "", apperr.RefreshFailed(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return cur.AccessToken, apperr.RefreshFailed(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return cur.AccessToken, apperr.RefreshFailed(fmt.Errorf("refresh endpoint returned %d", resp.StatusCode))
	}

	var parsed refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return cur.AccessToken, apperr.InvalidRefreshResponse(err)
	}
	if parsed.AccessToken == "" {
		return cur.AccessToken, apperr.InvalidRefreshResponse(fmt.Errorf("empty access_token in refresh response"))
	}

	newRefresh := cur.RefreshToken
	if parsed.RefreshToken != "" {
		newRefresh = parsed.RefreshToken
	}

	next := &task.OAuthToken{
		UserID:           cur.UserID,
		AccessToken:      parsed.AccessToken,
		RefreshToken:     newRefresh,
		ExpiresAt:        time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second),
		Scopes:           cur.Scopes,
		SubscriptionTier: cur.SubscriptionTier,
	}

	if err := m.store.SaveOAuthToken(ctx, next); err != nil {
		m.logger.Warn("failed to persist refreshed oauth token, continuing with in-memory token", zap.Error(err))
	}

	m.mu.Lock()
	m.current = next
	m.mu.Unlock()

	return next.AccessToken, nil
}
