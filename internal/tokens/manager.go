package tokens

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"merchlink/internal/metrics"
	"merchlink/internal/model"
	"merchlink/internal/vault"
)

// expirySkew refreshes tokens slightly before their recorded expiry so an
// in-flight request never carries a token that dies mid-call.
const expirySkew = 30 * time.Second

// TokenStore is the slice of the store the manager needs.
type TokenStore interface {
	UpdateIntegrationTokens(ctx context.Context, id, accessToken, refreshToken string, expiry time.Time, status model.IntegrationStatus) error
	UpdateIntegrationStatus(ctx context.Context, id string, status model.IntegrationStatus) error
}

// AuthError marks a refresh or exchange rejected by the provider. The
// integration needs the seller to re-authorize; retrying will not help.
type AuthError struct {
	Provider string
	Reason   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("oauth %s: %s", e.Provider, e.Reason)
}

// Manager owns OAuth token lifecycle for seller integrations. Concurrent
// refreshes of the same integration collapse into one upstream call.
type Manager struct {
	Store TokenStore
	Vault *vault.Vault
	HTTP  *http.Client

	group singleflight.Group
}

func NewManager(st TokenStore, v *vault.Vault) *Manager {
	return &Manager{Store: st, Vault: v, HTTP: &http.Client{Timeout: 15 * time.Second}}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// EnsureValidToken returns a usable plaintext access token, refreshing it
// first when expired or about to expire.
func (m *Manager) EnsureValidToken(ctx context.Context, p model.Provider, integ *model.SellerIntegration) (string, error) {
	if integ == nil || integ.AccessToken == "" {
		return "", &AuthError{Provider: p.Name, Reason: "integration has no access token"}
	}
	if time.Until(integ.TokenExpiry) > expirySkew {
		return m.Vault.Decrypt(integ.AccessToken)
	}
	return m.ForceRefresh(ctx, p, integ)
}

// ForceRefresh exchanges the refresh token for a new access token regardless
// of recorded expiry. Single-flighted per integration; all concurrent callers
// receive the same new token. On upstream rejection the integration is moved
// to needs_reauth.
func (m *Manager) ForceRefresh(ctx context.Context, p model.Provider, integ *model.SellerIntegration) (string, error) {
	if integ == nil {
		return "", &AuthError{Provider: p.Name, Reason: "no integration"}
	}
	v, err, _ := m.group.Do(integ.ID, func() (any, error) {
		return m.refresh(ctx, p, integ)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) refresh(ctx context.Context, p model.Provider, integ *model.SellerIntegration) (string, error) {
	if integ.RefreshToken == "" {
		m.markReauth(ctx, integ)
		return "", &AuthError{Provider: p.Name, Reason: "no refresh token on file"}
	}
	refresh, err := m.Vault.Decrypt(integ.RefreshToken)
	if err != nil {
		return "", err
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh},
	}
	tr, err := m.tokenRequest(ctx, p, form)
	if err != nil {
		if _, isAuth := err.(*AuthError); isAuth {
			m.markReauth(ctx, integ)
			metrics.TokenRefreshes.WithLabelValues(p.Name, "rejected").Inc()
		} else {
			metrics.TokenRefreshes.WithLabelValues(p.Name, "error").Inc()
		}
		return "", err
	}
	if err := m.persist(ctx, integ, tr); err != nil {
		return "", err
	}
	metrics.TokenRefreshes.WithLabelValues(p.Name, "ok").Inc()
	return tr.AccessToken, nil
}

// Exchange trades an authorization code for the initial token pair and
// returns the encrypted values ready for storage.
func (m *Manager) Exchange(ctx context.Context, p model.Provider, code, redirectURI string) (access, refresh string, expiry time.Time, err error) {
	form := url.Values{
		"grant_type": {"authorization_code"},
		"code":       {code},
	}
	if redirectURI != "" {
		form.Set("redirect_uri", redirectURI)
	}
	tr, err := m.tokenRequest(ctx, p, form)
	if err != nil {
		return "", "", time.Time{}, err
	}
	access, err = m.Vault.Encrypt(tr.AccessToken)
	if err != nil {
		return "", "", time.Time{}, err
	}
	if tr.RefreshToken != "" {
		refresh, err = m.Vault.Encrypt(tr.RefreshToken)
		if err != nil {
			return "", "", time.Time{}, err
		}
	}
	return access, refresh, expiryFrom(tr), nil
}

func (m *Manager) tokenRequest(ctx context.Context, p model.Provider, form url.Values) (*tokenResponse, error) {
	if p.OAuth.TokenURL == "" {
		return nil, &AuthError{Provider: p.Name, Reason: "provider has no token endpoint"}
	}
	id, secret := m.clientCredentials(p)
	if id != "" {
		form.Set("client_id", id)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.OAuth.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if id != "" && secret != "" {
		req.SetBasicAuth(id, secret)
	}
	resp, err := m.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &AuthError{Provider: p.Name, Reason: fmt.Sprintf("token endpoint returned %d", resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("token endpoint %s: status %d", p.OAuth.TokenURL, resp.StatusCode)
	}
	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, &AuthError{Provider: p.Name, Reason: "token response has no access_token"}
	}
	return &tr, nil
}

// clientCredentials reads client_id/client_secret from the provider entry.
// Values written by the store are encrypted; registry files may carry
// plaintext dev credentials, so a failed decrypt falls back to the raw value.
func (m *Manager) clientCredentials(p model.Provider) (string, string) {
	return m.decryptOr(p.Credentials["client_id"]), m.decryptOr(p.Credentials["client_secret"])
}

func (m *Manager) decryptOr(raw string) string {
	if raw == "" {
		return ""
	}
	if plain, err := m.Vault.Decrypt(raw); err == nil {
		return plain
	}
	return raw
}

func (m *Manager) persist(ctx context.Context, integ *model.SellerIntegration, tr *tokenResponse) error {
	encAccess, err := m.Vault.Encrypt(tr.AccessToken)
	if err != nil {
		return err
	}
	encRefresh := ""
	if tr.RefreshToken != "" {
		encRefresh, err = m.Vault.Encrypt(tr.RefreshToken)
		if err != nil {
			return err
		}
	}
	expiry := expiryFrom(tr)
	if m.Store != nil {
		if err := m.Store.UpdateIntegrationTokens(ctx, integ.ID, encAccess, encRefresh, expiry, model.StatusConnected); err != nil {
			return err
		}
	}
	integ.AccessToken = encAccess
	if encRefresh != "" {
		integ.RefreshToken = encRefresh
	}
	integ.TokenExpiry = expiry
	integ.Status = model.StatusConnected
	return nil
}

// MarkReauth flags the integration as needing seller re-authorization. Used
// by callers that learn a token is dead from the provider itself, such as a
// 401 on a freshly refreshed token.
func (m *Manager) MarkReauth(ctx context.Context, integ *model.SellerIntegration) {
	if integ == nil {
		return
	}
	m.markReauth(ctx, integ)
}

func (m *Manager) markReauth(ctx context.Context, integ *model.SellerIntegration) {
	integ.Status = model.StatusNeedsReauth
	if m.Store != nil {
		_ = m.Store.UpdateIntegrationStatus(ctx, integ.ID, model.StatusNeedsReauth)
	}
}

func expiryFrom(tr *tokenResponse) time.Time {
	if tr.ExpiresIn <= 0 {
		return time.Now().Add(time.Hour)
	}
	return time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
}
