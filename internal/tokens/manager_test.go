package tokens

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"merchlink/internal/model"
	"merchlink/internal/vault"
)

type fakeTokenStore struct {
	mu           sync.Mutex
	tokenUpdates int
	lastStatus   model.IntegrationStatus
}

func (f *fakeTokenStore) UpdateIntegrationTokens(ctx context.Context, id, access, refresh string, expiry time.Time, status model.IntegrationStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenUpdates++
	f.lastStatus = status
	return nil
}

func (f *fakeTokenStore) UpdateIntegrationStatus(ctx context.Context, id string, status model.IntegrationStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastStatus = status
	return nil
}

func testManager(t *testing.T) (*Manager, *fakeTokenStore, *vault.Vault) {
	t.Helper()
	v, err := vault.New([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	st := &fakeTokenStore{}
	return NewManager(st, v), st, v
}

func oauthProvider(tokenURL string) model.Provider {
	return model.Provider{
		Name: "squarepay", Type: model.ProviderPayment,
		OAuth: model.OAuthConfig{Enabled: true, TokenURL: tokenURL},
		Credentials: map[string]string{
			"client_id":     "cid",
			"client_secret": "csecret",
		},
	}
}

func TestEnsureValidTokenSkipsRefreshWhenFresh(t *testing.T) {
	m, st, v := testManager(t)
	enc, _ := v.Encrypt("live-token")
	integ := &model.SellerIntegration{ID: "i1", AccessToken: enc, TokenExpiry: time.Now().Add(time.Hour)}

	got, err := m.EnsureValidToken(context.Background(), oauthProvider("http://unused.test"), integ)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if got != "live-token" {
		t.Fatalf("token: got %q", got)
	}
	if st.tokenUpdates != 0 {
		t.Fatal("unexpected refresh")
	}
}

func TestEnsureValidTokenRefreshesExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "rt-1" {
			t.Errorf("bad form: %v", r.Form)
		}
		if u, p, _ := r.BasicAuth(); u != "cid" || p != "csecret" {
			t.Errorf("bad client auth: %s/%s", u, p)
		}
		w.Write([]byte(`{"access_token":"at-2","refresh_token":"rt-2","expires_in":3600}`))
	}))
	defer srv.Close()

	m, st, v := testManager(t)
	m.HTTP = srv.Client()
	encA, _ := v.Encrypt("at-1")
	encR, _ := v.Encrypt("rt-1")
	integ := &model.SellerIntegration{ID: "i1", AccessToken: encA, RefreshToken: encR, TokenExpiry: time.Now().Add(-time.Minute)}

	got, err := m.EnsureValidToken(context.Background(), oauthProvider(srv.URL), integ)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if got != "at-2" {
		t.Fatalf("token: got %q", got)
	}
	if st.tokenUpdates != 1 || st.lastStatus != model.StatusConnected {
		t.Fatalf("store: updates=%d status=%s", st.tokenUpdates, st.lastStatus)
	}
	if plain, _ := v.Decrypt(integ.AccessToken); plain != "at-2" {
		t.Fatalf("integration not updated in place: %q", plain)
	}
	if integ.TokenExpiry.Before(time.Now().Add(50 * time.Minute)) {
		t.Fatalf("expiry not advanced: %v", integ.TokenExpiry)
	}
}

func TestForceRefreshSingleFlight(t *testing.T) {
	var upstream int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&upstream, 1)
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte(`{"access_token":"at-new","expires_in":3600}`))
	}))
	defer srv.Close()

	m, _, v := testManager(t)
	m.HTTP = srv.Client()
	encR, _ := v.Encrypt("rt-1")
	integ := &model.SellerIntegration{ID: "i1", RefreshToken: encR}
	p := oauthProvider(srv.URL)

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.ForceRefresh(context.Background(), p, integ)
			if err != nil {
				t.Errorf("refresh %d: %v", i, err)
			}
			results[i] = tok
		}(i)
	}
	wg.Wait()

	if n := atomic.LoadInt32(&upstream); n != 1 {
		t.Fatalf("upstream refresh calls: got %d, want 1", n)
	}
	for i, tok := range results {
		if tok != "at-new" {
			t.Fatalf("caller %d got %q", i, tok)
		}
	}
}

func TestRefreshRejectionMarksNeedsReauth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	m, st, v := testManager(t)
	m.HTTP = srv.Client()
	encR, _ := v.Encrypt("rt-revoked")
	integ := &model.SellerIntegration{ID: "i1", RefreshToken: encR}

	_, err := m.ForceRefresh(context.Background(), oauthProvider(srv.URL), integ)
	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if st.lastStatus != model.StatusNeedsReauth {
		t.Fatalf("status: got %s", st.lastStatus)
	}
	if integ.Status != model.StatusNeedsReauth {
		t.Fatalf("integration status: got %s", integ.Status)
	}
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	m, st, _ := testManager(t)
	integ := &model.SellerIntegration{ID: "i1"}
	_, err := m.ForceRefresh(context.Background(), oauthProvider("http://unused.test"), integ)
	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if st.lastStatus != model.StatusNeedsReauth {
		t.Fatalf("status: got %s", st.lastStatus)
	}
}

func TestExchangeReturnsEncryptedTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if r.Form.Get("grant_type") != "authorization_code" || r.Form.Get("code") != "abc" {
			t.Errorf("bad form: %v", r.Form)
		}
		if r.Form.Get("redirect_uri") != "https://app.test/cb" {
			t.Errorf("redirect_uri: %q", r.Form.Get("redirect_uri"))
		}
		w.Write([]byte(`{"access_token":"at-0","refresh_token":"rt-0","expires_in":7200}`))
	}))
	defer srv.Close()

	m, _, v := testManager(t)
	m.HTTP = srv.Client()

	access, refresh, expiry, err := m.Exchange(context.Background(), oauthProvider(srv.URL), "abc", "https://app.test/cb")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if plain, _ := v.Decrypt(access); plain != "at-0" {
		t.Fatalf("access: %q", plain)
	}
	if plain, _ := v.Decrypt(refresh); plain != "rt-0" {
		t.Fatalf("refresh: %q", plain)
	}
	if expiry.Before(time.Now().Add(time.Hour)) {
		t.Fatalf("expiry: %v", expiry)
	}
}
