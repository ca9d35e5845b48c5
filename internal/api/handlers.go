package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"merchlink/internal/adapter"
	"merchlink/internal/ingest"
	"merchlink/internal/model"
	"merchlink/internal/registry"
	"merchlink/internal/store"
	"merchlink/internal/tokens"
)

const maxWebhookBody = 1 << 20

// IntegrationsHandler covers /v1/integrations and everything below it:
//
//	GET    /v1/integrations                      list for the caller's seller
//	GET    /v1/integrations/{provider}           one integration
//	DELETE /v1/integrations/{provider}           disconnect
//	POST   /v1/integrations/{provider}/connect   store static credentials
//	POST   /v1/integrations/{sellerId}/{provider} inbound provider webhook
func (s *Server) IntegrationsHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/integrations"), "/")
	if rest == "" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.listIntegrations(w, r)
		return
	}
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.getIntegration(w, r, parts[0])
	case len(parts) == 1 && r.Method == http.MethodDelete:
		s.disconnectIntegration(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "connect" && r.Method == http.MethodPost:
		s.connectIntegration(w, r, parts[0])
	case len(parts) == 2 && r.Method == http.MethodPost:
		s.ingestWebhook(w, r, parts[0], parts[1])
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	}
}

// ingestWebhook is the inbound provider entry point. No JWT: providers cannot
// send one. The gateway's gates decide.
func (s *Server) ingestWebhook(w http.ResponseWriter, r *http.Request, sellerID, provider string) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Body read failed", err.Error(), r.URL.Path)
		return
	}
	sandbox := queryBool(r, "sandbox")
	sig := r.Header.Get("X-Webhook-Signature")
	res, err := s.Gateway.Ingest(r.Context(), provider, sellerID, sandbox, raw, sig)
	if err != nil {
		var rej *ingest.Rejection
		if errors.As(err, &rej) {
			writeProblem(w, rej.Status, "Webhook rejected", rej.Reason, r.URL.Path)
			return
		}
		writeProblem(w, http.StatusInternalServerError, "Ingest failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "eventId": res.EventID, "duplicate": res.Duplicate})
}

func (s *Server) listIntegrations(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	items, err := s.Store.ListSellerIntegrations(r.Context(), p.Seller)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List integrations failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) getIntegration(w http.ResponseWriter, r *http.Request, provider string) {
	p := s.getPrincipal(r)
	prov, err := s.resolveProvider(r, provider, queryBool(r, "sandbox"))
	if err != nil {
		writeProblem(w, http.StatusNotFound, "Unknown provider", provider, r.URL.Path)
		return
	}
	integ, err := s.Store.GetSellerIntegration(r.Context(), p.Seller, prov.Key(), prov.Sandbox || queryBool(r, "sandbox"))
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Integration not found", "", r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Get integration failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, integ)
}

func (s *Server) connectIntegration(w http.ResponseWriter, r *http.Request, provider string) {
	p := s.getPrincipal(r)
	var req model.ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	prov, err := s.resolveProvider(r, provider, req.Sandbox)
	if err != nil {
		writeProblem(w, http.StatusNotFound, "Unknown provider", provider, r.URL.Path)
		return
	}
	if err := validateConnect(prov, req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid connect request", err.Error(), r.URL.Path)
		return
	}
	// the webhook secret rides in with the credentials but is stored apart
	webhookSecret := req.Credentials["webhook_secret"]
	delete(req.Credentials, "webhook_secret")
	enc, err := s.Vault.EncryptAll(req.Credentials)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Credential encryption failed", err.Error(), r.URL.Path)
		return
	}
	encSecret := ""
	if webhookSecret != "" {
		if encSecret, err = s.Vault.Encrypt(webhookSecret); err != nil {
			writeProblem(w, http.StatusInternalServerError, "Credential encryption failed", err.Error(), r.URL.Path)
			return
		}
	}
	integ, err := s.Store.UpsertSellerIntegration(r.Context(), model.SellerIntegration{
		SellerID:       p.Seller,
		ProviderID:     prov.Key(),
		ProviderName:   prov.Name,
		Credentials:    enc,
		Status:         model.StatusConnected,
		Active:         true,
		Sandbox:        req.Sandbox,
		WebhookSecret:  encSecret,
		WebhookEnabled: true,
	})
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Connect failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusCreated, integ)
}

func (s *Server) disconnectIntegration(w http.ResponseWriter, r *http.Request, provider string) {
	p := s.getPrincipal(r)
	sandbox := queryBool(r, "sandbox")
	prov, err := s.resolveProvider(r, provider, sandbox)
	if err != nil {
		writeProblem(w, http.StatusNotFound, "Unknown provider", provider, r.URL.Path)
		return
	}
	integ, err := s.Store.GetSellerIntegration(r.Context(), p.Seller, prov.Key(), sandbox)
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Integration not found", "", r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Disconnect failed", err.Error(), r.URL.Path)
		return
	}
	if err := s.Store.UpdateIntegrationStatus(r.Context(), integ.ID, model.StatusDisconnected); err != nil {
		writeProblem(w, http.StatusInternalServerError, "Disconnect failed", err.Error(), r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// OAuthHandler covers /v1/oauth/{provider}/authorize and .../callback.
func (s *Server) OAuthHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/oauth"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	provider, action := parts[0], parts[1]
	switch {
	case action == "authorize" && r.Method == http.MethodGet:
		s.oauthAuthorize(w, r, provider)
	case action == "callback" && r.Method == http.MethodPost:
		s.oauthCallback(w, r, provider)
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	}
}

func (s *Server) oauthAuthorize(w http.ResponseWriter, r *http.Request, provider string) {
	sandbox := queryBool(r, "sandbox")
	prov, err := s.resolveProvider(r, provider, sandbox)
	if err != nil {
		writeProblem(w, http.StatusNotFound, "Unknown provider", provider, r.URL.Path)
		return
	}
	if !prov.OAuth.Enabled || prov.OAuth.AuthorizeURL == "" {
		writeProblem(w, http.StatusBadRequest, "OAuth not supported", prov.Name+" has no authorize endpoint", r.URL.Path)
		return
	}
	state := uuid.New().String()
	q := url.Values{
		"response_type": {"code"},
		"state":         {state},
	}
	if id := prov.Credentials["client_id"]; id != "" {
		q.Set("client_id", s.decryptOr(id))
	}
	if ru := r.URL.Query().Get("redirectUri"); ru != "" {
		q.Set("redirect_uri", ru)
	}
	if len(prov.OAuth.Scopes) > 0 {
		q.Set("scope", strings.Join(prov.OAuth.Scopes, " "))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"url":   prov.OAuth.AuthorizeURL + "?" + q.Encode(),
		"state": state,
	})
}

func (s *Server) oauthCallback(w http.ResponseWriter, r *http.Request, provider string) {
	p := s.getPrincipal(r)
	var req model.OAuthCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if req.Code == "" {
		writeProblem(w, http.StatusBadRequest, "Missing code", "", r.URL.Path)
		return
	}
	prov, err := s.resolveProvider(r, provider, req.Sandbox)
	if err != nil {
		writeProblem(w, http.StatusNotFound, "Unknown provider", provider, r.URL.Path)
		return
	}
	access, refresh, expiry, err := s.Tokens.Exchange(r.Context(), prov, req.Code, req.RedirectURI)
	if err != nil {
		var ae *tokens.AuthError
		if errors.As(err, &ae) {
			writeProblem(w, http.StatusBadGateway, "Code exchange rejected", ae.Reason, r.URL.Path)
			return
		}
		writeProblem(w, http.StatusInternalServerError, "Code exchange failed", err.Error(), r.URL.Path)
		return
	}
	integ, err := s.Store.UpsertSellerIntegration(r.Context(), model.SellerIntegration{
		SellerID:       p.Seller,
		ProviderID:     prov.Key(),
		ProviderName:   prov.Name,
		AccessToken:    access,
		RefreshToken:   refresh,
		TokenExpiry:    expiry,
		Status:         model.StatusConnected,
		Active:         true,
		Sandbox:        req.Sandbox,
		WebhookEnabled: true,
	})
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Connect failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusCreated, integ)
}

// ProvidersHandler handles GET /v1/providers (catalog listing) and
// POST /v1/providers (admin upsert into the store overlay).
func (s *Server) ProvidersHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	switch r.Method {
	case http.MethodGet:
		items := s.Registry.All()
		if stored, err := s.Store.ListProviders(r.Context()); err == nil {
			items = append(items, stored...)
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		if !p.IsAdmin() {
			writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
			return
		}
		var prov model.Provider
		if err := json.NewDecoder(r.Body).Decode(&prov); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if err := registry.Validate(prov); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid provider", err.Error(), r.URL.Path)
			return
		}
		if len(prov.Credentials) > 0 {
			enc, err := s.Vault.EncryptAll(prov.Credentials)
			if err != nil {
				writeProblem(w, http.StatusInternalServerError, "Credential encryption failed", err.Error(), r.URL.Path)
				return
			}
			prov.Credentials = enc
		}
		saved, err := s.Store.UpsertProvider(r.Context(), prov)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Save provider failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, saved)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// ProviderExecuteHandler handles POST /v1/providers/{name}/execute: one
// canonical adapter operation against the provider on behalf of the caller's
// seller.
func (s *Server) ProviderExecuteHandler(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/execute") || r.Method != http.MethodPost {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/providers/"), "/execute")
	p := s.getPrincipal(r)
	var req struct {
		Op      string            `json:"op"`
		Args    map[string]string `json:"args"`
		Payload map[string]any    `json:"payload"`
		Sandbox bool              `json:"sandbox"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	prov, err := s.resolveProvider(r, name, req.Sandbox)
	if err != nil {
		writeProblem(w, http.StatusNotFound, "Unknown provider", name, r.URL.Path)
		return
	}
	integ, err := s.Store.GetSellerIntegration(r.Context(), p.Seller, prov.Key(), req.Sandbox)
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusConflict, "Not connected", "connect the provider before executing operations", r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Execute failed", err.Error(), r.URL.Path)
		return
	}
	out, err := s.Adapter.Execute(r.Context(), req.Op, prov, &integ, req.Args, req.Payload)
	if err != nil {
		s.writeExecuteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": out})
}

func (s *Server) writeExecuteError(w http.ResponseWriter, r *http.Request, err error) {
	var ue *adapter.UpstreamError
	var ae *tokens.AuthError
	switch {
	case errors.Is(err, adapter.ErrUnsupported):
		writeProblem(w, http.StatusBadRequest, "Unsupported operation", err.Error(), r.URL.Path)
	case errors.As(err, &ae):
		writeProblem(w, http.StatusUnauthorized, "Provider auth failed", ae.Reason, r.URL.Path)
	case errors.As(err, &ue):
		writeProblem(w, http.StatusBadGateway, "Upstream error", err.Error(), r.URL.Path)
	default:
		writeProblem(w, http.StatusInternalServerError, "Execute failed", err.Error(), r.URL.Path)
	}
}

// resolveProvider checks the registry first and the store second, mirroring
// the ingest gateway.
func (s *Server) resolveProvider(r *http.Request, name string, sandbox bool) (model.Provider, error) {
	if p, err := s.Registry.Resolve(name, sandbox); err == nil {
		return p, nil
	}
	return s.Store.GetProviderByName(r.Context(), name, sandbox)
}

func (s *Server) decryptOr(raw string) string {
	if plain, err := s.Vault.Decrypt(raw); err == nil {
		return plain
	}
	return raw
}

// SubscriptionsHandler handles POST/GET /v1/subscriptions.
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	switch r.Method {
	case http.MethodPost:
		var req model.SubscriptionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		req.SellerID = p.Seller
		if err := validateSubscription(req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid subscription", err.Error(), r.URL.Path)
			return
		}
		sub, err := s.Store.CreateSubscription(r.Context(), req)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create subscription failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	case http.MethodGet:
		cursor := r.URL.Query().Get("cursor")
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			fmt.Sscanf(v, "%d", &limit)
		}
		items, next, err := s.Store.ListSubscriptions(r.Context(), p.Seller, cursor, limit)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List subscriptions failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// SubscriptionByIDHandler handles DELETE /v1/subscriptions/{id}.
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/v1/subscriptions/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
	if err := s.Store.DeleteSubscription(r.Context(), p.Seller, id); err != nil {
		writeProblem(w, http.StatusInternalServerError, "Delete subscription failed", err.Error(), r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	// Check DB connectivity when using the Postgres store
	type pinger interface {
		Ping(ctx context.Context) error
	}
	if pg, ok := s.Store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()
		if err := pg.Ping(ctx); err != nil {
			writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func queryBool(r *http.Request, key string) bool {
	v := strings.ToLower(r.URL.Query().Get(key))
	return v == "1" || v == "true"
}
