package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"merchlink/internal/metrics"
	"merchlink/internal/model"
	"merchlink/internal/tokens"
	"merchlink/internal/vault"
)

// TokenSource supplies OAuth access tokens for integrations. Implemented by
// the token manager; narrowed to an interface here so tests can stub it.
type TokenSource interface {
	EnsureValidToken(ctx context.Context, p model.Provider, integ *model.SellerIntegration) (string, error)
	ForceRefresh(ctx context.Context, p model.Provider, integ *model.SellerIntegration) (string, error)
	MarkReauth(ctx context.Context, integ *model.SellerIntegration)
}

// Adapter executes canonical operations against provider APIs using only the
// declarative configuration in the registry entry. There is no per-provider
// code path.
type Adapter struct {
	HTTP    *http.Client
	Tokens  TokenSource
	Limiter *Limiter
	Vault   *vault.Vault
}

func New(tokens TokenSource, v *vault.Vault) *Adapter {
	return &Adapter{
		HTTP:    &http.Client{Timeout: 15 * time.Second},
		Tokens:  tokens,
		Limiter: NewLimiter(),
		Vault:   v,
	}
}

var opMethods = map[string]string{
	model.OpGetProduct:        http.MethodGet,
	model.OpCreateProduct:     http.MethodPost,
	model.OpGetInventory:      http.MethodGet,
	model.OpCreateShipment:    http.MethodPost,
	model.OpGetShipmentStatus: http.MethodGet,
}

// ErrUnsupported reports an operation the provider entry does not declare.
var ErrUnsupported = errors.New("operation not supported by provider")

// Execute runs one canonical operation. Path parameters come from args, the
// request body (POST operations) from body. The response is decoded and
// passed through the provider's field mapping before return.
func (a *Adapter) Execute(ctx context.Context, op string, p model.Provider, integ *model.SellerIntegration, args map[string]string, body map[string]any) (map[string]any, error) {
	method, ok := opMethods[op]
	if !ok {
		return nil, fmt.Errorf("unknown operation %q", op)
	}
	if !supports(p, op) {
		return nil, fmt.Errorf("%w: %s does not declare %s", ErrUnsupported, p.Name, op)
	}
	tmpl, ok := p.Settings.Endpoints[op]
	if !ok {
		return nil, fmt.Errorf("%w: no endpoint template for %s", ErrUnsupported, op)
	}
	url := baseURL(p) + substitute(tmpl, args)

	var payload []byte
	if method == http.MethodPost && body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = b
	}

	if err := a.Limiter.Wait(ctx, p); err != nil {
		return nil, err
	}

	var upstream map[string]any
	err := withRetry(ctx, p.Settings.Retry, func() error {
		resp, err := a.do(ctx, method, url, payload, p, integ, false)
		if err != nil {
			return err
		}
		upstream = resp
		return nil
	})
	if err != nil {
		metrics.AdapterCalls.WithLabelValues(p.Name, op, "error").Inc()
		return nil, err
	}
	metrics.AdapterCalls.WithLabelValues(p.Name, op, "ok").Inc()
	return ApplyMapping(p.Settings.ResponseMapping, upstream), nil
}

// do performs a single call. A 401 from an OAuth provider triggers exactly
// one forced refresh and retry; a second 401 means the provider rejects even
// a fresh token, so the integration is flagged for re-authorization and the
// caller gets an AuthError rather than a retryable upstream error.
func (a *Adapter) do(ctx context.Context, method, url string, payload []byte, p model.Provider, integ *model.SellerIntegration, refreshed bool) (map[string]any, error) {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if err := a.authorize(ctx, req, p, integ); err != nil {
		return nil, err
	}

	resp, err := a.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && p.Settings.AuthType == model.AuthOAuth && a.Tokens != nil {
		if !refreshed {
			if _, err := a.Tokens.ForceRefresh(ctx, p, integ); err != nil {
				return nil, err
			}
			return a.do(ctx, method, url, payload, p, integ, true)
		}
		a.Tokens.MarkReauth(ctx, integ)
		return nil, &tokens.AuthError{Provider: p.Name, Reason: "provider rejected a freshly refreshed token"}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{Status: resp.StatusCode, Body: string(raw)}
	}

	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode upstream response: %w", err)
		}
	}
	return out, nil
}

func (a *Adapter) authorize(ctx context.Context, req *http.Request, p model.Provider, integ *model.SellerIntegration) error {
	switch p.Settings.AuthType {
	case model.AuthOAuth:
		tok, err := a.Tokens.EnsureValidToken(ctx, p, integ)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	case model.AuthBearer:
		tok, err := a.credential(integ, "token")
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	case model.AuthBasic:
		user, err := a.credential(integ, "username")
		if err != nil {
			return err
		}
		pass, err := a.credential(integ, "password")
		if err != nil {
			return err
		}
		req.SetBasicAuth(user, pass)
	case model.AuthAPIKey:
		key, err := a.credential(integ, "api_key")
		if err != nil {
			return err
		}
		header := p.Settings.APIKeyHeader
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, key)
	case "":
		// provider declares no auth
	default:
		return fmt.Errorf("unknown auth type %q", p.Settings.AuthType)
	}
	return nil
}

func (a *Adapter) credential(integ *model.SellerIntegration, name string) (string, error) {
	if integ == nil {
		return "", fmt.Errorf("no integration credentials available")
	}
	enc, ok := integ.Credentials[name]
	if !ok || enc == "" {
		return "", fmt.Errorf("integration is missing credential %q", name)
	}
	return a.Vault.Decrypt(enc)
}

func supports(p model.Provider, op string) bool {
	for _, s := range p.Supports {
		if s == op {
			return true
		}
	}
	return false
}

func baseURL(p model.Provider) string {
	if p.Sandbox && p.Settings.SandboxBaseURL != "" {
		return strings.TrimSuffix(p.Settings.SandboxBaseURL, "/")
	}
	return strings.TrimSuffix(p.Settings.BaseURL, "/")
}

// substitute replaces :param segments in an endpoint template with values
// from args. Unmatched params are left in place so the upstream 404 names
// the missing piece.
func substitute(tmpl string, args map[string]string) string {
	parts := strings.Split(tmpl, "/")
	for i, seg := range parts {
		if strings.HasPrefix(seg, ":") {
			if v, ok := args[seg[1:]]; ok {
				parts[i] = v
			}
		}
	}
	return strings.Join(parts, "/")
}
