// Package api implements HTTP handlers and helpers for the merchlink service.
package api

import (
	"net/http"
	"strings"
)

type Principal struct {
	Seller string
	Role   string // admin, seller
}

// getPrincipal extracts seller and role from JWT or headers.
// - If Authorization: Bearer is present, uses configured verifier (dev/hmac/jwks).
// - Else falls back to headers for dev.
func (s *Server) getPrincipal(r *http.Request) Principal {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") && s.Auth != nil {
		tok := strings.TrimSpace(authz[len("Bearer "):])
		if pr, err := s.Auth.Verify(tok); err == nil {
			return Principal{Seller: pr.Seller, Role: pr.Role}
		}
	}
	seller := r.Header.Get("X-Seller-Id")
	role := r.Header.Get("X-Role")
	if seller == "" {
		seller = "s_demo"
	}
	if role == "" {
		role = "admin"
	}
	return Principal{Seller: seller, Role: role}
}

// IsAdmin reports whether the principal has the admin role.
func (p Principal) IsAdmin() bool { return p.Role == "admin" }
