package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Admin: webhook deliveries list and retry

func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/webhook-deliveries" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	status := r.URL.Query().Get("status")
	cursor := r.URL.Query().Get("cursor")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	items, next, err := s.Store.ListWebhookDeliveries(r.Context(), p.Seller, status, cursor, limit)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List deliveries failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

func (s *Server) WebhookDeliveryRetryHandler(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/") || !strings.HasSuffix(r.URL.Path, "/retry") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return
	}
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/"), "/retry")
	if err := s.Store.RetryWebhookDelivery(r.Context(), p.Seller, id); err != nil {
		writeProblem(w, http.StatusInternalServerError, "Retry delivery failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": 1})
}

// Admin: webhook delivery metrics

func (s *Server) WebhookMetricsHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/webhook-metrics" || r.Method != http.MethodGet {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return
	}
	sinceHours := 24
	if v := r.URL.Query().Get("sinceHours"); v != "" {
		fmt.Sscanf(v, "%d", &sinceHours)
	}
	eventType := r.URL.Query().Get("eventType")
	status := r.URL.Query().Get("status")
	codeMin, codeMax := 0, 0
	if v := r.URL.Query().Get("responseCodeMin"); v != "" {
		fmt.Sscanf(v, "%d", &codeMin)
	}
	if v := r.URL.Query().Get("responseCodeMax"); v != "" {
		fmt.Sscanf(v, "%d", &codeMax)
	}
	// codeClass shorthand
	if v := r.URL.Query().Get("codeClass"); v != "" && codeMin == 0 && codeMax == 0 {
		switch v {
		case "2xx":
			codeMin, codeMax = 200, 299
		case "3xx":
			codeMin, codeMax = 300, 399
		case "4xx":
			codeMin, codeMax = 400, 499
		case "5xx":
			codeMin, codeMax = 500, 599
		}
	}
	var buckets []int
	if v := r.URL.Query().Get("latencyBuckets"); v != "" {
		for _, part := range strings.Split(v, ",") {
			if n, err := strconv.Atoi(strings.TrimSpace(part)); err == nil && n > 0 {
				buckets = append(buckets, n)
			}
		}
	}
	since := time.Now().Add(-time.Duration(sinceHours) * time.Hour)
	items, err := s.Store.WebhookMetrics(r.Context(), p.Seller, since, eventType, status, codeMin, codeMax, buckets)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Metrics failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// Admin: webhook DLQ list and requeue

func (s *Server) WebhookDLQHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return
	}
	if r.URL.Path == "/v1/admin/webhook-dlq" && r.Method == http.MethodGet {
		cursor := r.URL.Query().Get("cursor")
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			fmt.Sscanf(v, "%d", &limit)
		}
		eventType := r.URL.Query().Get("eventType")
		olderThanHours := 0
		if v := r.URL.Query().Get("olderThanHours"); v != "" {
			fmt.Sscanf(v, "%d", &olderThanHours)
		}
		var older time.Time
		if olderThanHours > 0 {
			older = time.Now().Add(-time.Duration(olderThanHours) * time.Hour)
		}
		items, next, err := s.Store.ListWebhookDLQ(r.Context(), p.Seller, eventType, older, cursor, limit)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List DLQ failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
		return
	}
	if r.URL.Path == "/v1/admin/webhook-dlq" && r.Method == http.MethodPost {
		var req struct {
			IDs []string `json:"ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if len(req.IDs) == 0 {
			writeProblem(w, http.StatusBadRequest, "Missing ids", "", r.URL.Path)
			return
		}
		if err := s.Store.RequeueWebhookDLQBulk(r.Context(), p.Seller, req.IDs); err != nil {
			writeProblem(w, http.StatusInternalServerError, "Bulk requeue failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(req.IDs)})
		return
	}
	if strings.HasPrefix(r.URL.Path, "/v1/admin/webhook-dlq/") && strings.HasSuffix(r.URL.Path, "/requeue") && r.Method == http.MethodPost {
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/admin/webhook-dlq/"), "/requeue")
		if err := s.Store.RequeueWebhookDLQ(r.Context(), p.Seller, id); err != nil {
			writeProblem(w, http.StatusInternalServerError, "Requeue failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]int{"accepted": 1})
		return
	}
	writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
}

// Admin: business handler failures (events acked but not applied)

func (s *Server) HandlerFailuresHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/handler-failures" || r.Method != http.MethodGet {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return
	}
	sellerID := r.URL.Query().Get("sellerId")
	if sellerID == "" {
		sellerID = p.Seller
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	items, err := s.Store.ListHandlerFailures(r.Context(), sellerID, limit)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List handler failures failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// Admin: reload the provider catalog from disk

func (s *Server) ProvidersReloadHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/providers/reload" || r.Method != http.MethodPost {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return
	}
	if err := s.Registry.Reload(); err != nil {
		writeProblem(w, http.StatusUnprocessableEntity, "Reload failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "reloaded", "providers": len(s.Registry.All())})
}
