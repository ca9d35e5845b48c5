package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"merchlink/internal/model"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// MigrateDir applies *.sql files from dir in lexical order (dev helper; a
// real rollout would use a migration tool).
func (p *Postgres) MigrateDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	names := []string{}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, n := range names {
		b, err := os.ReadFile(filepath.Join(dir, n))
		if err != nil {
			return err
		}
		if _, err := p.db.Exec(string(b)); err != nil {
			return fmt.Errorf("migrate %s: %w", n, err)
		}
	}
	return nil
}

// Providers

func (p *Postgres) GetProviderByName(ctx context.Context, name string, sandbox bool) (model.Provider, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id::text, name, type, credentials, oauth, webhook, settings, supports, active, sandbox
		FROM providers WHERE lower(name)=lower($1) AND sandbox=$2`, name, sandbox)
	return scanProvider(row)
}

func (p *Postgres) ListProviders(ctx context.Context) ([]model.Provider, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, name, type, credentials, oauth, webhook, settings, supports, active, sandbox
		FROM providers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Provider{}
	for rows.Next() {
		pr, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanProvider(r rowScanner) (model.Provider, error) {
	var pr model.Provider
	var creds, oauth, webhook, settings, supports []byte
	err := r.Scan(&pr.ID, &pr.Name, &pr.Type, &creds, &oauth, &webhook, &settings, &supports, &pr.Active, &pr.Sandbox)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Provider{}, ErrNotFound
	}
	if err != nil {
		return model.Provider{}, err
	}
	_ = json.Unmarshal(creds, &pr.Credentials)
	_ = json.Unmarshal(oauth, &pr.OAuth)
	_ = json.Unmarshal(webhook, &pr.Webhook)
	_ = json.Unmarshal(settings, &pr.Settings)
	_ = json.Unmarshal(supports, &pr.Supports)
	return pr, nil
}

func (p *Postgres) UpsertProvider(ctx context.Context, pr model.Provider) (model.Provider, error) {
	if pr.ID == "" {
		pr.ID = uuid.New().String()
	}
	creds, _ := json.Marshal(pr.Credentials)
	oauth, _ := json.Marshal(pr.OAuth)
	webhook, _ := json.Marshal(pr.Webhook)
	settings, _ := json.Marshal(pr.Settings)
	supports, _ := json.Marshal(pr.Supports)
	// type is immutable after creation: not part of the UPDATE set
	_, err := p.db.ExecContext(ctx, `INSERT INTO providers (id, name, type, credentials, oauth, webhook, settings, supports, active, sandbox)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (name, sandbox) DO UPDATE SET credentials=EXCLUDED.credentials, oauth=EXCLUDED.oauth,
			webhook=EXCLUDED.webhook, settings=EXCLUDED.settings, supports=EXCLUDED.supports, active=EXCLUDED.active, updated_at=now()`,
		pr.ID, pr.Name, string(pr.Type), creds, oauth, webhook, settings, supports, pr.Active, pr.Sandbox)
	if err != nil {
		return model.Provider{}, err
	}
	return p.GetProviderByName(ctx, pr.Name, pr.Sandbox)
}

// Seller integrations

func (p *Postgres) GetSellerIntegration(ctx context.Context, sellerID, providerID string, sandbox bool) (model.SellerIntegration, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id::text, seller_id, provider_id::text, provider_name, credentials,
			COALESCE(access_token,''), COALESCE(refresh_token,''), COALESCE(token_expiry, 'epoch'::timestamptz), status, active, sandbox,
			COALESCE(webhook_secret,''), webhook_enabled
		FROM seller_integrations WHERE seller_id=$1 AND provider_id=$2 AND sandbox=$3`, sellerID, providerID, sandbox)
	return scanIntegration(row)
}

func scanIntegration(r rowScanner) (model.SellerIntegration, error) {
	var in model.SellerIntegration
	var creds []byte
	err := r.Scan(&in.ID, &in.SellerID, &in.ProviderID, &in.ProviderName, &creds, &in.AccessToken, &in.RefreshToken,
		&in.TokenExpiry, &in.Status, &in.Active, &in.Sandbox, &in.WebhookSecret, &in.WebhookEnabled)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SellerIntegration{}, ErrNotFound
	}
	if err != nil {
		return model.SellerIntegration{}, err
	}
	_ = json.Unmarshal(creds, &in.Credentials)
	return in, nil
}

func (p *Postgres) ListSellerIntegrations(ctx context.Context, sellerID string) ([]model.SellerIntegration, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, seller_id, provider_id::text, provider_name, credentials,
			COALESCE(access_token,''), COALESCE(refresh_token,''), COALESCE(token_expiry, 'epoch'::timestamptz), status, active, sandbox,
			COALESCE(webhook_secret,''), webhook_enabled
		FROM seller_integrations WHERE seller_id=$1 ORDER BY provider_name`, sellerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.SellerIntegration{}
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertSellerIntegration(ctx context.Context, in model.SellerIntegration) (model.SellerIntegration, error) {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	creds, _ := json.Marshal(in.Credentials)
	_, err := p.db.ExecContext(ctx, `INSERT INTO seller_integrations
			(id, seller_id, provider_id, provider_name, credentials, access_token, refresh_token, token_expiry, status, active, sandbox, webhook_secret, webhook_enabled)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (seller_id, provider_id, sandbox) DO UPDATE SET credentials=EXCLUDED.credentials,
			access_token=EXCLUDED.access_token, refresh_token=EXCLUDED.refresh_token, token_expiry=EXCLUDED.token_expiry,
			status=EXCLUDED.status, active=EXCLUDED.active, webhook_secret=EXCLUDED.webhook_secret,
			webhook_enabled=EXCLUDED.webhook_enabled, updated_at=now()`,
		in.ID, in.SellerID, in.ProviderID, in.ProviderName, creds, nullIfEmpty(in.AccessToken), nullIfEmpty(in.RefreshToken),
		nullTime(in.TokenExpiry), string(in.Status), in.Active, in.Sandbox, nullIfEmpty(in.WebhookSecret), in.WebhookEnabled)
	if err != nil {
		return model.SellerIntegration{}, err
	}
	return p.GetSellerIntegration(ctx, in.SellerID, in.ProviderID, in.Sandbox)
}

func (p *Postgres) UpdateIntegrationTokens(ctx context.Context, id, accessToken, refreshToken string, expiry time.Time, status model.IntegrationStatus) error {
	_, err := p.db.ExecContext(ctx, `UPDATE seller_integrations SET access_token=$2,
			refresh_token=COALESCE(NULLIF($3,''), refresh_token), token_expiry=$4, status=$5, updated_at=now()
		WHERE id=$1`, id, accessToken, refreshToken, expiry, string(status))
	return err
}

func (p *Postgres) UpdateIntegrationStatus(ctx context.Context, id string, status model.IntegrationStatus) error {
	_, err := p.db.ExecContext(ctx, `UPDATE seller_integrations SET status=$2, updated_at=now() WHERE id=$1`, id, string(status))
	return err
}

// Orders

func (p *Postgres) CreateOrder(ctx context.Context, o model.Order) (model.Order, error) {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.PaymentStatus == "" {
		o.PaymentStatus = "pending"
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO orders (id, seller_id, external_ref, source, payment_gateway_id, payment_status, escrow_status, fulfillment_status, tracking_number)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (seller_id, source, external_ref) DO NOTHING`,
		o.ID, o.SellerID, nullIfEmpty(o.ExternalRef), nullIfEmpty(o.Source), nullIfEmpty(o.PaymentGatewayID),
		o.PaymentStatus, nullIfEmpty(o.EscrowStatus), nullIfEmpty(o.FulfillmentStatus), nullIfEmpty(o.TrackingNumber))
	if err != nil {
		return model.Order{}, err
	}
	return o, nil
}

func (p *Postgres) GetOrderByPaymentRef(ctx context.Context, sellerID, paymentRef string) (model.Order, error) {
	var o model.Order
	var ext, src, esc, ful, trk sql.NullString
	err := p.db.QueryRowContext(ctx, `SELECT id::text, seller_id, external_ref, source, COALESCE(payment_gateway_id,''), payment_status, escrow_status, fulfillment_status, tracking_number, updated_at
		FROM orders WHERE seller_id=$1 AND payment_gateway_id=$2`, sellerID, paymentRef).
		Scan(&o.ID, &o.SellerID, &ext, &src, &o.PaymentGatewayID, &o.PaymentStatus, &esc, &ful, &trk, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Order{}, ErrNotFound
	}
	if err != nil {
		return model.Order{}, err
	}
	o.ExternalRef, o.Source, o.EscrowStatus, o.FulfillmentStatus, o.TrackingNumber = ext.String, src.String, esc.String, ful.String, trk.String
	return o, nil
}

func (p *Postgres) UpdateOrderPayment(ctx context.Context, sellerID, orderID, paymentStatus, escrowStatus string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE orders SET payment_status=$3, escrow_status=COALESCE(NULLIF($4,''), escrow_status), updated_at=now()
		WHERE id=$2 AND seller_id=$1`, sellerID, orderID, paymentStatus, escrowStatus)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) UpdateOrderFulfillment(ctx context.Context, sellerID, orderID, fulfillmentStatus, trackingNumber string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE orders SET fulfillment_status=COALESCE(NULLIF($3,''), fulfillment_status),
			tracking_number=COALESCE(NULLIF($4,''), tracking_number), updated_at=now()
		WHERE id=$2 AND seller_id=$1`, sellerID, orderID, fulfillmentStatus, trackingNumber)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Inventory

func (p *Postgres) UpsertStockLevel(ctx context.Context, s model.StockLevel) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO stock_levels (seller_id, sku, quantity, warehouse_ref, updated_at)
		VALUES ($1,$2,$3,$4,now())
		ON CONFLICT (seller_id, sku) DO UPDATE SET quantity=EXCLUDED.quantity, warehouse_ref=EXCLUDED.warehouse_ref, updated_at=now()`,
		s.SellerID, s.SKU, s.Quantity, nullIfEmpty(s.WarehouseRef))
	return err
}

// Idempotency. The primary key makes concurrent duplicates converge: exactly
// one insert wins, the rest observe a conflict.
func (p *Postgres) MarkEventProcessed(ctx context.Context, key string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `INSERT INTO processed_events (key, processed_at) VALUES ($1, now())
		ON CONFLICT (key) DO NOTHING`, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Handler dead letters

func (p *Postgres) InsertHandlerFailure(ctx context.Context, evt model.CanonicalEvent, handlerErr string) error {
	payload, _ := json.Marshal(evt.Payload)
	_, err := p.db.ExecContext(ctx, `INSERT INTO handler_failures (id, seller_id, provider_name, event_name, payload, error, ts)
		VALUES ($1,$2,$3,$4,$5,$6,now())`, uuid.New().String(), evt.SellerID, evt.ProviderName, evt.Name, payload, handlerErr)
	return err
}

func (p *Postgres) ListHandlerFailures(ctx context.Context, sellerID string, limit int) ([]map[string]any, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, seller_id, provider_name, event_name, payload, error, ts
		FROM handler_failures WHERE ($1='' OR seller_id=$1) ORDER BY ts DESC LIMIT $2`, sellerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []map[string]any{}
	for rows.Next() {
		var id, sid, prov, name, errMsg string
		var payload []byte
		var ts time.Time
		if err := rows.Scan(&id, &sid, &prov, &name, &payload, &errMsg, &ts); err != nil {
			return nil, err
		}
		var pl map[string]any
		_ = json.Unmarshal(payload, &pl)
		out = append(out, map[string]any{"id": id, "sellerId": sid, "provider": prov, "event": name, "payload": pl, "error": errMsg, "ts": ts.UTC().Format(time.RFC3339)})
	}
	return out, rows.Err()
}

// Subscriptions

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	id := uuid.New().String()
	_, err := p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, seller_id, url, events, secret) VALUES ($1,$2,$3,$4,$5)`,
		id, req.SellerID, req.URL, pqStringArray(req.Events), nullIfEmpty(req.Secret))
	if err != nil {
		return model.Subscription{}, err
	}
	return model.Subscription{ID: id, SellerID: req.SellerID, URL: req.URL, Events: req.Events, Secret: req.Secret}, nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, sellerID, eventType string) ([]model.Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, seller_id, url, events, COALESCE(secret,'')
		FROM subscriptions WHERE seller_id=$1 AND $2 = ANY(events)`, sellerID, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		var s model.Subscription
		var events []byte
		if err := rows.Scan(&s.ID, &s.SellerID, &s.URL, &events, &s.Secret); err != nil {
			return nil, err
		}
		s.Events = parsePGTextArray(events)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) ListSubscriptions(ctx context.Context, sellerID, cursor string, limit int) ([]model.Subscription, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, seller_id, url, events, COALESCE(secret,'')
		FROM subscriptions WHERE seller_id=$1 AND id::text > $2 ORDER BY id LIMIT $3`, sellerID, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Subscription{}
	var last string
	for rows.Next() {
		var s model.Subscription
		var events []byte
		if err := rows.Scan(&s.ID, &s.SellerID, &s.URL, &events, &s.Secret); err != nil {
			return nil, "", err
		}
		s.Events = parsePGTextArray(events)
		out = append(out, s)
		last = s.ID
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, nil
}

func (p *Postgres) DeleteSubscription(ctx context.Context, sellerID, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE seller_id=$1 AND id=$2`, sellerID, id)
	return err
}

// Webhook deliveries

func (p *Postgres) EnqueueWebhook(ctx context.Context, sellerID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, seller_id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',0,now())`,
		id, sellerID, nullIfEmpty(subscriptionID), eventType, url, nullIfEmpty(secret), payload)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, seller_id, COALESCE(subscription_id::text,''), event_type, url, COALESCE(secret,''), payload, status, attempts
		FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.SellerID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if success {
		_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='delivered', attempts=attempts+1,
				response_code=$2, latency_ms=$3, delivered_at=now(), updated_at=now() WHERE id=$1`, id, responseCode, latencyMs)
		return err
	}
	next := time.Now().Add(time.Minute)
	if nextAttemptAt != nil {
		next = *nextAttemptAt
	}
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='retry', attempts=attempts+1,
			last_error=$2, response_code=$3, latency_ms=$4, next_attempt_at=$5, updated_at=now() WHERE id=$1`,
		id, nullIfEmpty(lastError), responseCode, latencyMs, next)
	return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='failed', attempts=attempts+1, last_error=$2,
			response_code=$3, latency_ms=$4, updated_at=now() WHERE id=$1`, id, nullIfEmpty(lastError), responseCode, latencyMs)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO webhook_dlq (id, seller_id, delivery_id, event_type, url, secret, payload, attempts, last_error, failed_at)
		SELECT gen_random_uuid(), seller_id, id, event_type, url, secret, payload, attempts, $2, now()
		FROM webhook_deliveries WHERE id=$1`, id, nullIfEmpty(lastError))
	return err
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, sellerID, status, cursor string, limit int) ([]map[string]any, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, event_type, status, attempts, url, next_attempt_at, COALESCE(last_error,''), COALESCE(response_code,0)
		FROM webhook_deliveries WHERE seller_id=$1 AND ($2='' OR status=$2) AND id::text > $3 ORDER BY id LIMIT $4`,
		sellerID, status, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []map[string]any{}
	var last string
	for rows.Next() {
		var id, eventType, st, url, lastErr string
		var attempts, code int
		var next sql.NullTime
		if err := rows.Scan(&id, &eventType, &st, &attempts, &url, &next, &lastErr, &code); err != nil {
			return nil, "", err
		}
		item := map[string]any{"id": id, "eventType": eventType, "status": st, "attempts": attempts, "url": url}
		if next.Valid {
			item["nextAttemptAt"] = next.Time
		}
		if lastErr != "" {
			item["lastError"] = lastErr
		}
		if code != 0 {
			item["responseCode"] = code
		}
		out = append(out, item)
		last = id
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, nil
}

func (p *Postgres) RetryWebhookDelivery(ctx context.Context, sellerID, id string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='pending', next_attempt_at=now(), updated_at=now()
		WHERE id=$2 AND seller_id=$1`, sellerID, id)
	return err
}

func (p *Postgres) WebhookMetrics(ctx context.Context, sellerID string, since time.Time, eventType, status string, codeMin, codeMax int, buckets []int) ([]map[string]any, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT event_type, status, count(*), COALESCE(avg(latency_ms),0)::int
		FROM webhook_deliveries
		WHERE seller_id=$1 AND updated_at >= $2
			AND ($3='' OR event_type=$3) AND ($4='' OR status=$4)
			AND ($5=0 OR response_code >= $5) AND ($6=0 OR response_code <= $6)
		GROUP BY event_type, status`, sellerID, since, eventType, status, codeMin, codeMax)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []map[string]any{}
	for rows.Next() {
		var et, st string
		var cnt, avg int
		if err := rows.Scan(&et, &st, &cnt, &avg); err != nil {
			return nil, err
		}
		out = append(out, map[string]any{"event_type": et, "status": st, "cnt": cnt, "avg_latency_ms": avg})
	}
	return out, rows.Err()
}

// DLQ

func (p *Postgres) ListWebhookDLQ(ctx context.Context, sellerID, eventType string, olderThan time.Time, cursor string, limit int) ([]map[string]any, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if olderThan.IsZero() {
		olderThan = time.Now().Add(time.Hour)
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, delivery_id::text, event_type, url, attempts, COALESCE(last_error,''), failed_at
		FROM webhook_dlq WHERE seller_id=$1 AND ($2='' OR event_type=$2) AND failed_at <= $3 AND id::text > $4
		ORDER BY id LIMIT $5`, sellerID, eventType, olderThan, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []map[string]any{}
	var last string
	for rows.Next() {
		var id, did, et, url, lastErr string
		var attempts int
		var failedAt time.Time
		if err := rows.Scan(&id, &did, &et, &url, &attempts, &lastErr, &failedAt); err != nil {
			return nil, "", err
		}
		out = append(out, map[string]any{"id": id, "deliveryId": did, "eventType": et, "url": url, "attempts": attempts, "lastError": lastErr, "failedAt": failedAt.UTC().Format(time.RFC3339)})
		last = id
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, nil
}

func (p *Postgres) RequeueWebhookDLQ(ctx context.Context, sellerID, id string) error {
	var deliveryID string
	err := p.db.QueryRowContext(ctx, `DELETE FROM webhook_dlq WHERE id=$2 AND seller_id=$1 RETURNING delivery_id::text`, sellerID, id).Scan(&deliveryID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='pending', attempts=0, next_attempt_at=now(), updated_at=now() WHERE id=$1`, deliveryID)
	return err
}

func (p *Postgres) RequeueWebhookDLQBulk(ctx context.Context, sellerID string, ids []string) error {
	for _, id := range ids {
		if err := p.RequeueWebhookDLQ(ctx, sellerID, id); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

// helpers

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func pqStringArray(v []string) any {
	if len(v) == 0 {
		return nil
	}
	quoted := make([]string, len(v))
	for i, s := range v {
		quoted[i] = `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
	}
	return "{" + strings.Join(quoted, ",") + "}"
}

// parsePGTextArray decodes a text[] value like {a,b,"c d"}.
func parsePGTextArray(b []byte) []string {
	s := strings.TrimSpace(string(b))
	s = strings.TrimPrefix(s, "{")
	s = strings.TrimSuffix(s, "}")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, `"`)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
