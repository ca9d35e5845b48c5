package api

import (
	"log"
	"os"
	"strings"

	"merchlink/internal/adapter"
	"merchlink/internal/auth"
	"merchlink/internal/ingest"
	"merchlink/internal/registry"
	"merchlink/internal/router"
	"merchlink/internal/store"
	"merchlink/internal/tokens"
	"merchlink/internal/vault"
	"merchlink/internal/webhooks"
)

type Server struct {
	Store    store.Store
	Registry *registry.Registry
	Vault    *vault.Vault
	Tokens   *tokens.Manager
	Adapter  *adapter.Adapter
	Gateway  *ingest.Gateway
	Router   *router.Router
	Pub      *webhooks.Publisher
	Auth     *auth.Verifier
	Broker   EventBroker
}

// NewServer wires the integration core from environment configuration. With
// no DATABASE_URL it runs entirely in memory; with no PROVIDERS_FILE the
// registry starts empty and providers come from the store only.
func NewServer() (*Server, error) {
	dsn := os.Getenv("DATABASE_URL")
	var st store.Store
	if strings.TrimSpace(dsn) == "" {
		st = store.NewMemory()
	} else {
		sp, err := store.NewPostgres(dsn)
		if err != nil {
			return nil, err
		}
		// Run migrations (dev helper)
		if os.Getenv("DB_MIGRATE") != "false" {
			_ = sp.MigrateDir("db/migrations")
		}
		st = sp
	}

	v, err := vault.NewFromEnv()
	if err != nil {
		return nil, err
	}

	regPath := os.Getenv("PROVIDERS_FILE")
	if regPath == "" {
		regPath = "providers.yaml"
	}
	reg, err := registry.Load(regPath)
	if err != nil {
		log.Printf("registry: %v; starting with empty catalog", err)
		reg = registry.NewEmpty()
	}

	var broker EventBroker
	if os.Getenv("REDIS_URL") != "" {
		if rb, err := NewRedisBroker(); err == nil {
			broker = rb
		} else {
			broker = NewBroker()
		}
	} else {
		broker = NewBroker()
	}

	tm := tokens.NewManager(st, v)
	pub := webhooks.NewPublisher(st)
	rt := router.New(st, pub)
	rt.Notify = func(sellerID, event string, payload map[string]any) {
		broker.Publish(sellerID, SSEEvent{Type: event, Data: payload})
	}
	return &Server{
		Store:    st,
		Registry: reg,
		Vault:    v,
		Tokens:   tm,
		Adapter:  adapter.New(tm, v),
		Gateway:  ingest.NewGateway(reg, st, rt, v),
		Router:   rt,
		Pub:      pub,
		Auth:     auth.NewVerifierFromEnv(),
		Broker:   broker,
	}, nil
}

// NewWebhookWorker creates a background worker for webhook deliveries.
func (s *Server) NewWebhookWorker() *webhooks.Worker {
	return webhooks.NewWorker(s.Store)
}
