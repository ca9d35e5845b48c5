package registry

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"merchlink/internal/model"
	"merchlink/internal/store"
)

// Registry holds the provider catalog loaded from a YAML file. Lookups are
// keyed by lowercased name plus the sandbox flag so a provider can carry
// separate live and sandbox entries.
type Registry struct {
	mu   sync.RWMutex
	path string
	byID map[string]model.Provider
}

type catalogFile struct {
	Providers []model.Provider `yaml:"providers"`
}

func NewEmpty() *Registry {
	return &Registry{byID: map[string]model.Provider{}}
}

// Load reads the catalog at path and validates every entry. A single invalid
// provider fails the whole load so a bad deploy is caught at startup.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path, byID: map[string]model.Provider{}}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the backing file. On error the previous catalog stays
// in effect.
func (r *Registry) Reload() error {
	if r.path == "" {
		return fmt.Errorf("registry has no backing file")
	}
	b, err := os.ReadFile(r.path)
	if err != nil {
		return err
	}
	var cf catalogFile
	if err := yaml.Unmarshal(b, &cf); err != nil {
		return fmt.Errorf("parse %s: %w", r.path, err)
	}
	next := map[string]model.Provider{}
	for i, p := range cf.Providers {
		if err := Validate(p); err != nil {
			return fmt.Errorf("provider %d (%s): %w", i, p.Name, err)
		}
		k := key(p.Name, p.Sandbox)
		if _, dup := next[k]; dup {
			return fmt.Errorf("duplicate provider %q (sandbox=%v)", p.Name, p.Sandbox)
		}
		next[k] = p
	}
	r.mu.Lock()
	r.byID = next
	r.mu.Unlock()
	return nil
}

// Validate checks a catalog entry for the mistakes that would otherwise
// surface as runtime failures mid-request.
func Validate(p model.Provider) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if !p.Type.Valid() {
		return fmt.Errorf("unknown provider type %q", p.Type)
	}
	if len(p.Supports) > 0 && p.Settings.BaseURL == "" {
		return fmt.Errorf("baseUrl is required when operations are declared")
	}
	for _, op := range p.Supports {
		if _, ok := p.Settings.Endpoints[op]; !ok {
			return fmt.Errorf("operation %q declared in supports but has no endpoint template", op)
		}
	}
	for op := range p.Settings.Endpoints {
		found := false
		for _, s := range p.Supports {
			if s == op {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("endpoint template for %q is not declared in supports", op)
		}
	}
	switch p.Settings.AuthType {
	case "", model.AuthBearer, model.AuthBasic, model.AuthAPIKey:
	case model.AuthOAuth:
		if p.OAuth.TokenURL == "" {
			return fmt.Errorf("oauth auth requires oauth.tokenUrl")
		}
	default:
		return fmt.Errorf("unknown auth type %q", p.Settings.AuthType)
	}
	return nil
}

func (r *Registry) Resolve(name string, sandbox bool) (model.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[key(name, sandbox)]
	if !ok {
		return model.Provider{}, store.ErrNotFound
	}
	return p, nil
}

func (r *Registry) All() []model.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Provider, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, p)
	}
	return out
}

// Upsert inserts or replaces a catalog entry in memory. It does not write
// the backing file; a later Reload reverts it.
func (r *Registry) Upsert(p model.Provider) error {
	if err := Validate(p); err != nil {
		return err
	}
	r.mu.Lock()
	r.byID[key(p.Name, p.Sandbox)] = p
	r.mu.Unlock()
	return nil
}

func key(name string, sandbox bool) string {
	k := strings.ToLower(strings.TrimSpace(name))
	if sandbox {
		k += "|sandbox"
	}
	return k
}
