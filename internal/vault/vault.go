// Package vault wraps secret retrieval from HashiCorp Vault with a
// process-wide cache: the first lookup for a given service/field pair hits
// Vault, every subsequent lookup for that pair is served from memory.
package vault

import (
	"context"
	"fmt"
	"strings"
	"sync"

	vaultapi "github.com/hashicorp/vault/api"

	mirerrors "github.com/mira-run/mira/internal/mira/errors"
)

// Paths used by the core:
//   mira/database/<service>_url
//   mira/database {username,password}
//   mira/auth/jwt_secret_key
//   mira/api_keys/<service>
//   mira/service/<service>/<field>
const (
	basePath = "mira"
)

// ServicePath builds the Vault path for a named service's generic secret,
// e.g. "mira/service/anthropic".
func ServicePath(service string) string {
	return fmt.Sprintf("%s/service/%s", basePath, service)
}

// APIKeyPath builds the Vault path for a named service's API key secret.
func APIKeyPath(service string) string {
	return fmt.Sprintf("%s/api_keys/%s", basePath, service)
}

// DatabasePath is the shared database credential secret.
var DatabasePath = basePath + "/database"

// AuthPath is the shared auth secret (jwt_secret_key, etc).
var AuthPath = basePath + "/auth"

type cacheKey struct {
	path  string
	field string
}

// Client is a singleton Vault secret client with a process-wide cache. It
// must be constructed once and shared; it is safe for concurrent use.
type Client struct {
	api *vaultapi.Client

	mu    sync.RWMutex
	cache map[cacheKey]string

	// knownServices lists the services the caller expects to look up,
	// solely so an unknown-service error can list valid ones; it is not
	// used to restrict which paths may be read.
	knownServices []string
}

// Config configures authentication for a new Client.
type Config struct {
	Address  string
	Token    string // direct token auth
	RoleID   string // AppRole auth
	SecretID string

	KnownServices []string
}

// New authenticates against Vault using AppRole (RoleID+SecretID) if both
// are set, otherwise falls back to a direct token. Auth failures are
// reported as mirerrors.ErrPermission, never leaking which credential was
// wrong.
func New(ctx context.Context, cfg Config) (*Client, error) {
	vc, err := vaultapi.NewClient(&vaultapi.Config{Address: cfg.Address})
	if err != nil {
		return nil, fmt.Errorf("vault: new api client: %w", err)
	}

	switch {
	case cfg.RoleID != "" && cfg.SecretID != "":
		secret, err := vc.Logical().WriteWithContext(ctx, "auth/approle/login", map[string]any{
			"role_id":   cfg.RoleID,
			"secret_id": cfg.SecretID,
		})
		if err != nil || secret == nil || secret.Auth == nil {
			return nil, fmt.Errorf("vault: approle login: %w", mirerrors.ErrPermission)
		}
		vc.SetToken(secret.Auth.ClientToken)
	case cfg.Token != "":
		vc.SetToken(cfg.Token)
	default:
		return nil, fmt.Errorf("vault: no credentials configured: %w", mirerrors.ErrPermission)
	}

	return &Client{
		api:           vc,
		cache:         make(map[cacheKey]string),
		knownServices: cfg.KnownServices,
	}, nil
}

// Ping checks that Vault is reachable and unsealed, for the health
// endpoint's component probe.
func (c *Client) Ping(ctx context.Context) error {
	health, err := c.api.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault: health check: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault: sealed")
	}
	return nil
}

// Get returns a single field from the secret at path, populating the cache
// on first read. A forbidden path is reported as ErrPermission without
// revealing whether the path exists.
func (c *Client) Get(ctx context.Context, path, field string) (string, error) {
	key := cacheKey{path: path, field: field}

	c.mu.RLock()
	if v, ok := c.cache[key]; ok {
		c.mu.RUnlock()
		return v, nil
	}
	c.mu.RUnlock()

	secret, err := c.api.Logical().ReadWithContext(ctx, path)
	if err != nil {
		if isForbidden(err) {
			return "", fmt.Errorf("vault: read %s: %w", path, mirerrors.ErrPermission)
		}
		return "", fmt.Errorf("vault: read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault: read %s: %w", path, mirerrors.ErrPermission)
	}

	raw, ok := secret.Data[field]
	if !ok {
		return "", fmt.Errorf("vault: field %q not present at %s, available: %s", field, path, availableFields(secret.Data))
	}
	value, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("vault: field %q at %s is not a string", field, path)
	}

	c.mu.Lock()
	c.cache[key] = value
	c.mu.Unlock()
	return value, nil
}

// GetAPIKey is a convenience for the common case of an api-key lookup,
// erroring with a list of known services if service is unrecognized.
func (c *Client) GetAPIKey(ctx context.Context, service string) (string, error) {
	if len(c.knownServices) > 0 && !contains(c.knownServices, service) {
		return "", fmt.Errorf("vault: unknown secret service %q, valid services: %s: %w", service, strings.Join(c.knownServices, ", "), mirerrors.ErrUnknownSecretService)
	}
	return c.Get(ctx, APIKeyPath(service), "value")
}

// InvalidateCache drops every cached entry, forcing the next Get for each
// path/field to re-read from Vault. Intended for credential rotation.
func (c *Client) InvalidateCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[cacheKey]string)
}

func availableFields(data map[string]any) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	return strings.Join(keys, ", ")
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func isForbidden(err error) bool {
	var respErr *vaultapi.ResponseError
	if ok := asResponseError(err, &respErr); ok {
		return respErr.StatusCode == 403
	}
	return strings.Contains(strings.ToLower(err.Error()), "permission denied")
}

func asResponseError(err error, target **vaultapi.ResponseError) bool {
	re, ok := err.(*vaultapi.ResponseError)
	if !ok {
		return false
	}
	*target = re
	return true
}
