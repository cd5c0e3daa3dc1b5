package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound      = errors.New("exchange credentials not found")
	ErrInvalidSecret = errors.New("invalid secret format")
)

// Config holds Vault connection settings
type Config struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// DefaultConfig returns a disabled KV v2 layout under secret/spotbot
func DefaultConfig() Config {
	return Config{
		Address:    "http://127.0.0.1:8200",
		MountPath:  "secret",
		SecretPath: "spotbot",
	}
}

// Credentials represents the exchange key pair stored in Vault
type Credentials struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	Exchange  string `json:"exchange"`
	IsTestnet bool   `json:"is_testnet"`
}

// Valid reports whether both halves of the key pair are present
func (c Credentials) Valid() bool {
	return c.APIKey != "" && c.SecretKey != ""
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client *api.Client
	config Config
	logger zerolog.Logger

	mu    sync.RWMutex
	cache map[string]*Credentials // exchange_network -> Credentials
}

// NewClient creates a new Vault client. A disabled client only serves
// credentials stored in its local cache.
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	def := DefaultConfig()
	if cfg.MountPath == "" {
		cfg.MountPath = def.MountPath
	}
	if cfg.SecretPath == "" {
		cfg.SecretPath = def.SecretPath
	}
	c := &Client{
		config: cfg,
		logger: logger.With().Str("component", "vault").Logger(),
		cache:  make(map[string]*Credentials),
	}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client
	return c, nil
}

// StoreCredentials writes an exchange key pair
func (c *Client) StoreCredentials(ctx context.Context, data Credentials) error {
	key := cacheKey(data.Exchange, data.IsTestnet)
	if !c.config.Enabled {
		c.mu.Lock()
		c.cache[key] = &data
		c.mu.Unlock()
		return nil
	}

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"api_key":    data.APIKey,
			"secret_key": data.SecretKey,
			"exchange":   data.Exchange,
			"is_testnet": data.IsTestnet,
		},
	}
	if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(data.Exchange, data.IsTestnet), secretData); err != nil {
		return fmt.Errorf("failed to store credentials in vault: %w", err)
	}

	c.mu.Lock()
	c.cache[key] = &data
	c.mu.Unlock()
	return nil
}

// GetCredentials retrieves the key pair for an exchange
func (c *Client) GetCredentials(ctx context.Context, exchange string, isTestnet bool) (*Credentials, error) {
	key := cacheKey(exchange, isTestnet)
	c.mu.RLock()
	cached, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	if !c.config.Enabled {
		return nil, fmt.Errorf("%w: vault is disabled", ErrNotFound)
	}

	path := c.secretPath(exchange, isTestnet)
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, ErrInvalidSecret
	}

	creds := &Credentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
		Exchange:  getString(data, "exchange"),
		IsTestnet: getBool(data, "is_testnet"),
	}
	if !creds.Valid() {
		return nil, fmt.Errorf("%w: %s missing api_key or secret_key", ErrInvalidSecret, path)
	}
	if creds.Exchange == "" {
		creds.Exchange = exchange
	}

	c.mu.Lock()
	c.cache[key] = creds
	c.mu.Unlock()

	c.logger.Info().Str("exchange", exchange).Bool("testnet", isTestnet).Msg("Loaded exchange credentials from vault")
	return creds, nil
}

// ClearCache clears the in-memory cache
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = make(map[string]*Credentials)
	c.mu.Unlock()
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func (c *Client) secretPath(exchange string, isTestnet bool) string {
	return fmt.Sprintf("%s/data/%s/%s", c.config.MountPath, c.config.SecretPath, cacheKey(exchange, isTestnet))
}

func cacheKey(exchange string, isTestnet bool) string {
	network := "mainnet"
	if isTestnet {
		network = "testnet"
	}
	return fmt.Sprintf("%s_%s", strings.ToLower(exchange), network)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if val, ok := data[key]; ok {
		switch v := val.(type) {
		case bool:
			return v
		case string:
			return v == "true"
		case json.Number:
			n, _ := v.Int64()
			return n != 0
		}
	}
	return false
}
