package vault

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledClientUsesCache(t *testing.T) {
	c, err := NewClient(Config{}, zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, c.IsEnabled())
	assert.NoError(t, c.Health(context.Background()))

	_, err = c.GetCredentials(context.Background(), "binance", false)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.StoreCredentials(context.Background(), Credentials{APIKey: "k", SecretKey: "s", Exchange: "BINANCE"}))
	creds, err := c.GetCredentials(context.Background(), "binance", false)
	require.NoError(t, err)
	assert.Equal(t, "k", creds.APIKey)

	c.ClearCache()
	_, err = c.GetCredentials(context.Background(), "binance", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetCredentialsFromKV(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		assert.Equal(t, "root", r.Header.Get("X-Vault-Token"))
		switch r.URL.Path {
		case "/v1/secret/data/spotbot/binance_testnet":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"data":{"data":{"api_key":"ak","secret_key":"sk","is_testnet":true}}}`))
		case "/v1/secret/data/spotbot/binance_mainnet":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"data":{"data":{"api_key":"ak"}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c, err := NewClient(Config{Enabled: true, Address: srv.URL, Token: "root"}, zerolog.Nop())
	require.NoError(t, err)

	creds, err := c.GetCredentials(context.Background(), "binance", true)
	require.NoError(t, err)
	assert.Equal(t, "ak", creds.APIKey)
	assert.Equal(t, "sk", creds.SecretKey)
	assert.True(t, creds.IsTestnet)
	assert.Equal(t, "binance", creds.Exchange)

	_, err = c.GetCredentials(context.Background(), "binance", true)
	require.NoError(t, err)
	assert.Equal(t, 1, hits, "second lookup is served from cache")

	_, err = c.GetCredentials(context.Background(), "binance", false)
	assert.ErrorIs(t, err, ErrInvalidSecret)

	_, err = c.GetCredentials(context.Background(), "kraken", false)
	assert.Error(t, err)
}
