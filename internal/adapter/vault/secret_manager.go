package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/vault/api"
)

var ErrSecretNotFound = errors.New("secret not found")

type SecretManager struct {
	client *api.Client
}

func NewSecretManager(address, token string) (*SecretManager, error) {
	config := api.DefaultConfig()
	config.Address = address

	client, err := api.NewClient(config)
	if err != nil {
		return nil, err
	}

	client.SetToken(token)

	return &SecretManager{client: client}, nil
}

// GetDatabaseURL reads the database connection string from a KV v2 secret,
// e.g. path "secret/data/database" and key "connection_string".
func (sm *SecretManager) GetDatabaseURL(ctx context.Context, path, key string) (string, error) {
	return sm.readString(ctx, path, key)
}

func (sm *SecretManager) readString(ctx context.Context, path, key string) (string, error) {
	secret, err := sm.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", fmt.Errorf("vault read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, path)
	}

	data := secret.Data
	// KV v2 nests the payload under "data".
	if inner, ok := secret.Data["data"].(map[string]interface{}); ok {
		data = inner
	}
	v, ok := data[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s#%s", ErrSecretNotFound, path, key)
	}
	return v, nil
}
