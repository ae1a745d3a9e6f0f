// Package secrets loads upstream credentials (provider API keys and the
// Vertex service-account key) from AWS Secrets Manager, with a short-lived
// local cache.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

var ErrSecretNotFound = errors.New("secret not found")

const defaultCacheTTL = 5 * time.Minute

type SecretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

func getSecretJSON(ctx context.Context, s SecretStore, name string, v any) error {
	raw, err := s.GetSecret(ctx, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode secret %s: %w", name, err)
	}
	return nil
}

// SecretsAPI is the subset of the Secrets Manager client in use.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSecretsManager caches each secret for a few minutes so a key rotation
// is picked up without a restart but a request never waits on AWS.
type AWSSecretsManager struct {
	api SecretsAPI
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]secretEntry
}

type secretEntry struct {
	value   string
	fetched time.Time
}

func NewAWSSecretsManager(cfg aws.Config) *AWSSecretsManager {
	return NewAWSSecretsManagerWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSSecretsManagerWithClient(api SecretsAPI) *AWSSecretsManager {
	return &AWSSecretsManager{
		api:     api,
		ttl:     defaultCacheTTL,
		now:     time.Now,
		entries: make(map[string]secretEntry),
	}
}

func (s *AWSSecretsManager) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if ok && s.now().Sub(e.fetched) < s.ttl {
		return e.value, nil
	}

	out, err := s.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(name)})
	var notFound *types.ResourceNotFoundException
	switch {
	case errors.As(err, &notFound):
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	case err != nil:
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}

	value := aws.ToString(out.SecretString)
	if value == "" {
		value = string(out.SecretBinary)
	}
	if value == "" {
		return "", fmt.Errorf("%w: %s has no value", ErrSecretNotFound, name)
	}

	s.mu.Lock()
	s.entries[name] = secretEntry{value: value, fetched: s.now()}
	s.mu.Unlock()
	return value, nil
}

// StaticSecrets serves fixed values; used in tests and local runs.
type StaticSecrets map[string]string

func (s StaticSecrets) GetSecret(_ context.Context, name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return v, nil
}
