package gateway

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
)

// ErrCredentialsNotFound reports that no API credentials exist for a user.
// The proxy treats it as a signal to degrade to a simulated response rather
// than hard-failing the call.
var ErrCredentialsNotFound = errors.New("credentials not found")

// Credentials holds one venue API key pair. Secret is base64 as issued.
type Credentials struct {
	Key    string
	Secret string
}

// CredentialsService resolves the venue credentials for an authenticated
// user. It is an external collaborator; the gateway never stores secrets.
type CredentialsService interface {
	Resolve(ctx context.Context, userID string) (Credentials, error)
}

// StaticCredentials serves a fixed user-to-credentials table.
type StaticCredentials struct {
	mu    sync.RWMutex
	creds map[string]Credentials
}

// NewStaticCredentials copies the given table.
func NewStaticCredentials(creds map[string]Credentials) *StaticCredentials {
	table := make(map[string]Credentials, len(creds))
	for user, c := range creds {
		table[user] = c
	}
	return &StaticCredentials{creds: table}
}

func (s *StaticCredentials) Resolve(_ context.Context, userID string) (Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[userID]
	if !ok || c.Key == "" || c.Secret == "" {
		return Credentials{}, ErrCredentialsNotFound
	}
	return c, nil
}

// Set installs or replaces the credentials for a user.
func (s *StaticCredentials) Set(userID string, c Credentials) {
	s.mu.Lock()
	s.creds[userID] = c
	s.mu.Unlock()
}

// EnvCredentials resolves every user to the process-level key pair in
// TIDEGATE_API_KEY and TIDEGATE_API_SECRET. It suits single-tenant
// deployments where the gateway signs with one venue account.
type EnvCredentials struct{}

func (EnvCredentials) Resolve(_ context.Context, _ string) (Credentials, error) {
	key := strings.TrimSpace(os.Getenv("TIDEGATE_API_KEY"))
	secret := strings.TrimSpace(os.Getenv("TIDEGATE_API_SECRET"))
	if key == "" || secret == "" {
		return Credentials{}, ErrCredentialsNotFound
	}
	return Credentials{Key: key, Secret: secret}, nil
}
