package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// tokenPayload is the JSON shape some secrets are stored in.
type tokenPayload struct {
	Token string `json:"token"`
}

// Secret lazily loads one parameter and caches it for the life of the
// process. Failed loads are not cached.
type Secret struct {
	getter Getter
	name   string

	mu    sync.Mutex
	value string
}

func NewSecret(getter Getter, name string) (*Secret, error) {
	if getter == nil {
		return nil, errors.New("paramstore: getter must not be nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("paramstore: secret name must not be empty")
	}
	return &Secret{getter: getter, name: name}, nil
}

// Token returns the secret, fetching it on first use. Values stored as
// {"token": "..."} are unwrapped.
func (s *Secret) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.value != "" {
		return s.value, nil
	}

	raw, err := s.getter.GetParameter(ctx, s.name)
	if err != nil {
		return "", err
	}
	value := strings.TrimSpace(raw)
	if strings.HasPrefix(value, "{") {
		var tp tokenPayload
		if err := json.Unmarshal([]byte(value), &tp); err != nil {
			return "", fmt.Errorf("paramstore: unmarshal secret %q: %w", s.name, err)
		}
		value = tp.Token
	}
	if value == "" {
		return "", fmt.Errorf("paramstore: secret %q is empty", s.name)
	}
	s.value = value
	return value, nil
}
