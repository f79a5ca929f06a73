package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
)

// Identity names the caller a valid API key belongs to.
type Identity struct {
	Subject string
}

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

// StaticAPIKeyValidator checks keys against a fixed set from
// configuration. Entries are either "key" or "key:subject".
type StaticAPIKeyValidator struct {
	keys map[string]Identity
}

func NewStaticAPIKeyValidator(entries []string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{keys: map[string]Identity{}}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, subject, found := strings.Cut(entry, ":")
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("invalid static key entry %q: empty key", entry)
		}
		if !found || strings.TrimSpace(subject) == "" {
			subject = "default"
		}
		validator.keys[key] = Identity{Subject: strings.TrimSpace(subject)}
	}
	return validator, nil
}

// Validate compares the presented key against every configured entry
// in constant time so lookup timing leaks nothing about the key set.
func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	var matched Identity
	found := false
	for key, identity := range v.keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) == 1 {
			matched = identity
			found = true
		}
	}
	return matched, found
}
