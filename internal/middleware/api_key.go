// Package middleware provides the request middleware shared by the bucketz
// HTTP and gRPC transports: bearer-token authentication against bcrypt API
// key hashes, per-IP throttling of failed attempts, and request logging with
// request ids.
package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const apiKeyHashCost = bcrypt.DefaultCost

// ErrUnknownAPIKey is returned by a KeyLookup that has no key with the
// requested id.
var ErrUnknownAPIKey = errors.New("unknown api key")

// HashAPIKey returns a salted bcrypt hash for an API key.
func HashAPIKey(apiKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), apiKeyHashCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyMatchesHash compares an API key against a stored hash.
// Hex SHA-256 hashes are accepted as well as bcrypt.
func APIKeyMatchesHash(expectedHash, apiKey string) bool {
	if err := bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(apiKey)); err == nil {
		return true
	}

	return legacyAPIKeyMatchesHash(expectedHash, apiKey)
}

func legacyAPIKeyMatchesHash(expectedHash, apiKey string) bool {
	expectedBytes, err := hex.DecodeString(expectedHash)
	if err != nil {
		return false
	}

	actual := sha256.Sum256([]byte(apiKey))
	if len(expectedBytes) != len(actual) {
		return false
	}

	return subtle.ConstantTimeCompare(expectedBytes, actual[:]) == 1
}

// KeyLookup resolves an API key id to its stored hash and the principal
// name it authenticates as.
type KeyLookup interface {
	ValidateAPIKey(ctx context.Context, id string) (hash string, name string, err error)
}

// StaticKeys maps key ids to hashes. The id is also the principal name.
type StaticKeys map[string]string

// ParseStaticKeys parses a comma separated list of id:hash pairs.
func ParseStaticKeys(raw string) (StaticKeys, error) {
	keys := StaticKeys{}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		id, hash, ok := strings.Cut(entry, ":")
		id = strings.TrimSpace(id)
		hash = strings.TrimSpace(hash)
		if !ok || id == "" || hash == "" {
			return nil, fmt.Errorf("parse static api key %q: want id:hash", entry)
		}
		if strings.Contains(id, ".") {
			return nil, fmt.Errorf("parse static api key %q: id must not contain a dot", id)
		}
		if _, dup := keys[id]; dup {
			return nil, fmt.Errorf("parse static api key %q: duplicate id", id)
		}
		keys[id] = hash
	}
	return keys, nil
}

func (k StaticKeys) ValidateAPIKey(_ context.Context, id string) (string, string, error) {
	hash, ok := k[id]
	if !ok {
		return "", "", ErrUnknownAPIKey
	}
	return hash, id, nil
}

// APIKeyValidator validates "id.secret" bearer tokens. Lookups are tried in
// order until one knows the id.
type APIKeyValidator struct {
	lookups []KeyLookup
}

func NewAPIKeyValidator(lookups ...KeyLookup) *APIKeyValidator {
	v := &APIKeyValidator{}
	for _, lookup := range lookups {
		if lookup != nil {
			v.lookups = append(v.lookups, lookup)
		}
	}
	return v
}

func (v *APIKeyValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	if v == nil || len(v.lookups) == 0 {
		return "", errors.New("api key validator has no key lookups")
	}

	keyID, rawSecret, found := strings.Cut(token, ".")
	if !found || strings.TrimSpace(keyID) == "" || rawSecret == "" {
		return "", errors.New("invalid token format")
	}

	lookupErr := ErrUnknownAPIKey
	for _, lookup := range v.lookups {
		keyHash, name, err := lookup.ValidateAPIKey(ctx, keyID)
		if err != nil {
			lookupErr = err
			continue
		}
		if !APIKeyMatchesHash(keyHash, rawSecret) {
			return "", errors.New("invalid token")
		}
		return name, nil
	}

	return "", fmt.Errorf("lookup key hash: %w", lookupErr)
}
