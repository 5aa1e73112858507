// Package middleware authenticates expz SDK traffic on the HTTP and gRPC
// transports and carries request-scoped values (deployment, request id,
// logger) through the context.
//
// Deployment keys have the form "<id>.<secret>". The id selects a row in the
// deployments table; the secret is checked against its bcrypt hash. Legacy
// SHA-256 hex hashes are still accepted.
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

const deploymentKeyHashCost = bcrypt.DefaultCost

var (
	ErrMalformedDeploymentKey = errors.New("malformed deployment key")
	ErrDeploymentKeyMismatch  = errors.New("deployment key does not match")
)

// HashDeploymentKey returns a salted bcrypt hash for a deployment secret.
func HashDeploymentKey(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), deploymentKeyHashCost)
	if err != nil {
		return "", fmt.Errorf("hash deployment key: %w", err)
	}
	return string(hash), nil
}

// DeploymentKeyMatchesHash compares a secret against a stored hash.
func DeploymentKeyMatchesHash(expectedHash, secret string) bool {
	if err := bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(secret)); err == nil {
		return true
	}

	return legacyKeyMatchesHash(expectedHash, secret)
}

func legacyKeyMatchesHash(expectedHash, secret string) bool {
	expectedBytes, err := hex.DecodeString(expectedHash)
	if err != nil {
		return false
	}

	actual := sha256.Sum256([]byte(secret))
	if len(expectedBytes) != len(actual) {
		return false
	}

	return subtle.ConstantTimeCompare(expectedBytes, actual[:]) == 1
}

// ParseDeploymentKey splits "<id>.<secret>".
func ParseDeploymentKey(key string) (id, secret string, err error) {
	id, secret, found := strings.Cut(key, ".")
	if !found || strings.TrimSpace(id) == "" || secret == "" {
		return "", "", ErrMalformedDeploymentKey
	}
	return id, secret, nil
}

// DeploymentHashLookup returns the stored hash of a non-revoked deployment.
type DeploymentHashLookup interface {
	ValidateDeploymentKey(ctx context.Context, id string) (string, error)
}

// DeploymentKeyValidator resolves deployment keys to deployment ids.
type DeploymentKeyValidator struct {
	lookup DeploymentHashLookup
}

func NewDeploymentKeyValidator(lookup DeploymentHashLookup) *DeploymentKeyValidator {
	return &DeploymentKeyValidator{lookup: lookup}
}

func (v *DeploymentKeyValidator) ValidateKey(ctx context.Context, key string) (string, error) {
	if v == nil || v.lookup == nil {
		return "", errors.New("deployment key validator is nil")
	}

	id, secret, err := ParseDeploymentKey(key)
	if err != nil {
		return "", err
	}

	keyHash, err := v.lookup.ValidateDeploymentKey(ctx, id)
	if err != nil {
		return "", fmt.Errorf("lookup key hash: %w", err)
	}
	if !DeploymentKeyMatchesHash(keyHash, secret) {
		return "", ErrDeploymentKeyMismatch
	}

	return id, nil
}
