package store

import (
	"context"
	"encoding/json"
)

const namespacePrefixLength = 10

// Backing persists a namespace as a set of JSON documents. Save replaces the
// namespace wholesale.
type Backing interface {
	Load(ctx context.Context, namespace string) (map[string]json.RawMessage, error)
	Save(ctx context.Context, namespace string, items map[string]json.RawMessage) error
}

// Namespace scopes persisted caches to a deployment key without storing the
// whole key.
func Namespace(deploymentKey, kind string) string {
	prefix := deploymentKey
	if len(prefix) > namespacePrefixLength {
		prefix = prefix[:namespacePrefixLength]
	}
	return "expz-" + prefix + "-" + kind
}
