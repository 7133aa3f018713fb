package idempotency

import (
	"strings"

	"trustlayer/pkg/secrets"
)

// KeyFor derives the cache key for a request. A caller-supplied header key
// takes precedence and is namespaced by caller so two callers never share
// an entry; otherwise the key is a hash of method, path, caller and body.
func KeyFor(headerKey, method, path, callerID string, body []byte) string {
	if k := strings.TrimSpace(headerKey); k != "" {
		return "h:" + secrets.Hash(callerID, k)
	}
	return "d:" + secrets.Hash(strings.ToUpper(method), path, callerID, string(body))
}
