package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CacheKey derives the 32-hex content address for a prompt and its cache
// context. The context is canonicalized (object keys sorted) before hashing
// so logically equal contexts always produce the same key.
func CacheKey(prompt string, cacheCtx any) (string, error) {
	payload := prompt
	if cacheCtx != nil {
		canonical, err := canonicalJSON(cacheCtx)
		if err != nil {
			return "", fmt.Errorf("failed to canonicalize cache context: %w", err)
		}
		payload = prompt + "|||" + canonical
	}
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])[:32], nil
}

// canonicalJSON round-trips the value through generic JSON so map keys come
// out sorted regardless of the input type.
func canonicalJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", err
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", err
	}
	return string(canonical), nil
}
