// Package correlation derives the deterministic keys shared by the idempotency
// and reconciliation engines.
package correlation

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
)

const (
	lockKeyPrefix         = "lock_"
	idempotencyKeyPrefix  = "idem_"
	notificationKeyPrefix = "webhook_"
)

var externalReferencePattern = regexp.MustCompile(`^SUB-(\d+)-(\d+)-([A-Za-z0-9]+)$`)

// LockKey hashes the operation key and the correlation fields into the lock row id.
// Absent ids hash as empty strings so the same inputs always map to the same key.
func LockKey(operationKey string, userID, productID *int64, externalReference string) string {
	parts := []string{
		operationKey,
		formatID(userID),
		formatID(productID),
		strings.TrimSpace(externalReference),
	}
	return lockKeyPrefix + hash(strings.Join(parts, "|"))
}

// GenerateKey builds an idempotency key from ordered parts. Empty parts are kept
// positionally so ("a", "", "b") and ("a", "b", "") differ.
func GenerateKey(parts ...string) string {
	trimmed := make([]string, len(parts))
	for i, p := range parts {
		trimmed[i] = strings.TrimSpace(p)
	}
	return idempotencyKeyPrefix + hash(strings.Join(trimmed, "|"))
}

// NotificationKey keys a webhook delivery by its raw payload.
func NotificationKey(payload []byte) string {
	sum := sha256.Sum256(payload)
	return notificationKeyPrefix + hex.EncodeToString(sum[:])
}

// ParseExternalReference extracts user and product ids from references of the
// form SUB-<user>-<product>-<suffix> issued at checkout.
func ParseExternalReference(ref string) (userID, productID int64, ok bool) {
	m := externalReferencePattern.FindStringSubmatch(strings.TrimSpace(ref))
	if len(m) != 4 {
		return 0, 0, false
	}
	u, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	p, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return u, p, true
}

func formatID(id *int64) string {
	if id == nil {
		return ""
	}
	return strconv.FormatInt(*id, 10)
}

func hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
