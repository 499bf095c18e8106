package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// OrderKey builds the canonical key for an order-scoped action, the
// shape upstream shops send when they want cross-process dedup.
func OrderKey(shop, orderID, action string) string {
	return fmt.Sprintf("order:%s:%s:%s:v1", shop, orderID, action)
}

// PayloadKey derives a stable key from the item type, instance name and
// normalized payload for callers that supply no key of their own.
func PayloadKey(itemType, instanceName, payload string) string {
	h := sha256.New()
	h.Write([]byte(itemType))
	h.Write([]byte{0})
	h.Write([]byte(instanceName))
	h.Write([]byte{0})
	h.Write([]byte(payload))
	return "auto:" + hex.EncodeToString(h.Sum(nil))
}
