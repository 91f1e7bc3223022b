package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Action names recorded in audit hashes.
const (
	ActionCreateBooking   = "create_booking"
	ActionCancelBooking   = "cancel_booking"
	ActionCompleteBooking = "complete_booking"
	ActionAutoNoShow      = "auto_no_show"
)

// Hash fingerprints a mutation as the hex SHA-256 of its JSON encoding,
// {"action": action, ...fields}. Map keys are encoded in sorted order, so equal
// inputs always produce equal hashes. The hash is not chained to earlier state.
func Hash(action string, fields map[string]any) (string, error) {
	payload := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		payload[k] = v
	}
	payload["action"] = action

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
