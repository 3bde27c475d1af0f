package pubsub

import (
	"encoding/json"

	"github.com/google/uuid"
)

// messageEnvelope wraps a published payload with a message id on transports
// where pattern fan-out produces one delivery per matching pattern. Data is
// base64-encoded by encoding/json, so arbitrary payload bytes survive the
// trip.
type messageEnvelope struct {
	ID   string `json:"id"`
	Data []byte `json:"data"`
}

// sealMessage wraps payload in an envelope with a fresh message id.
func sealMessage(payload []byte) ([]byte, error) {
	return json.Marshal(messageEnvelope{ID: uuid.NewString(), Data: payload})
}

// openMessage unwraps an envelope, returning its id and payload. Messages
// published outside this package carry no envelope; those pass through
// unchanged with an empty id.
func openMessage(data []byte) (string, []byte) {
	var env messageEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.ID == "" {
		return "", data
	}
	return env.ID, env.Data
}
