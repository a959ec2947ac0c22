// Package kafka relays callback requests between processes. The producer
// side is a dispatch.Sink; the consumer side feeds the local worker queue.
// Delivery is at-least-once: offsets are committed only after the hand-off.
package kafka

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/felipemaragno/callbacks/internal/domain"
)

const headerCorrelationID = "correlation_id"

var ErrInvalidMessage = errors.New("invalid callback message")

// Encode turns req into a message keyed by its idempotency key, so every
// attempt of one logical notification lands on the same partition.
func Encode(req *domain.CallbackRequest) (kafka.Message, error) {
	value, err := json.Marshal(req)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal callback request %s: %w", req.ID, err)
	}
	key := req.IdempotencyKey
	if key == "" {
		key = req.ID
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: headerCorrelationID, Value: []byte(req.CorrelationID)},
		},
	}, nil
}

// Decode parses a message produced by Encode.
func Decode(msg kafka.Message) (*domain.CallbackRequest, error) {
	var req domain.CallbackRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if req.ID == "" || req.TargetURL == "" || req.HTTPMethod == "" {
		return nil, fmt.Errorf("%w: id, target_url and http_method are required", ErrInvalidMessage)
	}
	return &req, nil
}
