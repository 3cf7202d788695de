// Package pipeline contains the message processing components that feed
// broadcast requests from Pub/Sub into the dispatcher.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/associazione-ets/go-push-service/pkg/push"
)

// BroadcastRequestTransformer is a dataflow Transformer that safely
// unmarshals and validates a raw message payload into a push.Payload
// broadcast request.
//
// A malformed message is skipped (skip=true) so the StreamingService can
// handle the Nack/DLQ logic instead of poisoning the pipeline.
func BroadcastRequestTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*push.Payload, bool, error) {
	var payload push.Payload

	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal broadcast request from message %s: %w", msg.ID, err)
	}
	if payload.Title == "" || payload.Body == "" {
		return nil, true, fmt.Errorf("broadcast request %s is missing title or body", msg.ID)
	}

	return &payload, false, nil
}
