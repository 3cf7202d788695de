package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/associazione-ets/go-push-service/pkg/push"
)

// NewProcessor creates the logic that hands a validated broadcast request to
// the fan-out engine. The dispatcher owns per-subscription failure handling;
// the processor only decides whether the message should be retried.
func NewProcessor(
	broadcaster push.Broadcaster,
	logger *slog.Logger,
) messagepipeline.StreamProcessor[push.Payload] {

	return func(ctx context.Context, original messagepipeline.Message, payload *push.Payload) error {
		procLogger := logger.With(
			"pubsub_msg_id", original.ID,
			"title", payload.Title,
		)

		result, err := broadcaster.Send(ctx, *payload)
		if err != nil {
			if errors.Is(err, push.ErrNotConfigured) {
				// Redelivery cannot fix a missing key pair; ack and drop.
				procLogger.Error("Dropping broadcast, VAPID credentials unavailable", "err", err)
				return nil
			}
			procLogger.Error("Broadcast dispatch failed", "err", err)
			return err // Retryable
		}

		procLogger.Info("Broadcast dispatched", "success", result.SuccessCount, "fail", result.FailCount)
		return nil
	}
}
