package pipeline

import (
	"context"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-push-gateway/internal/dispatch"
	"github.com/tinywideclouds/go-push-gateway/pkg/push"
)

// DispatcherFactory builds one dispatch session. Sessions hold per-batch
// state and are not safe for concurrent use, so the processor creates a
// fresh one per message instead of sharing one across pipeline workers.
type DispatcherFactory func() *dispatch.Push

// NewProcessor turns validated push events into dispatch calls.
func NewProcessor(newDispatcher DispatcherFactory, logger *slog.Logger) messagepipeline.StreamProcessor[PushEvent] {
	return func(ctx context.Context, original messagepipeline.Message, ev *PushEvent) error {
		procLogger := logger.With(
			"user", ev.User,
			"pubsub_msg_id", original.ID,
		)

		dispatcher := newDispatcher()

		var err error
		switch ev.Kind {
		case EventKindDelete:
			err = dispatcher.PushDelete(ctx, ev.UserURN, ev.NotificationID, ev.App)
		default:
			err = dispatcher.PushNotification(ctx, ev.NotificationID, push.Notification{
				App:        ev.App,
				User:       ev.UserURN,
				ObjectType: ev.ObjectType,
				ObjectID:   ev.ObjectID,
				Subject:    ev.Subject,
			})
		}
		if err != nil {
			// Infrastructure failure (store, token provider); retryable.
			procLogger.Error("Push dispatch failed", "kind", ev.Kind, "err", err)
			return err
		}

		procLogger.Debug("Push event dispatched", "kind", ev.Kind, "notification_id", ev.NotificationID)
		return nil
	}
}
