package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/layer-3/votechain/core"
	"github.com/layer-3/votechain/ports"
	"go.uber.org/zap"
)

// WatermillNotifier queues challenge notifications for a delivery worker
type WatermillNotifier struct {
	publisher message.Publisher
}

// NewWatermillNotifier creates a notifier publishing on TopicChallengeIssued
func NewWatermillNotifier(publisher message.Publisher) ports.Notifier {
	return &WatermillNotifier{publisher: publisher}
}

// NotifyChallenge publishes the notification request
func (n *WatermillNotifier) NotifyChallenge(ctx context.Context, notification core.ChallengeNotification) error {
	return publishJSON(ctx, n.publisher, TopicChallengeIssued, "", notification)
}

// DeliverFunc sends a code to its recipient
type DeliverFunc func(ctx context.Context, n core.ChallengeNotification) error

// NotificationWorker consumes challenge notifications and hands them to a
// delivery function. Failed deliveries are nacked for redelivery.
type NotificationWorker struct {
	subscriber message.Subscriber
	deliver    DeliverFunc
	logger     *zap.Logger
}

// NewNotificationWorker creates a worker over the given subscriber
func NewNotificationWorker(subscriber message.Subscriber, deliver DeliverFunc, logger *zap.Logger) *NotificationWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationWorker{
		subscriber: subscriber,
		deliver:    deliver,
		logger:     logger.Named("notifications"),
	}
}

// Run consumes until ctx is done or the subscription closes.
// Cancellation is a clean shutdown.
func (w *NotificationWorker) Run(ctx context.Context) error {
	messages, err := w.subscriber.Subscribe(ctx, TopicChallengeIssued)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			w.handle(ctx, msg)
		}
	}
}

func (w *NotificationWorker) handle(ctx context.Context, msg *message.Message) {
	var n core.ChallengeNotification
	if err := json.Unmarshal(msg.Payload, &n); err != nil {
		// Malformed payloads never become deliverable
		w.logger.Error("dropping malformed notification", zap.String("message_id", msg.UUID), zap.Error(err))
		msg.Ack()
		return
	}

	if err := w.deliver(ctx, n); err != nil {
		w.logger.Warn("challenge delivery failed", zap.String("recipient", n.Recipient), zap.Error(err))
		msg.Nack()
		return
	}

	w.logger.Info("challenge delivered", zap.String("recipient", n.Recipient))
	msg.Ack()
}

// LogDelivery is a DeliverFunc for development that writes codes to the log
func LogDelivery(logger *zap.Logger) DeliverFunc {
	return func(ctx context.Context, n core.ChallengeNotification) error {
		logger.Debug("challenge code",
			zap.String("recipient", n.Recipient),
			zap.String("display_name", n.DisplayName),
			zap.String("code", n.Code),
			zap.Duration("ttl", n.TTL),
		)
		return nil
	}
}
