package bus

import (
	"context"
	"fmt"
	"log/slog"
)

const logSubscriberPrefix = "bus:log"

// LogSubscriber writes every delivered message to logger at info level.
func LogSubscriber(logger *slog.Logger) Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return SubscriberFunc(func(ctx context.Context, msg Message) error {
		logger.InfoContext(ctx, fmt.Sprintf("%s - %s", logSubscriberPrefix, msg.Type),
			slog.String("id", msg.ID),
			slog.String("actor", msg.Actor),
			slog.String("origin", msg.Origin),
			slog.Int("payloadBytes", len(msg.Payload)),
		)
		return nil
	})
}
