package recommendation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSSource receives JSON-encoded recommendations from a NATS subject. With
// a queue group set, each message goes to exactly one of the subscribed
// recdeploy processes.
type NATSSource struct {
	URL     string
	Subject string
	Queue   string
	Logger  *zap.Logger
}

// Recommendations subscribes and forwards valid messages until ctx is done.
// Malformed or invalid messages are logged and dropped.
func (s NATSSource) Recommendations(ctx context.Context, out chan<- Recommendation) error {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("nats-source")

	nc, err := nats.Connect(s.URL,
		nats.Name("recdeploy"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return fmt.Errorf("connect to NATS at %s: %w", s.URL, err)
	}
	defer nc.Close()

	var sub *nats.Subscription
	if s.Queue != "" {
		sub, err = nc.QueueSubscribeSync(s.Subject, s.Queue)
	} else {
		sub, err = nc.SubscribeSync(s.Subject)
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.Subject, err)
	}
	defer sub.Unsubscribe()
	logger.Info("listening for recommendations",
		zap.String("url", s.URL), zap.String("subject", s.Subject), zap.String("queue", s.Queue))

	for {
		msg, err := sub.NextMsgWithContext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, nats.ErrConnectionClosed) {
				return fmt.Errorf("nats connection closed: %w", err)
			}
			logger.Warn("receive failed", zap.Error(err))
			continue
		}

		var r Recommendation
		if err := json.Unmarshal(msg.Data, &r); err != nil {
			logger.Warn("dropping malformed recommendation", zap.Error(err))
			continue
		}
		if err := r.Validate(); err != nil {
			logger.Warn("dropping invalid recommendation", zap.String("rec_id", r.ID), zap.Error(err))
			continue
		}
		select {
		case out <- r:
		case <-ctx.Done():
			return nil
		}
	}
}
