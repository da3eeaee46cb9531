package notify

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Dispatcher delivers user-facing notifications. Delivery is best-effort:
// implementations must never let a failure reach the caller, so a completed
// transfer cannot fail on notification problems.
type Dispatcher interface {
	Notify(ctx context.Context, userID uint64, event string, payload map[string]interface{})
}

// KafkaDispatcher publishes notification events to a dedicated topic keyed
// by user id.
type KafkaDispatcher struct {
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

func NewKafkaDispatcher(w *kafka.Writer, logger *zap.SugaredLogger) *KafkaDispatcher {
	return &KafkaDispatcher{writer: w, log: logger}
}

func (d *KafkaDispatcher) Notify(ctx context.Context, userID uint64, event string, payload map[string]interface{}) {
	body, err := json.Marshal(map[string]interface{}{
		"user_id": userID,
		"event":   event,
		"payload": payload,
		"at":      time.Now().UTC(),
	})
	if err != nil {
		d.log.Warnw("encoding notification", "event", event, "err", err)
		return
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatUint(userID, 10)),
		Value: body,
		Time:  time.Now(),
	}
	if err := d.writer.WriteMessages(ctx, msg); err != nil {
		d.log.Warnw("notification dropped", "event", event, "user_id", userID, "err", err)
	}
}

// Nop discards notifications; used in tests and the worker.
type Nop struct{}

func (Nop) Notify(context.Context, uint64, string, map[string]interface{}) {}
