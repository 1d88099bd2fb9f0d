// outbox.go publishes every committed write event to a Kafka topic so the
// matcher can run out-of-process, the way the teacher's own outbox
// (`kafkaWriterByTopic`) decouples notification delivery from the request
// goroutine. Publishing is best-effort: spec.md §4.9 only requires that
// subscription notification never fails the triggering write.
package subscription

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/fhirstore/internal/rlog"
)

// Outbox publishes write Events to a Kafka topic, one writer per topic,
// mirroring the teacher's per-resource kafkaWriterByTopic map.
type Outbox struct {
	writer *kafka.Writer
}

// NewOutbox builds an Outbox publishing to topic on brokers.
func NewOutbox(brokers []string, topic string) *Outbox {
	return &Outbox{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
	}}
}

// Publish best-effort publishes ev; failures are logged, never returned to
// the write path (spec.md §4.9 "notify subscriptions (best-effort,
// async)").
func (o *Outbox) Publish(ev Event) {
	if o == nil || o.writer == nil {
		return
	}
	payload := map[string]interface{}{
		"kind": ev.Kind,
		"id":   ev.ID.String(),
		"op":   ev.Op,
	}
	if ev.Resource != nil {
		payload["resource"] = map[string]interface{}(ev.Resource)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		rlog.Default().Errorf("marshal outbox event for %s/%s: %v", ev.Kind, ev.ID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.Kind + "/" + ev.ID.String()), Value: body}); err != nil {
		rlog.Default().Errorf("publish outbox event for %s/%s: %v", ev.Kind, ev.ID, err)
	}
}

// Close flushes and closes the underlying Kafka writer.
func (o *Outbox) Close() error {
	if o == nil || o.writer == nil {
		return nil
	}
	return o.writer.Close()
}
